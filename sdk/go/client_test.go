package servlinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestLoginStoresBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v0/auth/login":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["email"] != "george@vandelay.test" || body["password"] != "in_the_pool" {
				t.Errorf("unexpected login body %v", body)
			}
			_, _ = io.WriteString(w, `{"token":"tok-1","expires_at":"2026-01-01T00:00:00Z","employee":{"id":1,"name":"George Costanza","email":"george@vandelay.test","role":"worker"}}`)
		case "/api/v0/tasks":
			gotAuth = r.Header.Get("Authorization")
			if r.URL.Query().Get("view") != "unassigned" {
				t.Errorf("unexpected view %q", r.URL.Query().Get("view"))
			}
			_, _ = io.WriteString(w, `{"view":"unassigned","items":[{"id":7,"implementation_id":2,"step_name":"Order Firewall Hardware","ready":true,"open_requests":0}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	emp, err := c.Login(context.Background(), "george@vandelay.test", "in_the_pool")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if emp.Role != "worker" || c.BearerToken != "tok-1" {
		t.Fatalf("unexpected login result %+v token=%q", emp, c.BearerToken)
	}
	tasks, err := c.Tasks(context.Background(), "unassigned")
	if err != nil {
		t.Fatalf("tasks: %v", err)
	}
	if gotAuth != "Bearer tok-1" {
		t.Fatalf("expected bearer header, got %q", gotAuth)
	}
	if len(tasks) != 1 || tasks[0].StepName != "Order Firewall Hardware" || !tasks[0].Ready {
		t.Fatalf("unexpected tasks %+v", tasks)
	}
}

func TestAPIErrorCarriesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "svl_key" {
			t.Errorf("missing api key header")
		}
		if r.Method != http.MethodPost || r.URL.Path != "/api/v0/tasks/3/complete" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"error":{"code":"task_blocked","message":"task is blocked by an incomplete step: waiting on Order Firewall Hardware"}}`)
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "svl_key"
	_, err := c.CompleteTask(context.Background(), 3)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "task_blocked" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestAssignTaskSendsWorker(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"id":1,"task_id":5,"assigned_by":2,"assigned_to":3,"assigned_on":"2026-01-01T00:00:00Z","assignee_name":"Elaine Benes"}`)
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	worker := int64(3)
	a, err := c.AssignTask(context.Background(), 5, &worker)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if body["worker_id"] != float64(3) {
		t.Fatalf("worker_id not sent: %v", body)
	}
	if a.AssigneeName != "Elaine Benes" || a.TaskID != 5 {
		t.Fatalf("unexpected assignment %+v", a)
	}

	body = nil
	if _, err := c.AssignTask(context.Background(), 5, nil); err != nil {
		t.Fatalf("self assign: %v", err)
	}
	if _, ok := body["worker_id"]; ok {
		t.Fatalf("self assign should omit worker_id: %v", body)
	}
}

func TestEventsPageBuildsCursorQuery(t *testing.T) {
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		_, _ = io.WriteString(w, `{"items":[{"id":4,"ts":"2026-01-01T00:00:00Z","type":"task.completed","entity_kind":"task","entity_id":"1","payload":{"restamped":false}}],"next_cursor":"4"}`)
	}))
	defer srv.Close()

	page, err := New(srv.URL).EventsPage(context.Background(), 1, "9")
	if err != nil {
		t.Fatal(err)
	}
	if query != "limit=1&cursor=9" {
		t.Fatalf("unexpected query %q", query)
	}
	if page.NextCursor != "4" || len(page.Items) != 1 || page.Items[0].Payload["restamped"] != false {
		t.Fatalf("unexpected page %+v", page)
	}
}
