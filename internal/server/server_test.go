package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"servline/internal/app"
	"servline/internal/config"
	"servline/internal/domain"
	"servline/internal/engine"
	"servline/internal/engine/auth"
)

func init() {
	auth.HashCost = 4
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type testServer struct {
	URL    string
	ws     *app.Workspace
	logs   *lockedBuffer
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }
func (s *testServer) api(p string) string  { return s.URL + "/api/v0" + p }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	ctx := context.Background()
	ws, err := app.Open(ctx, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("open workspace: %v", err)
	}
	if _, err := app.SeedDemo(ctx, ws.Engine); err != nil {
		t.Fatalf("seed: %v", err)
	}
	logs := &lockedBuffer{}
	handler, err := New(Config{
		Engine: ws.Engine,
		Auth:   AuthConfig{JWTSecret: "test-secret"},
		Logger: log.New(logs, "", 0),
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		ws:     ws,
		logs:   logs,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			ws.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func login(t *testing.T, srv *testServer, email, password string) map[string]string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.api("/auth/login"), map[string]any{
		"email":    email,
		"password": password,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login %s: %d %s", email, res.StatusCode, string(data))
	}
	var out LoginResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + out.Token}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func listTasks(t *testing.T, srv *testServer, view string, headers map[string]string) []domain.TaskView {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.api("/tasks?view="+view), nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list %s tasks: %d %s", view, res.StatusCode, string(data))
	}
	var out taskList
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal tasks: %v", err)
	}
	return out.Items
}

func hasTask(items []domain.TaskView, id int64) bool {
	for _, item := range items {
		if item.ID == id {
			return true
		}
	}
	return false
}

// firewallImplementation creates a Firewall Endpoint implementation for MEGACORP through the API.
func firewallImplementation(t *testing.T, srv *testServer, manager map[string]string) ImplementationResponse {
	t.Helper()
	_, data := doJSON(t, srv.Client(), http.MethodGet, srv.api("/services"), nil, manager)
	var services serviceList
	if err := json.Unmarshal(data, &services); err != nil {
		t.Fatalf("unmarshal services: %v", err)
	}
	_, data = doJSON(t, srv.Client(), http.MethodGet, srv.api("/clients"), nil, manager)
	var clients clientList
	if err := json.Unmarshal(data, &clients); err != nil {
		t.Fatalf("unmarshal clients: %v", err)
	}
	var serviceID, clientID int64
	for _, s := range services.Items {
		if s.Name == "Firewall Endpoint" {
			serviceID = s.ID
		}
	}
	for _, c := range clients.Items {
		if c.Name == "MEGACORP" {
			clientID = c.ID
		}
	}
	if serviceID == 0 || clientID == 0 {
		t.Fatalf("seed data missing: service=%d client=%d", serviceID, clientID)
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.api("/implementations"), map[string]any{
		"service_id": serviceID,
		"client_id":  clientID,
		"notes":      "rush order",
	}, manager)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create implementation: %d %s", res.StatusCode, string(data))
	}
	var impl ImplementationResponse
	if err := json.Unmarshal(data, &impl); err != nil {
		t.Fatalf("unmarshal implementation: %v", err)
	}
	return impl
}

func stepTask(t *testing.T, impl ImplementationResponse, step string) domain.TaskView {
	t.Helper()
	for _, task := range impl.Tasks {
		if task.StepName == step {
			return task
		}
	}
	t.Fatalf("no task for step %q", step)
	return domain.TaskView{}
}

func TestHealthIsPublicAndAPIRequiresAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.api("/health"), nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.api("/me"), nil, nil)
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "unauthorized" {
		t.Fatalf("expected 401 unauthorized, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.api("/me"), nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "invalid_credentials" {
		t.Fatalf("expected invalid_credentials, got %d %s", res.StatusCode, string(data))
	}
}

func TestLoginRejectsBadPassword(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.api("/auth/login"), map[string]any{
		"email":    "george@vandelay.test",
		"password": "wrong",
	}, nil)
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "invalid_credentials" {
		t.Fatalf("expected 401 invalid_credentials, got %d %s", res.StatusCode, string(data))
	}
	// no password was ever set for Elaine
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.api("/auth/login"), map[string]any{
		"email":    "elaine@vandelay.test",
		"password": "anything",
	}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for passwordless employee, got %d %s", res.StatusCode, string(data))
	}

	george := login(t, srv, "george@vandelay.test", "in_the_pool")
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.api("/me"), nil, george)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	_ = json.Unmarshal(data, &me)
	if me.Employee.Email != "george@vandelay.test" || me.Employee.Role != domain.RoleWorker || me.Source != "jwt" {
		t.Fatalf("unexpected me %+v", me)
	}
}

func TestFirewallWorkflowOverAPI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	jerry := login(t, srv, "jerry@vandelay.test", "whats_the_deal")
	george := login(t, srv, "george@vandelay.test", "in_the_pool")

	impl := firewallImplementation(t, srv, jerry)
	if len(impl.Tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(impl.Tasks))
	}
	if impl.Identifier != fmt.Sprintf("Firewall Endpoint %d: MEGACORP", impl.ID) {
		t.Fatalf("unexpected identifier %q", impl.Identifier)
	}
	order := stepTask(t, impl, "Order Firewall Hardware")
	configure := stepTask(t, impl, "Configure Firewall")

	unassigned := listTasks(t, srv, "unassigned", george)
	if !hasTask(unassigned, order.ID) || hasTask(unassigned, configure.ID) {
		t.Fatalf("worker should only see the ready order task: %+v", unassigned)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.api(fmt.Sprintf("/tasks/%d/complete", configure.ID)), nil, george)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "task_blocked" {
		t.Fatalf("expected task_blocked, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.api(fmt.Sprintf("/tasks/%d/assign", configure.ID)), map[string]any{}, george)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "task_blocked" {
		t.Fatalf("expected blocked self assign to fail, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.api(fmt.Sprintf("/tasks/%d/assign", order.ID)), map[string]any{}, george)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("self assign: %d %s", res.StatusCode, string(data))
	}
	assigned := listTasks(t, srv, "assigned", george)
	if len(assigned) != 1 || assigned[0].ID != order.ID {
		t.Fatalf("expected order task assigned to george, got %+v", assigned)
	}
	if hasTask(listTasks(t, srv, "unassigned", george), order.ID) {
		t.Fatalf("assigned task still listed as unassigned")
	}

	res, data = doJSON(t, client, http.MethodPost, srv.api(fmt.Sprintf("/tasks/%d/request", order.ID)), map[string]any{
		"info": "Which rack size?",
	}, george)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("request information: %d %s", res.StatusCode, string(data))
	}
	var opened domain.InformationRequest
	_ = json.Unmarshal(data, &opened)

	res, data = doJSON(t, client, http.MethodGet, srv.api("/requests"), nil, george)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("worker listing requests: expected 403, got %d %s", res.StatusCode, string(data))
	}
	_, data = doJSON(t, client, http.MethodGet, srv.api("/requests"), nil, jerry)
	var open requestList
	_ = json.Unmarshal(data, &open)
	if len(open.Items) != 1 || open.Items[0].ID != opened.ID {
		t.Fatalf("expected the open request for jerry, got %s", string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.api(fmt.Sprintf("/requests/%d/reply", opened.ID)), map[string]any{
		"reply": "42U",
	}, jerry)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reply: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.api(fmt.Sprintf("/requests/%d/reply", opened.ID)), map[string]any{
		"reply": "again",
	}, jerry)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "request_closed" {
		t.Fatalf("expected request_closed, got %d %s", res.StatusCode, string(data))
	}
	_, data = doJSON(t, client, http.MethodGet, srv.api("/requests"), nil, jerry)
	_ = json.Unmarshal(data, &open)
	if len(open.Items) != 0 {
		t.Fatalf("resolved request still open: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.api(fmt.Sprintf("/tasks/%d/complete", order.ID)), nil, george)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete: %d %s", res.StatusCode, string(data))
	}
	if !hasTask(listTasks(t, srv, "unassigned", george), configure.ID) {
		t.Fatalf("configure should be ready once hardware is ordered")
	}
	if !hasTask(listTasks(t, srv, "completed", george), order.ID) {
		t.Fatalf("order task missing from completed view")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.api(fmt.Sprintf("/tasks/%d", order.ID)), nil, george)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("task detail: %d %s", res.StatusCode, string(data))
	}
	var detail TaskDetailResponse
	_ = json.Unmarshal(data, &detail)
	if len(detail.Assignments) != 1 || len(detail.Requests) != 1 || detail.Requests[0].CompletedInfo == nil {
		t.Fatalf("unexpected detail %s", string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.api("/tasks/9999"), nil, george)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
}

func TestWorkerCannotAssignOthersOrCreateImplementations(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	jerry := login(t, srv, "jerry@vandelay.test", "whats_the_deal")
	george := login(t, srv, "george@vandelay.test", "in_the_pool")
	impl := firewallImplementation(t, srv, jerry)
	order := stepTask(t, impl, "Order Firewall Hardware")

	elaine, err := srv.ws.Engine.EmployeeByEmail(context.Background(), "elaine@vandelay.test")
	if err != nil {
		t.Fatal(err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.api(fmt.Sprintf("/tasks/%d/assign", order.ID)), map[string]any{
		"worker_id": elaine.ID,
	}, george)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.api(fmt.Sprintf("/tasks/%d/assign", order.ID)), map[string]any{
		"worker_id": elaine.ID,
	}, jerry)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("manager assigning elaine: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.api("/implementations"), map[string]any{
		"service_id": impl.ServiceID,
		"client_id":  impl.ClientID,
	}, george)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for worker creating implementation, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.api(fmt.Sprintf("/tasks/%d/request", order.ID)), map[string]any{
		"info": "  ",
	}, george)
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != "validation_failed" {
		t.Fatalf("expected validation_failed, got %d %s", res.StatusCode, string(data))
	}
}

func TestEventsWithAPIKeyPaginate(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	jerry, err := srv.ws.Engine.EmployeeByEmail(ctx, "jerry@vandelay.test")
	if err != nil {
		t.Fatal(err)
	}
	_, raw, err := srv.ws.Engine.CreateAPIKey(ctx, jerry.ID, "ci")
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}
	key := map[string]string{"X-Api-Key": raw}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.api("/me"), nil, key)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), `"source":"api_key"`) {
		t.Fatalf("me with api key: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.api("/events?limit=2"), nil, key)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	_ = json.Unmarshal(data, &page)
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected a full page with a cursor, got %s", string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.api("/events?limit=2&cursor="+page.NextCursor), nil, key)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events page 2: %d %s", res.StatusCode, string(data))
	}
	var next paginatedEvents
	_ = json.Unmarshal(data, &next)
	if len(next.Items) == 0 || next.Items[0].ID >= page.Items[1].ID {
		t.Fatalf("second page should continue below the first: %s", string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.api("/events"), nil, map[string]string{"X-Api-Key": "svl_bogus"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown key, got %d %s", res.StatusCode, string(data))
	}
	george := login(t, srv, "george@vandelay.test", "in_the_pool")
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.api("/events"), nil, george)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for worker, got %d %s", res.StatusCode, string(data))
	}
}

func browser(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func fetch(t *testing.T, client *http.Client, method, target string, form url.Values) (*http.Response, string) {
	t.Helper()
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequest(method, target, body)
	if err != nil {
		t.Fatal(err)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, target, err)
	}
	defer res.Body.Close()
	data, _ := io.ReadAll(res.Body)
	return res, string(data)
}

func expectRedirect(t *testing.T, res *http.Response, location string) {
	t.Helper()
	if res.StatusCode != http.StatusSeeOther {
		t.Fatalf("expected redirect to %s, got %d", location, res.StatusCode)
	}
	if got := res.Header.Get("Location"); got != location {
		t.Fatalf("expected redirect to %s, got %s", location, got)
	}
}

func TestWorkerPages(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	eng := srv.ws.Engine
	jerry, _ := eng.EmployeeByEmail(ctx, "jerry@vandelay.test")
	services, _ := eng.ListServices(ctx)
	clients, _ := eng.ListClients(ctx, jerry.ID)
	impl, err := eng.CreateImplementation(ctx, engine.ImplementationCreateOptions{ServiceID: services[0].ID, ClientID: clients[0].ID, ActorID: jerry.ID})
	if err != nil {
		t.Fatal(err)
	}
	first := impl.Tasks[0]
	b := browser(t)

	res, _ := fetch(t, b, http.MethodGet, srv.URL+"/", nil)
	expectRedirect(t, res, "/login")

	res, body := fetch(t, b, http.MethodPost, srv.URL+"/login", url.Values{"email": {""}, "password": {""}})
	if res.StatusCode != http.StatusUnprocessableEntity || !strings.Contains(body, "email is required") || !strings.Contains(body, "password is required") {
		t.Fatalf("expected field errors, got %d %s", res.StatusCode, body)
	}
	res, body = fetch(t, b, http.MethodPost, srv.URL+"/login", url.Values{"email": {"george@vandelay.test"}, "password": {"nope"}})
	if res.StatusCode != http.StatusUnauthorized || !strings.Contains(body, "Email and password do not match") {
		t.Fatalf("expected generic mismatch, got %d %s", res.StatusCode, body)
	}
	res, _ = fetch(t, b, http.MethodPost, srv.URL+"/login", url.Values{"email": {"george@vandelay.test"}, "password": {"in_the_pool"}})
	expectRedirect(t, res, "/")

	res, body = fetch(t, b, http.MethodGet, srv.URL+"/", nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(body, "George Costanza") || !strings.Contains(body, first.StepName) {
		t.Fatalf("home: %d %s", res.StatusCode, body)
	}
	res, _ = fetch(t, b, http.MethodGet, srv.URL+"/login", nil)
	expectRedirect(t, res, "/")
	res, _ = fetch(t, b, http.MethodGet, srv.URL+"/manage", nil)
	expectRedirect(t, res, "/")

	taskURL := fmt.Sprintf("%s/task/%d", srv.URL, first.ID)
	res, _ = fetch(t, b, http.MethodPost, taskURL, url.Values{"action": {"assign"}})
	if res.StatusCode != http.StatusSeeOther {
		t.Fatalf("assign: expected redirect, got %d", res.StatusCode)
	}
	res, body = fetch(t, b, http.MethodGet, taskURL, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(body, "George Costanza since") {
		t.Fatalf("task page after assign: %d %s", res.StatusCode, body)
	}
	res, body = fetch(t, b, http.MethodPost, taskURL, url.Values{"action": {"request"}, "info": {""}})
	if res.StatusCode != http.StatusUnprocessableEntity || !strings.Contains(body, "requested information is required") {
		t.Fatalf("empty request: %d %s", res.StatusCode, body)
	}
	res, _ = fetch(t, b, http.MethodPost, taskURL, url.Values{"action": {"complete"}})
	if res.StatusCode != http.StatusSeeOther {
		t.Fatalf("complete: expected redirect, got %d", res.StatusCode)
	}

	res, body = fetch(t, b, http.MethodPost, taskURL, url.Values{"action": {"archive"}})
	if res.StatusCode != http.StatusInternalServerError || !strings.Contains(body, "Something went wrong") {
		t.Fatalf("unknown action: %d %s", res.StatusCode, body)
	}
	if !strings.Contains(srv.logs.String(), `unknown task action "archive"`) {
		t.Fatalf("unknown action not logged: %s", srv.logs.String())
	}

	res, body = fetch(t, b, http.MethodGet, srv.URL+"/task/9999", nil)
	if res.StatusCode != http.StatusNotFound || !strings.Contains(body, "Not found") {
		t.Fatalf("missing task: %d %s", res.StatusCode, body)
	}
	res, _ = fetch(t, b, http.MethodGet, srv.URL+"/public/style.css", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("static asset: %d", res.StatusCode)
	}

	res, _ = fetch(t, b, http.MethodGet, srv.URL+"/logout", nil)
	expectRedirect(t, res, "/login")
	res, _ = fetch(t, b, http.MethodGet, srv.URL+"/", nil)
	expectRedirect(t, res, "/login")
}

func TestManagerPages(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	eng := srv.ws.Engine
	services, _ := eng.ListServices(ctx)
	jerry, _ := eng.EmployeeByEmail(ctx, "jerry@vandelay.test")
	clients, _ := eng.ListClients(ctx, jerry.ID)
	b := browser(t)

	res, _ := fetch(t, b, http.MethodPost, srv.URL+"/login", url.Values{"email": {"jerry@vandelay.test"}, "password": {"whats_the_deal"}})
	expectRedirect(t, res, "/")
	res, body := fetch(t, b, http.MethodGet, srv.URL+"/manage", nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(body, "MEGACORP") {
		t.Fatalf("manage: %d %s", res.StatusCode, body)
	}

	res, _ = fetch(t, b, http.MethodPost, srv.URL+"/manage/implementation", url.Values{
		"client":  {fmt.Sprint(clients[0].ID)},
		"service": {fmt.Sprint(services[0].ID)},
		"notes":   {"first install"},
	})
	if res.StatusCode != http.StatusSeeOther {
		t.Fatalf("create implementation: expected redirect, got %d", res.StatusCode)
	}
	res, body = fetch(t, b, http.MethodGet, srv.URL+"/manage/implementation", nil)
	want := fmt.Sprintf("%s 1: %s", services[0].Name, clients[0].Name)
	if res.StatusCode != http.StatusOK || !strings.Contains(body, want) {
		t.Fatalf("implementation list missing %q: %d %s", want, res.StatusCode, body)
	}
	res, body = fetch(t, b, http.MethodPost, srv.URL+"/manage/implementation", url.Values{"client": {""}, "service": {""}})
	if res.StatusCode != http.StatusUnprocessableEntity || !strings.Contains(body, "service is required") {
		t.Fatalf("missing fields: %d %s", res.StatusCode, body)
	}

	impl, err := eng.ListImplementations(ctx, jerry.ID, true)
	if err != nil || len(impl) != 1 {
		t.Fatalf("list implementations: %v %v", impl, err)
	}
	detail, _ := eng.GetImplementation(ctx, impl[0].ID)
	george, _ := eng.EmployeeByEmail(ctx, "george@vandelay.test")
	req, err := eng.RequestInformation(ctx, engine.RequestOptions{TaskID: detail.Tasks[0].ID, WorkerID: george.ID, Info: "Where is the rack?"})
	if err != nil {
		t.Fatal(err)
	}
	res, body = fetch(t, b, http.MethodGet, srv.URL+"/manage/requests", nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(body, "Where is the rack?") {
		t.Fatalf("requests page: %d %s", res.StatusCode, body)
	}
	res, _ = fetch(t, b, http.MethodPost, srv.URL+"/manage/requests", url.Values{"request_id": {fmt.Sprint(req.ID)}, "reply": {"Basement"}})
	if res.StatusCode != http.StatusSeeOther {
		t.Fatalf("reply: expected redirect, got %d", res.StatusCode)
	}
	res, body = fetch(t, b, http.MethodGet, srv.URL+"/manage/requests", nil)
	if strings.Contains(body, "Where is the rack?") {
		t.Fatalf("resolved request still listed")
	}
}

func TestWebhookDispatcherDeliversFilteredEvents(t *testing.T) {
	ctx := context.Background()
	ws, err := app.Open(ctx, t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()
	if _, err := app.SeedDemo(ctx, ws.Engine); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var got []webhookEvent
	var headers []http.Header
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		got = append(got, evt)
		headers = append(headers, r.Header.Clone())
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	eng := ws.Engine
	eng.Config.Webhooks = []config.WebhookConfig{{URL: hook.URL, Events: []string{"task.completed"}, Secret: "s3cret"}}
	d := NewWebhookDispatcher(eng, log.New(io.Discard, "", 0))
	// first pass pins the cursor to the latest seed event
	d.DispatchAll(ctx)

	jerry, _ := eng.EmployeeByEmail(ctx, "jerry@vandelay.test")
	george, _ := eng.EmployeeByEmail(ctx, "george@vandelay.test")
	services, _ := eng.ListServices(ctx)
	clients, _ := eng.ListClients(ctx, jerry.ID)
	impl, err := eng.CreateImplementation(ctx, engine.ImplementationCreateOptions{ServiceID: services[0].ID, ClientID: clients[0].ID, ActorID: jerry.ID})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.AssignTask(ctx, engine.AssignOptions{TaskID: impl.Tasks[0].ID, WorkerID: george.ID, ActorID: george.ID}); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.CompleteTask(ctx, engine.CompleteOptions{TaskID: impl.Tasks[0].ID, ActorID: george.ID}); err != nil {
		t.Fatal(err)
	}
	d.DispatchAll(ctx)
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected exactly one delivery, got %d: %+v", len(got), got)
	}
	if got[0].Type != "task.completed" || got[0].EntityID != fmt.Sprint(impl.Tasks[0].ID) {
		t.Fatalf("unexpected event %+v", got[0])
	}
	if headers[0].Get("X-Servline-Event") != "task.completed" || headers[0].Get("X-Servline-Secret") != "s3cret" {
		t.Fatalf("missing webhook headers: %v", headers[0])
	}
}

func TestOversizedBodiesAreRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	big := strings.Repeat("x", maxRequestBody)
	res, err := srv.Client().Post(srv.api("/auth/login"), "application/json", strings.NewReader(`{"email":"`+big+`"}`))
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(res.Body)
	res.Body.Close()
	if res.StatusCode != http.StatusRequestEntityTooLarge || errorCode(t, data) != "body_too_large" {
		t.Fatalf("expected body_too_large, got %d %s", res.StatusCode, string(data))
	}

	form := url.Values{"email": {big}, "password": {"x"}}
	res, err = srv.Client().PostForm(srv.URL+"/login", form)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 for oversized form, got %d", res.StatusCode)
	}
}
