package server

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"servline/internal/domain"
	"servline/internal/engine"
	"servline/internal/engine/auth"
	"servline/internal/repo"
)

//go:embed views/*.html
var viewFS embed.FS

//go:embed public
var embeddedPublic embed.FS

const (
	loginURL = "/login"
	homeURL  = "/"
)

// publicFS serves dir when set, the bundled assets otherwise.
func publicFS(dir string) (fs.FS, error) {
	if dir != "" {
		info, err := os.Stat(dir)
		if err != nil {
			return nil, fmt.Errorf("public dir: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("public dir %s is not a directory", dir)
		}
		return os.DirFS(dir), nil
	}
	return fs.Sub(embeddedPublic, "public")
}

type pageData struct {
	Title  string
	User   *Principal
	Flash  string
	Errors map[string]string
	Form   map[string]string
	Data   any
}

type pages struct {
	engine   engine.Engine
	sessions sessions
	views    map[string]*template.Template
	logger   *log.Logger
}

var viewFuncs = template.FuncMap{
	"ts": func(v any) string {
		var s string
		switch t := v.(type) {
		case string:
			s = t
		case *string:
			if t == nil {
				return ""
			}
			s = *t
		default:
			return ""
		}
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return s
		}
		return parsed.Local().Format("2006-01-02 15:04")
	},
	"deref": func(p *string) string {
		if p == nil {
			return ""
		}
		return *p
	},
	"idEq": func(p *int64, id int64) bool {
		return p != nil && *p == id
	},
}

func newPages(e engine.Engine, s sessions, logger *log.Logger) (*pages, error) {
	p := &pages{engine: e, sessions: s, views: map[string]*template.Template{}, logger: logger}
	for _, name := range []string{"login", "tasks", "task", "manage", "implementation", "requests", "404", "500"} {
		t, err := template.New(name).Funcs(viewFuncs).ParseFS(viewFS, "views/layout.html", "views/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("parse view %s: %w", name, err)
		}
		p.views[name] = t
	}
	return p, nil
}

func (p *pages) register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(p.unauthenticated)
		r.Get(loginURL, p.loginForm)
		r.Post(loginURL, p.login)
	})
	r.Get("/logout", p.logout)
	r.Group(func(r chi.Router) {
		r.Use(p.authenticated)
		r.Get(homeURL, p.home)
		r.Get("/task/{id}", p.task)
		r.Post("/task/{id}", p.taskAction)
		r.Route("/manage", func(r chi.Router) {
			r.Use(p.managerOnly)
			r.Get("/", p.manage)
			r.Get("/implementation", p.implementations)
			r.Post("/implementation", p.createImplementation)
			r.Get("/requests", p.requests)
			r.Post("/requests", p.replyRequest)
		})
	})
}

func (p *pages) render(w http.ResponseWriter, status int, name string, data pageData) {
	t, ok := p.views[name]
	if !ok {
		p.logger.Printf("[http] unknown view %s", name)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", data); err != nil {
		p.logger.Printf("[http] render %s: %v", name, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	buf.WriteTo(w)
}

func (p *pages) notFound(w http.ResponseWriter, r *http.Request) {
	user, _ := p.sessions.read(r)
	var u *Principal
	if user.EmployeeID != 0 {
		u = &user
	}
	p.render(w, http.StatusNotFound, "404", pageData{Title: "Not found", User: u})
}

// fail logs err and renders the generic error page. Not-found errors get the 404 page.
func (p *pages) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, repo.ErrNotFound) {
		p.notFound(w, r)
		return
	}
	p.logger.Printf("[http] %s %s: %v", r.Method, r.URL.Path, err)
	p.render(w, http.StatusInternalServerError, "500", pageData{Title: "Error", User: userFrom(r.Context())})
}

type pageUserKey struct{}

func userFrom(ctx context.Context) *Principal {
	if u, ok := ctx.Value(pageUserKey{}).(Principal); ok {
		return &u
	}
	return nil
}

func (p *pages) authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := p.sessions.read(r)
		if !ok {
			http.Redirect(w, r, loginURL, http.StatusSeeOther)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), pageUserKey{}, user)))
	})
}

func (p *pages) unauthenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := p.sessions.read(r); ok {
			http.Redirect(w, r, homeURL, http.StatusSeeOther)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (p *pages) managerOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if u := userFrom(r.Context()); u == nil || !u.IsManager() {
			http.Redirect(w, r, homeURL, http.StatusSeeOther)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// employee reloads the session employee so role changes and deletions take effect.
func (p *pages) employee(w http.ResponseWriter, r *http.Request) (domain.Employee, bool) {
	u := userFrom(r.Context())
	if u == nil {
		http.Redirect(w, r, loginURL, http.StatusSeeOther)
		return domain.Employee{}, false
	}
	emp, err := p.engine.Employee(r.Context(), u.EmployeeID)
	if errors.Is(err, repo.ErrNotFound) {
		p.sessions.clear(w)
		http.Redirect(w, r, loginURL, http.StatusSeeOther)
		return domain.Employee{}, false
	}
	if err != nil {
		p.fail(w, r, err)
		return domain.Employee{}, false
	}
	return emp, true
}

func (p *pages) loginForm(w http.ResponseWriter, r *http.Request) {
	p.render(w, http.StatusOK, "login", pageData{Title: "Log in"})
}

func (p *pages) login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		p.fail(w, r, err)
		return
	}
	email := strings.TrimSpace(r.PostForm.Get("email"))
	password := r.PostForm.Get("password")
	form := map[string]string{"email": email}

	emp, err := p.engine.Authenticate(r.Context(), email, password)
	var verr engine.ValidationError
	switch {
	case errors.As(err, &verr):
		p.render(w, http.StatusUnprocessableEntity, "login", pageData{Title: "Log in", Errors: verr.Fields, Form: form})
		return
	case errors.Is(err, engine.ErrInvalidCredentials):
		p.render(w, http.StatusUnauthorized, "login", pageData{
			Title:  "Log in",
			Errors: map[string]string{"detail": "Email and password do not match"},
			Form:   form,
		})
		return
	case err != nil:
		p.fail(w, r, err)
		return
	}
	if err := p.sessions.issue(w, emp); err != nil {
		p.fail(w, r, err)
		return
	}
	http.Redirect(w, r, homeURL, http.StatusSeeOther)
}

func (p *pages) logout(w http.ResponseWriter, r *http.Request) {
	p.sessions.clear(w)
	http.Redirect(w, r, loginURL, http.StatusSeeOther)
}

type homeView struct {
	engine.Dashboard
	Completed []domain.TaskView
}

func (p *pages) home(w http.ResponseWriter, r *http.Request) {
	emp, ok := p.employee(w, r)
	if !ok {
		return
	}
	dash, err := p.engine.Dashboard(r.Context(), emp)
	if err != nil {
		p.fail(w, r, err)
		return
	}
	completed, err := p.engine.CompletedTasks(r.Context(), 10)
	if err != nil {
		p.fail(w, r, err)
		return
	}
	p.render(w, http.StatusOK, "tasks", pageData{
		Title: "Tasks",
		User:  userFrom(r.Context()),
		Flash: r.URL.Query().Get("flash"),
		Data:  homeView{Dashboard: dash, Completed: completed},
	})
}

type taskPageView struct {
	engine.TaskDetail
	Workers []domain.Employee
}

func taskID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("task %q: %w", chi.URLParam(r, "id"), repo.ErrNotFound)
	}
	return id, nil
}

func (p *pages) renderTask(w http.ResponseWriter, r *http.Request, status int, id int64, flash string, fieldErrs map[string]string) {
	emp, ok := p.employee(w, r)
	if !ok {
		return
	}
	detail, err := p.engine.TaskDetail(r.Context(), id)
	if err != nil {
		p.fail(w, r, err)
		return
	}
	view := taskPageView{TaskDetail: detail}
	if emp.IsManager() {
		if view.Workers, err = p.engine.ListEmployees(r.Context(), domain.RoleWorker); err != nil {
			p.fail(w, r, err)
			return
		}
	}
	p.render(w, status, "task", pageData{
		Title:  detail.Identifier(),
		User:   userFrom(r.Context()),
		Flash:  flash,
		Errors: fieldErrs,
		Data:   view,
	})
}

func (p *pages) task(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		p.fail(w, r, err)
		return
	}
	p.renderTask(w, r, http.StatusOK, id, r.URL.Query().Get("flash"), nil)
}

func (p *pages) taskAction(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		p.fail(w, r, err)
		return
	}
	if err := r.ParseForm(); err != nil {
		p.fail(w, r, err)
		return
	}
	emp, ok := p.employee(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	action := r.PostForm.Get("action")
	var flash string
	switch action {
	case "assign":
		workerID := emp.ID
		if raw := strings.TrimSpace(r.PostForm.Get("worker_id")); raw != "" {
			if workerID, err = strconv.ParseInt(raw, 10, 64); err != nil {
				p.renderTask(w, r, http.StatusUnprocessableEntity, id, "", map[string]string{"worker_id": "invalid worker"})
				return
			}
		}
		var a domain.TaskAssignment
		a, err = p.engine.AssignTask(ctx, engine.AssignOptions{TaskID: id, WorkerID: workerID, ActorID: emp.ID})
		flash = fmt.Sprintf("Assigned to %s", a.AssigneeName)
	case "request":
		_, err = p.engine.RequestInformation(ctx, engine.RequestOptions{TaskID: id, WorkerID: emp.ID, Info: r.PostForm.Get("info")})
		flash = "Request sent to the project manager"
	case "complete":
		_, err = p.engine.CompleteTask(ctx, engine.CompleteOptions{TaskID: id, ActorID: emp.ID})
		flash = "Task completed"
	default:
		p.fail(w, r, fmt.Errorf("unknown task action %q", action))
		return
	}
	if err != nil {
		p.actionFailed(w, r, id, err)
		return
	}
	http.Redirect(w, r, fmt.Sprintf("/task/%d?flash=%s", id, url.QueryEscape(flash)), http.StatusSeeOther)
}

// actionFailed re-renders the task page for errors the user can act on.
func (p *pages) actionFailed(w http.ResponseWriter, r *http.Request, id int64, err error) {
	var verr engine.ValidationError
	var ferr auth.ForbiddenError
	switch {
	case errors.As(err, &verr):
		p.renderTask(w, r, http.StatusUnprocessableEntity, id, "", verr.Fields)
	case errors.As(err, &ferr):
		p.renderTask(w, r, http.StatusForbidden, id, ferr.Error(), nil)
	case errors.Is(err, engine.ErrTaskBlocked), errors.Is(err, engine.ErrTaskCompleted), errors.Is(err, engine.ErrRequestClosed):
		p.renderTask(w, r, http.StatusConflict, id, err.Error(), nil)
	case errors.Is(err, engine.ErrNoManager):
		p.renderTask(w, r, http.StatusUnprocessableEntity, id, err.Error(), nil)
	default:
		p.fail(w, r, err)
	}
}

type manageView struct {
	Clients         []domain.Client
	Requests        []domain.RequestView
	Implementations []domain.ImplementationSummary
}

func (p *pages) manage(w http.ResponseWriter, r *http.Request) {
	emp, ok := p.employee(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	var v manageView
	var err error
	if v.Clients, err = p.engine.ListClients(ctx, emp.ID); err != nil {
		p.fail(w, r, err)
		return
	}
	if v.Requests, err = p.engine.OpenRequests(ctx, emp.ID); err != nil {
		p.fail(w, r, err)
		return
	}
	if v.Implementations, err = p.engine.ListImplementations(ctx, emp.ID, true); err != nil {
		p.fail(w, r, err)
		return
	}
	p.render(w, http.StatusOK, "manage", pageData{Title: "Manage", User: userFrom(ctx), Data: v})
}

type implementationView struct {
	Clients         []domain.Client
	Services        []domain.Service
	Implementations []domain.ImplementationSummary
}

func (p *pages) renderImplementations(w http.ResponseWriter, r *http.Request, status int, data pageData) {
	emp, ok := p.employee(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	var v implementationView
	var err error
	if v.Clients, err = p.engine.ListClients(ctx, emp.ID); err != nil {
		p.fail(w, r, err)
		return
	}
	if v.Services, err = p.engine.ListServices(ctx); err != nil {
		p.fail(w, r, err)
		return
	}
	if v.Implementations, err = p.engine.ListImplementations(ctx, emp.ID, true); err != nil {
		p.fail(w, r, err)
		return
	}
	data.Title = "Implementations"
	data.User = userFrom(ctx)
	data.Data = v
	p.render(w, status, "implementation", data)
}

func (p *pages) implementations(w http.ResponseWriter, r *http.Request) {
	p.renderImplementations(w, r, http.StatusOK, pageData{Flash: r.URL.Query().Get("flash")})
}

func (p *pages) createImplementation(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		p.fail(w, r, err)
		return
	}
	emp, ok := p.employee(w, r)
	if !ok {
		return
	}
	form := map[string]string{
		"client":  r.PostForm.Get("client"),
		"service": r.PostForm.Get("service"),
		"notes":   r.PostForm.Get("notes"),
	}
	clientID, _ := strconv.ParseInt(form["client"], 10, 64)
	serviceID, _ := strconv.ParseInt(form["service"], 10, 64)
	d, err := p.engine.CreateImplementation(r.Context(), engine.ImplementationCreateOptions{
		ServiceID: serviceID,
		ClientID:  clientID,
		Notes:     form["notes"],
		ActorID:   emp.ID,
	})
	var verr engine.ValidationError
	var ferr auth.ForbiddenError
	switch {
	case errors.As(err, &verr):
		p.renderImplementations(w, r, http.StatusUnprocessableEntity, pageData{Errors: verr.Fields, Form: form})
		return
	case errors.As(err, &ferr):
		p.renderImplementations(w, r, http.StatusForbidden, pageData{Flash: ferr.Error(), Form: form})
		return
	case errors.Is(err, repo.ErrNotFound):
		p.renderImplementations(w, r, http.StatusUnprocessableEntity, pageData{Flash: err.Error(), Form: form})
		return
	case err != nil:
		p.fail(w, r, err)
		return
	}
	flash := fmt.Sprintf("Created %s with %d tasks", d.Identifier(), len(d.Tasks))
	http.Redirect(w, r, "/manage/implementation?flash="+url.QueryEscape(flash), http.StatusSeeOther)
}

func (p *pages) renderRequests(w http.ResponseWriter, r *http.Request, status int, data pageData) {
	emp, ok := p.employee(w, r)
	if !ok {
		return
	}
	open, err := p.engine.OpenRequests(r.Context(), emp.ID)
	if err != nil {
		p.fail(w, r, err)
		return
	}
	data.Title = "Information requests"
	data.User = userFrom(r.Context())
	data.Data = open
	p.render(w, status, "requests", data)
}

func (p *pages) requests(w http.ResponseWriter, r *http.Request) {
	p.renderRequests(w, r, http.StatusOK, pageData{Flash: r.URL.Query().Get("flash")})
}

func (p *pages) replyRequest(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		p.fail(w, r, err)
		return
	}
	emp, ok := p.employee(w, r)
	if !ok {
		return
	}
	reqID, err := strconv.ParseInt(r.PostForm.Get("request_id"), 10, 64)
	if err != nil {
		p.fail(w, r, fmt.Errorf("request %q: %w", r.PostForm.Get("request_id"), repo.ErrNotFound))
		return
	}
	_, err = p.engine.ResolveRequest(r.Context(), engine.ResolveOptions{RequestID: reqID, ManagerID: emp.ID, Reply: r.PostForm.Get("reply")})
	var verr engine.ValidationError
	var ferr auth.ForbiddenError
	switch {
	case errors.As(err, &verr):
		p.renderRequests(w, r, http.StatusUnprocessableEntity, pageData{Errors: verr.Fields})
		return
	case errors.As(err, &ferr):
		p.renderRequests(w, r, http.StatusForbidden, pageData{Flash: ferr.Error()})
		return
	case errors.Is(err, engine.ErrRequestClosed):
		p.renderRequests(w, r, http.StatusConflict, pageData{Flash: err.Error()})
		return
	case err != nil:
		p.fail(w, r, err)
		return
	}
	http.Redirect(w, r, "/manage/requests?flash="+url.QueryEscape(fmt.Sprintf("Request %d resolved", reqID)), http.StatusSeeOther)
}
