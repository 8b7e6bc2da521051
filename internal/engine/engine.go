package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"servline/internal/config"
	"servline/internal/domain"
	"servline/internal/events"
	"servline/internal/repo"
)

var (
	ErrInvalidCredentials = errors.New("email and password do not match")
	ErrRequestClosed      = errors.New("information request already resolved")
	ErrTaskBlocked        = errors.New("task is blocked by an incomplete step")
	ErrTaskCompleted      = errors.New("task already completed")
	ErrNoManager          = errors.New("client has no managing project manager")
)

// ValidationError carries per-field input messages.
type ValidationError struct {
	Fields map[string]string
}

func (e ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, msg string) {
	if e.Fields == nil {
		e.Fields = map[string]string{}
	}
	e.Fields[field] = msg
}

func (e ValidationError) empty() bool { return len(e.Fields) == 0 }

func invalid(field, msg string) ValidationError {
	return ValidationError{Fields: map[string]string{field: msg}}
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Logger *log.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.Now
	}
	return w
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

// Employee loads an employee by id.
func (e Engine) Employee(ctx context.Context, id int64) (domain.Employee, error) {
	emp, err := e.Repo.GetEmployee(ctx, id)
	if err != nil {
		return domain.Employee{}, fmt.Errorf("employee %d: %w", id, err)
	}
	return emp, nil
}

func (e Engine) employeeTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Employee, error) {
	emp, err := e.Repo.GetEmployeeTx(ctx, tx, id)
	if err != nil {
		return domain.Employee{}, fmt.Errorf("employee %d: %w", id, err)
	}
	return emp, nil
}

func (e Engine) requireQualification() bool {
	return e.Config != nil && e.Config.Tasks.RequireQualification
}
