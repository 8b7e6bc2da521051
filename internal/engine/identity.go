package engine

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"

	"servline/internal/domain"
	"servline/internal/engine/auth"
	"servline/internal/events"
	"servline/internal/repo"
)

// Authenticate checks an email/password pair. Missing fields produce a
// ValidationError; any mismatch produces ErrInvalidCredentials without saying which.
func (e Engine) Authenticate(ctx context.Context, email, password string) (domain.Employee, error) {
	var verr ValidationError
	if strings.TrimSpace(email) == "" {
		verr.add("email", "email is required")
	}
	if password == "" {
		verr.add("password", "password is required")
	}
	if !verr.empty() {
		return domain.Employee{}, verr
	}
	emp, err := e.Repo.GetEmployeeByEmail(ctx, email)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Employee{}, ErrInvalidCredentials
	}
	if err != nil {
		return domain.Employee{}, err
	}
	if !auth.CheckPassword(emp.PasswordHash, password) {
		return domain.Employee{}, ErrInvalidCredentials
	}
	return emp, nil
}

type EmployeeCreateOptions struct {
	Name     string
	Email    string
	Password string
	Role     domain.Role
	ActorID  int64
}

// CreateEmployee stores a new employee. An empty password leaves the account
// without credentials so it cannot log in until SetPassword is called.
func (e Engine) CreateEmployee(ctx context.Context, opts EmployeeCreateOptions) (domain.Employee, error) {
	var verr ValidationError
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		verr.add("name", "name is required")
	}
	email := strings.ToLower(strings.TrimSpace(opts.Email))
	if email == "" {
		verr.add("email", "email is required")
	} else if _, err := mail.ParseAddress(email); err != nil {
		verr.add("email", "email is invalid")
	}
	if !opts.Role.Valid() {
		verr.add("role", "role must be worker or manager")
	}
	if !verr.empty() {
		return domain.Employee{}, verr
	}
	emp := domain.Employee{Name: name, Email: email, Role: opts.Role, CreatedAt: e.stamp()}
	if opts.Password != "" {
		hash, err := auth.HashPassword(opts.Password)
		if err != nil {
			return domain.Employee{}, err
		}
		emp.PasswordHash = hash
	}
	if _, err := e.Repo.GetEmployeeByEmail(ctx, email); err == nil {
		return domain.Employee{}, invalid("email", "email already registered")
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Employee{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Employee{}, err
	}
	defer tx.Rollback()
	emp.ID, err = e.Repo.InsertEmployee(ctx, tx, emp)
	if err != nil {
		return domain.Employee{}, fmt.Errorf("insert employee: %w", err)
	}
	if err := e.events().Append(ctx, tx, events.EmployeeCreated, "employee", emp.ID, opts.ActorID, events.EventPayload{
		"email": emp.Email,
		"role":  string(emp.Role),
	}); err != nil {
		return domain.Employee{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Employee{}, err
	}
	return emp, nil
}

func (e Engine) ListEmployees(ctx context.Context, role domain.Role) ([]domain.Employee, error) {
	return e.Repo.ListEmployees(ctx, role)
}

func (e Engine) EmployeeByEmail(ctx context.Context, email string) (domain.Employee, error) {
	emp, err := e.Repo.GetEmployeeByEmail(ctx, email)
	if err != nil {
		return domain.Employee{}, fmt.Errorf("employee %s: %w", email, err)
	}
	return emp, nil
}

func (e Engine) SetPassword(ctx context.Context, employeeID int64, password string) error {
	if password == "" {
		return invalid("password", "password is required")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	if err := e.Repo.UpdatePasswordHash(ctx, nil, employeeID, hash); err != nil {
		return fmt.Errorf("employee %d: %w", employeeID, err)
	}
	return nil
}

// CreateAPIKey issues a new API key for an employee. The raw key is returned
// once; only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, employeeID int64, name string) (domain.APIKey, string, error) {
	if _, err := e.Employee(ctx, employeeID); err != nil {
		return domain.APIKey{}, "", err
	}
	raw := "svl_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	key := domain.APIKey{
		ID:         uuid.NewString(),
		EmployeeID: employeeID,
		Name:       strings.TrimSpace(name),
		KeyHash:    repo.HashAPIKey(raw),
		CreatedAt:  e.stamp(),
	}
	if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, raw, nil
}
