package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"servline/internal/domain"
)

// ForbiddenError indicates the actor's role or identity does not allow the action.
type ForbiddenError struct {
	Action string
	Reason string
}

func (e ForbiddenError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s not allowed", e.Action)
	}
	return fmt.Sprintf("%s not allowed: %s", e.Action, e.Reason)
}

// RequireRole returns a ForbiddenError unless the employee has the role.
func RequireRole(e domain.Employee, role domain.Role, action string) error {
	if e.Role != role {
		return ForbiddenError{Action: action, Reason: fmt.Sprintf("%s role required", role)}
	}
	return nil
}

func RequireManager(e domain.Employee, action string) error {
	return RequireRole(e, domain.RoleManager, action)
}

func RequireWorker(e domain.Employee, action string) error {
	return RequireRole(e, domain.RoleWorker, action)
}

// HashCost is exported so tests can lower it.
var HashCost = bcrypt.DefaultCost

// HashPassword returns a salted bcrypt hash.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password required")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), HashCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

// CheckPassword reports whether password matches hash. An empty hash never matches.
func CheckPassword(hash, password string) bool {
	if hash == "" || password == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
