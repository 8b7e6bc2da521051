package engine

import (
	"context"
	"fmt"
	"strings"

	"servline/internal/domain"
	"servline/internal/engine/auth"
	"servline/internal/events"
	"servline/internal/repo"
)

type ImplementationCreateOptions struct {
	ServiceID int64
	ClientID  int64
	Notes     string
	ActorID   int64
}

// ImplementationDetail is an implementation summary with its tasks.
type ImplementationDetail struct {
	domain.ImplementationSummary
	Tasks []domain.TaskView `json:"tasks"`
}

// CreateImplementation inserts the implementation and one task per step of
// its service atomically.
func (e Engine) CreateImplementation(ctx context.Context, opts ImplementationCreateOptions) (ImplementationDetail, error) {
	var verr ValidationError
	if opts.ServiceID <= 0 {
		verr.add("service_id", "service is required")
	}
	if opts.ClientID <= 0 {
		verr.add("client_id", "client is required")
	}
	if !verr.empty() {
		return ImplementationDetail{}, verr
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ImplementationDetail{}, err
	}
	defer tx.Rollback()

	actor, err := e.employeeTx(ctx, tx, opts.ActorID)
	if err != nil {
		return ImplementationDetail{}, err
	}
	if err := auth.RequireManager(actor, "create implementation"); err != nil {
		return ImplementationDetail{}, err
	}
	svc, err := e.Repo.GetServiceTx(ctx, tx, opts.ServiceID)
	if err != nil {
		return ImplementationDetail{}, fmt.Errorf("service %d: %w", opts.ServiceID, err)
	}
	client, err := e.Repo.GetClientTx(ctx, tx, opts.ClientID)
	if err != nil {
		return ImplementationDetail{}, fmt.Errorf("client %d: %w", opts.ClientID, err)
	}
	if client.ManagedBy == nil || *client.ManagedBy != actor.ID {
		return ImplementationDetail{}, auth.ForbiddenError{Action: "create implementation", Reason: fmt.Sprintf("client %s is not managed by %s", client.Name, actor.Name)}
	}
	impl := domain.Implementation{
		ServiceID:   svc.ID,
		ClientID:    client.ID,
		RequestedOn: e.stamp(),
		Notes:       strings.TrimSpace(opts.Notes),
	}
	impl.ID, err = e.Repo.InsertImplementation(ctx, tx, impl)
	if err != nil {
		return ImplementationDetail{}, fmt.Errorf("insert implementation: %w", err)
	}
	steps, err := e.Repo.ListStepsTx(ctx, tx, svc.ID)
	if err != nil {
		return ImplementationDetail{}, err
	}
	taskIDs := make([]int64, 0, len(steps))
	for _, st := range steps {
		id, err := e.Repo.InsertTask(ctx, tx, domain.Task{StepID: st.ID, ImplementationID: impl.ID})
		if err != nil {
			return ImplementationDetail{}, fmt.Errorf("insert task for step %s: %w", st.Name, err)
		}
		taskIDs = append(taskIDs, id)
	}
	if err := e.events().Append(ctx, tx, events.ImplementationCreated, "implementation", impl.ID, actor.ID, events.EventPayload{
		"service_id": svc.ID,
		"client_id":  client.ID,
		"task_ids":   taskIDs,
	}); err != nil {
		return ImplementationDetail{}, err
	}
	if err := tx.Commit(); err != nil {
		return ImplementationDetail{}, err
	}
	return e.GetImplementation(ctx, impl.ID)
}

// ListImplementations returns summaries of the manager's clients' implementations.
func (e Engine) ListImplementations(ctx context.Context, managerID int64, openOnly bool) ([]domain.ImplementationSummary, error) {
	return e.Repo.ListImplementationSummaries(ctx, repo.ImplementationFilters{ManagedBy: managerID, OpenOnly: openOnly})
}

func (e Engine) GetImplementation(ctx context.Context, id int64) (ImplementationDetail, error) {
	sum, err := e.Repo.GetImplementationSummary(ctx, id)
	if err != nil {
		return ImplementationDetail{}, fmt.Errorf("implementation %d: %w", id, err)
	}
	tasks, err := e.Repo.ListTaskViews(ctx, repo.TaskFilters{ImplementationID: id})
	if err != nil {
		return ImplementationDetail{}, err
	}
	return ImplementationDetail{ImplementationSummary: sum, Tasks: tasks}, nil
}
