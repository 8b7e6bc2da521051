package engine

import (
	"context"
	"errors"
	"fmt"

	"servline/internal/domain"
	"servline/internal/engine/auth"
	"servline/internal/events"
	"servline/internal/repo"
)

type AssignOptions struct {
	TaskID   int64
	WorkerID int64
	ActorID  int64
}

// AssignTask appends an assignment; earlier assignments are kept as history.
// Workers may only assign themselves, and only to ready tasks.
func (e Engine) AssignTask(ctx context.Context, opts AssignOptions) (domain.TaskAssignment, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskAssignment{}, err
	}
	defer tx.Rollback()

	actor, err := e.employeeTx(ctx, tx, opts.ActorID)
	if err != nil {
		return domain.TaskAssignment{}, err
	}
	worker, err := e.employeeTx(ctx, tx, opts.WorkerID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.TaskAssignment{}, invalid("worker_id", "unknown worker")
		}
		return domain.TaskAssignment{}, err
	}
	if !worker.IsWorker() {
		return domain.TaskAssignment{}, invalid("worker_id", fmt.Sprintf("%s is not a worker", worker.Name))
	}
	if actor.IsWorker() && actor.ID != worker.ID {
		return domain.TaskAssignment{}, auth.ForbiddenError{Action: "assign task", Reason: "workers may only assign themselves"}
	}
	t, err := e.Repo.GetTaskTx(ctx, tx, opts.TaskID)
	if err != nil {
		return domain.TaskAssignment{}, fmt.Errorf("task %d: %w", opts.TaskID, err)
	}
	if t.Completed() {
		return domain.TaskAssignment{}, ErrTaskCompleted
	}
	if actor.IsWorker() {
		// managers may queue blocked work; workers only pick up ready tasks
		ready, err := e.taskReadinessTx(ctx, tx, t.ID)
		if err != nil {
			return domain.TaskAssignment{}, err
		}
		if !ready.Ready {
			return domain.TaskAssignment{}, fmt.Errorf("%w: waiting on %s", ErrTaskBlocked, ready.BlockerStepName)
		}
	}
	impl, err := e.Repo.GetImplementationTx(ctx, tx, t.ImplementationID)
	if err != nil {
		return domain.TaskAssignment{}, err
	}
	qualified, err := e.Repo.WorkerQualifiedTx(ctx, tx, worker.ID, impl.ServiceID)
	if err != nil {
		return domain.TaskAssignment{}, err
	}
	if !qualified {
		if e.requireQualification() {
			return domain.TaskAssignment{}, invalid("worker_id", fmt.Sprintf("%s is not qualified for this service", worker.Name))
		}
		e.logger().Printf("warning: assigning task %d to %s who is not qualified for service %d", t.ID, worker.Email, impl.ServiceID)
	}
	a := domain.TaskAssignment{
		TaskID:       t.ID,
		AssignedBy:   actor.ID,
		AssignedTo:   worker.ID,
		AssignedOn:   e.stamp(),
		AssignerName: actor.Name,
		AssigneeName: worker.Name,
	}
	a.ID, err = e.Repo.InsertAssignment(ctx, tx, a)
	if err != nil {
		return domain.TaskAssignment{}, fmt.Errorf("insert assignment: %w", err)
	}
	if err := e.events().Append(ctx, tx, events.TaskAssigned, "task", t.ID, actor.ID, events.EventPayload{
		"assignment_id": a.ID,
		"assigned_to":   worker.ID,
		"qualified":     qualified,
	}); err != nil {
		return domain.TaskAssignment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskAssignment{}, err
	}
	return a, nil
}

// CurrentAssignee returns the latest assignment of the task, or repo.ErrNotFound when unassigned.
func (e Engine) CurrentAssignee(ctx context.Context, taskID int64) (domain.TaskAssignment, error) {
	return e.Repo.CurrentAssignment(ctx, taskID)
}

func (e Engine) TaskAssignments(ctx context.Context, taskID int64) ([]domain.TaskAssignment, error) {
	return e.Repo.ListAssignments(ctx, taskID)
}
