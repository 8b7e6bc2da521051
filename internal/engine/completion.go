package engine

import (
	"context"
	"fmt"

	"servline/internal/domain"
	"servline/internal/events"
)

type CompleteOptions struct {
	TaskID  int64
	ActorID int64
}

// CompleteTask stamps completed_on. Completing an already completed task
// re-stamps it; concurrent completions are last-write-wins.
func (e Engine) CompleteTask(ctx context.Context, opts CompleteOptions) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	actor, err := e.employeeTx(ctx, tx, opts.ActorID)
	if err != nil {
		return domain.Task{}, err
	}
	t, err := e.Repo.GetTaskTx(ctx, tx, opts.TaskID)
	if err != nil {
		return domain.Task{}, fmt.Errorf("task %d: %w", opts.TaskID, err)
	}
	ready, err := e.taskReadinessTx(ctx, tx, t.ID)
	if err != nil {
		return domain.Task{}, err
	}
	if !ready.Ready {
		return domain.Task{}, fmt.Errorf("%w: waiting on %s", ErrTaskBlocked, ready.BlockerStepName)
	}
	restamped := t.Completed()
	now := e.stamp()
	if err := e.Repo.CompleteTaskTx(ctx, tx, t.ID, now); err != nil {
		return domain.Task{}, err
	}
	t.CompletedOn = &now
	if err := e.events().Append(ctx, tx, events.TaskCompleted, "task", t.ID, actor.ID, events.EventPayload{
		"implementation_id": t.ImplementationID,
		"restamped":         restamped,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}
