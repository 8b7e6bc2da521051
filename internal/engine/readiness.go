package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"servline/internal/repo"
)

// Readiness reports whether a task is actionable and, if not, which sibling task blocks it.
type Readiness struct {
	Ready           bool   `json:"ready"`
	BlockerTaskID   *int64 `json:"blocker_task_id,omitempty"`
	BlockerStepName string `json:"blocker_step_name,omitempty"`
}

// TaskReadiness checks the immediate blocker only; chains are never walked.
func (e Engine) TaskReadiness(ctx context.Context, taskID int64) (Readiness, error) {
	return e.taskReadinessTx(ctx, nil, taskID)
}

func (e Engine) taskReadinessTx(ctx context.Context, tx *sql.Tx, taskID int64) (Readiness, error) {
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return Readiness{}, fmt.Errorf("task %d: %w", taskID, err)
	}
	step, err := e.Repo.GetStepTx(ctx, tx, t.StepID)
	if err != nil {
		return Readiness{}, fmt.Errorf("step %d: %w", t.StepID, err)
	}
	if step.BlockedBy == nil {
		return Readiness{Ready: true}, nil
	}
	sibling, err := e.Repo.SiblingTaskTx(ctx, tx, t.ImplementationID, *step.BlockedBy)
	if errors.Is(err, repo.ErrNotFound) {
		// blocker step was added after the implementation; nothing can unblock it
		return Readiness{Ready: true}, nil
	}
	if err != nil {
		return Readiness{}, err
	}
	if sibling.Completed() {
		return Readiness{Ready: true}, nil
	}
	blocker, err := e.Repo.GetStepTx(ctx, tx, sibling.StepID)
	if err != nil {
		return Readiness{}, err
	}
	id := sibling.ID
	return Readiness{Ready: false, BlockerTaskID: &id, BlockerStepName: blocker.Name}, nil
}
