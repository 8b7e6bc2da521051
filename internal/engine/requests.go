package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"servline/internal/domain"
	"servline/internal/engine/auth"
	"servline/internal/events"
	"servline/internal/repo"
)

type RequestOptions struct {
	TaskID   int64
	WorkerID int64
	Info     string
}

// RequestInformation opens a request addressed to the manager of the task's client.
func (e Engine) RequestInformation(ctx context.Context, opts RequestOptions) (domain.InformationRequest, error) {
	info := strings.TrimSpace(opts.Info)
	if info == "" {
		return domain.InformationRequest{}, invalid("info", "requested information is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.InformationRequest{}, err
	}
	defer tx.Rollback()

	worker, err := e.employeeTx(ctx, tx, opts.WorkerID)
	if err != nil {
		return domain.InformationRequest{}, err
	}
	if err := auth.RequireWorker(worker, "request information"); err != nil {
		return domain.InformationRequest{}, err
	}
	t, err := e.Repo.GetTaskTx(ctx, tx, opts.TaskID)
	if err != nil {
		return domain.InformationRequest{}, fmt.Errorf("task %d: %w", opts.TaskID, err)
	}
	impl, err := e.Repo.GetImplementationTx(ctx, tx, t.ImplementationID)
	if err != nil {
		return domain.InformationRequest{}, err
	}
	client, err := e.Repo.GetClientTx(ctx, tx, impl.ClientID)
	if err != nil {
		return domain.InformationRequest{}, err
	}
	if client.ManagedBy == nil {
		return domain.InformationRequest{}, fmt.Errorf("client %s: %w", client.Name, ErrNoManager)
	}
	req := domain.InformationRequest{
		TaskID:        t.ID,
		RequestedBy:   worker.ID,
		AssignedTo:    *client.ManagedBy,
		RequestedOn:   e.stamp(),
		RequestedInfo: info,
	}
	req.ID, err = e.Repo.InsertRequest(ctx, tx, req)
	if err != nil {
		return domain.InformationRequest{}, fmt.Errorf("insert request: %w", err)
	}
	if err := e.events().Append(ctx, tx, events.RequestOpened, "request", req.ID, worker.ID, events.EventPayload{
		"task_id":     t.ID,
		"assigned_to": req.AssignedTo,
	}); err != nil {
		return domain.InformationRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.InformationRequest{}, err
	}
	return req, nil
}

type ResolveOptions struct {
	RequestID int64
	ManagerID int64
	Reply     string
}

// ResolveRequest closes an open request with the manager's reply. Closed
// requests are never re-opened.
func (e Engine) ResolveRequest(ctx context.Context, opts ResolveOptions) (domain.InformationRequest, error) {
	reply := strings.TrimSpace(opts.Reply)
	if reply == "" {
		return domain.InformationRequest{}, invalid("reply", "reply is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.InformationRequest{}, err
	}
	defer tx.Rollback()

	req, err := e.Repo.GetRequestTx(ctx, tx, opts.RequestID)
	if err != nil {
		return domain.InformationRequest{}, fmt.Errorf("request %d: %w", opts.RequestID, err)
	}
	if req.AssignedTo != opts.ManagerID {
		return domain.InformationRequest{}, auth.ForbiddenError{Action: "resolve request", Reason: "request is assigned to another manager"}
	}
	if !req.Open() {
		return domain.InformationRequest{}, ErrRequestClosed
	}
	now := e.stamp()
	if err := e.Repo.CloseRequestTx(ctx, tx, req.ID, now, reply); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.InformationRequest{}, ErrRequestClosed
		}
		return domain.InformationRequest{}, err
	}
	req.CompletedOn = &now
	req.CompletedInfo = &reply
	if err := e.events().Append(ctx, tx, events.RequestResolved, "request", req.ID, opts.ManagerID, events.EventPayload{
		"task_id": req.TaskID,
	}); err != nil {
		return domain.InformationRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.InformationRequest{}, err
	}
	return req, nil
}

// OpenRequests lists the manager's unresolved requests, oldest first.
func (e Engine) OpenRequests(ctx context.Context, managerID int64) ([]domain.RequestView, error) {
	return e.Repo.ListRequests(ctx, repo.RequestFilters{AssignedTo: managerID, OpenOnly: true})
}

func (e Engine) TaskRequests(ctx context.Context, taskID int64) ([]domain.RequestView, error) {
	return e.Repo.ListRequests(ctx, repo.RequestFilters{TaskID: taskID})
}
