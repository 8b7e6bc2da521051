package server

import (
	"encoding/json"

	"servline/internal/domain"
	"servline/internal/engine"
)

// Request payloads

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AssignTaskRequest struct {
	// WorkerID defaults to the caller.
	WorkerID *int64 `json:"worker_id,omitempty"`
}

type RequestInfoRequest struct {
	Info string `json:"info"`
}

type CreateImplementationRequest struct {
	ServiceID int64  `json:"service_id"`
	ClientID  int64  `json:"client_id"`
	Notes     string `json:"notes,omitempty"`
}

type ReplyRequest struct {
	Reply string `json:"reply"`
}

// Response payloads

type LoginResponse struct {
	Token     string          `json:"token"`
	ExpiresAt string          `json:"expires_at" format:"date-time"`
	Employee  domain.Employee `json:"employee"`
}

type WhoAmIResponse struct {
	Employee domain.Employee `json:"employee"`
	Source   string          `json:"source" enum:"jwt,api_key"`
}

type TaskDetailResponse struct {
	domain.TaskView
	BlockedBy   *BlockerResponse        `json:"blocked_by,omitempty"`
	Assignments []domain.TaskAssignment `json:"assignments"`
	Requests    []domain.RequestView    `json:"requests"`
}

type BlockerResponse struct {
	TaskID   int64  `json:"task_id"`
	StepName string `json:"step_name"`
}

type ImplementationResponse struct {
	domain.ImplementationSummary
	Identifier string            `json:"identifier"`
	Tasks      []domain.TaskView `json:"tasks,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    *int64         `json:"actor_id,omitempty"`
	Payload    map[string]any `json:"payload"`
}

type taskList struct {
	View  string            `json:"view" enum:"assigned,unassigned,completed"`
	Items []domain.TaskView `json:"items"`
}

type implementationList struct {
	Items []ImplementationResponse `json:"items"`
}

type requestList struct {
	Items []domain.RequestView `json:"items"`
}

type serviceList struct {
	Items []domain.Service `json:"items"`
}

type clientList struct {
	Items []domain.Client `json:"items"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func taskDetailResponse(d engine.TaskDetail) TaskDetailResponse {
	res := TaskDetailResponse{
		TaskView:    d.TaskView,
		Assignments: nonNilSlice(d.Assignments),
		Requests:    nonNilSlice(d.Requests),
	}
	if d.Blocker != nil && d.Blocker.BlockerTaskID != nil {
		res.BlockedBy = &BlockerResponse{TaskID: *d.Blocker.BlockerTaskID, StepName: d.Blocker.BlockerStepName}
	}
	return res
}

func implementationResponse(s domain.ImplementationSummary, tasks []domain.TaskView) ImplementationResponse {
	return ImplementationResponse{ImplementationSummary: s, Identifier: s.Identifier(), Tasks: tasks}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
