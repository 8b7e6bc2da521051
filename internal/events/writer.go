package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

const (
	ImplementationCreated = "implementation.created"
	TaskAssigned          = "task.assigned"
	TaskCompleted         = "task.completed"
	RequestOpened         = "request.opened"
	RequestResolved       = "request.resolved"
	RequestReminder       = "request.reminder"
	EmployeeCreated       = "employee.created"
	ClientCreated         = "client.created"
	ServiceCreated        = "service.created"
	StepCreated           = "step.created"
	StepUpdated           = "step.updated"
	CatalogImported       = "catalog.imported"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes an event inside tx. actorID 0 records a system event.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind string, entityID, actorID int64, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullableID(entityID), nullableActor(actorID), string(data))
	return err
}

func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return strconv.FormatInt(id, 10)
}

func nullableActor(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}
