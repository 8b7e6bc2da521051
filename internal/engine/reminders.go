package engine

import (
	"context"
	"strconv"
	"time"

	"servline/internal/domain"
	"servline/internal/events"
	"servline/internal/repo"
)

// StaleRequests returns open requests older than staleAfter that have not
// been reminded about within the last staleAfter.
func (e Engine) StaleRequests(ctx context.Context, staleAfter time.Duration) ([]domain.RequestView, error) {
	cutoff := e.now().UTC().Add(-staleAfter).Format(time.RFC3339)
	open, err := e.Repo.ListRequests(ctx, repo.RequestFilters{OpenOnly: true, OpenedBefore: cutoff})
	if err != nil {
		return nil, err
	}
	var stale []domain.RequestView
	for _, req := range open {
		last, err := e.Repo.LastEventTS(ctx, events.RequestReminder, "request", strconv.FormatInt(req.ID, 10))
		if err != nil {
			return nil, err
		}
		if last != "" && last >= cutoff {
			continue
		}
		stale = append(stale, req)
	}
	return stale, nil
}

// RecordReminder appends a request.reminder event for an open request.
func (e Engine) RecordReminder(ctx context.Context, req domain.RequestView) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.events().Append(ctx, tx, events.RequestReminder, "request", req.ID, 0, events.EventPayload{
		"task_id":      req.TaskID,
		"assigned_to":  req.AssignedTo,
		"requested_on": req.RequestedOn,
		"client":       req.ClientName,
	}); err != nil {
		return err
	}
	return tx.Commit()
}
