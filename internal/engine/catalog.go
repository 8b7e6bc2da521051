package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"servline/internal/config"
	"servline/internal/domain"
	"servline/internal/engine/auth"
	"servline/internal/events"
	"servline/internal/repo"
)

type ClientCreateOptions struct {
	Name      string
	Address   string
	Email     string
	ManagedBy int64
	ActorID   int64
}

func (e Engine) CreateClient(ctx context.Context, opts ClientCreateOptions) (domain.Client, error) {
	var verr ValidationError
	if strings.TrimSpace(opts.Name) == "" {
		verr.add("name", "name is required")
	}
	if strings.TrimSpace(opts.Email) == "" {
		verr.add("email", "email is required")
	}
	if !verr.empty() {
		return domain.Client{}, verr
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Client{}, err
	}
	defer tx.Rollback()
	c := domain.Client{
		Name:      strings.TrimSpace(opts.Name),
		Address:   strings.TrimSpace(opts.Address),
		Email:     strings.TrimSpace(opts.Email),
		CreatedAt: e.stamp(),
	}
	if opts.ManagedBy > 0 {
		mgr, err := e.employeeTx(ctx, tx, opts.ManagedBy)
		if err != nil {
			return domain.Client{}, err
		}
		if !mgr.IsManager() {
			return domain.Client{}, invalid("managed_by", fmt.Sprintf("%s is not a manager", mgr.Name))
		}
		id := mgr.ID
		c.ManagedBy = &id
	}
	c.ID, err = e.Repo.InsertClient(ctx, tx, c)
	if err != nil {
		return domain.Client{}, fmt.Errorf("insert client: %w", err)
	}
	if err := e.events().Append(ctx, tx, events.ClientCreated, "client", c.ID, opts.ActorID, events.EventPayload{
		"name":       c.Name,
		"managed_by": c.ManagedBy,
	}); err != nil {
		return domain.Client{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Client{}, err
	}
	return c, nil
}

// ListClients returns all clients, or only those of one manager when managedBy > 0.
func (e Engine) ListClients(ctx context.Context, managedBy int64) ([]domain.Client, error) {
	return e.Repo.ListClients(ctx, managedBy)
}

type ServiceCreateOptions struct {
	Name            string
	Description     string
	TypicalTime     int
	TypicalTimeUnit domain.TimeUnit
	ActorID         int64
}

func (e Engine) CreateService(ctx context.Context, opts ServiceCreateOptions) (domain.Service, error) {
	var verr ValidationError
	if strings.TrimSpace(opts.Name) == "" {
		verr.add("name", "name is required")
	}
	if !opts.TypicalTimeUnit.Valid() {
		verr.add("typical_time_unit", "unit must be H, D or W")
	}
	if opts.TypicalTime < 0 {
		verr.add("typical_time", "typical time must be >= 0")
	}
	if !verr.empty() {
		return domain.Service{}, verr
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Service{}, err
	}
	defer tx.Rollback()
	s := domain.Service{
		Name:            strings.TrimSpace(opts.Name),
		Description:     strings.TrimSpace(opts.Description),
		TypicalTime:     opts.TypicalTime,
		TypicalTimeUnit: opts.TypicalTimeUnit,
	}
	if _, err := e.Repo.GetServiceByNameTx(ctx, tx, s.Name); err == nil {
		return domain.Service{}, invalid("name", "service already exists")
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Service{}, err
	}
	s.ID, err = e.Repo.InsertService(ctx, tx, s)
	if err != nil {
		return domain.Service{}, fmt.Errorf("insert service: %w", err)
	}
	if err := e.events().Append(ctx, tx, events.ServiceCreated, "service", s.ID, opts.ActorID, events.EventPayload{"name": s.Name}); err != nil {
		return domain.Service{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Service{}, err
	}
	return s, nil
}

func (e Engine) ListServices(ctx context.Context) ([]domain.Service, error) {
	return e.Repo.ListServices(ctx)
}

// Service returns a service with its steps in creation order.
func (e Engine) Service(ctx context.Context, id int64) (domain.Service, error) {
	s, err := e.Repo.GetService(ctx, id)
	if err != nil {
		return domain.Service{}, err
	}
	if s.Steps, err = e.Repo.ListStepsTx(ctx, nil, id); err != nil {
		return domain.Service{}, err
	}
	return s, nil
}

type StepCreateOptions struct {
	ServiceID   int64
	Name        string
	Description string
	BlockedBy   int64
	ActorID     int64
}

// AddStep appends a step to a service. A blocker must be a step of the same service.
func (e Engine) AddStep(ctx context.Context, opts StepCreateOptions) (domain.Step, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Step{}, invalid("name", "name is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Step{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetServiceTx(ctx, tx, opts.ServiceID); err != nil {
		return domain.Step{}, fmt.Errorf("service %d: %w", opts.ServiceID, err)
	}
	st := domain.Step{
		ServiceID:   opts.ServiceID,
		Name:        strings.TrimSpace(opts.Name),
		Description: strings.TrimSpace(opts.Description),
	}
	if opts.BlockedBy > 0 {
		if err := e.checkBlocker(ctx, tx, st.ServiceID, 0, opts.BlockedBy); err != nil {
			return domain.Step{}, err
		}
		b := opts.BlockedBy
		st.BlockedBy = &b
	}
	st.ID, err = e.Repo.InsertStep(ctx, tx, st)
	if err != nil {
		return domain.Step{}, fmt.Errorf("insert step: %w", err)
	}
	if err := e.events().Append(ctx, tx, events.StepCreated, "step", st.ID, opts.ActorID, events.EventPayload{
		"service_id": st.ServiceID,
		"blocked_by": st.BlockedBy,
	}); err != nil {
		return domain.Step{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Step{}, err
	}
	return st, nil
}

// SetStepBlocker changes or clears (blockedBy 0) the blocker of a step.
func (e Engine) SetStepBlocker(ctx context.Context, stepID, blockedBy, actorID int64) (domain.Step, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Step{}, err
	}
	defer tx.Rollback()
	st, err := e.Repo.GetStepTx(ctx, tx, stepID)
	if err != nil {
		return domain.Step{}, fmt.Errorf("step %d: %w", stepID, err)
	}
	st.BlockedBy = nil
	if blockedBy > 0 {
		if err := e.checkBlocker(ctx, tx, st.ServiceID, st.ID, blockedBy); err != nil {
			return domain.Step{}, err
		}
		st.BlockedBy = &blockedBy
	}
	if err := e.Repo.UpdateStepTx(ctx, tx, st); err != nil {
		return domain.Step{}, err
	}
	if err := e.events().Append(ctx, tx, events.StepUpdated, "step", st.ID, actorID, events.EventPayload{"blocked_by": st.BlockedBy}); err != nil {
		return domain.Step{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Step{}, err
	}
	return st, nil
}

// checkBlocker verifies the blocker belongs to the service and that following
// its chain never reaches stepID.
func (e Engine) checkBlocker(ctx context.Context, tx *sql.Tx, serviceID, stepID, blockerID int64) error {
	if blockerID == stepID {
		return invalid("blocked_by", "a step cannot block itself")
	}
	blocker, err := e.Repo.GetStepTx(ctx, tx, blockerID)
	if errors.Is(err, repo.ErrNotFound) {
		return invalid("blocked_by", "unknown step")
	}
	if err != nil {
		return err
	}
	if blocker.ServiceID != serviceID {
		return invalid("blocked_by", "blocker must belong to the same service")
	}
	seen := map[int64]bool{}
	cur := blocker
	for cur.BlockedBy != nil {
		next := *cur.BlockedBy
		if next == stepID {
			return invalid("blocked_by", "blocker chain would form a cycle")
		}
		if seen[next] {
			return fmt.Errorf("step %d: existing blocker cycle", cur.ID)
		}
		seen[next] = true
		if cur, err = e.Repo.GetStepTx(ctx, tx, next); err != nil {
			return err
		}
	}
	return nil
}

// SetWorkerServices replaces the services a worker is qualified for.
func (e Engine) SetWorkerServices(ctx context.Context, workerID int64, serviceIDs []int64) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	worker, err := e.employeeTx(ctx, tx, workerID)
	if err != nil {
		return err
	}
	if err := auth.RequireWorker(worker, "hold service qualifications"); err != nil {
		return err
	}
	for _, sid := range serviceIDs {
		if _, err := e.Repo.GetServiceTx(ctx, tx, sid); err != nil {
			return fmt.Errorf("service %d: %w", sid, err)
		}
	}
	if err := e.Repo.ReplaceWorkerServices(ctx, tx, workerID, serviceIDs); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) WorkerServices(ctx context.Context, workerID int64) ([]int64, error) {
	return e.Repo.ListWorkerServices(ctx, workerID)
}

// ImportResult counts what ImportCatalog touched.
type ImportResult struct {
	ServicesCreated int `json:"services_created"`
	ServicesUpdated int `json:"services_updated"`
	StepsCreated    int `json:"steps_created"`
	StepsUpdated    int `json:"steps_updated"`
}

// ImportCatalog upserts services and steps by name in one transaction.
// Existing steps keep their id so tasks of running implementations stay bound.
func (e Engine) ImportCatalog(ctx context.Context, cat config.Catalog, actorID int64) (ImportResult, error) {
	if err := cat.Validate(); err != nil {
		return ImportResult{}, err
	}
	var res ImportResult
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	for _, cs := range cat.Services {
		svc := domain.Service{
			Name:            cs.Name,
			Description:     cs.Description,
			TypicalTime:     cs.TypicalTime,
			TypicalTimeUnit: domain.TimeUnit(cs.TypicalTimeUnit),
		}
		existing, err := e.Repo.GetServiceByNameTx(ctx, tx, cs.Name)
		switch {
		case err == nil:
			svc.ID = existing.ID
			if err := e.Repo.UpdateServiceTx(ctx, tx, svc); err != nil {
				return res, err
			}
			res.ServicesUpdated++
		case errors.Is(err, repo.ErrNotFound):
			if svc.ID, err = e.Repo.InsertService(ctx, tx, svc); err != nil {
				return res, fmt.Errorf("insert service %s: %w", cs.Name, err)
			}
			res.ServicesCreated++
		default:
			return res, err
		}
		current, err := e.Repo.ListStepsTx(ctx, tx, svc.ID)
		if err != nil {
			return res, err
		}
		byName := make(map[string]domain.Step, len(current))
		for _, st := range current {
			byName[st.Name] = st
		}
		// two passes: ensure every step exists, then wire blockers by name
		for _, cst := range cs.Steps {
			if st, ok := byName[cst.Name]; ok {
				st.Description = cst.Description
				byName[cst.Name] = st
				res.StepsUpdated++
				continue
			}
			st := domain.Step{ServiceID: svc.ID, Name: cst.Name, Description: cst.Description}
			if st.ID, err = e.Repo.InsertStep(ctx, tx, st); err != nil {
				return res, fmt.Errorf("insert step %s/%s: %w", cs.Name, cst.Name, err)
			}
			byName[cst.Name] = st
			res.StepsCreated++
		}
		for _, cst := range cs.Steps {
			st := byName[cst.Name]
			st.BlockedBy = nil
			if cst.BlockedBy != "" {
				id := byName[cst.BlockedBy].ID
				st.BlockedBy = &id
			}
			if err := e.Repo.UpdateStepTx(ctx, tx, st); err != nil {
				return res, err
			}
		}
	}
	if err := e.events().Append(ctx, tx, events.CatalogImported, "catalog", 0, actorID, events.EventPayload{
		"services_created": res.ServicesCreated,
		"services_updated": res.ServicesUpdated,
		"steps_created":    res.StepsCreated,
	}); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	return res, nil
}
