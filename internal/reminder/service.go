package reminder

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	"servline/internal/engine"
)

// Service periodically emits reminder events for information requests that
// have been waiting on a manager for too long.
type Service struct {
	engine     engine.Engine
	schedule   string
	staleAfter time.Duration
	logger     *log.Logger

	mu   sync.Mutex
	cron *rcron.Cron
}

func New(e engine.Engine, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	s := &Service{engine: e, logger: logger}
	if e.Config != nil {
		s.schedule = e.Config.ReminderSchedule()
		s.staleAfter = e.Config.StaleAfter()
	}
	return s
}

// Start registers the sweep on the configured schedule. It stops when ctx is done.
func (s *Service) Start(ctx context.Context) error {
	if s.engine.Config != nil && !s.engine.Config.RemindersEnabled() {
		s.logger.Printf("[reminder] disabled")
		return nil
	}
	c := rcron.New()
	if _, err := c.AddFunc(s.schedule, func() {
		n, err := s.Sweep(ctx)
		if err != nil {
			s.logger.Printf("[reminder] sweep failed: %v", err)
			return
		}
		if n > 0 {
			s.logger.Printf("[reminder] sent %d reminders", n)
		}
	}); err != nil {
		return fmt.Errorf("reminder schedule %q: %w", s.schedule, err)
	}
	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()
	c.Start()
	s.logger.Printf("[reminder] started (%s, stale after %s)", s.schedule, s.staleAfter)
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-time.After(5 * time.Second):
		s.logger.Printf("[reminder] stop timeout waiting for running sweep")
	}
	s.logger.Printf("[reminder] stopped")
}

// Sweep records one reminder per stale request and returns how many were sent.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	stale, err := s.engine.StaleRequests(ctx, s.staleAfter)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, req := range stale {
		if err := s.engine.RecordReminder(ctx, req); err != nil {
			return sent, err
		}
		s.logger.Printf("[reminder] request %d on %s %d (%s) waiting since %s", req.ID, req.ServiceName, req.ImplementationID, req.StepName, req.RequestedOn)
		sent++
	}
	return sent, nil
}
