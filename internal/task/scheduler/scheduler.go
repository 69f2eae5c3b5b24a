// Package scheduler triggers the recurring jobs (discovery sweeps, queue
// batches, ticker map refresh) on cron or interval schedules. It only
// triggers; execution happens in the task engine.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"filingbot/internal/task/engine"
	logx "filingbot/pkg/logx"
)

// Definition binds a schedule to a task.
type Definition struct {
	Name     string
	Schedule string // cron expression, "@every 80s", or a Go duration
	Task     engine.Task
}

type Service struct {
	mu     sync.Mutex
	log    logx.Logger
	engine *engine.Service
	parser cron.Parser
	defs   []Definition
	c      *cron.Cron
}

func New(eng *engine.Service, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:    log,
		engine: eng,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Register adds a definition. Must be called before Start; the set of
// periodic jobs is fixed at boot.
func (s *Service) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("schedule name required")
	}
	spec, err := ParseSchedule(def.Schedule)
	if err != nil {
		return fmt.Errorf("schedule for %s: %w", def.Name, err)
	}
	if spec.Kind == SpecCron {
		if _, err := s.parser.Parse(spec.Cron); err != nil {
			return fmt.Errorf("schedule for %s: %w", def.Name, err)
		}
	}
	if def.Task.Name == "" {
		def.Task.Name = def.Name
	}
	s.mu.Lock()
	s.defs = append(s.defs, def)
	s.mu.Unlock()
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.c = cron.New(cron.WithParser(s.parser))

	for _, def := range s.defs {
		def := def
		spec, err := ParseSchedule(def.Schedule)
		if err != nil {
			return err
		}
		expr := spec.Cron
		if spec.Kind == SpecInterval {
			expr = "@every " + spec.Every.String()
		}
		if _, err := s.c.AddFunc(expr, func() {
			if err := s.engine.Submit(def.Task); err != nil {
				s.log.Warn("trigger not submitted", logx.String("task", def.Task.Name), logx.Err(err))
			}
		}); err != nil {
			return fmt.Errorf("register %s: %w", def.Name, err)
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.Int("schedules", len(s.defs)))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			// best-effort
		}
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}
