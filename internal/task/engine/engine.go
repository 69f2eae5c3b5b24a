// Package engine executes scheduled tasks on a bounded worker pool, keeping
// slow tasks from stalling the scheduler's trigger loop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"filingbot/internal/eventbus"
	rtsup "filingbot/internal/runtime/supervisor"
	logx "filingbot/pkg/logx"
)

var (
	ErrQueueFull  = errors.New("task queue full")
	ErrNotRunning = errors.New("task engine not running")
)

type Config struct {
	Workers   int
	QueueSize int
	// DefaultTimeout bounds a task run when the task itself sets none.
	// Zero disables the global bound.
	DefaultTimeout time.Duration
}

// Task is a unit of scheduled work.
type Task struct {
	Name    string
	Fn      func(ctx context.Context) error
	Timeout time.Duration
	// SingleFlight skips a trigger while the previous run is still going.
	// All periodic filing tasks want this: overlapping sweeps would fight
	// over the same cursors and quota.
	SingleFlight bool
}

type Service struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	queue   chan Task
	sup     *rtsup.Supervisor
	running map[string]bool
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log, bus: bus, running: map[string]bool{}}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.queue != nil {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan Task, s.cfg.QueueSize)
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "task.engine"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	workers := s.cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		sup.Go0(name, func(c context.Context) {
			for {
				select {
				case <-c.Done():
					return
				case t, ok := <-q:
					if !ok {
						return
					}
					s.runTask(c, t)
				}
			}
		})
	}
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.queue = nil
	s.mu.Unlock()

	if sup == nil {
		return
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
}

// Submit enqueues a task run. SingleFlight tasks whose previous run is still
// active are skipped, not queued.
func (s *Service) Submit(t Task) error {
	if t.Fn == nil {
		return errors.New("task fn is nil")
	}
	s.mu.Lock()
	q := s.queue
	if q == nil {
		s.mu.Unlock()
		return ErrNotRunning
	}
	if t.SingleFlight && s.running[t.Name] {
		s.mu.Unlock()
		s.log.Debug("task still running; trigger skipped", logx.String("task", t.Name))
		return nil
	}
	s.mu.Unlock()

	select {
	case q <- t:
		return nil
	default:
		s.log.Warn("task queue full; trigger dropped", logx.String("task", t.Name))
		return ErrQueueFull
	}
}

func (s *Service) runTask(ctx context.Context, t Task) {
	s.mu.Lock()
	if t.SingleFlight && s.running[t.Name] {
		s.mu.Unlock()
		return
	}
	s.running[t.Name] = true
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, t.Name)
		s.mu.Unlock()
	}()

	rctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task panicked", logx.String("task", t.Name), logx.Any("panic", r))
		}
	}()

	err := t.Fn(rctx)
	took := time.Since(start)
	if err != nil {
		s.log.Warn("task failed", logx.String("task", t.Name), logx.Duration("took", took), logx.Err(err))
	} else {
		s.log.Debug("task finished", logx.String("task", t.Name), logx.Duration("took", took))
	}
	if s.bus != nil {
		ev := map[string]any{"task": t.Name, "took_ms": took.Milliseconds()}
		if err != nil {
			ev["error"] = err.Error()
		}
		s.bus.Publish(eventbus.Event{Type: "task.finished", Data: ev})
	}
}
