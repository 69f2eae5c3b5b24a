// Package fanout delivers completed filing analyses to every subscriber of
// the ticker: queue + worker pool + rate limit + retry. One slow or blocked
// subscriber never affects delivery to the others.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"filingbot/internal/eventbus"
	"filingbot/internal/queue"
	rtsup "filingbot/internal/runtime/supervisor"
	"filingbot/internal/storage"
	kit "filingbot/internal/transport"
	logx "filingbot/pkg/logx"
)

var (
	ErrQueueFull = errors.New("fanout queue full")
	ErrStopped   = errors.New("fanout stopped")
)

type Config struct {
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

// delivery is one message to one subscriber.
type delivery struct {
	chatID    int64
	text      string
	accession string
}

type Service struct {
	mu sync.Mutex

	log     logx.Logger
	adapter kit.Adapter
	db      *storage.DB
	bus     eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	q        chan delivery
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping
}

func New(cfg Config, adapter kit.Adapter, db *storage.DB, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{adapter: adapter, db: db, bus: bus, log: log}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.q != nil {
		s.mu.Unlock()
		return
	}

	s.q = make(chan delivery, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "fanout"))),
		// delivery failures must never take the app down
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.q
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		sup.GoRestart(name, func(c context.Context) error {
			s.workerLoop(c, q)
			// Clean exits happen on shutdown (queue close).
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("fanout worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
}

// Stop blocks new deliveries and drains the queue best-effort until ctx
// expires.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.q
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// Wait for in-flight enqueues, then close the queue so workers drain.
		s.sendWG.Wait()
		func() {
			defer func() { _ = recover() }()
			close(q)
		}()
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.q = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Deliver formats the analysis once and enqueues one message per subscriber
// of the job's ticker. Returns how many deliveries were accepted. A full
// queue skips the remaining subscribers rather than blocking the pipeline.
func (s *Service) Deliver(ctx context.Context, j queue.Job) (int, error) {
	subscribers, err := s.db.Subscribers(ctx, j.Ticker)
	if err != nil {
		return 0, fmt.Errorf("resolve subscribers for %s: %w", j.Ticker, err)
	}
	if len(subscribers) == 0 {
		return 0, nil
	}

	text, err := FormatMessage(j)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	if !s.accepting || s.q == nil {
		s.mu.Unlock()
		return 0, ErrStopped
	}
	q := s.q
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	accepted := 0
	for _, chatID := range subscribers {
		select {
		case q <- delivery{chatID: chatID, text: text, accession: j.AccessionNumber}:
			accepted++
		default:
			s.log.Warn("fanout queue full; subscriber skipped",
				logx.Int64("chat_id", chatID),
				logx.String("accession", j.AccessionNumber),
			)
		}
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "fanout.queued", Data: map[string]any{
			"accession":   j.AccessionNumber,
			"ticker":      j.Ticker,
			"subscribers": len(subscribers),
			"accepted":    accepted,
		}})
	}
	if accepted < len(subscribers) {
		return accepted, ErrQueueFull
	}
	return accepted, nil
}

func (s *Service) workerLoop(ctx context.Context, q <-chan delivery) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, d)
		}
	}
}

func (s *Service) sendWithRetry(runCtx context.Context, d delivery) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	ad := s.adapter
	bus := s.bus
	s.mu.Unlock()

	if ad == nil || d.text == "" {
		return
	}

	maxAttempts := 1 + cfg.RetryMax

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(runCtx); err != nil {
				return
			}
		}

		callCtx, cancel := context.WithTimeout(runCtx, 10*time.Second)
		_, err := ad.SendText(callCtx, kit.ChatTarget{ChatID: d.chatID}, d.text, &kit.SendOptions{
			ParseMode:      "HTML",
			DisablePreview: true,
		})
		cancel()
		if err == nil {
			if bus != nil {
				bus.Publish(eventbus.Event{Type: "fanout.sent", Data: map[string]any{
					"chat_id": d.chatID, "accession": d.accession,
				}})
			}
			return
		}
		lastErr = err
		s.log.Debug("fanout send failed",
			logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if attempt >= maxAttempts {
			break
		}
		delay := retryDelay(cfg, attempt)
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-runCtx.Done():
			if !t.Stop() {
				<-t.C
			}
			return
		}
	}

	// one subscriber failing is final for that subscriber only
	s.log.Warn("fanout delivery failed",
		logx.Int64("chat_id", d.chatID),
		logx.String("accession", d.accession),
		logx.Err(lastErr),
	)
	if lastErr != nil && bus != nil {
		bus.Publish(eventbus.Event{Type: "fanout.failed", Data: map[string]any{
			"chat_id": d.chatID, "accession": d.accession, "error": lastErr.Error(),
		}})
	}
}

func retryDelay(cfg Config, attempt int) time.Duration {
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 10 * time.Second
	}
	// Exponential backoff: base * 2^(attempt-1)
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	// Jitter 0.7..1.3
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	j := 0.7 + rng.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}
