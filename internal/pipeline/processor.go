// Package pipeline drains the analysis queue: claim a job, fetch the filing,
// run the AI analysis, record the quota charge and fan the result out. One
// poisoned job fails alone; the batch moves on.
package pipeline

import (
	"context"

	"filingbot/internal/ai"
	"filingbot/internal/eventbus"
	"filingbot/internal/queue"
	logx "filingbot/pkg/logx"
)

type DocumentFetcher interface {
	FetchDocument(ctx context.Context, url, formType string) (string, error)
}

type Analyzer interface {
	Analyze(ctx context.Context, req ai.Request) (ai.Analysis, string, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, j queue.Job) (int, error)
}

type QuotaGate interface {
	Headroom(ctx context.Context) (bool, error)
	RecordSuccess(ctx context.Context) error
}

type Config struct {
	// BatchSize caps jobs per Run invocation.
	BatchSize int
}

type Processor struct {
	queue    *queue.Queue
	quota    QuotaGate
	fetcher  DocumentFetcher
	analyzer Analyzer
	deliver  Deliverer
	bus      eventbus.Bus
	cfg      Config
	log      logx.Logger
}

func New(q *queue.Queue, quota QuotaGate, fetcher DocumentFetcher, analyzer Analyzer, deliver Deliverer, bus eventbus.Bus, cfg Config, log logx.Logger) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Processor{
		queue: q, quota: quota, fetcher: fetcher, analyzer: analyzer,
		deliver: deliver, bus: bus, cfg: cfg, log: log,
	}
}

// Run processes up to BatchSize jobs. It stops early when the quota has no
// headroom or the queue is empty; both are normal outcomes, not errors.
func (p *Processor) Run(ctx context.Context) error {
	for i := 0; i < p.cfg.BatchSize; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Gate BEFORE claiming: a job claimed without capacity would burn a
		// retry on a condition that is not the job's fault.
		ok, err := p.quota.Headroom(ctx)
		if err != nil {
			return err
		}
		if !ok {
			p.log.Debug("no quota headroom; batch ends")
			return nil
		}

		j, claimed, err := p.queue.ClaimNext(ctx)
		if err != nil {
			return err
		}
		if !claimed {
			return nil
		}

		p.processOne(ctx, j)
	}
	return nil
}

func (p *Processor) processOne(ctx context.Context, j queue.Job) {
	log := p.log.With(
		logx.String("accession", j.AccessionNumber),
		logx.String("ticker", j.Ticker),
		logx.String("filing_type", j.FilingType),
	)

	text, err := p.fetcher.FetchDocument(ctx, j.FilingURL, j.FilingType)
	if err != nil {
		p.failJob(ctx, j, err, log)
		return
	}

	_, raw, err := p.analyzer.Analyze(ctx, ai.Request{
		Ticker:     j.Ticker,
		FilingType: j.FilingType,
		FilingDate: j.FilingDate,
		Text:       text,
	})
	if err != nil {
		p.failJob(ctx, j, err, log)
		return
	}

	// The provider served the request; charge the quota even if local
	// bookkeeping below fails.
	if err := p.quota.RecordSuccess(ctx); err != nil {
		log.Error("quota charge failed", logx.Err(err))
	}

	if err := p.queue.MarkCompleted(ctx, j.AccessionNumber, raw); err != nil {
		log.Error("mark completed failed", logx.Err(err))
		return
	}
	log.Info("filing analyzed")
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: "pipeline.completed", Data: map[string]any{
			"accession": j.AccessionNumber, "ticker": j.Ticker,
		}})
	}

	if p.deliver != nil {
		j.Analysis = raw
		j.Status = queue.StatusCompleted
		if _, err := p.deliver.Deliver(ctx, j); err != nil {
			// Delivery problems never un-complete an analysis.
			log.Warn("fanout failed", logx.Err(err))
		}
	}
}

func (p *Processor) failJob(ctx context.Context, j queue.Job, cause error, log logx.Logger) {
	permanent, err := p.queue.MarkFailure(ctx, j.AccessionNumber, cause)
	if err != nil {
		log.Error("mark failure failed", logx.Err(err), logx.String("cause", cause.Error()))
		return
	}
	if p.bus != nil && permanent {
		p.bus.Publish(eventbus.Event{Type: "pipeline.permanent_fail", Data: map[string]any{
			"accession": j.AccessionNumber, "ticker": j.Ticker, "error": cause.Error(),
		}})
	}
}
