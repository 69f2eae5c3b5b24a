// Package watch is the discovery engine: each sweep walks the watched
// tickers, asks EDGAR for recent filings and enqueues the ones not seen
// before. The queue's primary key deduplicates; the per-ticker cursor only
// bounds how much of the feed a sweep has to consider.
package watch

import (
	"context"
	"time"

	"filingbot/internal/edgar"
	"filingbot/internal/queue"
	"filingbot/internal/storage"
	logx "filingbot/pkg/logx"
)

type CIKResolver interface {
	CIK(ctx context.Context, ticker string) (int, bool, error)
}

type FilingLister interface {
	ListRecent(ctx context.Context, cik int) ([]edgar.Filing, error)
}

type Config struct {
	// LookbackDays bounds the first sweep for a ticker that has no cursor
	// yet; without it a new subscription would flood the queue with years
	// of history.
	LookbackDays int
	// MaxPerTicker caps enqueues per ticker per sweep.
	MaxPerTicker int
}

type Discovery struct {
	db       *storage.DB
	resolver CIKResolver
	lister   FilingLister
	queue    *queue.Queue
	cfg      Config
	log      logx.Logger
}

func New(db *storage.DB, resolver CIKResolver, lister FilingLister, q *queue.Queue, cfg Config, log logx.Logger) *Discovery {
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = 7
	}
	if cfg.MaxPerTicker <= 0 {
		cfg.MaxPerTicker = 10
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Discovery{db: db, resolver: resolver, lister: lister, queue: q, cfg: cfg, log: log}
}

// Run performs one sweep over every watched ticker. A failing ticker is
// logged and skipped; it never blocks the rest of the sweep.
func (d *Discovery) Run(ctx context.Context) error {
	tickers, err := d.db.WatchedTickers(ctx)
	if err != nil {
		return err
	}
	for _, ticker := range tickers {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := d.sweepTicker(ctx, ticker); err != nil {
			d.log.Warn("ticker sweep failed", logx.String("ticker", ticker), logx.Err(err))
		}
	}
	return nil
}

func (d *Discovery) sweepTicker(ctx context.Context, ticker string) error {
	cik, found, err := d.resolver.CIK(ctx, ticker)
	if err != nil {
		return err
	}
	if !found {
		d.log.Debug("ticker unknown to SEC; skipping", logx.String("ticker", ticker))
		return nil
	}

	filings, err := d.lister.ListRecent(ctx, cik)
	if err != nil {
		return err
	}
	if len(filings) == 0 {
		return nil
	}

	cursor, hasCursor, err := d.db.GetCursor(ctx, ticker)
	if err != nil {
		return err
	}

	fresh := d.selectNew(filings, cursor, hasCursor)
	if len(fresh) == 0 {
		return nil
	}

	// Oldest first so queue order follows filing order.
	enqueued := 0
	for i := len(fresh) - 1; i >= 0; i-- {
		f := fresh[i]
		inserted, err := d.queue.Enqueue(ctx, queue.Job{
			AccessionNumber: f.AccessionNumber,
			Ticker:          ticker,
			FilingType:      f.FormType,
			FilingURL:       f.URL,
			FilingDate:      f.FilingDate,
		})
		if err != nil {
			// Leave the cursor untouched; the next sweep retries and the
			// primary key absorbs any double enqueue.
			return err
		}
		if inserted {
			enqueued++
		}
	}

	newest := fresh[0]
	if err := d.db.SetCursor(ctx, storage.Cursor{
		Ticker:          ticker,
		AccessionNumber: newest.AccessionNumber,
		FilingType:      newest.FormType,
	}); err != nil {
		return err
	}

	if enqueued > 0 {
		d.log.Info("new filings discovered",
			logx.String("ticker", ticker),
			logx.Int("enqueued", enqueued),
		)
	}
	return nil
}

// selectNew returns the filings ahead of the cursor, newest first, capped at
// MaxPerTicker. Without a cursor the lookback window applies instead. The cap
// keeps the oldest of the fresh set: the cursor must only advance past
// filings that were actually enqueued, so the newer remainder stays ahead of
// it and the next sweep picks it up.
func (d *Discovery) selectNew(filings []edgar.Filing, cursor storage.Cursor, hasCursor bool) []edgar.Filing {
	var out []edgar.Filing
	if hasCursor {
		for _, f := range filings {
			if f.AccessionNumber == cursor.AccessionNumber {
				break
			}
			out = append(out, f)
		}
	} else {
		oldest := time.Now().UTC().AddDate(0, 0, -d.cfg.LookbackDays).Format("2006-01-02")
		for _, f := range filings {
			if f.FilingDate < oldest {
				break
			}
			out = append(out, f)
		}
	}
	if len(out) > d.cfg.MaxPerTicker {
		out = out[len(out)-d.cfg.MaxPerTicker:]
	}
	return out
}
