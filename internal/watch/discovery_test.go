package watch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"filingbot/internal/edgar"
	"filingbot/internal/queue"
	"filingbot/internal/storage"
	logx "filingbot/pkg/logx"
)

type fakeResolver struct {
	ciks map[string]int
	err  error
}

func (f *fakeResolver) CIK(ctx context.Context, ticker string) (int, bool, error) {
	if f.err != nil {
		return 0, false, f.err
	}
	cik, ok := f.ciks[ticker]
	return cik, ok, nil
}

type fakeLister struct {
	filings map[int][]edgar.Filing
	errs    map[int]error
	calls   int
}

func (f *fakeLister) ListRecent(ctx context.Context, cik int) ([]edgar.Filing, error) {
	f.calls++
	if err := f.errs[cik]; err != nil {
		return nil, err
	}
	return f.filings[cik], nil
}

func filing(accession, form string, daysAgo int) edgar.Filing {
	return edgar.Filing{
		AccessionNumber: accession,
		FormType:        form,
		FilingDate:      time.Now().UTC().AddDate(0, 0, -daysAgo).Format("2006-01-02"),
		URL:             "https://www.sec.gov/Archives/edgar/data/1/x/" + accession + ".htm",
	}
}

func setup(t *testing.T, cfg Config) (*storage.DB, *queue.Queue, *fakeResolver, *fakeLister, *Discovery) {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	q := queue.New(db, 3, logx.Nop())
	res := &fakeResolver{ciks: map[string]int{"AAPL": 320193, "MSFT": 789019}}
	lst := &fakeLister{filings: map[int][]edgar.Filing{}, errs: map[int]error{}}
	return db, q, res, lst, New(db, res, lst, q, cfg, logx.Nop())
}

func TestRunEnqueuesNewFilingsOldestFirst(t *testing.T) {
	t.Parallel()
	db, q, _, lst, d := setup(t, Config{})
	ctx := context.Background()
	if _, err := db.AddSubscription(ctx, 1, "AAPL"); err != nil {
		t.Fatal(err)
	}
	// newest first, as EDGAR reports
	lst.filings[320193] = []edgar.Filing{
		filing("acc-3", "8-K", 0),
		filing("acc-2", "10-Q", 1),
		filing("acc-1", "8-K", 2),
	}

	if err := d.Run(ctx); err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{"acc-1", "acc-2", "acc-3"} {
		j, claimed, err := q.ClaimNext(ctx)
		if err != nil || !claimed {
			t.Fatalf("ClaimNext = %v, %v", claimed, err)
		}
		if j.AccessionNumber != want {
			t.Errorf("claimed %s, want %s", j.AccessionNumber, want)
		}
	}

	c, found, err := db.GetCursor(ctx, "AAPL")
	if err != nil || !found {
		t.Fatal(err)
	}
	if c.AccessionNumber != "acc-3" {
		t.Errorf("cursor = %+v", c)
	}
}

func TestRunStopsAtCursor(t *testing.T) {
	t.Parallel()
	db, q, _, lst, d := setup(t, Config{})
	ctx := context.Background()
	if _, err := db.AddSubscription(ctx, 1, "AAPL"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetCursor(ctx, storage.Cursor{Ticker: "AAPL", AccessionNumber: "acc-2", FilingType: "10-Q"}); err != nil {
		t.Fatal(err)
	}
	lst.filings[320193] = []edgar.Filing{
		filing("acc-3", "8-K", 0),
		filing("acc-2", "10-Q", 1),
		filing("acc-1", "8-K", 2),
	}

	if err := d.Run(ctx); err != nil {
		t.Fatal(err)
	}

	j, claimed, err := q.ClaimNext(ctx)
	if err != nil || !claimed {
		t.Fatalf("ClaimNext = %v, %v", claimed, err)
	}
	if j.AccessionNumber != "acc-3" {
		t.Errorf("claimed %s, want only acc-3", j.AccessionNumber)
	}
	if _, claimed, _ := q.ClaimNext(ctx); claimed {
		t.Error("filings at or behind the cursor must not be enqueued")
	}
}

func TestRunRediscoveryIsIdempotent(t *testing.T) {
	t.Parallel()
	db, q, _, lst, d := setup(t, Config{})
	ctx := context.Background()
	if _, err := db.AddSubscription(ctx, 1, "AAPL"); err != nil {
		t.Fatal(err)
	}
	lst.filings[320193] = []edgar.Filing{filing("acc-1", "8-K", 0)}

	if err := d.Run(ctx); err != nil {
		t.Fatal(err)
	}
	// wipe the cursor to simulate a sweep overlapping an already-seen feed
	if err := db.SetCursor(ctx, storage.Cursor{Ticker: "AAPL", AccessionNumber: "other", FilingType: "8-K"}); err != nil {
		t.Fatal(err)
	}
	if err := d.Run(ctx); err != nil {
		t.Fatal(err)
	}

	counts, err := q.CountByStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[queue.StatusPending] != 1 {
		t.Fatalf("pending = %d, want 1 (accession dedup)", counts[queue.StatusPending])
	}
}

func TestRunFirstSweepHonorsLookback(t *testing.T) {
	t.Parallel()
	db, q, _, lst, d := setup(t, Config{LookbackDays: 3})
	ctx := context.Background()
	if _, err := db.AddSubscription(ctx, 1, "AAPL"); err != nil {
		t.Fatal(err)
	}
	lst.filings[320193] = []edgar.Filing{
		filing("acc-new", "8-K", 1),
		filing("acc-old", "10-K", 30),
	}

	if err := d.Run(ctx); err != nil {
		t.Fatal(err)
	}
	j, claimed, err := q.ClaimNext(ctx)
	if err != nil || !claimed {
		t.Fatalf("ClaimNext = %v, %v", claimed, err)
	}
	if j.AccessionNumber != "acc-new" {
		t.Errorf("claimed %s", j.AccessionNumber)
	}
	if _, claimed, _ := q.ClaimNext(ctx); claimed {
		t.Error("filing outside lookback must not be enqueued")
	}
}

func TestRunTickerFailureIsolated(t *testing.T) {
	t.Parallel()
	db, q, _, lst, d := setup(t, Config{})
	ctx := context.Background()
	for _, tk := range []string{"AAPL", "MSFT"} {
		if _, err := db.AddSubscription(ctx, 1, tk); err != nil {
			t.Fatal(err)
		}
	}
	lst.errs[320193] = errors.New("edgar 503")
	lst.filings[789019] = []edgar.Filing{filing("msft-1", "10-Q", 0)}

	if err := d.Run(ctx); err != nil {
		t.Fatal(err)
	}
	j, claimed, err := q.ClaimNext(ctx)
	if err != nil || !claimed {
		t.Fatalf("ClaimNext = %v, %v", claimed, err)
	}
	if j.Ticker != "MSFT" {
		t.Errorf("claimed ticker %s", j.Ticker)
	}
}

func TestRunUnknownTickerSkipped(t *testing.T) {
	t.Parallel()
	db, q, _, lst, d := setup(t, Config{})
	ctx := context.Background()
	if _, err := db.AddSubscription(ctx, 1, "ZZZZ"); err != nil {
		t.Fatal(err)
	}

	if err := d.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if lst.calls != 0 {
		t.Error("lister must not be called for unknown tickers")
	}
	if _, claimed, _ := q.ClaimNext(ctx); claimed {
		t.Error("nothing should be enqueued")
	}
}

func TestRunCapsPerTicker(t *testing.T) {
	t.Parallel()
	db, q, _, lst, d := setup(t, Config{MaxPerTicker: 2})
	ctx := context.Background()
	if _, err := db.AddSubscription(ctx, 1, "AAPL"); err != nil {
		t.Fatal(err)
	}
	var fs []edgar.Filing
	for i := 0; i < 6; i++ {
		fs = append(fs, filing(fmt.Sprintf("acc-%d", 6-i), "8-K", i))
	}
	lst.filings[320193] = fs

	if err := d.Run(ctx); err != nil {
		t.Fatal(err)
	}
	// The cap keeps the oldest of the backlog so the cursor never skips
	// past filings that were not enqueued.
	for _, want := range []string{"acc-1", "acc-2"} {
		j, claimed, err := q.ClaimNext(ctx)
		if err != nil || !claimed {
			t.Fatalf("ClaimNext = %v, %v", claimed, err)
		}
		if j.AccessionNumber != want {
			t.Errorf("claimed %s, want %s", j.AccessionNumber, want)
		}
	}
	if _, claimed, _ := q.ClaimNext(ctx); claimed {
		t.Error("sweep must enqueue at most MaxPerTicker filings")
	}
	c, found, err := db.GetCursor(ctx, "AAPL")
	if err != nil || !found {
		t.Fatal(err)
	}
	if c.AccessionNumber != "acc-2" {
		t.Errorf("cursor = %s, want acc-2 (newest enqueued, not newest seen)", c.AccessionNumber)
	}
}

func TestRunCapBacklogDrainsAcrossSweeps(t *testing.T) {
	t.Parallel()
	db, q, _, lst, d := setup(t, Config{MaxPerTicker: 2})
	ctx := context.Background()
	if _, err := db.AddSubscription(ctx, 1, "AAPL"); err != nil {
		t.Fatal(err)
	}
	var fs []edgar.Filing
	for i := 0; i < 5; i++ {
		fs = append(fs, filing(fmt.Sprintf("acc-%d", 5-i), "8-K", i))
	}
	lst.filings[320193] = fs

	for sweep, want := range []int{2, 4, 5} {
		if err := d.Run(ctx); err != nil {
			t.Fatal(err)
		}
		counts, err := q.CountByStatus(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if counts[queue.StatusPending] != want {
			t.Fatalf("after sweep %d: pending = %d, want %d", sweep+1, counts[queue.StatusPending], want)
		}
	}

	c, found, err := db.GetCursor(ctx, "AAPL")
	if err != nil || !found {
		t.Fatal(err)
	}
	if c.AccessionNumber != "acc-5" {
		t.Errorf("cursor = %s, want acc-5 once the backlog is drained", c.AccessionNumber)
	}
}
