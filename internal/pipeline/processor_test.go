package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"filingbot/internal/ai"
	"filingbot/internal/queue"
	"filingbot/internal/quota"
	"filingbot/internal/storage"
	logx "filingbot/pkg/logx"
)

type fakeFetcher struct {
	texts map[string]string
	errs  map[string]error
}

func (f *fakeFetcher) FetchDocument(ctx context.Context, url, formType string) (string, error) {
	if err := f.errs[url]; err != nil {
		return "", err
	}
	return f.texts[url], nil
}

type fakeAnalyzer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, req ai.Request) (ai.Analysis, string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return ai.Analysis{}, "", f.err
	}
	return ai.Analysis{ExecutiveSummary: "ok"}, `{"executive_summary":"ok"}`, nil
}

type fakeDeliverer struct {
	mu   sync.Mutex
	jobs []queue.Job
	err  error
}

func (f *fakeDeliverer) Deliver(ctx context.Context, j queue.Job) (int, error) {
	f.mu.Lock()
	f.jobs = append(f.jobs, j)
	f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	return 1, nil
}

type env struct {
	db       *storage.DB
	queue    *queue.Queue
	quota    *quota.Tracker
	fetcher  *fakeFetcher
	analyzer *fakeAnalyzer
	deliver  *fakeDeliverer
	proc     *Processor
}

func setup(t *testing.T, limits quota.Limits, maxRetries int) *env {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	e := &env{
		db:       db,
		queue:    queue.New(db, maxRetries, logx.Nop()),
		quota:    quota.New(db, func() quota.Limits { return limits }, logx.Nop()),
		fetcher:  &fakeFetcher{texts: map[string]string{}, errs: map[string]error{}},
		analyzer: &fakeAnalyzer{},
		deliver:  &fakeDeliverer{},
	}
	e.proc = New(e.queue, e.quota, e.fetcher, e.analyzer, e.deliver, nil, Config{BatchSize: 10}, logx.Nop())
	return e
}

func enqueue(t *testing.T, e *env, accession string) {
	t.Helper()
	url := "https://example.invalid/" + accession + ".htm"
	e.fetcher.texts[url] = "filing body"
	if _, err := e.queue.Enqueue(context.Background(), queue.Job{
		AccessionNumber: accession,
		Ticker:          "AAPL",
		FilingType:      "8-K",
		FilingURL:       url,
		FilingDate:      "2024-05-01",
	}); err != nil {
		t.Fatal(err)
	}
}

func TestRunCompletesJobAndDelivers(t *testing.T) {
	t.Parallel()
	e := setup(t, quota.Limits{RPM: 10, Daily: 100}, 3)
	ctx := context.Background()
	enqueue(t, e, "acc-1")

	if err := e.proc.Run(ctx); err != nil {
		t.Fatal(err)
	}

	j, found, err := e.queue.Get(ctx, "acc-1")
	if err != nil || !found {
		t.Fatal(err)
	}
	if j.Status != queue.StatusCompleted {
		t.Errorf("status = %s", j.Status)
	}
	if j.Analysis == "" {
		t.Error("analysis not persisted")
	}
	if len(e.deliver.jobs) != 1 || e.deliver.jobs[0].Analysis == "" {
		t.Errorf("deliveries = %+v", e.deliver.jobs)
	}

	u, err := e.quota.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if u.DayUsed != 1 {
		t.Errorf("quota charged %d times, want 1", u.DayUsed)
	}
}

func TestRunStopsWithoutHeadroom(t *testing.T) {
	t.Parallel()
	e := setup(t, quota.Limits{RPM: 0, Daily: 100}, 3)
	ctx := context.Background()
	enqueue(t, e, "acc-1")

	if err := e.proc.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if e.analyzer.calls != 0 {
		t.Error("analyzer must not run without headroom")
	}
	// the job must remain claimable, not stuck IN_PROGRESS
	counts, err := e.queue.CountByStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[queue.StatusPending] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestRunRespectsRPMWithinBatch(t *testing.T) {
	t.Parallel()
	e := setup(t, quota.Limits{RPM: 2, Daily: 100}, 3)
	ctx := context.Background()
	for _, acc := range []string{"acc-1", "acc-2", "acc-3"} {
		enqueue(t, e, acc)
	}

	if err := e.proc.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if e.analyzer.calls != 2 {
		t.Errorf("analyzer calls = %d, want 2", e.analyzer.calls)
	}
	counts, err := e.queue.CountByStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[queue.StatusCompleted] != 2 || counts[queue.StatusPending] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestFetchFailureRequeuesWithoutQuotaCharge(t *testing.T) {
	t.Parallel()
	e := setup(t, quota.Limits{RPM: 10, Daily: 100}, 3)
	ctx := context.Background()
	enqueue(t, e, "acc-1")
	e.fetcher.errs["https://example.invalid/acc-1.htm"] = errors.New("edgar 503")

	if err := e.proc.Run(ctx); err != nil {
		t.Fatal(err)
	}

	j, _, err := e.queue.Get(ctx, "acc-1")
	if err != nil {
		t.Fatal(err)
	}
	if j.Status != queue.StatusPending || j.RetryCount != 1 {
		t.Errorf("job = %+v", j)
	}
	u, err := e.quota.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if u.DayUsed != 0 {
		t.Error("failed attempt must not charge quota")
	}
	if len(e.deliver.jobs) != 0 {
		t.Error("failed job must not fan out")
	}
}

func TestPoisonedJobDoesNotBlockBatch(t *testing.T) {
	t.Parallel()
	e := setup(t, quota.Limits{RPM: 10, Daily: 100}, 0)
	ctx := context.Background()
	enqueue(t, e, "acc-bad")
	enqueue(t, e, "acc-good")
	e.fetcher.errs["https://example.invalid/acc-bad.htm"] = errors.New("corrupt document")

	if err := e.proc.Run(ctx); err != nil {
		t.Fatal(err)
	}

	bad, _, err := e.queue.Get(ctx, "acc-bad")
	if err != nil {
		t.Fatal(err)
	}
	if bad.Status != queue.StatusPermanentFail {
		t.Errorf("bad job status = %s", bad.Status)
	}
	good, _, err := e.queue.Get(ctx, "acc-good")
	if err != nil {
		t.Fatal(err)
	}
	if good.Status != queue.StatusCompleted {
		t.Errorf("good job status = %s", good.Status)
	}
}

func TestDeliveryFailureKeepsJobCompleted(t *testing.T) {
	t.Parallel()
	e := setup(t, quota.Limits{RPM: 10, Daily: 100}, 3)
	ctx := context.Background()
	enqueue(t, e, "acc-1")
	e.deliver.err = errors.New("fanout queue full")

	if err := e.proc.Run(ctx); err != nil {
		t.Fatal(err)
	}
	j, _, err := e.queue.Get(ctx, "acc-1")
	if err != nil {
		t.Fatal(err)
	}
	if j.Status != queue.StatusCompleted {
		t.Errorf("status = %s", j.Status)
	}
}

func TestAnalyzerFailureBurnsRetry(t *testing.T) {
	t.Parallel()
	e := setup(t, quota.Limits{RPM: 10, Daily: 100}, 2)
	ctx := context.Background()
	enqueue(t, e, "acc-1")
	e.analyzer.err = errors.New("model timeout")

	// two runs, two failed attempts, ceiling of 2 -> permanent
	if err := e.proc.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if err := e.proc.Run(ctx); err != nil {
		t.Fatal(err)
	}

	j, _, err := e.queue.Get(ctx, "acc-1")
	if err != nil {
		t.Fatal(err)
	}
	if j.Status != queue.StatusPermanentFail || j.RetryCount != 2 {
		t.Errorf("job = %+v", j)
	}
}
