package edgar

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "filingbot/pkg/logx"
)

const defaultTickerRefresh = 24 * time.Hour

// Resolver maps ticker symbols to CIK numbers using the SEC company ticker
// file, cached on disk so restarts don't re-download it.
type Resolver struct {
	client    *Client
	cachePath string
	refresh   time.Duration
	log       logx.Logger

	mu        sync.Mutex
	tickers   map[string]int
	fetchedAt time.Time
}

type ResolverConfig struct {
	CachePath string
	Refresh   time.Duration
}

func NewResolver(client *Client, cfg ResolverConfig, log logx.Logger) *Resolver {
	refresh := cfg.Refresh
	if refresh <= 0 {
		refresh = defaultTickerRefresh
	}
	cachePath := cfg.CachePath
	if cachePath == "" {
		cachePath = "./data/tickers.json"
	}
	return &Resolver{client: client, cachePath: cachePath, refresh: refresh, log: log}
}

// CIK resolves a ticker. Returns found=false for tickers the SEC map does
// not know.
func (r *Resolver) CIK(ctx context.Context, ticker string) (int, bool, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if ticker == "" {
		return 0, false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureFreshLocked(ctx); err != nil {
		// a stale map is better than no map
		if len(r.tickers) == 0 {
			return 0, false, err
		}
		if !r.log.IsZero() {
			r.log.Warn("ticker map refresh failed; using stale cache", logx.Err(err))
		}
	}
	cik, ok := r.tickers[ticker]
	return cik, ok, nil
}

// Refresh forces a re-download of the company ticker map.
func (r *Resolver) Refresh(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.downloadLocked(ctx)
}

type tickerCache struct {
	FetchedAt time.Time      `json:"fetched_at"`
	Tickers   map[string]int `json:"tickers"`
}

func (r *Resolver) ensureFreshLocked(ctx context.Context) error {
	if r.tickers == nil {
		r.loadCacheFileLocked()
	}
	if len(r.tickers) > 0 && time.Since(r.fetchedAt) < r.refresh {
		return nil
	}
	return r.downloadLocked(ctx)
}

func (r *Resolver) loadCacheFileLocked() {
	b, err := os.ReadFile(r.cachePath)
	if err != nil {
		return
	}
	var c tickerCache
	if err := json.Unmarshal(b, &c); err != nil || len(c.Tickers) == 0 {
		return
	}
	r.tickers = c.Tickers
	r.fetchedAt = c.FetchedAt
}

func (r *Resolver) downloadLocked(ctx context.Context) error {
	// www.sec.gov/files/company_tickers.json:
	//   {"0":{"cik_str":320193,"ticker":"AAPL","title":"Apple Inc."}, ...}
	url := r.client.wwwBase + "/files/company_tickers.json"
	body, err := r.client.get(ctx, url, 8<<20)
	if err != nil {
		return fmt.Errorf("download company tickers: %w", err)
	}

	var raw map[string]struct {
		CIK    int    `json:"cik_str"`
		Ticker string `json:"ticker"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return fmt.Errorf("parse company tickers: %w", err)
	}
	if len(raw) == 0 {
		return fmt.Errorf("company ticker map is empty")
	}

	m := make(map[string]int, len(raw))
	for _, e := range raw {
		m[strings.ToUpper(e.Ticker)] = e.CIK
	}
	r.tickers = m
	r.fetchedAt = time.Now()

	r.saveCacheFileLocked()
	if !r.log.IsZero() {
		r.log.Info("ticker map refreshed", logx.Int("tickers", len(m)))
	}
	return nil
}

func (r *Resolver) saveCacheFileLocked() {
	b, err := json.Marshal(tickerCache{FetchedAt: r.fetchedAt, Tickers: r.tickers})
	if err != nil {
		return
	}
	if dir := filepath.Dir(r.cachePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return
		}
	}
	// best effort; next start just re-downloads
	tmp := r.cachePath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, r.cachePath)
}
