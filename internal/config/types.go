package config

import (
	"fmt"
	"time"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`

	Edgar     EdgarConfig     `json:"edgar"`
	Discovery DiscoveryConfig `json:"discovery"`
	Pipeline  PipelineConfig  `json:"pipeline"`
	Quota     QuotaConfig     `json:"quota"`
	AI        AIConfig        `json:"ai"`
	Fanout    FanoutConfig    `json:"fanout"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// OperatorChatID receives log-bridge messages when logging.telegram is enabled.
	OperatorChatID int64 `json:"operator_chat_id,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// EdgarConfig controls access to the SEC EDGAR endpoints.
//
// UserAgent is mandatory: EDGAR rejects requests without a descriptive
// User-Agent containing a contact address.
type EdgarConfig struct {
	UserAgent       string `json:"user_agent"`
	TickerCachePath string `json:"ticker_cache_path,omitempty"`
	// TickerRefresh is how long the cached ticker->CIK map stays fresh.
	TickerRefresh  string `json:"ticker_refresh,omitempty"`
	RequestTimeout string `json:"request_timeout,omitempty"`
	// MaxDocumentBytes caps how much of a filing document is downloaded.
	MaxDocumentBytes int64 `json:"max_document_bytes,omitempty"`
}

// DiscoveryConfig controls the polling loop that finds new filings.
type DiscoveryConfig struct {
	// Interval between discovery sweeps (Go duration string).
	Interval string `json:"interval"`
	// LookbackDays bounds how far back a first sweep for a ticker reaches.
	LookbackDays int `json:"lookback_days,omitempty"`
	// MaxPerTicker caps how many new filings one sweep may enqueue per ticker.
	MaxPerTicker int `json:"max_per_ticker,omitempty"`
}

// PipelineConfig controls the queue processor.
type PipelineConfig struct {
	// Interval between processing batches (Go duration string).
	Interval string `json:"interval"`
	// BatchSize is the max jobs claimed per batch.
	BatchSize int `json:"batch_size,omitempty"`
	// MaxRetries is the retry ceiling before a job is marked permanently failed.
	MaxRetries int `json:"max_retries,omitempty"`
}

// QuotaConfig bounds AI usage. Zero for either limit means no headroom ever:
// the processor idles until the config grants capacity.
type QuotaConfig struct {
	RPMLimit   int `json:"rpm_limit"`
	DailyLimit int `json:"daily_limit"`
}

type AIConfig struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
	Model   string `json:"model"`
	// MaxTokens caps the completion size. 0 keeps the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`
	// Timeout per analysis request (Go duration string).
	Timeout string `json:"timeout,omitempty"`
	// MaxDocumentChars truncates the document text sent to the model.
	MaxDocumentChars int `json:"max_document_chars,omitempty"`
}

// FanoutConfig controls the notification delivery pool.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type FanoutConfig struct {
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

// Validate checks fields that would make the bot unable to start. Tunables
// with sane defaults are normalized by the consuming services instead.
func (c *Config) Validate() error {
	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Edgar.UserAgent == "" {
		return fmt.Errorf("edgar.user_agent is required (SEC rejects anonymous clients)")
	}
	if c.Quota.RPMLimit < 0 || c.Quota.DailyLimit < 0 {
		return fmt.Errorf("quota limits must be >= 0")
	}
	if c.Pipeline.MaxRetries < 0 {
		return fmt.Errorf("pipeline.max_retries must be >= 0")
	}
	for _, f := range []struct{ path, raw string }{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"edgar.ticker_refresh", c.Edgar.TickerRefresh},
		{"edgar.request_timeout", c.Edgar.RequestTimeout},
		{"discovery.interval", c.Discovery.Interval},
		{"pipeline.interval", c.Pipeline.Interval},
		{"ai.timeout", c.AI.Timeout},
		{"fanout.retry_base", c.Fanout.RetryBase},
		{"fanout.retry_max_delay", c.Fanout.RetryMaxDelay},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}

// IsOwner reports whether the user may run operator-only commands.
func (c *Config) IsOwner(userID int64) bool {
	for _, id := range c.Telegram.OwnerUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// DiscoveryInterval returns the sweep interval with the default applied.
func (c *Config) DiscoveryInterval() time.Duration {
	d, err := ParseDurationOrDefault("discovery.interval", c.Discovery.Interval, time.Minute)
	if err != nil {
		return time.Minute
	}
	return d
}

// PipelineInterval returns the batch interval with the default applied.
func (c *Config) PipelineInterval() time.Duration {
	d, err := ParseDurationOrDefault("pipeline.interval", c.Pipeline.Interval, 80*time.Second)
	if err != nil {
		return 80 * time.Second
	}
	return d
}
