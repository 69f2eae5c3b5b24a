// Package ai turns filing text into a structured analysis via an
// OpenAI-compatible chat completion endpoint.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	openai "github.com/sashabaranov/go-openai"

	logx "filingbot/pkg/logx"
)

// Analysis is the structured output the model is asked to produce.
type Analysis struct {
	ExecutiveSummary string   `json:"executive_summary"`
	ObjectiveFacts   []string `json:"objective_facts"`
	PositiveSignals  string   `json:"positive_signals"`
	PotentialRisks   string   `json:"potential_risks"`
	OverallOpinion   string   `json:"overall_opinion"`
}

type Request struct {
	Ticker     string
	FilingType string
	FilingDate string
	Text       string
}

type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	// MaxTokens caps the completion; 0 keeps the provider default.
	MaxTokens int
	// MaxDocumentChars truncates the filing text placed in the prompt.
	MaxDocumentChars int
	Timeout          time.Duration
}

type Analyzer struct {
	client   *openai.Client
	model    string
	maxTok   int
	maxChars int
	timeout  time.Duration
	log      logx.Logger
}

const (
	defaultMaxDocumentChars = 400_000
	defaultTimeout          = 2 * time.Minute
)

const systemPrompt = `You are a financial analyst. You receive the text of a single SEC filing.
Respond with ONLY a JSON object with exactly these keys:
  "executive_summary": string, a few sentences;
  "objective_facts": array of strings, concrete figures and events from the filing;
  "positive_signals": string;
  "potential_risks": string;
  "overall_opinion": string, a measured non-advisory takeaway.
Do not invent numbers that are not in the filing.`

func New(cfg Config, log logx.Logger) (*Analyzer, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("ai api key is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("ai model is required")
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	maxChars := cfg.MaxDocumentChars
	if maxChars <= 0 {
		maxChars = defaultMaxDocumentChars
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Analyzer{
		client:   openai.NewClientWithConfig(oc),
		model:    cfg.Model,
		maxTok:   cfg.MaxTokens,
		maxChars: maxChars,
		timeout:  timeout,
		log:      log,
	}, nil
}

// Analyze runs one completion. Returns the parsed analysis together with its
// canonical JSON encoding (what the queue persists).
func (a *Analyzer) Analyze(ctx context.Context, req Request) (Analysis, string, error) {
	text := truncateText(req.Text, a.maxChars)
	user := fmt.Sprintf("Company: %s\nFiling type: %s\nFiling date: %s\n\nFiling text:\n%s",
		req.Ticker, req.FilingType, req.FilingDate, text)

	cctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	resp, err := a.client.CreateChatCompletion(cctx, openai.ChatCompletionRequest{
		Model:     a.model,
		MaxTokens: a.maxTok,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return Analysis{}, "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Analysis{}, "", errors.New("chat completion: empty response")
	}

	an, raw, err := parseAnalysis(resp.Choices[0].Message.Content)
	if err != nil {
		return Analysis{}, "", err
	}
	if !a.log.IsZero() {
		a.log.Debug("analysis completed",
			logx.String("ticker", req.Ticker),
			logx.String("filing_type", req.FilingType),
			logx.Duration("took", time.Since(start)),
		)
	}
	return an, raw, nil
}

// truncateText cuts at maxBytes without splitting a UTF-8 sequence.
func truncateText(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// parseAnalysis tolerates models that wrap the JSON object in prose or code
// fences: it parses the outermost brace-delimited span.
func parseAnalysis(content string) (Analysis, string, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return Analysis{}, "", fmt.Errorf("no JSON object in model response")
	}
	raw := content[start : end+1]

	var an Analysis
	if err := json.Unmarshal([]byte(raw), &an); err != nil {
		return Analysis{}, "", fmt.Errorf("decode model response: %w", err)
	}
	if strings.TrimSpace(an.ExecutiveSummary) == "" {
		return Analysis{}, "", errors.New("model response missing executive_summary")
	}

	canonical, err := json.Marshal(an)
	if err != nil {
		return Analysis{}, "", err
	}
	return an, string(canonical), nil
}
