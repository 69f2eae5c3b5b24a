package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	logx "filingbot/pkg/logx"
)

func TestParseAnalysis(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		content string
		wantErr bool
		summary string
	}{
		{
			name:    "plain object",
			content: `{"executive_summary":"Solid quarter.","objective_facts":["Revenue $1B"],"positive_signals":"growth","potential_risks":"fx","overall_opinion":"fine"}`,
			summary: "Solid quarter.",
		},
		{
			name:    "fenced object",
			content: "Here you go:\n```json\n{\"executive_summary\":\"Ok.\"}\n```\nthanks",
			summary: "Ok.",
		},
		{
			name:    "no object",
			content: "I cannot analyze this filing.",
			wantErr: true,
		},
		{
			name:    "missing summary",
			content: `{"overall_opinion":"fine"}`,
			wantErr: true,
		},
		{
			name:    "malformed json",
			content: `{"executive_summary": }`,
			wantErr: true,
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			an, raw, err := parseAnalysis(tc.content)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if an.ExecutiveSummary != tc.summary {
				t.Errorf("summary = %q", an.ExecutiveSummary)
			}
			if !json.Valid([]byte(raw)) {
				t.Errorf("canonical form not valid JSON: %q", raw)
			}
		})
	}
}

func TestTruncateTextKeepsRunesWhole(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		max  int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello", 3, "hel"},
		// cutting inside the 3-byte € backs off to the previous rune
		{"a€b", 2, "a"},
		{"a€b", 3, "a"},
		{"a€b", 4, "a€"},
		{"ééé", 3, "é"},
	}
	for _, tc := range cases {
		got := truncateText(tc.in, tc.max)
		if got != tc.want {
			t.Errorf("truncateText(%q, %d) = %q, want %q", tc.in, tc.max, got, tc.want)
		}
		if !utf8.ValidString(got) {
			t.Errorf("truncateText(%q, %d) = %q is not valid UTF-8", tc.in, tc.max, got)
		}
	}
}

func TestAnalyzeRoundtrip(t *testing.T) {
	t.Parallel()
	var gotModel string
	var gotUser string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotModel = req.Model
		for _, m := range req.Messages {
			if m.Role == "user" {
				gotUser = m.Content
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{
					"role":    "assistant",
					"content": `{"executive_summary":"Strong 10-Q.","objective_facts":["EPS up 4%"]}`,
				}},
			},
		})
	}))
	t.Cleanup(srv.Close)

	a, err := New(Config{BaseURL: srv.URL, APIKey: "k", Model: "gemini-2.0-flash", MaxDocumentChars: 50}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}

	long := strings.Repeat("x", 200)
	an, raw, err := a.Analyze(context.Background(), Request{
		Ticker: "AAPL", FilingType: "10-Q", FilingDate: "2024-05-03", Text: long,
	})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if an.ExecutiveSummary != "Strong 10-Q." {
		t.Errorf("summary = %q", an.ExecutiveSummary)
	}
	if raw == "" {
		t.Error("raw JSON empty")
	}
	if gotModel != "gemini-2.0-flash" {
		t.Errorf("model = %q", gotModel)
	}
	if strings.Count(gotUser, "x") > 50 {
		t.Error("document text not truncated to MaxDocumentChars")
	}
	if !strings.Contains(gotUser, "AAPL") || !strings.Contains(gotUser, "10-Q") {
		t.Errorf("prompt missing filing metadata: %q", gotUser)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Model: "m"}, logx.Nop()); err == nil {
		t.Error("expected error for missing api key")
	}
	if _, err := New(Config{APIKey: "k"}, logx.Nop()); err == nil {
		t.Error("expected error for missing model")
	}
}
