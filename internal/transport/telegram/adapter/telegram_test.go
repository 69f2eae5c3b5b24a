package adapter

import (
	"strings"
	"testing"

	logx "filingbot/pkg/logx"
)

func TestSplitTelegramTextShortPassthrough(t *testing.T) {
	t.Parallel()
	got := splitTelegramText("hello", 100, "")
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %v", got)
	}
}

func TestSplitTelegramTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("line one\n", 30) // ~270 runes
	chunks := splitTelegramText(text, 100, "")
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len([]rune(c)) > 100 {
			t.Errorf("chunk %d exceeds limit: %d runes", i, len([]rune(c)))
		}
	}
	// chunks rejoin to the original content (modulo boundary newlines)
	joined := strings.Join(chunks, "\n")
	if strings.ReplaceAll(joined, "\n", "") != strings.ReplaceAll(text, "\n", "") {
		t.Error("content lost while splitting")
	}
}

func TestSplitTelegramTextAvoidsBreakingHTMLTags(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("word ", 18) + "<b>bold text here</b>" + strings.Repeat(" word", 18)
	chunks := splitTelegramText(text, 100, "HTML")
	for i, c := range chunks {
		if strings.Count(c, "<") != strings.Count(c, ">") {
			t.Errorf("chunk %d has dangling tag: %q", i, c)
		}
	}
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty token")
	}
}
