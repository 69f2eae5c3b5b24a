package fanout

import (
	"encoding/json"
	"fmt"
	"html"
	"strings"

	"filingbot/internal/ai"
	"filingbot/internal/queue"
)

// FormatMessage renders a completed job's analysis as Telegram HTML.
// Model output is escaped; only our own markup survives.
func FormatMessage(j queue.Job) (string, error) {
	var an ai.Analysis
	if err := json.Unmarshal([]byte(j.Analysis), &an); err != nil {
		return "", fmt.Errorf("decode stored analysis for %s: %w", j.AccessionNumber, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📊 <b>%s — new %s filing</b>\n", html.EscapeString(j.Ticker), html.EscapeString(j.FilingType))
	fmt.Fprintf(&b, "Filed %s · <a href=\"%s\">view on EDGAR</a>\n\n", html.EscapeString(j.FilingDate), html.EscapeString(j.FilingURL))

	fmt.Fprintf(&b, "<b>Summary</b>\n%s\n", html.EscapeString(an.ExecutiveSummary))

	if len(an.ObjectiveFacts) > 0 {
		b.WriteString("\n<b>Key facts</b>\n")
		for _, f := range an.ObjectiveFacts {
			fmt.Fprintf(&b, "• %s\n", html.EscapeString(f))
		}
	}
	if s := strings.TrimSpace(an.PositiveSignals); s != "" {
		fmt.Fprintf(&b, "\n<b>Positive signals</b>\n%s\n", html.EscapeString(s))
	}
	if s := strings.TrimSpace(an.PotentialRisks); s != "" {
		fmt.Fprintf(&b, "\n<b>Potential risks</b>\n%s\n", html.EscapeString(s))
	}
	if s := strings.TrimSpace(an.OverallOpinion); s != "" {
		fmt.Fprintf(&b, "\n<b>Takeaway</b>\n%s\n", html.EscapeString(s))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
