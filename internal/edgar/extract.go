package edgar

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// extractors maps a form type to its text extraction strategy. Unlisted
// forms fall back to extractBody.
var extractors = map[string]func(*goquery.Document) string{
	"10-K": extractReport,
	"10-Q": extractReport,
	"8-K":  extractBody,
}

var collapseWS = regexp.MustCompile(`[ \t\r\f\v]+`)

func extractText(raw []byte, formType string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("parse filing document: %w", err)
	}
	// never feed script/style payloads to the model
	doc.Find("script, style").Remove()

	fn := extractors[formType]
	if fn == nil {
		fn = extractBody
	}
	return cleanText(fn(doc)), nil
}

func extractBody(doc *goquery.Document) string {
	if body := doc.Find("body"); body.Length() > 0 {
		return body.Text()
	}
	return doc.Text()
}

// extractReport handles the inline-XBRL wrapping common to 10-K/10-Q
// documents: the ix:header block holds machine-readable context that reads
// as noise when flattened to text.
func extractReport(doc *goquery.Document) string {
	doc.Find(`ix\:header`).Remove()
	doc.Find(`[style*="display:none"], [style*="display: none"]`).Remove()
	return extractBody(doc)
}

func cleanText(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, ln := range lines {
		ln = strings.TrimSpace(collapseWS.ReplaceAllString(ln, " "))
		if ln == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, ln)
	}
	return strings.Join(out, "\n")
}
