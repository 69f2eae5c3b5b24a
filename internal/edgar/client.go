// Package edgar talks to the SEC EDGAR endpoints: the ticker->CIK company
// map, the per-company submissions feed, and the filing documents themselves.
package edgar

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	logx "filingbot/pkg/logx"
)

const (
	defaultDataBase = "https://data.sec.gov"
	defaultWWWBase  = "https://www.sec.gov"

	defaultTimeout  = 30 * time.Second
	defaultDocBytes = 10 << 20 // 10 MiB
)

// WatchedFormTypes is the closed set of filing forms the bot analyzes.
// Everything else EDGAR reports is skipped during discovery.
var WatchedFormTypes = map[string]bool{
	"10-K": true,
	"10-Q": true,
	"8-K":  true,
}

// Filing is one entry from a company's recent submissions feed.
type Filing struct {
	AccessionNumber string // dashed form, e.g. "0000320193-24-000069"
	FormType        string
	FilingDate      string // "2006-01-02"
	PrimaryDocument string
	URL             string // full archive URL of the primary document
}

type ClientConfig struct {
	// UserAgent must describe the client and include a contact address;
	// EDGAR returns 403 without it.
	UserAgent string
	Timeout   time.Duration
	// MaxDocumentBytes caps filing document downloads.
	MaxDocumentBytes int64

	// DataBaseURL/WWWBaseURL override the SEC hosts in tests.
	DataBaseURL string
	WWWBaseURL  string
}

type Client struct {
	hc        *http.Client
	userAgent string
	dataBase  string
	wwwBase   string
	maxDoc    int64
	log       logx.Logger
}

func NewClient(cfg ClientConfig, log logx.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxDoc := cfg.MaxDocumentBytes
	if maxDoc <= 0 {
		maxDoc = defaultDocBytes
	}
	dataBase := strings.TrimSuffix(cfg.DataBaseURL, "/")
	if dataBase == "" {
		dataBase = defaultDataBase
	}
	wwwBase := strings.TrimSuffix(cfg.WWWBaseURL, "/")
	if wwwBase == "" {
		wwwBase = defaultWWWBase
	}
	return &Client{
		hc:        &http.Client{Timeout: timeout},
		userAgent: cfg.UserAgent,
		dataBase:  dataBase,
		wwwBase:   wwwBase,
		maxDoc:    maxDoc,
		log:       log,
	}
}

// submissionsDoc mirrors the shape of data.sec.gov/submissions/CIK##########.json;
// the "recent" block is a column-oriented set of parallel arrays.
type submissionsDoc struct {
	Filings struct {
		Recent struct {
			AccessionNumber []string `json:"accessionNumber"`
			Form            []string `json:"form"`
			FilingDate      []string `json:"filingDate"`
			PrimaryDocument []string `json:"primaryDocument"`
		} `json:"recent"`
	} `json:"filings"`
}

// ListRecent returns a company's recent filings restricted to
// WatchedFormTypes, newest first (the order EDGAR reports).
func (c *Client) ListRecent(ctx context.Context, cik int) ([]Filing, error) {
	url := fmt.Sprintf("%s/submissions/CIK%010d.json", c.dataBase, cik)
	body, err := c.get(ctx, url, 4<<20)
	if err != nil {
		return nil, fmt.Errorf("submissions for CIK %d: %w", cik, err)
	}

	var doc submissionsDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("submissions for CIK %d: %w", cik, err)
	}

	r := doc.Filings.Recent
	n := len(r.AccessionNumber)
	if len(r.Form) < n {
		n = len(r.Form)
	}
	if len(r.FilingDate) < n {
		n = len(r.FilingDate)
	}
	if len(r.PrimaryDocument) < n {
		n = len(r.PrimaryDocument)
	}

	out := make([]Filing, 0, 8)
	for i := 0; i < n; i++ {
		form := strings.TrimSpace(r.Form[i])
		if !WatchedFormTypes[form] {
			continue
		}
		f := Filing{
			AccessionNumber: r.AccessionNumber[i],
			FormType:        form,
			FilingDate:      r.FilingDate[i],
			PrimaryDocument: r.PrimaryDocument[i],
		}
		f.URL = c.archiveURL(cik, f.AccessionNumber, f.PrimaryDocument)
		out = append(out, f)
	}
	return out, nil
}

// archiveURL builds the primary document URL. The archive path uses the
// unpadded CIK and the accession number with dashes removed.
func (c *Client) archiveURL(cik int, accession, primaryDoc string) string {
	clean := strings.ReplaceAll(accession, "-", "")
	return fmt.Sprintf("%s/Archives/edgar/data/%d/%s/%s", c.wwwBase, cik, clean, primaryDoc)
}

// FetchDocument downloads a filing document and reduces it to plain text
// suitable for the analysis prompt.
func (c *Client) FetchDocument(ctx context.Context, url, formType string) (string, error) {
	body, err := c.get(ctx, url, c.maxDoc)
	if err != nil {
		return "", err
	}
	return extractText(body, formType)
}

func (c *Client) get(ctx context.Context, url string, maxBytes int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "*/*")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes))
	if err != nil {
		return nil, err
	}
	return b, nil
}
