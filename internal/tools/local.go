package tools

import (
	"context"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/scrape-orchestrator/internal/model"
)

const localBodyLimit = 2 * 1024 * 1024

// LocalHTTPTool fetches pages via net/http. Free, no API calls. Blocked or
// JS-heavy pages fail here and route to a rendering tool on retry or via
// selector ranking.
type LocalHTTPTool struct {
	client *http.Client
}

// NewLocalHTTPTool creates a LocalHTTPTool with sensible defaults.
func NewLocalHTTPTool() *LocalHTTPTool {
	return &LocalHTTPTool{
		client: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 10 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

func (l *LocalHTTPTool) Name() string { return "local_http" }

func (l *LocalHTTPTool) Capability() Capability {
	return Capability{
		CostPerCall:   0,
		ExampleInputs: []string{"https://example.com/pricing", "https://example.com/about"},
	}
}

func (l *LocalHTTPTool) Supports(jobType model.JobType) bool {
	return jobType == model.JobTypeScrape || jobType == model.JobTypeAnalyze
}

// Execute fetches the target, detects blocks, and returns the page content.
// Analyze jobs get the raw HTML; scrape jobs get plaintext.
func (l *LocalHTTPTool) Execute(ctx context.Context, req Request, report ProgressFunc) (*Output, error) {
	report("fetching", 0.1, req.Target)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.Target, nil)
	if err != nil {
		return nil, eris.Wrap(err, "local_http: create request")
	}
	httpReq.Header.Set("User-Agent", "Mozilla/5.0 (compatible; ScrapeOrchestrator/1.0)")

	resp, err := l.client.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "local_http: fetch")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, localBodyLimit))
	if err != nil {
		return nil, eris.Wrap(err, "local_http: read body")
	}

	if blocked, blockType := DetectBlock(resp, body); blocked {
		return nil, eris.Errorf("local_http: blocked (%s)", blockType)
	}
	if resp.StatusCode >= 400 {
		return nil, eris.Errorf("local_http: status %d", resp.StatusCode)
	}
	if len(body) < 100 {
		return nil, eris.New("local_http: empty page")
	}

	report("parsing", 0.8, "")

	content := string(body)
	if req.Type != model.JobTypeAnalyze {
		content = stripHTML(content)
	}

	return &Output{
		Content:    content,
		Title:      extractTitle(body),
		URL:        req.Target,
		StatusCode: resp.StatusCode,
		Pages:      1,
	}, nil
}

var titleRe = regexp.MustCompile(`(?i)<title[^>]*>(.*?)</title>`)

// extractTitle pulls the <title> from HTML.
func extractTitle(body []byte) string {
	m := titleRe.FindSubmatch(body)
	if len(m) > 1 {
		return strings.TrimSpace(string(m[1]))
	}
	return ""
}

// stripHTML removes scripts/styles/nav/footer, strips tags, decodes entities,
// and collapses whitespace. The result is plaintext suitable for extraction.
func stripHTML(html string) string {
	// Remove script, style, nav, footer blocks entirely.
	for _, tag := range []string{"script", "style", "nav", "footer"} {
		re := regexp.MustCompile(`(?is)<` + tag + `[^>]*>.*?</` + tag + `>`)
		html = re.ReplaceAllString(html, "")
	}

	// Strip remaining HTML tags.
	tagRe := regexp.MustCompile(`<[^>]+>`)
	html = tagRe.ReplaceAllString(html, " ")

	// Decode common HTML entities.
	r := strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
		"&nbsp;", " ",
	)
	html = r.Replace(html)

	// Collapse whitespace: multiple spaces → single, multiple newlines → double.
	spaceRe := regexp.MustCompile(`[ \t]+`)
	html = spaceRe.ReplaceAllString(html, " ")

	nlRe := regexp.MustCompile(`\n{3,}`)
	html = nlRe.ReplaceAllString(html, "\n\n")

	return strings.TrimSpace(html)
}
