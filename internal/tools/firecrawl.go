package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/scrape-orchestrator/internal/model"
	"github.com/sells-group/scrape-orchestrator/pkg/firecrawl"
)

const (
	defaultCrawlDepth = 2
	defaultCrawlLimit = 50
	crawlPollInterval = 2 * time.Second
)

// FirecrawlTool wraps the Firecrawl API as a Tool. It is the only tool that
// crawls, and the most expensive, so the selector reaches for it when the
// job needs rendering or multi-page coverage.
type FirecrawlTool struct {
	client       firecrawl.Client
	pollInterval time.Duration
}

// NewFirecrawlTool creates a FirecrawlTool from a Firecrawl client.
func NewFirecrawlTool(client firecrawl.Client) *FirecrawlTool {
	return &FirecrawlTool{client: client, pollInterval: crawlPollInterval}
}

func (f *FirecrawlTool) Name() string { return "firecrawl" }

func (f *FirecrawlTool) Capability() Capability {
	return Capability{
		RendersJS:   true,
		Crawls:      true,
		CostPerCall: 1.0,
		ExampleInputs: []string{
			"https://example.com/blog",
			"https://docs.example.com (crawl, max_pages=25)",
		},
	}
}

func (f *FirecrawlTool) Supports(jobType model.JobType) bool {
	switch jobType {
	case model.JobTypeScrape, model.JobTypeAnalyze, model.JobTypeCrawl:
		return true
	}
	return false
}

func (f *FirecrawlTool) Execute(ctx context.Context, req Request, report ProgressFunc) (*Output, error) {
	if req.Type == model.JobTypeCrawl {
		return f.crawl(ctx, req, report)
	}
	return f.scrape(ctx, req, report)
}

func (f *FirecrawlTool) scrape(ctx context.Context, req Request, report ProgressFunc) (*Output, error) {
	report("fetching", 0.1, req.Target)

	page, err := f.client.Scrape(ctx, firecrawl.ScrapeRequest{
		URL:     req.Target,
		Formats: []string{"markdown"},
	})
	if err != nil {
		return nil, err
	}

	return &Output{
		Content:    page.Markdown,
		Title:      page.Title,
		URL:        page.URL,
		StatusCode: page.StatusCode,
		Pages:      1,
	}, nil
}

// crawl starts a crawl and waits for it, reporting pages collected as
// progress until the upstream marks the crawl complete.
func (f *FirecrawlTool) crawl(ctx context.Context, req Request, report ProgressFunc) (*Output, error) {
	limit := intParam(req.Parameters, "limit", defaultCrawlLimit)

	report("starting crawl", 0.05, req.Target)
	id, err := f.client.StartCrawl(ctx, firecrawl.CrawlRequest{
		URL:      req.Target,
		MaxDepth: intParam(req.Parameters, "depth", defaultCrawlDepth),
		Limit:    limit,
	})
	if err != nil {
		return nil, err
	}

	status, err := firecrawl.WaitForCrawl(ctx, f.client, id,
		firecrawl.WithPollInterval(f.pollInterval),
		firecrawl.WithStatusFunc(func(s *firecrawl.CrawlStatus) {
			frac := 0.1
			if limit > 0 && len(s.Pages) > 0 {
				frac = 0.1 + 0.8*float64(len(s.Pages))/float64(limit)
				if frac > 0.9 {
					frac = 0.9
				}
			}
			report("crawling", frac, fmt.Sprintf("%d pages", len(s.Pages)))
		}))
	if err != nil {
		return nil, err
	}

	return collateCrawl(req.Target, status)
}

// crawledPage is one page in a crawl result payload.
type crawledPage struct {
	URL      string `json:"url"`
	Title    string `json:"title,omitempty"`
	Markdown string `json:"markdown"`
}

func collateCrawl(target string, status *firecrawl.CrawlStatus) (*Output, error) {
	pages := make([]crawledPage, 0, len(status.Pages))
	for _, p := range status.Pages {
		if p.Markdown == "" {
			continue
		}
		pages = append(pages, crawledPage{URL: p.URL, Title: p.Title, Markdown: p.Markdown})
	}
	if len(pages) == 0 {
		return nil, eris.New("firecrawl: crawl returned no content")
	}

	content, err := json.Marshal(pages)
	if err != nil {
		return nil, eris.Wrap(err, "firecrawl: marshal crawl results")
	}
	return &Output{
		Content: string(content),
		URL:     target,
		Pages:   len(pages),
	}, nil
}
