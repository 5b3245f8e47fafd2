package tools

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/scrape-orchestrator/internal/model"
	"github.com/sells-group/scrape-orchestrator/pkg/firecrawl"
)

type fakeFirecrawl struct {
	page      *firecrawl.Page
	scrapeErr error

	crawlID   string
	crawlErr  error
	statuses  []*firecrawl.CrawlStatus
	statusIdx int
}

func (f *fakeFirecrawl) Scrape(context.Context, firecrawl.ScrapeRequest) (*firecrawl.Page, error) {
	return f.page, f.scrapeErr
}

func (f *fakeFirecrawl) StartCrawl(context.Context, firecrawl.CrawlRequest) (string, error) {
	return f.crawlID, f.crawlErr
}

func (f *fakeFirecrawl) CrawlStatus(context.Context, string) (*firecrawl.CrawlStatus, error) {
	s := f.statuses[f.statusIdx]
	if f.statusIdx < len(f.statuses)-1 {
		f.statusIdx++
	}
	return s, nil
}

func TestFirecrawlTool_Scrape(t *testing.T) {
	fake := &fakeFirecrawl{page: &firecrawl.Page{
		URL:        "https://example.com",
		Title:      "Example",
		Markdown:   "# Example\ncontent",
		StatusCode: 200,
	}}
	tool := NewFirecrawlTool(fake)

	out, err := tool.Execute(context.Background(), Request{
		Type:   model.JobTypeScrape,
		Target: "https://example.com",
	}, noopProgress)
	require.NoError(t, err)
	assert.Equal(t, "# Example\ncontent", out.Content)
	assert.Equal(t, 1, out.Pages)
}

func TestFirecrawlTool_CrawlWaitsToCompletion(t *testing.T) {
	fake := &fakeFirecrawl{
		crawlID: "crawl-1",
		statuses: []*firecrawl.CrawlStatus{
			{State: "scraping", Pages: []firecrawl.Page{{URL: "https://example.com/a", Markdown: "a"}}},
			{State: "completed", Total: 2, Pages: []firecrawl.Page{
				{URL: "https://example.com/a", Title: "A", Markdown: "page a"},
				{URL: "https://example.com/b", Title: "B", Markdown: "page b"},
			}},
		},
	}
	tool := NewFirecrawlTool(fake)
	tool.pollInterval = time.Millisecond

	var stages []string
	report := func(stage string, _ float64, _ string) { stages = append(stages, stage) }

	out, err := tool.Execute(context.Background(), Request{
		Type:       model.JobTypeCrawl,
		Target:     "https://example.com",
		Parameters: map[string]any{"limit": float64(10)},
	}, report)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Pages)
	assert.Contains(t, stages, "starting crawl")
	assert.Contains(t, stages, "crawling")

	var pages []crawledPage
	require.NoError(t, json.Unmarshal([]byte(out.Content), &pages))
	require.Len(t, pages, 2)
	assert.Equal(t, "https://example.com/b", pages[1].URL)
}

func TestFirecrawlTool_CrawlFailed(t *testing.T) {
	fake := &fakeFirecrawl{
		crawlID:  "crawl-2",
		statuses: []*firecrawl.CrawlStatus{{State: "failed"}},
	}
	tool := NewFirecrawlTool(fake)
	tool.pollInterval = time.Millisecond

	_, err := tool.Execute(context.Background(), Request{
		Type:   model.JobTypeCrawl,
		Target: "https://example.com",
	}, noopProgress)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed")
}

func TestFirecrawlTool_CrawlCancelled(t *testing.T) {
	fake := &fakeFirecrawl{
		crawlID:  "crawl-3",
		statuses: []*firecrawl.CrawlStatus{{State: "scraping"}},
	}
	tool := NewFirecrawlTool(fake)
	tool.pollInterval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tool.Execute(ctx, Request{
		Type:   model.JobTypeCrawl,
		Target: "https://example.com",
	}, noopProgress)
	assert.Error(t, err)
}

func TestFirecrawlTool_EmptyCrawlIsError(t *testing.T) {
	fake := &fakeFirecrawl{
		crawlID:  "crawl-4",
		statuses: []*firecrawl.CrawlStatus{{State: "completed", Total: 0}},
	}
	tool := NewFirecrawlTool(fake)
	tool.pollInterval = time.Millisecond

	_, err := tool.Execute(context.Background(), Request{
		Type:   model.JobTypeCrawl,
		Target: "https://example.com",
	}, noopProgress)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no content")
}
