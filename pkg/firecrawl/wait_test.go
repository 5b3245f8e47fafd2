package firecrawl

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedClient returns one canned status per CrawlStatus call, sticking
// on the last entry.
type scriptedClient struct {
	statuses []*CrawlStatus
	err      error
	calls    int
}

func (s *scriptedClient) Scrape(context.Context, ScrapeRequest) (*Page, error) {
	return nil, errors.New("not used")
}

func (s *scriptedClient) StartCrawl(context.Context, CrawlRequest) (string, error) {
	return "", errors.New("not used")
}

func (s *scriptedClient) CrawlStatus(context.Context, string) (*CrawlStatus, error) {
	if s.err != nil {
		return nil, s.err
	}
	idx := s.calls
	if idx >= len(s.statuses) {
		idx = len(s.statuses) - 1
	}
	s.calls++
	return s.statuses[idx], nil
}

func TestWaitForCrawl_CompletesAfterProgress(t *testing.T) {
	t.Parallel()

	client := &scriptedClient{statuses: []*CrawlStatus{
		{State: "scraping", Pages: []Page{{URL: "https://d.example/a"}}},
		{State: "scraping", Pages: []Page{{URL: "https://d.example/a"}, {URL: "https://d.example/b"}}},
		{State: "completed", Total: 2, Pages: []Page{{URL: "https://d.example/a"}, {URL: "https://d.example/b"}}},
	}}

	var seen []int
	status, err := WaitForCrawl(context.Background(), client, "crawl-1",
		WithPollInterval(time.Millisecond),
		WithStatusFunc(func(s *CrawlStatus) { seen = append(seen, len(s.Pages)) }))
	require.NoError(t, err)
	assert.True(t, status.Completed())
	assert.Equal(t, 3, client.calls)
	assert.Equal(t, []int{1, 2}, seen, "the callback sees every non-terminal snapshot")
}

func TestWaitForCrawl_FailedCrawl(t *testing.T) {
	t.Parallel()

	client := &scriptedClient{statuses: []*CrawlStatus{{State: "failed"}}}
	_, err := WaitForCrawl(context.Background(), client, "crawl-2",
		WithPollInterval(time.Millisecond))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed")
}

func TestWaitForCrawl_CancelledCrawl(t *testing.T) {
	t.Parallel()

	client := &scriptedClient{statuses: []*CrawlStatus{{State: "cancelled"}}}
	_, err := WaitForCrawl(context.Background(), client, "crawl-3",
		WithPollInterval(time.Millisecond))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancelled")
}

func TestWaitForCrawl_StatusErrorPropagates(t *testing.T) {
	t.Parallel()

	client := &scriptedClient{err: errors.New("upstream gone")}
	_, err := WaitForCrawl(context.Background(), client, "crawl-4",
		WithPollInterval(time.Millisecond))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream gone")
}

func TestWaitForCrawl_TimeoutWithoutDeadline(t *testing.T) {
	t.Parallel()

	client := &scriptedClient{statuses: []*CrawlStatus{{State: "scraping"}}}
	_, err := WaitForCrawl(context.Background(), client, "crawl-5",
		WithPollInterval(time.Millisecond),
		WithPollCap(2*time.Millisecond),
		WithWaitTimeout(50*time.Millisecond))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitForCrawl_ParentDeadlineWins(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	client := &scriptedClient{statuses: []*CrawlStatus{{State: "scraping"}}}
	_, err := WaitForCrawl(ctx, client, "crawl-6",
		WithPollInterval(time.Millisecond),
		WithPollCap(2*time.Millisecond))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
