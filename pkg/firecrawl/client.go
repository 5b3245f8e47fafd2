// Package firecrawl is a client for the Firecrawl scrape and crawl
// endpoints backing the firecrawl extraction tool.
package firecrawl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
)

const defaultBaseURL = "https://api.firecrawl.dev/v2"

// Client is the subset of the Firecrawl API the orchestrator calls.
type Client interface {
	// Scrape fetches one rendered page as markdown.
	Scrape(ctx context.Context, req ScrapeRequest) (*Page, error)
	// StartCrawl kicks off an asynchronous crawl and returns its id.
	StartCrawl(ctx context.Context, req CrawlRequest) (string, error)
	// CrawlStatus reports the pages collected so far for a crawl id.
	CrawlStatus(ctx context.Context, id string) (*CrawlStatus, error)
}

// ScrapeRequest is the body for POST /scrape.
type ScrapeRequest struct {
	URL     string   `json:"url"`
	Formats []string `json:"formats,omitempty"`
}

// CrawlRequest is the body for POST /crawl.
type CrawlRequest struct {
	URL      string `json:"url"`
	MaxDepth int    `json:"maxDepth,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// Page is one scraped or crawled page.
type Page struct {
	URL        string `json:"url"`
	Markdown   string `json:"markdown"`
	Title      string `json:"title"`
	StatusCode int    `json:"statusCode"`
}

// CrawlStatus is the progress snapshot of a running or finished crawl.
type CrawlStatus struct {
	State string `json:"status"`
	Total int    `json:"total"`
	Pages []Page `json:"data"`
}

// Completed reports whether the crawl finished with results available.
func (s *CrawlStatus) Completed() bool { return s.State == "completed" }

// Terminated reports whether the crawl ended without completing.
func (s *CrawlStatus) Terminated() bool {
	return s.State == "failed" || s.State == "cancelled"
}

// APIError is returned when Firecrawl responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("firecrawl: HTTP %d: %s", e.StatusCode, e.Body)
}

// Option configures the httpClient.
type Option func(*httpClient)

// WithBaseURL overrides the default base URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = u
	}
}

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a Firecrawl client with production endpoints.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type scrapeEnvelope struct {
	Success bool   `json:"success"`
	Data    Page   `json:"data"`
	Error   string `json:"error"`
}

type crawlEnvelope struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
	Error   string `json:"error"`
}

func (c *httpClient) Scrape(ctx context.Context, req ScrapeRequest) (*Page, error) {
	var env scrapeEnvelope
	if err := c.call(ctx, http.MethodPost, "/scrape", req, &env); err != nil {
		return nil, eris.Wrap(err, "firecrawl: scrape")
	}
	if !env.Success {
		return nil, eris.Errorf("firecrawl: scrape rejected: %s", env.Error)
	}
	return &env.Data, nil
}

func (c *httpClient) StartCrawl(ctx context.Context, req CrawlRequest) (string, error) {
	var env crawlEnvelope
	if err := c.call(ctx, http.MethodPost, "/crawl", req, &env); err != nil {
		return "", eris.Wrap(err, "firecrawl: start crawl")
	}
	if !env.Success || env.ID == "" {
		return "", eris.Errorf("firecrawl: crawl rejected: %s", env.Error)
	}
	return env.ID, nil
}

func (c *httpClient) CrawlStatus(ctx context.Context, id string) (*CrawlStatus, error) {
	var status CrawlStatus
	if err := c.call(ctx, http.MethodGet, "/crawl/"+id, nil, &status); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("firecrawl: crawl status %s", id))
	}
	return &status, nil
}

func (c *httpClient) call(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return eris.Wrap(err, "marshal request")
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "execute request")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return eris.Wrap(err, "decode response")
	}
	return nil
}
