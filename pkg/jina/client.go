// Package jina is a client for the Jina AI Reader (r.jina.ai) and Search
// (s.jina.ai) endpoints backing the jina extraction tool.
package jina

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/scrape-orchestrator/internal/resilience"
)

// Client is the subset of the Jina API the orchestrator calls.
type Client interface {
	// Read fetches a page through the reader proxy as markdown.
	Read(ctx context.Context, targetURL string) (*Document, error)
	// Search runs a web search. The result set may be empty.
	Search(ctx context.Context, query string, opts ...SearchOption) ([]Result, error)
}

// Document is one page fetched through the reader.
type Document struct {
	Title   string
	URL     string
	Content string
	// Tokens is the reader's own count of tokens billed for the fetch.
	Tokens int
}

// Result is a single search hit.
type Result struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Content     string `json:"content"`
	Description string `json:"description"`
}

// SearchOption configures a single search call.
type SearchOption func(*searchOpts)

type searchOpts struct {
	site string
}

// WithSiteFilter restricts search hits to one domain.
func WithSiteFilter(domain string) SearchOption {
	return func(o *searchOpts) {
		o.site = domain
	}
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the reader endpoint.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.readerURL = u
	}
}

// WithSearchBaseURL overrides the search endpoint.
func WithSearchBaseURL(u string) Option {
	return func(c *httpClient) {
		c.searchURL = u
	}
}

// WithHTTPClient swaps the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey    string
	readerURL string
	searchURL string
	http      *http.Client
	retry     resilience.RetryConfig
}

// NewClient creates a Jina client with production endpoints.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:    apiKey,
		readerURL: "https://r.jina.ai",
		searchURL: "https://s.jina.ai",
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// readEnvelope mirrors the reader's JSON response.
type readEnvelope struct {
	Code int `json:"code"`
	Data struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
		Usage   struct {
			Tokens int `json:"tokens"`
		} `json:"usage"`
	} `json:"data"`
}

// searchEnvelope mirrors the search JSON response.
type searchEnvelope struct {
	Code int      `json:"code"`
	Data []Result `json:"data"`
}

func (c *httpClient) Read(ctx context.Context, targetURL string) (*Document, error) {
	body, status, err := c.fetch(ctx, c.readerURL+"/"+targetURL, http.Header{
		"Accept":          {"application/json"},
		"X-Return-Format": {"markdown"},
	})
	if err != nil {
		return nil, eris.Wrap(err, "jina: read")
	}
	if status != http.StatusOK {
		return nil, eris.Errorf("jina: read status %d: %s", status, truncate(body))
	}

	var env readEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, eris.Wrap(err, "jina: decode read response")
	}
	if env.Code != 0 && env.Code != http.StatusOK {
		return nil, eris.Errorf("jina: reader reported code %d", env.Code)
	}

	return &Document{
		Title:   env.Data.Title,
		URL:     env.Data.URL,
		Content: env.Data.Content,
		Tokens:  env.Data.Usage.Tokens,
	}, nil
}

func (c *httpClient) Search(ctx context.Context, query string, opts ...SearchOption) ([]Result, error) {
	var so searchOpts
	for _, opt := range opts {
		opt(&so)
	}

	reqURL := c.searchURL + "/" + url.QueryEscape(query)
	if so.site != "" {
		reqURL += "?site=" + url.QueryEscape(so.site)
	}

	body, status, err := c.fetch(ctx, reqURL, http.Header{"Accept": {"application/json"}})
	if err != nil {
		return nil, eris.Wrap(err, "jina: search")
	}

	// 422 means no results exist for the query, not a failure.
	if status == http.StatusUnprocessableEntity {
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, eris.Errorf("jina: search status %d: %s", status, truncate(body))
	}

	var env searchEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, eris.Wrap(err, "jina: decode search response")
	}
	return env.Data, nil
}

// fetch GETs rawURL with auth, retrying on rate limits and 5xx the same
// way the rest of the module retries transient upstream faults.
func (c *httpClient) fetch(ctx context.Context, rawURL string, header http.Header) ([]byte, int, error) {
	var body []byte
	var status int

	err := resilience.Do(ctx, c.retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return eris.Wrap(err, "create request")
		}
		req.Header = header.Clone()
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return eris.Wrap(err, "read response body")
		}

		status = resp.StatusCode
		if resilience.IsTransientHTTPStatus(status) {
			return resilience.NewTransientError(eris.Errorf("status %d", status), status)
		}
		return nil
	})
	return body, status, err
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
