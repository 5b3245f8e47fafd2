package firecrawl

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
)

const (
	defaultWaitInterval = 2 * time.Second
	defaultWaitCap      = 15 * time.Second
	defaultWaitTimeout  = 5 * time.Minute
)

// WaitOption configures WaitForCrawl.
type WaitOption func(*waitConfig)

type waitConfig struct {
	interval time.Duration
	cap      time.Duration
	timeout  time.Duration
	onStatus func(*CrawlStatus)
}

// WithPollInterval sets the delay before the first status check. Subsequent
// checks back off by doubling up to the cap.
func WithPollInterval(d time.Duration) WaitOption {
	return func(c *waitConfig) {
		c.interval = d
	}
}

// WithPollCap bounds the backoff between status checks.
func WithPollCap(d time.Duration) WaitOption {
	return func(c *waitConfig) {
		c.cap = d
	}
}

// WithWaitTimeout bounds the total wait when the parent context carries no
// deadline of its own.
func WithWaitTimeout(d time.Duration) WaitOption {
	return func(c *waitConfig) {
		c.timeout = d
	}
}

// WithStatusFunc registers a callback invoked with every non-terminal
// status snapshot, so callers can surface crawl progress while waiting.
func WithStatusFunc(fn func(*CrawlStatus)) WaitOption {
	return func(c *waitConfig) {
		c.onStatus = fn
	}
}

// WaitForCrawl blocks until the crawl identified by id completes, ends
// without completing, or the context expires.
func WaitForCrawl(ctx context.Context, client Client, id string, opts ...WaitOption) (*CrawlStatus, error) {
	cfg := waitConfig{
		interval: defaultWaitInterval,
		cap:      defaultWaitCap,
		timeout:  defaultWaitTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	interval := cfg.interval
	for {
		select {
		case <-ctx.Done():
			return nil, eris.Wrap(ctx.Err(), "firecrawl: wait for crawl "+id)
		case <-time.After(interval):
		}

		status, err := client.CrawlStatus(ctx, id)
		if err != nil {
			return nil, err
		}

		if status.Completed() {
			return status, nil
		}
		if status.Terminated() {
			return nil, eris.Errorf("firecrawl: crawl %s %s", id, status.State)
		}

		if cfg.onStatus != nil {
			cfg.onStatus(status)
		}

		interval *= 2
		if interval > cfg.cap {
			interval = cfg.cap
		}
	}
}
