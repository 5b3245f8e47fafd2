package tools

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/scrape-orchestrator/internal/model"
	"github.com/sells-group/scrape-orchestrator/internal/resilience"
	"github.com/sells-group/scrape-orchestrator/pkg/jina"
)

// JinaTool wraps the Jina Reader and Search APIs as a Tool. A circuit
// breaker drops the tool out of selection while the upstream is flaky.
type JinaTool struct {
	client  jina.Client
	breaker *resilience.CircuitBreaker
}

// NewJinaTool creates a JinaTool. Three consecutive failures open the
// circuit for 60s, during which Supports reports false and the selector
// routes around it.
func NewJinaTool(client jina.Client) *JinaTool {
	return &JinaTool{
		client: client,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			FailureThreshold: 3,
			ResetTimeout:     60 * time.Second,
			ShouldTrip:       func(error) bool { return true },
			OnStateChange: func(from, to resilience.CircuitState) {
				zap.L().Warn("jina circuit state changed",
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		}),
	}
}

func (j *JinaTool) Name() string { return "jina" }

func (j *JinaTool) Capability() Capability {
	return Capability{
		RendersJS:   true,
		Searches:    true,
		CostPerCall: 0.2,
		ExampleInputs: []string{
			"https://example.com/docs/changelog",
			"acme corp pricing plans",
		},
	}
}

func (j *JinaTool) Supports(jobType model.JobType) bool {
	if j.breaker.State() == resilience.CircuitOpen {
		return false
	}
	switch jobType {
	case model.JobTypeScrape, model.JobTypeAnalyze, model.JobTypeSearch:
		return true
	}
	return false
}

func (j *JinaTool) Execute(ctx context.Context, req Request, report ProgressFunc) (*Output, error) {
	if req.Type == model.JobTypeSearch {
		return j.search(ctx, req, report)
	}
	return j.read(ctx, req, report)
}

func (j *JinaTool) read(ctx context.Context, req Request, report ProgressFunc) (*Output, error) {
	report("fetching", 0.1, req.Target)

	doc, err := resilience.ExecuteVal(ctx, j.breaker, func(ctx context.Context) (*jina.Document, error) {
		doc, err := j.client.Read(ctx, req.Target)
		if err != nil {
			return nil, err
		}
		if unusable(doc) {
			return nil, eris.New("jina: response unusable")
		}
		return doc, nil
	})
	if err != nil {
		return nil, err
	}

	return &Output{
		Content:    doc.Content,
		Title:      doc.Title,
		URL:        doc.URL,
		StatusCode: 200,
		Pages:      1,
		Tokens:     doc.Tokens,
	}, nil
}

func (j *JinaTool) search(ctx context.Context, req Request, report ProgressFunc) (*Output, error) {
	report("searching", 0.1, req.Target)

	var opts []jina.SearchOption
	if site, ok := req.Parameters["site"].(string); ok && site != "" {
		opts = append(opts, jina.WithSiteFilter(site))
	}

	results, err := resilience.ExecuteVal(ctx, j.breaker, func(ctx context.Context) ([]jina.Result, error) {
		return j.client.Search(ctx, req.Target, opts...)
	})
	if err != nil {
		return nil, err
	}

	report("collating", 0.8, "")

	if results == nil {
		results = []jina.Result{}
	}
	content, err := json.Marshal(results)
	if err != nil {
		return nil, eris.Wrap(err, "jina: marshal search results")
	}
	return &Output{
		Content: string(content),
		URL:     req.Target,
		Pages:   len(results),
	}, nil
}

// unusable reports whether a fetched document is too thin to act on or is
// an anti-bot challenge page rather than real content.
func unusable(doc *jina.Document) bool {
	if doc == nil {
		return true
	}

	content := strings.TrimSpace(doc.Content)
	if len(content) < 100 {
		return true
	}

	lower := strings.ToLower(content)
	challengeSignatures := []string{
		"checking your browser",
		"enable javascript",
		"please enable cookies",
		"access denied",
		"403 forbidden",
		"just a moment",
		"cloudflare",
		"attention required",
	}
	for _, sig := range challengeSignatures {
		if strings.Contains(lower, sig) && len(content) < 1000 {
			return true
		}
	}
	return false
}
