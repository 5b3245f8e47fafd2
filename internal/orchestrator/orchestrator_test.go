package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/scrape-orchestrator/internal/config"
	"github.com/sells-group/scrape-orchestrator/internal/intent"
	"github.com/sells-group/scrape-orchestrator/internal/model"
	"github.com/sells-group/scrape-orchestrator/internal/pattern"
	"github.com/sells-group/scrape-orchestrator/internal/progress"
	"github.com/sells-group/scrape-orchestrator/internal/resilience"
	"github.com/sells-group/scrape-orchestrator/internal/scheduler"
	"github.com/sells-group/scrape-orchestrator/internal/session"
	"github.com/sells-group/scrape-orchestrator/internal/store"
	"github.com/sells-group/scrape-orchestrator/internal/tools"
)

// cannedCompleter replays a fixed classification response.
type cannedCompleter struct {
	response string
	err      error
}

func (c cannedCompleter) CompleteJSON(context.Context, string, string) (string, error) {
	return c.response, c.err
}

func classification(label string, confidence float64, targets ...string) string {
	quoted := make([]string, len(targets))
	for i, t := range targets {
		quoted[i] = fmt.Sprintf("%q", t)
	}
	return fmt.Sprintf(`{
		"primary_intent": %q,
		"confidence": %v,
		"targets": [%s],
		"parameters": {},
		"needs_clarification": false,
		"reasoning": "test"
	}`, label, confidence, strings.Join(quoted, ","))
}

// keywordEmbedder maps request text onto a fixed axis per keyword so tests
// control which patterns match.
type keywordEmbedder struct{}

func (keywordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if strings.Contains(text, "pricing") {
		return []float32{1, 0}, nil
	}
	return []float32{0, 1}, nil
}

func (keywordEmbedder) Model() string { return "test" }

// passTool accepts every job type.
type passTool struct{ name string }

func (p passTool) Name() string                 { return p.name }
func (p passTool) Capability() tools.Capability { return tools.Capability{} }
func (p passTool) Supports(model.JobType) bool  { return true }
func (p passTool) Execute(_ context.Context, req tools.Request, _ tools.ProgressFunc) (*tools.Output, error) {
	return &tools.Output{Content: "ok", URL: req.Target, StatusCode: 200}, nil
}

type harness struct {
	st   store.Store
	orch *Orchestrator
}

func newHarness(t *testing.T, completer intent.Completer, withMatcher bool) *harness {
	t.Helper()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "orch.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	bus := progress.NewBus(st)
	t.Cleanup(bus.Close)

	reg := tools.NewRegistry()
	reg.Register(passTool{name: "local_http"})
	sel := tools.NewSelector(reg, st)

	schedCfg := config.SchedulerConfig{MaxWorkers: 1}
	pool := scheduler.NewWorkerPool(st, bus, reg, sel, tools.NewPerformanceTracker(st, nil), schedCfg)
	sched := scheduler.NewScheduler(st, bus, schedCfg)
	sched.AttachPool(pool)

	sessions := session.NewManager(st, config.SessionConfig{IdleTTLMinutes: 60})
	classifier := intent.NewClassifier(completer, config.IntentConfig{
		Model:       "qwen3:4b",
		TimeoutSecs: 5,
		MaxRequest:  10000,
		MinConf:     0.5,
	})

	var matcher *pattern.Matcher
	if withMatcher {
		matcher = pattern.NewMatcher(st, keywordEmbedder{}, config.MatcherConfig{
			SimilarityThreshold: 0.8,
			SuccessFloor:        0.4,
			EMAAlpha:            0.3,
		})
	}

	orch := New(st, sessions, classifier, matcher, sel, sched)
	return &harness{st: st, orch: orch}
}

func TestHandle_SubmitsJob(t *testing.T) {
	h := newHarness(t, cannedCompleter{response: classification("scrape_page", 0.9, "https://example.com/pricing")}, false)

	dec, err := h.orch.Handle(context.Background(), Request{
		ExternalKey: "client-a",
		MessageID:   "m1",
		Text:        "grab the pricing page",
	})
	require.NoError(t, err)

	require.NotNil(t, dec.Job)
	assert.Equal(t, model.JobTypeScrape, dec.Job.Type)
	assert.Equal(t, "https://example.com/pricing", dec.Job.Target)
	assert.Equal(t, "local_http", dec.Job.Parameters["tool"])
	assert.Equal(t, "grab the pricing page", dec.Job.Parameters["request_text"])
	assert.Equal(t, "scrape_page", dec.Job.Parameters["primary_intent"])
	assert.Equal(t, model.StrategyDefaultHeuristic, dec.Selection.Strategy)

	stored, err := h.st.GetJob(context.Background(), dec.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, stored.Status)
}

func TestHandle_ClarificationSkipsSubmission(t *testing.T) {
	resp := `{"primary_intent": "scrape_page", "confidence": 0.9, "targets": [],
		"needs_clarification": true, "reasoning": "which site?"}`
	h := newHarness(t, cannedCompleter{response: resp}, false)

	dec, err := h.orch.Handle(context.Background(), Request{
		ExternalKey: "client-a", MessageID: "m1", Text: "scrape it",
	})
	require.NoError(t, err)
	assert.Nil(t, dec.Job)
	assert.True(t, dec.Intent.NeedsClarification)

	jobs, err := h.st.ListJobs(context.Background(), store.JobFilter{SessionID: dec.Session.ID})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestHandle_PatternReuse(t *testing.T) {
	h := newHarness(t, cannedCompleter{response: classification("scrape_page", 0.9, "https://example.com/pricing")}, true)
	ctx := context.Background()

	p := model.Pattern{
		ID:          "pat-1",
		RequestText: "scrape the pricing page",
		Execution: model.ExecutionConfig{
			Tool:    "local_http",
			JobType: model.JobTypeScrape,
			Targets: []string{"https://example.com/pricing"},
		},
		SuccessScore: 0.9,
		CreatedAt:    time.Now().UTC(),
		LastUsedAt:   time.Now().UTC(),
	}
	emb := model.Embedding{PatternID: "pat-1", Vector: []float32{1, 0}, Model: "test"}
	require.NoError(t, h.st.CreatePattern(ctx, p, emb))

	dec, err := h.orch.Handle(ctx, Request{
		ExternalKey: "client-a", MessageID: "m1", Text: "get the pricing page again",
	})
	require.NoError(t, err)

	require.NotNil(t, dec.Match)
	assert.Equal(t, "pat-1", dec.Match.Pattern.ID)
	assert.Equal(t, model.StrategyPatternReuse, dec.Selection.Strategy)
	require.NotNil(t, dec.Job)
	assert.Equal(t, "pat-1", dec.Job.Parameters["pattern_id"])
}

func TestHandle_SearchUsesRequestAsQuery(t *testing.T) {
	h := newHarness(t, cannedCompleter{response: classification("search_web", 0.85)}, false)

	dec, err := h.orch.Handle(context.Background(), Request{
		ExternalKey: "client-a", MessageID: "m1", Text: "find crm pricing comparisons",
	})
	require.NoError(t, err)
	require.NotNil(t, dec.Job)
	assert.Equal(t, model.JobTypeSearch, dec.Job.Type)
	assert.Equal(t, "find crm pricing comparisons", dec.Job.Target)
}

func TestHandle_MissingTargetRejected(t *testing.T) {
	h := newHarness(t, cannedCompleter{response: classification("scrape_page", 0.9)}, false)

	_, err := h.orch.Handle(context.Background(), Request{
		ExternalKey: "client-a", MessageID: "m1", Text: "scrape that thing",
	})
	var verr *resilience.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "target", verr.Field)
}

func TestPlan_DoesNotSubmit(t *testing.T) {
	h := newHarness(t, cannedCompleter{response: classification("crawl_site", 0.9, "https://example.com")}, false)

	dec, err := h.orch.Plan(context.Background(), Request{
		ExternalKey: "client-a", MessageID: "m1", Text: "crawl example.com",
	})
	require.NoError(t, err)
	assert.Nil(t, dec.Job)
	assert.NotNil(t, dec.Selection)

	jobs, err := h.st.ListJobs(context.Background(), store.JobFilter{SessionID: dec.Session.ID})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestJobStatus(t *testing.T) {
	h := newHarness(t, cannedCompleter{response: classification("scrape_page", 0.9, "https://example.com")}, false)
	ctx := context.Background()

	dec, err := h.orch.Handle(ctx, Request{ExternalKey: "client-a", MessageID: "m1", Text: "scrape example.com"})
	require.NoError(t, err)

	status, err := h.orch.JobStatus(ctx, dec.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, dec.Job.ID, status.Job.ID)
	require.NotEmpty(t, status.Events)
	assert.Equal(t, "queued", status.Events[0].Message)
}

func TestJobTypeForIntent(t *testing.T) {
	tests := []struct {
		label string
		want  model.JobType
	}{
		{model.IntentScrapePage, model.JobTypeScrape},
		{model.IntentCrawlSite, model.JobTypeCrawl},
		{model.IntentSearchWeb, model.JobTypeSearch},
		{model.IntentExtractData, model.JobTypeAnalyze},
		{model.IntentMonitorChange, model.JobTypeScrape},
		{"something_else", model.JobTypeScrape},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, jobTypeForIntent(tc.label))
	}
}
