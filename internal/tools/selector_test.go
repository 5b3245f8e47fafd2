package tools

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/scrape-orchestrator/internal/model"
	"github.com/sells-group/scrape-orchestrator/internal/store"
)

func newSelectorStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "selector.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func selectorSession(t *testing.T, st store.Store) string {
	t.Helper()
	sess, err := st.CreateSession(context.Background(), uuid.New().String(), nil)
	require.NoError(t, err)
	return sess.ID
}

func addSamples(t *testing.T, st store.Store, sessionID, tool string, n int, success bool, latency time.Duration) {
	t.Helper()
	for range n {
		require.NoError(t, st.CreateToolSample(context.Background(), model.ToolPerformanceSample{
			ID:            uuid.New().String(),
			SessionID:     sessionID,
			Tool:          tool,
			ExecutionTime: latency,
			Success:       success,
			CreatedAt:     time.Now().UTC(),
		}))
	}
}

func TestSelector_PatternReuse(t *testing.T) {
	st := newSelectorStore(t)
	sessID := selectorSession(t, st)

	r := NewRegistry()
	r.Register(&stubTool{name: "local_http"})
	r.Register(&stubTool{name: "firecrawl", cap: Capability{Crawls: true, CostPerCall: 1.0}})
	sel := NewSelector(r, st)

	pattern := &model.Pattern{
		ID:           uuid.New().String(),
		SuccessScore: 0.85,
		Execution:    model.ExecutionConfig{Tool: "firecrawl", JobType: model.JobTypeScrape},
	}

	choice, err := sel.Choose(context.Background(), sessID, model.JobTypeScrape, pattern)
	require.NoError(t, err)
	assert.Equal(t, "firecrawl", choice.PrimaryTool)
	assert.Equal(t, model.StrategyPatternReuse, choice.Strategy)
	assert.InDelta(t, 0.85, choice.Confidence, 1e-9)
}

func TestSelector_PatternToolUnavailableFallsThrough(t *testing.T) {
	st := newSelectorStore(t)
	sessID := selectorSession(t, st)

	r := NewRegistry()
	r.Register(&stubTool{name: "local_http"})
	sel := NewSelector(r, st)

	pattern := &model.Pattern{
		ID:        uuid.New().String(),
		Execution: model.ExecutionConfig{Tool: "retired_tool"},
	}

	choice, err := sel.Choose(context.Background(), sessID, model.JobTypeScrape, pattern)
	require.NoError(t, err)
	assert.Equal(t, "local_http", choice.PrimaryTool)
	assert.NotEqual(t, model.StrategyPatternReuse, choice.Strategy)
}

func TestSelector_PerformanceBased(t *testing.T) {
	st := newSelectorStore(t)
	sessID := selectorSession(t, st)

	r := NewRegistry()
	r.Register(&stubTool{name: "flaky"})
	r.Register(&stubTool{name: "steady"})
	sel := NewSelector(r, st)

	addSamples(t, st, sessID, "flaky", 10, false, 100*time.Millisecond)
	addSamples(t, st, sessID, "steady", 10, true, 200*time.Millisecond)

	choice, err := sel.Choose(context.Background(), sessID, model.JobTypeScrape, nil)
	require.NoError(t, err)
	assert.Equal(t, "steady", choice.PrimaryTool)
	assert.Equal(t, model.StrategyPerformanceBased, choice.Strategy)
	require.Len(t, choice.Alternatives, 1)
	assert.Equal(t, "flaky", choice.Alternatives[0].Name)
}

func TestSelector_TooFewSamplesUsesHeuristic(t *testing.T) {
	st := newSelectorStore(t)
	sessID := selectorSession(t, st)

	r := NewRegistry()
	r.Register(&stubTool{name: "local_http", cap: Capability{CostPerCall: 0}})
	r.Register(&stubTool{name: "firecrawl", cap: Capability{Crawls: true, CostPerCall: 1.0}})
	sel := NewSelector(r, st)

	addSamples(t, st, sessID, "firecrawl", minSamples-1, true, 100*time.Millisecond)

	choice, err := sel.Choose(context.Background(), sessID, model.JobTypeScrape, nil)
	require.NoError(t, err)
	assert.Equal(t, model.StrategyDefaultHeuristic, choice.Strategy)
	// Free tool wins a plain fetch.
	assert.Equal(t, "local_http", choice.PrimaryTool)
}

func TestSelector_HeuristicPrefersCrawlerForCrawl(t *testing.T) {
	st := newSelectorStore(t)
	sessID := selectorSession(t, st)

	r := NewRegistry()
	r.Register(&stubTool{name: "local_http", cap: Capability{CostPerCall: 0},
		types: map[model.JobType]bool{model.JobTypeScrape: true}})
	r.Register(&stubTool{name: "firecrawl", cap: Capability{Crawls: true, CostPerCall: 1.0}})
	sel := NewSelector(r, st)

	choice, err := sel.Choose(context.Background(), sessID, model.JobTypeCrawl, nil)
	require.NoError(t, err)
	assert.Equal(t, "firecrawl", choice.PrimaryTool)
}

func TestSelector_NoCandidate(t *testing.T) {
	st := newSelectorStore(t)
	sessID := selectorSession(t, st)

	r := NewRegistry()
	r.Register(&stubTool{name: "local_http", types: map[model.JobType]bool{model.JobTypeScrape: true}})
	sel := NewSelector(r, st)

	_, err := sel.Choose(context.Background(), sessID, model.JobTypeSearch, nil)
	assert.Error(t, err)
}

func TestPerformanceTracker_RecordsSamples(t *testing.T) {
	st := newSelectorStore(t)
	sessID := selectorSession(t, st)
	tracker := NewPerformanceTracker(st, nil)

	tracker.Record(context.Background(), sessID, "jina", 150*time.Millisecond, &Output{Content: "ok"}, nil)
	tracker.Record(context.Background(), sessID, "jina", 250*time.Millisecond, nil, errors.New("boom"))

	perf, err := st.ToolPerformanceSince(context.Background(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, perf, 1)
	assert.Equal(t, "jina", perf[0].Tool)
	assert.Equal(t, 2, perf[0].Executions)
	assert.InDelta(t, 0.5, perf[0].SuccessRate, 1e-9)
}
