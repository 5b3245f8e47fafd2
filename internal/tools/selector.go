package tools

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/scrape-orchestrator/internal/model"
	"github.com/sells-group/scrape-orchestrator/internal/store"
)

const (
	// performanceWindow is how far back the selector looks for samples.
	performanceWindow = 24 * time.Hour
	// minSamples is the floor below which recent performance is too thin
	// to rank on and the selector falls back to the static heuristic.
	minSamples = 5
)

// Selector picks a tool for each job and records why. Preference order:
// a matched pattern's tool, then recent performance, then a static
// capability heuristic.
type Selector struct {
	registry *Registry
	store    store.Store
	now      func() time.Time
}

// NewSelector creates a Selector over the given registry.
func NewSelector(registry *Registry, st store.Store) *Selector {
	return &Selector{registry: registry, store: st, now: time.Now}
}

// Choose selects a tool for a job of the given type. A non-nil pattern is a
// prior from a previously successful similar request; its tool wins outright
// when it is still registered and supports the type. The decision is
// persisted before returning.
func (s *Selector) Choose(ctx context.Context, sessionID string, jobType model.JobType, pattern *model.Pattern) (*model.ToolSelection, error) {
	candidates := s.registry.ByType(jobType)
	if len(candidates) == 0 {
		return nil, eris.Errorf("tools: no tool supports job type %q", jobType)
	}

	sel := &model.ToolSelection{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		CreatedAt: s.now().UTC(),
	}

	if pattern != nil && s.supportsPatternTool(pattern, jobType) {
		sel.PrimaryTool = pattern.Execution.Tool
		sel.Strategy = model.StrategyPatternReuse
		sel.Confidence = clamp01(pattern.SuccessScore)
		sel.Alternatives = rankExcept(s.heuristicRanking(candidates, jobType), sel.PrimaryTool)
		sel.Config = pattern.Execution.Parameters
	} else if ranked, ok := s.performanceRanking(ctx, candidates); ok {
		sel.PrimaryTool = ranked[0].Name
		sel.Strategy = model.StrategyPerformanceBased
		sel.Confidence = clamp01(ranked[0].Score)
		sel.Alternatives = ranked[1:]
	} else {
		ranked := s.heuristicRanking(candidates, jobType)
		sel.PrimaryTool = ranked[0].Name
		sel.Strategy = model.StrategyDefaultHeuristic
		sel.Confidence = clamp01(ranked[0].Score)
		sel.Alternatives = ranked[1:]
	}

	if err := s.store.CreateToolSelection(ctx, *sel); err != nil {
		return nil, eris.Wrap(err, "tools: persist selection")
	}

	zap.L().Debug("tool selected",
		zap.String("session_id", sessionID),
		zap.String("tool", sel.PrimaryTool),
		zap.String("strategy", string(sel.Strategy)),
		zap.Float64("confidence", sel.Confidence))
	return sel, nil
}

func (s *Selector) supportsPatternTool(pattern *model.Pattern, jobType model.JobType) bool {
	name := pattern.Execution.Tool
	if !s.registry.Has(name) {
		return false
	}
	t, _ := s.registry.Get(name)
	return t.Supports(jobType)
}

// performanceRanking ranks candidates on recent samples. Returns false when
// no candidate has enough samples to rank on.
func (s *Selector) performanceRanking(ctx context.Context, candidates []Tool) ([]model.RankedTool, bool) {
	perf, err := s.store.ToolPerformanceSince(ctx, s.now().Add(-performanceWindow))
	if err != nil {
		zap.L().Warn("tool performance lookup failed", zap.Error(err))
		return nil, false
	}

	byName := make(map[string]model.ToolPerformance, len(perf))
	for _, p := range perf {
		byName[p.Tool] = p
	}

	var ranked []model.RankedTool
	for _, t := range candidates {
		p, ok := byName[t.Name()]
		if !ok || p.Executions < minSamples {
			continue
		}
		ranked = append(ranked, model.RankedTool{Name: t.Name(), Score: performanceScore(p)})
	}
	if len(ranked) == 0 {
		return nil, false
	}
	sortRanked(ranked)
	return ranked, true
}

// performanceScore blends success rate with a latency term. Latency matters
// far less than reliability, so it carries a fifth of the weight.
func performanceScore(p model.ToolPerformance) float64 {
	speed := 1.0 / (1.0 + p.AvgLatency.Seconds()/30.0)
	return p.SuccessRate*0.8 + speed*0.2
}

// heuristicRanking scores candidates on static capability fit: free tools
// first for plain fetches, capability bonuses when the job type demands
// crawling, search, or rendering.
func (s *Selector) heuristicRanking(candidates []Tool, jobType model.JobType) []model.RankedTool {
	ranked := make([]model.RankedTool, 0, len(candidates))
	for _, t := range candidates {
		cap := t.Capability()
		score := 0.6 - 0.3*cap.CostPerCall
		switch jobType {
		case model.JobTypeCrawl:
			if cap.Crawls {
				score += 0.4
			}
		case model.JobTypeSearch:
			if cap.Searches {
				score += 0.4
			}
		}
		ranked = append(ranked, model.RankedTool{Name: t.Name(), Score: clamp01(score)})
	}
	sortRanked(ranked)
	return ranked
}

// sortRanked orders by score descending, name ascending on ties so the
// ranking is stable across runs.
func sortRanked(ranked []model.RankedTool) {
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Name < ranked[j].Name
	})
}

func rankExcept(ranked []model.RankedTool, name string) []model.RankedTool {
	out := make([]model.RankedTool, 0, len(ranked))
	for _, r := range ranked {
		if r.Name != name {
			out = append(out, r)
		}
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
