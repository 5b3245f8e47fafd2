// Package pattern implements the learned-pattern store: request embeddings,
// nearest-neighbor matching, and outcome feedback.
package pattern

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/cases"

	"github.com/sells-group/scrape-orchestrator/internal/config"
	"github.com/sells-group/scrape-orchestrator/internal/model"
	"github.com/sells-group/scrape-orchestrator/internal/store"
)

// Embedder produces a vector for a piece of request text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// Matcher retrieves previously successful request patterns by embedding
// similarity. A candidate qualifies only if its similarity meets the
// configured threshold AND its success score meets the floor; qualifying
// candidates are ranked by similarity × success × recency.
type Matcher struct {
	store    store.Store
	embedder Embedder
	cfg      config.MatcherConfig
}

// NewMatcher creates a Matcher.
func NewMatcher(st store.Store, embedder Embedder, cfg config.MatcherConfig) *Matcher {
	return &Matcher{store: st, embedder: embedder, cfg: cfg}
}

// Match returns the best qualifying pattern for the request text, or nil when
// nothing qualifies. An embedding failure disables matching for this request
// rather than failing it: the caller falls through to fresh tool selection.
func (m *Matcher) Match(ctx context.Context, requestText string) (*model.PatternMatch, error) {
	query, err := m.embedder.Embed(ctx, canonicalize(requestText))
	if err != nil {
		zap.L().Warn("request embedding unavailable, skipping pattern match",
			zap.Error(err))
		return nil, nil
	}

	candidates, err := m.store.ListPatternVectors(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pattern: list candidates")
	}

	now := time.Now().UTC()
	var best *model.PatternMatch
	for _, cand := range candidates {
		sim := cosineSimilarity(query, cand.Vector)
		if sim < m.cfg.SimilarityThreshold {
			continue
		}
		if cand.Pattern.SuccessScore < m.cfg.SuccessFloor {
			continue
		}
		composite := sim * cand.Pattern.SuccessScore * m.recencyWeight(cand.Pattern.LastUsedAt, now)
		if best == nil || composite > best.Composite {
			p := cand.Pattern
			best = &model.PatternMatch{Pattern: p, Similarity: sim, Composite: composite}
		}
	}
	return best, nil
}

// Save persists a new pattern together with its embedding. When the embedding
// cannot be produced the pattern is not stored: a pattern without a vector
// can never be matched, so storing it would only accumulate dead rows.
func (m *Matcher) Save(ctx context.Context, requestText string, intent model.IntentAnalysis, exec model.ExecutionConfig, initialScore float64, tags []string) (*model.Pattern, error) {
	vector, err := m.embedder.Embed(ctx, canonicalize(requestText))
	if err != nil {
		zap.L().Warn("pattern not stored, embedding unavailable", zap.Error(err))
		return nil, nil
	}

	now := time.Now().UTC()
	p := model.Pattern{
		ID:           uuid.New().String(),
		RequestText:  requestText,
		Intent:       intent,
		Execution:    exec,
		SuccessScore: clamp01(initialScore),
		ContextTags:  tags,
		CreatedAt:    now,
		LastUsedAt:   now,
	}
	emb := model.Embedding{
		PatternID: p.ID,
		Vector:    vector,
		Model:     m.embedder.Model(),
		CreatedAt: now,
	}
	if err := m.store.CreatePattern(ctx, p, emb); err != nil {
		return nil, eris.Wrap(err, "pattern: save")
	}
	return &p, nil
}

// RecordOutcome feeds an execution result back into the matched pattern. The
// success score moves toward 1 on success and toward 0 on failure by the
// configured blend factor.
func (m *Matcher) RecordOutcome(ctx context.Context, patternID string, success bool) error {
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	alpha := m.cfg.EMAAlpha
	if alpha <= 0 || alpha > 1 {
		alpha = 0.3
	}
	return m.store.RecordPatternOutcome(ctx, patternID, outcome, alpha, time.Now().UTC())
}

var foldCaser = cases.Fold()

// canonicalize casefolds and collapses whitespace so trivially different
// phrasings of the same request embed identically.
func canonicalize(text string) string {
	return foldCaser.String(strings.Join(strings.Fields(text), " "))
}

// recencyWeight halves per configured half-life since last use, never
// exceeding 1.
func (m *Matcher) recencyWeight(lastUsed, now time.Time) float64 {
	halfLife := float64(m.cfg.RecencyHalfLifeDays)
	if halfLife <= 0 {
		halfLife = 30
	}
	if lastUsed.IsZero() {
		return 1.0
	}
	ageDays := now.Sub(lastUsed).Hours() / 24
	if ageDays <= 0 {
		return 1.0
	}
	return math.Pow(2, -ageDays/halfLife)
}

// cosineSimilarity returns the cosine of the angle between two vectors, or 0
// for mismatched dimensions or zero-magnitude inputs.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
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
