package pattern

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/scrape-orchestrator/internal/config"
	"github.com/sells-group/scrape-orchestrator/internal/model"
	"github.com/sells-group/scrape-orchestrator/internal/store"
)

// fakeEmbedder returns canned vectors keyed by text.
type fakeEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{1, 0, 0}, nil
}

func (f *fakeEmbedder) Model() string { return "fake-embed" }

func testMatcherConfig() config.MatcherConfig {
	return config.MatcherConfig{
		SimilarityThreshold: 0.78,
		SuccessFloor:        0.4,
		EMAAlpha:            0.3,
		RecencyHalfLifeDays: 30,
	}
}

func newTestMatcher(t *testing.T, emb Embedder) (*Matcher, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "patterns.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() }) //nolint:errcheck

	return NewMatcher(st, emb, testMatcherConfig()), st
}

func saveTestPattern(t *testing.T, m *Matcher, text string, score float64) *model.Pattern {
	t.Helper()
	p, err := m.Save(context.Background(), text,
		model.IntentAnalysis{PrimaryIntent: model.IntentScrapePage, Confidence: 0.9},
		model.ExecutionConfig{Tool: "jina", JobType: model.JobTypeScrape},
		score, nil)
	require.NoError(t, err)
	require.NotNil(t, p)
	return p
}

func TestMatcher_MatchFindsSimilarRequest(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"scrape products from shop.example.com": {1, 0, 0},
		"scrape products from shop.example.org": {0.99, 0.1, 0},
	}}
	m, _ := newTestMatcher(t, emb)

	saveTestPattern(t, m, "scrape products from shop.example.com", 0.8)

	match, err := m.Match(context.Background(), "scrape products from shop.example.org")
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.Greater(t, match.Similarity, 0.78)
	assert.Equal(t, "jina", match.Pattern.Execution.Tool)
}

func TestMatcher_NoMatchBelowSimilarityThreshold(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"scrape products":      {1, 0, 0},
		"summarize a podcast":  {0, 1, 0},
	}}
	m, _ := newTestMatcher(t, emb)

	saveTestPattern(t, m, "scrape products", 0.9)

	match, err := m.Match(context.Background(), "summarize a podcast")
	require.NoError(t, err)
	assert.Nil(t, match)
}

func TestMatcher_NoMatchBelowSuccessFloor(t *testing.T) {
	emb := &fakeEmbedder{}
	m, _ := newTestMatcher(t, emb)

	// Identical vector, but success score under the floor.
	saveTestPattern(t, m, "scrape products", 0.2)

	match, err := m.Match(context.Background(), "scrape products")
	require.NoError(t, err)
	assert.Nil(t, match)
}

func TestMatcher_PrefersHigherComposite(t *testing.T) {
	emb := &fakeEmbedder{}
	m, _ := newTestMatcher(t, emb)

	saveTestPattern(t, m, "scrape products A", 0.5)
	strong := saveTestPattern(t, m, "scrape products B", 0.95)

	match, err := m.Match(context.Background(), "scrape products")
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.Equal(t, strong.ID, match.Pattern.ID)
}

func TestMatcher_EmbeddingFailureIsNonFatal(t *testing.T) {
	m, _ := newTestMatcher(t, &fakeEmbedder{err: eris.New("model offline")})

	match, err := m.Match(context.Background(), "anything")
	require.NoError(t, err)
	assert.Nil(t, match)

	p, err := m.Save(context.Background(), "anything",
		model.IntentAnalysis{}, model.ExecutionConfig{}, 0.5, nil)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestMatcher_RecordOutcomeMovesScore(t *testing.T) {
	emb := &fakeEmbedder{}
	m, st := newTestMatcher(t, emb)
	ctx := context.Background()

	p := saveTestPattern(t, m, "scrape products", 0.5)

	require.NoError(t, m.RecordOutcome(ctx, p.ID, true))
	got, err := st.GetPattern(ctx, p.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.65, got.SuccessScore, 1e-9)
	assert.Equal(t, 1, got.ReuseCount)

	require.NoError(t, m.RecordOutcome(ctx, p.ID, false))
	got, err = st.GetPattern(ctx, p.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.455, got.SuccessScore, 1e-9)
}

func TestMatcher_SaveClampsInitialScore(t *testing.T) {
	emb := &fakeEmbedder{}
	m, st := newTestMatcher(t, emb)

	p := saveTestPattern(t, m, "scrape products", 1.7)
	got, err := st.GetPattern(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.SuccessScore)
}

func TestRecencyWeight(t *testing.T) {
	m := &Matcher{cfg: testMatcherConfig()}
	now := time.Now().UTC()

	assert.Equal(t, 1.0, m.recencyWeight(now, now))
	assert.InDelta(t, 0.5, m.recencyWeight(now.Add(-30*24*time.Hour), now), 1e-6)
	assert.InDelta(t, 0.25, m.recencyWeight(now.Add(-60*24*time.Hour), now), 1e-6)
	assert.Equal(t, 1.0, m.recencyWeight(time.Time{}, now))
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1.0},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0.0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1.0},
		{"dimension mismatch", []float32{1, 0}, []float32{1, 0, 0}, 0.0},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, cosineSimilarity(tt.a, tt.b), 1e-9)
		})
	}
}

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Scrape  PRODUCTS from  Shop.Example.com", "scrape products from shop.example.com"},
		{"  already canonical  ", "already canonical"},
		{"tabs\tand\nnewlines", "tabs and newlines"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, canonicalize(tt.in))
	}
}
