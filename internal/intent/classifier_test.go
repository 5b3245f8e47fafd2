package intent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/scrape-orchestrator/internal/config"
	"github.com/sells-group/scrape-orchestrator/internal/model"
	"github.com/sells-group/scrape-orchestrator/internal/resilience"
)

type fakeCompleter struct {
	response string
	err      error
	gotUser  string
}

func (f *fakeCompleter) CompleteJSON(_ context.Context, _, user string) (string, error) {
	f.gotUser = user
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func testIntentConfig() config.IntentConfig {
	return config.IntentConfig{
		Provider:    "ollama",
		Model:       "qwen3:4b",
		TimeoutSecs: 5,
		MaxRequest:  10_000,
		MinConf:     0.6,
	}
}

func TestClassify_Success(t *testing.T) {
	fake := &fakeCompleter{response: `{
		"primary_intent": "crawl_site",
		"confidence": 0.92,
		"parameters": {"depth": 2},
		"targets": ["https://example.com"],
		"needs_clarification": false,
		"reasoning": "user asked to crawl the whole site"
	}`}
	c := NewClassifier(fake, testIntentConfig())

	rec, err := c.Classify(context.Background(), "sess-1", "msg-1", "crawl example.com for product listings")
	require.NoError(t, err)
	assert.Equal(t, model.IntentCrawlSite, rec.PrimaryIntent)
	assert.InDelta(t, 0.92, rec.Confidence, 1e-9)
	assert.Equal(t, []string{"https://example.com"}, rec.Targets)
	assert.False(t, rec.NeedsClarification)
	assert.Equal(t, "sess-1", rec.SessionID)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "crawl example.com for product listings", fake.gotUser)
}

func TestClassify_EmptyRequest(t *testing.T) {
	c := NewClassifier(&fakeCompleter{}, testIntentConfig())

	_, err := c.Classify(context.Background(), "s", "m", "   ")
	var verr *resilience.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "request", verr.Field)
}

func TestClassify_RequestTooLong(t *testing.T) {
	cfg := testIntentConfig()
	cfg.MaxRequest = 10
	c := NewClassifier(&fakeCompleter{}, cfg)

	_, err := c.Classify(context.Background(), "s", "m", strings.Repeat("x", 11))
	var verr *resilience.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestClassify_CompleterFailureIsNonFatal(t *testing.T) {
	fake := &fakeCompleter{err: errors.New("connection refused")}
	c := NewClassifier(fake, testIntentConfig())

	rec, err := c.Classify(context.Background(), "s", "m", "scrape this page")
	require.NoError(t, err)
	assert.Equal(t, model.IntentScrapePage, rec.PrimaryIntent)
	assert.True(t, rec.NeedsClarification)
	assert.Zero(t, rec.Confidence)
}

func TestClassify_MalformedJSONIsNonFatal(t *testing.T) {
	fake := &fakeCompleter{response: "I think the user wants to scrape a page."}
	c := NewClassifier(fake, testIntentConfig())

	rec, err := c.Classify(context.Background(), "s", "m", "scrape this page")
	require.NoError(t, err)
	assert.True(t, rec.NeedsClarification)
}

func TestClassify_FencedJSONAccepted(t *testing.T) {
	fake := &fakeCompleter{response: "```json\n{\"primary_intent\": \"search_web\", \"confidence\": 0.8, \"needs_clarification\": false}\n```"}
	c := NewClassifier(fake, testIntentConfig())

	rec, err := c.Classify(context.Background(), "s", "m", "find pricing pages for CRM vendors")
	require.NoError(t, err)
	assert.Equal(t, model.IntentSearchWeb, rec.PrimaryIntent)
	assert.False(t, rec.NeedsClarification)
}

func TestClassify_LowConfidenceFlagsClarification(t *testing.T) {
	fake := &fakeCompleter{response: `{"primary_intent": "scrape_page", "confidence": 0.3, "needs_clarification": false}`}
	c := NewClassifier(fake, testIntentConfig())

	rec, err := c.Classify(context.Background(), "s", "m", "do the thing")
	require.NoError(t, err)
	assert.True(t, rec.NeedsClarification)
}

func TestClassify_UnknownLabelFallsBack(t *testing.T) {
	fake := &fakeCompleter{response: `{"primary_intent": "summarize_page", "confidence": 0.9, "needs_clarification": false}`}
	c := NewClassifier(fake, testIntentConfig())

	rec, err := c.Classify(context.Background(), "s", "m", "summarize example.com")
	require.NoError(t, err)
	assert.Equal(t, model.IntentScrapePage, rec.PrimaryIntent)
}

func TestClassify_ConfidenceClamped(t *testing.T) {
	fake := &fakeCompleter{response: `{"primary_intent": "extract_data", "confidence": 1.7, "needs_clarification": false}`}
	c := NewClassifier(fake, testIntentConfig())

	rec, err := c.Classify(context.Background(), "s", "m", "extract the table from this HTML")
	require.NoError(t, err)
	assert.Equal(t, 1.0, rec.Confidence)
}
