package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/scrape-orchestrator/internal/config"
	"github.com/sells-group/scrape-orchestrator/internal/model"
)

func testDetectorConfig() config.DetectorConfig {
	return config.DetectorConfig{
		ConsistencyThreshold: 0.7,
		MinRepeat:            2,
		MaxFallbacks:         3,
	}
}

const listingPage = `<html><body><div class="results">
<div class="item"><h3>Widget A</h3><a href="/a">view</a><span class="price">$19.99</span></div>
<div class="item"><h3>Widget B</h3><a href="/b">view</a><span class="price">$24.50</span></div>
<div class="item"><h3>Widget C</h3><a href="/c">view</a><span class="price">$5.00</span></div>
<div class="item"><h3>Widget D</h3><a href="/d">view</a><span class="price">$12.00</span></div>
<div class="item"><h3>Widget E</h3><a href="/e">view</a><span class="price">$7.25</span></div>
</div></body></html>`

func TestAnalyze_ListingPage(t *testing.T) {
	d := NewDetector(testDetectorConfig())
	analysis := d.Analyze([]byte(listingPage), "https://shop.example/widgets")

	require.NotEmpty(t, analysis.Patterns)
	p := analysis.Patterns[0]
	assert.Equal(t, 5, p.RepeatCount)
	assert.Equal(t, 1.0, p.ConsistencyScore)
	assert.Equal(t, "div.results > div.item", p.Selector)
	assert.NotEmpty(t, p.Signature)

	require.NotEmpty(t, analysis.Schemas)
	assert.Equal(t, model.ContentTypeListing, analysis.Schemas[0].Type)
	assert.Equal(t, model.ContentTypeListing, analysis.ContentType)

	assert.Contains(t, analysis.Schemas[0].Fields, "title")
	assert.Contains(t, analysis.Schemas[0].Fields, "url")
	assert.Contains(t, analysis.Schemas[0].Fields, "price")

	assert.Equal(t, len(analysis.Schemas), analysis.SchemaCount)
	assert.Equal(t, len(analysis.Patterns), analysis.PatternCount)
	assert.Equal(t, len(analysis.Rules), analysis.RuleCount)
}

func TestAnalyze_ConsistencyScore(t *testing.T) {
	// 3 matching shapes out of 5 children: consistency 0.6, below the 0.7
	// threshold, so no pattern qualifies.
	page := `<html><body><div class="results">
<div class="item"><h3>A</h3></div>
<div class="item"><h3>B</h3></div>
<div class="item"><h3>C</h3></div>
<div class="ad"><span>sponsored</span></div>
<p>footnote</p>
</div></body></html>`

	d := NewDetector(testDetectorConfig())
	analysis := d.Analyze([]byte(page), "https://example.com")
	assert.Empty(t, analysis.Patterns)
	assert.Equal(t, model.ContentTypeUnknown, analysis.ContentType)

	// Lowering the threshold admits the same group at 0.6.
	cfg := testDetectorConfig()
	cfg.ConsistencyThreshold = 0.5
	loose := NewDetector(cfg)
	analysis = loose.Analyze([]byte(page), "https://example.com")
	require.NotEmpty(t, analysis.Patterns)
	assert.Equal(t, 3, analysis.Patterns[0].RepeatCount)
	assert.InDelta(t, 0.6, analysis.Patterns[0].ConsistencyScore, 1e-9)
}

func TestAnalyze_PerfectGroupScoresOne(t *testing.T) {
	page := `<html><body><ul>
<li><a href="/1">one</a></li>
<li><a href="/2">two</a></li>
<li><a href="/3">three</a></li>
<li><a href="/4">four</a></li>
<li><a href="/5">five</a></li>
</ul></body></html>`

	d := NewDetector(testDetectorConfig())
	analysis := d.Analyze([]byte(page), "https://example.com")
	require.NotEmpty(t, analysis.Patterns)
	assert.Equal(t, 1.0, analysis.Patterns[0].ConsistencyScore)
	assert.Equal(t, model.ContentTypeNavList, analysis.ContentType)
}

func TestAnalyze_TablePage(t *testing.T) {
	page := `<html><body><table><tbody>
<tr><td>Acme</td><td>120</td></tr>
<tr><td>Globex</td><td>80</td></tr>
<tr><td>Initech</td><td>45</td></tr>
</tbody></table></body></html>`

	d := NewDetector(testDetectorConfig())
	analysis := d.Analyze([]byte(page), "https://example.com")
	require.NotEmpty(t, analysis.Schemas)
	assert.Equal(t, model.ContentTypeTable, analysis.ContentType)
}

func TestAnalyze_NoStructure(t *testing.T) {
	d := NewDetector(testDetectorConfig())
	analysis := d.Analyze([]byte("<html><body><p>just one paragraph</p></body></html>"), "https://example.com")

	assert.Empty(t, analysis.Schemas)
	assert.Empty(t, analysis.Patterns)
	assert.Empty(t, analysis.Rules)
	assert.Equal(t, model.ContentTypeUnknown, analysis.ContentType)
	assert.NotEmpty(t, analysis.Note)
}

func TestAnalyze_EmptyContent(t *testing.T) {
	d := NewDetector(testDetectorConfig())
	analysis := d.Analyze(nil, "https://example.com")
	assert.Equal(t, model.ContentTypeUnknown, analysis.ContentType)
	assert.NotEmpty(t, analysis.Note)
}

func TestAnalyze_ConfidenceBounds(t *testing.T) {
	d := NewDetector(testDetectorConfig())
	analysis := d.Analyze([]byte(listingPage), "https://example.com")

	assert.LessOrEqual(t, analysis.Confidence, 1.0)
	for _, s := range analysis.Schemas {
		assert.LessOrEqual(t, s.Confidence, analysis.Confidence)
		assert.GreaterOrEqual(t, s.Confidence, 0.0)
	}
	maxSchema := 0.0
	for _, s := range analysis.Schemas {
		if s.Confidence > maxSchema {
			maxSchema = s.Confidence
		}
	}
	for _, r := range analysis.Rules {
		assert.LessOrEqual(t, r.Confidence, maxSchema)
		assert.GreaterOrEqual(t, r.Confidence, 0.0)
	}
}

func TestAnalyze_RuleFallbacks(t *testing.T) {
	d := NewDetector(testDetectorConfig())
	analysis := d.Analyze([]byte(listingPage), "https://example.com")

	require.NotEmpty(t, analysis.Rules)
	for _, r := range analysis.Rules {
		assert.NotEmpty(t, r.Selector)
		assert.NotEmpty(t, r.FallbackSelectors)
		assert.LessOrEqual(t, len(r.FallbackSelectors), testDetectorConfig().MaxFallbacks)
		assert.NotEmpty(t, r.ValidationRules)
		assert.NotEmpty(t, r.TransformRules)
	}

	var price *model.ExtractionRule
	for i := range analysis.Rules {
		if analysis.Rules[i].Field == "price" {
			price = &analysis.Rules[i]
		}
	}
	require.NotNil(t, price)
	assert.Equal(t, model.DataTypeCurrency, price.DataType)
	assert.Equal(t, []string{"strip-currency-symbol", "parse-decimal"}, price.TransformRules)
}

func TestAnalyze_Deterministic(t *testing.T) {
	d := NewDetector(testDetectorConfig())

	first := d.Analyze([]byte(listingPage), "https://example.com")
	second := d.Analyze([]byte(listingPage), "https://example.com")

	assert.Equal(t, first, second)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestAnalyze_NestedGroupsCollapse(t *testing.T) {
	// The inner spans repeat inside every card; only the outer card group
	// should survive.
	page := `<html><body><div class="grid">
<div class="card"><h3>A</h3><span>x</span><span>y</span><span>z</span></div>
<div class="card"><h3>B</h3><span>x</span><span>y</span><span>z</span></div>
<div class="card"><h3>C</h3><span>x</span><span>y</span><span>z</span></div>
</div></body></html>`

	d := NewDetector(testDetectorConfig())
	analysis := d.Analyze([]byte(page), "https://example.com")
	require.Len(t, analysis.Patterns, 1)
	assert.Equal(t, "div.grid > div.card", analysis.Patterns[0].Selector)
}
