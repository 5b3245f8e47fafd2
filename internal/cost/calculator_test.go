package cost

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testRates() Rates {
	return Rates{
		Jina:      JinaRate{PerMTok: 0.02},
		Firecrawl: FirecrawlRate{PlanMonthly: 19.0, CreditsIncluded: 3000},
	}
}

func TestJina(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())

	tests := []struct {
		name   string
		tokens int
		want   float64
	}{
		{"1M tokens", 1000000, 0.02},
		{"500K tokens", 500000, 0.01},
		{"zero tokens", 0, 0},
		{"small", 2150, 2150.0 / 1e6 * 0.02},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := calc.Jina(tt.tokens)
			assert.InDelta(t, tt.want, got, 0.0001)
		})
	}
}

func TestFirecrawlCredits(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())

	perCredit := 19.0 / 3000.0
	assert.InDelta(t, perCredit, calc.FirecrawlCredits(1), 0.0001)
	assert.InDelta(t, 10*perCredit, calc.FirecrawlCredits(10), 0.0001)
	assert.Zero(t, calc.FirecrawlCredits(0))

	empty := NewCalculator(Rates{})
	assert.Zero(t, empty.FirecrawlCredits(5))
}

func TestToolCall(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())

	tests := []struct {
		name         string
		tool         string
		tokens       int
		contentBytes int
		pages        int
		want         float64
	}{
		{"local tool is free", "local_http", 0, 40000, 1, 0},
		{"unknown tool is free", "mystery", 0, 40000, 1, 0},
		{"jina uses reported tokens", "jina", 250000, 400000, 1, 250000.0 / 1e6 * 0.02},
		{"jina estimates from content", "jina", 0, 400000, 1, 400000.0 / 4 / 1e6 * 0.02},
		{"firecrawl single page", "firecrawl", 0, 10000, 1, 19.0 / 3000.0},
		{"firecrawl crawl pages", "firecrawl", 0, 10000, 25, 25 * 19.0 / 3000.0},
		{"firecrawl zero pages counts one credit", "firecrawl", 0, 10000, 0, 19.0 / 3000.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := calc.ToolCall(tt.tool, tt.tokens, tt.contentBytes, tt.pages)
			assert.InDelta(t, tt.want, got, 0.0001)
		})
	}
}

func TestDefaultRates(t *testing.T) {
	t.Parallel()
	rates := DefaultRates()
	assert.InDelta(t, 0.02, rates.Jina.PerMTok, 0.001)
	assert.InDelta(t, 19.0, rates.Firecrawl.PlanMonthly, 0.001)
	assert.InDelta(t, 3000.0, rates.Firecrawl.CreditsIncluded, 0.001)
}
