// Package cost estimates per-call spend for the paid extraction tools so
// tool samples and daily stats carry a dollar figure alongside latency.
package cost

// readerCharsPerToken approximates token counts from reader output length.
const readerCharsPerToken = 4

// Rates holds per-provider pricing configuration.
type Rates struct {
	Jina      JinaRate      `yaml:"jina" mapstructure:"jina"`
	Firecrawl FirecrawlRate `yaml:"firecrawl" mapstructure:"firecrawl"`
}

// JinaRate holds Jina Reader pricing.
type JinaRate struct {
	PerMTok float64 `yaml:"per_mtok" mapstructure:"per_mtok"`
}

// FirecrawlRate holds Firecrawl plan pricing. Per-credit cost is derived
// from the monthly plan price and its included credits.
type FirecrawlRate struct {
	PlanMonthly     float64 `yaml:"plan_monthly" mapstructure:"plan_monthly"`
	CreditsIncluded float64 `yaml:"credits_included" mapstructure:"credits_included"`
}

// Calculator computes estimated costs for tool API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Jina computes the cost for Jina Reader token usage.
func (c *Calculator) Jina(tokens int) float64 {
	return (float64(tokens) / 1e6) * c.rates.Jina.PerMTok
}

// FirecrawlCredits computes the cost of the given number of Firecrawl
// credits. One page scraped is one credit.
func (c *Calculator) FirecrawlCredits(credits int) float64 {
	if c.rates.Firecrawl.CreditsIncluded <= 0 {
		return 0
	}
	perCredit := c.rates.Firecrawl.PlanMonthly / c.rates.Firecrawl.CreditsIncluded
	return float64(credits) * perCredit
}

// ToolCall estimates the cost of one tool invocation. When the upstream
// reported its own token count that is used directly; otherwise tokens are
// approximated from content size. Tools without metered pricing cost nothing.
func (c *Calculator) ToolCall(tool string, tokens, contentBytes, pages int) float64 {
	switch tool {
	case "jina":
		if tokens <= 0 {
			tokens = contentBytes / readerCharsPerToken
		}
		return c.Jina(tokens)
	case "firecrawl":
		if pages < 1 {
			pages = 1
		}
		return c.FirecrawlCredits(pages)
	default:
		return 0
	}
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Jina:      JinaRate{PerMTok: 0.02},
		Firecrawl: FirecrawlRate{PlanMonthly: 19.00, CreditsIncluded: 3000},
	}
}
