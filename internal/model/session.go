package model

import "time"

// Session tracks one conversational requester across multiple messages and
// jobs. Owned by the orchestrator for its lifetime; evicted after inactivity.
type Session struct {
	ID             string         `json:"id"`
	ExternalKey    string         `json:"external_key"`
	Context        map[string]any `json:"context,omitempty"`
	MessageCount   int            `json:"message_count"`
	SuccessRate    float64        `json:"success_rate"`
	CreatedAt      time.Time      `json:"created_at"`
	LastActivityAt time.Time      `json:"last_activity_at"`
}

// IntentRecord is the structured classification of a single user message.
// Immutable once created.
type IntentRecord struct {
	ID                 string         `json:"id"`
	SessionID          string         `json:"session_id"`
	MessageID          string         `json:"message_id"`
	PrimaryIntent      string         `json:"primary_intent"`
	Confidence         float64        `json:"confidence"`
	Parameters         map[string]any `json:"parameters,omitempty"`
	Targets            []string       `json:"targets,omitempty"`
	NeedsClarification bool           `json:"needs_clarification"`
	Reasoning          string         `json:"reasoning,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}

// Known primary intent labels. The classifier may emit others; unknown labels
// route through the default-heuristic strategy.
const (
	IntentScrapePage    = "scrape_page"
	IntentCrawlSite     = "crawl_site"
	IntentSearchWeb     = "search_web"
	IntentExtractData   = "extract_data"
	IntentMonitorChange = "monitor_change"
)
