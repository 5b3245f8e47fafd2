package model

import "time"

// IntentAnalysis is the distilled intent stored alongside a pattern. It is the
// minimal required shape a pattern writer must produce.
type IntentAnalysis struct {
	PrimaryIntent string         `json:"primary_intent"`
	Confidence    float64        `json:"confidence"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	Targets       []string       `json:"targets,omitempty"`
}

// ExecutionConfig captures how a request was executed so the execution can be
// replayed on a future match.
type ExecutionConfig struct {
	Tool       string         `json:"tool"`
	JobType    JobType        `json:"job_type"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Targets    []string       `json:"targets,omitempty"`
}

// Pattern is a previously successful request → execution pairing, retrievable
// by embedding similarity. Paired 1:1 with an Embedding; the two are created
// together and never updated independently.
type Pattern struct {
	ID           string          `json:"id"`
	RequestText  string          `json:"request_text"`
	Intent       IntentAnalysis  `json:"intent"`
	Execution    ExecutionConfig `json:"execution"`
	SuccessScore float64         `json:"success_score"`
	ReuseCount   int             `json:"reuse_count"`
	UserFeedback string          `json:"user_feedback,omitempty"`
	ContextTags  []string        `json:"context_tags,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	LastUsedAt   time.Time       `json:"last_used_at"`
}

// Embedding is the vector paired with a pattern for nearest-neighbor search.
type Embedding struct {
	PatternID string    `json:"pattern_id"`
	Vector    []float32 `json:"vector"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
}

// PatternMatch is the result of a nearest-neighbor lookup.
type PatternMatch struct {
	Pattern    Pattern `json:"pattern"`
	Similarity float64 `json:"similarity"`
	// Composite is similarity × success score × recency decay, used for
	// tie-breaking among qualifying candidates.
	Composite float64 `json:"composite"`
}
