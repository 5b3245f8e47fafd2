// Package model defines the core entities shared across the orchestrator:
// sessions, intents, jobs, learned patterns, tool selections, progress
// events, and page-analysis output.
package model

import (
	"encoding/json"
	"time"
)

// JobStatus represents the lifecycle state of an extraction job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal returns true for states that admit no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the state machine permits moving from s to next.
// pending → running → {completed | failed | cancelled}; pending may also be
// cancelled directly before a worker claims the job.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusRunning || next == JobStatusCancelled
	case JobStatusRunning:
		return next.Terminal()
	}
	return false
}

// JobType categorizes the work a job performs.
type JobType string

const (
	JobTypeScrape  JobType = "scrape"
	JobTypeCrawl   JobType = "crawl"
	JobTypeSearch  JobType = "search"
	JobTypeAnalyze JobType = "analyze"
)

// AllJobTypes lists every job type, in scheduling-priority order.
var AllJobTypes = []JobType{JobTypeScrape, JobTypeCrawl, JobTypeSearch, JobTypeAnalyze}

// Job is a single unit of scheduled extraction work. Mutated only by the
// claiming worker and the scheduler's timeout/cancel paths.
type Job struct {
	ID                string          `json:"id"`
	SessionID         string          `json:"session_id"`
	Type              JobType         `json:"type"`
	Target            string          `json:"target"`
	Parameters        map[string]any  `json:"parameters,omitempty"`
	Status            JobStatus       `json:"status"`
	Progress          float64         `json:"progress"`
	Result            json.RawMessage `json:"result,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	EstimatedDuration time.Duration   `json:"estimated_duration"`
	CreatedAt         time.Time       `json:"created_at"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
}

// JobResult is the structured payload written on completion.
type JobResult struct {
	Tool       string `json:"tool"`
	Content    string `json:"content"`
	Title      string `json:"title,omitempty"`
	URL        string `json:"url"`
	StatusCode int    `json:"status_code,omitempty"`
	AnalysisID string `json:"analysis_id,omitempty"`
	Attempts   int    `json:"attempts"`
	DurationMs int64  `json:"duration_ms"`
}
