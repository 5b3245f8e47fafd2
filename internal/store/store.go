package store

import (
	"context"
	"time"

	"github.com/sells-group/scrape-orchestrator/internal/model"
)

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	SessionID string          `json:"session_id,omitempty"`
	Status    model.JobStatus `json:"status,omitempty"`
	Limit     int             `json:"limit,omitempty"`
	Offset    int             `json:"offset,omitempty"`
}

// PatternVector pairs a pattern with its embedding for nearest-neighbor search.
type PatternVector struct {
	Pattern model.Pattern
	Vector  []float32
}

// PurgeResult reports rows removed per table by a maintenance purge.
type PurgeResult struct {
	Jobs           int `json:"jobs"`
	ProgressEvents int `json:"progress_events"`
	ToolSamples    int `json:"tool_samples"`
}

// Total returns the total rows removed.
func (r PurgeResult) Total() int {
	return r.Jobs + r.ProgressEvents + r.ToolSamples
}

// Store defines the persistence interface for the orchestrator.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, externalKey string, sessionContext map[string]any) (*model.Session, error)
	GetSession(ctx context.Context, id string) (*model.Session, error)
	GetSessionByKey(ctx context.Context, externalKey string) (*model.Session, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
	RecordSessionOutcome(ctx context.Context, id string, success bool) error
	EvictIdleSessions(ctx context.Context, idleBefore time.Time) (int, error)

	// Intents
	CreateIntent(ctx context.Context, rec model.IntentRecord) error

	// Jobs
	CreateJob(ctx context.Context, job model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error)
	NextPendingJobs(ctx context.Context, limit int) ([]model.Job, error)
	// ClaimJob atomically moves a pending job to running. Returns false if
	// the job was already claimed, cancelled, or does not exist.
	ClaimJob(ctx context.Context, id string, at time.Time) (bool, error)
	// UpdateJobProgress applies a progress value only while the job is
	// running and only if it does not regress.
	UpdateJobProgress(ctx context.Context, id string, progress float64) error
	CompleteJob(ctx context.Context, id string, result []byte, at time.Time) error
	FailJob(ctx context.Context, id string, errMsg string, at time.Time) error
	CancelJob(ctx context.Context, id string, at time.Time) (bool, error)

	// Patterns
	CreatePattern(ctx context.Context, p model.Pattern, emb model.Embedding) error
	GetPattern(ctx context.Context, id string) (*model.Pattern, error)
	ListPatternVectors(ctx context.Context) ([]PatternVector, error)
	ListPatternsByTag(ctx context.Context, tag string) ([]model.Pattern, error)
	// RecordPatternOutcome atomically increments reuse_count and blends the
	// success score: score ← score + alpha×(outcome − score). Concurrent
	// calls for the same pattern must all be applied.
	RecordPatternOutcome(ctx context.Context, id string, outcome, alpha float64, at time.Time) error

	// Tool selections and performance
	CreateToolSelection(ctx context.Context, sel model.ToolSelection) error
	CreateToolSample(ctx context.Context, sample model.ToolPerformanceSample) error
	ToolPerformanceSince(ctx context.Context, since time.Time) ([]model.ToolPerformance, error)

	// Progress events
	AppendProgressEvent(ctx context.Context, ev model.ProgressEvent) error
	ListProgressEvents(ctx context.Context, taskID string) ([]model.ProgressEvent, error)

	// Page analyses
	CreateAnalysis(ctx context.Context, a *model.PageAnalysis) error
	GetAnalysis(ctx context.Context, id string) (*model.PageAnalysis, error)

	// Analytics
	SessionDailyStats(ctx context.Context, since time.Time) ([]model.SessionDailyStat, error)
	ToolDailyStats(ctx context.Context, since time.Time) ([]model.ToolDailyStat, error)

	// Maintenance
	PurgeBefore(ctx context.Context, cutoff time.Time) (PurgeResult, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
