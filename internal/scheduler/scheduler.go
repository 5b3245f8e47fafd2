// Package scheduler queues extraction jobs and runs them on a bounded
// worker pool with retries, timeouts, and cooperative cancellation.
package scheduler

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/scrape-orchestrator/internal/config"
	"github.com/sells-group/scrape-orchestrator/internal/model"
	"github.com/sells-group/scrape-orchestrator/internal/progress"
	"github.com/sells-group/scrape-orchestrator/internal/resilience"
	"github.com/sells-group/scrape-orchestrator/internal/store"
)

// Default duration estimates per job type, used when the caller does not
// supply one. The wall-clock budget is the estimate times the configured
// timeout factor.
var defaultEstimates = map[model.JobType]time.Duration{
	model.JobTypeScrape:  15 * time.Second,
	model.JobTypeCrawl:   2 * time.Minute,
	model.JobTypeSearch:  20 * time.Second,
	model.JobTypeAnalyze: 20 * time.Second,
}

// Scheduler accepts, lists, and cancels jobs. Execution belongs to the
// WorkerPool; the two share the store as the source of truth.
type Scheduler struct {
	store store.Store
	bus   *progress.Bus
	cfg   config.SchedulerConfig
	pool  *WorkerPool
}

// NewScheduler creates a Scheduler.
func NewScheduler(st store.Store, bus *progress.Bus, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{store: st, bus: bus, cfg: cfg}
}

// AttachPool lets Cancel reach jobs already claimed by a local worker.
func (s *Scheduler) AttachPool(pool *WorkerPool) {
	s.pool = pool
}

// Submit validates a request and persists it as a pending job. Nothing is
// written when validation fails.
func (s *Scheduler) Submit(ctx context.Context, sessionID string, jobType model.JobType, target string, params map[string]any) (*model.Job, error) {
	if sessionID == "" {
		return nil, resilience.NewValidationError("session_id", "required")
	}
	if err := validateTarget(jobType, target); err != nil {
		return nil, err
	}

	estimate := defaultEstimates[jobType]
	if secs := floatParam(params, "estimated_duration_secs"); secs > 0 {
		estimate = time.Duration(secs * float64(time.Second))
	}

	job := model.Job{
		ID:                uuid.New().String(),
		SessionID:         sessionID,
		Type:              jobType,
		Target:            strings.TrimSpace(target),
		Parameters:        params,
		Status:            model.JobStatusPending,
		EstimatedDuration: estimate,
		CreatedAt:         time.Now().UTC(),
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, eris.Wrap(err, "scheduler: persist job")
	}

	s.bus.Publish(ctx, model.ProgressEvent{
		SessionID: sessionID,
		TaskID:    job.ID,
		TaskName:  string(jobType),
		Type:      model.EventStatus,
		Progress:  0,
		Message:   "queued",
	})
	return &job, nil
}

// Cancel stops a job. Pending jobs are cancelled in the store; running jobs
// additionally have their in-flight execution interrupted when this process
// owns them. Returns false when the job is already terminal or unknown.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) (bool, error) {
	cancelled, err := s.store.CancelJob(ctx, jobID, time.Now().UTC())
	if err != nil {
		return false, eris.Wrapf(err, "scheduler: cancel job %s", jobID)
	}
	if !cancelled {
		return false, nil
	}

	if s.pool != nil {
		s.pool.interrupt(jobID)
	}

	job, err := s.store.GetJob(ctx, jobID)
	if err == nil {
		s.bus.Publish(ctx, model.ProgressEvent{
			SessionID: job.SessionID,
			TaskID:    jobID,
			TaskName:  string(job.Type),
			Type:      model.EventStatus,
			Progress:  job.Progress,
			Message:   "cancelled",
		})
	}
	return true, nil
}

// Get returns a job by ID.
func (s *Scheduler) Get(ctx context.Context, jobID string) (*model.Job, error) {
	return s.store.GetJob(ctx, jobID)
}

// List returns jobs matching the filter.
func (s *Scheduler) List(ctx context.Context, filter store.JobFilter) ([]model.Job, error) {
	return s.store.ListJobs(ctx, filter)
}

// validateTarget checks the target by job type. URL-shaped types need a
// well-formed absolute http(s) URL; search needs a non-empty query.
func validateTarget(jobType model.JobType, target string) error {
	target = strings.TrimSpace(target)
	if target == "" {
		return resilience.NewValidationError("target", "required")
	}

	switch jobType {
	case model.JobTypeScrape, model.JobTypeCrawl, model.JobTypeAnalyze:
		u, err := url.Parse(target)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return resilience.NewValidationError("target", "must be an absolute http(s) URL")
		}
	case model.JobTypeSearch:
		// Any non-empty query is acceptable.
	default:
		return resilience.NewValidationError("type", "unknown job type")
	}
	return nil
}

func floatParam(params map[string]any, key string) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}
