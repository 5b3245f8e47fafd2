package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/scrape-orchestrator/internal/config"
	"github.com/sells-group/scrape-orchestrator/internal/model"
	"github.com/sells-group/scrape-orchestrator/internal/pattern"
	"github.com/sells-group/scrape-orchestrator/internal/progress"
	"github.com/sells-group/scrape-orchestrator/internal/resilience"
	"github.com/sells-group/scrape-orchestrator/internal/schema"
	"github.com/sells-group/scrape-orchestrator/internal/store"
	"github.com/sells-group/scrape-orchestrator/internal/tools"
)

const defaultPollInterval = 500 * time.Millisecond

// WorkerPool claims pending jobs and executes them on a fixed number of
// workers. Each execution gets a wall-clock budget, bounded retries, and a
// per-tool rate limit; progress flows out through the bus.
type WorkerPool struct {
	store    store.Store
	bus      *progress.Bus
	registry *tools.Registry
	selector *tools.Selector
	tracker  *tools.PerformanceTracker
	matcher  *pattern.Matcher
	detector *schema.Detector
	cfg      config.SchedulerConfig

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	runMu   sync.Mutex
	running map[string]context.CancelFunc

	pollInterval time.Duration
}

// NewWorkerPool creates a WorkerPool. Defaults are applied for unset tuning
// values.
func NewWorkerPool(st store.Store, bus *progress.Bus, reg *tools.Registry, sel *tools.Selector, tracker *tools.PerformanceTracker, cfg config.SchedulerConfig) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.TimeoutFactor <= 0 {
		cfg.TimeoutFactor = 2.0
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.ToolRatePerSecond <= 0 {
		cfg.ToolRatePerSecond = 5
	}
	return &WorkerPool{
		store:        st,
		bus:          bus,
		registry:     reg,
		selector:     sel,
		tracker:      tracker,
		cfg:          cfg,
		limiters:     make(map[string]*rate.Limiter),
		running:      make(map[string]context.CancelFunc),
		pollInterval: defaultPollInterval,
	}
}

// WithLearning enables pattern outcome recording after each job.
func (p *WorkerPool) WithLearning(m *pattern.Matcher) *WorkerPool {
	p.matcher = m
	return p
}

// WithDetector enables schema detection on fetched content.
func (p *WorkerPool) WithDetector(d *schema.Detector) *WorkerPool {
	p.detector = d
	return p
}

// Run claims and executes jobs until ctx is cancelled. It blocks; callers
// run it in a goroutine or as the main loop of a worker process.
func (p *WorkerPool) Run(ctx context.Context) error {
	jobs := make(chan model.Job, p.cfg.QueueSize)

	g, gCtx := errgroup.WithContext(ctx)
	for range p.cfg.MaxWorkers {
		g.Go(func() error {
			for job := range jobs {
				p.claimAndExecute(gCtx, job)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(jobs)
		ticker := time.NewTicker(p.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gCtx.Done():
				return nil
			case <-ticker.C:
			}
			p.dispatch(gCtx, jobs)
		}
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// dispatch fans pending jobs out to the workers. Jobs stay pending until a
// worker claims them, so queued work survives a shutdown and a job is only
// ever running while a worker holds it.
func (p *WorkerPool) dispatch(ctx context.Context, jobs chan<- model.Job) {
	pending, err := p.store.NextPendingJobs(ctx, p.cfg.QueueSize)
	if err != nil {
		if ctx.Err() == nil {
			zap.L().Warn("pending job poll failed", zap.Error(err))
		}
		return
	}

	for _, job := range pending {
		select {
		case jobs <- job:
		case <-ctx.Done():
			return
		}
	}
}

// claimAndExecute flips the job from pending to running right before
// executing it. The claim is a conditional update, so a job enqueued twice
// across poll ticks, or seen by a concurrent pool, runs at most once.
func (p *WorkerPool) claimAndExecute(ctx context.Context, job model.Job) {
	now := time.Now().UTC()
	claimed, err := p.store.ClaimJob(ctx, job.ID, now)
	if err != nil {
		if ctx.Err() == nil {
			zap.L().Warn("job claim failed", zap.String("job_id", job.ID), zap.Error(err))
		}
		return
	}
	if !claimed {
		return
	}
	job.Status = model.JobStatusRunning
	job.StartedAt = &now
	p.execute(ctx, job)
}

// interrupt cancels a job's in-flight execution if this pool is running it.
func (p *WorkerPool) interrupt(jobID string) {
	p.runMu.Lock()
	cancel, ok := p.running[jobID]
	p.runMu.Unlock()
	if ok {
		cancel()
	}
}

func (p *WorkerPool) trackRunning(jobID string, cancel context.CancelFunc) {
	p.runMu.Lock()
	p.running[jobID] = cancel
	p.runMu.Unlock()
}

func (p *WorkerPool) untrackRunning(jobID string) {
	p.runMu.Lock()
	delete(p.running, jobID)
	p.runMu.Unlock()
}

// limiterFor returns the shared rate limiter for a tool.
func (p *WorkerPool) limiterFor(tool string) *rate.Limiter {
	p.limMu.Lock()
	defer p.limMu.Unlock()
	lim, ok := p.limiters[tool]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(p.cfg.ToolRatePerSecond), 1)
		p.limiters[tool] = lim
	}
	return lim
}

// execute runs one claimed job end to end: resolve the tool, respect its
// rate limit, invoke with retries inside the wall-clock budget, then record
// the terminal state and everything learned from it.
func (p *WorkerPool) execute(ctx context.Context, job model.Job) {
	// Terminal writes must land even when the job context is already dead.
	bg := context.WithoutCancel(ctx)

	estimate := job.EstimatedDuration
	if estimate <= 0 {
		estimate = defaultEstimates[job.Type]
	}
	budget := time.Duration(float64(estimate) * p.cfg.TimeoutFactor)

	jobCtx, cancel := context.WithTimeout(ctx, budget)
	p.trackRunning(job.ID, cancel)
	defer p.untrackRunning(job.ID)
	defer cancel()

	p.publish(bg, job, model.EventStatus, 0.0, "started")

	toolName, tool, err := p.resolveTool(jobCtx, job)
	if err != nil {
		p.fail(bg, job, err.Error())
		p.learn(bg, job, "", false)
		return
	}

	if err := p.limiterFor(toolName).Wait(jobCtx); err != nil {
		p.finishError(bg, job, toolName, 0, budget, err)
		return
	}

	report := func(stage string, frac float64, detail string) {
		scaled := 0.05 + 0.9*frac
		if scaled > 0.95 {
			scaled = 0.95
		}
		if err := p.store.UpdateJobProgress(jobCtx, job.ID, scaled); err != nil {
			zap.L().Debug("progress update skipped", zap.String("job_id", job.ID), zap.Error(err))
		}
		p.publish(bg, job, model.EventProgress, scaled, stage+": "+detail)
	}

	started := time.Now()
	attempts := 0
	out, err := resilience.DoVal(jobCtx, p.retryConfig(job), func(ctx context.Context) (*tools.Output, error) {
		attempts++
		t0 := time.Now()
		out, execErr := tool.Execute(ctx, tools.Request{
			JobID:      job.ID,
			Type:       job.Type,
			Target:     job.Target,
			Parameters: job.Parameters,
		}, report)
		p.tracker.Record(bg, job.SessionID, toolName, time.Since(t0), out, execErr)
		return out, execErr
	})
	if err != nil {
		p.finishError(bg, job, toolName, attempts, budget, err)
		return
	}

	p.finishSuccess(bg, job, toolName, attempts, time.Since(started), out)
}

func (p *WorkerPool) retryConfig(job model.Job) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    p.cfg.MaxAttempts,
		InitialBackoff: 200 * time.Millisecond,
		ShouldRetry: func(err error) bool {
			return !errors.Is(err, resilience.ErrCircuitOpen)
		},
		OnRetry: func(attempt int, err error) {
			zap.L().Debug("job attempt failed, retrying",
				zap.String("job_id", job.ID),
				zap.Int("attempt", attempt),
				zap.Error(err))
		},
	}
}

// resolveTool picks the tool for a job: an explicit choice in the job
// parameters wins, otherwise the selector decides.
func (p *WorkerPool) resolveTool(ctx context.Context, job model.Job) (string, tools.Tool, error) {
	if name, ok := job.Parameters["tool"].(string); ok && name != "" {
		t, err := p.registry.Get(name)
		if err == nil {
			return name, t, nil
		}
		zap.L().Warn("requested tool unavailable, reselecting",
			zap.String("job_id", job.ID),
			zap.String("tool", name))
	}

	sel, err := p.selector.Choose(ctx, job.SessionID, job.Type, nil)
	if err != nil {
		return "", nil, err
	}
	t, err := p.registry.Get(sel.PrimaryTool)
	if err != nil {
		return "", nil, err
	}
	return sel.PrimaryTool, t, nil
}

// finishError classifies a failed execution and records the terminal state.
// A job cancelled mid-flight was already moved to cancelled by the store, so
// only an event is emitted for it.
func (p *WorkerPool) finishError(ctx context.Context, job model.Job, toolName string, attempts int, budget time.Duration, execErr error) {
	current, lookupErr := p.store.GetJob(ctx, job.ID)
	if lookupErr == nil && current.Status == model.JobStatusCancelled {
		p.publish(ctx, job, model.EventStatus, current.Progress, "cancelled")
		return
	}

	var msg string
	switch {
	case errors.Is(execErr, context.DeadlineExceeded):
		terr := &resilience.TimeoutError{JobID: job.ID, Budget: budget}
		msg = terr.Error()
	case errors.Is(execErr, context.Canceled):
		msg = "execution interrupted"
	default:
		terr := &resilience.ToolExecutionError{Tool: toolName, Attempts: attempts, Err: execErr}
		msg = terr.Error()
	}

	p.fail(ctx, job, msg)
	p.learn(ctx, job, toolName, false)
}

func (p *WorkerPool) fail(ctx context.Context, job model.Job, msg string) {
	// The terminal event carries the progress reached so far; the stream
	// never moves backwards.
	frac := 0.0
	if current, err := p.store.GetJob(ctx, job.ID); err == nil {
		frac = current.Progress
	}
	if err := p.store.FailJob(ctx, job.ID, msg, time.Now().UTC()); err != nil {
		zap.L().Warn("job failure not recorded", zap.String("job_id", job.ID), zap.Error(err))
	}
	p.publish(ctx, job, model.EventFailed, frac, msg)
}

// finishSuccess persists the analysis and result, completes the job, and
// records the learned outcome.
func (p *WorkerPool) finishSuccess(ctx context.Context, job model.Job, toolName string, attempts int, elapsed time.Duration, out *tools.Output) {
	result := model.JobResult{
		Tool:       toolName,
		Content:    out.Content,
		Title:      out.Title,
		URL:        out.URL,
		StatusCode: out.StatusCode,
		Attempts:   attempts,
		DurationMs: elapsed.Milliseconds(),
	}

	if p.detector != nil && wantsAnalysis(job, out) {
		analysis := p.detector.Analyze([]byte(out.Content), out.URL)
		analysis.ID = uuid.New().String()
		analysis.CreatedAt = time.Now().UTC()
		if err := p.store.CreateAnalysis(ctx, analysis); err != nil {
			p.publish(ctx, job, model.EventWarning, 0.95, "analysis not persisted: "+err.Error())
		} else {
			result.AnalysisID = analysis.ID
		}
	}

	payload, err := json.Marshal(result)
	if err != nil {
		p.fail(ctx, job, "encode result: "+err.Error())
		p.learn(ctx, job, toolName, false)
		return
	}

	if err := p.store.CompleteJob(ctx, job.ID, payload, time.Now().UTC()); err != nil {
		// Lost the race with a cancel; nothing to record.
		zap.L().Debug("job completion not recorded", zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	p.publish(ctx, job, model.EventCompleted, 1.0, "completed")
	p.learn(ctx, job, toolName, true)
}

// wantsAnalysis reports whether detection should run on the job's output.
// Analyze jobs always qualify; scrape jobs qualify when the tool returned
// markup the detector can parse structurally.
func wantsAnalysis(job model.Job, out *tools.Output) bool {
	if job.Type == model.JobTypeAnalyze {
		return true
	}
	if job.Type != model.JobTypeScrape {
		return false
	}
	return looksLikeHTML(out.Content)
}

func looksLikeHTML(content string) bool {
	lower := strings.ToLower(content)
	for _, marker := range []string{"<html", "<div", "<table", "<ul", "<article"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// learn records the job outcome against its session and matched pattern.
// Learning writes are best effort; a failure surfaces as a warning event,
// never as a job failure.
func (p *WorkerPool) learn(ctx context.Context, job model.Job, toolName string, success bool) {
	if err := p.store.RecordSessionOutcome(ctx, job.SessionID, success); err != nil {
		p.publish(ctx, job, model.EventWarning, 0, "session outcome not recorded: "+err.Error())
	}

	if p.matcher == nil {
		return
	}

	if pid, ok := job.Parameters["pattern_id"].(string); ok && pid != "" {
		if err := p.matcher.RecordOutcome(ctx, pid, success); err != nil {
			p.publish(ctx, job, model.EventWarning, 0, "pattern outcome not recorded: "+err.Error())
		}
		return
	}

	// Only successful executions seed new patterns.
	if !success || toolName == "" {
		return
	}
	text, _ := job.Parameters["request_text"].(string)
	if text == "" {
		return
	}
	intentLabel, _ := job.Parameters["primary_intent"].(string)

	_, err := p.matcher.Save(ctx, text,
		model.IntentAnalysis{PrimaryIntent: intentLabel, Targets: []string{job.Target}},
		model.ExecutionConfig{
			Tool:       toolName,
			JobType:    job.Type,
			Parameters: job.Parameters,
			Targets:    []string{job.Target},
		},
		0.7, nil)
	if err != nil {
		p.publish(ctx, job, model.EventWarning, 0, "pattern not saved: "+err.Error())
	}
}

func (p *WorkerPool) publish(ctx context.Context, job model.Job, evType model.ProgressEventType, frac float64, msg string) {
	p.bus.Publish(ctx, model.ProgressEvent{
		SessionID: job.SessionID,
		TaskID:    job.ID,
		TaskName:  string(job.Type),
		Type:      evType,
		Progress:  frac,
		Message:   msg,
	})
}
