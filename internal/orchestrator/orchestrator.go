// Package orchestrator ties the request pipeline together: session lookup,
// intent classification, pattern matching, tool selection, and job submission.
package orchestrator

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/scrape-orchestrator/internal/intent"
	"github.com/sells-group/scrape-orchestrator/internal/model"
	"github.com/sells-group/scrape-orchestrator/internal/pattern"
	"github.com/sells-group/scrape-orchestrator/internal/resilience"
	"github.com/sells-group/scrape-orchestrator/internal/scheduler"
	"github.com/sells-group/scrape-orchestrator/internal/session"
	"github.com/sells-group/scrape-orchestrator/internal/store"
	"github.com/sells-group/scrape-orchestrator/internal/tools"
)

// Request is one extraction request from a client.
type Request struct {
	ExternalKey string
	MessageID   string
	Text        string
	Context     map[string]any
}

// Decision records every stage of handling one request. Job is nil when the
// classifier asked for clarification instead of executing.
type Decision struct {
	Session   *model.Session
	Intent    *model.IntentRecord
	Match     *model.PatternMatch
	Selection *model.ToolSelection
	Job       *model.Job
}

// Orchestrator runs the classify → match → select → submit pipeline.
type Orchestrator struct {
	store      store.Store
	sessions   *session.Manager
	classifier *intent.Classifier
	matcher    *pattern.Matcher
	selector   *tools.Selector
	sched      *scheduler.Scheduler
}

// New creates an Orchestrator. The matcher may be nil; matching is then
// skipped and every request goes through fresh tool selection.
func New(st store.Store, sessions *session.Manager, classifier *intent.Classifier, matcher *pattern.Matcher, selector *tools.Selector, sched *scheduler.Scheduler) *Orchestrator {
	return &Orchestrator{
		store:      st,
		sessions:   sessions,
		classifier: classifier,
		matcher:    matcher,
		selector:   selector,
		sched:      sched,
	}
}

// Handle runs the full pipeline for one request and submits the resulting
// job. A request needing clarification returns a Decision with a nil Job and
// no error; the caller relays the question to the user.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (*Decision, error) {
	dec, err := o.decide(ctx, req)
	if err != nil {
		return nil, err
	}
	if dec.Intent.NeedsClarification {
		zap.L().Info("request needs clarification",
			zap.String("session_id", dec.Session.ID),
			zap.String("intent", dec.Intent.PrimaryIntent))
		return dec, nil
	}

	target, err := resolveTarget(dec, req.Text)
	if err != nil {
		return nil, err
	}

	jobType := jobTypeForIntent(dec.Intent.PrimaryIntent)
	params := map[string]any{
		"tool":           dec.Selection.PrimaryTool,
		"request_text":   req.Text,
		"primary_intent": dec.Intent.PrimaryIntent,
	}
	for k, v := range dec.Selection.Config {
		if _, taken := params[k]; !taken {
			params[k] = v
		}
	}
	if dec.Match != nil {
		params["pattern_id"] = dec.Match.Pattern.ID
	}

	job, err := o.sched.Submit(ctx, dec.Session.ID, jobType, target, params)
	if err != nil {
		return nil, err
	}
	dec.Job = job

	zap.L().Info("request submitted",
		zap.String("session_id", dec.Session.ID),
		zap.String("job_id", job.ID),
		zap.String("job_type", string(jobType)),
		zap.String("tool", dec.Selection.PrimaryTool),
		zap.String("strategy", string(dec.Selection.Strategy)))
	return dec, nil
}

// Plan runs classify → match → select without submitting anything. Used by
// the strategy test harness to inspect decisions.
func (o *Orchestrator) Plan(ctx context.Context, req Request) (*Decision, error) {
	return o.decide(ctx, req)
}

func (o *Orchestrator) decide(ctx context.Context, req Request) (*Decision, error) {
	sess, err := o.sessions.GetOrCreate(ctx, req.ExternalKey, req.Context)
	if err != nil {
		return nil, err
	}

	rec, err := o.classifier.Classify(ctx, sess.ID, req.MessageID, req.Text)
	if err != nil {
		return nil, err
	}
	if err := o.store.CreateIntent(ctx, *rec); err != nil {
		return nil, eris.Wrap(err, "orchestrator: persist intent")
	}

	dec := &Decision{Session: sess, Intent: rec}

	if o.matcher != nil {
		match, err := o.matcher.Match(ctx, req.Text)
		if err != nil {
			return nil, err
		}
		dec.Match = match
	}

	var matched *model.Pattern
	if dec.Match != nil {
		matched = &dec.Match.Pattern
	}
	sel, err := o.selector.Choose(ctx, sess.ID, jobTypeForIntent(rec.PrimaryIntent), matched)
	if err != nil {
		return nil, err
	}
	dec.Selection = sel
	return dec, nil
}

// resolveTarget picks the job target: the classifier's first target, a
// matched pattern's recorded target, or for searches the request text
// itself.
func resolveTarget(dec *Decision, requestText string) (string, error) {
	if len(dec.Intent.Targets) > 0 && strings.TrimSpace(dec.Intent.Targets[0]) != "" {
		return strings.TrimSpace(dec.Intent.Targets[0]), nil
	}
	if dec.Match != nil && len(dec.Match.Pattern.Execution.Targets) > 0 {
		return dec.Match.Pattern.Execution.Targets[0], nil
	}
	if jobTypeForIntent(dec.Intent.PrimaryIntent) == model.JobTypeSearch {
		return strings.TrimSpace(requestText), nil
	}
	return "", resilience.NewValidationError("target", "no target URL found in request")
}

// jobTypeForIntent maps an intent label onto the job type that serves it.
// Unknown labels fall back to a single-page scrape.
func jobTypeForIntent(label string) model.JobType {
	switch label {
	case model.IntentCrawlSite:
		return model.JobTypeCrawl
	case model.IntentSearchWeb:
		return model.JobTypeSearch
	case model.IntentExtractData:
		return model.JobTypeAnalyze
	default:
		return model.JobTypeScrape
	}
}

// Status reports a job together with its progress history.
type Status struct {
	Job    *model.Job            `json:"job"`
	Events []model.ProgressEvent `json:"events"`
}

// JobStatus returns the current state of a job and its event history.
func (o *Orchestrator) JobStatus(ctx context.Context, jobID string) (*Status, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	events, err := o.store.ListProgressEvents(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &Status{Job: job, Events: events}, nil
}

// ListPatterns returns stored patterns for a context tag, or all patterns
// when the tag is empty.
func (o *Orchestrator) ListPatterns(ctx context.Context, tag string) ([]model.Pattern, error) {
	if tag != "" {
		return o.store.ListPatternsByTag(ctx, tag)
	}
	vectors, err := o.store.ListPatternVectors(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Pattern, 0, len(vectors))
	for _, v := range vectors {
		out = append(out, v.Pattern)
	}
	return out, nil
}

// Cancel cancels a job by ID.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) (bool, error) {
	return o.sched.Cancel(ctx, jobID)
}
