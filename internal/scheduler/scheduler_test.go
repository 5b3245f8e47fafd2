package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/scrape-orchestrator/internal/config"
	"github.com/sells-group/scrape-orchestrator/internal/model"
	"github.com/sells-group/scrape-orchestrator/internal/progress"
	"github.com/sells-group/scrape-orchestrator/internal/resilience"
	"github.com/sells-group/scrape-orchestrator/internal/store"
	"github.com/sells-group/scrape-orchestrator/internal/tools"
)

// testEnv wires a scheduler, pool, and store around a single tool.
type testEnv struct {
	st        store.Store
	bus       *progress.Bus
	registry  *tools.Registry
	sched     *Scheduler
	pool      *WorkerPool
	sessionID string
}

func newTestEnv(t *testing.T, cfg config.SchedulerConfig, tool tools.Tool) *testEnv {
	t.Helper()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "scheduler.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	bus := progress.NewBus(st)
	t.Cleanup(bus.Close)

	reg := tools.NewRegistry()
	if tool != nil {
		reg.Register(tool)
	}
	sel := tools.NewSelector(reg, st)
	tracker := tools.NewPerformanceTracker(st, nil)

	pool := NewWorkerPool(st, bus, reg, sel, tracker, cfg)
	pool.pollInterval = 10 * time.Millisecond

	sched := NewScheduler(st, bus, cfg)
	sched.AttachPool(pool)

	sess, err := st.CreateSession(context.Background(), uuid.New().String(), nil)
	require.NoError(t, err)

	return &testEnv{st: st, bus: bus, registry: reg, sched: sched, pool: pool, sessionID: sess.ID}
}

func TestSubmit_CreatesPendingJob(t *testing.T) {
	env := newTestEnv(t, config.SchedulerConfig{}, nil)

	job, err := env.sched.Submit(context.Background(), env.sessionID, model.JobTypeScrape, "https://example.com", nil)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, job.Status)
	assert.Zero(t, job.Progress)
	assert.Equal(t, defaultEstimates[model.JobTypeScrape], job.EstimatedDuration)

	stored, err := env.st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, stored.Status)

	events, err := env.bus.History(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "queued", events[0].Message)
}

func TestSubmit_ValidationErrors(t *testing.T) {
	env := newTestEnv(t, config.SchedulerConfig{}, nil)
	ctx := context.Background()

	tests := []struct {
		name    string
		session string
		jobType model.JobType
		target  string
	}{
		{"missing session", "", model.JobTypeScrape, "https://example.com"},
		{"empty target", env.sessionID, model.JobTypeScrape, "  "},
		{"relative url", env.sessionID, model.JobTypeScrape, "/just/a/path"},
		{"bad scheme", env.sessionID, model.JobTypeCrawl, "ftp://example.com"},
		{"unknown type", env.sessionID, model.JobType("transmogrify"), "https://example.com"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.sched.Submit(ctx, tc.session, tc.jobType, tc.target, nil)
			var verr *resilience.ValidationError
			require.ErrorAs(t, err, &verr)
		})
	}

	// Nothing was persisted for any rejected request.
	jobs, err := env.st.ListJobs(ctx, store.JobFilter{SessionID: env.sessionID})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestSubmit_SearchAcceptsPlainQuery(t *testing.T) {
	env := newTestEnv(t, config.SchedulerConfig{}, nil)

	job, err := env.sched.Submit(context.Background(), env.sessionID, model.JobTypeSearch, "crm pricing pages", nil)
	require.NoError(t, err)
	assert.Equal(t, "crm pricing pages", job.Target)
}

func TestSubmit_EstimateOverride(t *testing.T) {
	env := newTestEnv(t, config.SchedulerConfig{}, nil)

	job, err := env.sched.Submit(context.Background(), env.sessionID, model.JobTypeScrape, "https://example.com",
		map[string]any{"estimated_duration_secs": 90.0})
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, job.EstimatedDuration)
}

func TestCancel_PendingJob(t *testing.T) {
	env := newTestEnv(t, config.SchedulerConfig{}, nil)
	ctx := context.Background()

	job, err := env.sched.Submit(ctx, env.sessionID, model.JobTypeScrape, "https://example.com", nil)
	require.NoError(t, err)

	cancelled, err := env.sched.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	stored, err := env.st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, stored.Status)

	// A second cancel is a no-op.
	cancelled, err = env.sched.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, cancelled)
}
