package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return NewPostgresFromPool(mock), mock
}

func TestPostgresStore_GetJob_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .* FROM jobs WHERE id = \$1`).
		WithArgs("nonexistent-job").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetJob(context.Background(), "nonexistent-job")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetSessionByKey_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .* FROM sessions WHERE external_key = \$1`).
		WithArgs("unknown-key").
		WillReturnError(pgx.ErrNoRows)

	sess, err := s.GetSessionByKey(context.Background(), "unknown-key")
	require.NoError(t, err)
	assert.Nil(t, sess)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimJob_AlreadyClaimed(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE jobs SET status = 'running'`).
		WithArgs(pgxmock.AnyArg(), "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	claimed, err := s.ClaimJob(context.Background(), "job-1", time.Now())
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimJob_Wins(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE jobs SET status = 'running'`).
		WithArgs(pgxmock.AnyArg(), "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	claimed, err := s.ClaimJob(context.Background(), "job-1", time.Now())
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateJobProgress_GuardsRegression(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE jobs SET progress = \$1 WHERE id = \$2 AND status = 'running' AND progress <= \$1`).
		WithArgs(0.4, "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	// A stale update matching zero rows is not an error.
	err := s.UpdateJobProgress(context.Background(), "job-1", 0.4)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteJob_RequiresRunning(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE jobs SET status = 'completed'`).
		WithArgs([]byte(`{}`), pgxmock.AnyArg(), "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.CompleteJob(context.Background(), "job-1", []byte(`{}`), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "running job not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordPatternOutcome_SingleStatement(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE patterns SET\s+success_score = success_score \+ \$1 \* \(\$2 - success_score\)`).
		WithArgs(0.3, 1.0, pgxmock.AnyArg(), "pattern-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.RecordPatternOutcome(context.Background(), "pattern-1", 1.0, 0.3, time.Now())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordPatternOutcome_FailureDoesNotCountReuse(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`reuse_count = reuse_count \+ \(CASE WHEN \$2 >= 1\.0 THEN 1 ELSE 0 END\)`).
		WithArgs(0.3, 0.0, pgxmock.AnyArg(), "pattern-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.RecordPatternOutcome(context.Background(), "pattern-1", 0.0, 0.3, time.Now())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreatePattern_Transactional(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	p, emb := makeTestPattern(0.7, "news")

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO patterns`).
		WithArgs(p.ID, p.RequestText, pgxmock.AnyArg(), pgxmock.AnyArg(),
			p.SuccessScore, p.ReuseCount, p.UserFeedback, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO pattern_embeddings`).
		WithArgs(p.ID, pgxmock.AnyArg(), emb.Model, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO pattern_tags`).
		WithArgs(p.ID, "news").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := s.CreatePattern(context.Background(), p, emb)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreatePattern_RollsBackOnEmbeddingError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	p, emb := makeTestPattern(0.7)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO patterns`).
		WithArgs(p.ID, p.RequestText, pgxmock.AnyArg(), pgxmock.AnyArg(),
			p.SuccessScore, p.ReuseCount, p.UserFeedback, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO pattern_embeddings`).
		WithArgs(p.ID, pgxmock.AnyArg(), emb.Model, pgxmock.AnyArg()).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := s.CreatePattern(context.Background(), p, emb)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CancelJob_TerminalIsNoop(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE jobs SET status = 'cancelled'`).
		WithArgs(pgxmock.AnyArg(), "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := s.CancelJob(context.Background(), "job-1", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PurgeBefore_CountsPerTable(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	cutoff := time.Now().UTC().Add(-30 * 24 * time.Hour)
	mock.ExpectExec(`DELETE FROM jobs`).
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 5))
	mock.ExpectExec(`DELETE FROM progress_events`).
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 40))
	mock.ExpectExec(`DELETE FROM tool_performance_samples`).
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 12))

	result, err := s.PurgeBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, 5, result.Jobs)
	assert.Equal(t, 40, result.ProgressEvents)
	assert.Equal(t, 12, result.ToolSamples)
	assert.Equal(t, 57, result.Total())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ToolPerformanceSince(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	since := time.Now().UTC().Add(-24 * time.Hour)
	rows := pgxmock.NewRows([]string{"tool", "count", "avg_success", "avg_ms"}).
		AddRow("firecrawl", 10, 0.9, 850.0).
		AddRow("jina", 25, 0.96, 420.0)
	mock.ExpectQuery(`SELECT tool, COUNT\(\*\)`).
		WithArgs(since).
		WillReturnRows(rows)

	perf, err := s.ToolPerformanceSince(context.Background(), since)
	require.NoError(t, err)
	require.Len(t, perf, 2)
	assert.Equal(t, "firecrawl", perf[0].Tool)
	assert.Equal(t, 10, perf[0].Executions)
	assert.InDelta(t, 0.9, perf[0].SuccessRate, 1e-9)
	assert.Equal(t, 420*time.Millisecond, perf[1].AvgLatency)
	assert.NoError(t, mock.ExpectationsWereMet())
}
