package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/scrape-orchestrator/internal/db"
	"github.com/sells-group/scrape-orchestrator/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest store operations.
var preparedStatements = map[string]string{
	"claim_job":       `UPDATE jobs SET status = 'running', started_at = $1 WHERE id = $2 AND status = 'pending'`,
	"update_progress": `UPDATE jobs SET progress = $1 WHERE id = $2 AND status = 'running' AND progress <= $1`,
	"get_job":         `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`,
	"append_event":    `INSERT INTO progress_events (id, session_id, task_id, task_name, type, progress, message, metadata, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
	"record_outcome":  `UPDATE patterns SET success_score = success_score + $1 * ($2 - success_score), reuse_count = reuse_count + (CASE WHEN $2 >= 1.0 THEN 1 ELSE 0 END), last_used_at = $3 WHERE id = $4`,
	"insert_sample":   `INSERT INTO tool_performance_samples (id, session_id, tool, execution_time_ms, success, error, estimated_cost, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. Used by tests.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	external_key     TEXT NOT NULL UNIQUE,
	context          JSONB,
	message_count    INTEGER NOT NULL DEFAULT 0,
	outcome_count    INTEGER NOT NULL DEFAULT 0,
	success_rate     DOUBLE PRECISION NOT NULL DEFAULT 0.0,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_activity_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS intent_records (
	id                  TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	session_id          TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	message_id          TEXT NOT NULL,
	primary_intent      TEXT NOT NULL,
	confidence          DOUBLE PRECISION NOT NULL,
	parameters          JSONB,
	targets             JSONB,
	needs_clarification BOOLEAN NOT NULL DEFAULT false,
	reasoning           TEXT,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS jobs (
	id                    TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	session_id            TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	type                  TEXT NOT NULL,
	target                TEXT NOT NULL,
	parameters            JSONB,
	status                TEXT NOT NULL DEFAULT 'pending',
	progress              DOUBLE PRECISION NOT NULL DEFAULT 0.0,
	result                JSONB,
	error_message         TEXT,
	estimated_duration_ms BIGINT NOT NULL DEFAULT 0,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at            TIMESTAMPTZ,
	completed_at          TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS patterns (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	request_text  TEXT NOT NULL,
	intent        JSONB NOT NULL,
	execution     JSONB NOT NULL,
	success_score DOUBLE PRECISION NOT NULL,
	reuse_count   INTEGER NOT NULL DEFAULT 0,
	user_feedback TEXT,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_used_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS pattern_embeddings (
	pattern_id TEXT PRIMARY KEY REFERENCES patterns(id) ON DELETE CASCADE,
	vector     JSONB NOT NULL,
	model      TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS pattern_tags (
	pattern_id TEXT NOT NULL REFERENCES patterns(id) ON DELETE CASCADE,
	tag        TEXT NOT NULL,
	PRIMARY KEY (pattern_id, tag)
);

CREATE TABLE IF NOT EXISTS tool_selections (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	session_id   TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	primary_tool TEXT NOT NULL,
	alternatives JSONB,
	strategy     TEXT NOT NULL,
	confidence   DOUBLE PRECISION NOT NULL,
	config       JSONB,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS tool_performance_samples (
	id                TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	session_id        TEXT NOT NULL,
	tool              TEXT NOT NULL,
	execution_time_ms BIGINT NOT NULL,
	success           BOOLEAN NOT NULL,
	error             TEXT,
	estimated_cost    DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS progress_events (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	session_id TEXT NOT NULL,
	task_id    TEXT NOT NULL,
	task_name  TEXT NOT NULL,
	type       TEXT NOT NULL,
	progress   DOUBLE PRECISION NOT NULL DEFAULT 0.0,
	message    TEXT,
	metadata   JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS page_analyses (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	url           TEXT NOT NULL,
	content_type  TEXT NOT NULL,
	confidence    DOUBLE PRECISION NOT NULL,
	schema_count  INTEGER NOT NULL DEFAULT 0,
	pattern_count INTEGER NOT NULL DEFAULT 0,
	rule_count    INTEGER NOT NULL DEFAULT 0,
	note          TEXT,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS detected_schemas (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	analysis_id  TEXT NOT NULL REFERENCES page_analyses(id) ON DELETE CASCADE,
	type         TEXT NOT NULL,
	confidence   DOUBLE PRECISION NOT NULL,
	selector     TEXT NOT NULL,
	alt_selector TEXT,
	match_count  INTEGER NOT NULL,
	fields       JSONB
);

CREATE TABLE IF NOT EXISTS content_patterns (
	id                TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	analysis_id       TEXT NOT NULL REFERENCES page_analyses(id) ON DELETE CASCADE,
	type              TEXT NOT NULL,
	confidence        DOUBLE PRECISION NOT NULL,
	repeat_count      INTEGER NOT NULL,
	consistency_score DOUBLE PRECISION NOT NULL,
	selector          TEXT NOT NULL,
	alt_selectors     JSONB,
	signature         TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS extraction_rules (
	id                   TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	analysis_id          TEXT NOT NULL REFERENCES page_analyses(id) ON DELETE CASCADE,
	field                TEXT NOT NULL,
	selector             TEXT NOT NULL,
	data_type            TEXT NOT NULL,
	method               TEXT NOT NULL,
	confidence           DOUBLE PRECISION NOT NULL,
	validation_rules     JSONB,
	transformation_rules JSONB,
	fallback_selectors   JSONB
);

CREATE INDEX IF NOT EXISTS idx_intent_records_session_id ON intent_records(session_id);
CREATE INDEX IF NOT EXISTS idx_jobs_session_id ON jobs(session_id);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_pattern_tags_tag ON pattern_tags(tag);
CREATE INDEX IF NOT EXISTS idx_tool_selections_session_id ON tool_selections(session_id);
CREATE INDEX IF NOT EXISTS idx_tool_samples_tool ON tool_performance_samples(tool);
CREATE INDEX IF NOT EXISTS idx_progress_events_task_id ON progress_events(task_id);
CREATE INDEX IF NOT EXISTS idx_detected_schemas_analysis_id ON detected_schemas(analysis_id);
CREATE INDEX IF NOT EXISTS idx_content_patterns_analysis_id ON content_patterns(analysis_id);
CREATE INDEX IF NOT EXISTS idx_extraction_rules_analysis_id ON extraction_rules(analysis_id);

CREATE OR REPLACE VIEW session_daily_stats AS
SELECT date_trunc('day', created_at) AS day,
       COUNT(*) AS sessions,
       AVG(message_count) AS avg_messages,
       AVG(success_rate) AS avg_success_rate
FROM sessions
GROUP BY 1;

CREATE OR REPLACE VIEW tool_daily_stats AS
SELECT date_trunc('day', created_at) AS day,
       tool,
       COUNT(*) AS executions,
       AVG(execution_time_ms) AS avg_latency_ms,
       AVG(CASE WHEN success THEN 1.0 ELSE 0.0 END) AS success_ratio,
       SUM(estimated_cost) AS total_cost
FROM tool_performance_samples
GROUP BY 1, 2;
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// sessions

func (s *PostgresStore) CreateSession(ctx context.Context, externalKey string, sessionContext map[string]any) (*model.Session, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	var ctxJSON []byte
	if len(sessionContext) > 0 {
		var err error
		ctxJSON, err = json.Marshal(sessionContext)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: marshal session context")
		}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, external_key, context, created_at, last_activity_at) VALUES ($1, $2, $3, $4, $5)`,
		id, externalKey, ctxJSON, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert session")
	}

	return &model.Session{
		ID:             id,
		ExternalKey:    externalKey,
		Context:        sessionContext,
		CreatedAt:      now,
		LastActivityAt: now,
	}, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	sess, err := s.scanSessionRow(s.pool.QueryRow(ctx,
		`SELECT id, external_key, context, message_count, success_rate, created_at, last_activity_at
		 FROM sessions WHERE id = $1`, id,
	))
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, eris.Errorf("session not found: %s", id)
	}
	return sess, nil
}

func (s *PostgresStore) GetSessionByKey(ctx context.Context, externalKey string) (*model.Session, error) {
	return s.scanSessionRow(s.pool.QueryRow(ctx,
		`SELECT id, external_key, context, message_count, success_rate, created_at, last_activity_at
		 FROM sessions WHERE external_key = $1`, externalKey,
	))
}

func (s *PostgresStore) scanSessionRow(row pgx.Row) (*model.Session, error) {
	var sess model.Session
	var ctxJSON []byte

	err := row.Scan(&sess.ID, &sess.ExternalKey, &ctxJSON, &sess.MessageCount,
		&sess.SuccessRate, &sess.CreatedAt, &sess.LastActivityAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan session")
	}
	if len(ctxJSON) > 0 {
		if err := json.Unmarshal(ctxJSON, &sess.Context); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal session context")
		}
	}
	return &sess, nil
}

func (s *PostgresStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET message_count = message_count + 1, last_activity_at = $1 WHERE id = $2`,
		at.UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: touch session %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("session not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) RecordSessionOutcome(ctx context.Context, id string, success bool) error {
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET
			success_rate = (success_rate * outcome_count + $1) / (outcome_count + 1),
			outcome_count = outcome_count + 1,
			last_activity_at = $2
		 WHERE id = $3`,
		outcome, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: record session outcome %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("session not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) EvictIdleSessions(ctx context.Context, idleBefore time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM sessions WHERE last_activity_at < $1`, idleBefore.UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: evict idle sessions")
	}
	return int(tag.RowsAffected()), nil
}

// intents

func (s *PostgresStore) CreateIntent(ctx context.Context, rec model.IntentRecord) error {
	paramsJSON, targetsJSON, err := marshalIntentFields(rec)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO intent_records
			(id, session_id, message_id, primary_intent, confidence, parameters, targets, needs_clarification, reasoning, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, rec.SessionID, rec.MessageID, rec.PrimaryIntent, rec.Confidence,
		paramsJSON, targetsJSON, rec.NeedsClarification, rec.Reasoning, rec.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "postgres: insert intent record")
}

func marshalIntentFields(rec model.IntentRecord) ([]byte, []byte, error) {
	var paramsJSON, targetsJSON []byte
	var err error
	if len(rec.Parameters) > 0 {
		if paramsJSON, err = json.Marshal(rec.Parameters); err != nil {
			return nil, nil, eris.Wrap(err, "postgres: marshal intent parameters")
		}
	}
	if len(rec.Targets) > 0 {
		if targetsJSON, err = json.Marshal(rec.Targets); err != nil {
			return nil, nil, eris.Wrap(err, "postgres: marshal intent targets")
		}
	}
	return paramsJSON, targetsJSON, nil
}

// jobs

func (s *PostgresStore) CreateJob(ctx context.Context, job model.Job) error {
	var paramsJSON []byte
	if len(job.Parameters) > 0 {
		var err error
		paramsJSON, err = json.Marshal(job.Parameters)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal job parameters")
		}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, session_id, type, target, parameters, status, progress, estimated_duration_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.ID, job.SessionID, string(job.Type), job.Target, paramsJSON,
		string(model.JobStatusPending), 0.0, job.EstimatedDuration.Milliseconds(), job.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: insert job %s", job.ID)
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	job, err := scanJobPG(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id,
	))
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, eris.Errorf("job not found: %s", id)
	}
	return job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.SessionID != "" {
		query += fmt.Sprintf(` AND session_id = $%d`, argIdx)
		args = append(args, filter.SessionID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJobPG(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

func (s *PostgresStore) NextPendingJobs(ctx context.Context, limit int) ([]model.Job, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = 'pending' ORDER BY created_at ASC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: next pending jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJobPG(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: next pending jobs iterate")
}

func (s *PostgresStore) ClaimJob(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'running', started_at = $1 WHERE id = $2 AND status = 'pending'`,
		at.UTC(), id,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: claim job %s", id)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) UpdateJobProgress(ctx context.Context, id string, progress float64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs SET progress = $1 WHERE id = $2 AND status = 'running' AND progress <= $1`,
		progress, id,
	)
	return eris.Wrapf(err, "postgres: update job progress %s", id)
}

func (s *PostgresStore) CompleteJob(ctx context.Context, id string, result []byte, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'completed', progress = 1.0, result = $1, completed_at = $2
		 WHERE id = $3 AND status = 'running'`,
		result, at.UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete job %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("running job not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) FailJob(ctx context.Context, id string, errMsg string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'failed', error_message = $1, completed_at = $2
		 WHERE id = $3 AND status = 'running'`,
		errMsg, at.UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail job %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("running job not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) CancelJob(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'cancelled', completed_at = $1
		 WHERE id = $2 AND status IN ('pending', 'running')`,
		at.UTC(), id,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: cancel job %s", id)
	}
	return tag.RowsAffected() == 1, nil
}

// patterns

func (s *PostgresStore) CreatePattern(ctx context.Context, p model.Pattern, emb model.Embedding) error {
	intentJSON, err := json.Marshal(p.Intent)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal pattern intent")
	}
	execJSON, err := json.Marshal(p.Execution)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal pattern execution")
	}
	vectorJSON, err := json.Marshal(emb.Vector)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal embedding vector")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin pattern tx")
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO patterns (id, request_text, intent, execution, success_score, reuse_count, user_feedback, created_at, last_used_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.RequestText, intentJSON, execJSON,
		p.SuccessScore, p.ReuseCount, p.UserFeedback, p.CreatedAt.UTC(), p.LastUsedAt.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert pattern %s", p.ID)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO pattern_embeddings (pattern_id, vector, model, created_at) VALUES ($1, $2, $3, $4)`,
		p.ID, vectorJSON, emb.Model, emb.CreatedAt.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert embedding for pattern %s", p.ID)
	}

	for _, tag := range p.ContextTags {
		if _, err := tx.Exec(ctx,
			`INSERT INTO pattern_tags (pattern_id, tag) VALUES ($1, $2)`, p.ID, tag,
		); err != nil {
			return eris.Wrapf(err, "postgres: insert tag %s for pattern %s", tag, p.ID)
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit pattern tx")
}

func (s *PostgresStore) GetPattern(ctx context.Context, id string) (*model.Pattern, error) {
	p, err := scanPatternPG(s.pool.QueryRow(ctx,
		`SELECT `+patternColumns+` FROM patterns p WHERE p.id = $1`, id,
	))
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, eris.Errorf("pattern not found: %s", id)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT tag FROM pattern_tags WHERE pattern_id = $1 ORDER BY tag`, id,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load tags for pattern %s", id)
	}
	defer rows.Close()
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, eris.Wrap(err, "postgres: scan pattern tag")
		}
		p.ContextTags = append(p.ContextTags, tag)
	}
	return p, eris.Wrap(rows.Err(), "postgres: load pattern tags iterate")
}

func (s *PostgresStore) ListPatternVectors(ctx context.Context) ([]PatternVector, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+patternColumns+`, e.vector
		 FROM patterns p JOIN pattern_embeddings e ON e.pattern_id = p.id
		 ORDER BY p.created_at ASC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list pattern vectors")
	}
	defer rows.Close()

	var out []PatternVector
	for rows.Next() {
		var pv PatternVector
		var intentJSON, execJSON, vectorJSON []byte
		var feedback *string
		p := &pv.Pattern
		err := rows.Scan(&p.ID, &p.RequestText, &intentJSON, &execJSON, &p.SuccessScore,
			&p.ReuseCount, &feedback, &p.CreatedAt, &p.LastUsedAt, &vectorJSON)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan pattern vector")
		}
		if feedback != nil {
			p.UserFeedback = *feedback
		}
		if err := json.Unmarshal(intentJSON, &p.Intent); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal pattern intent")
		}
		if err := json.Unmarshal(execJSON, &p.Execution); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal pattern execution")
		}
		if err := json.Unmarshal(vectorJSON, &pv.Vector); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal embedding vector")
		}
		out = append(out, pv)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list pattern vectors iterate")
}

func (s *PostgresStore) ListPatternsByTag(ctx context.Context, tag string) ([]model.Pattern, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+patternColumns+`
		 FROM patterns p JOIN pattern_tags t ON t.pattern_id = p.id
		 WHERE t.tag = $1 ORDER BY p.success_score DESC`,
		tag,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list patterns by tag %s", tag)
	}
	defer rows.Close()

	var out []model.Pattern
	for rows.Next() {
		p, err := scanPatternPG(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list patterns by tag iterate")
}

func (s *PostgresStore) RecordPatternOutcome(ctx context.Context, id string, outcome, alpha float64, at time.Time) error {
	// Only a successful reuse counts; failures still pull the score down.
	tag, err := s.pool.Exec(ctx,
		`UPDATE patterns SET
			success_score = success_score + $1 * ($2 - success_score),
			reuse_count = reuse_count + (CASE WHEN $2 >= 1.0 THEN 1 ELSE 0 END),
			last_used_at = $3
		 WHERE id = $4`,
		alpha, outcome, at.UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: record pattern outcome %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("pattern not found: %s", id)
	}
	return nil
}

// tool selections and performance

func (s *PostgresStore) CreateToolSelection(ctx context.Context, sel model.ToolSelection) error {
	var altsJSON, configJSON []byte
	var err error
	if len(sel.Alternatives) > 0 {
		if altsJSON, err = json.Marshal(sel.Alternatives); err != nil {
			return eris.Wrap(err, "postgres: marshal alternatives")
		}
	}
	if len(sel.Config) > 0 {
		if configJSON, err = json.Marshal(sel.Config); err != nil {
			return eris.Wrap(err, "postgres: marshal selection config")
		}
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO tool_selections (id, session_id, primary_tool, alternatives, strategy, confidence, config, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sel.ID, sel.SessionID, sel.PrimaryTool, altsJSON, string(sel.Strategy),
		sel.Confidence, configJSON, sel.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "postgres: insert tool selection")
}

func (s *PostgresStore) CreateToolSample(ctx context.Context, sample model.ToolPerformanceSample) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tool_performance_samples (id, session_id, tool, execution_time_ms, success, error, estimated_cost, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sample.ID, sample.SessionID, sample.Tool, sample.ExecutionTime.Milliseconds(),
		sample.Success, sample.Error, sample.Cost, sample.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "postgres: insert tool sample")
}

func (s *PostgresStore) ToolPerformanceSince(ctx context.Context, since time.Time) ([]model.ToolPerformance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tool, COUNT(*), AVG(CASE WHEN success THEN 1.0 ELSE 0.0 END), AVG(execution_time_ms)
		 FROM tool_performance_samples
		 WHERE created_at >= $1
		 GROUP BY tool ORDER BY tool`,
		since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: tool performance")
	}
	defer rows.Close()

	var out []model.ToolPerformance
	for rows.Next() {
		var tp model.ToolPerformance
		var avgMs float64
		if err := rows.Scan(&tp.Tool, &tp.Executions, &tp.SuccessRate, &avgMs); err != nil {
			return nil, eris.Wrap(err, "postgres: scan tool performance")
		}
		tp.AvgLatency = time.Duration(avgMs * float64(time.Millisecond))
		out = append(out, tp)
	}
	return out, eris.Wrap(rows.Err(), "postgres: tool performance iterate")
}

// progress events

func (s *PostgresStore) AppendProgressEvent(ctx context.Context, ev model.ProgressEvent) error {
	var metaJSON []byte
	if len(ev.Metadata) > 0 {
		var err error
		metaJSON, err = json.Marshal(ev.Metadata)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal event metadata")
		}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO progress_events (id, session_id, task_id, task_name, type, progress, message, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ev.ID, ev.SessionID, ev.TaskID, ev.TaskName, string(ev.Type),
		ev.Progress, ev.Message, metaJSON, ev.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "postgres: insert progress event")
}

func (s *PostgresStore) ListProgressEvents(ctx context.Context, taskID string) ([]model.ProgressEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, task_id, task_name, type, progress, message, metadata, created_at
		 FROM progress_events WHERE task_id = $1 ORDER BY created_at ASC, id ASC`,
		taskID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list progress events %s", taskID)
	}
	defer rows.Close()

	var out []model.ProgressEvent
	for rows.Next() {
		var ev model.ProgressEvent
		var msg *string
		var metaJSON []byte
		err := rows.Scan(&ev.ID, &ev.SessionID, &ev.TaskID, &ev.TaskName, &ev.Type,
			&ev.Progress, &msg, &metaJSON, &ev.CreatedAt)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan progress event")
		}
		if msg != nil {
			ev.Message = *msg
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &ev.Metadata); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal event metadata")
			}
		}
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list progress events iterate")
}

// page analyses

func (s *PostgresStore) CreateAnalysis(ctx context.Context, a *model.PageAnalysis) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin analysis tx")
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO page_analyses (id, url, content_type, confidence, schema_count, pattern_count, rule_count, note, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.URL, string(a.ContentType), a.Confidence,
		len(a.Schemas), len(a.Patterns), len(a.Rules), a.Note, a.CreatedAt.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert analysis %s", a.ID)
	}

	for i := range a.Schemas {
		ds := &a.Schemas[i]
		fieldsJSON, err := marshalJSONSlice(ds.Fields)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal schema fields")
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO detected_schemas (id, analysis_id, type, confidence, selector, alt_selector, match_count, fields)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			ds.ID, a.ID, string(ds.Type), ds.Confidence, ds.Selector, ds.AltSelector, ds.MatchCount, fieldsJSON,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert schema for analysis %s", a.ID)
		}
	}

	for i := range a.Patterns {
		cp := &a.Patterns[i]
		altsJSON, err := marshalJSONSlice(cp.AltSelectors)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal alt selectors")
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO content_patterns (id, analysis_id, type, confidence, repeat_count, consistency_score, selector, alt_selectors, signature)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			cp.ID, a.ID, cp.Type, cp.Confidence, cp.RepeatCount, cp.ConsistencyScore, cp.Selector, altsJSON, cp.Signature,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert content pattern for analysis %s", a.ID)
		}
	}

	for i := range a.Rules {
		r := &a.Rules[i]
		validJSON, err := marshalJSONSlice(r.ValidationRules)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal validation rules")
		}
		transformJSON, err := marshalJSONSlice(r.TransformRules)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal transform rules")
		}
		fallbackJSON, err := marshalJSONSlice(r.FallbackSelectors)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal fallback selectors")
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO extraction_rules
				(id, analysis_id, field, selector, data_type, method, confidence, validation_rules, transformation_rules, fallback_selectors)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			r.ID, a.ID, r.Field, r.Selector, string(r.DataType), r.Method, r.Confidence,
			validJSON, transformJSON, fallbackJSON,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert rule for analysis %s", a.ID)
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit analysis tx")
}

func (s *PostgresStore) GetAnalysis(ctx context.Context, id string) (*model.PageAnalysis, error) {
	var a model.PageAnalysis
	var note *string
	err := s.pool.QueryRow(ctx,
		`SELECT id, url, content_type, confidence, schema_count, pattern_count, rule_count, note, created_at
		 FROM page_analyses WHERE id = $1`,
		id,
	).Scan(&a.ID, &a.URL, &a.ContentType, &a.Confidence,
		&a.SchemaCount, &a.PatternCount, &a.RuleCount, &note, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Errorf("analysis not found: %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan analysis")
	}
	if note != nil {
		a.Note = *note
	}

	if err := s.loadAnalysisChildrenPG(ctx, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) loadAnalysisChildrenPG(ctx context.Context, a *model.PageAnalysis) error {
	schemaRows, err := s.pool.Query(ctx,
		`SELECT id, analysis_id, type, confidence, selector, alt_selector, match_count, fields
		 FROM detected_schemas WHERE analysis_id = $1 ORDER BY confidence DESC, id ASC`,
		a.ID,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: load schemas")
	}
	defer schemaRows.Close()
	for schemaRows.Next() {
		var ds model.DetectedSchema
		var alt *string
		var fieldsJSON []byte
		err := schemaRows.Scan(&ds.ID, &ds.AnalysisID, &ds.Type, &ds.Confidence,
			&ds.Selector, &alt, &ds.MatchCount, &fieldsJSON)
		if err != nil {
			return eris.Wrap(err, "postgres: scan schema")
		}
		if alt != nil {
			ds.AltSelector = *alt
		}
		if len(fieldsJSON) > 0 {
			if err := json.Unmarshal(fieldsJSON, &ds.Fields); err != nil {
				return eris.Wrap(err, "postgres: unmarshal schema fields")
			}
		}
		a.Schemas = append(a.Schemas, ds)
	}
	if err := schemaRows.Err(); err != nil {
		return eris.Wrap(err, "postgres: load schemas iterate")
	}

	patternRows, err := s.pool.Query(ctx,
		`SELECT id, analysis_id, type, confidence, repeat_count, consistency_score, selector, alt_selectors, signature
		 FROM content_patterns WHERE analysis_id = $1 ORDER BY confidence DESC, id ASC`,
		a.ID,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: load content patterns")
	}
	defer patternRows.Close()
	for patternRows.Next() {
		var cp model.ContentPattern
		var altsJSON []byte
		err := patternRows.Scan(&cp.ID, &cp.AnalysisID, &cp.Type, &cp.Confidence,
			&cp.RepeatCount, &cp.ConsistencyScore, &cp.Selector, &altsJSON, &cp.Signature)
		if err != nil {
			return eris.Wrap(err, "postgres: scan content pattern")
		}
		if len(altsJSON) > 0 {
			if err := json.Unmarshal(altsJSON, &cp.AltSelectors); err != nil {
				return eris.Wrap(err, "postgres: unmarshal alt selectors")
			}
		}
		a.Patterns = append(a.Patterns, cp)
	}
	if err := patternRows.Err(); err != nil {
		return eris.Wrap(err, "postgres: load content patterns iterate")
	}

	ruleRows, err := s.pool.Query(ctx,
		`SELECT id, analysis_id, field, selector, data_type, method, confidence, validation_rules, transformation_rules, fallback_selectors
		 FROM extraction_rules WHERE analysis_id = $1 ORDER BY field ASC, id ASC`,
		a.ID,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: load rules")
	}
	defer ruleRows.Close()
	for ruleRows.Next() {
		var r model.ExtractionRule
		var validJSON, transformJSON, fallbackJSON []byte
		err := ruleRows.Scan(&r.ID, &r.AnalysisID, &r.Field, &r.Selector, &r.DataType,
			&r.Method, &r.Confidence, &validJSON, &transformJSON, &fallbackJSON)
		if err != nil {
			return eris.Wrap(err, "postgres: scan rule")
		}
		for _, pair := range []struct {
			src []byte
			dst *[]string
		}{
			{validJSON, &r.ValidationRules},
			{transformJSON, &r.TransformRules},
			{fallbackJSON, &r.FallbackSelectors},
		} {
			if len(pair.src) == 0 {
				continue
			}
			if err := json.Unmarshal(pair.src, pair.dst); err != nil {
				return eris.Wrap(err, "postgres: unmarshal rule lists")
			}
		}
		a.Rules = append(a.Rules, r)
	}
	return eris.Wrap(ruleRows.Err(), "postgres: load rules iterate")
}

// analytics

func (s *PostgresStore) SessionDailyStats(ctx context.Context, since time.Time) ([]model.SessionDailyStat, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT day, sessions, avg_messages, avg_success_rate
		 FROM session_daily_stats WHERE day >= $1 ORDER BY day`,
		since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: session daily stats")
	}
	defer rows.Close()

	var out []model.SessionDailyStat
	for rows.Next() {
		var st model.SessionDailyStat
		if err := rows.Scan(&st.Day, &st.Sessions, &st.AvgMessages, &st.AvgSuccessRate); err != nil {
			return nil, eris.Wrap(err, "postgres: scan session daily stat")
		}
		out = append(out, st)
	}
	return out, eris.Wrap(rows.Err(), "postgres: session daily stats iterate")
}

func (s *PostgresStore) ToolDailyStats(ctx context.Context, since time.Time) ([]model.ToolDailyStat, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT day, tool, executions, avg_latency_ms, success_ratio, total_cost
		 FROM tool_daily_stats WHERE day >= $1 ORDER BY day, tool`,
		since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: tool daily stats")
	}
	defer rows.Close()

	var out []model.ToolDailyStat
	for rows.Next() {
		var st model.ToolDailyStat
		if err := rows.Scan(&st.Day, &st.Tool, &st.Executions, &st.AvgLatencyMs, &st.SuccessRatio, &st.TotalCost); err != nil {
			return nil, eris.Wrap(err, "postgres: scan tool daily stat")
		}
		out = append(out, st)
	}
	return out, eris.Wrap(rows.Err(), "postgres: tool daily stats iterate")
}

// maintenance

func (s *PostgresStore) PurgeBefore(ctx context.Context, cutoff time.Time) (PurgeResult, error) {
	var result PurgeResult
	at := cutoff.UTC()

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM jobs WHERE status IN ('completed', 'failed', 'cancelled') AND completed_at < $1`, at,
	)
	if err != nil {
		return result, eris.Wrap(err, "postgres: purge jobs")
	}
	result.Jobs = int(tag.RowsAffected())

	tag, err = s.pool.Exec(ctx, `DELETE FROM progress_events WHERE created_at < $1`, at)
	if err != nil {
		return result, eris.Wrap(err, "postgres: purge progress events")
	}
	result.ProgressEvents = int(tag.RowsAffected())

	tag, err = s.pool.Exec(ctx, `DELETE FROM tool_performance_samples WHERE created_at < $1`, at)
	if err != nil {
		return result, eris.Wrap(err, "postgres: purge tool samples")
	}
	result.ToolSamples = int(tag.RowsAffected())

	return result, nil
}

// scan helpers

func scanJobPG(row pgx.Row) (*model.Job, error) {
	var j model.Job
	var paramsJSON, resultJSON []byte
	var errMsg *string
	var durationMs int64
	var startedAt, completedAt *time.Time

	err := row.Scan(&j.ID, &j.SessionID, &j.Type, &j.Target, &paramsJSON, &j.Status,
		&j.Progress, &resultJSON, &errMsg, &durationMs, &j.CreatedAt, &startedAt, &completedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan job")
	}

	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &j.Parameters); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal job parameters")
		}
	}
	if len(resultJSON) > 0 {
		j.Result = json.RawMessage(resultJSON)
	}
	if errMsg != nil {
		j.ErrorMessage = *errMsg
	}
	j.EstimatedDuration = time.Duration(durationMs) * time.Millisecond
	j.StartedAt = startedAt
	j.CompletedAt = completedAt
	return &j, nil
}

func scanPatternPG(row pgx.Row) (*model.Pattern, error) {
	var p model.Pattern
	var intentJSON, execJSON []byte
	var feedback *string

	err := row.Scan(&p.ID, &p.RequestText, &intentJSON, &execJSON, &p.SuccessScore,
		&p.ReuseCount, &feedback, &p.CreatedAt, &p.LastUsedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan pattern")
	}
	if feedback != nil {
		p.UserFeedback = *feedback
	}
	if err := json.Unmarshal(intentJSON, &p.Intent); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal pattern intent")
	}
	if err := json.Unmarshal(execJSON, &p.Execution); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal pattern execution")
	}
	return &p, nil
}

func marshalJSONSlice(s []string) ([]byte, error) {
	if len(s) == 0 {
		return nil, nil
	}
	return json.Marshal(s)
}
