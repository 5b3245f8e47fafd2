package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/scrape-orchestrator/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// Without _time_format=sqlite the driver binds time.Time in Go's default
	// string format, which SQLite's date() cannot parse.
	if !strings.Contains(dsn, "_time_format=") {
		if strings.Contains(dsn, "?") {
			dsn += "&_time_format=sqlite"
		} else {
			dsn += "?_time_format=sqlite"
		}
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT PRIMARY KEY,
	external_key     TEXT NOT NULL UNIQUE,
	context          TEXT,
	message_count    INTEGER NOT NULL DEFAULT 0,
	outcome_count    INTEGER NOT NULL DEFAULT 0,
	success_rate     REAL NOT NULL DEFAULT 0.0,
	created_at       DATETIME NOT NULL DEFAULT (datetime('now')),
	last_activity_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS intent_records (
	id                  TEXT PRIMARY KEY,
	session_id          TEXT NOT NULL REFERENCES sessions(id),
	message_id          TEXT NOT NULL,
	primary_intent      TEXT NOT NULL,
	confidence          REAL NOT NULL,
	parameters          TEXT,
	targets             TEXT,
	needs_clarification INTEGER NOT NULL DEFAULT 0,
	reasoning           TEXT,
	created_at          DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS jobs (
	id                    TEXT PRIMARY KEY,
	session_id            TEXT NOT NULL REFERENCES sessions(id),
	type                  TEXT NOT NULL,
	target                TEXT NOT NULL,
	parameters            TEXT,
	status                TEXT NOT NULL DEFAULT 'pending',
	progress              REAL NOT NULL DEFAULT 0.0,
	result                TEXT,
	error_message         TEXT,
	estimated_duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at            DATETIME NOT NULL DEFAULT (datetime('now')),
	started_at            DATETIME,
	completed_at          DATETIME
);

CREATE TABLE IF NOT EXISTS patterns (
	id            TEXT PRIMARY KEY,
	request_text  TEXT NOT NULL,
	intent        TEXT NOT NULL,
	execution     TEXT NOT NULL,
	success_score REAL NOT NULL,
	reuse_count   INTEGER NOT NULL DEFAULT 0,
	user_feedback TEXT,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	last_used_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS pattern_embeddings (
	pattern_id TEXT PRIMARY KEY REFERENCES patterns(id),
	vector     TEXT NOT NULL,
	model      TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS pattern_tags (
	pattern_id TEXT NOT NULL REFERENCES patterns(id),
	tag        TEXT NOT NULL,
	PRIMARY KEY (pattern_id, tag)
);

CREATE TABLE IF NOT EXISTS tool_selections (
	id           TEXT PRIMARY KEY,
	session_id   TEXT NOT NULL REFERENCES sessions(id),
	primary_tool TEXT NOT NULL,
	alternatives TEXT,
	strategy     TEXT NOT NULL,
	confidence   REAL NOT NULL,
	config       TEXT,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS tool_performance_samples (
	id                TEXT PRIMARY KEY,
	session_id        TEXT NOT NULL,
	tool              TEXT NOT NULL,
	execution_time_ms INTEGER NOT NULL,
	success           INTEGER NOT NULL,
	error             TEXT,
	estimated_cost    REAL NOT NULL DEFAULT 0,
	created_at        DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS progress_events (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	task_id    TEXT NOT NULL,
	task_name  TEXT NOT NULL,
	type       TEXT NOT NULL,
	progress   REAL NOT NULL DEFAULT 0.0,
	message    TEXT,
	metadata   TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS page_analyses (
	id            TEXT PRIMARY KEY,
	url           TEXT NOT NULL,
	content_type  TEXT NOT NULL,
	confidence    REAL NOT NULL,
	schema_count  INTEGER NOT NULL DEFAULT 0,
	pattern_count INTEGER NOT NULL DEFAULT 0,
	rule_count    INTEGER NOT NULL DEFAULT 0,
	note          TEXT,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS detected_schemas (
	id           TEXT PRIMARY KEY,
	analysis_id  TEXT NOT NULL REFERENCES page_analyses(id),
	type         TEXT NOT NULL,
	confidence   REAL NOT NULL,
	selector     TEXT NOT NULL,
	alt_selector TEXT,
	match_count  INTEGER NOT NULL,
	fields       TEXT
);

CREATE TABLE IF NOT EXISTS content_patterns (
	id                TEXT PRIMARY KEY,
	analysis_id       TEXT NOT NULL REFERENCES page_analyses(id),
	type              TEXT NOT NULL,
	confidence        REAL NOT NULL,
	repeat_count      INTEGER NOT NULL,
	consistency_score REAL NOT NULL,
	selector          TEXT NOT NULL,
	alt_selectors     TEXT,
	signature         TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS extraction_rules (
	id                   TEXT PRIMARY KEY,
	analysis_id          TEXT NOT NULL REFERENCES page_analyses(id),
	field                TEXT NOT NULL,
	selector             TEXT NOT NULL,
	data_type            TEXT NOT NULL,
	method               TEXT NOT NULL,
	confidence           REAL NOT NULL,
	validation_rules     TEXT,
	transformation_rules TEXT,
	fallback_selectors   TEXT
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
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// sessions

func (s *SQLiteStore) CreateSession(ctx context.Context, externalKey string, sessionContext map[string]any) (*model.Session, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	ctxJSON, err := marshalMap(sessionContext)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal session context")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, external_key, context, created_at, last_activity_at) VALUES (?, ?, ?, ?, ?)`,
		id, externalKey, ctxJSON, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert session")
	}

	return &model.Session{
		ID:             id,
		ExternalKey:    externalKey,
		Context:        sessionContext,
		CreatedAt:      now,
		LastActivityAt: now,
	}, nil
}

const sessionColumns = `id, external_key, context, message_count, success_rate, created_at, last_activity_at`

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id,
	)
	sess, err := scanSession(row)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, eris.Errorf("session not found: %s", id)
	}
	return sess, nil
}

func (s *SQLiteStore) GetSessionByKey(ctx context.Context, externalKey string) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE external_key = ?`, externalKey,
	)
	return scanSession(row)
}

func (s *SQLiteStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET message_count = message_count + 1, last_activity_at = ? WHERE id = ?`,
		at.UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: touch session %s", id)
	}
	return checkRowsAffected(res, "session", id)
}

func (s *SQLiteStore) RecordSessionOutcome(ctx context.Context, id string, success bool) error {
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET
			success_rate = (success_rate * outcome_count + ?) / (outcome_count + 1),
			outcome_count = outcome_count + 1,
			last_activity_at = ?
		 WHERE id = ?`,
		outcome, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: record session outcome %s", id)
	}
	return checkRowsAffected(res, "session", id)
}

func (s *SQLiteStore) EvictIdleSessions(ctx context.Context, idleBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE last_activity_at < ?`, idleBefore.UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: evict idle sessions")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// intents

func (s *SQLiteStore) CreateIntent(ctx context.Context, rec model.IntentRecord) error {
	paramsJSON, err := marshalMap(rec.Parameters)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal intent parameters")
	}
	targetsJSON, err := marshalSlice(rec.Targets)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal intent targets")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO intent_records
			(id, session_id, message_id, primary_intent, confidence, parameters, targets, needs_clarification, reasoning, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, rec.MessageID, rec.PrimaryIntent, rec.Confidence,
		paramsJSON, targetsJSON, boolToInt(rec.NeedsClarification), rec.Reasoning, rec.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: insert intent record")
}

// jobs

const jobColumns = `id, session_id, type, target, parameters, status, progress, result,
	error_message, estimated_duration_ms, created_at, started_at, completed_at`

func (s *SQLiteStore) CreateJob(ctx context.Context, job model.Job) error {
	paramsJSON, err := marshalMap(job.Parameters)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal job parameters")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, session_id, type, target, parameters, status, progress, estimated_duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.SessionID, string(job.Type), job.Target, paramsJSON,
		string(model.JobStatusPending), 0.0, job.EstimatedDuration.Milliseconds(), job.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: insert job %s", job.ID)
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id,
	)
	job, err := scanJob(row)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, eris.Errorf("job not found: %s", id)
	}
	return job, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var args []any

	if filter.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, filter.SessionID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func (s *SQLiteStore) NextPendingJobs(ctx context.Context, limit int) ([]model.Job, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at ASC LIMIT ?`,
		string(model.JobStatusPending), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: next pending jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: next pending jobs iterate")
}

func (s *SQLiteStore) ClaimJob(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		string(model.JobStatusRunning), at.UTC(), id, string(model.JobStatusPending),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: claim job %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) UpdateJobProgress(ctx context.Context, id string, progress float64) error {
	// Progress never regresses and only a running job accepts updates; a
	// stale update simply matches zero rows.
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET progress = ? WHERE id = ? AND status = ? AND progress <= ?`,
		progress, id, string(model.JobStatusRunning), progress,
	)
	return eris.Wrapf(err, "sqlite: update job progress %s", id)
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, id string, result []byte, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, progress = 1.0, result = ?, completed_at = ? WHERE id = ? AND status = ?`,
		string(model.JobStatusCompleted), string(result), at.UTC(), id, string(model.JobStatusRunning),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete job %s", id)
	}
	return checkRowsAffected(res, "running job", id)
}

func (s *SQLiteStore) FailJob(ctx context.Context, id string, errMsg string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error_message = ?, completed_at = ? WHERE id = ? AND status = ?`,
		string(model.JobStatusFailed), errMsg, at.UTC(), id, string(model.JobStatusRunning),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail job %s", id)
	}
	return checkRowsAffected(res, "running job", id)
}

func (s *SQLiteStore) CancelJob(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, completed_at = ? WHERE id = ? AND status IN (?, ?)`,
		string(model.JobStatusCancelled), at.UTC(), id,
		string(model.JobStatusPending), string(model.JobStatusRunning),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: cancel job %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

// patterns

func (s *SQLiteStore) CreatePattern(ctx context.Context, p model.Pattern, emb model.Embedding) error {
	intentJSON, err := json.Marshal(p.Intent)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal pattern intent")
	}
	execJSON, err := json.Marshal(p.Execution)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal pattern execution")
	}
	vectorJSON, err := json.Marshal(emb.Vector)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal embedding vector")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin pattern tx")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO patterns (id, request_text, intent, execution, success_score, reuse_count, user_feedback, created_at, last_used_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.RequestText, string(intentJSON), string(execJSON),
		p.SuccessScore, p.ReuseCount, p.UserFeedback, p.CreatedAt.UTC(), p.LastUsedAt.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert pattern %s", p.ID)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO pattern_embeddings (pattern_id, vector, model, created_at) VALUES (?, ?, ?, ?)`,
		p.ID, string(vectorJSON), emb.Model, emb.CreatedAt.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert embedding for pattern %s", p.ID)
	}

	for _, tag := range p.ContextTags {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pattern_tags (pattern_id, tag) VALUES (?, ?)`, p.ID, tag,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert tag %s for pattern %s", tag, p.ID)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit pattern tx")
}

const patternColumns = `p.id, p.request_text, p.intent, p.execution, p.success_score,
	p.reuse_count, p.user_feedback, p.created_at, p.last_used_at`

func (s *SQLiteStore) GetPattern(ctx context.Context, id string) (*model.Pattern, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+patternColumns+` FROM patterns p WHERE p.id = ?`, id,
	)
	p, err := scanPattern(row)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, eris.Errorf("pattern not found: %s", id)
	}
	if err := s.loadPatternTags(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *SQLiteStore) ListPatternVectors(ctx context.Context) ([]PatternVector, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+patternColumns+`, e.vector
		 FROM patterns p JOIN pattern_embeddings e ON e.pattern_id = p.id
		 ORDER BY p.created_at ASC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list pattern vectors")
	}
	defer rows.Close()

	var out []PatternVector
	for rows.Next() {
		var pv PatternVector
		var intentJSON, execJSON, vectorJSON string
		var feedback sql.NullString
		p := &pv.Pattern
		err := rows.Scan(&p.ID, &p.RequestText, &intentJSON, &execJSON, &p.SuccessScore,
			&p.ReuseCount, &feedback, &p.CreatedAt, &p.LastUsedAt, &vectorJSON)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan pattern vector")
		}
		p.UserFeedback = feedback.String
		if err := json.Unmarshal([]byte(intentJSON), &p.Intent); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal pattern intent")
		}
		if err := json.Unmarshal([]byte(execJSON), &p.Execution); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal pattern execution")
		}
		if err := json.Unmarshal([]byte(vectorJSON), &pv.Vector); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal embedding vector")
		}
		out = append(out, pv)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list pattern vectors iterate")
}

func (s *SQLiteStore) ListPatternsByTag(ctx context.Context, tag string) ([]model.Pattern, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+patternColumns+`
		 FROM patterns p JOIN pattern_tags t ON t.pattern_id = p.id
		 WHERE t.tag = ? ORDER BY p.success_score DESC`,
		tag,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list patterns by tag %s", tag)
	}
	defer rows.Close()

	var out []model.Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list patterns by tag iterate")
}

func (s *SQLiteStore) RecordPatternOutcome(ctx context.Context, id string, outcome, alpha float64, at time.Time) error {
	// Single-statement blend so concurrent outcomes never lose an update.
	// Only a successful reuse counts; failures still pull the score down.
	res, err := s.db.ExecContext(ctx,
		`UPDATE patterns SET
			success_score = success_score + ? * (? - success_score),
			reuse_count = reuse_count + (CASE WHEN ? >= 1.0 THEN 1 ELSE 0 END),
			last_used_at = ?
		 WHERE id = ?`,
		alpha, outcome, outcome, at.UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: record pattern outcome %s", id)
	}
	return checkRowsAffected(res, "pattern", id)
}

func (s *SQLiteStore) loadPatternTags(ctx context.Context, p *model.Pattern) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tag FROM pattern_tags WHERE pattern_id = ? ORDER BY tag`, p.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: load tags for pattern %s", p.ID)
	}
	defer rows.Close()

	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return eris.Wrap(err, "sqlite: scan pattern tag")
		}
		p.ContextTags = append(p.ContextTags, tag)
	}
	return eris.Wrap(rows.Err(), "sqlite: load pattern tags iterate")
}

// tool selections and performance

func (s *SQLiteStore) CreateToolSelection(ctx context.Context, sel model.ToolSelection) error {
	altsJSON, err := marshalSlice(sel.Alternatives)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal alternatives")
	}
	configJSON, err := marshalMap(sel.Config)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal selection config")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tool_selections (id, session_id, primary_tool, alternatives, strategy, confidence, config, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sel.ID, sel.SessionID, sel.PrimaryTool, altsJSON, string(sel.Strategy),
		sel.Confidence, configJSON, sel.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: insert tool selection")
}

func (s *SQLiteStore) CreateToolSample(ctx context.Context, sample model.ToolPerformanceSample) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_performance_samples (id, session_id, tool, execution_time_ms, success, error, estimated_cost, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sample.ID, sample.SessionID, sample.Tool, sample.ExecutionTime.Milliseconds(),
		boolToInt(sample.Success), sample.Error, sample.Cost, sample.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: insert tool sample")
}

func (s *SQLiteStore) ToolPerformanceSince(ctx context.Context, since time.Time) ([]model.ToolPerformance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tool, COUNT(*), AVG(success), AVG(execution_time_ms)
		 FROM tool_performance_samples
		 WHERE created_at >= ?
		 GROUP BY tool ORDER BY tool`,
		since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: tool performance")
	}
	defer rows.Close()

	var out []model.ToolPerformance
	for rows.Next() {
		var tp model.ToolPerformance
		var avgMs float64
		if err := rows.Scan(&tp.Tool, &tp.Executions, &tp.SuccessRate, &avgMs); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan tool performance")
		}
		tp.AvgLatency = time.Duration(avgMs * float64(time.Millisecond))
		out = append(out, tp)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: tool performance iterate")
}

// progress events

func (s *SQLiteStore) AppendProgressEvent(ctx context.Context, ev model.ProgressEvent) error {
	metaJSON, err := marshalMap(ev.Metadata)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal event metadata")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO progress_events (id, session_id, task_id, task_name, type, progress, message, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.SessionID, ev.TaskID, ev.TaskName, string(ev.Type),
		ev.Progress, ev.Message, metaJSON, ev.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: insert progress event")
}

func (s *SQLiteStore) ListProgressEvents(ctx context.Context, taskID string) ([]model.ProgressEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, task_id, task_name, type, progress, message, metadata, created_at
		 FROM progress_events WHERE task_id = ? ORDER BY created_at ASC, id ASC`,
		taskID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list progress events %s", taskID)
	}
	defer rows.Close()

	var out []model.ProgressEvent
	for rows.Next() {
		var ev model.ProgressEvent
		var msg, metaJSON sql.NullString
		err := rows.Scan(&ev.ID, &ev.SessionID, &ev.TaskID, &ev.TaskName, &ev.Type,
			&ev.Progress, &msg, &metaJSON, &ev.CreatedAt)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan progress event")
		}
		ev.Message = msg.String
		if metaJSON.Valid && metaJSON.String != "" {
			if err := json.Unmarshal([]byte(metaJSON.String), &ev.Metadata); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal event metadata")
			}
		}
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list progress events iterate")
}

// page analyses

func (s *SQLiteStore) CreateAnalysis(ctx context.Context, a *model.PageAnalysis) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin analysis tx")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO page_analyses (id, url, content_type, confidence, schema_count, pattern_count, rule_count, note, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.URL, string(a.ContentType), a.Confidence,
		len(a.Schemas), len(a.Patterns), len(a.Rules), a.Note, a.CreatedAt.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert analysis %s", a.ID)
	}

	for i := range a.Schemas {
		ds := &a.Schemas[i]
		fieldsJSON, err := marshalSlice(ds.Fields)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal schema fields")
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO detected_schemas (id, analysis_id, type, confidence, selector, alt_selector, match_count, fields)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			ds.ID, a.ID, string(ds.Type), ds.Confidence, ds.Selector, ds.AltSelector, ds.MatchCount, fieldsJSON,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert schema for analysis %s", a.ID)
		}
	}

	for i := range a.Patterns {
		cp := &a.Patterns[i]
		altsJSON, err := marshalSlice(cp.AltSelectors)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal alt selectors")
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO content_patterns (id, analysis_id, type, confidence, repeat_count, consistency_score, selector, alt_selectors, signature)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			cp.ID, a.ID, cp.Type, cp.Confidence, cp.RepeatCount, cp.ConsistencyScore, cp.Selector, altsJSON, cp.Signature,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert content pattern for analysis %s", a.ID)
		}
	}

	for i := range a.Rules {
		r := &a.Rules[i]
		validJSON, err := marshalSlice(r.ValidationRules)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal validation rules")
		}
		transformJSON, err := marshalSlice(r.TransformRules)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal transform rules")
		}
		fallbackJSON, err := marshalSlice(r.FallbackSelectors)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal fallback selectors")
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO extraction_rules
				(id, analysis_id, field, selector, data_type, method, confidence, validation_rules, transformation_rules, fallback_selectors)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, a.ID, r.Field, r.Selector, string(r.DataType), r.Method, r.Confidence,
			validJSON, transformJSON, fallbackJSON,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert rule for analysis %s", a.ID)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit analysis tx")
}

func (s *SQLiteStore) GetAnalysis(ctx context.Context, id string) (*model.PageAnalysis, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, url, content_type, confidence, schema_count, pattern_count, rule_count, note, created_at
		 FROM page_analyses WHERE id = ?`,
		id,
	)

	var a model.PageAnalysis
	var note sql.NullString
	err := row.Scan(&a.ID, &a.URL, &a.ContentType, &a.Confidence,
		&a.SchemaCount, &a.PatternCount, &a.RuleCount, &note, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Errorf("analysis not found: %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan analysis")
	}
	a.Note = note.String

	if err := s.loadAnalysisChildren(ctx, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *SQLiteStore) loadAnalysisChildren(ctx context.Context, a *model.PageAnalysis) error {
	schemaRows, err := s.db.QueryContext(ctx,
		`SELECT id, analysis_id, type, confidence, selector, alt_selector, match_count, fields
		 FROM detected_schemas WHERE analysis_id = ? ORDER BY confidence DESC, id ASC`,
		a.ID,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: load schemas")
	}
	defer schemaRows.Close()
	for schemaRows.Next() {
		var ds model.DetectedSchema
		var alt, fieldsJSON sql.NullString
		err := schemaRows.Scan(&ds.ID, &ds.AnalysisID, &ds.Type, &ds.Confidence,
			&ds.Selector, &alt, &ds.MatchCount, &fieldsJSON)
		if err != nil {
			return eris.Wrap(err, "sqlite: scan schema")
		}
		ds.AltSelector = alt.String
		if err := unmarshalSlice(fieldsJSON, &ds.Fields); err != nil {
			return eris.Wrap(err, "sqlite: unmarshal schema fields")
		}
		a.Schemas = append(a.Schemas, ds)
	}
	if err := schemaRows.Err(); err != nil {
		return eris.Wrap(err, "sqlite: load schemas iterate")
	}

	patternRows, err := s.db.QueryContext(ctx,
		`SELECT id, analysis_id, type, confidence, repeat_count, consistency_score, selector, alt_selectors, signature
		 FROM content_patterns WHERE analysis_id = ? ORDER BY confidence DESC, id ASC`,
		a.ID,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: load content patterns")
	}
	defer patternRows.Close()
	for patternRows.Next() {
		var cp model.ContentPattern
		var altsJSON sql.NullString
		err := patternRows.Scan(&cp.ID, &cp.AnalysisID, &cp.Type, &cp.Confidence,
			&cp.RepeatCount, &cp.ConsistencyScore, &cp.Selector, &altsJSON, &cp.Signature)
		if err != nil {
			return eris.Wrap(err, "sqlite: scan content pattern")
		}
		if err := unmarshalSlice(altsJSON, &cp.AltSelectors); err != nil {
			return eris.Wrap(err, "sqlite: unmarshal alt selectors")
		}
		a.Patterns = append(a.Patterns, cp)
	}
	if err := patternRows.Err(); err != nil {
		return eris.Wrap(err, "sqlite: load content patterns iterate")
	}

	ruleRows, err := s.db.QueryContext(ctx,
		`SELECT id, analysis_id, field, selector, data_type, method, confidence, validation_rules, transformation_rules, fallback_selectors
		 FROM extraction_rules WHERE analysis_id = ? ORDER BY field ASC, id ASC`,
		a.ID,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: load rules")
	}
	defer ruleRows.Close()
	for ruleRows.Next() {
		var r model.ExtractionRule
		var validJSON, transformJSON, fallbackJSON sql.NullString
		err := ruleRows.Scan(&r.ID, &r.AnalysisID, &r.Field, &r.Selector, &r.DataType,
			&r.Method, &r.Confidence, &validJSON, &transformJSON, &fallbackJSON)
		if err != nil {
			return eris.Wrap(err, "sqlite: scan rule")
		}
		if err := unmarshalSlice(validJSON, &r.ValidationRules); err != nil {
			return eris.Wrap(err, "sqlite: unmarshal validation rules")
		}
		if err := unmarshalSlice(transformJSON, &r.TransformRules); err != nil {
			return eris.Wrap(err, "sqlite: unmarshal transform rules")
		}
		if err := unmarshalSlice(fallbackJSON, &r.FallbackSelectors); err != nil {
			return eris.Wrap(err, "sqlite: unmarshal fallback selectors")
		}
		a.Rules = append(a.Rules, r)
	}
	return eris.Wrap(ruleRows.Err(), "sqlite: load rules iterate")
}

// analytics

func (s *SQLiteStore) SessionDailyStats(ctx context.Context, since time.Time) ([]model.SessionDailyStat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT date(created_at), COUNT(*), AVG(message_count), AVG(success_rate)
		 FROM sessions WHERE created_at >= ?
		 GROUP BY date(created_at) ORDER BY date(created_at)`,
		since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: session daily stats")
	}
	defer rows.Close()

	var out []model.SessionDailyStat
	for rows.Next() {
		var st model.SessionDailyStat
		var day string
		if err := rows.Scan(&day, &st.Sessions, &st.AvgMessages, &st.AvgSuccessRate); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan session daily stat")
		}
		st.Day, err = time.Parse("2006-01-02", day)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: parse stat day")
		}
		out = append(out, st)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: session daily stats iterate")
}

func (s *SQLiteStore) ToolDailyStats(ctx context.Context, since time.Time) ([]model.ToolDailyStat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT date(created_at), tool, COUNT(*), AVG(execution_time_ms), AVG(success), SUM(estimated_cost)
		 FROM tool_performance_samples WHERE created_at >= ?
		 GROUP BY date(created_at), tool ORDER BY date(created_at), tool`,
		since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: tool daily stats")
	}
	defer rows.Close()

	var out []model.ToolDailyStat
	for rows.Next() {
		var st model.ToolDailyStat
		var day string
		if err := rows.Scan(&day, &st.Tool, &st.Executions, &st.AvgLatencyMs, &st.SuccessRatio, &st.TotalCost); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan tool daily stat")
		}
		st.Day, err = time.Parse("2006-01-02", day)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: parse stat day")
		}
		out = append(out, st)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: tool daily stats iterate")
}

// maintenance

func (s *SQLiteStore) PurgeBefore(ctx context.Context, cutoff time.Time) (PurgeResult, error) {
	var result PurgeResult
	at := cutoff.UTC()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status IN (?, ?, ?) AND completed_at < ?`,
		string(model.JobStatusCompleted), string(model.JobStatusFailed),
		string(model.JobStatusCancelled), at,
	)
	if err != nil {
		return result, eris.Wrap(err, "sqlite: purge jobs")
	}
	n, _ := res.RowsAffected()
	result.Jobs = int(n)

	res, err = s.db.ExecContext(ctx, `DELETE FROM progress_events WHERE created_at < ?`, at)
	if err != nil {
		return result, eris.Wrap(err, "sqlite: purge progress events")
	}
	n, _ = res.RowsAffected()
	result.ProgressEvents = int(n)

	res, err = s.db.ExecContext(ctx, `DELETE FROM tool_performance_samples WHERE created_at < ?`, at)
	if err != nil {
		return result, eris.Wrap(err, "sqlite: purge tool samples")
	}
	n, _ = res.RowsAffected()
	result.ToolSamples = int(n)

	return result, nil
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalMap(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func marshalSlice[T any](s []T) (string, error) {
	if len(s) == 0 {
		return "", nil
	}
	b, err := json.Marshal(s)
	return string(b), err
}

func unmarshalSlice[T any](src sql.NullString, dst *[]T) error {
	if !src.Valid || src.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(src.String), dst)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (*model.Session, error) {
	var sess model.Session
	var ctxJSON sql.NullString

	err := row.Scan(&sess.ID, &sess.ExternalKey, &ctxJSON, &sess.MessageCount,
		&sess.SuccessRate, &sess.CreatedAt, &sess.LastActivityAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan session")
	}
	if ctxJSON.Valid && ctxJSON.String != "" {
		if err := json.Unmarshal([]byte(ctxJSON.String), &sess.Context); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal session context")
		}
	}
	return &sess, nil
}

func scanJob(row scannable) (*model.Job, error) {
	var j model.Job
	var paramsJSON, result, errMsg sql.NullString
	var durationMs int64
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&j.ID, &j.SessionID, &j.Type, &j.Target, &paramsJSON, &j.Status,
		&j.Progress, &result, &errMsg, &durationMs, &j.CreatedAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan job")
	}

	if paramsJSON.Valid && paramsJSON.String != "" {
		if err := json.Unmarshal([]byte(paramsJSON.String), &j.Parameters); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal job parameters")
		}
	}
	if result.Valid {
		j.Result = json.RawMessage(result.String)
	}
	j.ErrorMessage = errMsg.String
	j.EstimatedDuration = time.Duration(durationMs) * time.Millisecond
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	return &j, nil
}

func scanPattern(row scannable) (*model.Pattern, error) {
	var p model.Pattern
	var intentJSON, execJSON string
	var feedback sql.NullString

	err := row.Scan(&p.ID, &p.RequestText, &intentJSON, &execJSON, &p.SuccessScore,
		&p.ReuseCount, &feedback, &p.CreatedAt, &p.LastUsedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan pattern")
	}
	p.UserFeedback = feedback.String
	if err := json.Unmarshal([]byte(intentJSON), &p.Intent); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal pattern intent")
	}
	if err := json.Unmarshal([]byte(execJSON), &p.Execution); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal pattern execution")
	}
	return &p, nil
}
