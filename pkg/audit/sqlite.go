package audit

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists audit records in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite-backed audit store and ensures schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if err := ensureAuditSchema(db); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func ensureAuditSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS risk_decisions (
			id TEXT,
			turn_id TEXT NOT NULL,
			tool TEXT NOT NULL,
			args_digest TEXT,
			tier TEXT NOT NULL,
			approved INTEGER NOT NULL,
			reason TEXT,
			created_at TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_risk_decisions_turn ON risk_decisions (turn_id);
		CREATE TABLE IF NOT EXISTS trace_steps (
			turn_id TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			step_type TEXT NOT NULL,
			content TEXT,
			tool TEXT,
			is_error INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP,
			duration_ns INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_trace_steps_turn ON trace_steps (turn_id);
		CREATE TABLE IF NOT EXISTS turns (
			turn_id TEXT NOT NULL,
			session_id TEXT,
			agent_id TEXT,
			outcome TEXT NOT NULL,
			steps INTEGER NOT NULL,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			confidence REAL NOT NULL DEFAULT 0,
			created_at TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_turns_session ON turns (session_id);
	`)
	return err
}

// RecordDecision stores a single risk decision.
func (s *SQLiteStore) RecordDecision(ctx context.Context, decision Decision) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO risk_decisions (id, turn_id, tool, args_digest, tier, approved, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		decision.ID,
		decision.TurnID,
		decision.Tool,
		decision.ArgsDigest,
		decision.Tier,
		boolToInt(decision.Approved),
		decision.Reason,
		normalizeTime(decision.CreatedAt),
	)
	return err
}

// RecordStep stores a single trace step.
func (s *SQLiteStore) RecordStep(ctx context.Context, step Step) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trace_steps (turn_id, step_index, step_type, content, tool, is_error, created_at, duration_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		step.TurnID,
		step.Index,
		step.Type,
		step.Content,
		step.Tool,
		boolToInt(step.IsError),
		normalizeTime(step.CreatedAt),
		step.Duration.Nanoseconds(),
	)
	return err
}

// RecordTurn stores a single turn summary.
func (s *SQLiteStore) RecordTurn(ctx context.Context, turn TurnRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO turns (turn_id, session_id, agent_id, outcome, steps, total_tokens, confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		turn.TurnID,
		turn.SessionID,
		turn.AgentID,
		turn.Outcome,
		turn.Steps,
		turn.TotalTokens,
		turn.Confidence,
		normalizeTime(turn.CreatedAt),
	)
	return err
}

// ListDecisions returns decision records matching the filter.
func (s *SQLiteStore) ListDecisions(ctx context.Context, filter DecisionFilter) ([]Decision, error) {
	query := `
		SELECT id, turn_id, tool, args_digest, tier, approved, reason, created_at
		FROM risk_decisions
	`
	var args []any
	where := ""
	addFilter := func(clause string, value any) {
		if where == "" {
			where = " WHERE " + clause
		} else {
			where += " AND " + clause
		}
		args = append(args, value)
	}
	if filter.TurnID != "" {
		addFilter("turn_id = ?", filter.TurnID)
	}
	if filter.Tool != "" {
		addFilter("tool = ?", filter.Tool)
	}
	if filter.Tier != "" {
		addFilter("tier = ?", filter.Tier)
	}
	query += where + " ORDER BY created_at ASC, rowid ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var decisions []Decision
	for rows.Next() {
		var (
			d        Decision
			approved int
			created  sql.NullTime
		)
		if err := rows.Scan(&d.ID, &d.TurnID, &d.Tool, &d.ArgsDigest, &d.Tier, &approved, &d.Reason, &created); err != nil {
			return nil, err
		}
		d.Approved = approved != 0
		if created.Valid {
			d.CreatedAt = created.Time
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// ListSteps returns a turn's trace steps in execution order.
func (s *SQLiteStore) ListSteps(ctx context.Context, turnID string) ([]Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT turn_id, step_index, step_type, content, tool, is_error, created_at, duration_ns
		FROM trace_steps
		WHERE turn_id = ?
		ORDER BY step_index ASC
	`, turnID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var (
			step    Step
			isError int
			created sql.NullTime
			durNS   int64
		)
		if err := rows.Scan(&step.TurnID, &step.Index, &step.Type, &step.Content, &step.Tool, &isError, &created, &durNS); err != nil {
			return nil, err
		}
		step.IsError = isError != 0
		if created.Valid {
			step.CreatedAt = created.Time
		}
		step.Duration = time.Duration(durNS)
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// ListTurns returns turn summaries, optionally scoped to a session.
func (s *SQLiteStore) ListTurns(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error) {
	query := `
		SELECT turn_id, session_id, agent_id, outcome, steps, total_tokens, confidence, created_at
		FROM turns
	`
	var args []any
	if sessionID != "" {
		query += " WHERE session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY created_at ASC, rowid ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []TurnRecord
	for rows.Next() {
		var (
			turn    TurnRecord
			created sql.NullTime
		)
		if err := rows.Scan(&turn.TurnID, &turn.SessionID, &turn.AgentID, &turn.Outcome, &turn.Steps, &turn.TotalTokens, &turn.Confidence, &created); err != nil {
			return nil, err
		}
		if created.Valid {
			turn.CreatedAt = created.Time
		}
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

var _ Store = (*SQLiteStore)(nil)
