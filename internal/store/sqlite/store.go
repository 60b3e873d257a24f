package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"game_mas/internal/domain"

	_ "modernc.org/sqlite"
)

var ErrAgentNotFound = errors.New("agent not found in store")

const schema = `
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	registered_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS decision_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id TEXT NOT NULL,
	task_id TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL,
	reason TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decision_log_agent ON decision_log(agent_id, id);

CREATE TABLE IF NOT EXISTS adjustment_history (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	agent_id TEXT NOT NULL,
	timestamp_ms INTEGER NOT NULL,
	suggestions TEXT NOT NULL,
	analysis TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_adjustment_history_agent ON adjustment_history(agent_id, seq);
`

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) UpsertAgent(ctx context.Context, rec domain.AgentRecord) error {
	now := time.Now().UTC()
	if rec.RegisteredAt.IsZero() {
		rec.RegisteredAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO agents(id, kind, status, registered_at, updated_at)
		VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		rec.ID, string(rec.Kind), string(rec.Status), rec.RegisteredAt.Unix(), rec.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert agent %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, agentID string) (domain.AgentRecord, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, kind, status, registered_at, updated_at FROM agents WHERE id = ?`,
		agentID,
	)
	rec, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AgentRecord{}, fmt.Errorf("get agent %s: %w", agentID, ErrAgentNotFound)
	}
	if err != nil {
		return domain.AgentRecord{}, fmt.Errorf("get agent %s: %w", agentID, err)
	}
	return rec, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]domain.AgentRecord, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, kind, status, registered_at, updated_at FROM agents ORDER BY id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	result := make([]domain.AgentRecord, 0)
	for rows.Next() {
		rec, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (domain.AgentRecord, error) {
	var rec domain.AgentRecord
	var kind, status string
	var registered, updated int64
	if err := row.Scan(&rec.ID, &kind, &status, &registered, &updated); err != nil {
		return domain.AgentRecord{}, err
	}
	rec.Kind = domain.AgentKind(kind)
	rec.Status = domain.AgentStatus(status)
	rec.RegisteredAt = unixToTime(registered)
	rec.UpdatedAt = unixToTime(updated)
	return rec, nil
}

func (s *Store) LogDecision(ctx context.Context, entry domain.DecisionLog) error {
	payload := string(entry.Payload)
	if payload == "" {
		payload = "{}"
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO decision_log(agent_id, task_id, action, reason, payload, created_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		entry.AgentID, entry.TaskID, entry.Action, entry.Reason, payload, createdAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

// ListDecisions returns the newest decisions for agentID first.
func (s *Store) ListDecisions(ctx context.Context, agentID string, limit int) ([]domain.DecisionLog, error) {
	if limit <= 0 {
		limit = 300
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, agent_id, task_id, action, reason, payload, created_at
		FROM decision_log
		WHERE agent_id = ?
		ORDER BY id DESC
		LIMIT ?`,
		agentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	result := make([]domain.DecisionLog, 0)
	for rows.Next() {
		var item domain.DecisionLog
		var payload string
		var createdAt int64
		if err := rows.Scan(&item.ID, &item.AgentID, &item.TaskID, &item.Action, &item.Reason, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		item.Payload = []byte(payload)
		item.CreatedAt = unixToTime(createdAt)
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return result, nil
}

func (s *Store) AppendAdjustment(ctx context.Context, entry domain.AdjustmentEntry) error {
	suggestions, analysis, err := encodeAdjustment(entry)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO adjustment_history(id, agent_id, timestamp_ms, suggestions, analysis)
		VALUES(?, ?, ?, ?, ?)`,
		entry.ID, entry.AgentID, entry.Timestamp.UnixMilli(), suggestions, analysis,
	)
	if err != nil {
		return fmt.Errorf("append adjustment %s: %w", entry.ID, err)
	}
	return nil
}

// ListAdjustments returns agentID's history in append order.
func (s *Store) ListAdjustments(ctx context.Context, agentID string) ([]domain.AdjustmentEntry, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, agent_id, timestamp_ms, suggestions, analysis
		FROM adjustment_history
		WHERE agent_id = ?
		ORDER BY seq ASC`,
		agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("list adjustments: %w", err)
	}
	defer rows.Close()

	result := make([]domain.AdjustmentEntry, 0)
	for rows.Next() {
		var item domain.AdjustmentEntry
		var ts int64
		var suggestions, analysis string
		if err := rows.Scan(&item.ID, &item.AgentID, &ts, &suggestions, &analysis); err != nil {
			return nil, fmt.Errorf("scan adjustment: %w", err)
		}
		if err := decodeAdjustment(&item, suggestions, analysis); err != nil {
			return nil, err
		}
		item.Timestamp = time.UnixMilli(ts).UTC()
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate adjustments: %w", err)
	}
	return result, nil
}

func encodeAdjustment(entry domain.AdjustmentEntry) (string, string, error) {
	suggestions := entry.Suggestions
	if suggestions == nil {
		suggestions = []string{}
	}
	rawSuggestions, err := json.Marshal(suggestions)
	if err != nil {
		return "", "", fmt.Errorf("encode suggestions: %w", err)
	}
	rawAnalysis, err := json.Marshal(entry.Analysis)
	if err != nil {
		return "", "", fmt.Errorf("encode analysis: %w", err)
	}
	return string(rawSuggestions), string(rawAnalysis), nil
}

func decodeAdjustment(item *domain.AdjustmentEntry, suggestions, analysis string) error {
	if err := json.Unmarshal([]byte(suggestions), &item.Suggestions); err != nil {
		return fmt.Errorf("decode suggestions for %s: %w", item.ID, err)
	}
	if err := json.Unmarshal([]byte(analysis), &item.Analysis); err != nil {
		return fmt.Errorf("decode analysis for %s: %w", item.ID, err)
	}
	return nil
}

func unixToTime(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}
