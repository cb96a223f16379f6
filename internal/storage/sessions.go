package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/llmbench/llmbench/internal/bench"
)

// TuneSession is the persisted record of one auto-tune search.
type TuneSession struct {
	ID          string          `json:"id"`
	Backend     string          `json:"backend"`
	Model       string          `json:"model,omitempty"`
	Status      string          `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
	BestConfig  *bench.Config   `json:"best_config,omitempty"`
	Trials      json.RawMessage `json:"trials"`
	Error       string          `json:"error,omitempty"`
}

// TuneSession status constants
const (
	TuneStatusRunning  = "running"
	TuneStatusComplete = "complete"
	TuneStatusStopped  = "stopped"
	TuneStatusFailed   = "failed"
)

// TuneStore handles auto-tune session persistence
type TuneStore struct {
	db *DB
}

// NewTuneStore creates a new tune session store
func NewTuneStore(db *DB) *TuneStore {
	return &TuneStore{db: db}
}

// Create inserts a new session
func (s *TuneStore) Create(ctx context.Context, session *TuneSession) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if session.StartedAt.IsZero() {
		session.StartedAt = time.Now().UTC()
	}
	if session.Status == "" {
		session.Status = TuneStatusRunning
	}
	if session.Trials == nil {
		session.Trials = json.RawMessage("[]")
	}

	bestConfig, err := marshalBestConfig(session.BestConfig)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO autotune_sessions (
			id, backend, model, status, started_at, completed_at,
			best_config, trials, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		session.ID, session.Backend, session.Model, session.Status,
		session.StartedAt, nullTime(session.CompletedAt),
		bestConfig, string(session.Trials), session.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to create tune session: %w", err)
	}
	return nil
}

// Update rewrites the mutable fields of an existing session
func (s *TuneStore) Update(ctx context.Context, session *TuneSession) error {
	bestConfig, err := marshalBestConfig(session.BestConfig)
	if err != nil {
		return err
	}
	if session.Trials == nil {
		session.Trials = json.RawMessage("[]")
	}

	query := `
		UPDATE autotune_sessions SET
			status = ?,
			completed_at = ?,
			best_config = ?,
			trials = ?,
			error = ?
		WHERE id = ?
	`

	res, err := s.db.ExecContext(ctx, query,
		session.Status, nullTime(session.CompletedAt),
		bestConfig, string(session.Trials), session.Error,
		session.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update tune session: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Get retrieves a session by ID
func (s *TuneStore) Get(ctx context.Context, id string) (*TuneSession, error) {
	query := selectTuneSessions + ` WHERE id = ?`

	session, err := scanTuneSession(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tune session: %w", err)
	}
	return session, nil
}

// List returns sessions most recent first, optionally filtered by backend
func (s *TuneStore) List(ctx context.Context, backend string, limit int) ([]*TuneSession, error) {
	query := selectTuneSessions + ` WHERE 1=1`
	var args []interface{}

	if backend != "" {
		query += " AND backend = ?"
		args = append(args, backend)
	}

	query += " ORDER BY started_at DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tune sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*TuneSession
	for rows.Next() {
		session, err := scanTuneSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tune session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tune sessions: %w", err)
	}
	return sessions, nil
}

const selectTuneSessions = `
	SELECT
		id, backend, model, status, started_at, completed_at,
		best_config, trials, error
	FROM autotune_sessions
`

func scanTuneSession(row rowScanner) (*TuneSession, error) {
	session := &TuneSession{}
	var completedAt sql.NullTime
	var bestConfig, errorStr sql.NullString
	var trials string

	err := row.Scan(
		&session.ID, &session.Backend, &session.Model, &session.Status,
		&session.StartedAt, &completedAt,
		&bestConfig, &trials, &errorStr,
	)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		session.CompletedAt = completedAt.Time
	}
	if bestConfig.Valid && bestConfig.String != "" {
		cfg := &bench.Config{}
		if err := json.Unmarshal([]byte(bestConfig.String), cfg); err == nil {
			session.BestConfig = cfg
		}
	}
	session.Trials = json.RawMessage(trials)
	session.Error = errorStr.String
	return session, nil
}

func marshalBestConfig(cfg *bench.Config) (sql.NullString, error) {
	if cfg == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal best config: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// nullTime converts a zero time to a SQL NULL
func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
