package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/llmbench/llmbench/internal/bench"
	"github.com/llmbench/llmbench/internal/telemetry"
)

// RunStore handles benchmark run persistence
type RunStore struct {
	db *DB
}

// NewRunStore creates a new run store
func NewRunStore(db *DB) *RunStore {
	return &RunStore{db: db}
}

// Save inserts a completed run and assigns it the next monotonic ID.
func (s *RunStore) Save(ctx context.Context, result *bench.Result) error {
	if result.Timestamp.IsZero() {
		result.Timestamp = time.Now().UTC()
	}

	configJSON, err := json.Marshal(result.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	telemetryJSON, err := json.Marshal(result.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to marshal telemetry: %w", err)
	}

	query := `
		INSERT INTO runs (
			timestamp, backend, model, config,
			tokens_per_second, peak_tps, latency_ms, p95_latency_ms,
			ttft_ms, inter_token_ms,
			successful_requests, failed_requests, total_tokens, wall_clock_seconds,
			telemetry
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	res, err := s.db.ExecContext(ctx, query,
		result.Timestamp, result.Backend, result.Model, string(configJSON),
		result.TokensPerSecond, result.PeakTPS, result.LatencyMs, result.P95LatencyMs,
		result.TTFTMs, result.InterTokenMs,
		result.SuccessfulRequests, result.FailedRequests, result.TotalTokens, result.WallClockSeconds,
		string(telemetryJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get run id: %w", err)
	}
	result.ID = id
	return nil
}

// Get retrieves a run by ID
func (s *RunStore) Get(ctx context.Context, id int64) (*bench.Result, error) {
	query := selectRuns + ` WHERE id = ?`

	row := s.db.QueryRowContext(ctx, query, id)
	result, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return result, nil
}

// RunFilter defines criteria for listing runs
type RunFilter struct {
	Backend string
	Model   string
	Limit   int
}

// List returns runs matching the filter, most recent first
func (s *RunStore) List(ctx context.Context, filter RunFilter) ([]*bench.Result, error) {
	query := selectRuns + ` WHERE 1=1`
	var args []interface{}

	if filter.Backend != "" {
		query += " AND backend = ?"
		args = append(args, filter.Backend)
	}
	if filter.Model != "" {
		query += " AND model = ?"
		args = append(args, filter.Model)
	}

	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var results []*bench.Result
	for rows.Next() {
		result, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		results = append(results, result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return results, nil
}

// Delete removes a run by ID
func (s *RunStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
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

const selectRuns = `
	SELECT
		id, timestamp, backend, model, config,
		tokens_per_second, peak_tps, latency_ms, p95_latency_ms,
		ttft_ms, inter_token_ms,
		successful_requests, failed_requests, total_tokens, wall_clock_seconds,
		telemetry
	FROM runs
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*bench.Result, error) {
	result := &bench.Result{}
	var configJSON, telemetryJSON string

	err := row.Scan(
		&result.ID, &result.Timestamp, &result.Backend, &result.Model, &configJSON,
		&result.TokensPerSecond, &result.PeakTPS, &result.LatencyMs, &result.P95LatencyMs,
		&result.TTFTMs, &result.InterTokenMs,
		&result.SuccessfulRequests, &result.FailedRequests, &result.TotalTokens, &result.WallClockSeconds,
		&telemetryJSON,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(configJSON), &result.Config); err != nil {
		result.Config = bench.Config{}
	}
	if err := json.Unmarshal([]byte(telemetryJSON), &result.Telemetry); err != nil {
		result.Telemetry = telemetry.Snapshot{}
	}
	return result, nil
}
