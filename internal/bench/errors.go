package bench

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig indicates a configuration rejected before any request
	// was issued.
	ErrInvalidConfig = errors.New("invalid benchmark configuration")

	// ErrUnknownBackend indicates a backend identifier that could not be
	// resolved to a connection.
	ErrUnknownBackend = errors.New("unknown backend")

	// ErrNoSuccessfulRequests indicates a run in which every request failed.
	// A run with no signal is not a valid measurement.
	ErrNoSuccessfulRequests = errors.New("no successful requests completed")

	// ErrAlreadyRunning indicates a benchmark or auto-tune search was
	// requested while another is active.
	ErrAlreadyRunning = errors.New("benchmark already running")
)

// Validate checks the configuration against the given concurrency ceiling.
// All violations are reported as wrapped ErrInvalidConfig so callers can
// branch on kind.
func (c Config) Validate(maxConcurrency int) error {
	if c.Backend == "" {
		return fmt.Errorf("%w: backend is required", ErrInvalidConfig)
	}
	if c.Prompt == "" {
		return fmt.Errorf("%w: prompt is required", ErrInvalidConfig)
	}
	if c.TotalRequests <= 0 {
		return fmt.Errorf("%w: total_requests must be positive, got %d", ErrInvalidConfig, c.TotalRequests)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("%w: concurrency must be positive, got %d", ErrInvalidConfig, c.Concurrency)
	}
	if maxConcurrency > 0 && c.Concurrency > maxConcurrency {
		return fmt.Errorf("%w: concurrency %d exceeds ceiling %d", ErrInvalidConfig, c.Concurrency, maxConcurrency)
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("%w: max_tokens must not be negative", ErrInvalidConfig)
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("%w: batch_size must not be negative", ErrInvalidConfig)
	}
	return nil
}
