// Package service coordinates benchmark runs and auto-tune searches: it
// resolves backends, enforces single-flight execution, and persists results.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/llmbench/llmbench/internal/bench"
	"github.com/llmbench/llmbench/internal/connection"
	"github.com/llmbench/llmbench/internal/executor"
	"github.com/llmbench/llmbench/internal/storage"
	"github.com/llmbench/llmbench/internal/telemetry"
	"github.com/llmbench/llmbench/internal/tuner"
)

// RunState represents the lifecycle of one benchmark run.
type RunState string

const (
	RunStateRunning   RunState = "running"
	RunStateComplete  RunState = "complete"
	RunStateCancelled RunState = "cancelled"
	RunStateFailed    RunState = "failed"
)

// RunStatus is the observable state of the current or most recent run.
type RunStatus struct {
	ID        string        `json:"id"`
	State     RunState      `json:"state"`
	Config    bench.Config  `json:"config"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at,omitempty"`
	Result    *bench.Result `json:"result,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Service is the orchestration layer behind the API and CLI.
type Service struct {
	executor *executor.Executor
	tuner    *tuner.Tuner
	resolver *connection.Resolver
	sampler  *telemetry.Sampler
	runs     *storage.RunStore
	tunes    *storage.TuneStore
	logger   *slog.Logger

	// Single-flight run tracking. The tuner enforces its own guard, but a
	// plain run and a tune must not overlap either: both drive the same
	// sampler and backend.
	mu         sync.Mutex
	current    *RunStatus
	cancelRun  context.CancelFunc
	cancelTune context.CancelFunc
}

// New creates the service.
func New(
	exec *executor.Executor,
	tn *tuner.Tuner,
	resolver *connection.Resolver,
	sampler *telemetry.Sampler,
	runs *storage.RunStore,
	tunes *storage.TuneStore,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		executor: exec,
		tuner:    tn,
		resolver: resolver,
		sampler:  sampler,
		runs:     runs,
		tunes:    tunes,
		logger:   logger,
	}
}

// RunBenchmark executes one benchmark synchronously and persists the result.
// A run or tune already in flight fails fast with ErrAlreadyRunning.
func (s *Service) RunBenchmark(ctx context.Context, cfg bench.Config) (*bench.Result, error) {
	conn, err := s.resolver.Resolve(cfg.Backend)
	if err != nil {
		return nil, err
	}
	if cfg.Model == "" {
		cfg.Model = conn.Model
	}

	status := &RunStatus{
		ID:        "run-" + uuid.New().String()[:8],
		State:     RunStateRunning,
		Config:    cfg,
		StartedAt: time.Now().UTC(),
	}

	runCtx, cancel, err := s.begin(status)
	if err != nil {
		return nil, err
	}
	defer s.end(cancel)

	result, err := s.executor.Run(runCtx, conn, cfg)

	s.mu.Lock()
	status.EndedAt = time.Now().UTC()
	switch {
	case runCtx.Err() != nil:
		status.State = RunStateCancelled
		status.Error = runCtx.Err().Error()
	case err != nil:
		status.State = RunStateFailed
		status.Error = err.Error()
	default:
		status.State = RunStateComplete
		status.Result = result
	}
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}

	if saveErr := s.runs.Save(ctx, result); saveErr != nil {
		// The measurement is still good; report it even if persistence broke.
		s.logger.Error("failed to persist run", slog.String("error", saveErr.Error()))
	}
	return result, nil
}

// begin claims the single-flight slot for a new run.
func (s *Service) begin(status *RunStatus) (context.Context, context.CancelFunc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancelRun != nil || s.cancelTune != nil || s.tuner.Running() {
		return nil, nil, fmt.Errorf("%w: another benchmark is in progress", bench.ErrAlreadyRunning)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.current = status
	s.cancelRun = cancel
	return ctx, cancel, nil
}

func (s *Service) end(cancel context.CancelFunc) {
	cancel()
	s.mu.Lock()
	s.cancelRun = nil
	s.mu.Unlock()
}

// RunStatus returns a copy of the current or most recent run, or nil.
func (s *Service) RunStatus() *RunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	snapshot := *s.current
	return &snapshot
}

// Shutdown interrupts any in-flight work so the process can drain. A plain
// run is not cancellable through the API; tearing the process down is the one
// thing allowed to interrupt it.
func (s *Service) Shutdown() {
	s.mu.Lock()
	if s.cancelRun != nil {
		s.cancelRun()
	}
	s.mu.Unlock()
	s.tuner.Stop()
}

// GetRun returns a persisted run by ID.
func (s *Service) GetRun(ctx context.Context, id int64) (*bench.Result, error) {
	return s.runs.Get(ctx, id)
}

// ListRuns returns persisted runs, most recent first.
func (s *Service) ListRuns(ctx context.Context, filter storage.RunFilter) ([]*bench.Result, error) {
	return s.runs.List(ctx, filter)
}

// StartTune launches an auto-tune search in the background and returns its
// initial session state.
func (s *Service) StartTune(backend string) (*tuner.Session, error) {
	conn, err := s.resolver.Resolve(backend)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.cancelRun != nil || s.cancelTune != nil || s.tuner.Running() {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: another benchmark is in progress", bench.ErrAlreadyRunning)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelTune = cancel
	s.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			s.mu.Lock()
			s.cancelTune = nil
			s.mu.Unlock()
		}()
		if _, err := s.tuner.Search(ctx, conn); err != nil {
			s.logger.Warn("autotune search ended with error",
				slog.String("backend", backend),
				slog.String("error", err.Error()))
		}
	}()

	return &tuner.Session{
		Backend:   conn.Name,
		Model:     conn.Model,
		Status:    storage.TuneStatusRunning,
		StartedAt: time.Now().UTC(),
	}, nil
}

// TuneStatus returns the current or most recent auto-tune session.
func (s *Service) TuneStatus() *tuner.Session {
	return s.tuner.Status()
}

// StopTune requests the in-flight search to stop after its current trial.
func (s *Service) StopTune() bool {
	if !s.tuner.Running() {
		return false
	}
	s.tuner.Stop()
	return true
}

// TuneHistory returns persisted auto-tune sessions, most recent first.
func (s *Service) TuneHistory(ctx context.Context, backend string, limit int) ([]*storage.TuneSession, error) {
	return s.tunes.List(ctx, backend, limit)
}

// Telemetry performs one synchronous hardware probe.
func (s *Service) Telemetry(ctx context.Context) telemetry.Snapshot {
	return s.sampler.Snapshot(ctx)
}

// Backends returns the configured backend names.
func (s *Service) Backends() []string {
	return s.resolver.Names()
}
