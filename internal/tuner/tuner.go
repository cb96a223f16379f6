// Package tuner searches the benchmark configuration space for the settings
// that deliver the best sustained throughput on a backend.
package tuner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/llmbench/llmbench/internal/bench"
	"github.com/llmbench/llmbench/internal/metrics"
	"github.com/llmbench/llmbench/internal/progress"
	"github.com/llmbench/llmbench/internal/storage"
)

// Search phases, in execution order.
const (
	PhaseCapacityProbe    = "capacity_probe"
	PhaseConcurrencySweep = "concurrency_sweep"
	PhaseBatchSweep       = "batch_sweep"
	PhaseTokenSweep       = "token_sweep"
)

// Params bounds the search space. Zero values fall back to defaults.
type Params struct {
	// MinAcceptableTPS disqualifies configurations that cannot sustain this
	// throughput.
	MinAcceptableTPS float64 `json:"min_acceptable_tps"`
	// MaxConcurrency caps the concurrency sweep.
	MaxConcurrency int `json:"max_concurrency"`
	// ConcurrencySteps are the concurrency levels tried, ascending.
	ConcurrencySteps []int `json:"concurrency_steps"`
	// BatchSizes are the batch sizes tried at each concurrency level.
	BatchSizes []int `json:"batch_sizes"`
	// TokenSizes are the candidate generation lengths, ascending. The smallest
	// supported length drives the sweeps; the larger ones re-test the winner.
	TokenSizes []int `json:"token_sizes"`
	// ProbeTokenSizes are the capacity-probe candidates, descending.
	ProbeTokenSizes []int `json:"probe_token_sizes"`
	// ProbeRequests is the request count per capacity probe.
	ProbeRequests int `json:"probe_requests"`
	// TestRequests is the request count per sweep trial.
	TestRequests int `json:"test_requests"`
	// NearBestFraction is how far below the best throughput a trial may sit
	// and still win on latency.
	NearBestFraction float64 `json:"near_best_fraction"`
	// Prompt is the prompt used for every trial.
	Prompt string `json:"prompt"`
}

// DefaultParams returns the standard search space.
func DefaultParams() Params {
	return Params{
		MinAcceptableTPS: 12.0,
		MaxConcurrency:   64,
		ConcurrencySteps: []int{1, 2, 4, 8, 16, 24, 32, 48, 64},
		BatchSizes:       []int{1, 2, 4, 8},
		TokenSizes:       []int{32, 128, 512},
		ProbeTokenSizes:  []int{512, 256, 128, 64, 32},
		ProbeRequests:    2,
		TestRequests:     10,
		NearBestFraction: 0.10,
		Prompt:           "Write a short story about a robot learning to paint.",
	}
}

func (p Params) withDefaults() Params {
	d := DefaultParams()
	if p.MinAcceptableTPS <= 0 {
		p.MinAcceptableTPS = d.MinAcceptableTPS
	}
	if p.MaxConcurrency <= 0 {
		p.MaxConcurrency = d.MaxConcurrency
	}
	if len(p.ConcurrencySteps) == 0 {
		p.ConcurrencySteps = d.ConcurrencySteps
	}
	if len(p.BatchSizes) == 0 {
		p.BatchSizes = d.BatchSizes
	}
	if len(p.TokenSizes) == 0 {
		p.TokenSizes = d.TokenSizes
	}
	if len(p.ProbeTokenSizes) == 0 {
		p.ProbeTokenSizes = d.ProbeTokenSizes
	}
	if p.ProbeRequests <= 0 {
		p.ProbeRequests = d.ProbeRequests
	}
	if p.TestRequests <= 0 {
		p.TestRequests = d.TestRequests
	}
	if p.NearBestFraction <= 0 {
		p.NearBestFraction = d.NearBestFraction
	}
	if p.Prompt == "" {
		p.Prompt = d.Prompt
	}
	return p
}

// Trial records the outcome of one configuration attempt.
type Trial struct {
	Phase           string       `json:"phase"`
	Config          bench.Config `json:"config"`
	TokensPerSecond float64      `json:"tokens_per_second"`
	LatencyMs       float64      `json:"latency_ms"`
	FailedRequests  int          `json:"failed_requests"`
	Error           string       `json:"error,omitempty"`
}

// qualified reports whether the trial may win the final selection. Partial
// request failures do not disqualify a trial; only an outright error does.
func (t Trial) qualified(minTPS float64) bool {
	return t.Error == "" && t.TokensPerSecond >= minTPS
}

// Session is the live state of one search.
type Session struct {
	ID          string        `json:"id"`
	Backend     string        `json:"backend"`
	Model       string        `json:"model,omitempty"`
	Status      string        `json:"status"`
	Phase       string        `json:"phase,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at,omitempty"`
	Trials      []Trial       `json:"trials"`
	Best        *bench.Config `json:"best,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// Runner executes one benchmark trial. Satisfied by executor.Executor.
type Runner interface {
	Run(ctx context.Context, conn bench.Connection, cfg bench.Config) (*bench.Result, error)
}

// Tuner coordinates auto-tune searches. At most one search runs at a time.
type Tuner struct {
	runner    Runner
	store     *storage.TuneStore
	publisher progress.Publisher
	logger    *slog.Logger
	params    Params

	mu      sync.Mutex
	running bool
	stopped bool
	current *Session
}

// Option configures a Tuner.
type Option func(*Tuner)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tuner) { t.logger = logger }
}

// WithPublisher sets the progress sink.
func WithPublisher(p progress.Publisher) Option {
	return func(t *Tuner) { t.publisher = p }
}

// WithParams overrides the default search space.
func WithParams(params Params) Option {
	return func(t *Tuner) { t.params = params.withDefaults() }
}

// New creates a tuner. The store may be nil, in which case sessions are not
// persisted.
func New(runner Runner, store *storage.TuneStore, opts ...Option) *Tuner {
	t := &Tuner{
		runner:    runner,
		store:     store,
		publisher: progress.NopPublisher{},
		logger:    slog.Default(),
		params:    DefaultParams(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Search runs the full four-phase search against conn and returns the
// completed session. A second Search while one is in flight fails with
// ErrAlreadyRunning and leaves the running search untouched.
func (t *Tuner) Search(ctx context.Context, conn bench.Connection) (*Session, error) {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return nil, bench.ErrAlreadyRunning
	}
	session := &Session{
		Backend:   conn.Name,
		Model:     conn.Model,
		Status:    storage.TuneStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	t.running = true
	t.stopped = false
	t.current = session
	t.mu.Unlock()

	metrics.SetTunerActive(true)
	defer func() {
		metrics.SetTunerActive(false)
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
	}()

	t.persistNew(ctx, session)
	err := t.search(ctx, conn, session)

	t.mu.Lock()
	session.CompletedAt = time.Now().UTC()
	switch {
	case err != nil:
		session.Status = storage.TuneStatusFailed
		session.Error = err.Error()
	case t.stopped:
		session.Status = storage.TuneStatusStopped
	default:
		session.Status = storage.TuneStatusComplete
	}
	session.Phase = ""
	t.mu.Unlock()

	t.persist(session)
	if err != nil {
		return session, err
	}
	return session, nil
}

// Stop requests that the in-flight search end after the current trial. The
// partial session is still selected over and persisted.
func (t *Tuner) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		t.stopped = true
	}
}

// Status returns a copy of the current or most recent session, or nil if no
// search has run.
func (t *Tuner) Status() *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return nil
	}
	snapshot := *t.current
	snapshot.Trials = append([]Trial(nil), t.current.Trials...)
	if t.current.Best != nil {
		best := *t.current.Best
		snapshot.Best = &best
	}
	return &snapshot
}

// Running reports whether a search is in flight.
func (t *Tuner) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *Tuner) search(ctx context.Context, conn bench.Connection, session *Session) error {
	maxTokens := t.capacityProbe(ctx, conn, session)
	if t.halted(ctx) {
		t.selectBest(session)
		return ctx.Err()
	}

	sizes := t.sweepTokenSizes(maxTokens)

	t.concurrencySweep(ctx, conn, session, sizes[0])
	if t.halted(ctx) {
		t.selectBest(session)
		return ctx.Err()
	}

	t.batchSweep(ctx, conn, session, sizes[0])
	if t.halted(ctx) {
		t.selectBest(session)
		return ctx.Err()
	}

	t.tokenSweep(ctx, conn, session, sizes)
	if t.selectBest(session) == nil {
		return fmt.Errorf("%w: no configuration qualified", bench.ErrNoSuccessfulRequests)
	}
	return nil
}

// capacityProbe finds the largest generation length the backend can serve at
// all, trying candidates largest first with a small request count. When every
// candidate fails it settles on the smallest one rather than aborting, so the
// sweeps still produce a usable answer for a struggling backend.
func (t *Tuner) capacityProbe(ctx context.Context, conn bench.Connection, session *Session) int {
	t.setPhase(session, PhaseCapacityProbe)

	fallback := t.params.ProbeTokenSizes[len(t.params.ProbeTokenSizes)-1]
	for _, tokens := range t.params.ProbeTokenSizes {
		cfg := t.baseConfig(conn, t.params.ProbeRequests, 1, tokens)
		trial := t.trial(ctx, conn, session, PhaseCapacityProbe, cfg)
		if trial.Error == "" && trial.FailedRequests == 0 {
			t.logger.Info("capacity probe settled",
				slog.String("backend", conn.Name),
				slog.Int("max_tokens", tokens))
			return tokens
		}
		if t.halted(ctx) {
			return fallback
		}
	}

	t.logger.Warn("all capacity probes failed, using conservative default",
		slog.String("backend", conn.Name),
		slog.Int("max_tokens", fallback))
	return fallback
}

// sweepTokenSizes filters the configured generation lengths down to those the
// backend can serve, smallest first. An over-strict probe still leaves the
// smallest configured length on the table.
func (t *Tuner) sweepTokenSizes(maxTokens int) []int {
	var sizes []int
	for _, s := range t.params.TokenSizes {
		if s <= maxTokens {
			sizes = append(sizes, s)
		}
	}
	if len(sizes) == 0 {
		sizes = []int{t.params.TokenSizes[0]}
	}
	return sizes
}

// concurrencySweep walks the configured concurrency ladder with streaming
// requests at the smallest supported generation length. The ladder stops as
// soon as measured throughput falls below the acceptance floor, since higher
// levels only add contention. Errored trials are recorded but do not end the
// sweep.
func (t *Tuner) concurrencySweep(ctx context.Context, conn bench.Connection, session *Session, tokens int) {
	t.setPhase(session, PhaseConcurrencySweep)

	for _, c := range t.params.ConcurrencySteps {
		if c > t.params.MaxConcurrency {
			break
		}
		if t.halted(ctx) {
			return
		}

		cfg := t.baseConfig(conn, t.trialRequests(c), c, tokens)
		cfg.Stream = true
		cfg.BatchSize = 1
		trial := t.trial(ctx, conn, session, PhaseConcurrencySweep, cfg)

		if trial.Error == "" && trial.TokensPerSecond < t.params.MinAcceptableTPS {
			t.logger.Info("throughput fell below floor, ending concurrency sweep",
				slog.Int("concurrency", c),
				slog.Float64("tokens_per_second", trial.TokensPerSecond))
			return
		}
	}
}

// batchSweep grids batch sizes over the concurrency ladder: every batch size
// no larger than the level's concurrency, at the smallest supported
// generation length. A below-floor result ends the batch loop for that level;
// the ladder itself stops growing only once no batch size at a level clears
// the floor. Errored trials are ignored for the stop rule.
func (t *Tuner) batchSweep(ctx context.Context, conn bench.Connection, session *Session, tokens int) {
	t.setPhase(session, PhaseBatchSweep)

	for _, c := range t.params.ConcurrencySteps {
		if c > t.params.MaxConcurrency {
			break
		}
		if t.halted(ctx) {
			return
		}

		levelQualified := false
		for _, b := range t.params.BatchSizes {
			if b > c {
				continue
			}
			if t.halted(ctx) {
				return
			}

			cfg := t.baseConfig(conn, t.trialRequests(c), c, tokens)
			cfg.BatchSize = b
			trial := t.trial(ctx, conn, session, PhaseBatchSweep, cfg)

			if trial.Error != "" {
				continue
			}
			if trial.TokensPerSecond < t.params.MinAcceptableTPS {
				break
			}
			levelQualified = true
		}
		if !levelQualified {
			return
		}
	}
}

// tokenSweep re-tests the best configuration found so far at each larger
// supported generation length, so the final selection can weigh short and
// long completions.
func (t *Tuner) tokenSweep(ctx context.Context, conn bench.Connection, session *Session, sizes []int) {
	t.setPhase(session, PhaseTokenSweep)

	t.mu.Lock()
	best := t.pickBest(session.Trials)
	t.mu.Unlock()
	if best == nil {
		return
	}

	for _, tokens := range sizes[1:] {
		if t.halted(ctx) {
			return
		}
		cfg := t.baseConfig(conn, t.trialRequests(best.Concurrency), best.Concurrency, tokens)
		cfg.BatchSize = best.BatchSize
		cfg.Stream = best.Stream
		t.trial(ctx, conn, session, PhaseTokenSweep, cfg)
	}
}

// selectBest stores the winner across all recorded trials on the session and
// returns it.
func (t *Tuner) selectBest(session *Session) *bench.Config {
	t.mu.Lock()
	defer t.mu.Unlock()
	session.Best = t.pickBest(session.Trials)
	return session.Best
}

// pickBest picks the winner over a set of trials: among qualifying trials
// whose throughput sits within NearBestFraction of the maximum, the one with
// the lowest latency. When nothing qualifies, it falls back to the highest
// raw throughput so a degraded backend still yields a usable answer.
func (t *Tuner) pickBest(trials []Trial) *bench.Config {
	var qualified []Trial
	maxTPS := 0.0
	for _, trial := range trials {
		if trial.qualified(t.params.MinAcceptableTPS) {
			qualified = append(qualified, trial)
			if trial.TokensPerSecond > maxTPS {
				maxTPS = trial.TokensPerSecond
			}
		}
	}

	if len(qualified) == 0 {
		var best *Trial
		for i := range trials {
			if trials[i].Error != "" {
				continue
			}
			if best == nil || trials[i].TokensPerSecond > best.TokensPerSecond {
				best = &trials[i]
			}
		}
		if best == nil {
			return nil
		}
		cfg := best.Config
		return &cfg
	}

	floor := maxTPS * (1 - t.params.NearBestFraction)
	var winner *Trial
	for i := range qualified {
		if qualified[i].TokensPerSecond < floor {
			continue
		}
		if winner == nil || qualified[i].LatencyMs < winner.LatencyMs {
			winner = &qualified[i]
		}
	}
	cfg := winner.Config
	return &cfg
}

// trialRequests sizes a trial so every worker at the given concurrency has at
// least one request.
func (t *Tuner) trialRequests(concurrency int) int {
	if t.params.TestRequests < concurrency {
		return concurrency
	}
	return t.params.TestRequests
}

// trial executes one configuration and records its outcome on the session.
func (t *Tuner) trial(ctx context.Context, conn bench.Connection, session *Session, phase string, cfg bench.Config) Trial {
	t.logger.Info("autotune trial",
		slog.String("backend", conn.Name),
		slog.String("phase", phase),
		slog.Int("concurrency", cfg.Concurrency),
		slog.Int("batch_size", cfg.BatchSize),
		slog.Int("max_tokens", cfg.MaxTokens))

	trial := Trial{Phase: phase, Config: cfg}
	result, err := t.runner.Run(ctx, conn, cfg)
	if err != nil {
		trial.Error = err.Error()
		trial.FailedRequests = cfg.TotalRequests
	} else {
		trial.TokensPerSecond = result.TokensPerSecond
		trial.LatencyMs = result.LatencyMs
		trial.FailedRequests = result.FailedRequests
	}

	metrics.RecordTrial(phase, trial.Error == "" && trial.FailedRequests == 0)

	t.mu.Lock()
	session.Trials = append(session.Trials, trial)
	completed := len(session.Trials)
	t.mu.Unlock()

	t.publisher.Publish(progress.Update{
		RunID:      session.ID,
		Phase:      phase,
		Completed:  completed,
		CurrentTPS: trial.TokensPerSecond,
		Timestamp:  time.Now(),
	})
	return trial
}

func (t *Tuner) baseConfig(conn bench.Connection, requests, concurrency, maxTokens int) bench.Config {
	return bench.Config{
		Backend:       conn.Name,
		Model:         conn.Model,
		Prompt:        t.params.Prompt,
		TotalRequests: requests,
		Concurrency:   concurrency,
		MaxTokens:     maxTokens,
	}
}

func (t *Tuner) setPhase(session *Session, phase string) {
	t.mu.Lock()
	session.Phase = phase
	t.mu.Unlock()
	t.logger.Info("autotune phase", slog.String("phase", phase))
}

func (t *Tuner) halted(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *Tuner) persistNew(ctx context.Context, session *Session) {
	if t.store == nil {
		return
	}
	record := t.toRecord(session)
	if err := t.store.Create(ctx, record); err != nil {
		t.logger.Warn("failed to persist tune session", slog.String("error", err.Error()))
		return
	}
	t.mu.Lock()
	session.ID = record.ID
	t.mu.Unlock()
}

func (t *Tuner) persist(session *Session) {
	if t.store == nil || session.ID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.store.Update(ctx, t.toRecord(session)); err != nil {
		t.logger.Warn("failed to persist tune session", slog.String("error", err.Error()))
	}
}

func (t *Tuner) toRecord(session *Session) *storage.TuneSession {
	t.mu.Lock()
	defer t.mu.Unlock()

	trials, err := json.Marshal(session.Trials)
	if err != nil {
		trials = []byte("[]")
	}
	return &storage.TuneSession{
		ID:          session.ID,
		Backend:     session.Backend,
		Model:       session.Model,
		Status:      session.Status,
		StartedAt:   session.StartedAt,
		CompletedAt: session.CompletedAt,
		BestConfig:  session.Best,
		Trials:      trials,
		Error:       session.Error,
	}
}
