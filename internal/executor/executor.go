// Package executor runs concurrency-bounded benchmark workloads against a
// resolved backend and reduces per-request samples into a single result.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/llmbench/llmbench/internal/bench"
	"github.com/llmbench/llmbench/internal/driver"
	"github.com/llmbench/llmbench/internal/metrics"
	"github.com/llmbench/llmbench/internal/progress"
	"github.com/llmbench/llmbench/internal/telemetry"
)

// DefaultMaxConcurrency caps how many requests a single run may keep in
// flight. Configurable per deployment; the default matches the tuner ceiling.
const DefaultMaxConcurrency = 64

// Executor drives one benchmark run at a time. It owns no backend state of
// its own: drivers, sampler and progress sink are all injected.
type Executor struct {
	drivers        driver.Registry
	sampler        *telemetry.Sampler
	publisher      progress.Publisher
	logger         *slog.Logger
	limiter        *rate.Limiter
	maxConcurrency int
	sampleInterval time.Duration
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// WithPublisher sets the progress sink. Defaults to a no-op publisher.
func WithPublisher(p progress.Publisher) Option {
	return func(e *Executor) { e.publisher = p }
}

// WithMaxConcurrency overrides the per-run concurrency ceiling.
func WithMaxConcurrency(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxConcurrency = n
		}
	}
}

// WithRateLimit caps how many requests per second the executor may start.
// Useful when benchmarking a shared backend that must not be saturated.
func WithRateLimit(rps float64) Option {
	return func(e *Executor) {
		if rps > 0 {
			e.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

// WithSampleInterval overrides the telemetry sampling interval.
func WithSampleInterval(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.sampleInterval = d
		}
	}
}

// New creates an executor over the given driver registry and sampler.
func New(drivers driver.Registry, sampler *telemetry.Sampler, opts ...Option) *Executor {
	e := &Executor{
		drivers:        drivers,
		sampler:        sampler,
		publisher:      progress.NopPublisher{},
		logger:         slog.Default(),
		maxConcurrency: DefaultMaxConcurrency,
		sampleInterval: telemetry.DefaultInterval,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes one benchmark against conn and returns the aggregated result.
// Individual request failures are absorbed into the failure count; Run itself
// fails only on invalid config, an unknown protocol variant, context
// cancellation, or a run in which no request succeeded.
func (e *Executor) Run(ctx context.Context, conn bench.Connection, cfg bench.Config) (*bench.Result, error) {
	if err := cfg.Validate(e.maxConcurrency); err != nil {
		return nil, err
	}

	drv, err := e.drivers.For(conn)
	if err != nil {
		return nil, err
	}

	runLogger := e.logger.With(
		slog.String("backend", conn.Name),
		slog.String("model", conn.Model),
		slog.Int("requests", cfg.TotalRequests),
		slog.Int("concurrency", cfg.Concurrency),
	)
	runLogger.Info("benchmark run starting",
		slog.Bool("stream", cfg.Stream),
		slog.Int("batch_size", cfg.EffectiveBatchSize()))

	e.sampler.Reset()
	e.sampler.Start(e.sampleInterval)
	defer e.sampler.Stop()

	start := time.Now()
	samples, err := e.dispatch(ctx, drv, conn, cfg, start)
	wall := time.Since(start)
	if err != nil {
		return nil, err
	}

	result, err := e.reduce(conn, cfg, samples, wall)
	if err != nil {
		runLogger.Warn("benchmark run produced no successful requests",
			slog.Int("failed", len(samples)))
		metrics.RecordRun(conn.Name, false)
		return nil, err
	}

	metrics.RecordRun(conn.Name, true)
	metrics.RecordRunThroughput(conn.Name, result.TokensPerSecond)
	runLogger.Info("benchmark run complete",
		slog.Float64("tokens_per_second", result.TokensPerSecond),
		slog.Float64("peak_tps", result.PeakTPS),
		slog.Int("successful", result.SuccessfulRequests),
		slog.Int("failed", result.FailedRequests),
		slog.Duration("wall_clock", wall))
	return result, nil
}

// dispatch fans requests out to the driver and gathers every sample through a
// single collector goroutine, so no accumulation state is shared between
// workers.
func (e *Executor) dispatch(ctx context.Context, drv driver.Driver, conn bench.Connection, cfg bench.Config, start time.Time) ([]bench.RequestSample, error) {
	results := make(chan bench.RequestSample, cfg.TotalRequests)

	collected := make(chan []bench.RequestSample, 1)
	go func() {
		samples := make([]bench.RequestSample, 0, cfg.TotalRequests)
		completed := 0
		for sample := range results {
			samples = append(samples, sample)
			completed++
			e.observe(conn, sample)
			e.publish(conn.Name, completed, cfg.TotalRequests, start)
		}
		collected <- samples
	}()

	var err error
	if cfg.EffectiveBatchSize() > 1 {
		err = e.runBatched(ctx, drv, conn, cfg, results)
	} else {
		err = e.runConcurrent(ctx, drv, conn, cfg, results)
	}
	close(results)
	samples := <-collected
	if err != nil {
		return nil, err
	}
	return samples, nil
}

// runConcurrent pushes every request through a counting semaphore sized to
// the configured concurrency.
func (e *Executor) runConcurrent(ctx context.Context, drv driver.Driver, conn bench.Connection, cfg bench.Config, results chan<- bench.RequestSample) error {
	g, ctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, cfg.Concurrency)

	for i := 0; i < cfg.TotalRequests; i++ {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return g.Wait()
		}
		g.Go(func() error {
			defer func() { <-sem }()
			results <- e.one(ctx, drv, conn, cfg)
			return ctx.Err()
		})
	}
	return g.Wait()
}

// runBatched issues requests as strictly sequential batches: each batch runs
// its members concurrently and the next batch starts only after every member
// of the previous one has finished. The last batch is clipped to what remains.
func (e *Executor) runBatched(ctx context.Context, drv driver.Driver, conn bench.Connection, cfg bench.Config, results chan<- bench.RequestSample) error {
	batch := cfg.EffectiveBatchSize()
	for remaining := cfg.TotalRequests; remaining > 0; remaining -= batch {
		size := batch
		if remaining < batch {
			size = remaining
		}

		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < size; i++ {
			g.Go(func() error {
				results <- e.one(gctx, drv, conn, cfg)
				return gctx.Err()
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// one performs a single driver call, converting a driver error into a failed
// sample so a flaky backend degrades the run instead of aborting it.
func (e *Executor) one(ctx context.Context, drv driver.Driver, conn bench.Connection, cfg bench.Config) bench.RequestSample {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return bench.RequestSample{}
		}
	}
	sample, err := drv.Drive(ctx, conn, cfg)
	if err != nil {
		e.logger.Debug("request failed",
			slog.String("backend", conn.Name),
			slog.String("error", err.Error()))
		return bench.RequestSample{}
	}
	return sample
}

// observe feeds one completed sample into the sampler token counter and the
// Prometheus collectors.
func (e *Executor) observe(conn bench.Connection, sample bench.RequestSample) {
	if !sample.Success {
		metrics.RecordRequestFailure(conn.Name)
		return
	}
	e.sampler.RecordTokens(sample.Tokens)
	metrics.RecordTokens(conn.Name, sample.Tokens)
	metrics.RecordRequestLatency(conn.Name, time.Duration(sample.LatencyMs*float64(time.Millisecond)))
}

// publish pushes a fire-and-forget progress update after each completion.
func (e *Executor) publish(backend string, completed, total int, start time.Time) {
	elapsed := time.Since(start).Seconds()
	update := progress.Update{
		RunID:     backend,
		Phase:     "running",
		Completed: completed,
		Total:     total,
		Timestamp: time.Now(),
	}
	if elapsed > 0 {
		peaks := e.sampler.Peaks()
		update.CurrentTPS = float64(peaks.TotalTokens) / elapsed
		if completed > 0 && completed < total {
			perRequest := elapsed / float64(completed)
			update.ETASeconds = perRequest * float64(total-completed)
		}
	}
	e.publisher.Publish(update)
}

// reduce collapses the run's samples into a Result. Aggregate latency stats
// cover successful requests only; failures influence nothing but the failure
// count.
func (e *Executor) reduce(conn bench.Connection, cfg bench.Config, samples []bench.RequestSample, wall time.Duration) (*bench.Result, error) {
	var (
		latencies  []float64
		ttftSum    float64
		ttftCount  int
		interSum   float64
		interCount int
		tokens     int
		failed     int
	)
	for _, s := range samples {
		if !s.Success {
			failed++
			continue
		}
		latencies = append(latencies, s.LatencyMs)
		tokens += s.Tokens
		if s.HasTTFT {
			ttftSum += s.TTFTMs
			ttftCount++
		}
		if s.HasInterTok {
			interSum += s.InterTokenMs
			interCount++
		}
	}

	succeeded := len(latencies)
	if succeeded == 0 {
		return nil, fmt.Errorf("%w: %d requests failed", bench.ErrNoSuccessfulRequests, failed)
	}

	sort.Float64s(latencies)
	var latencySum float64
	for _, l := range latencies {
		latencySum += l
	}

	wallSeconds := wall.Seconds()
	var tps float64
	if wallSeconds > 0 {
		tps = float64(tokens) / wallSeconds
	}

	peaks := e.sampler.Peaks()
	result := &bench.Result{
		Timestamp:          time.Now().UTC(),
		Config:             cfg,
		Backend:            conn.Name,
		Model:              conn.Model,
		TokensPerSecond:    tps,
		PeakTPS:            peaks.TokensPerSecond,
		LatencyMs:          latencySum / float64(succeeded),
		P95LatencyMs:       percentile95(latencies),
		SuccessfulRequests: succeeded,
		FailedRequests:     failed,
		TotalTokens:        tokens,
		WallClockSeconds:   wallSeconds,
		Telemetry:          e.sampler.LastSnapshot(),
	}
	if ttftCount > 0 {
		result.TTFTMs = ttftSum / float64(ttftCount)
	}
	if interCount > 0 {
		result.InterTokenMs = interSum / float64(interCount)
	}
	return result, nil
}

// percentile95 returns the p95 of sorted values, clamping the index so small
// sample counts never read past the end of the slice.
func percentile95(sorted []float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)) * 0.95)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
