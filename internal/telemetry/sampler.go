package telemetry

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/llmbench/llmbench/internal/metrics"
)

const (
	// DefaultInterval matches the reference sampling rate of 2 per second.
	DefaultInterval = 500 * time.Millisecond

	// stopTimeout bounds how long Stop waits for the loop to exit.
	stopTimeout = 5 * time.Second
)

// Peaks holds running maxima accumulated over one sampling session.
type Peaks struct {
	TokensPerSecond float64 `json:"tokens_per_second"`
	GPUUtilization  float64 `json:"gpu_utilization"`
	GPUMemoryMiB    float64 `json:"gpu_memory_mib"`
	TotalTokens     int64   `json:"total_tokens"`
}

// Sampler runs a periodic background sampling loop and accumulates
// token-throughput peaks. All state is serialized through one mutex: ticks,
// token recording from concurrent request completions, resets and reads.
type Sampler struct {
	probe  Probe
	logger *slog.Logger

	mu         sync.Mutex
	peaks      Peaks
	tokens     int64
	tokensLast int64
	lastTick   time.Time
	last       Snapshot

	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSampler creates a sampler over the given probe.
func NewSampler(probe Probe, logger *slog.Logger) *Sampler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampler{probe: probe, logger: logger}
}

// Start begins the periodic sampling loop. Calling Start while the loop is
// already running is a no-op.
func (s *Sampler) Start(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.running = true
	s.cancel = cancel
	s.done = done
	s.lastTick = time.Now()

	// The loop closes the channel it was handed, never s.done: a loop that
	// outlives its Stop timeout must not touch a successor's channel.
	go s.loop(ctx, interval, done)
}

// Stop signals the loop to terminate and waits (bounded) for it to exit.
// Safe to call when not running.
func (s *Sampler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(stopTimeout):
		s.logger.Warn("telemetry loop did not exit before timeout")
	}
}

func (s *Sampler) loop(ctx context.Context, interval time.Duration, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick performs one probe and updates peak state. A failed probe yields an
// empty snapshot for this tick; the loop logs and continues.
func (s *Sampler) tick(ctx context.Context) {
	snap, err := s.probe.Sample(ctx)
	if err != nil {
		s.logger.Warn("telemetry sample failed", slog.String("error", err.Error()))
		snap = Snapshot{Timestamp: time.Now()}
	}

	for i, gpu := range snap.GPUs {
		metrics.ObserveGPU(strconv.Itoa(i), gpu.UtilizationPct, gpu.MemoryUsedMiB)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.last = snap
	s.observeThroughputLocked(time.Now())

	if util := snap.AvgGPUUtilization(); util > s.peaks.GPUUtilization {
		s.peaks.GPUUtilization = util
	}
	if mem := snap.TotalGPUMemoryUsed(); mem > s.peaks.GPUMemoryMiB {
		s.peaks.GPUMemoryMiB = mem
	}
}

// observeThroughputLocked derives tokens/sec over the window since the last
// tick and raises the peak when higher. Caller must hold mu.
func (s *Sampler) observeThroughputLocked(now time.Time) float64 {
	window := now.Sub(s.lastTick).Seconds()
	if window <= 0 {
		return 0
	}

	tps := float64(s.tokens-s.tokensLast) / window
	s.tokensLast = s.tokens
	s.lastTick = now
	if tps > s.peaks.TokensPerSecond {
		s.peaks.TokensPerSecond = tps
	}
	return tps
}

// Snapshot performs one synchronous hardware query, independent of the loop.
func (s *Sampler) Snapshot(ctx context.Context) Snapshot {
	snap, err := s.probe.Sample(ctx)
	if err != nil {
		s.logger.Warn("telemetry sample failed", slog.String("error", err.Error()))
		return Snapshot{Timestamp: time.Now()}
	}
	return snap
}

// LastSnapshot returns the most recent snapshot produced by the loop.
func (s *Sampler) LastSnapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// RecordTokens adds n generated tokens to the cumulative counter. Called by
// the executor from many in-flight request completions concurrently.
func (s *Sampler) RecordTokens(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.tokens += int64(n)
	s.peaks.TotalTokens = s.tokens
	s.mu.Unlock()
}

// Peaks returns the cumulative maxima of the current session.
func (s *Sampler) Peaks() Peaks {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peaks
}

// Reset zeroes all peak and counter state. Must be called before each new
// measurement session to avoid cross-run contamination.
func (s *Sampler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peaks = Peaks{}
	s.tokens = 0
	s.tokensLast = 0
	s.lastTick = time.Now()
	s.last = Snapshot{}
}
