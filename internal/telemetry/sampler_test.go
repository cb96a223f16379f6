package telemetry

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProbe returns a canned snapshot and counts how often it was sampled.
type fakeProbe struct {
	mu    sync.Mutex
	snap  Snapshot
	calls int
}

func (f *fakeProbe) Sample(ctx context.Context) (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.snap, nil
}

func (f *fakeProbe) sampleCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSamplerRecordTokens(t *testing.T) {
	s := NewSampler(&fakeProbe{}, quietLogger())

	s.RecordTokens(100)
	s.RecordTokens(50)
	s.RecordTokens(0)
	s.RecordTokens(-5)

	assert.Equal(t, int64(150), s.Peaks().TotalTokens)
}

func TestSamplerThroughputPeak(t *testing.T) {
	s := NewSampler(&fakeProbe{}, quietLogger())
	s.Reset()

	base := time.Now()
	s.mu.Lock()
	s.lastTick = base
	s.mu.Unlock()

	s.RecordTokens(200)

	s.mu.Lock()
	tps := s.observeThroughputLocked(base.Add(2 * time.Second))
	s.mu.Unlock()
	assert.InDelta(t, 100.0, tps, 0.001)
	assert.InDelta(t, 100.0, s.Peaks().TokensPerSecond, 0.001)

	// A slower window must not lower the recorded peak.
	s.RecordTokens(10)
	s.mu.Lock()
	s.observeThroughputLocked(base.Add(4 * time.Second))
	s.mu.Unlock()
	assert.InDelta(t, 100.0, s.Peaks().TokensPerSecond, 0.001)
}

func TestSamplerThroughputZeroWindow(t *testing.T) {
	s := NewSampler(&fakeProbe{}, quietLogger())

	now := time.Now()
	s.mu.Lock()
	s.lastTick = now
	tps := s.observeThroughputLocked(now)
	s.mu.Unlock()

	assert.Equal(t, 0.0, tps)
}

func TestSamplerReset(t *testing.T) {
	probe := &fakeProbe{snap: Snapshot{GPUs: []GPUReading{{UtilizationPct: 95, MemoryUsedMiB: 4096}}}}
	s := NewSampler(probe, quietLogger())

	s.RecordTokens(500)
	s.tick(context.Background())

	peaks := s.Peaks()
	require.Equal(t, int64(500), peaks.TotalTokens)
	require.Equal(t, 95.0, peaks.GPUUtilization)

	s.Reset()

	peaks = s.Peaks()
	assert.Zero(t, peaks.TotalTokens)
	assert.Zero(t, peaks.GPUUtilization)
	assert.Zero(t, peaks.GPUMemoryMiB)
	assert.Zero(t, peaks.TokensPerSecond)
	assert.True(t, s.LastSnapshot().Timestamp.IsZero())
}

func TestSamplerTickUpdatesPeaks(t *testing.T) {
	probe := &fakeProbe{snap: Snapshot{
		Timestamp: time.Now(),
		GPUs: []GPUReading{
			{UtilizationPct: 70, MemoryUsedMiB: 2048},
			{UtilizationPct: 30, MemoryUsedMiB: 1024},
		},
	}}
	s := NewSampler(probe, quietLogger())
	s.Reset()

	s.tick(context.Background())

	peaks := s.Peaks()
	assert.InDelta(t, 50.0, peaks.GPUUtilization, 0.001)
	assert.InDelta(t, 3072.0, peaks.GPUMemoryMiB, 0.001)
	assert.Len(t, s.LastSnapshot().GPUs, 2)
}

func TestSamplerStartStop(t *testing.T) {
	probe := &fakeProbe{snap: Snapshot{Timestamp: time.Now()}}
	s := NewSampler(probe, quietLogger())

	s.Start(5 * time.Millisecond)
	// Second Start while running is a no-op, not a second loop.
	s.Start(5 * time.Millisecond)

	assert.Eventually(t, func() bool {
		return probe.sampleCount() >= 2
	}, time.Second, 5*time.Millisecond)

	s.Stop()
	// Stop after stopped must not panic or block.
	s.Stop()

	settled := probe.sampleCount()
	time.Sleep(20 * time.Millisecond)
	assert.LessOrEqual(t, probe.sampleCount(), settled+1)
}

func TestSamplerStopWithoutStart(t *testing.T) {
	s := NewSampler(&fakeProbe{}, quietLogger())
	s.Stop()
}

func TestSamplerRestartCycles(t *testing.T) {
	// Each loop must close only the channel from its own Start, so rapid
	// stop/start cycles never double-close a successor's channel.
	probe := &fakeProbe{}
	s := NewSampler(probe, quietLogger())

	for i := 0; i < 5; i++ {
		s.Start(time.Millisecond)
		s.Stop()
	}

	s.Start(5 * time.Millisecond)
	assert.Eventually(t, func() bool {
		return probe.sampleCount() >= 1
	}, time.Second, 5*time.Millisecond)
	s.Stop()
}

func TestSamplerSnapshotSynchronous(t *testing.T) {
	probe := &fakeProbe{snap: Snapshot{GPUs: []GPUReading{{Name: "GPU0"}}}}
	s := NewSampler(probe, quietLogger())

	snap := s.Snapshot(context.Background())
	require.Len(t, snap.GPUs, 1)
	assert.Equal(t, "GPU0", snap.GPUs[0].Name)
	assert.Equal(t, 1, probe.sampleCount())
}
