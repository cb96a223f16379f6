package tuner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmbench/llmbench/internal/bench"
	"github.com/llmbench/llmbench/internal/storage"
)

// funcRunner scripts the benchmark outcomes a search observes, so selection
// logic can be tested against known throughput/latency landscapes.
type funcRunner func(ctx context.Context, conn bench.Connection, cfg bench.Config) (*bench.Result, error)

func (f funcRunner) Run(ctx context.Context, conn bench.Connection, cfg bench.Config) (*bench.Result, error) {
	return f(ctx, conn, cfg)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testParams() Params {
	return Params{
		MinAcceptableTPS: 12.0,
		MaxConcurrency:   16,
		ConcurrencySteps: []int{1, 2, 4, 8, 16},
		BatchSizes:       []int{1, 2},
		TokenSizes:       []int{32, 128},
		ProbeTokenSizes:  []int{512},
		ProbeRequests:    2,
		TestRequests:     4,
		NearBestFraction: 0.10,
		Prompt:           "test prompt",
	}
}

func testConn() bench.Connection {
	return bench.Connection{Name: "backend", Variant: bench.VariantOllama, Model: "m"}
}

func resultWith(tps, latency float64) *bench.Result {
	return &bench.Result{TokensPerSecond: tps, LatencyMs: latency}
}

func trialKey(cfg bench.Config) string {
	mode := "b"
	if cfg.Stream {
		mode = "s"
	}
	return fmt.Sprintf("%s-c%d-b%d-t%d", mode, cfg.Concurrency, cfg.BatchSize, cfg.MaxTokens)
}

// landscapeRunner models a backend whose throughput peaks around concurrency
// 4 and whose best latency arrives streaming at the longer generation length.
func landscapeRunner(t *testing.T) funcRunner {
	t.Helper()
	outcomes := map[string]*bench.Result{
		// streaming concurrency sweep at the smallest length
		"s-c1-b1-t32":  resultWith(20, 100),
		"s-c2-b1-t32":  resultWith(40, 110),
		"s-c4-b1-t32":  resultWith(50, 200),
		"s-c8-b1-t32":  resultWith(48, 220),
		"s-c16-b1-t32": resultWith(5, 500), // collapse ends the ladder
		// batch grid at the smallest length
		"b-c1-b1-t32":  resultWith(15, 100),
		"b-c2-b1-t32":  resultWith(30, 120),
		"b-c2-b2-t32":  resultWith(35, 120),
		"b-c4-b1-t32":  resultWith(50, 205),
		"b-c4-b2-t32":  resultWith(52, 210),
		"b-c8-b1-t32":  resultWith(40, 150),
		"b-c8-b2-t32":  resultWith(30, 160),
		"b-c16-b1-t32": resultWith(8, 400), // whole level underperforms
		// token scaling of the best shape so far (streaming, concurrency 4)
		"s-c4-b1-t128": resultWith(55, 90),
	}
	return func(ctx context.Context, conn bench.Connection, cfg bench.Config) (*bench.Result, error) {
		if cfg.TotalRequests == 2 {
			// capacity probe
			return resultWith(30, 1000), nil
		}
		r, ok := outcomes[trialKey(cfg)]
		if !ok {
			t.Fatalf("unexpected trial configuration %s", trialKey(cfg))
		}
		return r, nil
	}
}

func TestSearchSelectsLowestLatencyNearBest(t *testing.T) {
	tn := New(landscapeRunner(t), nil, WithLogger(quietLogger()), WithParams(testParams()))

	session, err := tn.Search(context.Background(), testConn())
	require.NoError(t, err)
	require.NotNil(t, session)

	assert.Equal(t, storage.TuneStatusComplete, session.Status)
	assert.False(t, session.CompletedAt.IsZero())

	// Peak raw throughput is 55 tok/s at 90ms from the token sweep; everything
	// within 10% of the peak competes on latency, and that trial wins it too.
	require.NotNil(t, session.Best)
	assert.True(t, session.Best.Stream)
	assert.Equal(t, 4, session.Best.Concurrency)
	assert.Equal(t, 1, session.Best.BatchSize)
	assert.Equal(t, 128, session.Best.MaxTokens)
}

func TestSearchPhaseShapes(t *testing.T) {
	tn := New(landscapeRunner(t), nil, WithLogger(quietLogger()), WithParams(testParams()))

	session, err := tn.Search(context.Background(), testConn())
	require.NoError(t, err)

	var sweep, grid, scaling []Trial
	for _, trial := range session.Trials {
		switch trial.Phase {
		case PhaseConcurrencySweep:
			sweep = append(sweep, trial)
		case PhaseBatchSweep:
			grid = append(grid, trial)
		case PhaseTokenSweep:
			scaling = append(scaling, trial)
		}
	}

	// The concurrency sweep streams at the smallest supported length.
	require.Len(t, sweep, 5)
	for _, trial := range sweep {
		assert.True(t, trial.Config.Stream)
		assert.Equal(t, 1, trial.Config.BatchSize)
		assert.Equal(t, 32, trial.Config.MaxTokens)
	}

	// The batch grid covers every batch size up to each level's concurrency
	// and stops growing once a whole level underperforms: c16 ends after its
	// first batch size, so c16-b2 is never tried.
	gridKeys := make(map[string]bool, len(grid))
	for _, trial := range grid {
		assert.False(t, trial.Config.Stream)
		assert.LessOrEqual(t, trial.Config.BatchSize, trial.Config.Concurrency)
		gridKeys[trialKey(trial.Config)] = true
	}
	assert.Len(t, grid, 8)
	assert.True(t, gridKeys["b-c2-b2-t32"])
	assert.True(t, gridKeys["b-c8-b2-t32"])
	assert.False(t, gridKeys["b-c16-b2-t32"])

	// The token sweep re-tests only the best shape, only at larger lengths.
	require.Len(t, scaling, 1)
	assert.Equal(t, 128, scaling[0].Config.MaxTokens)
	assert.True(t, scaling[0].Config.Stream)
	assert.Equal(t, 4, scaling[0].Config.Concurrency)
}

func TestSearchFiltersLengthsAboveCapacity(t *testing.T) {
	// The probe settles at 64, so 128 is out of reach and only 32 remains;
	// with nothing larger to scale to, the token sweep has no work.
	params := testParams()
	params.ProbeTokenSizes = []int{512, 64}

	runner := funcRunner(func(ctx context.Context, conn bench.Connection, cfg bench.Config) (*bench.Result, error) {
		if cfg.TotalRequests == 2 && cfg.MaxTokens == 512 {
			return nil, errors.New("out of memory")
		}
		return resultWith(40, 100), nil
	})

	tn := New(runner, nil, WithLogger(quietLogger()), WithParams(params))
	session, err := tn.Search(context.Background(), testConn())
	require.NoError(t, err)

	assert.Equal(t, storage.TuneStatusComplete, session.Status)
	for _, trial := range session.Trials {
		assert.NotEqual(t, PhaseTokenSweep, trial.Phase)
		if trial.Phase != PhaseCapacityProbe {
			assert.Equal(t, 32, trial.Config.MaxTokens)
		}
	}
}

func TestSearchProbeExhaustionFallsBack(t *testing.T) {
	// Every probe length fails, but the search carries on at the smallest
	// candidate instead of aborting.
	params := testParams()
	params.ProbeTokenSizes = []int{512, 256}

	runner := funcRunner(func(ctx context.Context, conn bench.Connection, cfg bench.Config) (*bench.Result, error) {
		if cfg.TotalRequests == 2 {
			return nil, errors.New("out of memory")
		}
		return resultWith(40, 100), nil
	})

	tn := New(runner, nil, WithLogger(quietLogger()), WithParams(params))
	session, err := tn.Search(context.Background(), testConn())
	require.NoError(t, err)

	assert.Equal(t, storage.TuneStatusComplete, session.Status)
	require.NotNil(t, session.Best)

	var probes, sweeps int
	for _, trial := range session.Trials {
		if trial.Phase == PhaseCapacityProbe {
			probes++
			assert.NotEmpty(t, trial.Error)
		} else {
			sweeps++
		}
	}
	assert.Equal(t, 2, probes)
	assert.Greater(t, sweeps, 0)
}

func TestSearchAllTrialsError(t *testing.T) {
	runner := funcRunner(func(ctx context.Context, conn bench.Connection, cfg bench.Config) (*bench.Result, error) {
		return nil, errors.New("model not loaded")
	})

	tn := New(runner, nil, WithLogger(quietLogger()), WithParams(testParams()))
	session, err := tn.Search(context.Background(), testConn())

	require.Error(t, err)
	assert.ErrorIs(t, err, bench.ErrNoSuccessfulRequests)
	assert.Equal(t, storage.TuneStatusFailed, session.Status)
	assert.Nil(t, session.Best)
	assert.NotEmpty(t, session.Error)
}

func TestSearchFallsBackWhenNothingQualifies(t *testing.T) {
	// Every trial succeeds but sits below the acceptance floor: both sweeps
	// stop at their first level, and the search still yields the best raw
	// throughput instead of failing.
	runner := funcRunner(func(ctx context.Context, conn bench.Connection, cfg bench.Config) (*bench.Result, error) {
		return resultWith(2+float64(cfg.Concurrency)/2, 100), nil
	})

	tn := New(runner, nil, WithLogger(quietLogger()), WithParams(testParams()))
	session, err := tn.Search(context.Background(), testConn())
	require.NoError(t, err)

	assert.Equal(t, storage.TuneStatusComplete, session.Status)
	require.NotNil(t, session.Best)
	assert.Equal(t, 1, session.Best.Concurrency)

	// probe, one streaming trial, one batch trial, one token-scaling trial
	assert.Len(t, session.Trials, 4)
}

func TestSearchSingleFlight(t *testing.T) {
	release := make(chan struct{})
	runner := funcRunner(func(ctx context.Context, conn bench.Connection, cfg bench.Config) (*bench.Result, error) {
		<-release
		return resultWith(40, 100), nil
	})

	tn := New(runner, nil, WithLogger(quietLogger()), WithParams(testParams()))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = tn.Search(context.Background(), testConn())
	}()

	require.Eventually(t, tn.Running, time.Second, time.Millisecond)

	_, err := tn.Search(context.Background(), testConn())
	assert.ErrorIs(t, err, bench.ErrAlreadyRunning)

	close(release)
	<-done
	assert.False(t, tn.Running())
}

func TestSearchStop(t *testing.T) {
	var tn *Tuner
	calls := 0
	runner := funcRunner(func(ctx context.Context, conn bench.Connection, cfg bench.Config) (*bench.Result, error) {
		calls++
		if calls == 2 {
			// Stop after the first concurrency trial completes.
			tn.Stop()
		}
		return resultWith(40, 100), nil
	})

	tn = New(runner, nil, WithLogger(quietLogger()), WithParams(testParams()))
	session, err := tn.Search(context.Background(), testConn())
	require.NoError(t, err)

	assert.Equal(t, storage.TuneStatusStopped, session.Status)
	// The partial session is still selected over.
	assert.NotNil(t, session.Best)
	assert.Less(t, len(session.Trials), 5)
}

func TestStatusReturnsCopy(t *testing.T) {
	tn := New(landscapeRunner(t), nil, WithLogger(quietLogger()), WithParams(testParams()))

	assert.Nil(t, tn.Status())

	_, err := tn.Search(context.Background(), testConn())
	require.NoError(t, err)

	status := tn.Status()
	require.NotNil(t, status)
	require.NotNil(t, status.Best)

	// Mutating the copy must not leak into the tuner's own session.
	status.Best.Concurrency = 999
	status.Trials[0].Phase = "mutated"

	fresh := tn.Status()
	assert.NotEqual(t, 999, fresh.Best.Concurrency)
	assert.NotEqual(t, "mutated", fresh.Trials[0].Phase)
}

func TestParamsWithDefaults(t *testing.T) {
	t.Run("zero values take defaults", func(t *testing.T) {
		p := Params{}.withDefaults()
		d := DefaultParams()
		assert.Equal(t, d.MinAcceptableTPS, p.MinAcceptableTPS)
		assert.Equal(t, d.ConcurrencySteps, p.ConcurrencySteps)
		assert.Equal(t, d.Prompt, p.Prompt)
	})

	t.Run("explicit values survive", func(t *testing.T) {
		p := Params{MaxConcurrency: 4, TestRequests: 3}.withDefaults()
		assert.Equal(t, 4, p.MaxConcurrency)
		assert.Equal(t, 3, p.TestRequests)
	})
}

func TestTrialQualified(t *testing.T) {
	testCases := []struct {
		name     string
		trial    Trial
		expected bool
	}{
		{"clean trial above floor", Trial{TokensPerSecond: 20}, true},
		{"below floor", Trial{TokensPerSecond: 5}, false},
		{"partial failures above floor", Trial{TokensPerSecond: 20, FailedRequests: 1}, true},
		{"with error", Trial{TokensPerSecond: 20, Error: "boom"}, false},
		{"exactly at floor", Trial{TokensPerSecond: 12}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.trial.qualified(12.0))
		})
	}
}
