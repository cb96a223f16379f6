package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmbench/llmbench/internal/bench"
	"github.com/llmbench/llmbench/internal/telemetry"
)

func sampleResult(backend string) *bench.Result {
	return &bench.Result{
		Timestamp: time.Now().UTC().Truncate(time.Second),
		Backend:   backend,
		Model:     "llama3",
		Config: bench.Config{
			Backend:       backend,
			Prompt:        "hello",
			TotalRequests: 10,
			Concurrency:   4,
			MaxTokens:     128,
		},
		TokensPerSecond:    42.5,
		PeakTPS:            58.1,
		LatencyMs:          812.3,
		P95LatencyMs:       1100.0,
		TTFTMs:             95.2,
		InterTokenMs:       18.4,
		SuccessfulRequests: 10,
		TotalTokens:        1280,
		WallClockSeconds:   30.1,
		Telemetry: telemetry.Snapshot{
			GPUs: []telemetry.GPUReading{{UtilizationPct: 88, Name: "RTX 4090"}},
		},
	}
}

func TestRunStore_SaveAssignsMonotonicIDs(t *testing.T) {
	store := NewRunStore(newTestDB(t))
	ctx := context.Background()

	first := sampleResult("local")
	second := sampleResult("local")

	require.NoError(t, store.Save(ctx, first))
	require.NoError(t, store.Save(ctx, second))

	assert.Equal(t, int64(1), first.ID)
	assert.Equal(t, int64(2), second.ID)
}

func TestRunStore_SaveAndGet(t *testing.T) {
	store := NewRunStore(newTestDB(t))
	ctx := context.Background()

	saved := sampleResult("local")
	require.NoError(t, store.Save(ctx, saved))

	got, err := store.Get(ctx, saved.ID)
	require.NoError(t, err)

	assert.Equal(t, saved.ID, got.ID)
	assert.Equal(t, "local", got.Backend)
	assert.Equal(t, "llama3", got.Model)
	assert.InDelta(t, 42.5, got.TokensPerSecond, 0.001)
	assert.InDelta(t, 1100.0, got.P95LatencyMs, 0.001)
	assert.Equal(t, 10, got.SuccessfulRequests)
	assert.Equal(t, 1280, got.TotalTokens)

	// Config and telemetry round-trip through their JSON columns.
	assert.Equal(t, 4, got.Config.Concurrency)
	assert.Equal(t, 128, got.Config.MaxTokens)
	require.Len(t, got.Telemetry.GPUs, 1)
	assert.Equal(t, "RTX 4090", got.Telemetry.GPUs[0].Name)
}

func TestRunStore_GetNotFound(t *testing.T) {
	store := NewRunStore(newTestDB(t))

	_, err := store.Get(context.Background(), 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRunStore_List(t *testing.T) {
	store := NewRunStore(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, sampleResult("local")))
	require.NoError(t, store.Save(ctx, sampleResult("vllm")))
	require.NoError(t, store.Save(ctx, sampleResult("local")))

	t.Run("returns most recent first", func(t *testing.T) {
		results, err := store.List(ctx, RunFilter{})
		require.NoError(t, err)
		require.Len(t, results, 3)
		assert.Equal(t, int64(3), results[0].ID)
		assert.Equal(t, int64(1), results[2].ID)
	})

	t.Run("filters by backend", func(t *testing.T) {
		results, err := store.List(ctx, RunFilter{Backend: "vllm"})
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "vllm", results[0].Backend)
	})

	t.Run("applies limit", func(t *testing.T) {
		results, err := store.List(ctx, RunFilter{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, results, 2)
	})

	t.Run("no matches yields empty", func(t *testing.T) {
		results, err := store.List(ctx, RunFilter{Backend: "missing"})
		require.NoError(t, err)
		assert.Empty(t, results)
	})
}

func TestRunStore_Delete(t *testing.T) {
	store := NewRunStore(newTestDB(t))
	ctx := context.Background()

	saved := sampleResult("local")
	require.NoError(t, store.Save(ctx, saved))

	require.NoError(t, store.Delete(ctx, saved.ID))

	_, err := store.Get(ctx, saved.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	err = store.Delete(ctx, saved.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
