// Package driver issues single generation requests against LLM serving
// backends and extracts token-level timing from streaming or batched
// responses. Three variants share one contract: Ollama-style, OpenAI-
// compatible, and container-local completion endpoints.
package driver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/llmbench/llmbench/internal/bench"
)

// RequestTimeout bounds a single generation request.
const RequestTimeout = 120 * time.Second

// Driver issues exactly one generation request per call. Failures are
// returned as errors; the executor absorbs them into the run's failure count.
type Driver interface {
	Drive(ctx context.Context, conn bench.Connection, cfg bench.Config) (bench.RequestSample, error)
}

// Registry maps protocol variants to their drivers.
type Registry map[bench.Variant]Driver

// NewRegistry builds the standard registry covering all three variants.
func NewRegistry(logger *slog.Logger) Registry {
	return Registry{
		bench.VariantOllama: NewOllamaDriver(logger),
		bench.VariantOpenAI: NewOpenAIDriver(logger),
		bench.VariantLocal:  NewLocalDriver(logger),
	}
}

// For returns the driver for the connection's variant.
func (r Registry) For(conn bench.Connection) (Driver, error) {
	d, ok := r[conn.Variant]
	if !ok {
		return nil, fmt.Errorf("%w: no driver for backend variant %q", bench.ErrInvalidConfig, conn.Variant)
	}
	return d, nil
}

// countWords is the naive token-count fallback for backends that do not
// report an authoritative count.
func countWords(text string) int {
	return len(strings.Fields(text))
}

// streamTiming accumulates timestamps of content-bearing stream chunks and
// reduces them into TTFT and mean inter-token latency.
type streamTiming struct {
	start      time.Time
	firstToken time.Time
	lastToken  time.Time
	gaps       int
	gapTotal   time.Duration
}

func newStreamTiming(start time.Time) *streamTiming {
	return &streamTiming{start: start}
}

// observe records one content-bearing chunk arrival.
func (t *streamTiming) observe(now time.Time) {
	if t.firstToken.IsZero() {
		t.firstToken = now
	} else {
		t.gaps++
		t.gapTotal += now.Sub(t.lastToken)
	}
	t.lastToken = now
}

// apply fills the sample's TTFT and inter-token fields from the observed
// chunk timestamps.
func (t *streamTiming) apply(sample *bench.RequestSample) {
	if !t.firstToken.IsZero() {
		sample.TTFTMs = float64(t.firstToken.Sub(t.start).Milliseconds())
		sample.HasTTFT = true
	}
	if t.gaps > 0 {
		sample.InterTokenMs = float64(t.gapTotal.Milliseconds()) / float64(t.gaps)
		sample.HasInterTok = true
	}
}
