// Package bench defines the shared types for LLM serving benchmarks:
// run configurations, per-request samples, and aggregated results.
package bench

import (
	"time"

	"github.com/llmbench/llmbench/internal/telemetry"
)

// Variant identifies the wire protocol a backend speaks.
type Variant string

const (
	// VariantOllama targets Ollama-style /api/generate endpoints.
	VariantOllama Variant = "ollama"
	// VariantOpenAI targets OpenAI-compatible /v1/chat/completions endpoints
	// (vLLM, llama.cpp server, hosted gateways).
	VariantOpenAI Variant = "openai"
	// VariantLocal targets container-local /v1/completions endpoints
	// (NIM and similar inference containers).
	VariantLocal Variant = "local"
)

// Connection describes a resolved backend target.
type Connection struct {
	Name    string  `json:"name"`
	BaseURL string  `json:"base_url"`
	Variant Variant `json:"variant"`
	Model   string  `json:"model"`
	APIKey  string  `json:"-"`
}

// Config is the immutable per-run benchmark configuration.
type Config struct {
	Backend       string  `json:"backend"`
	Model         string  `json:"model,omitempty"`
	Prompt        string  `json:"prompt"`
	TotalRequests int     `json:"total_requests"`
	Concurrency   int     `json:"concurrency"`
	MaxTokens     int     `json:"max_tokens,omitempty"`
	Stream        bool    `json:"stream"`
	BatchSize     int     `json:"batch_size,omitempty"`
	Temperature   float64 `json:"temperature,omitempty"`
	TopP          float64 `json:"top_p,omitempty"`
	TopK          int     `json:"top_k,omitempty"`
	ContextSize   int     `json:"context_size,omitempty"`
}

// EffectiveBatchSize returns the batch size the executor will actually use.
// Streaming runs never batch: each request already streams, so grouping adds
// nothing but skews concurrency accounting.
func (c Config) EffectiveBatchSize() int {
	if c.Stream || c.BatchSize < 1 {
		return 1
	}
	return c.BatchSize
}

// RequestSample is the outcome of one driver call. Samples only live for the
// duration of a single executor run and are never persisted individually.
type RequestSample struct {
	Success      bool
	Tokens       int
	LatencyMs    float64
	TTFTMs       float64
	HasTTFT      bool
	InterTokenMs float64
	HasInterTok  bool
}

// Result is the reduction of one executor run. Immutable after creation.
type Result struct {
	ID        int64     `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	Config  Config `json:"config"`
	Backend string `json:"backend"`
	Model   string `json:"model"`

	TokensPerSecond float64 `json:"tokens_per_second"`
	PeakTPS         float64 `json:"peak_tps"`
	LatencyMs       float64 `json:"latency_ms"`
	P95LatencyMs    float64 `json:"p95_latency_ms"`
	TTFTMs          float64 `json:"time_to_first_token_ms"`
	InterTokenMs    float64 `json:"inter_token_latency_ms"`

	SuccessfulRequests int     `json:"successful_requests"`
	FailedRequests     int     `json:"failed_requests"`
	TotalTokens        int     `json:"total_tokens"`
	WallClockSeconds   float64 `json:"wall_clock_seconds"`

	Telemetry telemetry.Snapshot `json:"telemetry"`
}
