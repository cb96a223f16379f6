package driver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/llmbench/llmbench/internal/bench"
)

// OllamaDriver issues generation requests against Ollama-style
// /api/generate endpoints. Streaming responses arrive as newline-delimited
// JSON chunks carrying incremental "response" text and, on the final chunk,
// an authoritative "eval_count".
type OllamaDriver struct {
	client *http.Client
	logger *slog.Logger
}

// NewOllamaDriver creates a driver with the standard request timeout.
func NewOllamaDriver(logger *slog.Logger) *OllamaDriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaDriver{
		client: &http.Client{Timeout: RequestTimeout},
		logger: logger,
	}
}

type ollamaChunk struct {
	Response  string `json:"response"`
	Done      bool   `json:"done"`
	EvalCount int    `json:"eval_count"`
}

// Drive issues one generation request and extracts token count, TTFT, and
// total latency from the response.
func (d *OllamaDriver) Drive(ctx context.Context, conn bench.Connection, cfg bench.Config) (bench.RequestSample, error) {
	options := map[string]any{
		"temperature": cfg.Temperature,
		"top_p":       cfg.TopP,
		"top_k":       cfg.TopK,
	}
	if cfg.MaxTokens > 0 {
		options["num_predict"] = cfg.MaxTokens
	}
	if cfg.ContextSize > 0 {
		options["num_ctx"] = cfg.ContextSize
	}

	model := cfg.Model
	if model == "" {
		model = conn.Model
	}

	payload := map[string]any{
		"model":   model,
		"prompt":  cfg.Prompt,
		"stream":  cfg.Stream,
		"options": options,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return bench.RequestSample{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(conn.BaseURL, "/")+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return bench.RequestSample{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return bench.RequestSample{}, fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return bench.RequestSample{}, fmt.Errorf("ollama: /api/generate returned %s: %s",
			resp.Status, strings.TrimSpace(string(raw)))
	}

	if cfg.Stream {
		return d.consumeStream(resp.Body, start)
	}
	return d.consumeBody(resp.Body, start)
}

// consumeStream reads NDJSON chunks, timing each content-bearing one.
// Malformed chunks within an otherwise-good stream are skipped.
func (d *OllamaDriver) consumeStream(body io.Reader, start time.Time) (bench.RequestSample, error) {
	timing := newStreamTiming(start)
	tokens := 0
	authoritative := false

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk ollamaChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			d.logger.Debug("skipping malformed stream chunk", slog.String("error", err.Error()))
			continue
		}

		if chunk.Response != "" {
			timing.observe(time.Now())
			if !authoritative {
				tokens++
			}
		}
		if chunk.EvalCount > 0 {
			tokens = chunk.EvalCount
			authoritative = true
		}
	}
	if err := scanner.Err(); err != nil {
		return bench.RequestSample{}, fmt.Errorf("ollama stream read failed: %w", err)
	}

	sample := bench.RequestSample{
		Success:   true,
		Tokens:    tokens,
		LatencyMs: float64(time.Since(start).Milliseconds()),
	}
	timing.apply(&sample)
	return sample, nil
}

// consumeBody parses the single non-streaming JSON body. With no
// intermediate signal available, TTFT degenerates to total latency.
func (d *OllamaDriver) consumeBody(body io.Reader, start time.Time) (bench.RequestSample, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return bench.RequestSample{}, fmt.Errorf("ollama response read failed: %w", err)
	}

	var result struct {
		Response  string `json:"response"`
		EvalCount int    `json:"eval_count"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return bench.RequestSample{}, fmt.Errorf("ollama response parse failed: %w", err)
	}

	tokens := result.EvalCount
	if tokens == 0 {
		tokens = countWords(result.Response)
	}

	latency := float64(time.Since(start).Milliseconds())
	return bench.RequestSample{
		Success:   true,
		Tokens:    tokens,
		LatencyMs: latency,
		TTFTMs:    latency,
		HasTTFT:   true,
	}, nil
}
