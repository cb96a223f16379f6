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

// LocalDriver issues completion requests against container-local
// /v1/completions endpoints (NIM and similar inference containers).
// Streaming responses use server-sent events: "data: {json}" lines
// terminated by "data: [DONE]".
type LocalDriver struct {
	client *http.Client
	logger *slog.Logger
}

// NewLocalDriver creates a driver with the standard request timeout.
func NewLocalDriver(logger *slog.Logger) *LocalDriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalDriver{
		client: &http.Client{Timeout: RequestTimeout},
		logger: logger,
	}
}

type completionChunk struct {
	Choices []struct {
		Text string `json:"text"`
	} `json:"choices"`
	Usage *struct {
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Drive issues one completion request.
func (d *LocalDriver) Drive(ctx context.Context, conn bench.Connection, cfg bench.Config) (bench.RequestSample, error) {
	model := cfg.Model
	if model == "" {
		model = conn.Model
	}

	payload := map[string]any{
		"model":       model,
		"prompt":      cfg.Prompt,
		"stream":      cfg.Stream,
		"temperature": cfg.Temperature,
		"top_p":       cfg.TopP,
	}
	if cfg.MaxTokens > 0 {
		payload["max_tokens"] = cfg.MaxTokens
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return bench.RequestSample{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(conn.BaseURL, "/")+"/v1/completions", bytes.NewReader(body))
	if err != nil {
		return bench.RequestSample{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if conn.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+conn.APIKey)
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return bench.RequestSample{}, fmt.Errorf("completion request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return bench.RequestSample{}, fmt.Errorf("completions endpoint returned %s: %s",
			resp.Status, strings.TrimSpace(string(raw)))
	}

	if cfg.Stream {
		return d.consumeSSE(resp.Body, start)
	}
	return d.consumeBody(resp.Body, start)
}

func (d *LocalDriver) consumeSSE(body io.Reader, start time.Time) (bench.RequestSample, error) {
	timing := newStreamTiming(start)
	tokens := 0
	authoritative := false

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		var chunk completionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			d.logger.Debug("skipping malformed sse chunk", slog.String("error", err.Error()))
			continue
		}

		if len(chunk.Choices) > 0 && chunk.Choices[0].Text != "" {
			timing.observe(time.Now())
			if !authoritative {
				tokens++
			}
		}
		if chunk.Usage != nil && chunk.Usage.CompletionTokens > 0 {
			tokens = chunk.Usage.CompletionTokens
			authoritative = true
		}
	}
	if err := scanner.Err(); err != nil {
		return bench.RequestSample{}, fmt.Errorf("sse stream read failed: %w", err)
	}

	sample := bench.RequestSample{
		Success:   true,
		Tokens:    tokens,
		LatencyMs: float64(time.Since(start).Milliseconds()),
	}
	timing.apply(&sample)
	return sample, nil
}

func (d *LocalDriver) consumeBody(body io.Reader, start time.Time) (bench.RequestSample, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return bench.RequestSample{}, fmt.Errorf("completion response read failed: %w", err)
	}

	var result completionChunk
	if err := json.Unmarshal(raw, &result); err != nil {
		return bench.RequestSample{}, fmt.Errorf("completion response parse failed: %w", err)
	}

	tokens := 0
	if result.Usage != nil {
		tokens = result.Usage.CompletionTokens
	}
	if tokens == 0 && len(result.Choices) > 0 {
		tokens = countWords(result.Choices[0].Text)
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
