package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/llmbench/llmbench/internal/bench"
)

// OpenAIDriver issues chat completion requests against OpenAI-compatible
// endpoints (vLLM, llama.cpp server, hosted gateways) using the go-openai
// client. Streaming responses report usage on the final chunk when the
// server honors IncludeUsage; otherwise the per-chunk count is used.
type OpenAIDriver struct {
	logger *slog.Logger

	// newClient is an injection point for tests.
	newClient func(conn bench.Connection) *openai.Client
}

// NewOpenAIDriver creates a driver with the standard request timeout.
func NewOpenAIDriver(logger *slog.Logger) *OpenAIDriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIDriver{
		logger:    logger,
		newClient: defaultOpenAIClient,
	}
}

func defaultOpenAIClient(conn bench.Connection) *openai.Client {
	config := openai.DefaultConfig(conn.APIKey)
	config.BaseURL = strings.TrimRight(conn.BaseURL, "/") + "/v1"
	return openai.NewClientWithConfig(config)
}

// Drive issues one chat completion request.
func (d *OpenAIDriver) Drive(ctx context.Context, conn bench.Connection, cfg bench.Config) (bench.RequestSample, error) {
	ctx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()

	client := d.newClient(conn)

	model := cfg.Model
	if model == "" {
		model = conn.Model
	}

	req := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: cfg.Prompt},
		},
		Temperature: float32(cfg.Temperature),
		TopP:        float32(cfg.TopP),
	}
	if cfg.MaxTokens > 0 {
		req.MaxTokens = cfg.MaxTokens
		req.MaxCompletionTokens = cfg.MaxTokens
	}

	if cfg.Stream {
		return d.driveStream(ctx, client, req)
	}
	return d.driveOnce(ctx, client, req)
}

func (d *OpenAIDriver) driveStream(ctx context.Context, client *openai.Client, req openai.ChatCompletionRequest) (bench.RequestSample, error) {
	req.Stream = true
	req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	start := time.Now()
	stream, err := client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return bench.RequestSample{}, fmt.Errorf("openai stream request failed: %w", err)
	}
	defer stream.Close()

	timing := newStreamTiming(start)
	var content strings.Builder
	chunks := 0
	var usage *openai.Usage

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return bench.RequestSample{}, fmt.Errorf("openai stream error: %w", err)
		}

		if len(resp.Choices) > 0 {
			if delta := resp.Choices[0].Delta.Content; delta != "" {
				timing.observe(time.Now())
				content.WriteString(delta)
				chunks++
			}
		}
		if resp.Usage != nil {
			usage = resp.Usage
		}
	}

	tokens := chunks
	if usage != nil && usage.CompletionTokens > 0 {
		tokens = usage.CompletionTokens
	}

	sample := bench.RequestSample{
		Success:   true,
		Tokens:    tokens,
		LatencyMs: float64(time.Since(start).Milliseconds()),
	}
	timing.apply(&sample)
	return sample, nil
}

func (d *OpenAIDriver) driveOnce(ctx context.Context, client *openai.Client, req openai.ChatCompletionRequest) (bench.RequestSample, error) {
	start := time.Now()
	resp, err := client.CreateChatCompletion(ctx, req)
	if err != nil {
		return bench.RequestSample{}, fmt.Errorf("openai request failed: %w", err)
	}

	tokens := resp.Usage.CompletionTokens
	if tokens == 0 && len(resp.Choices) > 0 {
		tokens = countWords(resp.Choices[0].Message.Content)
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
