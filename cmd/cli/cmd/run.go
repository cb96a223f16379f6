package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var (
	runBackend     string
	runModel       string
	runPrompt      string
	runRequests    int
	runConcurrency int
	runMaxTokens   int
	runStream      bool
	runBatchSize   int
	runTemperature float64
	runNoProgress  bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a benchmark against a backend",
	Long: `Run a benchmark against a configured backend.

Examples:
  llmbench run --backend local --prompt "Hello" -n 20 -c 4
  llmbench run --backend vllm --stream -n 50 -c 8 --max-tokens 256
  llmbench run --backend nim -n 40 -c 4 --batch-size 4`,
	RunE: runBenchmark,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runBackend, "backend", "b", "", "Backend name (required)")
	runCmd.Flags().StringVarP(&runModel, "model", "m", "", "Model override")
	runCmd.Flags().StringVarP(&runPrompt, "prompt", "p", "Write a short story about a robot learning to paint.", "Prompt text")
	runCmd.Flags().IntVarP(&runRequests, "requests", "n", 10, "Total requests")
	runCmd.Flags().IntVarP(&runConcurrency, "concurrency", "c", 1, "Concurrent requests")
	runCmd.Flags().IntVar(&runMaxTokens, "max-tokens", 0, "Generation token budget (0 = backend default)")
	runCmd.Flags().BoolVar(&runStream, "stream", false, "Use streaming requests")
	runCmd.Flags().IntVar(&runBatchSize, "batch-size", 0, "Sequential batch size (non-streaming only)")
	runCmd.Flags().Float64Var(&runTemperature, "temperature", 0, "Sampling temperature")
	runCmd.Flags().BoolVar(&runNoProgress, "no-progress", false, "Disable the progress bar")
	runCmd.MarkFlagRequired("backend")
}

func runBenchmark(cmd *cobra.Command, args []string) error {
	req := RunConfig{
		Backend:       runBackend,
		Model:         runModel,
		Prompt:        runPrompt,
		TotalRequests: runRequests,
		Concurrency:   runConcurrency,
		MaxTokens:     runMaxTokens,
		Stream:        runStream,
		BatchSize:     runBatchSize,
		Temperature:   runTemperature,
	}

	// Follow the progress stream while the synchronous request is in flight.
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	if !runNoProgress && outputFormat != "json" {
		go followProgress(ctx, runRequests)
	}

	var result RunResult
	if err := postJSON("/api/v1/benchmarks", req, &result); err != nil {
		return err
	}
	cancel()
	fmt.Println()

	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	}

	printRunResult(&result)
	return nil
}

// followProgress consumes the server's websocket stream and renders a bar.
// Best-effort: any failure simply leaves the bar static.
func followProgress(ctx context.Context, total int) {
	wsURL, err := url.Parse(serverURL)
	if err != nil {
		return
	}
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path = "/ws/progress"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		return
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("benchmarking"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionClearOnFinish(),
	)

	for {
		var update ProgressUpdate
		if err := conn.ReadJSON(&update); err != nil {
			return
		}
		bar.Set(update.Completed)
		if update.CurrentTPS > 0 {
			bar.Describe(fmt.Sprintf("benchmarking (%.1f tok/s)", update.CurrentTPS))
		}
	}
}

func printRunResult(r *RunResult) {
	fmt.Println("═══════════════════════════════════════════════════════════════")
	fmt.Println("                    BENCHMARK RESULT")
	fmt.Println("═══════════════════════════════════════════════════════════════")
	fmt.Println()

	fmt.Println("Run")
	fmt.Printf("  ID:               %d\n", r.ID)
	fmt.Printf("  Backend:          %s\n", r.Backend)
	if r.Model != "" {
		fmt.Printf("  Model:            %s\n", r.Model)
	}
	mode := "batched"
	if r.Config.Stream {
		mode = "streaming"
	}
	fmt.Printf("  Mode:             %s\n", mode)
	fmt.Printf("  Requests:         %d at concurrency %d\n", r.Config.TotalRequests, r.Config.Concurrency)
	fmt.Println()

	fmt.Println("Throughput")
	fmt.Printf("  Tokens/sec:       %.2f\n", r.TokensPerSecond)
	fmt.Printf("  Peak Tokens/sec:  %.2f\n", r.PeakTPS)
	fmt.Printf("  Total Tokens:     %d\n", r.TotalTokens)
	fmt.Printf("  Wall Clock:       %.1fs\n", r.WallClockSeconds)
	fmt.Println()

	fmt.Println("Latency")
	fmt.Printf("  Mean:             %.1f ms\n", r.LatencyMs)
	fmt.Printf("  P95:              %.1f ms\n", r.P95LatencyMs)
	if r.TTFTMs > 0 {
		fmt.Printf("  TTFT:             %.1f ms\n", r.TTFTMs)
	}
	if r.InterTokenMs > 0 {
		fmt.Printf("  Inter-token:      %.1f ms\n", r.InterTokenMs)
	}
	fmt.Println()

	fmt.Println("Requests")
	fmt.Printf("  Successful:       %d\n", r.SuccessfulRequests)
	fmt.Printf("  Failed:           %d\n", r.FailedRequests)
	fmt.Println()

	if len(r.Telemetry.GPUs) > 0 {
		fmt.Println("Hardware")
		for i, gpu := range r.Telemetry.GPUs {
			name := gpu.Name
			if name == "" {
				name = fmt.Sprintf("GPU %d", i)
			}
			fmt.Printf("  %s: %.0f%% util, %.0f/%.0f MiB, %.0f°C, %.0f W\n",
				strings.TrimSpace(name), gpu.UtilizationPct,
				gpu.MemoryUsedMiB, gpu.MemoryTotalMiB,
				gpu.TemperatureC, gpu.PowerDrawW)
		}
		fmt.Println()
	}

	fmt.Println("═══════════════════════════════════════════════════════════════")
}
