package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL    string
	outputFormat string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "llmbench",
	Short: "llmbench CLI - benchmark LLM serving backends",
	Long: `llmbench measures the serving performance of local and remote
LLM backends: Ollama daemons, OpenAI-compatible servers, and
container-local inference endpoints.

This CLI tool allows you to:
- Run benchmarks with a chosen concurrency, batch size, and token budget
- Auto-tune a backend to find its best sustained throughput
- Browse past runs and auto-tune sessions
- Inspect live GPU and CPU telemetry`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", getEnvOrDefault("LLMBENCH_URL", "http://localhost:8080"), "llmbench server URL")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
