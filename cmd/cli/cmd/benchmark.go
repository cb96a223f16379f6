package cmd

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	historyBackend string
	historyModel   string
	historyLimit   int
)

var benchmarksCmd = &cobra.Command{
	Use:   "benchmarks",
	Short: "View past benchmark runs",
	Long: `View past benchmark runs.

Examples:
  llmbench benchmarks                    # List recent runs
  llmbench benchmarks --backend local    # Filter by backend
  llmbench benchmarks show 42            # Show one run in full`,
	RunE: runListBenchmarks,
}

var benchmarksShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one benchmark run in full",
	Args:  cobra.ExactArgs(1),
	RunE:  runShowBenchmark,
}

func init() {
	rootCmd.AddCommand(benchmarksCmd)
	benchmarksCmd.AddCommand(benchmarksShowCmd)

	benchmarksCmd.Flags().StringVarP(&historyBackend, "backend", "b", "", "Filter by backend name")
	benchmarksCmd.Flags().StringVarP(&historyModel, "model", "m", "", "Filter by model name")
	benchmarksCmd.Flags().IntVarP(&historyLimit, "limit", "l", 20, "Maximum results to return")
}

func runListBenchmarks(cmd *cobra.Command, args []string) error {
	params := url.Values{}
	if historyBackend != "" {
		params.Set("backend", historyBackend)
	}
	if historyModel != "" {
		params.Set("model", historyModel)
	}
	params.Set("limit", fmt.Sprintf("%d", historyLimit))

	var result ListRunsResponse
	if err := getJSON("/api/v1/benchmarks?"+params.Encode(), &result); err != nil {
		return err
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	}

	printRunList(result.Runs)
	return nil
}

func runShowBenchmark(cmd *cobra.Command, args []string) error {
	var result RunResult
	if err := getJSON("/api/v1/benchmarks/"+args[0], &result); err != nil {
		return err
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	}

	printRunResult(&result)
	return nil
}

func printRunList(runs []*RunResult) {
	if len(runs) == 0 {
		fmt.Println("No benchmark runs found")
		return
	}

	fmt.Printf("Found %d runs\n\n", len(runs))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tBACKEND\tMODEL\tTOK/S\tPEAK\tP95 MS\tREQS\tFAILED")
	fmt.Fprintln(w, "--\t-------\t-----\t-----\t----\t------\t----\t------")

	for _, r := range runs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%.1f\t%.1f\t%.0f\t%d\t%d\n",
			r.ID,
			r.Backend,
			r.Model,
			r.TokensPerSecond,
			r.PeakTPS,
			r.P95LatencyMs,
			r.SuccessfulRequests+r.FailedRequests,
			r.FailedRequests,
		)
	}
	w.Flush()
}
