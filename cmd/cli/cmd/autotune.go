package cmd

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	tuneBackend string
	tuneWait    bool
	tuneLimit   int
)

var autotuneCmd = &cobra.Command{
	Use:   "autotune",
	Short: "Search for the best benchmark configuration",
	Long: `Run an auto-tune search against a backend. The search probes the
backend's token capacity, sweeps concurrency and batch size, and
reports the configuration with the best sustained throughput.

Examples:
  llmbench autotune --backend local --wait
  llmbench autotune status
  llmbench autotune stop
  llmbench autotune history`,
	RunE: runStartTune,
}

var autotuneStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current auto-tune session",
	RunE:  runTuneStatus,
}

var autotuneStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the in-flight auto-tune search",
	RunE:  runTuneStop,
}

var autotuneHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List past auto-tune sessions",
	RunE:  runTuneHistory,
}

func init() {
	rootCmd.AddCommand(autotuneCmd)
	autotuneCmd.AddCommand(autotuneStatusCmd)
	autotuneCmd.AddCommand(autotuneStopCmd)
	autotuneCmd.AddCommand(autotuneHistoryCmd)

	autotuneCmd.Flags().StringVarP(&tuneBackend, "backend", "b", "", "Backend name (required)")
	autotuneCmd.Flags().BoolVarP(&tuneWait, "wait", "w", false, "Poll until the search completes")
	autotuneCmd.MarkFlagRequired("backend")

	autotuneHistoryCmd.Flags().StringVarP(&tuneBackend, "backend", "b", "", "Filter by backend name")
	autotuneHistoryCmd.Flags().IntVarP(&tuneLimit, "limit", "l", 20, "Maximum sessions to return")
}

func runStartTune(cmd *cobra.Command, args []string) error {
	var session TuneSession
	if err := postJSON("/api/v1/autotune", map[string]string{"backend": tuneBackend}, &session); err != nil {
		return err
	}

	fmt.Printf("Auto-tune started for backend %q\n", session.Backend)
	if !tuneWait {
		fmt.Println("Use 'llmbench autotune status' to follow progress")
		return nil
	}

	for {
		time.Sleep(5 * time.Second)
		var current TuneSession
		if err := getJSON("/api/v1/autotune/status", &current); err != nil {
			return err
		}
		if current.Status != "running" {
			printTuneSession(&current)
			return nil
		}
		fmt.Printf("  phase=%s trials=%d\n", current.Phase, len(current.Trials))
	}
}

func runTuneStatus(cmd *cobra.Command, args []string) error {
	var session TuneSession
	if err := getJSON("/api/v1/autotune/status", &session); err != nil {
		return err
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(session)
	}

	printTuneSession(&session)
	return nil
}

func runTuneStop(cmd *cobra.Command, args []string) error {
	if err := postJSON("/api/v1/autotune/stop", struct{}{}, nil); err != nil {
		return err
	}
	fmt.Println("Auto-tune stopping after the current trial")
	return nil
}

func runTuneHistory(cmd *cobra.Command, args []string) error {
	params := url.Values{}
	if tuneBackend != "" {
		params.Set("backend", tuneBackend)
	}
	params.Set("limit", fmt.Sprintf("%d", tuneLimit))

	var result TuneHistoryResponse
	if err := getJSON("/api/v1/autotune/history?"+params.Encode(), &result); err != nil {
		return err
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	}

	if len(result.Sessions) == 0 {
		fmt.Println("No auto-tune sessions found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tBACKEND\tSTATUS\tSTARTED\tBEST CONCURRENCY\tBEST TOKENS")
	fmt.Fprintln(w, "--\t-------\t------\t-------\t----------------\t-----------")
	for _, s := range result.Sessions {
		best := s.BestConfig
		if best == nil {
			best = s.Best
		}
		concurrency, tokens := "-", "-"
		if best != nil {
			concurrency = fmt.Sprintf("%d", best.Concurrency)
			tokens = fmt.Sprintf("%d", best.MaxTokens)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(s.ID), s.Backend, s.Status, s.StartedAt, concurrency, tokens)
	}
	w.Flush()
	return nil
}

func printTuneSession(s *TuneSession) {
	if s.Status == "" || s.Status == "idle" {
		fmt.Println("No auto-tune session")
		return
	}

	fmt.Printf("Session:   %s\n", s.ID)
	fmt.Printf("Backend:   %s\n", s.Backend)
	fmt.Printf("Status:    %s\n", s.Status)
	if s.Phase != "" {
		fmt.Printf("Phase:     %s\n", s.Phase)
	}
	if s.Error != "" {
		fmt.Printf("Error:     %s\n", s.Error)
	}

	best := s.Best
	if best == nil {
		best = s.BestConfig
	}
	if best != nil {
		fmt.Println()
		fmt.Println("Best configuration")
		fmt.Printf("  Concurrency:  %d\n", best.Concurrency)
		fmt.Printf("  Batch Size:   %d\n", best.BatchSize)
		fmt.Printf("  Max Tokens:   %d\n", best.MaxTokens)
	}

	if len(s.Trials) > 0 {
		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "PHASE\tCONC\tBATCH\tTOKENS\tTOK/S\tLATENCY MS\tFAILED")
		for _, t := range s.Trials {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%.1f\t%.0f\t%d\n",
				t.Phase, t.Config.Concurrency, t.Config.BatchSize,
				t.Config.MaxTokens, t.TokensPerSecond, t.LatencyMs, t.FailedRequests)
		}
		w.Flush()
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
