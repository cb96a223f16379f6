package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var telemetryCmd = &cobra.Command{
	Use:   "telemetry",
	Short: "Show current GPU and CPU telemetry",
	RunE:  runTelemetry,
}

func init() {
	rootCmd.AddCommand(telemetryCmd)
}

func runTelemetry(cmd *cobra.Command, args []string) error {
	var snapshot TelemetrySnapshot
	if err := getJSON("/api/v1/telemetry", &snapshot); err != nil {
		return err
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(snapshot)
	}

	if len(snapshot.GPUs) == 0 {
		fmt.Println("No GPUs detected")
	}
	for i, gpu := range snapshot.GPUs {
		name := strings.TrimSpace(gpu.Name)
		if name == "" {
			name = fmt.Sprintf("GPU %d", i)
		}
		fmt.Printf("%s\n", name)
		fmt.Printf("  Utilization:  %.0f%%\n", gpu.UtilizationPct)
		fmt.Printf("  Memory:       %.0f / %.0f MiB\n", gpu.MemoryUsedMiB, gpu.MemoryTotalMiB)
		fmt.Printf("  Temperature:  %.0f°C\n", gpu.TemperatureC)
		fmt.Printf("  Power:        %.0f W\n", gpu.PowerDrawW)
		fmt.Printf("  SM Clock:     %.0f MHz\n", gpu.SMClockMHz)
	}

	fmt.Println("CPU")
	fmt.Printf("  Cores:        %d\n", snapshot.CPU.CoreCount)
	if len(snapshot.CPU.UtilizationPct) > 0 {
		var sum float64
		for _, u := range snapshot.CPU.UtilizationPct {
			sum += u
		}
		fmt.Printf("  Utilization:  %.0f%% avg\n", sum/float64(len(snapshot.CPU.UtilizationPct)))
	}
	if snapshot.CPU.FrequencyMHz > 0 {
		fmt.Printf("  Frequency:    %.0f MHz\n", snapshot.CPU.FrequencyMHz)
	}
	return nil
}
