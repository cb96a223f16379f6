// Package telemetry samples hardware counters (GPU and CPU) during benchmark
// runs and tracks cumulative token-throughput peaks.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const (
	// commandTimeout bounds nvidia-smi execution
	commandTimeout = 5 * time.Second

	gpuQueryFields = "utilization.gpu,memory.used,memory.total,temperature.gpu,power.draw,clocks.sm,name"
)

// GPUReading is one accelerator's counters at a point in time.
type GPUReading struct {
	UtilizationPct float64 `json:"utilization_pct"`
	MemoryUsedMiB  float64 `json:"memory_used_mib"`
	MemoryTotalMiB float64 `json:"memory_total_mib"`
	TemperatureC   float64 `json:"temperature_c"`
	PowerDrawW     float64 `json:"power_draw_w"`
	SMClockMHz     float64 `json:"sm_clock_mhz"`
	Name           string  `json:"name"`
}

// CPUReading is the aggregate host CPU state at a point in time.
type CPUReading struct {
	UtilizationPct []float64 `json:"utilization_pct"`
	FrequencyMHz   float64   `json:"frequency_mhz"`
	TemperatureC   []float64 `json:"temperature_c"`
	CoreCount      int       `json:"core_count"`
}

// Snapshot is one point-in-time hardware reading. Immutable once produced.
type Snapshot struct {
	Timestamp time.Time    `json:"timestamp"`
	GPUs      []GPUReading `json:"gpus"`
	CPU       CPUReading   `json:"cpu"`
}

// AvgGPUUtilization averages utilization across accelerators, 0 when none.
func (s Snapshot) AvgGPUUtilization() float64 {
	if len(s.GPUs) == 0 {
		return 0
	}
	var total float64
	for _, g := range s.GPUs {
		total += g.UtilizationPct
	}
	return total / float64(len(s.GPUs))
}

// TotalGPUMemoryUsed sums used memory across accelerators.
func (s Snapshot) TotalGPUMemoryUsed() float64 {
	var total float64
	for _, g := range s.GPUs {
		total += g.MemoryUsedMiB
	}
	return total
}

// Probe performs one synchronous hardware query.
type Probe interface {
	Sample(ctx context.Context) (Snapshot, error)
}

// HardwareProbe queries GPU counters via nvidia-smi and CPU counters from
// procfs/sysfs. A host without accelerators yields a snapshot with zero GPU
// readings, not an error.
type HardwareProbe struct {
	logger *slog.Logger

	// prevCPUTimes holds the last /proc/stat reading so per-core utilization
	// can be derived as a delta between consecutive samples.
	prevCPUTimes []cpuTimes
}

type cpuTimes struct {
	busy  uint64
	total uint64
}

// NewHardwareProbe creates a probe using the provided logger.
func NewHardwareProbe(logger *slog.Logger) *HardwareProbe {
	if logger == nil {
		logger = slog.Default()
	}
	return &HardwareProbe{logger: logger}
}

// Sample performs one synchronous hardware query. GPU probe failures degrade
// to zero readings; they are logged and never returned as errors.
func (p *HardwareProbe) Sample(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{Timestamp: time.Now()}

	gpus, err := p.sampleGPUs(ctx)
	if err != nil {
		p.logger.Warn("gpu probe failed", slog.String("error", err.Error()))
	} else {
		snap.GPUs = gpus
	}

	snap.CPU = p.sampleCPU()
	return snap, nil
}

func (p *HardwareProbe) sampleGPUs(ctx context.Context) ([]GPUReading, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu="+gpuQueryFields,
		"--format=csv,noheader,nounits")

	output, err := cmd.Output()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			// No NVIDIA tooling on this host: a valid zero-accelerator state.
			return nil, nil
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("nvidia-smi failed: %s", strings.TrimSpace(string(exitErr.Stderr)))
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("nvidia-smi timed out after %s", commandTimeout)
		}
		return nil, err
	}

	return parseGPUOutput(string(output))
}

// parseGPUOutput parses nvidia-smi CSV output, one line per accelerator.
func parseGPUOutput(output string) ([]GPUReading, error) {
	var readings []GPUReading
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		parts := strings.Split(line, ",")
		if len(parts) != 7 {
			return nil, fmt.Errorf("unexpected csv format: expected 7 fields, got %d", len(parts))
		}

		var reading GPUReading
		fields := []*float64{
			&reading.UtilizationPct,
			&reading.MemoryUsedMiB,
			&reading.MemoryTotalMiB,
			&reading.TemperatureC,
			&reading.PowerDrawW,
			&reading.SMClockMHz,
		}
		for i, dst := range fields {
			v, err := strconv.ParseFloat(strings.TrimSpace(parts[i]), 64)
			if err != nil {
				// Fields like power.draw report "[N/A]" on some boards.
				// Treat as zero rather than discarding the accelerator.
				v = 0
			}
			*dst = v
		}
		reading.Name = strings.TrimSpace(parts[6])
		readings = append(readings, reading)
	}
	return readings, nil
}

// sampleCPU reads per-core utilization from /proc/stat deltas, current
// frequency from /proc/cpuinfo, and temperatures from sysfs thermal zones.
// Any missing source yields zero values.
func (p *HardwareProbe) sampleCPU() CPUReading {
	reading := CPUReading{}

	times, err := readProcStat()
	if err == nil {
		reading.CoreCount = len(times)
		reading.UtilizationPct = make([]float64, len(times))
		for i, t := range times {
			if i < len(p.prevCPUTimes) {
				prev := p.prevCPUTimes[i]
				totalDelta := float64(t.total - prev.total)
				if totalDelta > 0 {
					reading.UtilizationPct[i] = 100 * float64(t.busy-prev.busy) / totalDelta
				}
			}
		}
		p.prevCPUTimes = times
	}

	reading.FrequencyMHz = readCPUFrequency()
	reading.TemperatureC = readCPUTemperatures()
	return reading
}

func readProcStat() ([]cpuTimes, error) {
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return nil, err
	}

	var times []cpuTimes
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		// Per-core lines are "cpu0", "cpu1", ...; skip the aggregate "cpu" line.
		if len(fields) < 8 || !strings.HasPrefix(fields[0], "cpu") || fields[0] == "cpu" {
			continue
		}

		var t cpuTimes
		for i, f := range fields[1:] {
			v, err := strconv.ParseUint(f, 10, 64)
			if err != nil {
				continue
			}
			t.total += v
			// fields 4 and 5 (idle, iowait) are not busy time
			if i != 3 && i != 4 {
				t.busy += v
			}
		}
		times = append(times, t)
	}
	return times, nil
}

func readCPUFrequency() float64 {
	data, err := os.ReadFile("/proc/cpuinfo")
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "cpu MHz") {
			parts := strings.SplitN(line, ":", 2)
			if len(parts) == 2 {
				if v, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64); err == nil {
					return v
				}
			}
		}
	}
	return 0
}

func readCPUTemperatures() []float64 {
	zones, err := os.ReadDir("/sys/class/thermal")
	if err != nil {
		return nil
	}

	var temps []float64
	for _, zone := range zones {
		if !strings.HasPrefix(zone.Name(), "thermal_zone") {
			continue
		}
		data, err := os.ReadFile("/sys/class/thermal/" + zone.Name() + "/temp")
		if err != nil {
			continue
		}
		// Reported in millidegrees.
		if v, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64); err == nil {
			temps = append(temps, v/1000)
		}
	}
	return temps
}
