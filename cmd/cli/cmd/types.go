package cmd

// API response types, mirrored from the server's JSON shapes.

// RunResult is one benchmark run as returned by the API
type RunResult struct {
	ID        int64     `json:"id"`
	Timestamp string    `json:"timestamp"`
	Config    RunConfig `json:"config"`
	Backend   string    `json:"backend"`
	Model     string    `json:"model"`

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

	Telemetry TelemetrySnapshot `json:"telemetry"`
}

// RunConfig is the configuration a run was executed with
type RunConfig struct {
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

// TelemetrySnapshot is the hardware state captured with a run
type TelemetrySnapshot struct {
	Timestamp string       `json:"timestamp"`
	GPUs      []GPUReading `json:"gpus,omitempty"`
	CPU       CPUReading   `json:"cpu"`
}

// GPUReading is one GPU's sampled state
type GPUReading struct {
	UtilizationPct float64 `json:"utilization_pct"`
	MemoryUsedMiB  float64 `json:"memory_used_mib"`
	MemoryTotalMiB float64 `json:"memory_total_mib"`
	TemperatureC   float64 `json:"temperature_c"`
	PowerDrawW     float64 `json:"power_draw_w"`
	SMClockMHz     float64 `json:"sm_clock_mhz"`
	Name           string  `json:"name"`
}

// CPUReading is the host CPU's sampled state
type CPUReading struct {
	UtilizationPct []float64 `json:"utilization_pct,omitempty"`
	FrequencyMHz   float64   `json:"frequency_mhz"`
	TemperatureC   []float64 `json:"temperature_c,omitempty"`
	CoreCount      int       `json:"core_count"`
}

// ListRunsResponse wraps the run listing endpoint
type ListRunsResponse struct {
	Runs  []*RunResult `json:"runs"`
	Count int          `json:"count"`
}

// TuneSession is one auto-tune session as returned by the API
type TuneSession struct {
	ID          string      `json:"id"`
	Backend     string      `json:"backend"`
	Model       string      `json:"model,omitempty"`
	Status      string      `json:"status"`
	Phase       string      `json:"phase,omitempty"`
	StartedAt   string      `json:"started_at"`
	CompletedAt string      `json:"completed_at,omitempty"`
	Trials      []TuneTrial `json:"trials,omitempty"`
	Best        *RunConfig  `json:"best,omitempty"`
	BestConfig  *RunConfig  `json:"best_config,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// TuneTrial is one configuration attempt within a session
type TuneTrial struct {
	Phase           string    `json:"phase"`
	Config          RunConfig `json:"config"`
	TokensPerSecond float64   `json:"tokens_per_second"`
	LatencyMs       float64   `json:"latency_ms"`
	FailedRequests  int       `json:"failed_requests"`
	Error           string    `json:"error,omitempty"`
}

// TuneHistoryResponse wraps the session history endpoint
type TuneHistoryResponse struct {
	Sessions []*TuneSession `json:"sessions"`
	Count    int            `json:"count"`
}

// ProgressUpdate is one message from the websocket progress stream
type ProgressUpdate struct {
	RunID      string  `json:"run_id"`
	Phase      string  `json:"phase"`
	Completed  int     `json:"completed"`
	Total      int     `json:"total"`
	CurrentTPS float64 `json:"current_tps"`
	ETASeconds float64 `json:"eta_seconds"`
}
