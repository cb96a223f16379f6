package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnv_Defaults(t *testing.T) {
	os.Unsetenv("SERVER_PORT")
	os.Unsetenv("DATABASE_PATH")
	os.Unsetenv("LOG_LEVEL")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	// Check defaults
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "./data/llmbench.db", cfg.Database.Path)
	assert.Equal(t, 64, cfg.Executor.MaxConcurrency)
	assert.Equal(t, 500*time.Millisecond, cfg.Telemetry.SampleInterval)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	// A local Ollama daemon is configured out of the box.
	require.Contains(t, cfg.Backends, "local")
	assert.Equal(t, "http://localhost:11434", cfg.Backends["local"].URL)
	assert.Equal(t, "ollama", cfg.Backends["local"].Variant)
}

func TestLoadFromEnv_WithEnvVars(t *testing.T) {
	os.Setenv("SERVER_PORT", "9090")
	os.Setenv("DATABASE_PATH", "/tmp/bench.db")
	os.Setenv("LOG_LEVEL", "debug")
	defer func() {
		os.Unsetenv("SERVER_PORT")
		os.Unsetenv("DATABASE_PATH")
		os.Unsetenv("LOG_LEVEL")
	}()

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "/tmp/bench.db", cfg.Database.Path)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_ConfigFile(t *testing.T) {
	content := `
server:
  port: 7070
backends:
  vllm:
    url: http://gpu-box:8000
    variant: openai
    model: llama3
executor:
  max_concurrency: 32
  requests_per_second: 5
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 32, cfg.Executor.MaxConcurrency)
	assert.Equal(t, 5.0, cfg.Executor.RequestsPerSecond)

	require.Contains(t, cfg.Backends, "vllm")
	assert.Equal(t, "http://gpu-box:8000", cfg.Backends["vllm"].URL)
	assert.Equal(t, "llama3", cfg.Backends["vllm"].Model)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Backends: map[string]BackendConfig{
				"local": {URL: "http://localhost:11434", Variant: "ollama"},
			},
		}
	}

	t.Run("valid config passes", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("no backends", func(t *testing.T) {
		cfg := valid()
		cfg.Backends = nil
		assert.Error(t, cfg.Validate())
	})

	t.Run("backend without url", func(t *testing.T) {
		cfg := valid()
		cfg.Backends["local"] = BackendConfig{Variant: "ollama"}
		assert.Error(t, cfg.Validate())
	})

	t.Run("unknown variant", func(t *testing.T) {
		cfg := valid()
		cfg.Backends["local"] = BackendConfig{URL: "http://x", Variant: "grpc"}
		assert.Error(t, cfg.Validate())
	})

	t.Run("negative max concurrency", func(t *testing.T) {
		cfg := valid()
		cfg.Executor.MaxConcurrency = -1
		assert.Error(t, cfg.Validate())
	})

	t.Run("negative rate limit", func(t *testing.T) {
		cfg := valid()
		cfg.Executor.RequestsPerSecond = -0.5
		assert.Error(t, cfg.Validate())
	})
}

func TestConnections(t *testing.T) {
	cfg := &Config{
		Backends: map[string]BackendConfig{
			"vllm": {URL: "http://gpu-box:8000", Variant: "openai", Model: "llama3", APIKey: "k"},
		},
	}

	conns := cfg.Connections()
	require.Len(t, conns, 1)
	assert.Equal(t, "vllm", conns[0].Name)
	assert.Equal(t, "http://gpu-box:8000", conns[0].BaseURL)
	assert.Equal(t, "llama3", conns[0].Model)
	assert.Equal(t, "k", conns[0].APIKey)
}
