// Package config holds the runtime tuning options recognized by Orchestra.
// Options load from environment-style key-value pairs with conservative
// defaults; unknown keys are ignored for forward compatibility.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config defines tuning parameters for a run.
type Config struct {
	// MaxTurnsPerFlow caps the number of turns a single flow may execute.
	MaxTurnsPerFlow int

	// MaxConcurrentChildFlows bounds parallelism inside one dispatch batch.
	MaxConcurrentChildFlows int

	// LLMCallTimeout bounds a single model call including streaming reads.
	LLMCallTimeout time.Duration

	// LLMMaxRetries is the number of additional attempts after the first
	// failed model call.
	LLMMaxRetries int

	// LLMRetryBaseWait is the base backoff; attempt n waits n+1 times this.
	LLMRetryBaseWait time.Duration

	// RunWallClockTimeout caps the whole run. Zero disables the cap.
	RunWallClockTimeout time.Duration

	// StateDumpEnabled serializes team state and flow histories at run end.
	StateDumpEnabled bool

	// StateDumpPath is the JSON file written when StateDumpEnabled is set.
	StateDumpPath string

	// EventBufferSize sets the per-subscriber event bus buffer.
	EventBufferSize int
}

// Default returns production-ready defaults.
func Default() Config {
	return Config{
		MaxTurnsPerFlow:         64,
		MaxConcurrentChildFlows: 4,
		LLMCallTimeout:          120 * time.Second,
		LLMMaxRetries:           2,
		LLMRetryBaseWait:        3 * time.Second,
		RunWallClockTimeout:     0,
		StateDumpEnabled:        false,
		StateDumpPath:           "orchestra_state_dump.json",
		EventBufferSize:         256,
	}
}

// Recognized environment keys.
const (
	EnvMaxTurnsPerFlow         = "ORCHESTRA_MAX_TURNS_PER_FLOW"
	EnvMaxConcurrentChildFlows = "ORCHESTRA_MAX_CONCURRENT_CHILD_FLOWS"
	EnvLLMCallTimeoutMS        = "ORCHESTRA_LLM_CALL_TIMEOUT_MS"
	EnvLLMMaxRetries           = "ORCHESTRA_LLM_MAX_RETRIES"
	EnvRunWallClockTimeoutMS   = "ORCHESTRA_RUN_WALL_CLOCK_TIMEOUT_MS"
	EnvStateDumpEnabled        = "ORCHESTRA_STATE_DUMP_ENABLED"
	EnvStateDumpPath           = "ORCHESTRA_STATE_DUMP_PATH"
)

// FromEnv layers recognized environment variables over the defaults.
func FromEnv() Config {
	cfg := Default()
	if v, ok := lookupInt(EnvMaxTurnsPerFlow); ok {
		cfg.MaxTurnsPerFlow = v
	}
	if v, ok := lookupInt(EnvMaxConcurrentChildFlows); ok {
		cfg.MaxConcurrentChildFlows = v
	}
	if v, ok := lookupInt(EnvLLMCallTimeoutMS); ok {
		cfg.LLMCallTimeout = time.Duration(v) * time.Millisecond
	}
	if v, ok := lookupInt(EnvLLMMaxRetries); ok {
		cfg.LLMMaxRetries = v
	}
	if v, ok := lookupInt(EnvRunWallClockTimeoutMS); ok {
		cfg.RunWallClockTimeout = time.Duration(v) * time.Millisecond
	}
	if v := os.Getenv(EnvStateDumpEnabled); v != "" {
		cfg.StateDumpEnabled = v == "1" || v == "true"
	}
	if v := os.Getenv(EnvStateDumpPath); v != "" {
		cfg.StateDumpPath = v
	}
	return cfg
}

func lookupInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
