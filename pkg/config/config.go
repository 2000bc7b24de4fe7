// Package config loads controller configuration from the environment and
// provides typed defaults for every tunable the orchestration core uses.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Config is the full controller configuration.
type Config struct {
	Port     string
	LogLevel slog.Level

	LLM       LLMConfig
	Registry  RegistryConfig
	Dispatch  DispatchConfig
	Bus       BusConfig
	Retention RetentionConfig

	// AuditDir is the root for daily JSONL audit files.
	AuditDir string
	// SnapshotPath is the bbolt file for opportunistic task snapshots.
	// Empty disables snapshotting.
	SnapshotPath string
}

// RegistryConfig controls agent liveness tracking.
type RegistryConfig struct {
	// HeartbeatTimeout is how stale a heartbeat may be before the agent is
	// reaped to offline.
	HeartbeatTimeout time.Duration
	// ReapInterval is how often the reaper scans for stale agents.
	ReapInterval time.Duration
}

// DispatchConfig controls command execution timing.
type DispatchConfig struct {
	// NetworkSlack is added to each command's timeout to absorb link latency.
	NetworkSlack time.Duration
	// CancelGrace is how long to wait for an agent to acknowledge a
	// command_cancel before the task transition is forced.
	CancelGrace time.Duration
	// HelloDeadline is how long a fresh agent connection has to send
	// agent_hello before it is closed.
	HelloDeadline time.Duration
}

// BusConfig controls UI observer fan-out.
type BusConfig struct {
	// QueueSize bounds each observer's outbound queue.
	QueueSize int
	// BatchWindow merges consecutive output chunks for the same
	// (task, stream) arriving within this window.
	BatchWindow time.Duration
	// PublishWait bounds how long a publish may block on a full queue
	// before the drop/coalesce policy applies.
	PublishWait time.Duration
	// WriteTimeout bounds a single WebSocket write.
	WriteTimeout time.Duration
}

// RetentionConfig controls the terminal-task sweep.
type RetentionConfig struct {
	// RetentionHours is how long terminal tasks are kept before pruning.
	RetentionHours int
	// SweepInterval is how often the sweep runs.
	SweepInterval time.Duration
	// BatchSize caps deletions per tick so the sweep never starves mutators.
	BatchSize int
}

// LLMConfig selects and configures the planner backend.
type LLMConfig struct {
	// Provider is one of "anthropic", "openai", "mistral", "ollama", "stub".
	// Empty means auto-detect by credential presence.
	Provider string

	AnthropicAPIKey string
	AnthropicModel  string

	OpenAIAPIKey string
	OpenAIModel  string

	MistralAPIKey string
	MistralModel  string

	OllamaBaseURL string
	OllamaModel   string

	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// Default returns the built-in configuration defaults.
func Default() *Config {
	return &Config{
		Port:     "8000",
		LogLevel: slog.LevelInfo,
		LLM: LLMConfig{
			AnthropicModel: "claude-sonnet-4-20250514",
			OpenAIModel:    "gpt-4o-mini",
			MistralModel:   "mistral-large-latest",
			OllamaModel:    "llama3",
			MaxTokens:      2000,
			Temperature:    0.7,
			Timeout:        120 * time.Second,
		},
		Registry: RegistryConfig{
			HeartbeatTimeout: 60 * time.Second,
			ReapInterval:     30 * time.Second,
		},
		Dispatch: DispatchConfig{
			NetworkSlack:  10 * time.Second,
			CancelGrace:   5 * time.Second,
			HelloDeadline: 5 * time.Second,
		},
		Bus: BusConfig{
			QueueSize:    1024,
			BatchWindow:  50 * time.Millisecond,
			PublishWait:  time.Millisecond,
			WriteTimeout: 10 * time.Second,
		},
		Retention: RetentionConfig{
			RetentionHours: 168,
			SweepInterval:  time.Hour,
			BatchSize:      256,
		},
		AuditDir:     "logs/audit",
		SnapshotPath: "data/drover.db",
	}
}

// Load builds the configuration from defaults overlaid with environment
// variables. Invalid values are logged and ignored in favor of the default.
func Load() *Config {
	cfg := Default()

	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.LogLevel = parseLogLevel(os.Getenv("LOG_LEVEL"), cfg.LogLevel)

	cfg.LLM.Provider = getEnv("LLM_PROVIDER", "")
	cfg.LLM.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	cfg.LLM.AnthropicModel = getEnv("ANTHROPIC_MODEL", cfg.LLM.AnthropicModel)
	cfg.LLM.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	cfg.LLM.OpenAIModel = getEnv("OPENAI_MODEL", cfg.LLM.OpenAIModel)
	cfg.LLM.MistralAPIKey = os.Getenv("MISTRAL_API_KEY")
	cfg.LLM.MistralModel = getEnv("MISTRAL_MODEL", cfg.LLM.MistralModel)
	cfg.LLM.OllamaBaseURL = os.Getenv("OLLAMA_BASE_URL")
	cfg.LLM.OllamaModel = getEnv("OLLAMA_MODEL", cfg.LLM.OllamaModel)
	cfg.LLM.MaxTokens = getEnvInt("LLM_MAX_TOKENS", cfg.LLM.MaxTokens)
	cfg.LLM.Timeout = getEnvSeconds("LLM_TIMEOUT_SECONDS", cfg.LLM.Timeout)

	cfg.Registry.HeartbeatTimeout = getEnvSeconds("AGENT_HEARTBEAT_TIMEOUT_SECONDS", cfg.Registry.HeartbeatTimeout)
	cfg.Registry.ReapInterval = getEnvSeconds("AGENT_REAP_INTERVAL_SECONDS", cfg.Registry.ReapInterval)

	if hours := getEnvInt("TASK_RETENTION_HOURS", cfg.Retention.RetentionHours); hours > 0 {
		cfg.Retention.RetentionHours = hours
	}

	cfg.AuditDir = getEnv("AUDIT_DIR", cfg.AuditDir)
	cfg.SnapshotPath = getEnv("SNAPSHOT_PATH", cfg.SnapshotPath)

	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("Invalid integer in environment, using default", "key", key, "value", v)
		return fallback
	}
	return n
}

func getEnvSeconds(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("Invalid duration in environment, using default", "key", key, "value", v)
		return fallback
	}
	return time.Duration(n) * time.Second
}

func parseLogLevel(s string, fallback slog.Level) slog.Level {
	switch s {
	case "debug", "DEBUG":
		return slog.LevelDebug
	case "info", "INFO":
		return slog.LevelInfo
	case "warn", "WARN", "warning":
		return slog.LevelWarn
	case "error", "ERROR":
		return slog.LevelError
	case "":
		return fallback
	}
	slog.Warn("Unknown LOG_LEVEL, using default", "value", s)
	return fallback
}
