// Package config loads orchestrator configuration from the environment with
// an optional YAML overlay. Environment variables win over file values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"elisa/internal/logging"
)

// Defaults for the build pipeline. Retry budgets grow per attempt: turn
// budget 25+10k, completion budget 4000+4000k capped at 12000.
const (
	DefaultModel        = "gpt-5.2"
	DefaultFallback     = "gpt-4.1"
	DefaultConcurrency  = 3
	DefaultMaxTurns     = 25
	RetryTurnIncrement  = 10
	RetryLimit          = 2
	CompletionBudget    = 4000
	CompletionBudgetMax = 12000

	DefaultJudgeMinScore = 70

	DefaultDispatchTimeout = 300 * time.Second
	DefaultBashTimeout     = 30 * time.Second

	DefaultSessionMaxAge = time.Hour
	DefaultPruneTick     = 10 * time.Minute
	DefaultSessionGrace  = 5 * time.Minute

	DefaultMemoryMaxRecords = 200
)

// Config holds all runtime settings for the server and pipeline.
type Config struct {
	// LLM endpoint.
	APIKey       string `yaml:"-"`
	Model        string `yaml:"model"`
	BaseURL      string `yaml:"base_url"`
	WorkshopCode string `yaml:"-"`
	StudentID    string `yaml:"-"`
	// Model switched to once OUTPUT_LIMIT_REACHED fires in a run.
	FallbackModel string `yaml:"fallback_model"`

	// Pipeline knobs.
	Concurrency     int           `yaml:"concurrency"`
	MaxTurns        int           `yaml:"max_turns"`
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
	BashTimeout     time.Duration `yaml:"bash_timeout"`
	JudgeMinScore   int           `yaml:"judge_min_score"`

	// Stores.
	MemoryPath       string `yaml:"memory_path"`
	MemoryMaxRecords int    `yaml:"memory_max_records"`

	// Session store lifecycle.
	SessionMaxAge time.Duration `yaml:"session_max_age"`
	PruneTick     time.Duration `yaml:"prune_tick"`
	SessionGrace  time.Duration `yaml:"session_grace"`

	// Server.
	Addr          string `yaml:"addr"`
	WorkspaceRoot string `yaml:"workspace_root"`
	LogLevel      string `yaml:"log_level"`
	Dev           bool   `yaml:"dev"`
}

// Load builds a Config from defaults, an optional YAML file named by
// ELISA_CONFIG, and the environment, in increasing precedence.
func Load() Config {
	cfg := Config{
		Model:            DefaultModel,
		FallbackModel:    DefaultFallback,
		Concurrency:      DefaultConcurrency,
		MaxTurns:         DefaultMaxTurns,
		DispatchTimeout:  DefaultDispatchTimeout,
		BashTimeout:      DefaultBashTimeout,
		JudgeMinScore:    DefaultJudgeMinScore,
		MemoryMaxRecords: DefaultMemoryMaxRecords,
		SessionMaxAge:    DefaultSessionMaxAge,
		PruneTick:        DefaultPruneTick,
		SessionGrace:     DefaultSessionGrace,
		Addr:             "127.0.0.1:8787",
		LogLevel:         "info",
	}

	if path := os.Getenv("ELISA_CONFIG"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			logging.Warn("config file ignored", "path", path, "error", err)
		}
	}

	cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	if v := os.Getenv("OPENAI_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	cfg.WorkshopCode = os.Getenv("OPENAI_WORKSHOP_CODE")
	cfg.StudentID = os.Getenv("OPENAI_STUDENT_ID")
	if v := os.Getenv("OUTPUT_LIMIT_FALLBACK_MODEL"); v != "" {
		cfg.FallbackModel = v
	}
	if v := os.Getenv("MEMORY_PATH"); v != "" {
		cfg.MemoryPath = v
	}
	cfg.JudgeMinScore = judgeMinScore(cfg.JudgeMinScore)

	return cfg
}

// judgeMinScore applies JUDGE_MIN_SCORE when it parses to a value in
// [0,100]; anything else keeps the current threshold with a warning.
func judgeMinScore(current int) int {
	raw := os.Getenv("JUDGE_MIN_SCORE")
	if raw == "" {
		return current
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 || n > 100 {
		logging.Warn("invalid JUDGE_MIN_SCORE, keeping default", "value", raw, "default", current)
		return current
	}
	return n
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}
