// Package config loads pipeline settings from a YAML file, a .env file and
// the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/zekerdoodle/SecondBrain-sub003/internal/memory"
)

// Config holds every tunable of the pipeline
type Config struct {
	StateDir     string             `yaml:"state_dir" validate:"required"`
	Database     DatabaseConfig     `yaml:"database"`
	Oracle       OracleConfig       `yaml:"oracle"`
	Embedding    EmbeddingConfig    `yaml:"embedding"`
	Threads      ThreadsConfig      `yaml:"threads"`
	Extract      ExtractConfig      `yaml:"extract"`
	Organize     OrganizeConfig     `yaml:"organize"`
	Schedule     ScheduleConfig     `yaml:"schedule"`
	Coordination CoordinationConfig `yaml:"coordination"`
	Log          LogConfig          `yaml:"log"`
}

// DatabaseConfig selects the SQLite driver
type DatabaseConfig struct {
	Driver string `yaml:"driver" validate:"oneof=sqlite3 sqlite"` // sqlite3 = mattn (cgo), sqlite = modernc (pure Go)
}

// OracleConfig selects the LLM used by the stages
type OracleConfig struct {
	Provider  string `yaml:"provider" validate:"oneof=anthropic claude-cli"`
	Model     string `yaml:"model" validate:"required"`
	MaxTokens int    `yaml:"max_tokens" validate:"gte=256"`
	APIKey    string `yaml:"-"`
	WorkDir   string `yaml:"work_dir"`
	Verbose   bool   `yaml:"verbose"`
}

// EmbeddingConfig configures the embedding client behind candidate search
type EmbeddingConfig struct {
	BaseURL     string `yaml:"base_url" validate:"required,url"`
	Model       string `yaml:"model" validate:"required"`
	CacheSizeMB int64  `yaml:"cache_size_mb" validate:"gte=1"`
}

// ThreadsConfig holds thread naming and size rules
type ThreadsConfig struct {
	ConversationPrefix string            `yaml:"conversation_prefix" validate:"required"`
	Thresholds         memory.Thresholds `yaml:"thresholds"`
}

// ExtractConfig tunes the extractor
type ExtractConfig struct {
	SkipPatterns   []string `yaml:"skip_patterns"`
	KnownAtoms     int      `yaml:"known_atoms" validate:"gte=0"`
	BatchExchanges int      `yaml:"batch_exchanges" validate:"gte=1"`
}

// OrganizeConfig tunes the organizer
type OrganizeConfig struct {
	CandidateLimit int     `yaml:"candidate_limit" validate:"gte=1,lte=20"`
	MinSimilarity  float64 `yaml:"min_similarity" validate:"gte=0,lte=1"`
	BatchAtoms     int     `yaml:"batch_atoms" validate:"gte=1"`
	OracleMaintain bool    `yaml:"oracle_maintain"` // ask the oracle for split/merge before falling back to heuristics
}

// ScheduleConfig holds the cron cadence for each stage
type ScheduleConfig struct {
	Extract   string `yaml:"extract" validate:"required"`
	Organize  string `yaml:"organize" validate:"required"`
	Maintain  string `yaml:"maintain" validate:"required"`
	Summarize string `yaml:"summarize" validate:"required"`
}

// CoordinationConfig governs single-writer access to the store
type CoordinationConfig struct {
	LeaseTTL          time.Duration `yaml:"lease_ttl" validate:"gte=1s"`
	FrontendProcesses []string      `yaml:"frontend_processes"`
	PauseFile         string        `yaml:"pause_file"` // present while the front-end has released the store
}

// LogConfig configures the logging backend
type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
}

// Default returns the configuration used when no file is present
func Default() *Config {
	return &Config{
		StateDir: "state",
		Database: DatabaseConfig{Driver: "sqlite3"},
		Oracle: OracleConfig{
			Provider:  "anthropic",
			Model:     "claude-sonnet-4-5",
			MaxTokens: 2048,
			WorkDir:   ".",
		},
		Embedding: EmbeddingConfig{
			BaseURL:     "http://localhost:11434",
			Model:       "nomic-embed-text",
			CacheSizeMB: 32,
		},
		Threads: ThreadsConfig{
			ConversationPrefix: memory.DefaultConversationPrefix,
			Thresholds:         memory.DefaultThresholds(),
		},
		Extract: ExtractConfig{
			KnownAtoms:     50,
			BatchExchanges: 40,
		},
		Organize: OrganizeConfig{
			CandidateLimit: 5,
			MinSimilarity:  0.3,
			BatchAtoms:     25,
		},
		Schedule: ScheduleConfig{
			Extract:   "*/15 * * * *",
			Organize:  "5 * * * *",
			Maintain:  "30 3 * * *",
			Summarize: "45 * * * *",
		},
		Coordination: CoordinationConfig{
			LeaseTTL: 10 * time.Minute,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads the optional .env file and YAML config, applies environment
// overrides and validates the result. An empty path or a missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	// Load .env file (optional - won't error if missing)
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("BRAIN_STATE_DIR"); v != "" {
		c.StateDir = v
	}
	if v := os.Getenv("BRAIN_DB_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("BRAIN_ORACLE"); v != "" {
		c.Oracle.Provider = v
	}
	if v := os.Getenv("CLAUDE_MODEL"); v != "" {
		c.Oracle.Model = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.Oracle.APIKey = v
	}
	if v := os.Getenv("OLLAMA_URL"); v != "" {
		c.Embedding.BaseURL = v
	}
	if os.Getenv("DEBUG") == "true" {
		c.Log.Level = "debug"
	}
}

var validate = validator.New()

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Validate checks field constraints and cron expressions
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for stage, expr := range map[string]string{
		"extract":   c.Schedule.Extract,
		"organize":  c.Schedule.Organize,
		"maintain":  c.Schedule.Maintain,
		"summarize": c.Schedule.Summarize,
	} {
		if _, err := cronParser.Parse(expr); err != nil {
			return fmt.Errorf("invalid %s schedule %q: %w", stage, expr, err)
		}
	}
	return nil
}

// DBPath returns the location of the memory database
func (c *Config) DBPath() string {
	return filepath.Join(c.StateDir, "system", "brain.db")
}
