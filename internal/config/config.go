// Package config loads the process configuration from an optional YAML file
// with environment overrides. Services receive the relevant sections at
// construction time; nothing reads the environment after startup.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lioratech/bloom/internal/utils"
)

// Analysis configures the two analysis backends and the per-backend timeout.
type Analysis struct {
	PrimaryURL  string        `yaml:"primary_url"`
	FallbackURL string        `yaml:"fallback_url"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Generator configures the optional Gemini-backed narrative generator. An
// empty APIKey means every narrative degrades to its deterministic template.
type Generator struct {
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// Scoring holds the heuristic constants. These are inferred from observed
// examples, not a clinical model; treat them as tunable.
type Scoring struct {
	FlagPenalty      int     `yaml:"flag_penalty"`
	SlowReaderWPS    float64 `yaml:"slow_reader_wps"`
	HyperactivityWPS float64 `yaml:"hyperactivity_wps"`
	HighPauseRatio   float64 `yaml:"high_pause_ratio"`
	ExcellentMin     float64 `yaml:"excellent_min"`
	GoodMin          float64 `yaml:"good_min"`
}

// Config is the top-level configuration.
type Config struct {
	Addr               string        `yaml:"addr"`
	DBPath             string        `yaml:"db_path"`
	MigrationsDir      string        `yaml:"migrations_dir"`
	UploadDir          string        `yaml:"upload_dir"`
	LogLevel           string        `yaml:"log_level"`
	JWTSecret          string        `yaml:"jwt_secret"`
	QuestionCount      int           `yaml:"question_count"`
	MaxRespondentTurns int           `yaml:"max_respondent_turns"`
	NarrativeTimeout   time.Duration `yaml:"narrative_timeout"`
	Analysis           Analysis      `yaml:"analysis"`
	Generator          Generator     `yaml:"generator"`
	Scoring            Scoring       `yaml:"scoring"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr:               ":8080",
		DBPath:             "bloom.db",
		UploadDir:          "uploads",
		LogLevel:           "info",
		JWTSecret:          "bloom-dev-secret",
		QuestionCount:      10,
		MaxRespondentTurns: 8,
		NarrativeTimeout:   20 * time.Second,
		Analysis: Analysis{
			PrimaryURL:  "http://127.0.0.1:8001",
			FallbackURL: "http://127.0.0.1:8002",
			Timeout:     15 * time.Second,
		},
		Generator: Generator{
			Model:   "gemini-2.0-flash",
			Timeout: 20 * time.Second,
		},
		Scoring: Scoring{
			FlagPenalty:      10,
			SlowReaderWPS:    1.0,
			HyperactivityWPS: 3.0,
			HighPauseRatio:   0.4,
			ExcellentMin:     80,
			GoodMin:          60,
		},
	}
}

// Load builds the configuration from defaults, then the YAML file at path
// (skipped when path is empty or the file does not exist), then environment
// overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Addr = utils.SafeEnv("BLOOM_ADDR", c.Addr)
	c.DBPath = utils.SafeEnv("BLOOM_DB_PATH", c.DBPath)
	c.MigrationsDir = utils.SafeEnv("BLOOM_MIGRATIONS_DIR", c.MigrationsDir)
	c.UploadDir = utils.SafeEnv("BLOOM_UPLOAD_DIR", c.UploadDir)
	c.LogLevel = utils.SafeEnv("BLOOM_LOG_LEVEL", c.LogLevel)
	c.JWTSecret = utils.SafeEnv("BLOOM_JWT_SECRET", c.JWTSecret)
	c.QuestionCount = utils.EnvInt("BLOOM_QUESTION_COUNT", c.QuestionCount)
	c.MaxRespondentTurns = utils.EnvInt("BLOOM_MAX_RESPONDENT_TURNS", c.MaxRespondentTurns)
	c.Analysis.PrimaryURL = utils.SafeEnv("BLOOM_PRIMARY_ANALYSIS_URL", c.Analysis.PrimaryURL)
	c.Analysis.FallbackURL = utils.SafeEnv("BLOOM_FALLBACK_ANALYSIS_URL", c.Analysis.FallbackURL)
	c.Analysis.Timeout = utils.EnvDuration("BLOOM_ANALYSIS_TIMEOUT", c.Analysis.Timeout)
	c.Generator.APIKey = utils.SafeEnv("BLOOM_GEMINI_API_KEY", c.Generator.APIKey)
	c.Generator.Model = utils.SafeEnv("BLOOM_GEMINI_MODEL", c.Generator.Model)
}
