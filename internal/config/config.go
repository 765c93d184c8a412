// Package config manages application configuration from default values,
// a YAML config file, and GROUPGRAPH_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config defines the application configuration for all components:
// logging, storage, the message source, analysis, and ingestion.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Gemini    GeminiConfig    `mapstructure:"gemini"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// LoggerConfig controls log level and output format.
type LoggerConfig struct {
	Level string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// TelegramConfig holds the message-source transport settings.
type TelegramConfig struct {
	Token string `mapstructure:"token" validate:"required"`
}

// GeminiConfig holds the analysis model settings. An empty APIKey selects
// the neutral analyzer instead of the Gemini-backed one.
type GeminiConfig struct {
	APIKey            string  `mapstructure:"api_key"`
	ModelName         string  `mapstructure:"model_name"`
	Temperature       float32 `mapstructure:"temperature" validate:"min=0,max=2"`
	MaxRetries        int     `mapstructure:"max_retries" validate:"min=0,max=10"`
	RetryDelaySeconds int     `mapstructure:"retry_delay_seconds" validate:"min=0,max=300"`
}

// IngestConfig controls the ingestion loop, catch-up scraping, and the
// pending-analysis sweep.
type IngestConfig struct {
	Groups     []string `mapstructure:"groups" validate:"required,min=1"`
	Workers    int      `mapstructure:"workers" validate:"min=1,max=64"`
	FetchLimit int      `mapstructure:"fetch_limit" validate:"min=1,max=1000"`
	SweepLimit int      `mapstructure:"sweep_limit" validate:"min=1,max=10000"`
}

// SchedulerConfig maps task names to their schedules.
type SchedulerConfig struct {
	Tasks map[string]TaskConfig `mapstructure:"tasks"`
}

// TaskConfig enables a named scheduled task with a cron expression.
type TaskConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule" validate:"required_if=Enabled true"`
}

// LoadConfig loads configuration with the following precedence, later
// sources overriding earlier ones:
//
//  1. built-in defaults
//  2. the YAML file at path, if it exists
//  3. GROUPGRAPH_* environment variables
//
// The result is validated before being returned.
func LoadConfig(path string) (*Config, error) {
	startTime := time.Now()

	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("GROUPGRAPH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		slog.Info("Configuration file not found, using defaults and environment", "path", path)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	slog.Info("Configuration loaded successfully",
		"log_level", cfg.Logger.Level,
		"db_path", cfg.Database.Path,
		"groups", len(cfg.Ingest.Groups),
		"duration_ms", time.Since(startTime).Milliseconds())
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.json", true)

	v.SetDefault("database.path", "groupgraph.db")

	v.SetDefault("gemini.model_name", "gemini-2.0-flash")
	v.SetDefault("gemini.temperature", 0.2)
	v.SetDefault("gemini.max_retries", 3)
	v.SetDefault("gemini.retry_delay_seconds", 5)

	v.SetDefault("ingest.workers", 4)
	v.SetDefault("ingest.fetch_limit", 200)
	v.SetDefault("ingest.sweep_limit", 500)

	v.SetDefault("scheduler.tasks.group_catchup.enabled", true)
	v.SetDefault("scheduler.tasks.group_catchup.schedule", "0 */30 * * * *")

	v.SetDefault("scheduler.tasks.analysis_sweep.enabled", true)
	v.SetDefault("scheduler.tasks.analysis_sweep.schedule", "0 */5 * * * *")
}
