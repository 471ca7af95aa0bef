// Package config provides configuration management for the agent task engine.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the engine.
type Config struct {
	Engine   EngineConfig   `mapstructure:"engine"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Agents   AgentsConfig   `mapstructure:"agents"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// EngineConfig holds scheduler and lifecycle settings.
type EngineConfig struct {
	// DataDir is the root for the workspace table and session directories.
	DataDir string `mapstructure:"dataDir"`

	// MaxParallelAgentTasks caps globally running agent tasks. A task in a
	// foreground await does not count against the cap.
	MaxParallelAgentTasks int `mapstructure:"maxParallelAgentTasks"`

	// MaxTaskNestingDepth caps parent/child nesting. Hard ceiling is 32.
	MaxTaskNestingDepth int `mapstructure:"maxTaskNestingDepth"`

	// ReportWaitTimeout is the default WaitForAgentReport timeout in seconds,
	// counted from the moment the task starts running.
	ReportWaitTimeout int `mapstructure:"reportWaitTimeout"`

	// ReportCacheSize bounds the in-memory completed-report cache.
	ReportCacheSize int `mapstructure:"reportCacheSize"`

	// AutoResumeLimit caps consecutive synthetic auto-resumes per workspace.
	AutoResumeLimit int `mapstructure:"autoResumeLimit"`

	// PlanHandoffRouting selects the agent a completed plan is handed to:
	// "exec", "orchestrator", or "auto" (classifier decides).
	PlanHandoffRouting string `mapstructure:"planHandoffRouting"`

	// ClassifierModel is the model used for "auto" plan routing.
	ClassifierModel string `mapstructure:"classifierModel"`

	// DefaultModelString is used when neither the request nor the agent
	// definition provides a model.
	DefaultModelString string `mapstructure:"defaultModelString"`
}

// DatabaseConfig holds workspace table storage configuration.
type DatabaseConfig struct {
	Driver        string `mapstructure:"driver"` // sqlite, postgres
	Path          string `mapstructure:"path"`   // sqlite file path; empty = <dataDir>/agenttask.db
	BusyTimeoutMs int    `mapstructure:"busyTimeoutMs"`

	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"` // empty means use the in-memory event bus
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
	RequestMs     int    `mapstructure:"requestMs"` // request/reply timeout
}

// AgentsConfig holds agent catalog configuration.
type AgentsConfig struct {
	// CatalogPath points to a YAML file of additional agent definitions.
	// Empty means built-ins only.
	CatalogPath string `mapstructure:"catalogPath"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReportWaitTimeoutDuration returns the report wait timeout as a time.Duration.
func (e *EngineConfig) ReportWaitTimeoutDuration() time.Duration {
	return time.Duration(e.ReportWaitTimeout) * time.Second
}

// ExpandedDataDir resolves a leading "~" in DataDir against the user home.
func (e *EngineConfig) ExpandedDataDir() string {
	if strings.HasPrefix(e.DataDir, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(e.DataDir, "~"))
		}
	}
	return e.DataDir
}

// SQLitePath returns the sqlite file path, defaulting under the data dir.
func (d *DatabaseConfig) SQLitePath(dataDir string) string {
	if d.Path != "" {
		return d.Path
	}
	return filepath.Join(dataDir, "agenttask.db")
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// RequestTimeout returns the NATS request timeout as a time.Duration.
func (n *NATSConfig) RequestTimeout() time.Duration {
	return time.Duration(n.RequestMs) * time.Millisecond
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTTASK_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Engine defaults
	v.SetDefault("engine.dataDir", "~/.agenttask")
	v.SetDefault("engine.maxParallelAgentTasks", 3)
	v.SetDefault("engine.maxTaskNestingDepth", 32)
	v.SetDefault("engine.reportWaitTimeout", 600) // 10 minutes
	v.SetDefault("engine.reportCacheSize", 128)
	v.SetDefault("engine.autoResumeLimit", 3)
	v.SetDefault("engine.planHandoffRouting", "auto")
	v.SetDefault("engine.classifierModel", "")
	v.SetDefault("engine.defaultModelString", "anthropic/claude-sonnet-4-5")

	// Database defaults - sqlite file under the data dir
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "")
	v.SetDefault("database.busyTimeoutMs", 5000)
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "agenttask")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "agenttask")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use the in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agenttaskd")
	v.SetDefault("nats.maxReconnects", 10)
	v.SetDefault("nats.requestMs", 30000)

	// Agents defaults
	v.SetDefault("agents.catalogPath", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTTASK_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/agenttask/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTTASK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not convert camelCase keys to SNAKE_CASE, so bind the
	// keys whose env var naming differs from the config key naming.
	_ = v.BindEnv("engine.dataDir", "AGENTTASK_ENGINE_DATA_DIR")
	_ = v.BindEnv("engine.maxParallelAgentTasks", "AGENTTASK_ENGINE_MAX_PARALLEL_AGENT_TASKS")
	_ = v.BindEnv("engine.maxTaskNestingDepth", "AGENTTASK_ENGINE_MAX_TASK_NESTING_DEPTH")
	_ = v.BindEnv("engine.reportWaitTimeout", "AGENTTASK_ENGINE_REPORT_WAIT_TIMEOUT")
	_ = v.BindEnv("engine.planHandoffRouting", "AGENTTASK_ENGINE_PLAN_HANDOFF_ROUTING")
	_ = v.BindEnv("engine.classifierModel", "AGENTTASK_ENGINE_CLASSIFIER_MODEL")
	_ = v.BindEnv("engine.defaultModelString", "AGENTTASK_ENGINE_DEFAULT_MODEL_STRING")
	_ = v.BindEnv("database.busyTimeoutMs", "AGENTTASK_DATABASE_BUSY_TIMEOUT_MS")
	_ = v.BindEnv("nats.clientId", "AGENTTASK_NATS_CLIENT_ID")
	_ = v.BindEnv("agents.catalogPath", "AGENTTASK_AGENTS_CATALOG_PATH")
	_ = v.BindEnv("logging.outputPath", "AGENTTASK_LOGGING_OUTPUT_PATH")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agenttask/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Engine.MaxParallelAgentTasks <= 0 {
		errs = append(errs, "engine.maxParallelAgentTasks must be positive")
	}
	if cfg.Engine.MaxTaskNestingDepth <= 0 || cfg.Engine.MaxTaskNestingDepth > 32 {
		errs = append(errs, "engine.maxTaskNestingDepth must be between 1 and 32")
	}
	if cfg.Engine.ReportWaitTimeout <= 0 {
		errs = append(errs, "engine.reportWaitTimeout must be positive")
	}
	if cfg.Engine.ReportCacheSize <= 0 {
		errs = append(errs, "engine.reportCacheSize must be positive")
	}
	if cfg.Engine.AutoResumeLimit <= 0 {
		errs = append(errs, "engine.autoResumeLimit must be positive")
	}
	switch cfg.Engine.PlanHandoffRouting {
	case "auto", "exec", "orchestrator":
	default:
		errs = append(errs, "engine.planHandoffRouting must be one of: auto, exec, orchestrator")
	}

	switch cfg.Database.Driver {
	case "sqlite":
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required when database.driver is postgres")
		}
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required when database.driver is postgres")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required when database.driver is postgres")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
