package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultPort           = "8080"
	defaultRateLimitRPS   = 25.0
	defaultRateLimitBurst = 50

	defaultConfigPath  = "config/config.yaml"
	legacyLoggingName  = "logging.yaml"
	defaultEnvironment = "development"
)

// Storage backends accepted by storage.type. "session" is the in-process
// store and "memory" is kept as an alias for it.
const (
	StorageSession = "session"
	StorageMemory  = "memory"
	StorageRedis   = "redis"
)

// Config aggregates runtime configuration resolved from multiple sources.
// Precedence: CLI flags > Environment variables > legacy logging.yaml > YAML config > Defaults
type Config struct {
	Environment string        `yaml:"environment"`
	Server      ServerConfig  `yaml:"server"`
	Logging     LoggingConfig `yaml:"logging"`
	Models      ModelsConfig  `yaml:"models"`
	UI          UIConfig      `yaml:"ui"`
	Storage     StorageConfig `yaml:"storage"`
	AWS         AWSConfig     `yaml:"aws"`

	// ConfigFile is the YAML file that was applied, empty when none was found.
	ConfigFile string `yaml:"-"`
	// Warnings collects non-fatal problems found while loading, such as
	// environment values that could not be converted.
	Warnings []string `yaml:"-"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port                 string        `yaml:"port"`
	ShutdownGracePeriod  time.Duration `yaml:"shutdown_grace_period"`
	ReadHeaderTimeout    time.Duration `yaml:"read_header_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	IdleTimeout          time.Duration `yaml:"idle_timeout"`
	EnableRequestLogging bool          `yaml:"enable_request_logging"`
	RateLimitRPS         float64       `yaml:"rate_limit_rps"`
	RateLimitBurst       int           `yaml:"rate_limit_burst"`
}

// LoggingConfig drives the logger built by the logging package.
type LoggingConfig struct {
	Level            string   `yaml:"level"`
	Format           string   `yaml:"format"`
	LogLevelFile     string   `yaml:"log_level_file"`
	LogLevelConsole  string   `yaml:"log_level_console"`
	LogRetentionDays int      `yaml:"log_retention_days"`
	MaxLogSizeMB     int      `yaml:"max_log_size_mb"`
	LogBackupCount   int      `yaml:"log_backup_count"`
	Directory        string   `yaml:"directory"`
	FileEnabled      bool     `yaml:"file_enabled"`
	SensitiveFields  []string `yaml:"sensitive_fields"`
}

// ModelParameters are the sampling knobs sent with every model request.
type ModelParameters struct {
	Temperature float64 `yaml:"temperature" json:"temperature"`
	MaxTokens   int     `yaml:"max_tokens" json:"max_tokens"`
	TopP        float64 `yaml:"top_p" json:"top_p"`
	TopK        int     `yaml:"top_k" json:"top_k"`
}

// ModelsConfig lists the selectable models and their default parameters.
type ModelsConfig struct {
	Provider        string          `yaml:"provider"`
	DefaultModel    string          `yaml:"default_model"`
	AvailableModels ModelCatalog    `yaml:"available_models"`
	DefaultSettings ModelParameters `yaml:"default_settings"`
}

// UIConfig configures the page served to browsers.
type UIConfig struct {
	Title            string `yaml:"title" json:"title"`
	Icon             string `yaml:"icon" json:"icon"`
	Layout           string `yaml:"layout" json:"layout"`
	SidebarState     string `yaml:"sidebar_state" json:"sidebarState"`
	Theme            string `yaml:"theme" json:"theme"`
	HideMenu         bool   `yaml:"hide_menu" json:"hideMenu"`
	HideDeployButton bool   `yaml:"hide_deploy_button" json:"hideDeployButton"`
	HideFooter       bool   `yaml:"hide_footer" json:"hideFooter"`
	CustomStyling    bool   `yaml:"custom_styling" json:"customStyling"`
	CustomCSS        string `yaml:"custom_css" json:"-"`
}

// StorageConfig selects where session records live.
type StorageConfig struct {
	Type                string `yaml:"type"`
	RetentionPeriodDays int    `yaml:"retention_period_days"`
	MaxConversations    int    `yaml:"max_conversations"`
	RedisAddr           string `yaml:"redis_addr"`
	RedisPassword       string `yaml:"redis_password"`
	RedisDB             int    `yaml:"redis_db"`
	RedisKeyPrefix      string `yaml:"redis_key_prefix"`
}

// Retention converts RetentionPeriodDays into a duration; zero disables expiry.
func (s StorageConfig) Retention() time.Duration {
	if s.RetentionPeriodDays <= 0 {
		return 0
	}
	return time.Duration(s.RetentionPeriodDays) * 24 * time.Hour
}

// AWSConfig holds account-wide AWS settings. Keys themselves are entered per
// session or taken from the standard AWS environment variables.
type AWSConfig struct {
	Region                string `yaml:"region"`
	UseDefaultCredentials bool   `yaml:"use_default_credentials"`
	Endpoint              string `yaml:"endpoint"`
}

// CLIOverrides holds command-line flag overrides.
type CLIOverrides struct {
	ConfigFile        string
	LoggingConfigFile string
	Port              *string
	Environment       *string
	StorageType       *string
	RateLimitRPS      *float64
	RateLimitBurst    *int
}

var (
	instanceOnce sync.Once
	instance     *Config
	instanceErr  error
)

// Instance loads the configuration once per process and returns the same
// value on every later call. Overrides passed after the first call are
// ignored.
func Instance(overrides *CLIOverrides) (*Config, error) {
	instanceOnce.Do(func() {
		instance, instanceErr = Load(overrides)
	})
	return instance, instanceErr
}

// Load extracts configuration from multiple sources with precedence:
// CLI flags > Environment variables > legacy logging.yaml > YAML config > Defaults
func Load(overrides *CLIOverrides) (*Config, error) {
	cfg := defaultConfig()

	var explicitFile, loggingFile string
	if overrides != nil {
		explicitFile = overrides.ConfigFile
		loggingFile = overrides.LoggingConfigFile
	}

	path, err := resolveConfigFile(explicitFile)
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := mergeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("load YAML config: %w", err)
		}
		cfg.ConfigFile = path
	}

	if loggingFile == "" {
		loggingFile = legacyLoggingPath(path)
	}
	if loggingFile != "" {
		if err := mergeLegacyLogging(loggingFile, &cfg.Logging); err != nil {
			return nil, fmt.Errorf("load legacy logging config: %w", err)
		}
	}

	cfg.Warnings = append(cfg.Warnings, applyEnvConfig(cfg, os.Environ())...)

	if overrides != nil {
		applyCLIOverrides(cfg, overrides)
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns the built-in configuration without reading any source.
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	return &Config{
		Environment: defaultEnvironment,
		Server: ServerConfig{
			Port:                 defaultPort,
			ShutdownGracePeriod:  10 * time.Second,
			ReadHeaderTimeout:    5 * time.Second,
			IdleTimeout:          60 * time.Second,
			EnableRequestLogging: true,
			RateLimitRPS:         defaultRateLimitRPS,
			RateLimitBurst:       defaultRateLimitBurst,
		},
		Logging: LoggingConfig{
			Level:            "INFO",
			Format:           "standard",
			LogLevelFile:     "DEBUG",
			LogLevelConsole:  "INFO",
			LogRetentionDays: 30,
			MaxLogSizeMB:     10,
			LogBackupCount:   5,
			Directory:        "logs",
			FileEnabled:      true,
			SensitiveFields: []string{
				"aws_access_key_id", "aws_secret_access_key", "password", "token", "auth", "secret",
			},
		},
		Models: ModelsConfig{
			Provider:     "bedrock",
			DefaultModel: "Claude 3.7 V1",
			AvailableModels: NewModelCatalog(
				ModelEntry{Name: "Claude 3 Sonnet", ID: "anthropic.claude-3-sonnet-20240229-v1:0"},
				ModelEntry{Name: "Claude 3.5 Sonnet V2", ID: "us.anthropic.claude-3-5-sonnet-20241022-v2:0"},
				ModelEntry{Name: "Claude 3.7 V1", ID: "us.anthropic.claude-3-7-sonnet-20250219-v1:0"},
			),
			DefaultSettings: ModelParameters{
				Temperature: 0.7,
				MaxTokens:   4096,
				TopP:        0.9,
				TopK:        250,
			},
		},
		UI: UIConfig{
			Title:            "AI Chat App",
			Icon:             "🤖",
			Layout:           "wide",
			SidebarState:     "expanded",
			Theme:            "light",
			HideMenu:         true,
			HideDeployButton: true,
			HideFooter:       true,
			CustomStyling:    true,
		},
		Storage: StorageConfig{
			Type:                StorageSession,
			RetentionPeriodDays: 30,
			MaxConversations:    100,
			RedisAddr:           "localhost:6379",
			RedisKeyPrefix:      "chat_app:",
		},
		AWS: AWSConfig{
			Region: "us-east-1",
		},
	}
}

// resolveConfigFile returns the file to load. An explicit path must exist;
// the default location is optional.
func resolveConfigFile(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file %s: %w", explicit, err)
		}
		return explicit, nil
	}
	path, err := ResolvePath(defaultConfigPath)
	if err != nil {
		return "", nil
	}
	return path, nil
}

func legacyLoggingPath(mainFile string) string {
	if mainFile != "" {
		candidate := filepath.Join(filepath.Dir(mainFile), legacyLoggingName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		return ""
	}
	path, err := ResolvePath(filepath.Join("config", legacyLoggingName))
	if err != nil {
		return ""
	}
	return path
}

// mergeFile decodes YAML on top of the current values, so sections and keys
// missing from the file keep what they had.
func mergeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse YAML: %w", err)
	}
	return nil
}

// mergeLegacyLogging applies a standalone logging.yaml to the logging
// section. Older files spell the format key log_format.
func mergeLegacyLogging(path string, logging *LoggingConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read file: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	if err := yaml.Unmarshal(data, logging); err != nil {
		return fmt.Errorf("parse YAML: %w", err)
	}
	var alias struct {
		LogFormat string `yaml:"log_format"`
	}
	if err := yaml.Unmarshal(data, &alias); err != nil {
		return fmt.Errorf("parse YAML: %w", err)
	}
	if alias.LogFormat != "" {
		logging.Format = alias.LogFormat
	}
	return nil
}

// applyCLIOverrides applies command-line flag overrides.
func applyCLIOverrides(cfg *Config, overrides *CLIOverrides) {
	if overrides.Port != nil && *overrides.Port != "" {
		cfg.Server.Port = *overrides.Port
	}

	if overrides.Environment != nil && *overrides.Environment != "" {
		cfg.Environment = *overrides.Environment
	}

	if overrides.StorageType != nil && *overrides.StorageType != "" {
		cfg.Storage.Type = *overrides.StorageType
	}

	if overrides.RateLimitRPS != nil && *overrides.RateLimitRPS >= 0 {
		cfg.Server.RateLimitRPS = *overrides.RateLimitRPS
	}

	if overrides.RateLimitBurst != nil && *overrides.RateLimitBurst >= 0 {
		cfg.Server.RateLimitBurst = *overrides.RateLimitBurst
	}
}

var validLevels = map[string]struct{}{
	"DEBUG": {}, "INFO": {}, "WARN": {}, "WARNING": {}, "ERROR": {}, "CRITICAL": {}, "FATAL": {},
}

// validateConfig validates the final configuration.
func validateConfig(cfg *Config) error {
	if cfg.Server.RateLimitRPS < 0 {
		return fmt.Errorf("server.rate_limit_rps must be >= 0")
	}
	if cfg.Server.RateLimitBurst < 0 {
		return fmt.Errorf("server.rate_limit_burst must be >= 0")
	}
	if cfg.Models.AvailableModels.Len() == 0 {
		return fmt.Errorf("models.available_models cannot be empty")
	}
	switch cfg.Storage.Type {
	case StorageSession, StorageMemory, StorageRedis:
	default:
		return fmt.Errorf("storage.type %q is not supported", cfg.Storage.Type)
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "standard", "json":
	default:
		return fmt.Errorf("logging.format %q must be standard or json", cfg.Logging.Format)
	}
	for name, level := range map[string]string{
		"logging.level":             cfg.Logging.Level,
		"logging.log_level_file":    cfg.Logging.LogLevelFile,
		"logging.log_level_console": cfg.Logging.LogLevelConsole,
	} {
		if _, ok := validLevels[strings.ToUpper(level)]; !ok {
			return fmt.Errorf("%s %q is not a known level", name, level)
		}
	}
	return nil
}

// IsDevelopment reports whether the app runs in the development environment.
func (c *Config) IsDevelopment() bool { return c.Environment == "development" }

// IsProduction reports whether the app runs in the production environment.
func (c *Config) IsProduction() bool { return c.Environment == "production" }

// ModelNames lists selectable model names in catalog order.
func (c *Config) ModelNames() []string { return c.Models.AvailableModels.Names() }

// DefaultModel returns the configured default model name.
func (c *Config) DefaultModel() string { return c.Models.DefaultModel }

// DefaultModelSettings returns the default sampling parameters.
func (c *Config) DefaultModelSettings() ModelParameters { return c.Models.DefaultSettings }

// HasModel reports whether name is in the catalog.
func (c *Config) HasModel(name string) bool {
	_, ok := c.Models.AvailableModels.Lookup(name)
	return ok
}

// ModelID resolves a display name to a model id. Unknown names fall back to
// the default model, then to the first catalog entry, then to "".
func (c *Config) ModelID(name string) string {
	catalog := c.Models.AvailableModels
	if id, ok := catalog.Lookup(name); ok {
		return id
	}
	if id, ok := catalog.Lookup(c.Models.DefaultModel); ok {
		return id
	}
	if entries := catalog.Entries(); len(entries) > 0 {
		return entries[0].ID
	}
	return ""
}
