package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultPort             = "8080"
	defaultWorkers          = 1
	defaultLogLevel         = "info"
	defaultAppName          = "MedCAT"
	defaultModelLanguage    = "en"
	defaultRateLimitRPS     = 25.0
	defaultRateLimitBurst   = 50
	defaultMaxBodyBytes     = 10 << 20
	defaultMaxBulkDocuments = 500
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config aggregates runtime configuration resolved from multiple sources.
// Precedence: CLI flags > YAML config > Environment variables > Defaults
type Config struct {
	Port     string
	Workers  int
	LogLevel string

	AppName       string
	ModelName     string
	ModelLanguage string
	CDBPath       string
	BulkNProc     int

	ShutdownGracePeriod time.Duration
	ReadHeaderTimeout   time.Duration
	WriteTimeout        time.Duration
	IdleTimeout         time.Duration

	EnableRequestLogging bool
	RateLimitRPS         float64
	RateLimitBurst       int
	MaxBodyBytes         int64
	MaxBulkDocuments     int
}

// yamlConfig represents the YAML configuration file structure.
type yamlConfig struct {
	Port                 string        `yaml:"port"`
	Workers              *int          `yaml:"workers"`
	LogLevel             string        `yaml:"log_level"`
	AppName              string        `yaml:"app_name"`
	Model                yamlModel     `yaml:"model"`
	ShutdownGracePeriod  string        `yaml:"shutdown_grace_period"`
	ReadHeaderTimeout    string        `yaml:"read_header_timeout"`
	WriteTimeout         string        `yaml:"write_timeout"`
	IdleTimeout          string        `yaml:"idle_timeout"`
	EnableRequestLogging *bool         `yaml:"enable_request_logging"`
	MaxBodyBytes         int64         `yaml:"max_body_bytes"`
	MaxBulkDocuments     int           `yaml:"max_bulk_documents"`
	RateLimit            yamlRateLimit `yaml:"rate_limit"`
}

// yamlModel represents the model section in YAML.
type yamlModel struct {
	Name      string `yaml:"name"`
	Language  string `yaml:"language"`
	CDBPath   string `yaml:"cdb_path"`
	BulkNProc int    `yaml:"bulk_nproc"`
}

// yamlRateLimit represents the rate limit section in YAML.
type yamlRateLimit struct {
	RPS   *float64 `yaml:"rps"`
	Burst *int     `yaml:"burst"`
}

// CLIOverrides holds command-line flag overrides.
type CLIOverrides struct {
	ConfigFile     string
	Port           *string
	Workers        *int
	LogLevel       *string
	CDBPath        *string
	RateLimitRPS   *float64
	RateLimitBurst *int
}

// Load extracts configuration from multiple sources with precedence:
// CLI flags > YAML config > Environment variables > Defaults
func Load(overrides *CLIOverrides) (Config, error) {
	cfg := defaultConfig()

	applyEnvConfig(&cfg)

	if overrides != nil && overrides.ConfigFile != "" {
		yamlCfg, err := loadFromFile(overrides.ConfigFile)
		if err != nil {
			return Config{}, fmt.Errorf("load YAML config: %w", err)
		}
		if err := applyYAMLConfig(&cfg, yamlCfg); err != nil {
			return Config{}, fmt.Errorf("load YAML config: %w", err)
		}
	}

	if overrides != nil {
		applyCLIOverrides(&cfg, overrides)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Addr returns the listen address for Port.
func (c Config) Addr() string {
	return ":" + c.Port
}

// defaultConfig returns a Config with default values.
func defaultConfig() Config {
	return Config{
		Port:                 defaultPort,
		Workers:              defaultWorkers,
		LogLevel:             defaultLogLevel,
		AppName:              defaultAppName,
		ModelLanguage:        defaultModelLanguage,
		ShutdownGracePeriod:  10 * time.Second,
		ReadHeaderTimeout:    5 * time.Second,
		WriteTimeout:         60 * time.Second,
		IdleTimeout:          60 * time.Second,
		EnableRequestLogging: true,
		RateLimitRPS:         defaultRateLimitRPS,
		RateLimitBurst:       defaultRateLimitBurst,
		MaxBodyBytes:         defaultMaxBodyBytes,
		MaxBulkDocuments:     defaultMaxBulkDocuments,
	}
}

// loadFromFile loads configuration from a YAML file.
func loadFromFile(path string) (*yamlConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var yamlCfg yamlConfig
	if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}

	return &yamlCfg, nil
}

// applyYAMLConfig applies YAML configuration to the Config struct. Keys that
// are absent from the file leave the current value untouched.
func applyYAMLConfig(cfg *Config, yamlCfg *yamlConfig) error {
	if yamlCfg.Port != "" {
		cfg.Port = yamlCfg.Port
	}
	if yamlCfg.Workers != nil {
		cfg.Workers = *yamlCfg.Workers
	}
	if yamlCfg.LogLevel != "" {
		cfg.LogLevel = yamlCfg.LogLevel
	}
	if yamlCfg.AppName != "" {
		cfg.AppName = yamlCfg.AppName
	}
	if yamlCfg.Model.Name != "" {
		cfg.ModelName = yamlCfg.Model.Name
	}
	if yamlCfg.Model.Language != "" {
		cfg.ModelLanguage = yamlCfg.Model.Language
	}
	if yamlCfg.Model.CDBPath != "" {
		cfg.CDBPath = yamlCfg.Model.CDBPath
	}
	if yamlCfg.Model.BulkNProc > 0 {
		cfg.BulkNProc = yamlCfg.Model.BulkNProc
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"shutdown_grace_period", yamlCfg.ShutdownGracePeriod, &cfg.ShutdownGracePeriod},
		{"read_header_timeout", yamlCfg.ReadHeaderTimeout, &cfg.ReadHeaderTimeout},
		{"write_timeout", yamlCfg.WriteTimeout, &cfg.WriteTimeout},
		{"idle_timeout", yamlCfg.IdleTimeout, &cfg.IdleTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	if yamlCfg.EnableRequestLogging != nil {
		cfg.EnableRequestLogging = *yamlCfg.EnableRequestLogging
	}
	if yamlCfg.MaxBodyBytes > 0 {
		cfg.MaxBodyBytes = yamlCfg.MaxBodyBytes
	}
	if yamlCfg.MaxBulkDocuments > 0 {
		cfg.MaxBulkDocuments = yamlCfg.MaxBulkDocuments
	}
	if yamlCfg.RateLimit.RPS != nil {
		cfg.RateLimitRPS = *yamlCfg.RateLimit.RPS
	}
	if yamlCfg.RateLimit.Burst != nil {
		cfg.RateLimitBurst = *yamlCfg.RateLimit.Burst
	}
	return nil
}

// applyEnvConfig applies environment variable configuration. Malformed numbers
// are ignored and the previous value is kept.
func applyEnvConfig(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				*dst = n
			}
		}
	}

	setString("PORT", &cfg.Port)
	setInt("APP_WORKERS", &cfg.Workers)
	setString("APP_LOG_LEVEL", &cfg.LogLevel)
	setString("APP_NAME", &cfg.AppName)
	setString("APP_MODEL_NAME", &cfg.ModelName)
	setString("APP_MODEL_LANGUAGE", &cfg.ModelLanguage)
	setString("APP_MODEL_CDB_PATH", &cfg.CDBPath)
	setInt("APP_BULK_NPROC", &cfg.BulkNProc)
	setInt("RATE_LIMIT_BURST", &cfg.RateLimitBurst)

	if rps := strings.TrimSpace(os.Getenv("RATE_LIMIT_RPS")); rps != "" {
		if value, err := strconv.ParseFloat(rps, 64); err == nil && value >= 0 {
			cfg.RateLimitRPS = value
		}
	}
}

// applyCLIOverrides applies command-line flag overrides.
func applyCLIOverrides(cfg *Config, overrides *CLIOverrides) {
	if overrides.Port != nil && *overrides.Port != "" {
		cfg.Port = *overrides.Port
	}
	if overrides.Workers != nil && *overrides.Workers >= 0 {
		cfg.Workers = *overrides.Workers
	}
	if overrides.LogLevel != nil && *overrides.LogLevel != "" {
		cfg.LogLevel = *overrides.LogLevel
	}
	if overrides.CDBPath != nil && *overrides.CDBPath != "" {
		cfg.CDBPath = *overrides.CDBPath
	}
	if overrides.RateLimitRPS != nil && *overrides.RateLimitRPS >= 0 {
		cfg.RateLimitRPS = *overrides.RateLimitRPS
	}
	if overrides.RateLimitBurst != nil && *overrides.RateLimitBurst >= 0 {
		cfg.RateLimitBurst = *overrides.RateLimitBurst
	}
}

// validateConfig validates the final configuration.
func validateConfig(cfg Config) error {
	port, err := strconv.Atoi(cfg.Port)
	if err != nil || port < 0 || port > 65535 {
		return fmt.Errorf("%w: port must be a number between 0 and 65535, got %q", ErrInvalidConfig, cfg.Port)
	}
	if cfg.Workers < 0 {
		return fmt.Errorf("%w: workers must be >= 0", ErrInvalidConfig)
	}
	if cfg.RateLimitRPS < 0 {
		return fmt.Errorf("%w: RATE_LIMIT_RPS must be >= 0", ErrInvalidConfig)
	}
	if cfg.RateLimitBurst < 0 {
		return fmt.Errorf("%w: RATE_LIMIT_BURST must be >= 0", ErrInvalidConfig)
	}
	if cfg.BulkNProc < 0 {
		return fmt.Errorf("%w: bulk_nproc must be >= 0", ErrInvalidConfig)
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("%w: shutdown grace period must be positive", ErrInvalidConfig)
	}
	return nil
}
