package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/pica/comics-server/internal/domain"
	"github.com/pica/comics-server/internal/policy"
)

// Config is the entire process configuration, loadable from a YAML file
// with PICA_* environment overrides taking precedence.
type Config struct {
	Bind    string        `mapstructure:"bind"`
	Port    int           `mapstructure:"port"`
	Storage string        `mapstructure:"storage"`
	APIKey  string        `mapstructure:"api_key"`
	Logging LoggingConfig `mapstructure:"logging"`
	Policy  PolicyConfig  `mapstructure:"policy"`
	Debug   bool          `mapstructure:"task_debug"`
}

// LoggingConfig contains logging settings, unchanged from the teacher.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// PolicyConfig is the boot-time §4.9 knob set.
type PolicyConfig struct {
	FileRetriesDefault     int            `mapstructure:"file_retries_default"`
	FileRetriesBySource    map[string]int `mapstructure:"file_retries_by_source"`
	FileConcurrentDefault  int            `mapstructure:"file_concurrent_default"`
	FileConcurrentBySource map[string]int `mapstructure:"file_concurrent_by_source"`
	MaxConcurrent          int            `mapstructure:"max_concurrent"`
}

// Load reads configuration from configPath (if non-empty and present),
// then layers PICA_* environment overrides on top, matching the §6
// environment-knob table.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("bind", "0.0.0.0")
	v.SetDefault("port", 8081)
	v.SetDefault("storage", "/var/lib/pica-comics")
	v.SetDefault("api_key", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("task_debug", false)
	v.SetDefault("policy.file_retries_default", 2)
	v.SetDefault("policy.file_concurrent_default", 6)
	v.SetDefault("policy.max_concurrent", 4)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix("PICA")
	v.AutomaticEnv()
	_ = v.BindEnv("bind", "PICA_BIND")
	_ = v.BindEnv("port", "PICA_PORT")
	_ = v.BindEnv("storage", "PICA_STORAGE")
	_ = v.BindEnv("api_key", "PICA_API_KEY")
	_ = v.BindEnv("task_debug", "PICA_TASK_DEBUG")
	_ = v.BindEnv("policy.file_retries_default", "PICA_FILE_RETRIES_DEFAULT")
	_ = v.BindEnv("policy.file_concurrent_default", "PICA_FILE_CONCURRENT_DEFAULT")
	_ = v.BindEnv("policy.max_concurrent", "PICA_MAX_CONCURRENT")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// PICA_FILE_RETRIES_{SOURCE} / PICA_FILE_CONCURRENT_{SOURCE} are
	// read directly rather than through viper's struct binding, since
	// the set of sources is fixed and known ahead of time.
	if cfg.Policy.FileRetriesBySource == nil {
		cfg.Policy.FileRetriesBySource = map[string]int{}
	}
	if cfg.Policy.FileConcurrentBySource == nil {
		cfg.Policy.FileConcurrentBySource = map[string]int{}
	}
	for _, source := range domain.AllSources {
		upper := strings.ToUpper(source)
		if n, ok := envInt("PICA_FILE_RETRIES_" + upper); ok {
			cfg.Policy.FileRetriesBySource[source] = n
		}
		if n, ok := envInt("PICA_FILE_CONCURRENT_" + upper); ok {
			cfg.Policy.FileConcurrentBySource[source] = n
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func envInt(key string) (int, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Validate checks the loaded configuration for obvious misconfiguration.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be in [1,65535]")
	}
	if c.Storage == "" {
		return fmt.Errorf("storage is required")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text", "console":
	default:
		return fmt.Errorf("invalid logging.format: %s", c.Logging.Format)
	}
	if c.Policy.MaxConcurrent < 1 || c.Policy.MaxConcurrent > 20 {
		return fmt.Errorf("policy.max_concurrent must be in [1,20]")
	}
	if c.Policy.FileConcurrentDefault < 1 || c.Policy.FileConcurrentDefault > 16 {
		return fmt.Errorf("policy.file_concurrent_default must be in [1,16]")
	}
	return nil
}

// Addr renders the bind/port pair as a net.Listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Bind, c.Port)
}

// ToPolicy builds the initial immutable Policy from the loaded config.
func (c *Config) ToPolicy() policy.Policy {
	return policy.Policy{
		FileRetriesDefault:     c.Policy.FileRetriesDefault,
		FileRetriesBySource:    c.Policy.FileRetriesBySource,
		FileConcurrentDefault:  c.Policy.FileConcurrentDefault,
		FileConcurrentBySource: c.Policy.FileConcurrentBySource,
		MaxConcurrent:          c.Policy.MaxConcurrent,
	}.Normalize()
}
