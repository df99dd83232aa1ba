// Package config loads the s3pipe configuration through viper: a YAML config
// file plus S3PIPE_-prefixed environment variables.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// MonitoringConfig holds monitoring configuration
type MonitoringConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	BindAddress string `mapstructure:"bind_address"` // default :9090
	MetricsPath string `mapstructure:"metrics_path"` // default /metrics
}

// S3Config holds the settings of the embedded object store client.
type S3Config struct {
	// Hosts permitted as object store endpoints. Exact hostnames or
	// "*.domain" wildcards; empty means every host is allowed. Loaded once
	// at startup and never mutated afterwards.
	AllowedRemoteHosts []string `mapstructure:"allowed_remote_hosts"`

	// Buffering threshold of the multipart upload manager, in bytes.
	// Defaults to the store's minimum allowed part size (5 MiB).
	MinUploadPartSize int64 `mapstructure:"min_upload_part_size"`

	// Bound on the redirect-follow loop.
	MaxRedirects int `mapstructure:"max_redirects"`

	// Per-request network timeout in seconds.
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`

	// Region used in the request signature credential scope.
	Region string `mapstructure:"region"`
}

// Config holds the application configuration
type Config struct {
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"` // "text" (default) or "json"

	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	S3         S3Config         `mapstructure:"s3"`
}

// InitConfig initializes the configuration system
func InitConfig(cfgFile string) {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".s3pipe")
	}

	viper.SetEnvPrefix("S3PIPE")
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

func setDefaults() {
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_format", "text")

	viper.SetDefault("monitoring.enabled", false)
	viper.SetDefault("monitoring.bind_address", ":9090")
	viper.SetDefault("monitoring.metrics_path", "/metrics")

	viper.SetDefault("s3.allowed_remote_hosts", []string{})
	viper.SetDefault("s3.min_upload_part_size", int64(5*1024*1024))
	viper.SetDefault("s3.max_redirects", 10)
	viper.SetDefault("s3.request_timeout_seconds", 300)
	viper.SetDefault("s3.region", "us-east-1")
}

// Defaults returns a Config populated with the built-in defaults, without
// touching viper state.
func Defaults() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		Monitoring: MonitoringConfig{
			Enabled:     false,
			BindAddress: ":9090",
			MetricsPath: "/metrics",
		},
		S3: S3Config{
			AllowedRemoteHosts:    nil,
			MinUploadPartSize:     5 * 1024 * 1024,
			MaxRedirects:          10,
			RequestTimeoutSeconds: 300,
			Region:                "us-east-1",
		},
	}
}

// Load loads the configuration from viper
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.S3.MinUploadPartSize < 1 {
		return fmt.Errorf("s3.min_upload_part_size must be positive, got %d", cfg.S3.MinUploadPartSize)
	}
	if cfg.S3.MaxRedirects < 0 {
		return fmt.Errorf("s3.max_redirects must not be negative, got %d", cfg.S3.MaxRedirects)
	}
	if cfg.S3.RequestTimeoutSeconds < 1 {
		return fmt.Errorf("s3.request_timeout_seconds must be positive, got %d", cfg.S3.RequestTimeoutSeconds)
	}
	if cfg.S3.Region == "" {
		return fmt.Errorf("s3.region must not be empty")
	}
	return nil
}
