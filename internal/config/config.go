package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" envconfig:"SERVER"`
	Security SecurityConfig `yaml:"security" envconfig:"SECURITY"`
	Logging  LoggingConfig  `yaml:"logging" envconfig:"LOGGING"`
	Loader   LoaderConfig   `yaml:"loader" envconfig:"LOADER"`
	Engine   EngineConfig   `yaml:"engine" envconfig:"ENGINE"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080" validate:"gt=0,lte=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"60s" validate:"gt=0"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s" validate:"gt=0"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES" default:"1048576"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	RequestTimeout  time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT" default:"120s"`
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	AllowedOrigins []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS" default:"*" validate:"min=1"`
	EnableCORS     bool            `yaml:"enable_cors" envconfig:"ENABLE_CORS" default:"true"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" default:"100"`
	Burst   int     `yaml:"burst" envconfig:"BURST" default:"50"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info" validate:"oneof=debug info warn warning error"`
	Format   string `yaml:"format" envconfig:"FORMAT" default:"json"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"stdout"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/app.log"`
}

// LoaderConfig contains the upstream loader service configuration
type LoaderConfig struct {
	BaseURL       string        `yaml:"base_url" envconfig:"BASE_URL" default:"http://localhost:8081" validate:"required,url"`
	Timeout       time.Duration `yaml:"timeout" envconfig:"TIMEOUT" default:"30s" validate:"gt=0"`
	FetchAttempts int           `yaml:"fetch_attempts" envconfig:"FETCH_ATTEMPTS" default:"5" validate:"gte=1"`
	FetchDelay    time.Duration `yaml:"fetch_delay" envconfig:"FETCH_DELAY" default:"5s"`
	ReloadOnStart bool          `yaml:"reload_on_start" envconfig:"RELOAD_ON_START" default:"true"`
}

// EngineConfig selects and sizes the statistics computation strategy
type EngineConfig struct {
	// Strategy is the engine bound at startup. Both engines are always
	// built; this only selects which one serves queries.
	Strategy string `yaml:"strategy" envconfig:"STRATEGY" default:"parallel" validate:"oneof=sequential parallel"`
	// Workers is the parallel pool size. Zero means one worker per CPU.
	Workers int `yaml:"workers" envconfig:"WORKERS" default:"0" validate:"gte=0"`
	// CacheEnabled toggles the statistics result cache.
	CacheEnabled bool `yaml:"cache_enabled" envconfig:"CACHE_ENABLED" default:"true"`
	// PoolStopTimeout bounds the worker pool drain during shutdown.
	PoolStopTimeout time.Duration `yaml:"pool_stop_timeout" envconfig:"POOL_STOP_TIMEOUT" default:"5s"`
}

// Load loads configuration from environment variables and config file
func Load() (*Config, error) {
	var cfg Config

	// Load from environment variables first
	if err := envconfig.Process("TICKSTATS", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// Layer the config file on top if one exists. envconfig cannot
	// distinguish an env-set value from a struct-tag default, so the
	// file wins for every field it sets; env vars and defaults cover
	// the rest.
	if configFile := getConfigFilePath(); configFile != "" {
		fileConfig, err := loadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		cfg = mergeConfigs(*fileConfig, cfg)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadFromFile loads configuration from YAML file
func loadFromFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// mergeConfigs overlays the file config on the env-derived config: any
// field the file sets to a non-zero value replaces the env/default value
func mergeConfigs(fileConfig, envConfig Config) Config {
	if fileConfig.Server.Port != 0 {
		envConfig.Server.Port = fileConfig.Server.Port
	}
	if fileConfig.Server.ReadTimeout != 0 {
		envConfig.Server.ReadTimeout = fileConfig.Server.ReadTimeout
	}
	if fileConfig.Server.WriteTimeout != 0 {
		envConfig.Server.WriteTimeout = fileConfig.Server.WriteTimeout
	}
	if fileConfig.Logging.Level != "" {
		envConfig.Logging.Level = fileConfig.Logging.Level
	}
	if fileConfig.Logging.Output != "" {
		envConfig.Logging.Output = fileConfig.Logging.Output
	}
	if fileConfig.Loader.BaseURL != "" {
		envConfig.Loader.BaseURL = fileConfig.Loader.BaseURL
	}
	if fileConfig.Loader.FetchAttempts != 0 {
		envConfig.Loader.FetchAttempts = fileConfig.Loader.FetchAttempts
	}
	if fileConfig.Engine.Strategy != "" {
		envConfig.Engine.Strategy = fileConfig.Engine.Strategy
	}
	if fileConfig.Engine.Workers != 0 {
		envConfig.Engine.Workers = fileConfig.Engine.Workers
	}
	return envConfig
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Logging.Format != "json" {
		c.Logging.Format = "json"
	}
	if c.Logging.FilePath == "" {
		c.Logging.FilePath = "logs/app.log"
	}

	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return err
	}
	return nil
}

// getConfigFilePath returns the path to the config file
func getConfigFilePath() string {
	// Check for config file in common locations
	locations := []string{
		"config.yaml",
		"configs/config.yaml",
		"../configs/config.yaml",
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return "" // No config file found, use env vars only
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     60 * time.Second,
			MaxHeaderBytes:  1 << 20, // 1MB
			ShutdownTimeout: 30 * time.Second,
			RequestTimeout:  120 * time.Second,
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"*"},
			EnableCORS:     true,
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     100,
				Burst:   50,
			},
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "stdout",
			FilePath: "logs/app.log",
		},
		Loader: LoaderConfig{
			BaseURL:       "http://localhost:8081",
			Timeout:       30 * time.Second,
			FetchAttempts: 5,
			FetchDelay:    5 * time.Second,
			ReloadOnStart: true,
		},
		Engine: EngineConfig{
			Strategy:        "parallel",
			Workers:         0,
			CacheEnabled:    true,
			PoolStopTimeout: 5 * time.Second,
		},
	}
}
