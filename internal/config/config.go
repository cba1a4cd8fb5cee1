package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Database DatabaseConfig `yaml:"database"`
	Cache    CacheConfig    `yaml:"cache"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Security SecurityConfig `yaml:"security"`
	CORS     CORSConfig     `yaml:"cors"`
	TLS      TLSConfig      `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

type SandboxConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	MaxTimeout     time.Duration `yaml:"max_timeout"`
	MaxConcurrent  int           `yaml:"max_concurrent"` // 0 means unbounded
	MaxSourceBytes int           `yaml:"max_source_bytes"`
	MaxOutputBytes int           `yaml:"max_output_bytes"`
	AllowedModules []string      `yaml:"allowed_modules"`
	WorkerPath     string        `yaml:"worker_path"` // empty means the running binary
	WorkerArgs     []string      `yaml:"worker_args"`
	DetectPatterns bool          `yaml:"detect_patterns"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Migrate         bool          `yaml:"migrate"`
}

// CacheConfig controls the Redis result cache. An empty address disables it.
type CacheConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
	Prefix   string        `yaml:"prefix"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample_rate"`
}

type SecurityConfig struct {
	APIKeyHeader   string   `yaml:"api_key_header"`
	AllowedKeys    []string `yaml:"allowed_keys"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst"`
}

// CORSConfig controls cross-origin access to the HTTP API.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    35 * time.Second, // > max sandbox timeout + overhead
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  1 << 20, // 1MB
		},
		Sandbox: SandboxConfig{
			Timeout:        2 * time.Second,
			MaxTimeout:     30 * time.Second,
			MaxConcurrent:  0,
			MaxSourceBytes: 1 << 20,
			MaxOutputBytes: 1 << 20,
			AllowedModules: []string{"math"},
			DetectPatterns: true,
		},
		Database: DatabaseConfig{
			DSN:             "",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			Migrate:         true,
		},
		Cache: CacheConfig{
			TTL:    10 * time.Minute,
			Prefix: "sandbox:result:",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
		Security: SecurityConfig{
			APIKeyHeader:   "X-API-Key",
			RateLimitRPS:   100,
			RateLimitBurst: 200,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "X-API-Key", "X-Request-ID"},
			MaxAge:         600,
		},
		TLS: TLSConfig{
			Enabled: false,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Sandbox.Timeout <= 0 {
		return fmt.Errorf("sandbox.timeout must be positive, got %s", c.Sandbox.Timeout)
	}
	if c.Sandbox.Timeout > c.Sandbox.MaxTimeout {
		return fmt.Errorf("sandbox.timeout (%s) must be <= max_timeout (%s)",
			c.Sandbox.Timeout, c.Sandbox.MaxTimeout)
	}
	if c.Sandbox.MaxConcurrent < 0 {
		return fmt.Errorf("sandbox.max_concurrent must be >= 0")
	}
	if c.Sandbox.MaxSourceBytes < 1 {
		return fmt.Errorf("sandbox.max_source_bytes must be >= 1")
	}
	if c.Sandbox.MaxOutputBytes < 1 {
		return fmt.Errorf("sandbox.max_output_bytes must be >= 1")
	}
	for _, m := range c.Sandbox.AllowedModules {
		if strings.TrimSpace(m) == "" {
			return fmt.Errorf("sandbox.allowed_modules must not contain empty names")
		}
	}
	if c.Sandbox.WorkerPath != "" && !filepath.IsAbs(c.Sandbox.WorkerPath) {
		return fmt.Errorf("sandbox.worker_path: %q must be an absolute path", c.Sandbox.WorkerPath)
	}
	if c.Cache.Addr != "" && c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive when cache.addr is set")
	}
	if c.Security.RateLimitRPS < 0 {
		return fmt.Errorf("security.rate_limit_rps must be >= 0")
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
