// Package config loads the service configuration.
//
// A single file (YAML, or JSON/JSONC by extension) is layered over Default,
// then a fixed set of environment variables is applied on top so that
// container deployments can keep secrets out of the file.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/IMBotPlatform/OpenAIService/ai"
)

// Environment variables recognized by ApplyEnv.
const (
	EnvProxyAPIURL  = "PROXY_API_URL"
	EnvProxyAPIKey  = "PROXY_API_KEY"
	EnvAPIKey       = "API_KEY"
	EnvAPIKeyName   = "API_KEY_NAME"
	EnvDatabasePath = "DATABASE_PATH"
	EnvListenAddr   = "LISTEN_ADDR"
)

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string      `json:"addr" yaml:"addr"`
	ReadTimeout     ai.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    ai.Duration `json:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout ai.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	// Gzip compresses JSON responses for clients that accept it.
	Gzip bool `json:"gzip" yaml:"gzip"`
	// MaxUploadBytes bounds multipart audio uploads.
	MaxUploadBytes int64 `json:"max_upload_bytes" yaml:"max_upload_bytes"`
}

// AuthConfig configures API key authentication.
type AuthConfig struct {
	// HeaderName is the request header carrying the key.
	HeaderName string `json:"header_name" yaml:"header_name"`
	// Keys lists accepted keys. Entries may use the env:NAME form.
	Keys []string `json:"keys" yaml:"keys"`
}

// RateLimitConfig configures per-client request limiting.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate per client IP. 0 disables limiting.
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `json:"burst" yaml:"burst"`
	// StatsPerMinute limits GET /stats separately.
	StatsPerMinute int `json:"stats_per_minute" yaml:"stats_per_minute"`
	// MaxClients bounds the number of tracked client limiters.
	MaxClients int `json:"max_clients" yaml:"max_clients"`
}

// DatabaseConfig configures the SQLite database.
type DatabaseConfig struct {
	Path     string `json:"path" yaml:"path"`
	PoolSize int    `json:"pool_size" yaml:"pool_size"`
}

// LogConfig configures slog output.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // "text" or "json"
	// PersistLevel mirrors records at or above this level into the database.
	// Empty disables persistence.
	PersistLevel string `json:"persist_level,omitempty" yaml:"persist_level,omitempty"`
}

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Auth      AuthConfig      `json:"auth" yaml:"auth"`
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	Database  DatabaseConfig  `json:"database" yaml:"database"`
	Log       LogConfig       `json:"log" yaml:"log"`
	AI        ai.Config       `json:"ai" yaml:"ai"`
}

// Default returns the configuration used before any file is applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8000",
			ReadTimeout:     ai.Duration(30 * time.Second),
			WriteTimeout:    ai.Duration(120 * time.Second),
			ShutdownTimeout: ai.Duration(10 * time.Second),
			Gzip:            true,
			MaxUploadBytes:  25 << 20,
		},
		Auth: AuthConfig{
			HeaderName: "X-API-Key",
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 10,
			Burst:             20,
			StatsPerMinute:    5,
			MaxClients:        4096,
		},
		Database: DatabaseConfig{
			Path:     "openai-service.db",
			PoolSize: 4,
		},
		Log: LogConfig{
			Level:        "info",
			Format:       "text",
			PersistLevel: "error",
		},
		AI: ai.DefaultConfig(),
	}
}

// Load reads the file at path over Default and applies environment
// overrides. An empty path yields the defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := cfg.decode(path, data); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(path string, data []byte) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
		// encoding/json 解码数组时复用切片的底层数组，未写出的字段会继承默认值，
		// 所以文件里出现的列表先清空。
		var lists struct {
			Auth struct {
				Keys json.RawMessage `json:"keys"`
			} `json:"auth"`
			AI struct {
				Models json.RawMessage `json:"models"`
			} `json:"ai"`
		}
		if err := json.Unmarshal(data, &lists); err != nil {
			return err
		}
		if lists.Auth.Keys != nil {
			c.Auth.Keys = nil
		}
		if lists.AI.Models != nil {
			c.AI.Models = nil
		}
		return json.Unmarshal(data, c)
	default:
		return yaml.Unmarshal(data, c)
	}
}

// ApplyEnv overrides fields from the environment. lookup is usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvListenAddr); ok && v != "" {
		c.Server.Addr = v
	}
	if v, ok := lookup(EnvDatabasePath); ok && v != "" {
		c.Database.Path = v
	}
	if v, ok := lookup(EnvAPIKeyName); ok && v != "" {
		c.Auth.HeaderName = v
	}
	if v, ok := lookup(EnvAPIKey); ok && v != "" {
		c.Auth.Keys = append(c.Auth.Keys, v)
	}

	model, ok := c.AI.Model(c.AI.DefaultModel)
	if !ok {
		return
	}
	if v, ok := lookup(EnvProxyAPIURL); ok && v != "" {
		model.BaseURL = v
	}
	if v, ok := lookup(EnvProxyAPIKey); ok && v != "" {
		model.APIKey = "env:" + EnvProxyAPIKey
	}
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config: server.addr is required")
	}
	if c.Auth.HeaderName == "" {
		return fmt.Errorf("config: auth.header_name is required")
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 || c.RateLimit.StatsPerMinute < 0 {
		return fmt.Errorf("config: rate_limit values must not be negative")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("config: database.path is required")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.PersistLevel != "" {
		if _, err := ParseLevel(c.Log.PersistLevel); err != nil {
			return err
		}
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config: unknown log.format %q", c.Log.Format)
	}
	return c.AI.Validate()
}

// APIKeys returns the configured keys with env: references resolved.
// Keys that resolve to an empty string are dropped.
func (c *Config) APIKeys() []string {
	keys := make([]string, 0, len(c.Auth.Keys))
	for _, k := range c.Auth.Keys {
		if v := ai.ResolveSecret(k); v != "" {
			keys = append(keys, v)
		}
	}
	return keys
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("config: unknown log level %q", s)
	}
}
