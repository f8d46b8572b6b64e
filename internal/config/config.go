// Package config provides configuration management for Corral.
//
// Configuration is loaded from:
// 1. config.yaml file (optional)
// 2. Environment variables (standard names like DATABASE_URL, SERVER_PORT)
// 3. Default values
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config is the controller's root configuration structure.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Auth       AuthConfig       `mapstructure:"auth"`
	RPC        RPCConfig        `mapstructure:"rpc"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Log        LogConfig        `mapstructure:"log"`
	Worker     WorkerConfig     `mapstructure:"worker"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig contains metadata store settings. URL accepts either a
// postgres DSN (postgres://...) or a sqlite path for embedded mode.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`

	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// Driver returns the database/sql driver name for the configured URL.
func (c DatabaseConfig) Driver() string {
	if strings.HasPrefix(c.URL, "postgres://") || strings.HasPrefix(c.URL, "postgresql://") {
		return "pgx"
	}
	return "sqlite"
}

// AuthConfig contains token-issuing settings.
type AuthConfig struct {
	// TokenSecret signs login bearer tokens (HS256).
	TokenSecret string `mapstructure:"token_secret"`

	// TokenTTL is the fixed token expiry.
	TokenTTL time.Duration `mapstructure:"token_ttl"`

	// AgentSecret is the shared secret agents present at registration.
	AgentSecret string `mapstructure:"agent_secret"`
}

// RPCConfig contains controller↔agent protocol settings.
type RPCConfig struct {
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	LongTimeout       time.Duration `mapstructure:"long_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	OfflineAfter      time.Duration `mapstructure:"offline_after"`
}

// ReconcilerConfig contains reconciliation sweep settings.
type ReconcilerConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// WorkerConfig contains worker pool settings.
type WorkerConfig struct {
	GeneralPoolSize int `mapstructure:"general_pool_size"`
	DriverPoolSize  int `mapstructure:"driver_pool_size"`
}

var (
	bootstrapLoggerOnce sync.Once
	bootstrapLogger     *zap.Logger
)

// Load reads controller configuration from file and environment.
// Standard environment variables without prefix: DATABASE_URL,
// SERVER_PORT, AUTH_TOKEN_SECRET, AUTH_AGENT_SECRET, LOG_LEVEL, ...
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/corral")

	// Maps nested config: database.max_open_conns → DATABASE_MAX_OPEN_CONNS
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file is optional, use defaults and env vars.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.ensureSecrets(); err != nil {
		return nil, fmt.Errorf("ensure secrets: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate checks for critical configuration errors.
func (c *Config) Validate() error {
	if c.Auth.TokenSecret == "" {
		return fmt.Errorf("auth.token_secret must not be empty")
	}
	if len(c.Auth.TokenSecret) < 32 {
		return fmt.Errorf("auth.token_secret must be at least 32 characters")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database.url must not be empty")
	}
	if c.RPC.OfflineAfter <= c.RPC.HeartbeatInterval {
		return fmt.Errorf("rpc.offline_after must exceed rpc.heartbeat_interval")
	}
	return nil
}

// ensureSecrets auto-generates missing secrets on first boot.
func (c *Config) ensureSecrets() error {
	if c.Auth.TokenSecret == "" {
		secret, err := generateSecureRandomHex(32)
		if err != nil {
			return fmt.Errorf("auto-generate token secret: %w", err)
		}
		c.Auth.TokenSecret = secret
		logBootstrapWarn(
			"auto-generated auth.token_secret; set AUTH_TOKEN_SECRET env var for persistence",
			zap.Int("length", len(secret)),
		)
	}
	if c.Auth.AgentSecret == "" {
		secret, err := generateSecureRandomHex(32)
		if err != nil {
			return fmt.Errorf("auto-generate agent secret: %w", err)
		}
		c.Auth.AgentSecret = secret
		logBootstrapWarn(
			"auto-generated auth.agent_secret; set AUTH_AGENT_SECRET env var for persistence",
			zap.Int("length", len(secret)),
		)
	}
	return nil
}

func logBootstrapWarn(msg string, fields ...zap.Field) {
	bootstrapLoggerOnce.Do(func() {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)

		l, err := cfg.Build()
		if err != nil {
			bootstrapLogger = zap.NewNop()
			return
		}
		bootstrapLogger = l
	})

	bootstrapLogger.Warn(msg, fields...)
}

// generateSecureRandomHex produces a hex-encoded string of n random bytes.
func generateSecureRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("crypto/rand: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "30s")

	// Database
	v.SetDefault("database.url", "corral.db")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "1h")

	// Auth. Empty secret defaults keep the keys visible to viper so
	// environment overrides bind during Unmarshal.
	v.SetDefault("auth.token_secret", "")
	v.SetDefault("auth.agent_secret", "")
	v.SetDefault("auth.token_ttl", "24h")

	// RPC
	v.SetDefault("rpc.request_timeout", "30s")
	v.SetDefault("rpc.long_timeout", "300s")
	v.SetDefault("rpc.heartbeat_interval", "30s")
	v.SetDefault("rpc.offline_after", "90s")

	// Reconciler
	v.SetDefault("reconciler.interval", "1m")
	v.SetDefault("reconciler.max_retries", 3)

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Worker pools
	v.SetDefault("worker.general_pool_size", 100)
	v.SetDefault("worker.driver_pool_size", 16)
}
