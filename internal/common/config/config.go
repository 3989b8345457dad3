// Package config provides configuration management for Agor.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Agor.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Events    EventsConfig    `mapstructure:"events"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Limits    LimitsConfig    `mapstructure:"limits"`
	Paths     PathsConfig     `mapstructure:"paths"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds listener configuration for the Orchestrator's own surfaces.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig holds database connection configuration for the core's own
// entity slice (session tokens, reconciliation records, the message log).
type DatabaseConfig struct {
	Dialect string `mapstructure:"dialect"` // sqlite | postgres | memory
	Path    string `mapstructure:"path"`    // sqlite file path
	URL     string `mapstructure:"url"`     // postgres DSN, takes precedence when set
}

// NATSConfig holds NATS messaging configuration for the internal event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds event bus namespace configuration.
type EventsConfig struct {
	// Namespace isolates queue-group subscribers across deployments/instances.
	Namespace string `mapstructure:"namespace"`
}

// ExecutionConfig controls Unix-level privilege separation (C2/C8).
type ExecutionConfig struct {
	// RunAsUnixUser enables impersonation mode; when false executors run as
	// the daemon's own identity (development/single-user mode).
	RunAsUnixUser bool `mapstructure:"runAsUnixUser"`
	// ExecutorUnixUser overrides the Unix user executors run as, when the
	// session does not stamp its own unix_username.
	ExecutorUnixUser string `mapstructure:"executorUnixUser"`
	// UseExecutor controls whether prompts spawn a real executor child or
	// are routed through an in-process fake (tests, demos).
	UseExecutor bool `mapstructure:"useExecutor"`
	// ExecutorBinary is the path to the executor entry point; empty means
	// auto-detect (see pool.findExecutorBinary).
	ExecutorBinary string `mapstructure:"executorBinary"`
}

// AuthConfig holds authentication/session-token configuration.
type AuthConfig struct {
	Secret          string `mapstructure:"secret"`
	AccessTokenTTL  int    `mapstructure:"accessTokenTtl"`  // seconds
	ServiceTokenTTL int    `mapstructure:"serviceTokenTtl"` // seconds
}

// LimitsConfig holds the suspension-point timeouts named in the concurrency model.
type LimitsConfig struct {
	RPCTimeout         int `mapstructure:"rpcTimeout"`         // seconds, default 30
	SocketWaitTimeout  int `mapstructure:"socketWaitTimeout"`  // seconds, default 5
	StopAckTimeout     int `mapstructure:"stopAckTimeout"`     // seconds, default 5
	StopCompleteTimeout int `mapstructure:"stopCompleteTimeout"` // seconds, default 30
	PermissionTimeout  int `mapstructure:"permissionTimeout"`  // seconds, default 60
}

// PathsConfig holds filesystem layout configuration.
type PathsConfig struct {
	HomeBase string `mapstructure:"homeBase"`
	DataHome string `mapstructure:"dataHome"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// RPCTimeoutDuration returns the default JSON-RPC request timeout.
func (l *LimitsConfig) RPCTimeoutDuration() time.Duration {
	return time.Duration(l.RPCTimeout) * time.Second
}

// SocketWaitTimeoutDuration returns the executor-socket-appears timeout.
func (l *LimitsConfig) SocketWaitTimeoutDuration() time.Duration {
	return time.Duration(l.SocketWaitTimeout) * time.Second
}

// StopAckTimeoutDuration returns the per-attempt stop-ACK timeout.
func (l *LimitsConfig) StopAckTimeoutDuration() time.Duration {
	return time.Duration(l.StopAckTimeout) * time.Second
}

// StopCompleteTimeoutDuration returns the stop-completion timeout.
func (l *LimitsConfig) StopCompleteTimeoutDuration() time.Duration {
	return time.Duration(l.StopCompleteTimeout) * time.Second
}

// PermissionTimeoutDuration returns the permission-decision timeout.
func (l *LimitsConfig) PermissionTimeoutDuration() time.Duration {
	return time.Duration(l.PermissionTimeout) * time.Second
}

// AccessTokenTTLDuration returns the user session token lifetime.
func (a *AuthConfig) AccessTokenTTLDuration() time.Duration {
	return time.Duration(a.AccessTokenTTL) * time.Second
}

// ServiceTokenTTLDuration returns the executor service token lifetime.
func (a *AuthConfig) ServiceTokenTTLDuration() time.Duration {
	return time.Duration(a.ServiceTokenTTL) * time.Second
}

// detectDefaultLogFormat mirrors logger.detectLogFormat so config and the
// logger agree on a default before the logger package is constructed.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGOR_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("database.dialect", "sqlite")
	v.SetDefault("database.path", "./agor.db")
	v.SetDefault("database.url", "")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agor-orchestrator")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("events.namespace", "")

	v.SetDefault("execution.runAsUnixUser", false)
	v.SetDefault("execution.executorUnixUser", "")
	v.SetDefault("execution.useExecutor", true)
	v.SetDefault("execution.executorBinary", "")

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.accessTokenTtl", 28800) // 8h
	v.SetDefault("auth.serviceTokenTtl", 3600) // 1h, bounded to a single task's lifetime

	v.SetDefault("limits.rpcTimeout", 30)
	v.SetDefault("limits.socketWaitTimeout", 5)
	v.SetDefault("limits.stopAckTimeout", 5)
	v.SetDefault("limits.stopCompleteTimeout", 30)
	v.SetDefault("limits.permissionTimeout", 60)

	v.SetDefault("paths.homeBase", "/home")
	v.SetDefault("paths.dataHome", "~/.agor")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGOR_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/agor/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the spec's recognized environment variables, which
	// don't follow the AGOR_<SECTION>_<FIELD> convention AutomaticEnv assumes.
	_ = v.BindEnv("database.path", "AGOR_DB_PATH")
	_ = v.BindEnv("database.url", "DATABASE_URL")
	_ = v.BindEnv("database.dialect", "AGOR_DB_DIALECT")
	_ = v.BindEnv("server.port", "PORT")
	_ = v.BindEnv("logging.level", "AGOR_LOG_LEVEL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agor/")

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

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Dialect {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for sqlite dialect")
		}
	case "postgres":
		if cfg.Database.URL == "" {
			errs = append(errs, "database.url (or DATABASE_URL) is required for postgres dialect")
		}
	case "memory":
		// In-process stores; nothing to connect to.
	default:
		errs = append(errs, "database.dialect must be one of: sqlite, postgres, memory")
	}

	if cfg.Auth.Secret == "" {
		secret, err := generateDevSecret()
		if err != nil {
			errs = append(errs, fmt.Sprintf("auth.secret not set and dev secret generation failed: %v", err))
		} else {
			cfg.Auth.Secret = secret
		}
	}
	if cfg.Auth.AccessTokenTTL <= 0 {
		errs = append(errs, "auth.accessTokenTtl must be positive")
	}
	if cfg.Auth.ServiceTokenTTL <= 0 {
		errs = append(errs, "auth.serviceTokenTtl must be positive")
	}

	if cfg.Limits.RPCTimeout <= 0 {
		errs = append(errs, "limits.rpcTimeout must be positive")
	}
	if cfg.Limits.StopAckTimeout <= 0 {
		errs = append(errs, "limits.stopAckTimeout must be positive")
	}
	if cfg.Limits.StopCompleteTimeout <= 0 {
		errs = append(errs, "limits.stopCompleteTimeout must be positive")
	}
	if cfg.Limits.PermissionTimeout <= 0 {
		errs = append(errs, "limits.permissionTimeout must be positive")
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

// generateDevSecret generates a random secret for development mode.
func generateDevSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "dev-" + hex.EncodeToString(buf), nil
}
