// Package config loads orchestrator configuration from TOML files with
// environment variable overrides, following the same layered-load pattern
// as the rest of this codebase's ambient stack.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for the orchestrator core.
type Config struct {
	Environment string       `toml:"environment"`
	Server      ServerConfig `toml:"server"`
	Database    DBConfig     `toml:"database"`
	Auth        AuthConfig   `toml:"auth"`
	Timeouts    TimeoutConfig `toml:"timeouts"`
	Workflow    WorkflowConfig `toml:"workflow"`
	Logging     LoggingConfig `toml:"logging"`
	RateLimits  RateLimitConfig `toml:"rate_limits"`
	CORSOrigins []string     `toml:"cors_origins"`
}

// RateLimitConfig holds token-bucket limits (spec §9: dispatch throughput,
// submitter abuse protection), via golang.org/x/time/rate.
type RateLimitConfig struct {
	SubmitPerSecond float64 `toml:"submit_per_second"`
	SubmitBurst     int     `toml:"submit_burst"`
	AssignPerSecond float64 `toml:"assign_per_second"` // per-robot, in the Dispatcher
	AssignBurst     int     `toml:"assign_burst"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
	Workers int    `toml:"workers"` // Dispatcher concurrency
	// DispatchPolicy selects the Dispatcher's fallback robot-selection
	// policy (registry.SelectionPolicy) used when a job carries no
	// target_robot_id: "least_loaded" (default) or "round_robin". A job
	// with a target_robot_id always uses registry.Affinity regardless of
	// this setting.
	DispatchPolicy string `toml:"dispatch_policy"`
}

// DBConfig holds durable-store connection configuration.
type DBConfig struct {
	URL             string `toml:"url"`
	MaxOpenConns    int    `toml:"max_open_conns"`
	MaxIdleConns    int    `toml:"max_idle_conns"`
	ConnMaxLifetime string `toml:"conn_max_lifetime"`
}

// GetConnMaxLifetime parses the configured connection lifetime.
func (c *DBConfig) GetConnMaxLifetime() time.Duration {
	d, err := time.ParseDuration(c.ConnMaxLifetime)
	if err != nil {
		return 30 * time.Minute
	}
	return d
}

// AuthConfig holds JWT and robot-auth configuration.
type AuthConfig struct {
	RobotAuthEnabled     bool   `toml:"robot_auth_enabled"`
	JWTSecret            string `toml:"jwt_secret_key"`
	AccessExpireMinutes  int    `toml:"jwt_access_expire_minutes"`
	RefreshExpireDays    int    `toml:"jwt_refresh_expire_days"`

	// AdminUser/AdminPasswordHash gate POST /api/admin/login, which issues
	// a submitter JWT. The hash is bcrypt, never a plaintext password.
	AdminUser         string `toml:"admin_user"`
	AdminPasswordHash string `toml:"admin_password_hash"`
}

// AccessExpiry and RefreshExpiry return the configured token lifetimes.
func (c *AuthConfig) AccessExpiry() time.Duration {
	if c.AccessExpireMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(c.AccessExpireMinutes) * time.Minute
}

func (c *AuthConfig) RefreshExpiry() time.Duration {
	if c.RefreshExpireDays <= 0 {
		return 7 * 24 * time.Hour
	}
	return time.Duration(c.RefreshExpireDays) * 24 * time.Hour
}

// TimeoutConfig holds the spec §5 timeout defaults, all configurable.
type TimeoutConfig struct {
	HeartbeatIntervalSeconds int `toml:"heartbeat_interval_seconds"`
	HeartbeatTimeoutSeconds  int `toml:"heartbeat_timeout_seconds"`
	AssignAckSeconds         int `toml:"assign_ack_seconds"`
	CancelAckSeconds         int `toml:"cancel_ack_seconds"`
	JobTimeoutDefaultSeconds int `toml:"job_timeout_default_seconds"`
	ScheduleSweepSeconds     int `toml:"schedule_sweep_seconds"`
	TimeoutSweepSeconds      int `toml:"timeout_sweep_seconds"`
	DispatcherPollSeconds    int `toml:"dispatcher_poll_seconds"`
}

func (t *TimeoutConfig) HeartbeatInterval() time.Duration {
	return secondsOr(t.HeartbeatIntervalSeconds, 30*time.Second)
}
func (t *TimeoutConfig) HeartbeatTimeout() time.Duration {
	return secondsOr(t.HeartbeatTimeoutSeconds, 90*time.Second)
}
func (t *TimeoutConfig) AssignAck() time.Duration {
	return secondsOr(t.AssignAckSeconds, 5*time.Second)
}
func (t *TimeoutConfig) CancelAck() time.Duration {
	return secondsOr(t.CancelAckSeconds, 30*time.Second)
}
func (t *TimeoutConfig) JobTimeoutDefault() time.Duration {
	return secondsOr(t.JobTimeoutDefaultSeconds, 3600*time.Second)
}
func (t *TimeoutConfig) ScheduleSweep() time.Duration {
	return secondsOr(t.ScheduleSweepSeconds, 1*time.Second)
}
func (t *TimeoutConfig) TimeoutSweep() time.Duration {
	return secondsOr(t.TimeoutSweepSeconds, 10*time.Second)
}
func (t *TimeoutConfig) DispatcherPoll() time.Duration {
	return secondsOr(t.DispatcherPollSeconds, 2*time.Second)
}

func secondsOr(v int, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return time.Duration(v) * time.Second
}

// WorkflowConfig holds payload validation limits (spec §6).
type WorkflowConfig struct {
	MaxBytes int `toml:"max_workflow_bytes"`
	MaxNodes int `toml:"max_workflow_nodes"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Outputs []string `toml:"outputs"`
}

// NewDefaultConfig returns a Config with the spec §6 defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			Workers:        0, // 0 => CPU count, resolved at startup
			DispatchPolicy: "least_loaded",
		},
		Database: DBConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: "30m",
		},
		Auth: AuthConfig{
			RobotAuthEnabled:    true,
			JWTSecret:           "dev-jwt-secret-change-in-production",
			AccessExpireMinutes: 15,
			RefreshExpireDays:   7,
		},
		Timeouts: TimeoutConfig{
			HeartbeatIntervalSeconds: 30,
			HeartbeatTimeoutSeconds:  90,
			AssignAckSeconds:         5,
			CancelAckSeconds:         30,
			JobTimeoutDefaultSeconds: 3600,
			ScheduleSweepSeconds:     1,
			TimeoutSweepSeconds:      10,
			DispatcherPollSeconds:    2,
		},
		Workflow: WorkflowConfig{
			MaxBytes: 10 * 1024 * 1024,
			MaxNodes: 1000,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Format:  "json",
			Outputs: []string{"console"},
		},
		RateLimits: RateLimitConfig{
			SubmitPerSecond: 50,
			SubmitBurst:     100,
			AssignPerSecond: 10,
			AssignBurst:     20,
		},
		CORSOrigins: []string{"*"},
	}
}

// Load loads configuration from TOML files (later files override earlier)
// then applies environment variable overrides.
func Load(paths ...string) (*Config, error) {
	cfg := NewDefaultConfig()

	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides applies the environment variables named in spec §6.
func applyEnvOverrides(c *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Server.Workers = n
		}
	}
	if v := os.Getenv("HEARTBEAT_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Timeouts.HeartbeatTimeoutSeconds = n
		}
	}
	if v := os.Getenv("JOB_TIMEOUT_DEFAULT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Timeouts.JobTimeoutDefaultSeconds = n
		}
	}
	if v := os.Getenv("ROBOT_AUTH_ENABLED"); v != "" {
		c.Auth.RobotAuthEnabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("JWT_SECRET_KEY"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("JWT_ACCESS_EXPIRE_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Auth.AccessExpireMinutes = n
		}
	}
	if v := os.Getenv("JWT_REFRESH_EXPIRE_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Auth.RefreshExpireDays = n
		}
	}
	if v := os.Getenv("ADMIN_USER"); v != "" {
		c.Auth.AdminUser = v
	}
	if v := os.Getenv("ADMIN_PASSWORD_HASH"); v != "" {
		c.Auth.AdminPasswordHash = v
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		c.CORSOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("MAX_WORKFLOW_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Workflow.MaxBytes = n
		}
	}
	if v := os.Getenv("MAX_WORKFLOW_NODES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Workflow.MaxNodes = n
		}
	}
	if v := os.Getenv("ORCHESTRATOR_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("ORCHESTRATOR_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Server.Port = n
		}
	}
	if v := os.Getenv("ORCHESTRATOR_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// IsProduction reports whether the configured environment is production.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// ResolvedWorkers returns Server.Workers, defaulting to runtime.NumCPU-equivalent
// behavior performed by the caller when the value is 0.
func (c *Config) ResolvedWorkers(numCPU int) int {
	if c.Server.Workers > 0 {
		return c.Server.Workers
	}
	return numCPU
}
