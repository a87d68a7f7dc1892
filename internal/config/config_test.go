package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig_SaneDefaults(t *testing.T) {
	cfg := NewDefaultConfig()
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 50.0, cfg.RateLimits.SubmitPerSecond)
	assert.True(t, cfg.Auth.RobotAuthEnabled)
}

func TestLoad_UnmarshalsTOMLFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/orchestrator.toml"
	require.NoError(t, os.WriteFile(path, []byte(`
environment = "production"

[server]
port = 9090

[rate_limits]
submit_per_second = 200.0
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 200.0, cfg.RateLimits.SubmitPerSecond)
	assert.True(t, cfg.IsProduction())
}

func TestLoad_MissingFilesAreSkipped(t *testing.T) {
	cfg, err := Load("/does/not/exist.toml", "")
	require.NoError(t, err)
	assert.Equal(t, NewDefaultConfig().Server.Port, cfg.Server.Port)
}

func TestLoad_LaterFilesOverrideEarlier(t *testing.T) {
	dir := t.TempDir()
	first := dir + "/a.toml"
	second := dir + "/b.toml"
	require.NoError(t, os.WriteFile(first, []byte(`[server]
port = 1111
`), 0o600))
	require.NoError(t, os.WriteFile(second, []byte(`[server]
port = 2222
`), 0o600))

	cfg, err := Load(first, second)
	require.NoError(t, err)
	assert.Equal(t, 2222, cfg.Server.Port)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example/db")
	t.Setenv("WORKERS", "8")
	t.Setenv("ROBOT_AUTH_ENABLED", "false")
	t.Setenv("ADMIN_USER", "root")
	t.Setenv("ADMIN_PASSWORD_HASH", "hash-value")
	t.Setenv("CORS_ORIGINS", "https://a.example,https://b.example")

	cfg := NewDefaultConfig()
	applyEnvOverrides(cfg)

	assert.Equal(t, "postgres://example/db", cfg.Database.URL)
	assert.Equal(t, 8, cfg.Server.Workers)
	assert.False(t, cfg.Auth.RobotAuthEnabled)
	assert.Equal(t, "root", cfg.Auth.AdminUser)
	assert.Equal(t, "hash-value", cfg.Auth.AdminPasswordHash)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}

func TestResolvedWorkers(t *testing.T) {
	cfg := NewDefaultConfig()
	assert.Equal(t, 4, cfg.ResolvedWorkers(4))

	cfg.Server.Workers = 2
	assert.Equal(t, 2, cfg.ResolvedWorkers(8))
}

func TestTimeoutConfig_DefaultsWhenUnset(t *testing.T) {
	var tc TimeoutConfig
	assert.Equal(t, 30*time.Second, tc.HeartbeatInterval())
	assert.Equal(t, 90*time.Second, tc.HeartbeatTimeout())
	assert.Equal(t, 5*time.Second, tc.AssignAck())
	assert.Equal(t, 1*time.Second, tc.ScheduleSweep())
}

func TestTimeoutConfig_UsesConfiguredValues(t *testing.T) {
	tc := TimeoutConfig{HeartbeatTimeoutSeconds: 45}
	assert.Equal(t, 45*time.Second, tc.HeartbeatTimeout())
}

func TestAuthConfig_ExpiryDefaults(t *testing.T) {
	var ac AuthConfig
	assert.Equal(t, 15*time.Minute, ac.AccessExpiry())
	assert.Equal(t, 7*24*time.Hour, ac.RefreshExpiry())
}

func TestDBConfig_GetConnMaxLifetime_FallsBackOnBadValue(t *testing.T) {
	dc := DBConfig{ConnMaxLifetime: "not-a-duration"}
	assert.Equal(t, 30*time.Minute, dc.GetConnMaxLifetime())
}
