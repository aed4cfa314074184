package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ChuLiYu/syncd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
schedule:
  time: "22:30"
  timezone: Asia/Kolkata
  poll_interval: 5s
lock:
  dir: /var/run/syncd
runner:
  grace_period: 3s
  env:
    PYTHONUNBUFFERED: "1"
jobs:
  - name: payments
    command: python3
    args: [uob_payment_emails.py]
    timeout: 120s
  - name: daily-book-closing
    command: python3
    args: [dailyBookClosing.py]
    timeout: 10m
  - name: invoices
    command: python3
    args: [fetchInvoices.py]
    timeout: 600s
    env:
      DRIVE_FOLDER: invoices
services:
  - name: dashboard
    command: streamlit
    args: [run, app.py]
    stop_timeout: 15s
log:
  level: debug
server:
  enabled: true
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "syncd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// chdir runs the test from an empty directory so no stray .env is picked up
func chdir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })
	return dir
}

func TestLoad(t *testing.T) {
	chdir(t)
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "22:30", cfg.Schedule.Time)
	assert.Equal(t, 5*time.Second, cfg.Schedule.PollInterval)
	assert.Equal(t, time.Hour, cfg.Schedule.HeartbeatInterval, "default kept")
	assert.Equal(t, "/var/run/syncd", cfg.Lock.Dir)
	assert.Equal(t, 3*time.Second, cfg.Runner.GracePeriod)
	assert.Equal(t, 8*1024, cfg.Runner.OutputTailBytes, "default kept")
	assert.Equal(t, "1", cfg.Runner.Env["PYTHONUNBUFFERED"])

	require.Len(t, cfg.Jobs, 3)
	assert.Equal(t, "payments", cfg.Jobs[0].Name)
	assert.Equal(t, []string{"uob_payment_emails.py"}, cfg.Jobs[0].Args)
	assert.Equal(t, 120*time.Second, cfg.Jobs[0].Timeout)
	assert.Equal(t, 10*time.Minute, cfg.Jobs[1].Timeout)
	assert.Equal(t, "invoices", cfg.Jobs[2].Env["DRIVE_FOLDER"])

	svc, ok := cfg.Service("dashboard")
	require.True(t, ok)
	assert.Equal(t, 15*time.Second, svc.StopTimeout)
	_, ok = cfg.Service("missing")
	assert.False(t, ok)

	assert.True(t, cfg.Server.Enabled)
	assert.Equal(t, "127.0.0.1:8787", cfg.Server.HTTPAddr)

	st, err := cfg.ScheduleState()
	require.NoError(t, err)
	assert.Equal(t, "22:30 Asia/Kolkata", st.String())
}

func TestLoadEnvOverrides(t *testing.T) {
	chdir(t)
	t.Setenv("SYNCD_SCHEDULE_TIME", "01:15")
	t.Setenv("SYNCD_TIMEZONE", "UTC")
	t.Setenv("SYNCD_LOCK_DIR", "/tmp/locks")
	t.Setenv("SYNCD_LOG_LEVEL", "warn")
	t.Setenv("SYNCD_POLL_INTERVAL", "2s")
	t.Setenv("SYNCD_SERVER_ENABLED", "false")
	t.Setenv("SYNCD_HTTP_ADDR", ":9999")

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "01:15", cfg.Schedule.Time)
	assert.Equal(t, "UTC", cfg.Schedule.Timezone)
	assert.Equal(t, "/tmp/locks", cfg.Lock.Dir)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 2*time.Second, cfg.Schedule.PollInterval)
	assert.False(t, cfg.Server.Enabled)
	assert.Equal(t, ":9999", cfg.Server.HTTPAddr)
}

func TestLoadDotEnv(t *testing.T) {
	dir := chdir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("SYNCD_LOG_FILE=logs/syncd.log\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("SYNCD_LOG_FILE") })

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "logs/syncd.log", cfg.Log.File)
}

func TestLoadErrors(t *testing.T) {
	chdir(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")

	_, err = Load(writeConfig(t, "jobs: [unterminated"))
	assert.ErrorContains(t, err, "failed to parse config file")

	_, err = Load("")
	assert.ErrorIs(t, err, ErrInvalidConfig, "defaults alone have no jobs")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Jobs = sampleJobs()
		return cfg
	}

	testCases := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
		msg     string
	}{
		{"bad time", func(c *Config) { c.Schedule.Time = "25:00" }, ErrInvalidSchedule, "invalid time of day"},
		{"bad zone", func(c *Config) { c.Schedule.Timezone = "Mars/Olympus" }, ErrInvalidSchedule, "Mars/Olympus"},
		{"no jobs", func(c *Config) { c.Jobs = nil }, ErrInvalidConfig, "at least one job"},
		{"duplicate job", func(c *Config) { c.Jobs[1].Name = c.Jobs[0].Name }, ErrInvalidConfig, "duplicate name"},
		{"zero timeout", func(c *Config) { c.Jobs[0].Timeout = 0 }, ErrInvalidConfig, "timeout must be positive"},
		{"empty command", func(c *Config) { c.Jobs[2].Command = "" }, ErrInvalidConfig, "command is required"},
		{"reserved service", func(c *Config) {
			c.Services = append(c.Services, serviceNamed(OrchestratorName))
		}, ErrInvalidConfig, "reserved"},
		{"service path", func(c *Config) {
			c.Services = append(c.Services, serviceNamed("../evil"))
		}, ErrInvalidConfig, "path separators"},
		{"log level", func(c *Config) { c.Log.Level = "verbose" }, ErrInvalidConfig, "log.level"},
		{"server without addr", func(c *Config) {
			c.Server = ServerConfig{Enabled: true}
		}, ErrInvalidConfig, "neither http_addr nor grpc_addr"},
	}

	require.NoError(t, valid().Validate())

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.wantErr)
			assert.Contains(t, err.Error(), tc.msg)
		})
	}
}

func TestValidateAggregatesProblems(t *testing.T) {
	cfg := Default()
	cfg.Schedule.Time = "nope"
	cfg.Log.Level = "loud"

	err := cfg.Validate()
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Problems, 3)
	assert.ErrorIs(t, err, ErrInvalidSchedule)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func sampleJobs() []types.JobSpec {
	return []types.JobSpec{
		{Name: "payments", Command: "python3", Timeout: 120 * time.Second},
		{Name: "daily-book-closing", Command: "python3", Timeout: 600 * time.Second},
		{Name: "invoices", Command: "python3", Timeout: 600 * time.Second},
	}
}

func serviceNamed(name string) types.ServiceSpec {
	return types.ServiceSpec{Name: name, Command: "sleep", Args: []string{"60"}}
}
