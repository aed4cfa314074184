// ============================================================================
// syncd Config - 配置載入
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: Load the daemon configuration from YAML, apply defaults, then
//          environment overrides, then validate.
//
// Precedence (highest first):
//   1. SYNCD_* environment variables (envconfig)
//   2. .env file in the working directory (godotenv, never overrides real env)
//   3. YAML file (--config, default configs/syncd.yaml)
//   4. Built-in defaults
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/ChuLiYu/syncd/internal/schedule"
	"github.com/ChuLiYu/syncd/pkg/types"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPath      = "configs/syncd.yaml"
	DefaultEnvFile   = ".env"
	EnvPrefix        = "SYNCD"
	OrchestratorName = "orchestrator"
)

var (
	// ErrInvalidSchedule marks a bad schedule time or zone
	ErrInvalidSchedule = errors.New("config: invalid schedule")

	// ErrInvalidConfig marks any other validation problem
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Config represents the complete daemon configuration
type Config struct {
	Schedule ScheduleConfig      `yaml:"schedule"`
	Lock     LockConfig          `yaml:"lock"`
	Runner   RunnerConfig        `yaml:"runner"`
	Jobs     []types.JobSpec     `yaml:"jobs"`
	Services []types.ServiceSpec `yaml:"services"`
	Log      LogConfig           `yaml:"log"`
	Server   ServerConfig        `yaml:"server"`

	// Path the configuration was loaded from (empty for defaults only)
	Path string `yaml:"-"`
}

type ScheduleConfig struct {
	Time              string        `yaml:"time"`     // HH:MM, 24h
	Timezone          string        `yaml:"timezone"` // IANA name
	PollInterval      time.Duration `yaml:"poll_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

type LockConfig struct {
	Dir string `yaml:"dir"`
}

type RunnerConfig struct {
	GracePeriod     time.Duration     `yaml:"grace_period"`
	OutputTailBytes int               `yaml:"output_tail_bytes"`
	SummaryMarkers  []string          `yaml:"summary_markers"`
	Env             map[string]string `yaml:"env"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type ServerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"` // empty disables the gRPC health endpoint
}

// envOverrides maps SYNCD_* variables onto Config fields
type envOverrides struct {
	ScheduleTime      string        `envconfig:"SCHEDULE_TIME"`
	Timezone          string        `envconfig:"TIMEZONE"`
	PollInterval      time.Duration `envconfig:"POLL_INTERVAL"`
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL"`
	LockDir           string        `envconfig:"LOCK_DIR"`
	GracePeriod       time.Duration `envconfig:"GRACE_PERIOD"`
	LogLevel          string        `envconfig:"LOG_LEVEL"`
	LogFile           string        `envconfig:"LOG_FILE"`
	ServerEnabled     *bool         `envconfig:"SERVER_ENABLED"`
	HTTPAddr          string        `envconfig:"HTTP_ADDR"`
	GRPCAddr          string        `envconfig:"GRPC_ADDR"`
}

// Default returns the built-in configuration (no jobs)
func Default() *Config {
	return &Config{
		Schedule: ScheduleConfig{
			Time:              "23:00",
			Timezone:          "Asia/Kolkata",
			PollInterval:      10 * time.Second,
			HeartbeatInterval: time.Hour,
		},
		Lock: LockConfig{Dir: "run"},
		Runner: RunnerConfig{
			GracePeriod:     5 * time.Second,
			OutputTailBytes: 8 * 1024,
		},
		Log: LogConfig{Level: "info"},
		Server: ServerConfig{
			HTTPAddr: "127.0.0.1:8787",
		},
	}
}

// Load reads path (if non-empty), applies defaults and SYNCD_* overrides, and validates.
// A .env file in the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(DefaultEnvFile); err != nil {
		return nil, err
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		cfg.Path = path
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.fillDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("failed to load environment variables: %w", err)
	}

	setString(&c.Schedule.Time, env.ScheduleTime)
	setString(&c.Schedule.Timezone, env.Timezone)
	setDuration(&c.Schedule.PollInterval, env.PollInterval)
	setDuration(&c.Schedule.HeartbeatInterval, env.HeartbeatInterval)
	setString(&c.Lock.Dir, env.LockDir)
	setDuration(&c.Runner.GracePeriod, env.GracePeriod)
	setString(&c.Log.Level, env.LogLevel)
	setString(&c.Log.File, env.LogFile)
	setString(&c.Server.HTTPAddr, env.HTTPAddr)
	setString(&c.Server.GRPCAddr, env.GRPCAddr)
	if env.ServerEnabled != nil {
		c.Server.Enabled = *env.ServerEnabled
	}
	return nil
}

// fillDefaults restores defaults for fields the YAML explicitly zeroed
func (c *Config) fillDefaults() {
	d := Default()
	defaultString(&c.Schedule.Time, d.Schedule.Time)
	defaultString(&c.Schedule.Timezone, d.Schedule.Timezone)
	if c.Schedule.PollInterval == 0 {
		c.Schedule.PollInterval = d.Schedule.PollInterval
	}
	if c.Schedule.HeartbeatInterval == 0 {
		c.Schedule.HeartbeatInterval = d.Schedule.HeartbeatInterval
	}
	defaultString(&c.Lock.Dir, d.Lock.Dir)
	if c.Runner.GracePeriod == 0 {
		c.Runner.GracePeriod = d.Runner.GracePeriod
	}
	if c.Runner.OutputTailBytes == 0 {
		c.Runner.OutputTailBytes = d.Runner.OutputTailBytes
	}
	defaultString(&c.Log.Level, d.Log.Level)
	defaultString(&c.Server.HTTPAddr, d.Server.HTTPAddr)
}

// setString assigns the first non-empty value
func setString(dst *string, values ...string) {
	for _, v := range values {
		if v != "" {
			*dst = v
			return
		}
	}
}

func defaultString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}

// ScheduleState parses the schedule section
func (c *Config) ScheduleState() (schedule.State, error) {
	st, err := schedule.NewState(c.Schedule.Time, c.Schedule.Timezone)
	if err != nil {
		return schedule.State{}, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	return st, nil
}

// Service looks up a managed service by name
func (c *Config) Service(name string) (types.ServiceSpec, bool) {
	for _, s := range c.Services {
		if s.Name == name {
			return s, true
		}
	}
	return types.ServiceSpec{}, false
}

// ValidationError collects every problem found by Validate
type ValidationError struct {
	Problems []error
}

func (e *ValidationError) Error() string {
	lines := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		lines = append(lines, "  - "+p.Error())
	}
	return "configuration validation failed:\n" + strings.Join(lines, "\n")
}

func (e *ValidationError) Unwrap() []error {
	return e.Problems
}

// Validate checks the whole configuration and reports all problems at once
func (c *Config) Validate() error {
	var problems []error
	invalid := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if _, err := c.ScheduleState(); err != nil {
		problems = append(problems, err)
	}
	if c.Schedule.PollInterval < 0 {
		invalid("schedule.poll_interval must be positive")
	}
	if c.Schedule.HeartbeatInterval < 0 {
		invalid("schedule.heartbeat_interval must be positive")
	}
	if c.Runner.GracePeriod < 0 {
		invalid("runner.grace_period must be positive")
	}
	if c.Runner.OutputTailBytes < 0 {
		invalid("runner.output_tail_bytes must be positive")
	}

	if len(c.Jobs) == 0 {
		invalid("at least one job is required")
	}
	seen := map[string]bool{}
	for i, j := range c.Jobs {
		switch {
		case j.Name == "":
			invalid("jobs[%d]: name is required", i)
		case seen[j.Name]:
			invalid("jobs[%d]: duplicate name %q", i, j.Name)
		}
		seen[j.Name] = true
		if j.Command == "" {
			invalid("jobs[%d] %q: command is required", i, j.Name)
		}
		if j.Timeout <= 0 {
			invalid("jobs[%d] %q: timeout must be positive", i, j.Name)
		}
	}

	services := map[string]bool{OrchestratorName: true}
	for i, s := range c.Services {
		switch {
		case s.Name == "":
			invalid("services[%d]: name is required", i)
		case services[s.Name]:
			invalid("services[%d]: duplicate or reserved name %q", i, s.Name)
		case strings.ContainsAny(s.Name, `/\`):
			invalid("services[%d]: name %q must not contain path separators", i, s.Name)
		}
		services[s.Name] = true
		if s.Command == "" {
			invalid("services[%d] %q: command is required", i, s.Name)
		}
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		invalid("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}

	if c.Server.Enabled && c.Server.HTTPAddr == "" && c.Server.GRPCAddr == "" {
		invalid("server is enabled but neither http_addr nor grpc_addr is set")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
