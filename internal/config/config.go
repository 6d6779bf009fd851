package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the executor service. There are no ambient
// singletons: the loaded Config is passed to each component at construction.
type Config struct {
	// Server
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	EnableCORS bool   `yaml:"enable_cors"`
	Debug      bool   `yaml:"debug"`

	// Session management
	MaxSessions    int           `yaml:"max_sessions"`
	SessionTimeout time.Duration `yaml:"session_timeout"` // idle expiry enforced by the sweep
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	OutputBufferCap int          `yaml:"output_buffer_cap"` // bytes retained per session

	// Streaming
	ChunkSize         int           `yaml:"chunk_size"` // max bytes per output event
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	QuietPeriod       time.Duration `yaml:"quiet_period"` // silence before heartbeats start

	// Timeout estimation
	TimeoutFloor  time.Duration `yaml:"timeout_floor"` // no estimate may fall below this
	SafetyFactor  float64       `yaml:"safety_factor"`
	StallRatio    float64       `yaml:"stall_ratio"` // stall timeout as fraction of timeout
	LoadThreshold float64       `yaml:"load_threshold"`
	TimingDir     string        `yaml:"timing_dir"`

	// Process control
	GracePeriod     time.Duration `yaml:"grace_period"` // SIGTERM to SIGKILL window
	AllowedCommands []string      `yaml:"allowed_commands"` // empty means unrestricted

	// Metrics
	MetricsEnabled bool `yaml:"metrics_enabled"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Host:              "localhost",
		Port:              8003,
		EnableCORS:        true,
		MaxSessions:       100,
		SessionTimeout:    time.Hour,
		SweepInterval:     30 * time.Second,
		OutputBufferCap:   1 << 20, // 1MB transcript per session
		ChunkSize:         64 * 1024,
		HeartbeatInterval: 20 * time.Second,
		QuietPeriod:       10 * time.Second,
		TimeoutFloor:      90 * time.Second,
		SafetyFactor:      1.2,
		StallRatio:        0.5,
		LoadThreshold:     14.0,
		TimingDir:         defaultTimingDir(),
		GracePeriod:       10 * time.Second,
		MetricsEnabled:    true,
	}
}

func defaultTimingDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cc-executor/timing"
	}
	return filepath.Join(home, ".cc-executor", "timing")
}

// Load reads the config file at path (if it exists), then applies environment
// overrides on top of the defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays CC_EXECUTOR_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("CC_EXECUTOR_HOST"); v != "" {
		c.Host = v
	}
	if v, ok := envInt("CC_EXECUTOR_PORT"); ok {
		c.Port = v
	}
	if v, ok := envInt("CC_EXECUTOR_MAX_SESSIONS"); ok {
		c.MaxSessions = v
	}
	if v, ok := envSeconds("CC_EXECUTOR_SESSION_TIMEOUT"); ok {
		c.SessionTimeout = v
	}
	if v, ok := envSeconds("CC_EXECUTOR_TIMEOUT_FLOOR"); ok {
		c.TimeoutFloor = v
	}
	if v, ok := envSeconds("CC_EXECUTOR_HEARTBEAT_INTERVAL"); ok {
		c.HeartbeatInterval = v
	}
	if v, ok := envFloat("CC_EXECUTOR_STALL_RATIO"); ok {
		c.StallRatio = v
	}
	if v, ok := envInt("CC_EXECUTOR_OUTPUT_BUFFER_CAP"); ok {
		c.OutputBufferCap = v
	}
	if v := os.Getenv("CC_EXECUTOR_TIMING_DIR"); v != "" {
		c.TimingDir = v
	}
	if v := os.Getenv("CC_EXECUTOR_ALLOWED_COMMANDS"); v != "" {
		parts := strings.Split(v, ",")
		c.AllowedCommands = c.AllowedCommands[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				c.AllowedCommands = append(c.AllowedCommands, p)
			}
		}
	}
	if v := os.Getenv("CC_EXECUTOR_DEBUG"); v != "" {
		c.Debug = strings.EqualFold(v, "true") || v == "1"
	}
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("max_sessions must be positive, got %d", c.MaxSessions)
	}
	if c.TimeoutFloor <= 0 {
		return fmt.Errorf("timeout_floor must be positive, got %s", c.TimeoutFloor)
	}
	if c.StallRatio <= 0 || c.StallRatio > 1 {
		return fmt.Errorf("stall_ratio must be in (0, 1], got %g", c.StallRatio)
	}
	if c.SafetyFactor < 1 {
		return fmt.Errorf("safety_factor must be >= 1, got %g", c.SafetyFactor)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive, got %d", c.ChunkSize)
	}
	if c.OutputBufferCap < c.ChunkSize {
		return fmt.Errorf("output_buffer_cap (%d) must be >= chunk_size (%d)", c.OutputBufferCap, c.ChunkSize)
	}
	return nil
}

// CommandAllowed reports whether the command's leading word passes the
// allow-list. An empty list allows everything.
func (c *Config) CommandAllowed(command string) bool {
	if len(c.AllowedCommands) == 0 {
		return true
	}
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return false
	}
	for _, allowed := range c.AllowedCommands {
		if fields[0] == allowed {
			return true
		}
	}
	return false
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func envSeconds(key string) (time.Duration, bool) {
	n, ok := envInt(key)
	if !ok {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}
