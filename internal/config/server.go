package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	commoncfg "github.com/gaspardpetit/mirrx/core/config"
)

// ServerConfig holds configuration for the mirrx server. Precedence is
// defaults < config file < environment < command line flags.
type ServerConfig struct {
	Port           int           `yaml:"port"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	PublicHost     string        `yaml:"public_host"`
	APIKey         string        `yaml:"api_key"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	RedisAddr      string        `yaml:"redis_addr"`
	LogLevel       string        `yaml:"log_level"`
	ConfigFile     string        `yaml:"-"`
	TokenExpiry    time.Duration `yaml:"token_expiry"`
	TokenSweep     time.Duration `yaml:"token_sweep_interval"`
	FrameRate      int           `yaml:"frame_rate"`
	FrameDepth     int           `yaml:"frame_depth"`
	MaxFrameBytes  int           `yaml:"max_frame_bytes"`
	MaxSessions    int           `yaml:"max_sessions"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
}

// SetDefaults initializes c with built-in defaults.
func (c *ServerConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = fmt.Sprintf(":%d", c.Port)
	}
	if c.TokenExpiry == 0 {
		c.TokenExpiry = time.Hour
	}
	if c.TokenSweep == 0 {
		c.TokenSweep = time.Minute
	}
	if c.FrameRate == 0 {
		c.FrameRate = 15
	}
	if c.FrameDepth == 0 {
		c.FrameDepth = 1
	}
	if c.MaxFrameBytes == 0 {
		c.MaxFrameBytes = 8 << 20
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = time.Minute
	}
	if c.ConfigFile == "" {
		c.ConfigFile = commoncfg.DefaultConfigPath("server.yaml")
	}
}

// Normalize clamps values that survived precedence resolution out of range.
// The config file and flags, unlike ApplyEnv, accept any integer, and a zero
// frame rate would otherwise divide the stream pacing interval by zero.
func (c *ServerConfig) Normalize() {
	if c.FrameRate <= 0 {
		c.FrameRate = 15
	}
	if c.FrameDepth <= 0 {
		c.FrameDepth = 1
	}
	if c.MaxFrameBytes < 0 {
		c.MaxFrameBytes = 0
	}
	if c.MaxSessions < 0 {
		c.MaxSessions = 0
	}
	if c.DrainTimeout < 0 {
		c.DrainTimeout = 0
	}
}

// ListenAddr is the main HTTP listen address derived from Port.
func (c *ServerConfig) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *ServerConfig) ApplyEnv() {
	if v := commoncfg.GetEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := commoncfg.GetEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := commoncfg.GetEnv("PORT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := commoncfg.GetEnv("METRICS_PORT", ""); v != "" {
		if strings.Contains(v, ":") {
			c.MetricsAddr = v
		} else {
			c.MetricsAddr = ":" + v
		}
	} else if c.MetricsAddr == "" {
		c.MetricsAddr = fmt.Sprintf(":%d", c.Port)
	}
	if v := commoncfg.GetEnv("PUBLIC_HOST", ""); v != "" {
		c.PublicHost = v
	}
	if v := commoncfg.GetEnv("API_KEY", ""); v != "" {
		c.APIKey = v
	}
	if v := commoncfg.GetEnv("REDIS_ADDR", ""); v != "" {
		c.RedisAddr = v
	}
	if v := commoncfg.GetEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
	if v := commoncfg.GetEnv("TOKEN_EXPIRY", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.TokenExpiry = d
		}
	}
	if v := commoncfg.GetEnv("TOKEN_SWEEP_INTERVAL", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.TokenSweep = d
		}
	}
	if v := commoncfg.GetEnv("FRAME_RATE", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.FrameRate = n
		}
	}
	if v := commoncfg.GetEnv("FRAME_DEPTH", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.FrameDepth = n
		}
	}
	if v := commoncfg.GetEnv("MAX_FRAME_BYTES", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxFrameBytes = n
		}
	}
	if v := commoncfg.GetEnv("MAX_SESSIONS", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.MaxSessions = n
		}
	}
	if v := commoncfg.GetEnv("DRAIN_TIMEOUT", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.DrainTimeout = d
		}
	}
}

// BindFlagsFromCurrent binds command line flags using the current config
// values as defaults. main calls flag.Parse() afterwards.
func (c *ServerConfig) BindFlagsFromCurrent() {
	flag.StringVar(&c.ConfigFile, "config", c.ConfigFile, "server config file path")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	flag.IntVar(&c.Port, "port", c.Port, "HTTP listen port for the public API and websocket")
	flag.StringVar(&c.MetricsAddr, "metrics-port", c.MetricsAddr, "Prometheus metrics listen address or port; defaults to the value of --port")
	flag.StringVar(&c.PublicHost, "public-host", c.PublicHost, "host or IP advertised in connection URLs; autodetected when empty")
	flag.StringVar(&c.APIKey, "api-key", c.APIKey, "API key required for HTTP control endpoints; leave empty to disable auth")
	flag.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL for shared server state")
	flag.DurationVar(&c.TokenExpiry, "token-expiry", c.TokenExpiry, "pairing token sliding expiry window")
	flag.DurationVar(&c.TokenSweep, "token-sweep-interval", c.TokenSweep, "interval between expired token sweeps")
	flag.IntVar(&c.FrameRate, "frame-rate", c.FrameRate, "target frames per second served to viewers")
	flag.IntVar(&c.FrameDepth, "frame-depth", c.FrameDepth, "per-session frame buffer depth; oldest frames are dropped when full")
	flag.IntVar(&c.MaxFrameBytes, "max-frame-bytes", c.MaxFrameBytes, "maximum accepted size of a single screen frame")
	flag.IntVar(&c.MaxSessions, "max-sessions", c.MaxSessions, "maximum concurrent peer sessions; 0 for unlimited")
	flag.DurationVar(&c.DrainTimeout, "drain-timeout", c.DrainTimeout, "grace period for existing sessions on shutdown; 0 terminates immediately")
	flag.Func("allowed-origins", "comma separated list of allowed CORS origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
}

// LoadFile populates the config from a YAML file.
func (c *ServerConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

func splitComma(v string) []string {
	if v == "" {
		return nil
	}
	var parts []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}
