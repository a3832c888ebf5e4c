// Package config loads the lab console configuration.
//
// Values are layered: DefaultConfig, then the YAML file, then environment
// variables prefixed with LIVETEST_ (LIVETEST_IPERF_READY_TIMEOUT sets
// iperf.ready_timeout).
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/bgplab/livetest/pkg/livetest/spec"
)

// Config is the console configuration.
type Config struct {
	Agent    AgentConfig    `koanf:"agent"`
	Topology TopologyConfig `koanf:"topology"`
	// Hosts maps managed host names to agent endpoints. Entries without a
	// scheme use Agent.Scheme.
	Hosts map[string]string `koanf:"hosts"`
	// HostsCacheTTL is how long topology host lookups are cached.
	HostsCacheTTL time.Duration `koanf:"hosts_cache_ttl"`
	Iperf         IperfConfig   `koanf:"iperf"`
	History       HistoryConfig `koanf:"history"`
	Log           LogConfig     `koanf:"log"`
	Metrics       MetricsConfig `koanf:"metrics"`
}

// AgentConfig holds agent connection settings.
type AgentConfig struct {
	// Scheme is "ws" or "wss".
	Scheme string `koanf:"scheme"`
}

// TopologyConfig locates the topology service. An empty URL disables it.
type TopologyConfig struct {
	URL     string        `koanf:"url"`
	Timeout time.Duration `koanf:"timeout"`
}

// IperfConfig tunes the iperf server readiness wait.
type IperfConfig struct {
	ReadyTimeout time.Duration `koanf:"ready_timeout"`
	PollInterval time.Duration `koanf:"poll_interval"`
}

// HistoryConfig bounds the finished-session history.
type HistoryConfig struct {
	Size int `koanf:"size"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `koanf:"level"`
}

// MetricsConfig holds the Prometheus listener address. An empty Addr
// disables the listener.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// DefaultConfig returns the configuration used when nothing overrides it.
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Scheme: "ws",
		},
		Topology: TopologyConfig{
			Timeout: 10 * time.Second,
		},
		HostsCacheTTL: time.Minute,
		Iperf: IperfConfig{
			ReadyTimeout: spec.IperfReadyTimeout,
			PollInterval: spec.IperfReadyPollInterval,
		},
		History: HistoryConfig{
			Size: spec.HistorySize,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

const envPrefix = "LIVETEST_"

// Load reads the configuration. An empty path skips the file layer.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k, DefaultConfig()); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// envKeyMapper maps LIVETEST_IPERF_READY_TIMEOUT to iperf.ready_timeout.
// Only the first underscore separates sections, so keys keep theirs.
func envKeyMapper(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	if s == "hosts_cache_ttl" {
		return s
	}
	return strings.Replace(s, "_", ".", 1)
}

func loadDefaults(k *koanf.Koanf, d *Config) error {
	defaults := map[string]any{
		"agent.scheme":        d.Agent.Scheme,
		"topology.url":        d.Topology.URL,
		"topology.timeout":    d.Topology.Timeout.String(),
		"hosts_cache_ttl":     d.HostsCacheTTL.String(),
		"iperf.ready_timeout": d.Iperf.ReadyTimeout.String(),
		"iperf.poll_interval": d.Iperf.PollInterval.String(),
		"history.size":        d.History.Size,
		"log.level":           d.Log.Level,
		"metrics.addr":        d.Metrics.Addr,
	}
	for key, val := range defaults {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}
	return nil
}

var (
	ErrInvalidScheme       = errors.New("agent.scheme must be ws or wss")
	ErrInvalidTopologyURL  = errors.New("topology.url must be an http or https URL")
	ErrInvalidReadyTimeout = errors.New("iperf.ready_timeout must be > 0")
	ErrInvalidPollInterval = errors.New("iperf.poll_interval must be > 0 and <= iperf.ready_timeout")
	ErrInvalidHistorySize  = errors.New("history.size must be >= 1")
	ErrInvalidLogLevel     = errors.New("log.level must be debug, info, warn or error")
	ErrNoHosts             = errors.New("no hosts and no topology.url configured")
)

// Validate checks cfg for values the console cannot run with.
func Validate(cfg *Config) error {
	if cfg.Agent.Scheme != "ws" && cfg.Agent.Scheme != "wss" {
		return fmt.Errorf("%q: %w", cfg.Agent.Scheme, ErrInvalidScheme)
	}
	if cfg.Topology.URL != "" {
		u, err := url.Parse(cfg.Topology.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%q: %w", cfg.Topology.URL, ErrInvalidTopologyURL)
		}
	}
	if len(cfg.Hosts) == 0 && cfg.Topology.URL == "" {
		return ErrNoHosts
	}
	if cfg.Iperf.ReadyTimeout <= 0 {
		return ErrInvalidReadyTimeout
	}
	if cfg.Iperf.PollInterval <= 0 || cfg.Iperf.PollInterval > cfg.Iperf.ReadyTimeout {
		return ErrInvalidPollInterval
	}
	if cfg.History.Size < 1 {
		return ErrInvalidHistorySize
	}
	if _, err := ParseLogLevel(cfg.Log.Level); err != nil {
		return err
	}
	return nil
}

// Endpoints returns the configured host endpoints with Agent.Scheme applied
// to entries that have none.
func (c *Config) Endpoints() map[string]string {
	out := make(map[string]string, len(c.Hosts))
	for name, raw := range c.Hosts {
		if !strings.Contains(raw, "://") {
			raw = c.Agent.Scheme + "://" + raw
		}
		out[name] = raw
	}
	return out
}

// ParseLogLevel maps a configured level to a log.Level.
func ParseLogLevel(level string) (log.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return log.DebugLevel, nil
	case "info":
		return log.InfoLevel, nil
	case "warn":
		return log.WarnLevel, nil
	case "error":
		return log.ErrorLevel, nil
	}
	return log.InfoLevel, fmt.Errorf("%q: %w", level, ErrInvalidLogLevel)
}
