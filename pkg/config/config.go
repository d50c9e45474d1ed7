// Package config provides TOML configuration loading for bomagent.
package config

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config is the top-level configuration structure.
type Config struct {
	Agent      AgentConfig      `toml:"agent"`
	Server     ServerConfig     `toml:"server"`
	Collection CollectionConfig `toml:"collection"`
	Collector  CollectorConfig  `toml:"collector"`
}

// AgentConfig holds settings for the telemetry agent process.
type AgentConfig struct {
	ID                string `toml:"id"`
	HeartbeatInterval string `toml:"heartbeat_interval"`
	LogLevel          string `toml:"log_level"`
	LogFile           string `toml:"log_file"`
}

// ServerConfig describes the collector the agent connects to.
type ServerConfig struct {
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	ConnectTimeout string `toml:"connect_timeout"`
	AckTimeout     string `toml:"ack_timeout"`
	SharedSecret   string `toml:"shared_secret"`
	TLS            bool   `toml:"tls"`
	TLSCAFile      string `toml:"tls_ca_file"`
}

// CollectionConfig controls BOM collection.
type CollectionConfig struct {
	Interval string `toml:"interval"`
	DeepScan bool   `toml:"deep_scan"`
}

// CollectorConfig holds settings for the reference collector server.
type CollectorConfig struct {
	Listen         string `toml:"listen"`
	DBPath         string `toml:"db_path"`
	RPCSocket      string `toml:"rpc_socket"`
	StaleThreshold string `toml:"stale_threshold"`
	IdleTimeout    string `toml:"idle_timeout"`
	MaxConnections int    `toml:"max_connections"`
	SharedSecret   string `toml:"shared_secret"`
	TLSCertFile    string `toml:"tls_cert_file"`
	TLSKeyFile     string `toml:"tls_key_file"`
}

// Address returns the collector address in host:port form.
func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ParseConnectTimeout parses the dial timeout.
func (s *ServerConfig) ParseConnectTimeout() (time.Duration, error) {
	return parseDuration(s.ConnectTimeout, 10*time.Second)
}

// ParseAckTimeout parses how long the agent waits for an acknowledgment.
func (s *ServerConfig) ParseAckTimeout() (time.Duration, error) {
	return parseDuration(s.AckTimeout, 30*time.Second)
}

// ParseHeartbeatInterval parses the heartbeat interval.
func (a *AgentConfig) ParseHeartbeatInterval() (time.Duration, error) {
	return parseDuration(a.HeartbeatInterval, 60*time.Second)
}

// ParseInterval parses the BOM collection interval.
func (c *CollectionConfig) ParseInterval() (time.Duration, error) {
	return parseDuration(c.Interval, 3600*time.Second)
}

// ParseStaleThreshold parses how long an agent may stay silent before it is marked inactive.
func (c *CollectorConfig) ParseStaleThreshold() (time.Duration, error) {
	return parseDuration(c.StaleThreshold, 5*time.Minute)
}

// ParseIdleTimeout parses the per-connection read timeout of the collector.
func (c *CollectorConfig) ParseIdleTimeout() (time.Duration, error) {
	return parseDuration(c.IdleTimeout, 300*time.Second)
}

func parseDuration(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", s)
	}
	return d, nil
}

// Load reads and parses a TOML config file, applying defaults for unset values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(cfg)
	cfg.expandPaths()
	return cfg, nil
}

func (cfg *Config) expandPaths() {
	cfg.Agent.LogFile = ExpandPath(cfg.Agent.LogFile)
	cfg.Server.TLSCAFile = ExpandPath(cfg.Server.TLSCAFile)
	cfg.Collector.DBPath = ExpandPath(cfg.Collector.DBPath)
	cfg.Collector.TLSCertFile = ExpandPath(cfg.Collector.TLSCertFile)
	cfg.Collector.TLSKeyFile = ExpandPath(cfg.Collector.TLSKeyFile)
}

// ExpandPath expands tilde (~) to the user's home directory.
func ExpandPath(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	usr, err := user.Current()
	if err != nil {
		return path
	}
	if path == "~" {
		return usr.HomeDir
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(usr.HomeDir, path[2:])
	}
	return path
}

func applyDefaults(cfg *Config) {

	// Agent defaults
	if cfg.Agent.HeartbeatInterval == "" {
		cfg.Agent.HeartbeatInterval = "60s"
	}
	if cfg.Agent.LogLevel == "" {
		cfg.Agent.LogLevel = "info"
	}

	// Server defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9876
	}
	if cfg.Server.ConnectTimeout == "" {
		cfg.Server.ConnectTimeout = "10s"
	}
	if cfg.Server.AckTimeout == "" {
		cfg.Server.AckTimeout = "30s"
	}

	// Collection defaults
	if cfg.Collection.Interval == "" {
		cfg.Collection.Interval = "3600s"
	}

	// Collector defaults
	if cfg.Collector.Listen == "" {
		cfg.Collector.Listen = "0.0.0.0:9876"
	}
	if cfg.Collector.DBPath == "" {
		cfg.Collector.DBPath = "/var/lib/bomagent/collector.db"
	}
	if cfg.Collector.RPCSocket == "" {
		cfg.Collector.RPCSocket = "/run/bomagent/collector.sock"
	}
	if cfg.Collector.StaleThreshold == "" {
		cfg.Collector.StaleThreshold = "5m"
	}
	if cfg.Collector.IdleTimeout == "" {
		cfg.Collector.IdleTimeout = "300s"
	}
	if cfg.Collector.MaxConnections == 0 {
		cfg.Collector.MaxConnections = 256
	}
}
