package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_ValidConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.toml")

	content := `
[agent]
  id                 = "agent-42"
  heartbeat_interval = "15s"
  log_level          = "debug"

[server]
  host          = "collector.example.net"
  port          = 7000
  ack_timeout   = "5s"
  shared_secret = "my-secret"

[collection]
  interval  = "10m"
  deep_scan = true

[collector]
  listen          = "127.0.0.1:7000"
  db_path         = "/tmp/test.db"
  rpc_socket      = "/tmp/test.sock"
  max_connections = 8
`
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Agent.ID != "agent-42" {
		t.Errorf("Agent.ID: got %s, want agent-42", cfg.Agent.ID)
	}
	if cfg.Agent.LogLevel != "debug" {
		t.Errorf("Agent.LogLevel: got %s, want debug", cfg.Agent.LogLevel)
	}
	if got := cfg.Server.Address(); got != "collector.example.net:7000" {
		t.Errorf("Server.Address: got %s, want collector.example.net:7000", got)
	}
	if cfg.Server.SharedSecret != "my-secret" {
		t.Errorf("Server.SharedSecret: got %s, want my-secret", cfg.Server.SharedSecret)
	}
	if !cfg.Collection.DeepScan {
		t.Error("Collection.DeepScan: got false, want true")
	}
	if cfg.Collector.MaxConnections != 8 {
		t.Errorf("Collector.MaxConnections: got %d, want 8", cfg.Collector.MaxConnections)
	}

	interval, err := cfg.Collection.ParseInterval()
	if err != nil {
		t.Fatalf("parse interval: %v", err)
	}
	if interval != 10*time.Minute {
		t.Errorf("Collection interval: got %v, want 10m", interval)
	}
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.toml")

	// Minimal config, all defaults should apply
	content := `
[server]
  host = "10.0.0.5"
`
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Server.Port != 9876 {
		t.Errorf("default Port: got %d, want 9876", cfg.Server.Port)
	}
	if cfg.Agent.LogLevel != "info" {
		t.Errorf("default LogLevel: got %s, want info", cfg.Agent.LogLevel)
	}
	if cfg.Collection.DeepScan {
		t.Error("default DeepScan: got true, want false")
	}

	heartbeat, err := cfg.Agent.ParseHeartbeatInterval()
	if err != nil {
		t.Fatalf("parse heartbeat: %v", err)
	}
	if heartbeat != 60*time.Second {
		t.Errorf("default heartbeat: got %v, want 60s", heartbeat)
	}

	interval, err := cfg.Collection.ParseInterval()
	if err != nil {
		t.Fatalf("parse interval: %v", err)
	}
	if interval != 3600*time.Second {
		t.Errorf("default collection interval: got %v, want 3600s", interval)
	}

	stale, err := cfg.Collector.ParseStaleThreshold()
	if err != nil {
		t.Fatalf("parse stale threshold: %v", err)
	}
	if stale != 5*time.Minute {
		t.Errorf("default stale threshold: got %v, want 5m", stale)
	}
}

func TestLoad_NonexistentFile(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoad_InvalidTOML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.toml")

	if err := os.WriteFile(cfgPath, []byte("invalid [[[ toml"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, err := Load(cfgPath)
	if err == nil {
		t.Error("expected error for invalid TOML")
	}
}

func TestParseAckTimeout_Default(t *testing.T) {
	cfg := &ServerConfig{}
	d, err := cfg.ParseAckTimeout()
	if err != nil {
		t.Fatalf("parse ack timeout: %v", err)
	}
	if d != 30*time.Second {
		t.Errorf("Default ack timeout: got %v, want 30s", d)
	}
}

func TestParseDuration_Rejects(t *testing.T) {
	cfg := &AgentConfig{HeartbeatInterval: "soon"}
	if _, err := cfg.ParseHeartbeatInterval(); err == nil {
		t.Error("expected error for unparsable duration")
	}

	cfg = &AgentConfig{HeartbeatInterval: "-5s"}
	if _, err := cfg.ParseHeartbeatInterval(); err == nil {
		t.Error("expected error for negative duration")
	}
}

func TestExpandPath(t *testing.T) {
	if got := ExpandPath("/var/lib/x.db"); got != "/var/lib/x.db" {
		t.Errorf("absolute path changed: got %s", got)
	}
	got := ExpandPath("~/x.db")
	if got == "~/x.db" {
		t.Skip("no home directory available")
	}
	if filepath.Base(got) != "x.db" || !filepath.IsAbs(got) {
		t.Errorf("ExpandPath: got %s, want absolute path ending in x.db", got)
	}
}
