package agent

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

const defaultConfigTemplate = `[agent]
  id                 = ""
  heartbeat_interval = "60s"
  log_level          = "info"
  log_file           = ""

[server]
  host            = "127.0.0.1"
  port            = 9876
  connect_timeout = "10s"
  ack_timeout     = "30s"
  shared_secret   = ""
  tls             = false
  tls_ca_file     = ""

[collection]
  interval  = "3600s"
  deep_scan = false

[collector]
  listen          = "0.0.0.0:9876"
  db_path         = "/var/lib/bomagent/collector.db"
  rpc_socket      = "/run/bomagent/collector.sock"
  stale_threshold = "5m"
  idle_timeout    = "300s"
  max_connections = 256
  shared_secret   = ""
  tls_cert_file   = ""
  tls_key_file    = ""
`

// EditConfig opens the configuration file in the system editor.
// If the file does not exist, it creates it with default values.
func EditConfig(path string) error {
	if err := writeDefaultConfig(path); err != nil {
		return err
	}

	editor := findEditor()
	if editor == "" {
		return fmt.Errorf("no editor found ($EDITOR environment variable not set, and vi/nano/vim not in PATH)")
	}

	cmd := exec.Command(editor, path)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	return cmd.Run()
}

// writeDefaultConfig creates path with the default template unless it exists.
func writeDefaultConfig(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Printf("Creating new config file at %s...\n", path)
		if err := os.WriteFile(path, []byte(defaultConfigTemplate), 0600); err != nil {
			return fmt.Errorf("writing default config: %w", err)
		}
	}
	return nil
}

func findEditor() string {
	if editor := os.Getenv("EDITOR"); editor != "" {
		return editor
	}
	for _, e := range []string{"vi", "nano", "vim"} {
		if _, err := exec.LookPath(e); err == nil {
			return e
		}
	}
	return ""
}
