// Package agents implements the bomagent agents and command CLIs.
package agents

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"bomagent/internal/rpc"
	"bomagent/internal/store"
	"bomagent/pkg/config"
)

// Run lists the agents known to a running collector. Output is a table on a
// terminal and tab-separated lines otherwise.
func Run(configPath string, activeOnly bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	client, err := rpc.NewClient(cfg.Collector.RPCSocket)
	if err != nil {
		return fmt.Errorf("connecting to collector: %w\nIs 'bomagent collector' running?", err)
	}
	defer client.Close()

	agents, err := client.ListAgents(activeOnly)
	if err != nil {
		return fmt.Errorf("fetching agents: %w", err)
	}

	if !term.IsTerminal(int(os.Stdout.Fd())) {
		writeAgentLines(os.Stdout, agents)
		return nil
	}

	if len(agents) == 0 {
		fmt.Println("No agents have reported to the collector yet.")
		return nil
	}

	fmt.Printf("\n  Agents (%d found)\n\n", len(agents))
	writeAgentTable(os.Stdout, agents, time.Now())
	return nil
}

// QueueCommand queues a command for delivery on the agent's next heartbeat.
func QueueCommand(configPath, agentID, command string, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	client, err := rpc.NewClient(cfg.Collector.RPCSocket)
	if err != nil {
		return fmt.Errorf("connecting to collector: %w\nIs 'bomagent collector' running?", err)
	}
	defer client.Close()

	if err := client.QueueCommand(agentID, command, args); err != nil {
		return fmt.Errorf("queueing command: %w", err)
	}
	fmt.Printf("✓ Command %q queued for %s\n", command, agentID)
	return nil
}

func writeAgentTable(w io.Writer, agents []store.AgentRecord, now time.Time) {
	fmt.Fprintf(w, "  %-4s %-24s %-20s %-10s %-8s %-6s %-10s %-6s\n",
		"#", "Agent ID", "Hostname", "Platform", "Version", "Comps", "Last Seen", "Active")
	fmt.Fprintf(w, "  %s %s %s %s %s %s %s %s\n",
		strings.Repeat("─", 4),
		strings.Repeat("─", 24),
		strings.Repeat("─", 20),
		strings.Repeat("─", 10),
		strings.Repeat("─", 8),
		strings.Repeat("─", 6),
		strings.Repeat("─", 10),
		strings.Repeat("─", 6))

	for i, a := range agents {
		active := "✗"
		if a.Active {
			active = "✓"
		}

		fmt.Fprintf(w, "  %-4d %-24s %-20s %-10s %-8s %-6d %-10s %-6s\n",
			i+1,
			truncate(a.AgentID, 24),
			truncate(a.Hostname, 20),
			truncate(a.Platform, 10),
			truncate(a.AgentVersion, 8),
			a.ComponentCount,
			since(a.LastSeen, now),
			active,
		)
	}
}

func writeAgentLines(w io.Writer, agents []store.AgentRecord) {
	for _, a := range agents {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%t\n",
			a.AgentID,
			a.Hostname,
			a.Platform,
			a.AgentVersion,
			a.ComponentCount,
			a.LastSeen.UTC().Format(time.RFC3339),
			a.Active,
		)
	}
}

// since renders the age of t coarsely, e.g. "42s ago" or "3h ago".
func since(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-1]) + "…"
}
