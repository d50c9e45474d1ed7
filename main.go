// bomagent: BOM telemetry agent and reference collector
//
// Usage:
//
//	bomagent agent      collect BOMs and stream them to a collector
//	bomagent collector  accept agents, acknowledge and store their data
//	bomagent agents     list agents known to a running collector
//	bomagent command    queue a command for an agent's next heartbeat
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"bomagent/cmd/agent"
	"bomagent/cmd/agents"
	"bomagent/cmd/collector"
	internalagent "bomagent/internal/agent"
)

const (
	defaultSystemPath = "/etc/bomagent/config.toml"
	defaultLocalPath  = "config.toml"
)

func main() {
	flagSet := pflag.NewFlagSet("bomagent", pflag.ContinueOnError)
	flagSet.Usage = printUsage
	configPath := flagSet.String("config", "", "path to config file")
	logLevel := flagSet.String("log-level", "", "override the configured log level (debug, info, warn, error)")
	activeOnly := flagSet.Bool("active", false, "list only active agents (agents command)")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		printUsage()
		os.Exit(1)
	}

	args := flagSet.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	// Auto-discover config if not specified
	if *configPath == "" {
		if _, err := os.Stat(defaultLocalPath); err == nil {
			*configPath = defaultLocalPath
		} else {
			*configPath = defaultSystemPath
		}
	}

	subcommand := args[0]
	var err error

	switch subcommand {
	case "agent":
		err = agent.Run(*configPath, *logLevel)
	case "collector":
		err = collector.Run(*configPath, *logLevel)
	case "agents":
		err = agents.Run(*configPath, *activeOnly)
	case "command":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: bomagent command <agent-id> <command> [args...]")
			os.Exit(1)
		}
		err = agents.QueueCommand(*configPath, args[1], args[2], args[3:])
	case "edit":
		err = agent.EditConfig(*configPath)
	case "version":
		fmt.Printf("bomagent v%s\n", internalagent.Version)
		return
	case "help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", subcommand)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`bomagent v%s — BOM Telemetry Agent & Collector

Usage:
  bomagent <command> [--config <path>] [--log-level <level>]

Commands:
  agent      Start the telemetry agent (collects and sends BOM data)
  collector  Start the reference collector server
  agents     List agents known to the running collector
  command    Queue a command for an agent: command <agent-id> <command> [args...]
  edit       Edit the configuration file in your system editor
  version    Print version information
  help       Show this help message

Options:
  --config <path>      Path to config file (default: looks for ./config.toml, then %s)
  --log-level <level>  Override the configured log level
  --active             With 'agents', list only active agents

Examples:
  bomagent agent                        # Start the agent with default config
  bomagent collector --log-level debug  # Run the collector with debug logging
  bomagent agents --active              # Show agents that reported recently
  bomagent command edge-01 rescan       # Deliver 'rescan' on edge-01's next heartbeat

`, internalagent.Version, defaultSystemPath)
}
