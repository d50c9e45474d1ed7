// Package agent implements the bomagent agent CLI entry point.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"bomagent/internal/agent"
	"bomagent/internal/inventory"
	"bomagent/internal/sysinfo"
	"bomagent/internal/transport"
	"bomagent/pkg/config"
	"bomagent/pkg/logger"
)

// Run starts the telemetry agent and blocks until it is interrupted. A
// non-empty logLevel overrides the configured level.
func Run(configPath, logLevel string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if logLevel != "" {
		cfg.Agent.LogLevel = logLevel
	}

	log := logger.Init(logger.Options{Level: cfg.Agent.LogLevel, File: cfg.Agent.LogFile})

	collectionInterval, err := cfg.Collection.ParseInterval()
	if err != nil {
		return fmt.Errorf("parsing collection interval: %w", err)
	}
	heartbeatInterval, err := cfg.Agent.ParseHeartbeatInterval()
	if err != nil {
		return fmt.Errorf("parsing heartbeat interval: %w", err)
	}
	connectTimeout, err := cfg.Server.ParseConnectTimeout()
	if err != nil {
		return fmt.Errorf("parsing connect timeout: %w", err)
	}
	ackTimeout, err := cfg.Server.ParseAckTimeout()
	if err != nil {
		return fmt.Errorf("parsing ack timeout: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector, err := inventory.New(cfg.Agent.ID, agent.Version, log)
	if err != nil {
		return fmt.Errorf("creating collector: %w", err)
	}

	host, err := sysinfo.Collect(ctx)
	if err != nil {
		return fmt.Errorf("collecting system info: %w", err)
	}

	opts := transport.Options{
		Address:        cfg.Server.Address(),
		ConnectTimeout: connectTimeout,
		AckTimeout:     ackTimeout,
		SharedSecret:   cfg.Server.SharedSecret,
		AgentVersion:   agent.Version,
		Hostname:       host.Hostname,
		Platform:       host.Platform,
	}
	if cfg.Server.TLS {
		opts.TLS, err = transport.LoadTLSConfig(cfg.Server.Host, cfg.Server.TLSCAFile)
		if err != nil {
			return fmt.Errorf("loading TLS config: %w", err)
		}
	}
	client := transport.New(collector.AgentID(), opts, log)

	log.Info().
		Str("agent_id", collector.AgentID()).
		Str("server", opts.Address).
		Bool("tls", opts.TLS != nil).
		Str("version", agent.Version).
		Msg("Starting bomagent")

	a := agent.New(agent.Config{
		CollectionInterval: collectionInterval,
		HeartbeatInterval:  heartbeatInterval,
		DeepScan:           cfg.Collection.DeepScan,
	}, client, collector, log)

	if err := a.Start(ctx); err != nil {
		if errors.Is(err, agent.ErrInitialConnect) {
			return fmt.Errorf("%w at %s", err, opts.Address)
		}
		return err
	}

	log.Info().Msg("Agent stopped")
	return nil
}
