// Package collector implements the bomagent collector CLI entry point.
package collector

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"bomagent/internal/rpc"
	"bomagent/internal/server"
	"bomagent/internal/store"
	"bomagent/pkg/config"
	"bomagent/pkg/logger"
)

const expiryCheckInterval = time.Minute

// Run starts the reference collector (agent listener + RPC + expiry) and
// blocks until it is interrupted.
func Run(configPath, logLevel string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if logLevel != "" {
		cfg.Agent.LogLevel = logLevel
	}

	log := logger.Init(logger.Options{Level: cfg.Agent.LogLevel, File: cfg.Agent.LogFile})

	if cfg.Collector.SharedSecret == "" {
		log.Warn().Msg("No shared_secret configured, agents are accepted without authentication")
	}

	staleThreshold, err := cfg.Collector.ParseStaleThreshold()
	if err != nil {
		return fmt.Errorf("parsing stale threshold: %w", err)
	}
	idleTimeout, err := cfg.Collector.ParseIdleTimeout()
	if err != nil {
		return fmt.Errorf("parsing idle timeout: %w", err)
	}

	// Ensure database directory exists
	dbDir := filepath.Dir(cfg.Collector.DBPath)
	if err := os.MkdirAll(dbDir, 0700); err != nil {
		return fmt.Errorf("creating database directory %s: %w", dbDir, err)
	}

	// Ensure RPC socket directory exists
	sockDir := filepath.Dir(cfg.Collector.RPCSocket)
	if err := os.MkdirAll(sockDir, 0700); err != nil {
		return fmt.Errorf("creating socket directory %s: %w", sockDir, err)
	}

	db, err := store.New(cfg.Collector.DBPath, log)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db.RunExpiry(ctx, expiryCheckInterval, staleThreshold)

	if err := rpc.StartServer(ctx, cfg.Collector.RPCSocket, db, log); err != nil {
		return fmt.Errorf("starting RPC server: %w", err)
	}

	opts := server.Options{
		Listen:         cfg.Collector.Listen,
		SharedSecret:   cfg.Collector.SharedSecret,
		IdleTimeout:    idleTimeout,
		MaxConnections: cfg.Collector.MaxConnections,
	}
	if cfg.Collector.TLSCertFile != "" || cfg.Collector.TLSKeyFile != "" {
		opts.TLS, err = server.LoadTLSConfig(cfg.Collector.TLSCertFile, cfg.Collector.TLSKeyFile)
		if err != nil {
			return fmt.Errorf("loading TLS config: %w", err)
		}
	}

	log.Info().
		Str("db_path", cfg.Collector.DBPath).
		Str("rpc_socket", cfg.Collector.RPCSocket).
		Dur("stale_threshold", staleThreshold).
		Msg("Starting collector")

	srv := server.New(opts, db, log)
	if err := srv.Serve(ctx); err != nil {
		return fmt.Errorf("collector server: %w", err)
	}

	log.Info().Msg("Collector stopped")
	return nil
}
