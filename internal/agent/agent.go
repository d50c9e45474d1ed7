// Package agent runs the telemetry agent: periodic BOM collection,
// heartbeats and reconnection against a single collector connection.
package agent

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"bomagent/internal/protocol"
)

// Version is the agent version reported to the collector.
const Version = "1.0.0"

// ErrInitialConnect is returned by Start when the first connection attempt fails.
var ErrInitialConnect = errors.New("initial connection to collector failed")

// Transport is the connection to the collector. Implementations serialize
// their own calls.
type Transport interface {
	Connect(ctx context.Context) bool
	Disconnect()
	Connected() bool
	SendBOMData(ctx context.Context, bom map[string]any) bool
	SendHeartbeat(ctx context.Context, status map[string]any) bool
	SendError(ctx context.Context, code, message string, details map[string]any)
}

// Collector produces BOM payloads and host status.
type Collector interface {
	AgentID() string
	CollectBOM(ctx context.Context, deep bool) (map[string]any, error)
	SystemInfo(ctx context.Context) (map[string]any, error)
}

// Config holds the agent's schedule.
type Config struct {
	CollectionInterval time.Duration
	HeartbeatInterval  time.Duration
	DeepScan           bool
}

// timings are the fixed delays of the three loops.
type timings struct {
	warmup            time.Duration
	reconnectPoll     time.Duration
	collectionBackoff time.Duration
	heartbeatBackoff  time.Duration
	reconnectBackoff  time.Duration
}

var defaultTimings = timings{
	warmup:            10 * time.Second,
	reconnectPoll:     5 * time.Second,
	collectionBackoff: 60 * time.Second,
	heartbeatBackoff:  30 * time.Second,
	reconnectBackoff:  60 * time.Second,
}

// Agent drives the collection, heartbeat and reconnection loops.
type Agent struct {
	cfg       Config
	transport Transport
	collector Collector
	log       zerolog.Logger
	timings   timings

	running     atomic.Bool
	uptimeStart time.Time

	mu             sync.Mutex
	lastCollection time.Time
	cancel         context.CancelFunc
	stopped        bool
	stopOnce       sync.Once
}

// New returns a stopped Agent.
func New(cfg Config, transport Transport, collector Collector, log zerolog.Logger) *Agent {
	return &Agent{
		cfg:       cfg,
		transport: transport,
		collector: collector,
		log:       log.With().Str("component", "agent").Str("agent_id", collector.AgentID()).Logger(),
		timings:   defaultTimings,
	}
}

// Running reports whether the loops are active.
func (a *Agent) Running() bool {
	return a.running.Load()
}

// LastCollection returns the time of the last acknowledged BOM upload.
func (a *Agent) LastCollection() (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastCollection, !a.lastCollection.IsZero()
}

// Start connects once and runs the loops until ctx is canceled or Stop is
// called. It returns ErrInitialConnect without starting anything when the
// first connection fails, and nil without starting anything when Stop
// arrives first.
func (a *Agent) Start(ctx context.Context) error {
	a.log.Info().
		Dur("collection_interval", a.cfg.CollectionInterval).
		Dur("heartbeat_interval", a.cfg.HeartbeatInterval).
		Bool("deep_scan", a.cfg.DeepScan).
		Msg("Starting agent")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.cancel = cancel
	a.mu.Unlock()

	connected := a.transport.Connect(ctx)

	a.mu.Lock()
	stopped := a.stopped
	if connected && !stopped {
		a.uptimeStart = time.Now().UTC()
		a.running.Store(true)
	}
	a.mu.Unlock()

	if stopped {
		a.transport.Disconnect()
		return nil
	}
	if !connected {
		a.log.Error().Msg("Failed to connect to collector")
		return ErrInitialConnect
	}

	a.triggerCollection(ctx, "initial connect")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.collectionLoop(gctx)
		return nil
	})
	g.Go(func() error {
		a.heartbeatLoop(gctx)
		return nil
	})
	g.Go(func() error {
		a.reconnectionLoop(gctx)
		return nil
	})
	g.Wait()

	a.Stop()
	return nil
}

// Stop ends the loops on their next check and disconnects. Only the first
// call has any effect. A Stop that lands while Start is still connecting
// makes Start return without running the loops.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() {
		a.log.Info().Msg("Stopping agent")

		a.mu.Lock()
		a.running.Store(false)
		a.stopped = true
		if a.cancel != nil {
			a.cancel()
		}
		a.mu.Unlock()

		a.transport.Disconnect()
	})
}

func (a *Agent) active(ctx context.Context) bool {
	return a.running.Load() && ctx.Err() == nil
}

func (a *Agent) collectionLoop(ctx context.Context) {
	sleep(ctx, a.timings.warmup)

	for a.active(ctx) {
		err := guard(func() error {
			if a.transport.Connected() {
				a.collectAndSend(ctx)
			}
			return nil
		})
		if err != nil {
			a.log.Error().Err(err).Msg("Error in collection loop")
			sleep(ctx, a.timings.collectionBackoff)
			continue
		}
		sleep(ctx, a.cfg.CollectionInterval)
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	for a.active(ctx) {
		err := guard(func() error {
			if !a.transport.Connected() {
				return nil
			}
			status, err := a.status(ctx)
			if err != nil {
				return err
			}
			if !a.transport.SendHeartbeat(ctx, status) {
				a.log.Warn().Str("message_type", string(protocol.TypeHeartbeat)).Msg("Heartbeat not acknowledged")
			}
			return nil
		})
		if err != nil {
			a.log.Error().Err(err).Msg("Error in heartbeat loop")
			sleep(ctx, a.timings.heartbeatBackoff)
			continue
		}
		sleep(ctx, a.cfg.HeartbeatInterval)
	}
}

func (a *Agent) reconnectionLoop(ctx context.Context) {
	for a.active(ctx) {
		err := guard(func() error {
			if a.transport.Connected() {
				return nil
			}
			a.log.Info().Msg("Connection lost, attempting to reconnect")
			if a.transport.Connect(ctx) {
				a.log.Info().Msg("Reconnected to collector")
				a.triggerCollection(ctx, "reconnect")
			}
			return nil
		})
		if err != nil {
			a.log.Error().Err(err).Msg("Error in reconnection loop")
			sleep(ctx, a.timings.reconnectBackoff)
			continue
		}
		sleep(ctx, a.timings.reconnectPoll)
	}
}

// triggerCollection starts an unsupervised collection cycle. Its outcome
// is only visible in the logs.
func (a *Agent) triggerCollection(ctx context.Context, reason string) {
	a.log.Info().Str("reason", reason).Msg("Triggering immediate BOM collection")
	go func() {
		if err := guard(func() error {
			a.collectAndSend(ctx)
			return nil
		}); err != nil {
			a.log.Error().Err(err).Str("reason", reason).Msg("Immediate collection failed")
		}
	}()
}

// collectAndSend runs one collection and upload. Failures are logged and
// never retried within the same cycle.
func (a *Agent) collectAndSend(ctx context.Context) {
	a.log.Info().Msg("Starting BOM collection")

	var bom map[string]any
	err := guard(func() error {
		var err error
		bom, err = a.collector.CollectBOM(ctx, a.cfg.DeepScan)
		return err
	})
	if err != nil {
		a.log.Error().Err(err).Msg("BOM collection failed")
		a.transport.SendError(ctx, "COLLECTION_ERROR", err.Error(), map[string]any{"phase": "collection"})
		return
	}

	if !a.transport.SendBOMData(ctx, bom) {
		a.log.Error().Str("message_type", string(protocol.TypeBOMData)).Msg("Failed to send BOM data")
		return
	}

	a.mu.Lock()
	a.lastCollection = time.Now().UTC()
	a.mu.Unlock()

	a.log.Info().Int("components", componentCount(bom)).Msg("BOM data sent")
}

func (a *Agent) status(ctx context.Context) (map[string]any, error) {
	sys, err := a.collector.SystemInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("collecting system info: %w", err)
	}

	var last any
	if t, ok := a.LastCollection(); ok {
		last = protocol.FormatTimestamp(t)
	}

	return map[string]any{
		"uptime":          int(time.Since(a.uptimeStart).Seconds()),
		"last_collection": last,
		"system_info":     sys,
		"config": map[string]any{
			"collection_interval": int(a.cfg.CollectionInterval.Seconds()),
			"heartbeat_interval":  int(a.cfg.HeartbeatInterval.Seconds()),
			"deep_scan":           a.cfg.DeepScan,
		},
	}, nil
}

// guard runs fn, converting a panic into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func componentCount(bom map[string]any) int {
	v := reflect.ValueOf(bom["components"])
	if v.Kind() == reflect.Slice {
		return v.Len()
	}
	return 0
}
