// Package transport carries protocol messages between an agent and its
// collector over a single TCP connection.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"bomagent/internal/auth"
	"bomagent/internal/protocol"
)

// ErrNegativeAck means the collector answered with success=false.
var ErrNegativeAck = errors.New("collector rejected message")

// errNotSent marks a message that failed before any byte was written.
var errNotSent = errors.New("message not sent")

// Options configures a Client.
type Options struct {
	Address        string
	ConnectTimeout time.Duration
	AckTimeout     time.Duration
	SharedSecret   string
	TLS            *tls.Config

	// Reported in the authentication message.
	AgentVersion string
	Hostname     string
	Platform     string
}

// Client is a connection to one collector. Every exchange holds mu, so
// connect, send and disconnect never interleave on the wire.
type Client struct {
	opts    Options
	agentID string
	log     zerolog.Logger

	mu        sync.Mutex
	conn      net.Conn
	dec       *protocol.Decoder
	connected atomic.Bool
}

// New returns an unconnected Client for agentID.
func New(agentID string, opts Options, log zerolog.Logger) *Client {
	return &Client{
		opts:    opts,
		agentID: agentID,
		log:     log.With().Str("component", "transport").Str("server", opts.Address).Logger(),
	}
}

// LoadTLSConfig builds a client TLS config. An empty caFile uses the
// system roots.
func LoadTLSConfig(serverName, caFile string) (*tls.Config, error) {
	cfg := &tls.Config{ServerName: serverName, MinVersion: tls.VersionTLS12}
	if caFile == "" {
		return cfg, nil
	}
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("reading CA file %s: %w", caFile, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", caFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

// Connected reports whether the last handshake succeeded and no I/O has
// failed since.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Connect dials the collector once and performs the authentication
// handshake. Any existing connection is closed first.
func (c *Client) Connect(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closeLocked()

	conn, err := c.dial(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("Connect failed")
		return false
	}
	c.conn = conn
	c.dec = protocol.NewDecoder(conn)

	if err := c.authenticateLocked(ctx); err != nil {
		c.log.Warn().Err(err).Str("message_type", string(protocol.TypeAuthentication)).Msg("Handshake failed")
		c.closeLocked()
		return false
	}

	c.connected.Store(true)
	c.log.Info().Str("agent_id", c.agentID).Msg("Connected to collector")
	return true
}

// Disconnect closes the connection. Safe to call when not connected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.log.Info().Msg("Disconnected from collector")
	}
	c.closeLocked()
}

// SendBOMData sends a bom_data message and reports whether the collector
// acknowledged it successfully.
func (c *Client) SendBOMData(ctx context.Context, bom map[string]any) bool {
	return c.send(ctx, protocol.NewMessage(protocol.TypeBOMData, c.agentID, bom))
}

// SendHeartbeat sends a heartbeat built from status and reports whether it
// was answered.
func (c *Client) SendHeartbeat(ctx context.Context, status map[string]any) bool {
	return c.send(ctx, protocol.NewHeartbeat(c.agentID, status))
}

// SendError reports an agent-side failure. No reply is awaited and a failed
// write only tears down the connection.
func (c *Client) SendError(ctx context.Context, code, message string, details map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected.Load() {
		c.log.Debug().Str("error_code", code).Msg("Not connected, error report dropped")
		return
	}

	msg := protocol.NewErrorMessage(c.agentID, code, message, details)
	err := c.withDeadline(ctx, c.opts.AckTimeout, func() error {
		return protocol.WriteFrame(c.conn, msg)
	})
	if err != nil {
		c.failLocked(err, msg.Type)
	}
}

func (c *Client) send(ctx context.Context, msg *protocol.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected.Load() {
		c.log.Debug().Str("message_type", string(msg.Type)).Msg("Not connected, message dropped")
		return false
	}

	err := c.exchangeLocked(ctx, msg)
	switch {
	case err == nil:
		return true
	case errors.Is(err, errNotSent), errors.Is(err, ErrNegativeAck):
		// Nothing was written or the stream is still in sync.
		c.log.Warn().Err(err).Str("message_type", string(msg.Type)).Msg("Message not accepted")
		return false
	default:
		c.failLocked(err, msg.Type)
		return false
	}
}

// exchangeLocked writes msg and waits for its acknowledgment.
func (c *Client) exchangeLocked(ctx context.Context, msg *protocol.Message) error {
	frame, err := protocol.EncodeFrame(msg)
	if err != nil {
		return fmt.Errorf("%w: %w", errNotSent, err)
	}

	var ack protocol.Ack
	err = c.withDeadline(ctx, c.opts.AckTimeout, func() error {
		if _, err := c.conn.Write(frame); err != nil {
			return fmt.Errorf("writing %s frame: %w", msg.Type, err)
		}
		var err error
		ack, err = c.awaitAckLocked(msg.Type)
		return err
	})
	if err != nil {
		return err
	}
	if !ack.Success {
		return fmt.Errorf("%w: %s", ErrNegativeAck, ack.Message)
	}
	return nil
}

// awaitAckLocked reads until the acknowledgment for want arrives. A command
// received while waiting on a heartbeat is the heartbeat's answer.
func (c *Client) awaitAckLocked(want protocol.MessageType) (protocol.Ack, error) {
	for {
		msg, err := c.dec.Next()
		if err != nil {
			return protocol.Ack{}, fmt.Errorf("awaiting %s acknowledgment: %w", want, err)
		}

		switch msg.Type {
		case protocol.TypeAcknowledgment:
			ack, err := protocol.AckOf(msg)
			if err != nil {
				return protocol.Ack{}, err
			}
			if ack.OriginalMessageType == want {
				return ack, nil
			}
			c.log.Debug().
				Str("message_type", string(ack.OriginalMessageType)).
				Msg("Skipping acknowledgment for another message")

		case protocol.TypeCommand:
			if err := c.rejectCommandLocked(msg); err != nil {
				return protocol.Ack{}, err
			}
			if want == protocol.TypeHeartbeat {
				return protocol.Ack{Success: true, Message: "command received", OriginalMessageType: want}, nil
			}

		default:
			c.log.Debug().Str("message_type", string(msg.Type)).Msg("Ignoring unexpected message")
		}
	}
}

// rejectCommandLocked answers a collector command; the agent executes none.
func (c *Client) rejectCommandLocked(cmd *protocol.Message) error {
	name, _ := cmd.Data["command"].(string)
	c.log.Info().Str("command", name).Msg("Received command from collector")
	return protocol.WriteFrame(c.conn, protocol.NewAck(cmd, false, "unsupported command"))
}

func (c *Client) authenticateLocked(ctx context.Context) error {
	data := map[string]any{
		"metadata": map[string]any{
			"agent_version": c.opts.AgentVersion,
			"hostname":      c.opts.Hostname,
			"platform":      c.opts.Platform,
		},
	}
	if c.opts.SharedSecret != "" {
		issuedAt := protocol.FormatTimestamp(time.Now())
		data["issued_at"] = issuedAt
		data["token"] = auth.Sign(c.opts.SharedSecret, c.agentID, issuedAt)
	}

	err := c.exchangeLocked(ctx, protocol.NewMessage(protocol.TypeAuthentication, c.agentID, data))
	if err != nil {
		return fmt.Errorf("authenticating: %w", err)
	}
	return nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: c.opts.ConnectTimeout}
	if c.opts.TLS != nil {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: c.opts.TLS}
		conn, err := tlsDialer.DialContext(ctx, "tcp", c.opts.Address)
		if err != nil {
			return nil, fmt.Errorf("dialing %s (tls): %w", c.opts.Address, err)
		}
		return conn, nil
	}
	conn, err := dialer.DialContext(ctx, "tcp", c.opts.Address)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", c.opts.Address, err)
	}
	return conn, nil
}

// withDeadline bounds fn by timeout and unblocks it when ctx is canceled.
func (c *Client) withDeadline(ctx context.Context, timeout time.Duration, fn func() error) error {
	conn := c.conn
	if timeout > 0 {
		conn.SetDeadline(time.Now().Add(timeout))
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	err := fn()
	if !stop() && err != nil {
		err = errors.Join(ctx.Err(), err)
	}
	conn.SetDeadline(time.Time{})
	return err
}

// failLocked drops the connection after an I/O or codec failure. The
// stream can no longer be trusted, so the next exchange needs a reconnect.
func (c *Client) failLocked(err error, t protocol.MessageType) {
	c.log.Error().Err(err).Str("message_type", string(t)).Msg("Connection failed")
	c.closeLocked()
}

func (c *Client) closeLocked() {
	c.connected.Store(false)
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.dec = nil
	}
}
