// Package server implements the collector side of the telemetry protocol:
// it accepts agent connections, validates and acknowledges their messages,
// and records them in the store.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/netutil"

	"bomagent/internal/auth"
	"bomagent/internal/protocol"
	"bomagent/internal/store"
)

// Options configures a Server.
type Options struct {
	Listen         string
	SharedSecret   string
	IdleTimeout    time.Duration
	MaxConnections int
	TLS            *tls.Config
}

// Server accepts agent connections.
type Server struct {
	opts  Options
	store *store.Store
	log   zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// session is the per-connection authentication state.
type session struct {
	remote        string
	agentID       string
	authenticated bool
}

// New returns a Server recording into db.
func New(opts Options, db *store.Store, log zerolog.Logger) *Server {
	return &Server{
		opts:  opts,
		store: db,
		log:   log.With().Str("component", "server").Logger(),
		conns: make(map[net.Conn]struct{}),
	}
}

// LoadTLSConfig loads a server certificate and key.
func LoadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("loading key pair %s: %w", certFile, err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

// Listen binds the listening socket.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.opts.Listen, err)
	}
	if s.opts.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.opts.MaxConnections)
	}
	if s.opts.TLS != nil {
		ln = tls.NewListener(ln, s.opts.TLS)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until ctx is done, then closes every open
// connection and waits for their handlers.
func (s *Server) Serve(ctx context.Context) error {
	if s.Addr() == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	s.log.Info().
		Str("listen", s.listener.Addr().String()).
		Bool("auth_required", s.opts.SharedSecret != "").
		Bool("tls", s.opts.TLS != nil).
		Int("max_connections", s.opts.MaxConnections).
		Msg("Collector listening")

	go func() {
		<-ctx.Done()
		s.listener.Close()
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return err
			}
			s.log.Error().Err(err).Msg("Accept error")
			continue
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)

			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	sess := &session{remote: conn.RemoteAddr().String()}
	log := s.log.With().Str("remote", sess.remote).Logger()
	log.Info().Msg("New connection")

	dec := protocol.NewDecoder(conn)
	for {
		if s.opts.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
		}

		msg, err := dec.Next()
		if err != nil {
			s.logReadError(log, sess, err)
			return
		}

		log.Debug().
			Str("agent_id", msg.AgentID).
			Str("message_type", string(msg.Type)).
			Msg("Message received")

		reply, keep := s.process(sess, msg)
		if reply != nil {
			conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
			if err := protocol.WriteFrame(conn, reply); err != nil {
				log.Error().Err(err).Str("agent_id", sess.agentID).Msg("Failed to send reply")
				return
			}
		}
		if !keep {
			log.Warn().Str("agent_id", msg.AgentID).Msg("Closing unauthenticated connection")
			return
		}
	}
}

func (s *Server) logReadError(log zerolog.Logger, sess *session, err error) {
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF):
		log.Info().Str("agent_id", sess.agentID).Msg("Agent disconnected")
	case errors.Is(err, net.ErrClosed):
		log.Debug().Str("agent_id", sess.agentID).Msg("Connection closed")
	case errors.As(err, &netErr) && netErr.Timeout(), errors.Is(err, os.ErrDeadlineExceeded):
		log.Warn().Str("agent_id", sess.agentID).Msg("Agent timed out")
	case errors.Is(err, protocol.ErrChecksumMismatch),
		errors.Is(err, protocol.ErrMalformedMessage),
		errors.Is(err, protocol.ErrMessageTooLarge):
		log.Warn().Err(err).Str("agent_id", sess.agentID).Msg("Protocol error, closing connection")
	default:
		log.Error().Err(err).Str("agent_id", sess.agentID).Msg("Read error")
	}
}

// process handles one message. keep is false when the connection must be
// closed after the reply is written.
func (s *Server) process(sess *session, msg *protocol.Message) (reply *protocol.Message, keep bool) {
	if !sess.authenticated {
		if msg.Type == protocol.TypeAuthentication {
			return s.handleAuth(sess, msg)
		}
		if s.opts.SharedSecret != "" {
			return protocol.NewAck(msg, false, "Authentication required"), false
		}
		// Without a shared secret the first message authenticates implicitly.
		if err := s.register(sess, msg.AgentID, nil); err != nil {
			return protocol.NewAck(msg, false, fmt.Sprintf("Error processing message: %v", err)), true
		}
	}

	if msg.AgentID != sess.agentID {
		return protocol.NewAck(msg, false, "agent_id does not match authenticated agent"), true
	}

	switch msg.Type {
	case protocol.TypeAuthentication:
		return s.handleAuth(sess, msg)
	case protocol.TypeBOMData:
		return s.handleBOMData(msg), true
	case protocol.TypeHeartbeat:
		return s.handleHeartbeat(msg), true
	case protocol.TypeError:
		return s.handleError(msg), true
	case protocol.TypeAcknowledgment:
		ack, err := protocol.AckOf(msg)
		if err == nil && !ack.Success {
			s.log.Info().
				Str("agent_id", msg.AgentID).
				Str("message_type", string(ack.OriginalMessageType)).
				Str("note", ack.Message).
				Msg("Agent rejected message")
		}
		return nil, true
	default:
		s.log.Warn().Str("agent_id", msg.AgentID).Str("message_type", string(msg.Type)).Msg("No handler for message type")
		return protocol.NewAck(msg, false, fmt.Sprintf("Unknown message type: %s", msg.Type)), true
	}
}

func (s *Server) handleAuth(sess *session, msg *protocol.Message) (*protocol.Message, bool) {
	if s.opts.SharedSecret != "" {
		if err := s.verifyToken(msg); err != nil {
			s.log.Warn().
				Err(err).
				Str("agent_id", msg.AgentID).
				Str("remote", sess.remote).
				Msg("Authentication failed")
			return protocol.NewAck(msg, false, "Authentication failed"), false
		}
	}

	metadata, _ := msg.Data["metadata"].(map[string]any)
	if err := s.register(sess, msg.AgentID, metadata); err != nil {
		return protocol.NewAck(msg, false, fmt.Sprintf("Error processing message: %v", err)), false
	}
	return protocol.NewAck(msg, true, "Authentication successful"), true
}

func (s *Server) verifyToken(msg *protocol.Message) error {
	token, _ := msg.Data["token"].(string)
	issuedAt, _ := msg.Data["issued_at"].(string)
	if token == "" || issuedAt == "" {
		return errors.New("missing token")
	}
	issued, err := protocol.ParseTimestamp(issuedAt)
	if err != nil {
		return err
	}
	if err := auth.CheckFreshness(issued, time.Now()); err != nil {
		return err
	}
	if !auth.Verify(s.opts.SharedSecret, msg.AgentID, issuedAt, token) {
		return errors.New("token mismatch")
	}
	return nil
}

func (s *Server) register(sess *session, agentID string, metadata map[string]any) error {
	info := store.AgentInfo{RemoteAddr: sess.remote}
	info.Hostname, _ = metadata["hostname"].(string)
	info.Platform, _ = metadata["platform"].(string)
	info.AgentVersion, _ = metadata["agent_version"].(string)

	if err := s.store.RecordAuth(agentID, info); err != nil {
		s.log.Error().Err(err).Str("agent_id", agentID).Msg("Failed to register agent")
		return err
	}

	sess.authenticated = true
	sess.agentID = agentID
	s.log.Info().Str("agent_id", agentID).Str("remote", sess.remote).Msg("Agent authenticated")
	return nil
}

var requiredBOMFields = []string{"components", "metadata", "scan_id"}

func (s *Server) handleBOMData(msg *protocol.Message) *protocol.Message {
	for _, field := range requiredBOMFields {
		if _, ok := msg.Data[field]; !ok {
			return protocol.NewAck(msg, false, fmt.Sprintf("Missing required field: %s", field))
		}
	}

	scanID := fmt.Sprint(msg.Data["scan_id"])
	components := 0
	if v := reflect.ValueOf(msg.Data["components"]); v.Kind() == reflect.Slice {
		components = v.Len()
	}

	if err := s.store.RecordBOM(msg.AgentID, scanID, components, msg.Data); err != nil {
		s.log.Error().Err(err).Str("agent_id", msg.AgentID).Str("message_type", string(msg.Type)).Msg("Failed to store BOM data")
		return protocol.NewAck(msg, false, fmt.Sprintf("Failed to store BOM data: %v", err))
	}

	s.log.Info().
		Str("agent_id", msg.AgentID).
		Str("scan_id", scanID).
		Int("components", components).
		Msg("BOM data stored")
	return protocol.NewAck(msg, true, fmt.Sprintf("BOM data stored successfully with ID: %s/%s", msg.AgentID, scanID))
}

func (s *Server) handleHeartbeat(msg *protocol.Message) *protocol.Message {
	var uptime int64
	if n, ok := msg.Data["uptime"].(json.Number); ok {
		uptime, _ = n.Int64()
	}

	if err := s.store.RecordHeartbeat(msg.AgentID, uptime); err != nil {
		s.log.Error().Err(err).Str("agent_id", msg.AgentID).Str("message_type", string(msg.Type)).Msg("Failed to update agent status")
		return protocol.NewAck(msg, false, fmt.Sprintf("Error processing message: %v", err))
	}

	command, err := s.store.PopCommand(msg.AgentID)
	if err != nil {
		s.log.Error().Err(err).Str("agent_id", msg.AgentID).Msg("Failed to read pending commands")
	}
	if command != nil {
		s.log.Info().Str("agent_id", msg.AgentID).Interface("command", command["command"]).Msg("Sending pending command")
		return protocol.NewMessage(protocol.TypeCommand, msg.AgentID, command)
	}

	s.log.Debug().Str("agent_id", msg.AgentID).Int64("uptime", uptime).Msg("Heartbeat received")
	return protocol.NewAck(msg, true, "Heartbeat received")
}

func (s *Server) handleError(msg *protocol.Message) *protocol.Message {
	code, _ := msg.Data["error_code"].(string)
	text, _ := msg.Data["error_message"].(string)
	details, _ := msg.Data["details"].(map[string]any)

	s.log.Error().
		Str("agent_id", msg.AgentID).
		Str("error_code", code).
		Str("error_message", text).
		Msg("Error reported by agent")

	if err := s.store.RecordError(msg.AgentID, code, text, details); err != nil {
		s.log.Error().Err(err).Str("agent_id", msg.AgentID).Str("message_type", string(msg.Type)).Msg("Failed to store error report")
		return protocol.NewAck(msg, false, fmt.Sprintf("Error processing message: %v", err))
	}
	return protocol.NewAck(msg, true, "Error logged")
}
