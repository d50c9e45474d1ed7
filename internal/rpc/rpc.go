// Package rpc provides Unix socket IPC between the collector and the agents CLI.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	netrpc "net/rpc"
	"os"

	"github.com/rs/zerolog"

	"bomagent/internal/store"
)

// Service is the RPC service exposed by the collector.
type Service struct {
	store *store.Store
	log   zerolog.Logger
}

// ListAgentsArgs is the request for ListAgents.
type ListAgentsArgs struct {
	ActiveOnly bool
}

// ListAgentsReply is the response for ListAgents.
type ListAgentsReply struct {
	Agents []store.AgentRecord
}

// ListAgents returns the agent records known to the collector.
func (s *Service) ListAgents(args *ListAgentsArgs, reply *ListAgentsReply) error {
	var (
		agents []store.AgentRecord
		err    error
	)
	if args.ActiveOnly {
		agents, err = s.store.GetActive()
	} else {
		agents, err = s.store.GetAll()
	}
	if err != nil {
		return fmt.Errorf("fetching agents: %w", err)
	}
	reply.Agents = agents
	return nil
}

// QueueCommandArgs is the request for QueueCommand.
type QueueCommandArgs struct {
	AgentID string
	Command string
	Args    []string
}

// QueueCommandReply is the response for QueueCommand.
type QueueCommandReply struct {
	Success bool
}

// QueueCommand queues a command for delivery with the agent's next heartbeat.
func (s *Service) QueueCommand(args *QueueCommandArgs, reply *QueueCommandReply) error {
	if args.AgentID == "" || args.Command == "" {
		return fmt.Errorf("agent id and command are required")
	}
	cmdArgs := make([]any, 0, len(args.Args))
	for _, a := range args.Args {
		cmdArgs = append(cmdArgs, a)
	}
	command := map[string]any{
		"command": args.Command,
		"args":    cmdArgs,
	}
	if err := s.store.QueueCommand(args.AgentID, command); err != nil {
		return fmt.Errorf("queueing command: %w", err)
	}
	s.log.Info().Str("agent_id", args.AgentID).Str("command", args.Command).Msg("Command queued")
	reply.Success = true
	return nil
}

// StartServer starts the Unix socket RPC server. It stops accepting and
// removes the socket when ctx is done.
func StartServer(ctx context.Context, socketPath string, db *store.Store, log zerolog.Logger) error {
	service := &Service{store: db, log: log}

	server := netrpc.NewServer()
	if err := server.Register(service); err != nil {
		return fmt.Errorf("registering RPC service: %w", err)
	}

	// Remove existing socket file if present
	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", socketPath, err)
	}

	// Set socket permissions
	if err := os.Chmod(socketPath, 0660); err != nil {
		log.Warn().Err(err).Msg("Failed to set socket permissions")
	}

	log.Info().Str("socket", socketPath).Msg("RPC server started")

	go func() {
		<-ctx.Done()
		listener.Close()
		os.Remove(socketPath)
	}()

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				log.Error().Err(err).Msg("RPC accept error")
				continue
			}
			go server.ServeConn(conn)
		}
	}()

	return nil
}

// Client is a client for the collector RPC service.
type Client struct {
	client *netrpc.Client
}

// NewClient dials the Unix socket and returns an RPC client.
func NewClient(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to RPC socket %s: %w", socketPath, err)
	}
	return &Client{client: netrpc.NewClient(conn)}, nil
}

// Close closes the RPC client connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// ListAgents fetches agent records from the collector.
func (c *Client) ListAgents(activeOnly bool) ([]store.AgentRecord, error) {
	args := &ListAgentsArgs{ActiveOnly: activeOnly}
	reply := &ListAgentsReply{}
	if err := c.client.Call("Service.ListAgents", args, reply); err != nil {
		return nil, err
	}
	return reply.Agents, nil
}

// QueueCommand asks the collector to deliver a command to an agent.
func (c *Client) QueueCommand(agentID, command string, args []string) error {
	req := &QueueCommandArgs{AgentID: agentID, Command: command, Args: args}
	reply := &QueueCommandReply{}
	return c.client.Call("Service.QueueCommand", req, reply)
}
