// Package store provides a BoltDB-backed record store for the collector.
package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

var (
	agentsBucket   = []byte("agents")
	bomsBucket     = []byte("boms")
	errorsBucket   = []byte("errors")
	commandsBucket = []byte("commands")
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// AgentRecord is the collector's view of one agent.
type AgentRecord struct {
	AgentID        string    `msgpack:"agent_id"`
	Hostname       string    `msgpack:"hostname"`
	Platform       string    `msgpack:"platform"`
	AgentVersion   string    `msgpack:"agent_version"`
	RemoteAddr     string    `msgpack:"remote_addr"`
	FirstSeen      time.Time `msgpack:"first_seen"`
	LastSeen       time.Time `msgpack:"last_seen"`
	LastHeartbeat  time.Time `msgpack:"last_heartbeat"`
	LastBOM        time.Time `msgpack:"last_bom"`
	LastScanID     string    `msgpack:"last_scan_id"`
	ComponentCount int       `msgpack:"component_count"`
	Uptime         int64     `msgpack:"uptime"`
	MessageCount   uint64    `msgpack:"message_count"`
	ErrorCount     uint64    `msgpack:"error_count"`
	Active         bool      `msgpack:"active"`
}

// BOMRecord is one stored bill of materials.
type BOMRecord struct {
	AgentID    string         `msgpack:"agent_id"`
	ScanID     string         `msgpack:"scan_id"`
	ReceivedAt time.Time      `msgpack:"received_at"`
	Data       map[string]any `msgpack:"data"`
}

// ErrorRecord is one error reported by an agent.
type ErrorRecord struct {
	AgentID    string         `msgpack:"agent_id"`
	Code       string         `msgpack:"code"`
	Message    string         `msgpack:"message"`
	Details    map[string]any `msgpack:"details"`
	ReceivedAt time.Time      `msgpack:"received_at"`
}

// AgentInfo is what an agent reports about itself when it authenticates.
type AgentInfo struct {
	Hostname     string
	Platform     string
	AgentVersion string
	RemoteAddr   string
}

// Store wraps a bbolt database for collector records.
type Store struct {
	db  *bolt.DB
	mu  sync.RWMutex
	log zerolog.Logger
}

// New opens or creates a BoltDB file at the given path.
func New(path string, log zerolog.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{agentsBucket, bomsBucket, errorsBucket, commandsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &Store{db: db, log: log.With().Str("component", "store").Logger()}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordAuth registers an authenticated agent connection.
func (s *Store) RecordAuth(agentID string, info AgentInfo) error {
	return s.updateAgent(agentID, func(r *AgentRecord) {
		if info.Hostname != "" {
			r.Hostname = info.Hostname
		}
		if info.Platform != "" {
			r.Platform = info.Platform
		}
		if info.AgentVersion != "" {
			r.AgentVersion = info.AgentVersion
		}
		r.RemoteAddr = info.RemoteAddr
	})
}

// RecordHeartbeat updates an agent's liveness from a heartbeat.
func (s *Store) RecordHeartbeat(agentID string, uptime int64) error {
	return s.updateAgent(agentID, func(r *AgentRecord) {
		r.LastHeartbeat = r.LastSeen
		r.Uptime = uptime
	})
}

// RecordBOM stores a bill of materials and updates the agent summary.
func (s *Store) RecordBOM(agentID, scanID string, components int, data map[string]any) error {
	now := time.Now()
	encoded, err := msgpack.Marshal(&BOMRecord{
		AgentID:    agentID,
		ScanID:     scanID,
		ReceivedAt: now,
		Data:       data,
	})
	if err != nil {
		return fmt.Errorf("marshaling BOM %s: %w", scanID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bomsBucket).Put(bomKey(agentID, scanID), encoded); err != nil {
			return fmt.Errorf("storing BOM %s: %w", scanID, err)
		}
		return s.updateAgentTx(tx, agentID, now, func(r *AgentRecord) {
			r.LastBOM = now
			r.LastScanID = scanID
			r.ComponentCount = components
		})
	})
}

// RecordError stores an error report from an agent.
func (s *Store) RecordError(agentID, code, message string, details map[string]any) error {
	now := time.Now()
	encoded, err := msgpack.Marshal(&ErrorRecord{
		AgentID:    agentID,
		Code:       code,
		Message:    message,
		Details:    details,
		ReceivedAt: now,
	})
	if err != nil {
		return fmt.Errorf("marshaling error report: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(errorsBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		if err := b.Put(sequenceKey(agentID, seq), encoded); err != nil {
			return fmt.Errorf("storing error report: %w", err)
		}
		return s.updateAgentTx(tx, agentID, now, func(r *AgentRecord) {
			r.ErrorCount++
		})
	})
}

// QueueCommand stores a command to deliver with the agent's next heartbeat.
func (s *Store) QueueCommand(agentID string, command map[string]any) error {
	encoded, err := msgpack.Marshal(command)
	if err != nil {
		return fmt.Errorf("marshaling command: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(commandsBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(sequenceKey(agentID, seq), encoded)
	})
}

// PopCommand removes and returns the oldest queued command for agentID.
// It returns nil when nothing is pending.
func (s *Store) PopCommand(agentID string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := append([]byte(agentID), 0)
	var command map[string]any
	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(commandsBucket).Cursor()
		k, v := c.Seek(prefix)
		if k == nil || !bytes.HasPrefix(k, prefix) {
			return nil
		}
		if err := msgpack.Unmarshal(v, &command); err != nil {
			s.log.Warn().Err(err).Str("agent_id", agentID).Msg("Dropping corrupt command")
			command = nil
		}
		return c.Delete()
	})
	if err != nil {
		return nil, fmt.Errorf("popping command for %s: %w", agentID, err)
	}
	return command, nil
}

// GetAll returns all agent records.
func (s *Store) GetAll() ([]AgentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []AgentRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(agentsBucket)
		return b.ForEach(func(k, v []byte) error {
			var record AgentRecord
			if err := msgpack.Unmarshal(v, &record); err != nil {
				s.log.Warn().Err(err).Str("key", string(k)).Msg("Skipping corrupt record")
				return nil
			}
			records = append(records, record)
			return nil
		})
	})
	return records, err
}

// GetActive returns only active agent records.
func (s *Store) GetActive() ([]AgentRecord, error) {
	all, err := s.GetAll()
	if err != nil {
		return nil, err
	}

	var active []AgentRecord
	for _, r := range all {
		if r.Active {
			active = append(active, r)
		}
	}
	return active, nil
}

// GetBOM returns a stored bill of materials.
func (s *Store) GetBOM(agentID, scanID string) (*BOMRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var record BOMRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bomsBucket).Get(bomKey(agentID, scanID))
		if v == nil {
			return fmt.Errorf("BOM %s for %s: %w", scanID, agentID, ErrNotFound)
		}
		return msgpack.Unmarshal(v, &record)
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// Errors returns the error reports of one agent, oldest first.
func (s *Store) Errors(agentID string) ([]ErrorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := append([]byte(agentID), 0)
	var records []ErrorRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(errorsBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var record ErrorRecord
			if err := msgpack.Unmarshal(v, &record); err != nil {
				s.log.Warn().Err(err).Str("agent_id", agentID).Msg("Skipping corrupt error record")
				continue
			}
			records = append(records, record)
		}
		return nil
	})
	return records, err
}

// RunExpiry marks agents inactive once their LastSeen exceeds threshold.
// It checks every checkInterval until ctx is done.
func (s *Store) RunExpiry(ctx context.Context, checkInterval, threshold time.Duration) {
	go func() {
		ticker := time.NewTicker(checkInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.expireStaleAgents(threshold)
			}
		}
	}()
}

func (s *Store) expireStaleAgents(threshold time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-threshold)

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(agentsBucket)

		// Collect first; bbolt forbids writes inside ForEach.
		expired := map[string][]byte{}
		err := b.ForEach(func(k, v []byte) error {
			var record AgentRecord
			if err := msgpack.Unmarshal(v, &record); err != nil {
				return nil
			}
			if !record.Active || record.LastSeen.After(cutoff) {
				return nil
			}
			record.Active = false

			s.log.Info().
				Str("agent_id", record.AgentID).
				Str("hostname", record.Hostname).
				Time("last_seen", record.LastSeen).
				Msg("Agent marked inactive")

			data, err := msgpack.Marshal(&record)
			if err != nil {
				return nil
			}
			expired[string(k)] = data
			return nil
		})
		if err != nil {
			return err
		}

		for k, data := range expired {
			if err := b.Put([]byte(k), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.log.Error().Err(err).Msg("Database error during expiry check")
	}
}

func (s *Store) updateAgent(agentID string, fn func(*AgentRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		return s.updateAgentTx(tx, agentID, time.Now(), fn)
	})
}

// updateAgentTx loads or creates the agent record, marks it seen at now
// and applies fn.
func (s *Store) updateAgentTx(tx *bolt.Tx, agentID string, now time.Time, fn func(*AgentRecord)) error {
	b := tx.Bucket(agentsBucket)
	key := []byte(agentID)

	var record AgentRecord
	if existing := b.Get(key); existing != nil {
		if err := msgpack.Unmarshal(existing, &record); err != nil {
			s.log.Warn().Err(err).Str("agent_id", agentID).Msg("Failed to unmarshal existing record, overwriting")
			record = AgentRecord{}
		}
	}
	if record.AgentID == "" {
		record = AgentRecord{AgentID: agentID, FirstSeen: now}
		s.log.Info().Str("agent_id", agentID).Msg("New agent registered")
	}

	record.LastSeen = now
	record.MessageCount++
	record.Active = true
	fn(&record)

	data, err := msgpack.Marshal(&record)
	if err != nil {
		return fmt.Errorf("marshaling agent record: %w", err)
	}
	return b.Put(key, data)
}

func bomKey(agentID, scanID string) []byte {
	return append(append([]byte(agentID), 0), scanID...)
}

func sequenceKey(agentID string, seq uint64) []byte {
	key := append([]byte(agentID), 0)
	return binary.BigEndian.AppendUint64(key, seq)
}
