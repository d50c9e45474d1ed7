// Package protocol implements the telemetry wire protocol: the message
// envelope, its checksum, and length-prefixed framing.
//
// A frame is a 4-byte big-endian length followed by a UTF-8 JSON body of
// exactly that many bytes. The body carries version, message_type, agent_id,
// timestamp, data and checksum, where checksum is the SHA-256 of the
// canonical, key-sorted rendering of every other field.
package protocol

import (
	"errors"
	"fmt"
	"time"
)

const (
	// Version is the protocol version stamped on every new message.
	Version = "1.0"

	// MaxMessageSize is the largest JSON body a frame may carry.
	MaxMessageSize = 10 * 1024 * 1024
)

var (
	// ErrChecksumMismatch means a decoded body does not hash to its stored checksum.
	ErrChecksumMismatch = errors.New("message checksum verification failed")
	// ErrMalformedMessage means a body is not a well-formed message envelope.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrMessageTooLarge means a body exceeds MaxMessageSize.
	ErrMessageTooLarge = errors.New("message exceeds maximum size")
)

// MessageType is the closed set of message kinds carried on the wire.
type MessageType string

const (
	TypeBOMData        MessageType = "bom_data"
	TypeHeartbeat      MessageType = "heartbeat"
	TypeError          MessageType = "error"
	TypeCommand        MessageType = "command"
	TypeAcknowledgment MessageType = "acknowledgment"
	TypeAuthentication MessageType = "authentication"
)

// Valid reports whether t is one of the defined message types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeBOMData, TypeHeartbeat, TypeError, TypeCommand, TypeAcknowledgment, TypeAuthentication:
		return true
	}
	return false
}

// ParseMessageType converts a wire string into a MessageType.
func ParseMessageType(s string) (MessageType, error) {
	t := MessageType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown message_type %q", ErrMalformedMessage, s)
	}
	return t, nil
}

// Message is the protocol envelope.
//
// Once Checksum is set the message must be treated as immutable: Serialize
// reuses a present checksum rather than recomputing it.
type Message struct {
	Version   string
	Type      MessageType
	AgentID   string
	Timestamp string
	Data      map[string]any
	Checksum  string
}

// NewMessage stamps a message with the current UTC time and protocol
// version. The checksum is computed on first serialization.
func NewMessage(t MessageType, agentID string, data map[string]any) *Message {
	if data == nil {
		data = map[string]any{}
	}
	return &Message{
		Version:   Version,
		Type:      t,
		AgentID:   agentID,
		Timestamp: FormatTimestamp(time.Now()),
		Data:      data,
	}
}

// NewAck builds an acknowledgment for orig. It keeps orig's version and
// agent id and carries a fresh timestamp.
func NewAck(orig *Message, success bool, note string) *Message {
	return &Message{
		Version:   orig.Version,
		Type:      TypeAcknowledgment,
		AgentID:   orig.AgentID,
		Timestamp: FormatTimestamp(time.Now()),
		Data: map[string]any{
			"success":               success,
			"message":               note,
			"original_message_type": string(orig.Type),
		},
	}
}

// NewErrorMessage builds an error report. A nil details map is sent as {}.
func NewErrorMessage(agentID, code, message string, details map[string]any) *Message {
	if details == nil {
		details = map[string]any{}
	}
	return NewMessage(TypeError, agentID, map[string]any{
		"error_code":    code,
		"error_message": message,
		"details":       details,
	})
}

// NewHeartbeat wraps an agent status snapshot. uptime and last_collection
// are lifted out of status to the top of data.
func NewHeartbeat(agentID string, status map[string]any) *Message {
	if status == nil {
		status = map[string]any{}
	}
	uptime, ok := status["uptime"]
	if !ok {
		uptime = 0
	}
	return NewMessage(TypeHeartbeat, agentID, map[string]any{
		"status":          status,
		"uptime":          uptime,
		"last_collection": status["last_collection"],
	})
}

// Ack is the decoded payload of an acknowledgment message.
type Ack struct {
	Success             bool
	Message             string
	OriginalMessageType MessageType
}

// AckOf extracts the acknowledgment payload from m.
func AckOf(m *Message) (Ack, error) {
	if m.Type != TypeAcknowledgment {
		return Ack{}, fmt.Errorf("%w: %s is not an acknowledgment", ErrMalformedMessage, m.Type)
	}
	success, ok := m.Data["success"].(bool)
	if !ok {
		return Ack{}, fmt.Errorf("%w: acknowledgment without boolean success", ErrMalformedMessage)
	}
	original, _ := m.Data["original_message_type"].(string)
	note, _ := m.Data["message"].(string)
	return Ack{
		Success:             success,
		Message:             note,
		OriginalMessageType: MessageType(original),
	}, nil
}

// Time parses the message timestamp.
func (m *Message) Time() (time.Time, error) {
	return ParseTimestamp(m.Timestamp)
}

// Verify recomputes the checksum and compares it with the stored one.
func (m *Message) Verify() error {
	sum, err := m.computeChecksum()
	if err != nil {
		return err
	}
	if m.Checksum != sum {
		return ErrChecksumMismatch
	}
	return nil
}

const (
	timestampLayout      = "2006-01-02T15:04:05+00:00"
	timestampMicroLayout = "2006-01-02T15:04:05.000000+00:00"
)

// FormatTimestamp renders t in UTC as ISO-8601 with an explicit +00:00
// offset. Microseconds are included unless they are zero.
func FormatTimestamp(t time.Time) string {
	t = t.UTC()
	if t.Nanosecond()/int(time.Microsecond) == 0 {
		return t.Format(timestampLayout)
	}
	return t.Format(timestampMicroLayout)
}

// ParseTimestamp parses an ISO-8601 timestamp with an explicit offset or Z.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
