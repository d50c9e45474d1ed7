package protocol

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// checksumFields returns the fields covered by the checksum.
func (m *Message) checksumFields() map[string]any {
	return map[string]any{
		"version":      m.Version,
		"message_type": string(m.Type),
		"agent_id":     m.AgentID,
		"timestamp":    m.Timestamp,
		"data":         m.Data,
	}
}

func (m *Message) computeChecksum() (string, error) {
	return checksumOf(m.checksumFields())
}

func checksumOf(fields map[string]any) (string, error) {
	canonical, err := appendCanonical(nil, fields)
	if err != nil {
		return "", fmt.Errorf("canonicalizing message: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Serialize renders m as a UTF-8 JSON body, computing and attaching the
// checksum if m does not carry one yet.
func Serialize(m *Message) ([]byte, error) {
	if m.Checksum == "" {
		sum, err := m.computeChecksum()
		if err != nil {
			return nil, err
		}
		m.Checksum = sum
	}

	buf := make([]byte, 0, 256)
	buf = append(buf, `{"version": `...)
	buf = appendString(buf, m.Version)
	buf = append(buf, `, "message_type": `...)
	buf = appendString(buf, string(m.Type))
	buf = append(buf, `, "agent_id": `...)
	buf = appendString(buf, m.AgentID)
	buf = append(buf, `, "timestamp": `...)
	buf = appendString(buf, m.Timestamp)
	buf = append(buf, `, "data": `...)

	buf, err := appendCanonical(buf, m.Data)
	if err != nil {
		return nil, fmt.Errorf("encoding data: %w", err)
	}
	buf = append(buf, `, "checksum": `...)
	buf = appendString(buf, m.Checksum)
	return append(buf, '}'), nil
}

// Deserialize parses a JSON body and verifies its checksum. The checksum
// is checked before the envelope fields, over every field the body carries.
func Deserialize(body []byte) (*Message, error) {
	if !utf8.Valid(body) {
		return nil, fmt.Errorf("%w: body is not valid UTF-8", ErrMalformedMessage)
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: body is not a JSON object", ErrMalformedMessage)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after message", ErrMalformedMessage)
	}

	stored, ok := raw["checksum"]
	if !ok {
		return nil, fmt.Errorf("%w: missing field checksum", ErrMalformedMessage)
	}
	checksum, ok := stored.(string)
	if !ok || checksum == "" {
		return nil, fmt.Errorf("%w: checksum must be a non-empty string", ErrMalformedMessage)
	}
	delete(raw, "checksum")

	computed, err := checksumOf(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if computed != checksum {
		return nil, fmt.Errorf("%w: stored %s, computed %s", ErrChecksumMismatch, checksum, computed)
	}

	msg := &Message{Checksum: checksum}
	if msg.Version, err = stringField(raw, "version"); err != nil {
		return nil, err
	}
	typeName, err := stringField(raw, "message_type")
	if err != nil {
		return nil, err
	}
	if msg.Type, err = ParseMessageType(typeName); err != nil {
		return nil, err
	}
	if msg.AgentID, err = stringField(raw, "agent_id"); err != nil {
		return nil, err
	}
	if msg.Timestamp, err = stringField(raw, "timestamp"); err != nil {
		return nil, err
	}

	data, ok := raw["data"]
	if !ok {
		return nil, fmt.Errorf("%w: missing field data", ErrMalformedMessage)
	}
	if msg.Data, ok = data.(map[string]any); !ok || msg.Data == nil {
		return nil, fmt.Errorf("%w: data must be an object", ErrMalformedMessage)
	}
	return msg, nil
}

func stringField(raw map[string]any, name string) (string, error) {
	v, ok := raw[name]
	if !ok {
		return "", fmt.Errorf("%w: missing field %s", ErrMalformedMessage, name)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: field %s must be a string", ErrMalformedMessage, name)
	}
	return s, nil
}
