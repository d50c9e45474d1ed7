package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const lengthPrefixSize = 4

// EncodeFrame serializes m and prepends the 4-byte big-endian body length.
// Oversized bodies fail before any frame bytes are produced.
func EncodeFrame(m *Message) ([]byte, error) {
	body, err := Serialize(m)
	if err != nil {
		return nil, err
	}
	if len(body) > MaxMessageSize {
		return nil, fmt.Errorf("%w: body is %d bytes, limit %d", ErrMessageTooLarge, len(body), MaxMessageSize)
	}

	frame := make([]byte, lengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(frame[:lengthPrefixSize], uint32(len(body)))
	copy(frame[lengthPrefixSize:], body)
	return frame, nil
}

// DecodeFrame decodes the first frame in buf.
//
// When buf does not yet hold a complete frame it returns (nil, buf, nil) and
// the caller should read more. A declared length above MaxMessageSize is an
// error immediately, however short buf is. On success the bytes following
// the frame are returned; call again to drain further queued frames.
func DecodeFrame(buf []byte) (*Message, []byte, error) {
	if len(buf) < lengthPrefixSize {
		return nil, buf, nil
	}

	length := binary.BigEndian.Uint32(buf[:lengthPrefixSize])
	if length > MaxMessageSize {
		return nil, buf, fmt.Errorf("%w: declared length %d, limit %d", ErrMessageTooLarge, length, MaxMessageSize)
	}

	end := lengthPrefixSize + int(length)
	if len(buf) < end {
		return nil, buf, nil
	}

	msg, err := Deserialize(buf[lengthPrefixSize:end])
	if err != nil {
		return nil, buf, err
	}
	return msg, buf[end:], nil
}

// WriteFrame encodes m and writes the frame to w.
func WriteFrame(w io.Writer, m *Message) error {
	frame, err := EncodeFrame(m)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("writing %s frame: %w", m.Type, err)
	}
	return nil
}

// Decoder reads consecutive frames from a byte stream.
type Decoder struct {
	r     io.Reader
	buf   []byte
	chunk []byte
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r, chunk: make([]byte, 8192)}
}

// Next returns the next message in the stream. Any codec error leaves the
// stream position undefined; the caller must abandon the connection.
// io.ErrUnexpectedEOF is returned when the stream ends inside a frame.
func (d *Decoder) Next() (*Message, error) {
	for {
		msg, rest, err := DecodeFrame(d.buf)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			// Move the unread tail to the front so consumed frames are not
			// pinned by the backing array.
			d.buf = append(d.buf[:0], rest...)
			return msg, nil
		}

		n, err := d.r.Read(d.chunk)
		if n > 0 {
			d.buf = append(d.buf, d.chunk[:n]...)
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(d.buf) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}

// Buffered returns the number of bytes read but not yet decoded.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}
