// Package wire implements the ACN framing and the protobuf-compatible
// encoding of envelopes, agent records and ACN protocol messages.
//
// Every transport (libp2p streams, delegate TLS connections, local pipes)
// carries frames of the form: 4-byte big-endian length, then payload.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
)

// DefaultMaxFrameSize bounds a single frame payload.
const DefaultMaxFrameSize = 3 * 1024 * 1024

const headerSize = 4

var (
	// ErrMessageTooLarge is returned when a length prefix exceeds the limit.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrConnectionClosed is returned when the transport ends mid-frame or before one.
	ErrConnectionClosed = errors.New("connection closed")
)

// WriteFrame writes the length prefix and payload with a single Write call.
// A short write leaves the transport in an undefined state and must be
// treated as fatal for it.
func WriteFrame(w io.Writer, payload []byte) error {
	if uint64(len(payload)) > math.MaxUint32 {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(payload))
	}

	buf := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[headerSize:], payload)

	n, err := w.Write(buf)
	if err != nil {
		return mapClosed(err)
	}
	if n != len(buf) {
		return io.ErrShortWrite
	}
	if f, ok := w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

// ReadFrame reads one frame bounded by DefaultMaxFrameSize.
func ReadFrame(r io.Reader) ([]byte, error) {
	return ReadFrameLimit(r, DefaultMaxFrameSize)
}

// ReadFrameLimit reads one frame. The size is checked against max before
// the payload buffer is allocated.
func ReadFrameLimit(r io.Reader, max uint32) ([]byte, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, mapClosed(err)
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > max {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrMessageTooLarge, size, max)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, mapClosed(err)
	}
	return payload, nil
}

func mapClosed(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	}
	return err
}

// WriteEnvelope frames and writes an encoded envelope.
func WriteEnvelope(w io.Writer, env *Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	return WriteFrame(w, data)
}

// ReadEnvelope reads and decodes one framed envelope.
func ReadEnvelope(r io.Reader) (*Envelope, error) {
	data, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return UnmarshalEnvelope(data)
}

// WriteMessage frames and writes an ACN protocol message.
func WriteMessage(w io.Writer, msg *AcnMessage) error {
	data, err := msg.Marshal()
	if err != nil {
		return err
	}
	return WriteFrame(w, data)
}

// ReadMessage reads and decodes one framed ACN protocol message.
func ReadMessage(r io.Reader) (*AcnMessage, error) {
	data, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return UnmarshalAcnMessage(data)
}
