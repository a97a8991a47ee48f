package wire

import (
	"bytes"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Envelope is the opaque addressed unit routed by the network. The
// network never interprets Message.
type Envelope struct {
	To         string
	Sender     string
	ProtocolID string
	Message    []byte
	URI        string
}

// Marshal encodes the envelope with fields in ascending number order.
func (e *Envelope) Marshal() ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: nil envelope", ErrDecode)
	}
	b := make([]byte, 0, 32+len(e.To)+len(e.Sender)+len(e.ProtocolID)+len(e.Message)+len(e.URI))
	b = appendString(b, 1, e.To)
	b = appendString(b, 2, e.Sender)
	b = appendString(b, 3, e.ProtocolID)
	b = appendBytes(b, 4, e.Message)
	b = appendString(b, 5, e.URI)
	return b, nil
}

// UnmarshalEnvelope decodes an envelope. An absent message decodes as nil.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	e := &Envelope{}
	err := decodeFields(data, func(f field) error {
		switch f.num {
		case 1, 2, 3, 4, 5:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
		default:
			return nil
		}
		switch f.num {
		case 1:
			e.To = string(f.bytes)
		case 2:
			e.Sender = string(f.bytes)
		case 3:
			e.ProtocolID = string(f.bytes)
		case 4:
			e.Message = append([]byte(nil), f.bytes...)
		case 5:
			e.URI = string(f.bytes)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("envelope: %w", err)
	}
	return e, nil
}

// Equal reports whether two envelopes carry the same fields. A nil and an
// empty message are equal.
func (e *Envelope) Equal(o *Envelope) bool {
	if e == nil || o == nil {
		return e == o
	}
	return e.To == o.To &&
		e.Sender == o.Sender &&
		e.ProtocolID == o.ProtocolID &&
		e.URI == o.URI &&
		bytes.Equal(e.Message, o.Message)
}

func (e *Envelope) String() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("Envelope{to: %s, sender: %s, protocol_id: %s, message: %d bytes}",
		e.To, e.Sender, e.ProtocolID, len(e.Message))
}
