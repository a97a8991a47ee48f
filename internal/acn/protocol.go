// Package acn holds what every role on the network shares: protocol
// identifiers, the request/response exchanges run over streams and
// connections, and proof-of-representation checks on agent records.
package acn

import (
	"errors"
	"fmt"
	"io"

	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/moltbunker/acn/internal/logging"
	"github.com/moltbunker/acn/internal/wire"
)

// Stream protocols spoken between peers and relay clients.
const (
	ProtocolRegister protocol.ID = "/aea-register/0.1.0"
	ProtocolNotif    protocol.ID = "/aea-notif/0.1.0"
	ProtocolAddress  protocol.ID = "/aea-address/0.1.0"
	ProtocolEnvelope protocol.ID = "/aea/0.1.0"
)

// SendStatus answers the counterparty with a status.
func SendStatus(w io.Writer, code wire.StatusCode, msgs ...string) error {
	return wire.WriteMessage(w, &wire.AcnMessage{Status: &wire.StatusBody{Code: code, Msgs: msgs}})
}

// SendError answers with the status err maps to.
func SendError(w io.Writer, err error) error {
	var se *StatusError
	if errors.As(err, &se) {
		return SendStatus(w, se.Code, se.Msgs...)
	}
	return SendStatus(w, StatusCodeOf(err), err.Error())
}

// ReadStatus reads a Status. A non-success status is returned as a
// *StatusError.
func ReadStatus(r io.Reader) error {
	msg, err := wire.ReadMessage(r)
	if err != nil {
		return err
	}
	if msg.Status == nil {
		return fmt.Errorf("%w: expected status, got %s", ErrUnexpectedPayload, msg.Kind())
	}
	if msg.Status.Code != wire.StatusSuccess {
		return NewStatusError(msg.Status.Code, msg.Status.Msgs...)
	}
	return nil
}

// readRequest reads the opening message of an exchange and checks its
// performative. Decode, version and payload errors are answered with a
// status before being returned.
func readRequest(rw io.ReadWriter, kind string) (*wire.AcnMessage, error) {
	msg, err := wire.ReadMessage(rw)
	if err != nil {
		if errors.Is(err, wire.ErrDecode) {
			replyQuietly(rw, NewStatusError(wire.StatusErrDecode, err.Error()))
		}
		return nil, err
	}
	if msg.Version != wire.CurrentVersion {
		serr := NewStatusError(wire.StatusErrUnsupportedVersion,
			fmt.Sprintf("unsupported version %q", msg.Version))
		replyQuietly(rw, serr)
		return nil, serr
	}
	if msg.Kind() != kind {
		err := fmt.Errorf("%w: expected %s, got %s", ErrUnexpectedPayload, kind, msg.Kind())
		replyQuietly(rw, NewStatusError(wire.StatusErrUnexpectedPayload, err.Error()))
		return nil, err
	}
	return msg, nil
}

func replyQuietly(w io.Writer, se *StatusError) {
	if err := SendStatus(w, se.Code, se.Msgs...); err != nil {
		logging.Debug("failed to send error status",
			logging.Err(err),
			"code", se.Code.String())
	}
}

// RegisterRecord sends a registration and waits for its status.
func RegisterRecord(rw io.ReadWriter, record *wire.AgentRecord) error {
	if err := wire.WriteMessage(rw, &wire.AcnMessage{Register: &wire.Register{Record: record}}); err != nil {
		return fmt.Errorf("failed to send registration: %w", err)
	}
	return ReadStatus(rw)
}

// ReadRegistration reads a registration request. The caller answers with
// a status once it has checked the record.
func ReadRegistration(rw io.ReadWriter) (*wire.AgentRecord, error) {
	msg, err := readRequest(rw, wire.KindRegister)
	if err != nil {
		return nil, err
	}
	if msg.Register.Record == nil {
		serr := NewStatusError(wire.StatusErrGeneric, "registration without record")
		replyQuietly(rw, serr)
		return nil, serr
	}
	return msg.Register.Record, nil
}

// LookupAddress asks the counterparty for the record of address.
func LookupAddress(rw io.ReadWriter, address string) (*wire.AgentRecord, error) {
	req := &wire.AcnMessage{LookupRequest: &wire.LookupRequest{AgentAddress: address}}
	if err := wire.WriteMessage(rw, req); err != nil {
		return nil, fmt.Errorf("failed to send lookup request: %w", err)
	}

	resp, err := wire.ReadMessage(rw)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.Status != nil:
		return nil, NewStatusError(resp.Status.Code, resp.Status.Msgs...)
	case resp.LookupResponse != nil:
		if resp.LookupResponse.Record == nil {
			return nil, NewStatusError(wire.StatusErrUnknownAgentAddress, "empty lookup response")
		}
		return resp.LookupResponse.Record, nil
	}
	return nil, fmt.Errorf("%w: expected lookup response, got %s", ErrUnexpectedPayload, resp.Kind())
}

// ReadLookupRequest reads the address asked for by the counterparty.
func ReadLookupRequest(rw io.ReadWriter) (string, error) {
	msg, err := readRequest(rw, wire.KindLookupRequest)
	if err != nil {
		return "", err
	}
	return msg.LookupRequest.AgentAddress, nil
}

func SendLookupResponse(w io.Writer, record *wire.AgentRecord) error {
	return wire.WriteMessage(w, &wire.AcnMessage{LookupResponse: &wire.LookupResponse{Record: record}})
}

// SendEnvelope forwards env together with the record of its sender and
// waits for the receiver's status.
func SendEnvelope(rw io.ReadWriter, env *wire.Envelope, senderRecord *wire.AgentRecord) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	msg := &wire.AcnMessage{AeaEnvelope: &wire.AeaEnvelope{Envelope: data, Record: senderRecord}}
	if err := wire.WriteMessage(rw, msg); err != nil {
		return fmt.Errorf("failed to send envelope: %w", err)
	}
	return ReadStatus(rw)
}

// ReadEnvelopeMessage reads an envelope and the record vouching for its
// sender. The caller answers with a status once it has handled the envelope.
func ReadEnvelopeMessage(rw io.ReadWriter) (*wire.Envelope, *wire.AgentRecord, error) {
	msg, err := readRequest(rw, wire.KindAeaEnvelope)
	if err != nil {
		return nil, nil, err
	}
	env, err := wire.UnmarshalEnvelope(msg.AeaEnvelope.Envelope)
	if err != nil {
		replyQuietly(rw, NewStatusError(wire.StatusErrDecode, err.Error()))
		return nil, nil, err
	}
	return env, msg.AeaEnvelope.Record, nil
}
