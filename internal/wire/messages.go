package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// CurrentVersion is the ACN protocol version stamped on every message.
const CurrentVersion = "0.1.0"

// StatusCode is the ACN status enum.
type StatusCode int32

const (
	StatusSuccess                StatusCode = 0
	StatusErrUnsupportedVersion  StatusCode = 1
	StatusErrUnexpectedPayload   StatusCode = 2
	StatusErrGeneric             StatusCode = 3
	StatusErrDecode              StatusCode = 4
	StatusErrWrongAgentAddress   StatusCode = 10
	StatusErrWrongPublicKey      StatusCode = 11
	StatusErrInvalidProof        StatusCode = 12
	StatusErrUnsupportedLedger   StatusCode = 13
	StatusErrUnknownAgentAddress StatusCode = 20
	StatusErrAgentNotReady       StatusCode = 21
)

var statusNames = map[StatusCode]string{
	StatusSuccess:                "SUCCESS",
	StatusErrUnsupportedVersion:  "ERROR_UNSUPPORTED_VERSION",
	StatusErrUnexpectedPayload:   "ERROR_UNEXPECTED_PAYLOAD",
	StatusErrGeneric:             "ERROR_GENERIC",
	StatusErrDecode:              "ERROR_DECODE",
	StatusErrWrongAgentAddress:   "ERROR_WRONG_AGENT_ADDRESS",
	StatusErrWrongPublicKey:      "ERROR_WRONG_PUBLIC_KEY",
	StatusErrInvalidProof:        "ERROR_INVALID_PROOF",
	StatusErrUnsupportedLedger:   "ERROR_UNSUPPORTED_LEDGER",
	StatusErrUnknownAgentAddress: "ERROR_UNKNOWN_AGENT_ADDRESS",
	StatusErrAgentNotReady:       "ERROR_AGENT_NOT_READY",
}

func (c StatusCode) String() string {
	if name, ok := statusNames[c]; ok {
		return name
	}
	return fmt.Sprintf("STATUS_%d", int32(c))
}

// AgentRecord is the signed proof that an agent authorised a peer to
// represent it.
type AgentRecord struct {
	ServiceID     string
	LedgerID      string
	Address       string
	PublicKey     string
	PeerPublicKey string
	Signature     string
	NotBefore     string
	NotAfter      string
}

func (r *AgentRecord) Marshal() ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: nil agent record", ErrDecode)
	}
	var b []byte
	b = appendString(b, 1, r.ServiceID)
	b = appendString(b, 2, r.LedgerID)
	b = appendString(b, 3, r.Address)
	b = appendString(b, 4, r.PublicKey)
	b = appendString(b, 5, r.PeerPublicKey)
	b = appendString(b, 6, r.Signature)
	b = appendString(b, 7, r.NotBefore)
	b = appendString(b, 8, r.NotAfter)
	return b, nil
}

func UnmarshalAgentRecord(data []byte) (*AgentRecord, error) {
	r := &AgentRecord{}
	targets := map[protowire.Number]*string{
		1: &r.ServiceID,
		2: &r.LedgerID,
		3: &r.Address,
		4: &r.PublicKey,
		5: &r.PeerPublicKey,
		6: &r.Signature,
		7: &r.NotBefore,
		8: &r.NotAfter,
	}
	err := decodeFields(data, func(f field) error {
		dst, ok := targets[f.num]
		if !ok {
			return nil
		}
		if err := f.expect(protowire.BytesType); err != nil {
			return err
		}
		*dst = string(f.bytes)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("agent record: %w", err)
	}
	return r, nil
}

func (r *AgentRecord) String() string {
	if r == nil {
		return "<nil>"
	}
	return fmt.Sprintf("AgentRecord{address: %s, ledger: %s, peer_public_key: %s}", r.Address, r.LedgerID, r.PeerPublicKey)
}

// StatusBody is the payload of a Status performative.
type StatusBody struct {
	Code StatusCode
	Msgs []string
}

func (s *StatusBody) marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(s.Code))
	for _, m := range s.Msgs {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, m)
	}
	return b
}

func unmarshalStatusBody(data []byte) (*StatusBody, error) {
	s := &StatusBody{}
	err := decodeFields(data, func(f field) error {
		switch f.num {
		case 1:
			if err := f.expect(protowire.VarintType); err != nil {
				return err
			}
			s.Code = StatusCode(int32(f.value))
		case 2:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			s.Msgs = append(s.Msgs, string(f.bytes))
		}
		return nil
	})
	return s, err
}

// AeaEnvelope carries an encoded Envelope together with the sender's record.
type AeaEnvelope struct {
	Envelope []byte
	Record   *AgentRecord
}

type LookupRequest struct {
	AgentAddress string
}

type LookupResponse struct {
	Record *AgentRecord
}

type Register struct {
	Record *AgentRecord
}

// Performative names, as reported by AcnMessage.Kind.
const (
	KindAeaEnvelope    = "aea_envelope"
	KindLookupRequest  = "lookup_request"
	KindLookupResponse = "lookup_response"
	KindRegister       = "register"
	KindStatus         = "status"
)

// AcnMessage is the ACN protocol message. Exactly one performative is set.
type AcnMessage struct {
	Version        string
	AeaEnvelope    *AeaEnvelope
	LookupRequest  *LookupRequest
	LookupResponse *LookupResponse
	Register       *Register
	Status         *StatusBody
}

// Kind returns the name of the set performative, or "" if none is set.
func (m *AcnMessage) Kind() string {
	switch {
	case m.AeaEnvelope != nil:
		return KindAeaEnvelope
	case m.LookupRequest != nil:
		return KindLookupRequest
	case m.LookupResponse != nil:
		return KindLookupResponse
	case m.Register != nil:
		return KindRegister
	case m.Status != nil:
		return KindStatus
	}
	return ""
}

func (m *AcnMessage) performatives() int {
	n := 0
	for _, set := range []bool{m.AeaEnvelope != nil, m.LookupRequest != nil, m.LookupResponse != nil, m.Register != nil, m.Status != nil} {
		if set {
			n++
		}
	}
	return n
}

func (m *AcnMessage) Marshal() ([]byte, error) {
	if m == nil || m.performatives() != 1 {
		return nil, fmt.Errorf("%w: acn message must carry exactly one performative", ErrDecode)
	}

	version := m.Version
	if version == "" {
		version = CurrentVersion
	}
	b := appendString(nil, 1, version)

	switch {
	case m.AeaEnvelope != nil:
		body := appendBytes(nil, 1, m.AeaEnvelope.Envelope)
		if m.AeaEnvelope.Record != nil {
			rec, _ := m.AeaEnvelope.Record.Marshal()
			body = appendMessage(body, 2, rec)
		}
		b = appendMessage(b, 5, body)
	case m.LookupRequest != nil:
		b = appendMessage(b, 6, appendString(nil, 1, m.LookupRequest.AgentAddress))
	case m.LookupResponse != nil:
		var body []byte
		if m.LookupResponse.Record != nil {
			rec, _ := m.LookupResponse.Record.Marshal()
			body = appendMessage(body, 1, rec)
		}
		b = appendMessage(b, 7, body)
	case m.Register != nil:
		var body []byte
		if m.Register.Record != nil {
			rec, _ := m.Register.Record.Marshal()
			body = appendMessage(body, 1, rec)
		}
		b = appendMessage(b, 8, body)
	case m.Status != nil:
		b = appendMessage(b, 9, appendMessage(nil, 1, m.Status.marshal()))
	}
	return b, nil
}

// UnmarshalAcnMessage decodes a message. A payload with no known
// performative is a decode error.
func UnmarshalAcnMessage(data []byte) (*AcnMessage, error) {
	m := &AcnMessage{}
	err := decodeFields(data, func(f field) error {
		if f.num == 1 || (f.num >= 5 && f.num <= 9) {
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
		}
		switch f.num {
		case 1:
			m.Version = string(f.bytes)
		case 5:
			env := &AeaEnvelope{}
			err := decodeFields(f.bytes, func(sf field) error {
				switch sf.num {
				case 1:
					env.Envelope = append([]byte(nil), sf.bytes...)
				case 2:
					rec, err := UnmarshalAgentRecord(sf.bytes)
					if err != nil {
						return err
					}
					env.Record = rec
				}
				return nil
			})
			if err != nil {
				return err
			}
			m.AeaEnvelope = env
		case 6:
			req := &LookupRequest{}
			err := decodeFields(f.bytes, func(sf field) error {
				if sf.num == 1 {
					req.AgentAddress = string(sf.bytes)
				}
				return nil
			})
			if err != nil {
				return err
			}
			m.LookupRequest = req
		case 7:
			rec, err := recordField(f.bytes)
			if err != nil {
				return err
			}
			m.LookupResponse = &LookupResponse{Record: rec}
		case 8:
			rec, err := recordField(f.bytes)
			if err != nil {
				return err
			}
			m.Register = &Register{Record: rec}
		case 9:
			var body *StatusBody
			err := decodeFields(f.bytes, func(sf field) error {
				if sf.num != 1 {
					return nil
				}
				var err error
				body, err = unmarshalStatusBody(sf.bytes)
				return err
			})
			if err != nil {
				return err
			}
			if body == nil {
				body = &StatusBody{}
			}
			m.Status = body
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("acn message: %w", err)
	}
	if m.performatives() == 0 {
		return nil, fmt.Errorf("acn message: %w: no performative", ErrDecode)
	}
	return m, nil
}

// recordField decodes a wrapper message whose field 1 is an AgentRecord.
func recordField(data []byte) (*AgentRecord, error) {
	var rec *AgentRecord
	err := decodeFields(data, func(f field) error {
		if f.num != 1 {
			return nil
		}
		var err error
		rec, err = UnmarshalAgentRecord(f.bytes)
		return err
	})
	return rec, err
}
