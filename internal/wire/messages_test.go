package wire

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		env  *Envelope
	}{
		{"empty", &Envelope{}},
		{"empty message", &Envelope{To: "fetch1a", Sender: "fetch1b", ProtocolID: "p/1.0.0"}},
		{"binary message", &Envelope{To: "0xb8d8c62d4a1999b7aea0aebBD5020244a4a9bAD8", Sender: "s", Message: []byte{0, 1, 2, 0xff}}},
		{"with uri", &Envelope{To: "t", Sender: "s", ProtocolID: "p", Message: []byte("m"), URI: "acn://t"}},
		{"unicode", &Envelope{To: "ünï", Sender: "çødé", ProtocolID: "π"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.env.Marshal()
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}
			got, err := UnmarshalEnvelope(data)
			if err != nil {
				t.Fatalf("UnmarshalEnvelope failed: %v", err)
			}
			if !got.Equal(tt.env) {
				t.Errorf("round trip mismatch: got %s, want %s", got, tt.env)
			}
		})
	}
}

func TestEnvelopeKnownEncoding(t *testing.T) {
	// protoc output for Envelope{to: "a", sender: "b", message: "\x01"}
	want := []byte{0x0a, 0x01, 'a', 0x12, 0x01, 'b', 0x22, 0x01, 0x01}
	got, err := (&Envelope{To: "a", Sender: "b", Message: []byte{1}}).Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("encoding mismatch: got % x, want % x", got, want)
	}
}

func TestEnvelopeSkipsUnknownFields(t *testing.T) {
	data := []byte{
		0x0a, 0x01, 'a',
		0x30, 0x07, // field 6, varint 7
		0x12, 0x01, 'b',
	}
	got, err := UnmarshalEnvelope(data)
	if err != nil {
		t.Fatalf("UnmarshalEnvelope failed: %v", err)
	}
	if got.To != "a" || got.Sender != "b" {
		t.Errorf("unexpected envelope %s", got)
	}
}

func TestEnvelopeRejectsMalformed(t *testing.T) {
	tests := [][]byte{
		{0x0a, 0x05, 'a'},  // length past end
		{0x08, 0x01},       // field 1 as varint
		{0xff, 0xff, 0xff}, // truncated tag
	}
	for i, data := range tests {
		if _, err := UnmarshalEnvelope(data); !errors.Is(err, ErrDecode) {
			t.Errorf("case %d: expected ErrDecode, got %v", i, err)
		}
	}
}

func TestAgentRecordRoundTrip(t *testing.T) {
	rec := &AgentRecord{
		ServiceID:     "acn",
		LedgerID:      "fetchai",
		Address:       "fetch19dq2mkcpp6x0aypxt9c9gz6n4fqvax0x9a7t5r",
		PublicKey:     "02358e3e42a6ba15cf6b2ba6eb05f02b8893acf82b316d7dd9cda702b0892b8c71",
		PeerPublicKey: "027af21aff853b9d9589867ea142b0a60a9611fc8e1fae04c2f7144113fa4e938e",
		Signature:     "N/GOa7/m3HU8/gpLJ88VCQ6vXsdrfiiYcqnNtF+c2N9VG9ZIiycykN4hdbpbOCGrChMYZQA3G1GpozsShrUBgg==",
		NotBefore:     "2026-01-01",
		NotAfter:      "2027-01-01",
	}
	data, err := rec.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	got, err := UnmarshalAgentRecord(data)
	if err != nil {
		t.Fatalf("UnmarshalAgentRecord failed: %v", err)
	}
	if !reflect.DeepEqual(got, rec) {
		t.Errorf("got %+v, want %+v", got, rec)
	}
}

func TestAcnMessageRoundTrip(t *testing.T) {
	rec := &AgentRecord{Address: "fetch1a", LedgerID: "fetchai", PeerPublicKey: "02ab"}
	tests := []struct {
		name string
		msg  *AcnMessage
		kind string
	}{
		{"envelope", &AcnMessage{AeaEnvelope: &AeaEnvelope{Envelope: []byte{1, 2}, Record: rec}}, KindAeaEnvelope},
		{"envelope without record", &AcnMessage{AeaEnvelope: &AeaEnvelope{Envelope: []byte{1}}}, KindAeaEnvelope},
		{"lookup request", &AcnMessage{LookupRequest: &LookupRequest{AgentAddress: "fetch1a"}}, KindLookupRequest},
		{"lookup response", &AcnMessage{LookupResponse: &LookupResponse{Record: rec}}, KindLookupResponse},
		{"register", &AcnMessage{Register: &Register{Record: rec}}, KindRegister},
		{"status success", &AcnMessage{Status: &StatusBody{Code: StatusSuccess}}, KindStatus},
		{"status error", &AcnMessage{Status: &StatusBody{Code: StatusErrInvalidProof, Msgs: []string{"bad", "proof"}}}, KindStatus},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.msg.Marshal()
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}
			got, err := UnmarshalAcnMessage(data)
			if err != nil {
				t.Fatalf("UnmarshalAcnMessage failed: %v", err)
			}
			if got.Kind() != tt.kind {
				t.Fatalf("kind = %q, want %q", got.Kind(), tt.kind)
			}
			if got.Version != CurrentVersion {
				t.Errorf("version = %q, want %q", got.Version, CurrentVersion)
			}
			want := *tt.msg
			want.Version = CurrentVersion
			if !reflect.DeepEqual(got, &want) {
				t.Errorf("got %+v, want %+v", got, &want)
			}
		})
	}
}

func TestStatusKnownEncoding(t *testing.T) {
	msg := &AcnMessage{Status: &StatusBody{Code: StatusErrUnknownAgentAddress, Msgs: []string{"x"}}}
	got, err := msg.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{
		0x0a, 0x05, '0', '.', '1', '.', '0',
		0x4a, 0x07, // status
		0x0a, 0x05, // body
		0x08, 0x14, // code 20
		0x12, 0x01, 'x',
	}
	if !bytes.Equal(got, want) {
		t.Errorf("encoding mismatch:\n got % x\nwant % x", got, want)
	}
}

func TestAcnMessageRequiresOnePerformative(t *testing.T) {
	if _, err := (&AcnMessage{}).Marshal(); err == nil {
		t.Error("expected error for message without performative")
	}
	two := &AcnMessage{Status: &StatusBody{}, Register: &Register{}}
	if _, err := two.Marshal(); err == nil {
		t.Error("expected error for message with two performatives")
	}
	if _, err := UnmarshalAcnMessage([]byte{0x0a, 0x01, '1'}); !errors.Is(err, ErrDecode) {
		t.Errorf("expected ErrDecode for version-only payload, got %v", err)
	}
}

func TestStatusCodeString(t *testing.T) {
	if StatusErrAgentNotReady.String() != "ERROR_AGENT_NOT_READY" {
		t.Errorf("unexpected name %s", StatusErrAgentNotReady)
	}
	if StatusCode(99).String() != "STATUS_99" {
		t.Errorf("unexpected name for unknown code: %s", StatusCode(99))
	}
}
