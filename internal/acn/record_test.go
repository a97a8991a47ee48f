package acn

import (
	"errors"
	"testing"
	"time"

	"github.com/moltbunker/acn/internal/identity"
	"github.com/moltbunker/acn/internal/wire"
)

const (
	agentKey      = "730c22474709a6d17cf11599a80413a84ddb691a3c7b11a6d8d47a2c024b7b56"
	agentAddress  = "fetch1y39e4tec9fll66x2k7wed5qn7zhaneayjm55kk"
	peerKey       = "3e7a1f43b2d8a4b9f63a2ffeb1d597f971a8db7ffd95453173268b453106cadc"
	peerPublicKey = "03b7e977f498dce004e2614764ff576e17cc6691135497e7bcb5d3441e816ba9e1"
	otherPeerKey  = "02344c3f0e79f56aef8e167a6fea912745f1f770b66b4c5096040c0e8c9e3c68b3"
)

// knownRecord was produced by an independent implementation.
func knownRecord() *wire.AgentRecord {
	return &wire.AgentRecord{
		ServiceID:     "acn",
		LedgerID:      identity.LedgerFetchAI,
		Address:       "fetch19dq2mkcpp6x0aypxt9c9gz6n4fqvax0x9a7t5r",
		PublicKey:     "02358e3e42a6ba15cf6b2ba6eb05f02b8893acf82b316d7dd9cda702b0892b8c71",
		PeerPublicKey: "027af21aff853b9d9589867ea142b0a60a9611fc8e1fae04c2f7144113fa4e938e",
		Signature:     "N/GOa7/m3HU8/gpLJ88VCQ6vXsdrfiiYcqnNtF+c2N9VG9ZIiycykN4hdbpbOCGrChMYZQA3G1GpozsShrUBgg==",
	}
}

func TestBuildRecord(t *testing.T) {
	rec, err := BuildRecord(identity.LedgerFetchAI, agentKey, peerPublicKey, "")
	if err != nil {
		t.Fatalf("BuildRecord failed: %v", err)
	}
	if rec.Address != agentAddress {
		t.Errorf("address = %s, want %s", rec.Address, agentAddress)
	}
	if rec.ServiceID != DefaultServiceID {
		t.Errorf("service id = %q, want %q", rec.ServiceID, DefaultServiceID)
	}

	status, err := IsValidProofOfRepresentation(rec, agentAddress, peerPublicKey)
	if err != nil {
		t.Fatalf("built record does not verify: %v", err)
	}
	if status.Code != wire.StatusSuccess {
		t.Errorf("status = %s, want SUCCESS", status.Code)
	}

	id, err := RecordPeerID(rec)
	if err != nil {
		t.Fatal(err)
	}
	want, err := identity.PeerIDFromPublicKeyHex(peerPublicKey)
	if err != nil {
		t.Fatal(err)
	}
	if id != want {
		t.Errorf("RecordPeerID = %s, want %s", id, want)
	}
}

func TestBuildRecordEthereum(t *testing.T) {
	rec, err := BuildRecord(identity.LedgerEthereum, agentKey, peerPublicKey, "svc")
	if err != nil {
		t.Fatalf("BuildRecord failed: %v", err)
	}
	if err := VerifyRecord(rec); err != nil {
		t.Errorf("ethereum record does not verify: %v", err)
	}
}

func TestKnownRecordVerifies(t *testing.T) {
	rec := knownRecord()
	if err := VerifyRecord(rec); err != nil {
		t.Fatalf("VerifyRecord failed: %v", err)
	}
}

func TestProofOfRepresentationFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *wire.AgentRecord)
		addr   string
		peer   string
		code   wire.StatusCode
	}{
		{"wrong address", nil, agentAddress, "", wire.StatusErrWrongAgentAddress},
		{"wrong representative", nil, "", otherPeerKey, wire.StatusErrWrongPublicKey},
		{"unsupported ledger", func(r *wire.AgentRecord) { r.LedgerID = "bitcoin" }, "", "", wire.StatusErrUnsupportedLedger},
		{"public key of another agent", func(r *wire.AgentRecord) {
			r.PublicKey = "021aed1ce78a449109de6cc7ef516602a60d76e771b0cc2fef448b81d234d5b06b"
		}, "", "", wire.StatusErrWrongAgentAddress},
		{"tampered signature", func(r *wire.AgentRecord) {
			r.Signature = "M/GOa7/m3HU8/gpLJ88VCQ6vXsdrfiiYcqnNtF+c2N9VG9ZIiycykN4hdbpbOCGrChMYZQA3G1GpozsShrUBgg=="
		}, "", "", wire.StatusErrInvalidProof},
		{"malformed signature", func(r *wire.AgentRecord) { r.Signature = "!!" }, "", "", wire.StatusErrInvalidProof},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := knownRecord()
			if tt.mutate != nil {
				tt.mutate(rec)
			}
			addr := tt.addr
			if addr == "" {
				addr = rec.Address
			}
			peerPub := tt.peer
			if peerPub == "" {
				peerPub = rec.PeerPublicKey
			}

			status, err := IsValidProofOfRepresentation(rec, addr, peerPub)
			if err == nil {
				t.Fatal("expected failure")
			}
			if status.Code != tt.code {
				t.Errorf("status = %s, want %s (%v)", status.Code, tt.code, err)
			}
			if StatusCodeOf(err) != tt.code {
				t.Errorf("StatusCodeOf = %s, want %s", StatusCodeOf(err), tt.code)
			}
		})
	}
}

func TestSignatureBitFlipsRejected(t *testing.T) {
	for _, ledger := range []string{identity.LedgerFetchAI, identity.LedgerEthereum} {
		t.Run(ledger, func(t *testing.T) {
			rec, err := BuildRecord(ledger, agentKey, peerPublicKey, "")
			if err != nil {
				t.Fatalf("BuildRecord failed: %v", err)
			}
			if err := VerifyRecord(rec); err != nil {
				t.Fatalf("untouched record does not verify: %v", err)
			}

			sig := []byte(rec.Signature)
			for i := range sig {
				for bit := 0; bit < 8; bit++ {
					flipped := append([]byte(nil), sig...)
					flipped[i] ^= 1 << bit
					mutated := *rec
					mutated.Signature = string(flipped)

					err := VerifyRecord(&mutated)
					if err == nil {
						t.Fatalf("signature with byte %d bit %d flipped verifies", i, bit)
					}
					if code := StatusCodeOf(err); code != wire.StatusErrInvalidProof {
						t.Fatalf("byte %d bit %d: status = %s, want %s", i, bit, code, wire.StatusErrInvalidProof)
					}
				}
			}
		})
	}
}

func TestRecordValidityWindow(t *testing.T) {
	defer func(orig func() time.Time) { now = orig }(now)
	now = func() time.Time { return time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC) }

	tests := []struct {
		name      string
		notBefore string
		notAfter  string
		valid     bool
	}{
		{"unbounded", "", "", true},
		{"inside dates", "2026-01-01", "2027-01-01", true},
		{"inside rfc3339", "2026-05-31T23:00:00Z", "2026-06-01T01:00:00Z", true},
		{"not yet valid", "2026-07-01", "", false},
		{"expired", "", "2026-05-01", false},
		{"unparseable", "yesterday", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := knownRecord()
			rec.NotBefore = tt.notBefore
			rec.NotAfter = tt.notAfter
			err := VerifyRecord(rec)
			if tt.valid && err != nil {
				t.Errorf("expected valid record, got %v", err)
			}
			if !tt.valid {
				if err == nil {
					t.Fatal("expected invalid record")
				}
				if StatusCodeOf(err) != wire.StatusErrInvalidProof {
					t.Errorf("code = %s, want ERROR_INVALID_PROOF", StatusCodeOf(err))
				}
			}
		})
	}
}

func TestVerifyRecordNil(t *testing.T) {
	err := VerifyRecord(nil)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StatusError, got %v", err)
	}
	if _, err := RecordPeerID(nil); err == nil {
		t.Error("expected error for nil record")
	}
}

func TestBuildRecordErrors(t *testing.T) {
	if _, err := BuildRecord("bitcoin", agentKey, peerPublicKey, ""); !errors.Is(err, identity.ErrUnsupportedLedger) {
		t.Errorf("expected ErrUnsupportedLedger, got %v", err)
	}
	if _, err := BuildRecord(identity.LedgerFetchAI, "nothex", peerPublicKey, ""); !errors.Is(err, identity.ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}
