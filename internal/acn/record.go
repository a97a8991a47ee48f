package acn

import (
	"errors"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/moltbunker/acn/internal/identity"
	"github.com/moltbunker/acn/internal/wire"
)

// DefaultServiceID is stamped on records built without an explicit service.
const DefaultServiceID = "acn"

// now is replaced in tests.
var now = time.Now

var validityLayouts = []string{time.RFC3339, "2006-01-02"}

// BuildRecord signs peerPubHex with the agent key and returns the record
// proving the agent authorised that peer to represent it.
func BuildRecord(ledgerID, agentPrivHex, peerPubHex, serviceID string) (*wire.AgentRecord, error) {
	ledger, err := identity.LookupLedger(ledgerID)
	if err != nil {
		return nil, err
	}
	pub, err := ledger.PublicKeyFromPrivateKey(agentPrivHex)
	if err != nil {
		return nil, fmt.Errorf("failed to derive agent public key: %w", err)
	}
	addr, err := ledger.AddressFromPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to derive agent address: %w", err)
	}
	sig, err := ledger.Sign([]byte(peerPubHex), agentPrivHex)
	if err != nil {
		return nil, fmt.Errorf("failed to sign peer public key: %w", err)
	}
	if serviceID == "" {
		serviceID = DefaultServiceID
	}

	return &wire.AgentRecord{
		ServiceID:     serviceID,
		LedgerID:      ledgerID,
		Address:       addr,
		PublicKey:     pub,
		PeerPublicKey: peerPubHex,
		Signature:     sig,
	}, nil
}

// IsValidProofOfRepresentation checks that record proves the agent at
// address authorised the peer holding representativePeerPubKey. The
// returned status carries the code to answer the counterparty with; it is
// success exactly when the error is nil.
func IsValidProofOfRepresentation(record *wire.AgentRecord, address, representativePeerPubKey string) (*wire.StatusBody, error) {
	if err := checkRecord(record, address, representativePeerPubKey); err != nil {
		var se *StatusError
		if !errors.As(err, &se) {
			se = NewStatusError(wire.StatusErrGeneric, err.Error())
		}
		return se.Body(), err
	}
	return &wire.StatusBody{Code: wire.StatusSuccess}, nil
}

// VerifyRecord checks a record against its own address and peer key. It is
// used for records obtained from lookups, where no representative is known
// in advance.
func VerifyRecord(record *wire.AgentRecord) error {
	if record == nil {
		return NewStatusError(wire.StatusErrGeneric, "missing agent record")
	}
	return checkRecord(record, record.Address, record.PeerPublicKey)
}

// RecordPeerID returns the id of the peer a record designates.
func RecordPeerID(record *wire.AgentRecord) (peer.ID, error) {
	if record == nil {
		return "", errors.New("missing agent record")
	}
	return identity.PeerIDFromPublicKeyHex(record.PeerPublicKey)
}

func checkRecord(record *wire.AgentRecord, address, representativePeerPubKey string) error {
	if record == nil {
		return NewStatusError(wire.StatusErrGeneric, "missing agent record")
	}
	if record.Address != address {
		return NewStatusError(wire.StatusErrWrongAgentAddress,
			fmt.Sprintf("agent address %s does not match record address %s", address, record.Address))
	}
	if record.PeerPublicKey != representativePeerPubKey {
		return NewStatusError(wire.StatusErrWrongPublicKey,
			"record peer public key does not match the representative peer")
	}

	ledger, err := identity.LookupLedger(record.LedgerID)
	if err != nil {
		return NewStatusError(wire.StatusErrUnsupportedLedger, err.Error())
	}
	derived, err := ledger.AddressFromPublicKey(record.PublicKey)
	if err != nil {
		return NewStatusError(wire.StatusErrWrongPublicKey,
			fmt.Sprintf("invalid agent public key: %v", err))
	}
	if derived != record.Address {
		return NewStatusError(wire.StatusErrWrongAgentAddress,
			fmt.Sprintf("agent public key derives address %s, record claims %s", derived, record.Address))
	}

	ok, err := ledger.Verify([]byte(record.PeerPublicKey), record.Signature, record.PublicKey)
	if err != nil {
		return NewStatusError(wire.StatusErrInvalidProof, fmt.Sprintf("malformed signature: %v", err))
	}
	if !ok {
		return NewStatusError(wire.StatusErrInvalidProof, "signature does not verify")
	}

	return checkValidity(record)
}

func checkValidity(record *wire.AgentRecord) error {
	t := now()
	if record.NotBefore != "" {
		nb, err := parseValidity(record.NotBefore)
		if err != nil {
			return NewStatusError(wire.StatusErrInvalidProof, fmt.Sprintf("invalid not_before: %v", err))
		}
		if t.Before(nb) {
			return NewStatusError(wire.StatusErrInvalidProof, "record not yet valid")
		}
	}
	if record.NotAfter != "" {
		na, err := parseValidity(record.NotAfter)
		if err != nil {
			return NewStatusError(wire.StatusErrInvalidProof, fmt.Sprintf("invalid not_after: %v", err))
		}
		if t.After(na) {
			return NewStatusError(wire.StatusErrInvalidProof, "record expired")
		}
	}
	return nil
}

func parseValidity(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range validityLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
