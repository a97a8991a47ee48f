package identity

import (
	"errors"
	"fmt"
	"sort"
)

// Ledger identifiers understood by the network.
const (
	LedgerFetchAI  = "fetchai"
	LedgerCosmos   = "cosmos"
	LedgerEthereum = "ethereum"
)

var (
	// ErrUnsupportedLedger is returned for ledger ids with no registered scheme.
	ErrUnsupportedLedger = errors.New("unsupported ledger")

	// ErrInvalidSignature is returned when a signature cannot be decoded.
	ErrInvalidSignature = errors.New("invalid signature")
)

// Ledger is an address and signature scheme for agent keys.
type Ledger interface {
	ID() string
	AddressFromPublicKey(pubHex string) (string, error)
	PublicKeyFromPrivateKey(privHex string) (string, error)
	Sign(message []byte, privHex string) (string, error)
	Verify(message []byte, signature, pubHex string) (bool, error)
}

var ledgers = map[string]Ledger{
	LedgerFetchAI:  cosmosLedger{id: LedgerFetchAI, prefix: "fetch"},
	LedgerCosmos:   cosmosLedger{id: LedgerCosmos, prefix: "cosmos"},
	LedgerEthereum: ethereumLedger{},
}

// LookupLedger returns the scheme registered for a ledger id.
func LookupLedger(id string) (Ledger, error) {
	l, ok := ledgers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedLedger, id)
	}
	return l, nil
}

// SupportedLedgers lists the registered ledger ids in sorted order.
func SupportedLedgers() []string {
	ids := make([]string, 0, len(ledgers))
	for id := range ledgers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func AddressFromPublicKey(ledgerID, pubHex string) (string, error) {
	l, err := LookupLedger(ledgerID)
	if err != nil {
		return "", err
	}
	return l.AddressFromPublicKey(pubHex)
}

func PublicKeyFromPrivateKey(ledgerID, privHex string) (string, error) {
	l, err := LookupLedger(ledgerID)
	if err != nil {
		return "", err
	}
	return l.PublicKeyFromPrivateKey(privHex)
}

// Sign signs message with the ledger's scheme and returns the ledger's
// string encoding of the signature.
func Sign(ledgerID string, message []byte, privHex string) (string, error) {
	l, err := LookupLedger(ledgerID)
	if err != nil {
		return "", err
	}
	return l.Sign(message, privHex)
}

// Verify reports whether signature over message was produced by the key
// behind pubHex. Malformed input is an error, a well formed signature from
// another key is (false, nil).
func Verify(ledgerID string, message []byte, signature, pubHex string) (bool, error) {
	l, err := LookupLedger(ledgerID)
	if err != nil {
		return false, err
	}
	return l.Verify(message, signature, pubHex)
}
