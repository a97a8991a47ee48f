package identity

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethereum/go-ethereum/crypto"
)

// highSFetchAI returns the other valid signature of the same message: s
// replaced by n-s.
func highSFetchAI(t *testing.T, sig string) string {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		t.Fatal(err)
	}
	var s btcec.ModNScalar
	s.SetByteSlice(raw[32:])
	s.Negate()
	b := s.Bytes()
	copy(raw[32:], b[:])
	return base64.StdEncoding.EncodeToString(raw)
}

// highSEthereum mirrors s and flips the recovery id, which recovers the
// same public key.
func highSEthereum(t *testing.T, sig string) string {
	t.Helper()
	raw, err := hex.DecodeString(sig[2:])
	if err != nil {
		t.Fatal(err)
	}
	s := new(big.Int).SetBytes(raw[32:64])
	s.Sub(crypto.S256().Params().N, s)
	s.FillBytes(raw[32:64])
	raw[64] = 27 + 28 - raw[64]
	return "0x" + hex.EncodeToString(raw)
}

func TestVerifyRejectsNonCanonicalSignature(t *testing.T) {
	fetchMsg := []byte(fetchAIRecordPeerPublicKey)
	ethMsg := []byte(ethereumPublicKey)

	tests := []struct {
		name    string
		ledger  string
		msg     []byte
		sig     string
		pub     string
		wantErr bool
	}{
		{"fetchai padding bits set", LedgerFetchAI, fetchMsg,
			strings.TrimSuffix(fetchAIRecordSignature, "g==") + "h==", fetchAIRecordPublicKey, true},
		{"fetchai missing padding", LedgerFetchAI, fetchMsg,
			strings.TrimSuffix(fetchAIRecordSignature, "=="), fetchAIRecordPublicKey, true},
		{"fetchai high s", LedgerFetchAI, fetchMsg,
			highSFetchAI(t, fetchAIRecordSignature), fetchAIRecordPublicKey, false},
		{"ethereum uppercase hex", LedgerEthereum, ethMsg,
			"0x" + strings.ToUpper(ethereumSignature[2:]), ethereumPublicKey, true},
		{"ethereum uppercase prefix", LedgerEthereum, ethMsg,
			"0X" + ethereumSignature[2:], ethereumPublicKey, true},
		{"ethereum no prefix", LedgerEthereum, ethMsg,
			ethereumSignature[2:], ethereumPublicKey, true},
		{"ethereum high s", LedgerEthereum, ethMsg,
			highSEthereum(t, ethereumSignature), ethereumPublicKey, false},
		{"ethereum raw recovery id", LedgerEthereum, ethMsg,
			ethereumSignature[:len(ethereumSignature)-2] + "01", ethereumPublicKey, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := Verify(tt.ledger, tt.msg, tt.sig, tt.pub)
			if ok {
				t.Fatal("non-canonical signature verified")
			}
			if tt.wantErr && !errors.Is(err, ErrInvalidSignature) {
				t.Errorf("expected ErrInvalidSignature, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
