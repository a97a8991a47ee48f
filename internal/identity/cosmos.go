package identity

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // cosmos addresses are defined over ripemd160
)

// cosmosLedger implements the cosmos-sdk secp256k1 scheme shared by fetchai
// and cosmos, which differ only in their bech32 prefix.
type cosmosLedger struct {
	id     string
	prefix string
}

func (l cosmosLedger) ID() string { return l.id }

func (l cosmosLedger) AddressFromPublicKey(pubHex string) (string, error) {
	pub, err := parseBTCPublicKey(pubHex)
	if err != nil {
		return "", err
	}
	sha := sha256.Sum256(pub.SerializeCompressed())
	h := ripemd160.New()
	h.Write(sha[:])

	conv, err := bech32.ConvertBits(h.Sum(nil), 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("failed to convert address bits: %w", err)
	}
	return bech32.Encode(l.prefix, conv)
}

func (l cosmosLedger) PublicKeyFromPrivateKey(privHex string) (string, error) {
	priv, err := parseBTCPrivateKey(privHex)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(priv.PubKey().SerializeCompressed()), nil
}

// Sign produces base64(r||s) over sha256(message). Signatures are
// deterministic and low-S.
func (l cosmosLedger) Sign(message []byte, privHex string) (string, error) {
	priv, err := parseBTCPrivateKey(privHex)
	if err != nil {
		return "", err
	}
	hash := sha256.Sum256(message)
	raw, err := ConvertDERToRaw(ecdsa.Sign(priv, hash[:]).Serialize())
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Verify accepts only the canonical form of a signature: strict base64
// and low-S, so that no other encoding of the same signature verifies.
func (l cosmosLedger) Verify(message []byte, signature, pubHex string) (bool, error) {
	pub, err := parseBTCPublicKey(pubHex)
	if err != nil {
		return false, err
	}
	raw, err := base64.StdEncoding.Strict().DecodeString(signature)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(raw) != 64 {
		return false, fmt.Errorf("%w: expected 64 bytes, got %d", ErrInvalidSignature, len(raw))
	}

	var r, s btcec.ModNScalar
	if r.SetByteSlice(raw[:32]) || s.SetByteSlice(raw[32:]) {
		return false, fmt.Errorf("%w: scalar overflow", ErrInvalidSignature)
	}
	if r.IsZero() || s.IsZero() {
		return false, fmt.Errorf("%w: zero scalar", ErrInvalidSignature)
	}
	if s.IsOverHalfOrder() {
		return false, nil
	}

	hash := sha256.Sum256(message)
	return ecdsa.NewSignature(&r, &s).Verify(hash[:], pub), nil
}

func parseBTCPrivateKey(privHex string) (*btcec.PrivateKey, error) {
	raw, err := hex.DecodeString(strip0x(privHex))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != btcec.PrivKeyBytesLen {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, btcec.PrivKeyBytesLen, len(raw))
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	return priv, nil
}

func parseBTCPublicKey(pubHex string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(strip0x(pubHex))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	pub, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return pub, nil
}
