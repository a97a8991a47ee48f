package identity

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

type ethereumLedger struct{}

func (ethereumLedger) ID() string { return LedgerEthereum }

// AddressFromPublicKey accepts the 64-byte "0x" prefixed key used by agents
// as well as the 65-byte uncompressed form, and returns the EIP-55 address.
func (ethereumLedger) AddressFromPublicKey(pubHex string) (string, error) {
	raw, err := hex.DecodeString(strip0x(pubHex))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) == 64 {
		raw = append([]byte{0x04}, raw...)
	}
	pub, err := crypto.UnmarshalPubkey(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}

func (ethereumLedger) PublicKeyFromPrivateKey(privHex string) (string, error) {
	key, err := crypto.HexToECDSA(strip0x(privHex))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return "0x" + hex.EncodeToString(crypto.FromECDSAPub(&key.PublicKey)[1:]), nil
}

// Sign produces an EIP-191 personal signature with V in {27, 28}.
func (ethereumLedger) Sign(message []byte, privHex string) (string, error) {
	key, err := crypto.HexToECDSA(strip0x(privHex))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	sig, err := crypto.Sign(ethPersonalHash(message), key)
	if err != nil {
		return "", fmt.Errorf("failed to sign message: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + hex.EncodeToString(sig), nil
}

// Verify accepts only the encoding Sign produces: "0x" followed by
// lowercase hex, V in {27, 28} and a low-S value.
func (l ethereumLedger) Verify(message []byte, signature, pubHex string) (bool, error) {
	expected, err := l.AddressFromPublicKey(pubHex)
	if err != nil {
		return false, err
	}
	if !strings.HasPrefix(signature, "0x") {
		return false, fmt.Errorf("%w: missing 0x prefix", ErrInvalidSignature)
	}
	sigBytes, err := hex.DecodeString(signature[2:])
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(sigBytes) != 65 {
		return false, fmt.Errorf("%w: expected 65 bytes, got %d", ErrInvalidSignature, len(sigBytes))
	}
	if hex.EncodeToString(sigBytes) != signature[2:] {
		return false, fmt.Errorf("%w: hex must be lowercase", ErrInvalidSignature)
	}

	v := sigBytes[64]
	if v != 27 && v != 28 {
		return false, nil
	}
	r := new(big.Int).SetBytes(sigBytes[:32])
	s := new(big.Int).SetBytes(sigBytes[32:64])
	if !crypto.ValidateSignatureValues(v-27, r, s, true) {
		return false, nil
	}

	sigForRecovery := make([]byte, 65)
	copy(sigForRecovery, sigBytes)
	sigForRecovery[64] = v - 27

	pub, err := crypto.SigToPub(ethPersonalHash(message), sigForRecovery)
	if err != nil {
		// an unrecoverable signature is a mismatch, not a decode error
		return false, nil
	}
	return crypto.PubkeyToAddress(*pub).Hex() == expected, nil
}

// ethPersonalHash computes the EIP-191 personal_sign hash of a message.
func ethPersonalHash(message []byte) []byte {
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)
	return crypto.Keccak256([]byte(prefixed))
}
