package identity

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// ErrInvalidKey is returned when a hex encoded key cannot be decoded.
var ErrInvalidKey = errors.New("invalid key")

// KeyPairFromHex decodes a hex encoded secp256k1 private key into a libp2p
// key pair. A leading "0x" is accepted.
func KeyPairFromHex(keyHex string) (crypto.PrivKey, crypto.PubKey, error) {
	raw, err := hex.DecodeString(strip0x(keyHex))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	priv, err := crypto.UnmarshalSecp256k1PrivateKey(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return priv, priv.GetPublic(), nil
}

// GenerateKeyHex returns a fresh secp256k1 private key as hex.
func GenerateKeyHex() (string, error) {
	priv, _, err := crypto.GenerateSecp256k1Key(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("failed to generate secp256k1 key: %w", err)
	}
	raw, err := priv.Raw()
	if err != nil {
		return "", fmt.Errorf("failed to encode secp256k1 key: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// PublicKeyFromHex decodes a compressed secp256k1 public key.
func PublicKeyFromHex(pubHex string) (crypto.PubKey, error) {
	raw, err := hex.DecodeString(strip0x(pubHex))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	pub, err := crypto.UnmarshalSecp256k1PublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return pub, nil
}

// PublicKeyHex returns the compressed hex form of a secp256k1 public key.
func PublicKeyHex(pub crypto.PubKey) (string, error) {
	raw, err := pub.Raw()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

// PeerIDFromPublicKeyHex derives the libp2p peer ID of a compressed
// secp256k1 public key.
func PeerIDFromPublicKeyHex(pubHex string) (peer.ID, error) {
	pub, err := PublicKeyFromHex(pubHex)
	if err != nil {
		return "", err
	}
	return PeerIDFromPublicKey(pub)
}

func PeerIDFromPublicKey(pub crypto.PubKey) (peer.ID, error) {
	id, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to derive peer id: %w", err)
	}
	return id, nil
}

func strip0x(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s[2:]
	}
	return s
}
