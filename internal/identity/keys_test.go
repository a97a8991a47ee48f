package identity

import (
	"errors"
	"testing"
)

func TestKeyPairFromHex(t *testing.T) {
	for i, key := range peerTestKeys {
		_, pub, err := KeyPairFromHex(key)
		if err != nil {
			t.Fatalf("key %d: KeyPairFromHex failed: %v", i, err)
		}
		got, err := PublicKeyHex(pub)
		if err != nil {
			t.Fatalf("key %d: PublicKeyHex failed: %v", i, err)
		}
		if got != peerTestPublicKeys[i] {
			t.Errorf("key %d: got %s, want %s", i, got, peerTestPublicKeys[i])
		}
	}
}

func TestKeyPairFromHexAcceptsPrefix(t *testing.T) {
	_, a, err := KeyPairFromHex("0x" + peerTestKeys[0])
	if err != nil {
		t.Fatal(err)
	}
	_, b, err := KeyPairFromHex(peerTestKeys[0])
	if err != nil {
		t.Fatal(err)
	}
	if !a.Equals(b) {
		t.Error("0x prefix changed the decoded key")
	}
}

func TestKeyPairFromHexInvalid(t *testing.T) {
	for _, key := range []string{"", "zz", "abcd"} {
		if _, _, err := KeyPairFromHex(key); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("KeyPairFromHex(%q): expected ErrInvalidKey, got %v", key, err)
		}
	}
}

func TestPeerIDFromPublicKeyHex(t *testing.T) {
	priv, pub, err := KeyPairFromHex(peerTestKeys[1])
	if err != nil {
		t.Fatal(err)
	}
	fromHex, err := PeerIDFromPublicKeyHex(peerTestPublicKeys[1])
	if err != nil {
		t.Fatalf("PeerIDFromPublicKeyHex failed: %v", err)
	}
	fromKey, err := PeerIDFromPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	if fromHex != fromKey {
		t.Errorf("peer ids differ: %s vs %s", fromHex, fromKey)
	}
	if !fromHex.MatchesPrivateKey(priv) {
		t.Error("peer id does not match private key")
	}

	other, err := PeerIDFromPublicKeyHex(peerTestPublicKeys[2])
	if err != nil {
		t.Fatal(err)
	}
	if other == fromHex {
		t.Error("distinct keys produced the same peer id")
	}
}

func TestGenerateKeyHex(t *testing.T) {
	a, err := GenerateKeyHex()
	if err != nil {
		t.Fatalf("GenerateKeyHex failed: %v", err)
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
	if _, _, err := KeyPairFromHex(a); err != nil {
		t.Errorf("generated key does not decode: %v", err)
	}
	b, err := GenerateKeyHex()
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("two generated keys are equal")
	}
}
