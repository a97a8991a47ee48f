package identity

import (
	"errors"
	"reflect"
	"testing"
)

func TestAddressFromPublicKey(t *testing.T) {
	tests := []struct {
		name   string
		ledger string
		pub    string
		want   string
	}{
		{"fetchai", LedgerFetchAI, fetchAIRecordPublicKey, fetchAIRecordAddress},
		{"ethereum", LedgerEthereum, ethereumPublicKey, ethereumAddress},
		{"ethereum without prefix", LedgerEthereum, ethereumPublicKey[2:], ethereumAddress},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := AddressFromPublicKey(tt.ledger, tt.pub)
			if err != nil {
				t.Fatalf("AddressFromPublicKey failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCosmosPrefix(t *testing.T) {
	fetch, err := AddressFromPublicKey(LedgerFetchAI, fetchAIRecordPublicKey)
	if err != nil {
		t.Fatal(err)
	}
	cosmos, err := AddressFromPublicKey(LedgerCosmos, fetchAIRecordPublicKey)
	if err != nil {
		t.Fatal(err)
	}
	if cosmos[:7] != "cosmos1" {
		t.Errorf("unexpected cosmos address %s", cosmos)
	}
	// same payload, different human readable part and checksum
	if fetch[6:len(fetch)-6] != cosmos[7:len(cosmos)-6] {
		t.Errorf("address payloads differ: %s vs %s", fetch, cosmos)
	}
}

func TestAgentKeysToAddresses(t *testing.T) {
	for i, key := range agentTestKeys {
		pub, err := PublicKeyFromPrivateKey(LedgerFetchAI, key)
		if err != nil {
			t.Fatalf("key %d: PublicKeyFromPrivateKey failed: %v", i, err)
		}
		addr, err := AddressFromPublicKey(LedgerFetchAI, pub)
		if err != nil {
			t.Fatalf("key %d: AddressFromPublicKey failed: %v", i, err)
		}
		if addr != agentTestAddresses[i] {
			t.Errorf("key %d: got %s, want %s", i, addr, agentTestAddresses[i])
		}
	}
}

func TestPublicKeyFromPrivateKey(t *testing.T) {
	tests := []struct {
		ledger string
		priv   string
		want   string
	}{
		{LedgerFetchAI, "17d0eb590228d1418d0693bbbf41a3e1fd51b516b2fd37ed16301232c18b4e8e", "021aed1ce78a449109de6cc7ef516602a60d76e771b0cc2fef448b81d234d5b06b"},
		{LedgerEthereum, "0xeddbb87bd92c82f5e6700e8b9960a044a23cb2323ea4b827fa5927f0af03e564", "0x5355ba6a065dfe10619f080894d66343b952ca6768988112afd5f2228fbf813d331097564d8fb5ec9e8dbd8ff0f8d2b72e02a61956d2f89a731af4626ec3753c"},
	}
	for _, tt := range tests {
		t.Run(tt.ledger, func(t *testing.T) {
			got, err := PublicKeyFromPrivateKey(tt.ledger, tt.priv)
			if err != nil {
				t.Fatalf("PublicKeyFromPrivateKey failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestVerifyKnownSignatures(t *testing.T) {
	ok, err := Verify(LedgerFetchAI, []byte(fetchAIRecordPeerPublicKey), fetchAIRecordSignature, fetchAIRecordPublicKey)
	if err != nil {
		t.Fatalf("fetchai Verify failed: %v", err)
	}
	if !ok {
		t.Error("fetchai signature should verify")
	}

	ok, err = Verify(LedgerEthereum, []byte(ethereumPublicKey), ethereumSignature, ethereumPublicKey)
	if err != nil {
		t.Fatalf("ethereum Verify failed: %v", err)
	}
	if !ok {
		t.Error("ethereum signature should verify")
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	tests := []struct {
		ledger string
		priv   string
	}{
		{LedgerFetchAI, agentTestKeys[0]},
		{LedgerCosmos, agentTestKeys[1]},
		{LedgerEthereum, agentTestKeys[2]},
	}

	for _, tt := range tests {
		t.Run(tt.ledger, func(t *testing.T) {
			pub, err := PublicKeyFromPrivateKey(tt.ledger, tt.priv)
			if err != nil {
				t.Fatal(err)
			}
			msg := []byte(peerTestPublicKeys[0])
			sig, err := Sign(tt.ledger, msg, tt.priv)
			if err != nil {
				t.Fatalf("Sign failed: %v", err)
			}

			ok, err := Verify(tt.ledger, msg, sig, pub)
			if err != nil || !ok {
				t.Fatalf("Verify(own signature) = %v, %v", ok, err)
			}

			ok, err = Verify(tt.ledger, []byte("another message"), sig, pub)
			if err != nil {
				t.Fatalf("Verify(other message) error: %v", err)
			}
			if ok {
				t.Error("signature verified over a different message")
			}

			otherPub, err := PublicKeyFromPrivateKey(tt.ledger, agentTestKeys[9])
			if err != nil {
				t.Fatal(err)
			}
			ok, err = Verify(tt.ledger, msg, sig, otherPub)
			if err != nil {
				t.Fatalf("Verify(other key) error: %v", err)
			}
			if ok {
				t.Error("signature verified under a different key")
			}
		})
	}
}

func TestSignIsDeterministicForCosmos(t *testing.T) {
	a, err := Sign(LedgerFetchAI, []byte("m"), agentTestKeys[3])
	if err != nil {
		t.Fatal(err)
	}
	b, err := Sign(LedgerFetchAI, []byte("m"), agentTestKeys[3])
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("expected deterministic signatures, got %s and %s", a, b)
	}
}

func TestVerifyRejectsMalformedSignature(t *testing.T) {
	tests := []struct {
		name   string
		ledger string
		sig    string
		pub    string
	}{
		{"fetchai not base64", LedgerFetchAI, "%%%", fetchAIRecordPublicKey},
		{"fetchai short", LedgerFetchAI, "AAAA", fetchAIRecordPublicKey},
		{"ethereum not hex", LedgerEthereum, "0xzz", ethereumPublicKey},
		{"ethereum short", LedgerEthereum, "0x00", ethereumPublicKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Verify(tt.ledger, []byte("m"), tt.sig, tt.pub)
			if !errors.Is(err, ErrInvalidSignature) {
				t.Errorf("expected ErrInvalidSignature, got %v", err)
			}
		})
	}
}

func TestUnsupportedLedger(t *testing.T) {
	if _, err := AddressFromPublicKey("bitcoin", fetchAIRecordPublicKey); !errors.Is(err, ErrUnsupportedLedger) {
		t.Errorf("expected ErrUnsupportedLedger, got %v", err)
	}
	if _, err := Verify("", nil, "", ""); !errors.Is(err, ErrUnsupportedLedger) {
		t.Errorf("expected ErrUnsupportedLedger, got %v", err)
	}
	want := []string{LedgerCosmos, LedgerEthereum, LedgerFetchAI}
	if got := SupportedLedgers(); !reflect.DeepEqual(got, want) {
		t.Errorf("SupportedLedgers() = %v, want %v", got, want)
	}
}

func TestInvalidPublicKey(t *testing.T) {
	if _, err := AddressFromPublicKey(LedgerFetchAI, "02abcd"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
	if _, err := AddressFromPublicKey(LedgerEthereum, "0x1234"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}
