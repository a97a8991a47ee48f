// Package acntest holds helpers shared by the multi-node tests: throwaway
// keys and records, loopback addresses and an envelope inbox.
package acntest

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"

	"github.com/moltbunker/acn/internal/acn"
	"github.com/moltbunker/acn/internal/identity"
	"github.com/moltbunker/acn/internal/wire"
)

// Ledger is the ledger test records are built for.
const Ledger = identity.LedgerFetchAI

// Key is a generated secp256k1 key in the forms tests need.
type Key struct {
	Hex    string
	Priv   crypto.PrivKey
	PubHex string
}

func NewKey(t testing.TB) Key {
	t.Helper()
	keyHex, err := identity.GenerateKeyHex()
	if err != nil {
		t.Fatalf("GenerateKeyHex failed: %v", err)
	}
	priv, pub, err := identity.KeyPairFromHex(keyHex)
	if err != nil {
		t.Fatalf("KeyPairFromHex failed: %v", err)
	}
	pubHex, err := identity.PublicKeyHex(pub)
	if err != nil {
		t.Fatal(err)
	}
	return Key{Hex: keyHex, Priv: priv, PubHex: pubHex}
}

// NewRecord builds the record of a fresh agent represented by peerPubHex.
func NewRecord(t testing.TB, peerPubHex string) *wire.AgentRecord {
	t.Helper()
	agent := NewKey(t)
	rec, err := acn.BuildRecord(Ledger, agent.Hex, peerPubHex, "")
	if err != nil {
		t.Fatalf("BuildRecord failed: %v", err)
	}
	return rec
}

// FreeAddr returns a loopback host:port that was free a moment ago.
func FreeAddr(t testing.TB) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func Ping(from, to string, i int) *wire.Envelope {
	return &wire.Envelope{
		To:         to,
		Sender:     from,
		ProtocolID: "fetchai/default:1.0.0",
		Message:    []byte(fmt.Sprintf("ping %d", i)),
	}
}

// Inbox collects the envelopes delivered to a local agent. It implements
// acn.EnvelopeProcessor.
type Inbox struct {
	mu   sync.Mutex
	envs []*wire.Envelope
	ch   chan *wire.Envelope
}

func NewInbox() *Inbox {
	return &Inbox{ch: make(chan *wire.Envelope, 1024)}
}

func (in *Inbox) ProcessEnvelope(env *wire.Envelope) error {
	in.mu.Lock()
	in.envs = append(in.envs, env)
	in.mu.Unlock()
	in.ch <- env
	return nil
}

// Expect returns the next delivered envelope, failing t after timeout.
func (in *Inbox) Expect(t testing.TB, timeout time.Duration) *wire.Envelope {
	t.Helper()
	select {
	case env := <-in.ch:
		return env
	case <-time.After(timeout):
		t.Fatalf("no envelope delivered within %s", timeout)
		return nil
	}
}

// Len is the number of envelopes delivered so far.
func (in *Inbox) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.envs)
}
