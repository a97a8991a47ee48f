package dhtpeer

import (
	"context"
	"testing"
	"time"

	"github.com/moltbunker/acn/internal/acntest"
)

type testPeer struct {
	*DHTPeer
	key   acntest.Key
	inbox *acntest.Inbox
}

type peerOption func(*Config)

func withEntry(entries ...*testPeer) peerOption {
	return func(c *Config) {
		for _, e := range entries {
			c.EntryPeers = append(c.EntryPeers, e.AddrInfo())
		}
	}
}

func withDelegate() peerOption {
	return func(c *Config) { c.DelegateAddr = "127.0.0.1:0" }
}

func withoutAgent() peerOption {
	return func(c *Config) { c.AgentRecord = nil }
}

func withStorage(path string) peerOption {
	return func(c *Config) { c.StoragePath = path }
}

// newTestPeer starts a relay-enabled peer with its own agent on loopback.
func newTestPeer(t *testing.T, opts ...peerOption) *testPeer {
	t.Helper()
	key := acntest.NewKey(t)
	addr := acntest.FreeAddr(t)
	in := acntest.NewInbox()
	cfg := Config{
		Key:           key.Priv,
		LocalAddr:     addr,
		PublicAddr:    addr,
		EnableRelay:   true,
		AgentRecord:   acntest.NewRecord(t, key.PubHex),
		LookupTimeout: 10 * time.Second,
		Processor:     in,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	p, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("failed to start peer: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return &testPeer{DHTPeer: p, key: key, inbox: in}
}
