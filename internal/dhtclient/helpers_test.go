package dhtclient

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/moltbunker/acn/internal/acntest"
	"github.com/moltbunker/acn/internal/dhtpeer"
	"github.com/moltbunker/acn/internal/wire"
)

const deliveryTimeout = 10 * time.Second

type relayPeer struct {
	*dhtpeer.DHTPeer
	inbox *acntest.Inbox
}

// newRelayPeer starts a relay-enabled peer with its own agent, joined to
// entries.
func newRelayPeer(t *testing.T, entries ...*relayPeer) *relayPeer {
	t.Helper()
	key := acntest.NewKey(t)
	addr := acntest.FreeAddr(t)
	in := acntest.NewInbox()
	cfg := dhtpeer.Config{
		Key:           key.Priv,
		LocalAddr:     addr,
		PublicAddr:    addr,
		EnableRelay:   true,
		AgentRecord:   acntest.NewRecord(t, key.PubHex),
		LookupTimeout: 10 * time.Second,
		Processor:     in,
	}
	for _, e := range entries {
		cfg.EntryPeers = append(cfg.EntryPeers, e.AddrInfo())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	p, err := dhtpeer.New(ctx, cfg)
	if err != nil {
		t.Fatalf("failed to start peer: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return &relayPeer{DHTPeer: p, inbox: in}
}

type testClient struct {
	*DHTClient
	inbox *acntest.Inbox
}

func clientConfig(t *testing.T, relays ...*relayPeer) (Config, *acntest.Inbox) {
	t.Helper()
	key := acntest.NewKey(t)
	in := acntest.NewInbox()
	entries := make([]peer.AddrInfo, 0, len(relays))
	for _, r := range relays {
		entries = append(entries, r.AddrInfo())
	}
	return Config{
		Key:              key.Priv,
		EntryPeers:       entries,
		AgentRecord:      acntest.NewRecord(t, key.PubHex),
		BootstrapTimeout: 20 * time.Second,
		RegisterTimeout:  20 * time.Second,
		NewStreamTimeout: 20 * time.Second,
		LookupTimeout:    10 * time.Second,
		Processor:        in,
	}, in
}

func newTestClient(t *testing.T, relay *relayPeer) *testClient {
	t.Helper()
	cfg, in := clientConfig(t, relay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	c, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("failed to start client: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return &testClient{DHTClient: c, inbox: in}
}

type router interface {
	RouteEnvelope(context.Context, *wire.Envelope) error
	AgentAddress() string
}

// route sends ping i from the agent of from to the address to.
func route(t *testing.T, from router, to string, i int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := from.RouteEnvelope(ctx, acntest.Ping(from.AgentAddress(), to, i)); err != nil {
		t.Fatalf("RouteEnvelope %s -> %s failed: %v", from.AgentAddress(), to, err)
	}
}
