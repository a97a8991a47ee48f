package dhtclient

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/moltbunker/acn/internal/acn"
	"github.com/moltbunker/acn/internal/acntest"
	"github.com/moltbunker/acn/internal/util"
	"github.com/moltbunker/acn/internal/wire"
)

func TestNewValidatesConfig(t *testing.T) {
	key := acntest.NewKey(t)
	entry := peer.AddrInfo{ID: "QmEntry"}

	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing key", Config{EntryPeers: []peer.AddrInfo{entry}, AgentRecord: acntest.NewRecord(t, key.PubHex)}},
		{"missing record", Config{Key: key.Priv, EntryPeers: []peer.AddrInfo{entry}}},
		{"no entry peers", Config{Key: key.Priv, AgentRecord: acntest.NewRecord(t, key.PubHex)}},
		{"record for another peer", Config{
			Key:         key.Priv,
			EntryPeers:  []peer.AddrInfo{entry},
			AgentRecord: acntest.NewRecord(t, acntest.NewKey(t).PubHex),
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(context.Background(), tt.cfg)
			if err == nil {
				c.Close()
				t.Fatal("expected New to fail")
			}
		})
	}
}

func TestNewFailsWithoutReachableRelay(t *testing.T) {
	cfg, _ := clientConfig(t)
	other := acntest.NewKey(t)
	id, err := peer.IDFromPrivateKey(other.Priv)
	if err != nil {
		t.Fatal(err)
	}
	info, err := peer.AddrInfoFromString("/ip4/127.0.0.1/tcp/1/p2p/" + id.String())
	if err != nil {
		t.Fatal(err)
	}
	cfg.EntryPeers = []peer.AddrInfo{*info}
	cfg.BootstrapTimeout = time.Second

	start := time.Now()
	c, err := New(context.Background(), cfg)
	if err == nil {
		c.Close()
		t.Fatal("expected New to fail without a reachable relay")
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("bootstrap was not bounded by its timeout: took %s", elapsed)
	}
}

func TestClientRegistersWithRelay(t *testing.T) {
	p := newRelayPeer(t)
	c := newTestClient(t, p)

	if c.RelayPeer() != p.ID() {
		t.Fatalf("relay = %s, want %s", c.RelayPeer(), p.ID())
	}
	if c.MultiAddr() != "" {
		t.Errorf("client should not advertise an address, got %q", c.MultiAddr())
	}
	if c.registered.Load() != 1 {
		t.Errorf("registrations = %d, want 1", c.registered.Load())
	}

	// the relay can now resolve the client's address
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := c.Host().NewStream(ctx, p.ID(), acn.ProtocolAddress)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	rec, err := acn.LookupAddress(s, c.AgentAddress())
	if err != nil {
		t.Fatalf("relay lookup of client address failed: %v", err)
	}
	if rec.Address != c.AgentAddress() {
		t.Errorf("relay returned record for %s", rec.Address)
	}
}

func TestClientAndRelayExchange(t *testing.T) {
	p := newRelayPeer(t)
	c := newTestClient(t, p)

	route(t, c, p.AgentAddress(), 1)
	got := p.inbox.Expect(t, deliveryTimeout)
	if got.Sender != c.AgentAddress() || !bytes.Equal(got.Message, []byte("ping 1")) {
		t.Fatalf("relay agent got %s", got)
	}

	route(t, p, c.AgentAddress(), 2)
	got = c.inbox.Expect(t, deliveryTimeout)
	if got.Sender != p.AgentAddress() || !bytes.Equal(got.Message, []byte("ping 2")) {
		t.Fatalf("client agent got %s", got)
	}
}

func TestClientsOnSameRelay(t *testing.T) {
	p := newRelayPeer(t)
	c1 := newTestClient(t, p)
	c2 := newTestClient(t, p)

	route(t, c1, c2.AgentAddress(), 1)
	if got := c2.inbox.Expect(t, deliveryTimeout); got.Sender != c1.AgentAddress() {
		t.Fatalf("c2 got envelope from %s", got.Sender)
	}
	route(t, c2, c1.AgentAddress(), 2)
	if got := c1.inbox.Expect(t, deliveryTimeout); got.Sender != c2.AgentAddress() {
		t.Fatalf("c1 got envelope from %s", got.Sender)
	}
}

func TestClientsOnDifferentRelays(t *testing.T) {
	p1 := newRelayPeer(t)
	p2 := newRelayPeer(t, p1)
	c1 := newTestClient(t, p1)
	c2 := newTestClient(t, p2)

	route(t, c1, c2.AgentAddress(), 1)
	c2.inbox.Expect(t, deliveryTimeout)
	route(t, c2, c1.AgentAddress(), 2)
	c1.inbox.Expect(t, deliveryTimeout)

	// and the peer that is not the client's relay
	route(t, c1, p2.AgentAddress(), 3)
	p2.inbox.Expect(t, deliveryTimeout)
	route(t, p2, c1.AgentAddress(), 4)
	c1.inbox.Expect(t, deliveryTimeout)
}

func TestRouteRejectsForeignSender(t *testing.T) {
	p := newRelayPeer(t)
	c := newTestClient(t, p)

	err := c.RouteEnvelope(context.Background(), acntest.Ping(p.AgentAddress(), c.AgentAddress(), 0))
	if !errors.Is(err, ErrWrongSender) {
		t.Fatalf("expected ErrWrongSender, got %v", err)
	}
	if c.inbox.Len() != 0 {
		t.Error("envelope with foreign sender was delivered")
	}
}

func TestRouteToSelf(t *testing.T) {
	p := newRelayPeer(t)
	c := newTestClient(t, p)

	route(t, c, c.AgentAddress(), 0)
	if got := c.inbox.Expect(t, time.Second); got.To != c.AgentAddress() {
		t.Fatalf("unexpected envelope %s", got)
	}
}

func TestRouteUnknownAddress(t *testing.T) {
	p := newRelayPeer(t)
	c := newTestClient(t, p)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	unknown := acntest.NewRecord(t, acntest.NewKey(t).PubHex).Address
	err := c.RouteEnvelope(ctx, acntest.Ping(c.AgentAddress(), unknown, 0))
	var se *acn.StatusError
	if !errors.As(err, &se) || se.Code != wire.StatusErrUnknownAgentAddress {
		t.Fatalf("expected ERROR_UNKNOWN_AGENT_ADDRESS, got %v", err)
	}
}

func TestAddressStreamServesOwnRecordOnly(t *testing.T) {
	p := newRelayPeer(t)
	c := newTestClient(t, p)

	lookup := func(address string) (*wire.AgentRecord, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s, err := p.Host().NewStream(ctx, c.ID(), acn.ProtocolAddress)
		if err != nil {
			t.Fatal(err)
		}
		defer s.Close()
		return acn.LookupAddress(s, address)
	}

	rec, err := lookup(c.AgentAddress())
	if err != nil {
		t.Fatalf("lookup of own address failed: %v", err)
	}
	if rec.Address != c.AgentAddress() {
		t.Errorf("got record for %s", rec.Address)
	}

	_, err = lookup(p.AgentAddress())
	var se *acn.StatusError
	if !errors.As(err, &se) || se.Code != wire.StatusErrUnknownAgentAddress {
		t.Fatalf("expected ERROR_UNKNOWN_AGENT_ADDRESS, got %v", err)
	}
}

func TestReconnectAfterRelayDropsConnection(t *testing.T) {
	p := newRelayPeer(t)
	c := newTestClient(t, p)

	if err := p.Host().Network().ClosePeer(c.ID()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := util.WaitUntil(ctx, 50*time.Millisecond, func() bool {
		return c.registered.Load() >= 2 &&
			c.Host().Network().Connectedness(p.ID()) == network.Connected
	})
	if err != nil {
		t.Fatalf("client did not reconnect and register again: %v", err)
	}

	route(t, p, c.AgentAddress(), 1)
	c.inbox.Expect(t, deliveryTimeout)
}

func TestLookupFallsBackToDHT(t *testing.T) {
	relay := newRelayPeer(t)
	other := newRelayPeer(t, relay)

	cfg, _ := clientConfig(t, relay)
	cfg.RelayStreamTimeout = 2 * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	c, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("failed to start client: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	if err := util.WaitUntil(ctx, 50*time.Millisecond, func() bool {
		return other.IsAddressAnnounced(other.AgentAddress())
	}); err != nil {
		t.Fatalf("address of the second peer never announced: %v", err)
	}
	if err := c.Host().Connect(ctx, other.AddrInfo()); err != nil {
		t.Fatal(err)
	}
	if _, err := c.dir.AddPeer(other.ID()); err != nil {
		t.Fatal(err)
	}

	relay.Close()

	record, err := c.lookup(ctx, other.AgentAddress())
	if err != nil {
		t.Fatalf("lookup without relay failed: %v", err)
	}
	if record.Address != other.AgentAddress() {
		t.Errorf("record for %s, want %s", record.Address, other.AgentAddress())
	}
}

func TestLookupDoesNotFallBackOnRelayAnswer(t *testing.T) {
	p := newRelayPeer(t)
	c := newTestClient(t, p)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err := c.lookup(ctx, "fetch1nobody")
	var se *acn.StatusError
	if !errors.As(err, &se) || se.Code != wire.StatusErrUnknownAgentAddress {
		t.Fatalf("lookup = %v, want ERROR_UNKNOWN_AGENT_ADDRESS from the relay", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	p := newRelayPeer(t)
	c := newTestClient(t, p)
	me := c.AgentAddress()

	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	c.Close()
	if err := c.RouteEnvelope(context.Background(), acntest.Ping(me, me, 0)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
