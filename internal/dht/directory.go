// Package dht maps agent addresses to the peers that can reach them. It
// builds the libp2p host, runs a kademlia DHT used purely as a directory
// (CID(address) -> providers) and bootstraps against entry peers.
package dht

import (
	"context"
	"errors"
	"fmt"
	"time"

	kaddht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	routedhost "github.com/libp2p/go-libp2p/p2p/host/routed"

	"github.com/moltbunker/acn/internal/logging"
	"github.com/moltbunker/acn/internal/util"
)

const (
	// ProtocolPrefix keeps the overlay's DHT separate from the public IPFS one.
	ProtocolPrefix = "/acn"

	DefaultProvideTimeout = 3 * time.Second
	DefaultLookupTimeout  = 120 * time.Second
)

// Mode selects whether the DHT serves records or only queries.
type Mode int

const (
	ModeServer Mode = iota
	ModeClient
)

func (m Mode) String() string {
	if m == ModeClient {
		return "client"
	}
	return "server"
}

// Directory is the address directory backed by kademlia.
type Directory struct {
	host           host.Host
	kad            *kaddht.IpfsDHT
	routed         *routedhost.RoutedHost
	provideTimeout time.Duration
	lookupTimeout  time.Duration
}

// Option configures a Directory.
type Option func(*Directory)

// WithProvideTimeout bounds each Announce.
func WithProvideTimeout(d time.Duration) Option {
	return func(dir *Directory) {
		if d > 0 {
			dir.provideTimeout = d
		}
	}
}

// WithLookupTimeout bounds each FindProviders.
func WithLookupTimeout(d time.Duration) Option {
	return func(dir *Directory) {
		if d > 0 {
			dir.lookupTimeout = d
		}
	}
}

// New starts a kademlia DHT on h.
func New(ctx context.Context, h host.Host, mode Mode, opts ...Option) (*Directory, error) {
	kadMode := kaddht.ModeServer
	if mode == ModeClient {
		kadMode = kaddht.ModeClient
	}
	kad, err := kaddht.New(ctx, h,
		kaddht.Mode(kadMode),
		kaddht.ProtocolPrefix(ProtocolPrefix),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create DHT: %w", err)
	}

	d := &Directory{
		host:           h,
		kad:            kad,
		routed:         routedhost.Wrap(h, kad),
		provideTimeout: DefaultProvideTimeout,
		lookupTimeout:  DefaultLookupTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}

	logging.Debug("DHT started",
		logging.PeerID(h.ID().String()),
		"mode", mode.String())
	return d, nil
}

// Bootstrap connects to the entry peers and refreshes the routing table.
func (d *Directory) Bootstrap(ctx context.Context, peers []peer.AddrInfo) error {
	if err := BootstrapConnect(ctx, d.host, d.kad.RoutingTable(), peers); err != nil {
		return err
	}
	if err := d.kad.Bootstrap(ctx); err != nil {
		return fmt.Errorf("failed to bootstrap DHT: %w", err)
	}
	return nil
}

// Announce provides CID(address) from this host. A provide that is still
// running when the timeout fires counts as done: the record has reached the
// closest peers found so far.
func (d *Directory) Announce(ctx context.Context, address string) error {
	c, err := ComputeCID(address)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, d.provideTimeout)
	defer cancel()

	err = d.kad.Provide(ctx, c, true)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("failed to announce %s: %w", address, err)
	}
	return nil
}

// FindProviders streams the peers providing address. The channel is
// closed when the lookup completes, times out, or ctx is done.
func (d *Directory) FindProviders(ctx context.Context, address string) (<-chan peer.AddrInfo, error) {
	c, err := ComputeCID(address)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, d.lookupTimeout)
	in := d.kad.FindProvidersAsync(ctx, c, 0)

	out := make(chan peer.AddrInfo)
	util.SafeGoWithName("dht-find-providers", func() {
		defer cancel()
		defer close(out)
		for p := range in {
			select {
			case out <- p:
			case <-ctx.Done():
				return
			}
		}
	})
	return out, nil
}

// InRoutingTable reports whether id is in the kademlia routing table.
func (d *Directory) InRoutingTable(id peer.ID) bool {
	return d.kad.RoutingTable().Find(id) != ""
}

// AddPeer puts a connected DHT server peer in the routing table without
// kademlia's lookup check, which rejects a peer that knows no one else.
func (d *Directory) AddPeer(id peer.ID) (bool, error) {
	return d.kad.RoutingTable().TryAddPeer(id, true, false)
}

// WaitForRoutingTable blocks until id is in the routing table or timeout
// elapses.
func (d *Directory) WaitForRoutingTable(ctx context.Context, id peer.ID, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return util.WaitUntil(ctx, routingTablePoll, func() bool { return d.InRoutingTable(id) })
}

// AddRelayedAddr records that target is reachable through relay.
func (d *Directory) AddRelayedAddr(target, relay peer.ID) error {
	addr, err := relayedAddr(relay)
	if err != nil {
		return err
	}
	d.host.Peerstore().AddAddr(target, addr, peerstore.PermanentAddrTTL)
	return nil
}

// RoutedHost resolves unknown peer addresses through the DHT on connect.
func (d *Directory) RoutedHost() host.Host {
	return d.routed
}

func (d *Directory) Host() host.Host {
	return d.host
}

// RoutingTableSize returns the number of peers in the routing table.
func (d *Directory) RoutingTableSize() int {
	return d.kad.RoutingTable().Size()
}

// Close stops the DHT. The host is left open.
func (d *Directory) Close() error {
	return d.kad.Close()
}
