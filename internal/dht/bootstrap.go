package dht

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"golang.org/x/sync/errgroup"

	"github.com/moltbunker/acn/internal/logging"
	"github.com/moltbunker/acn/internal/util"
)

const (
	// RoutingTableWait bounds how long bootstrap waits for each connected
	// entry peer to show up in the routing table.
	RoutingTableWait = 5 * time.Second

	routingTablePoll = 5 * time.Millisecond
)

// ErrNoEntryPeer is returned when no entry peer could be reached.
var ErrNoEntryPeer = errors.New("could not connect to any entry peer")

// RoutingTable is the subset of the kademlia routing table bootstrap needs.
type RoutingTable interface {
	Find(id peer.ID) peer.ID
	TryAddPeer(id peer.ID, queryPeer bool, isReplaceable bool) (bool, error)
}

// BootstrapConnect connects to every entry peer in parallel. It fails only
// when none can be reached. For each connected peer it then waits, bounded
// by RoutingTableWait, until the peer shows up in rt, so that a provide
// issued right after bootstrap has somewhere to go. Connected entry peers
// are added to rt directly: in a network of two the entry peer has no
// closer peers to return, and kademlia's own admission check would never
// accept it.
func BootstrapConnect(ctx context.Context, h host.Host, rt RoutingTable, peers []peer.AddrInfo) error {
	if len(peers) == 0 {
		return nil
	}

	var (
		mu        sync.Mutex
		connected []peer.ID
		errs      []error
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range peers {
		if p.ID == h.ID() {
			continue
		}
		p := p
		g.Go(func() error {
			h.Peerstore().AddAddrs(p.ID, p.Addrs, peerstore.PermanentAddrTTL)
			if err := h.Connect(gctx, p); err != nil {
				logging.Warn("failed to connect to entry peer",
					logging.PeerID(p.ID.String()),
					logging.Err(err))
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", p.ID, err))
				mu.Unlock()
				return nil
			}
			logging.Debug("connected to entry peer", logging.PeerID(p.ID.String()))
			mu.Lock()
			connected = append(connected, p.ID)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if len(connected) == 0 {
		if len(errs) == 0 {
			return nil
		}
		return errors.Join(append([]error{ErrNoEntryPeer}, errs...)...)
	}

	if rt == nil {
		return nil
	}
	for _, id := range connected {
		id := id
		if _, err := rt.TryAddPeer(id, true, false); err != nil {
			logging.Debug("entry peer not added to routing table",
				logging.PeerID(id.String()),
				logging.Err(err))
		}
		wctx, cancel := context.WithTimeout(ctx, RoutingTableWait)
		err := util.WaitUntil(wctx, routingTablePoll, func() bool {
			return rt.Find(id) != ""
		})
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logging.Warn("entry peer not in routing table",
				logging.PeerID(id.String()),
				"waited", RoutingTableWait.String())
		}
	}
	return nil
}
