package dht

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"

	"github.com/moltbunker/acn/internal/logging"
	"github.com/moltbunker/acn/internal/util"
)

// DefaultDiscoveryTag is the mDNS service name peers on a LAN announce.
const DefaultDiscoveryTag = "acn"

const discoveryConnectTimeout = 10 * time.Second

// LocalDiscovery connects to peers announced over mDNS on the local network.
type LocalDiscovery struct {
	service mdns.Service
}

// StartLocalDiscovery advertises h over mDNS and connects to every peer it
// hears about.
func StartLocalDiscovery(h host.Host, tag string) (*LocalDiscovery, error) {
	if tag == "" {
		tag = DefaultDiscoveryTag
	}
	svc := mdns.NewMdnsService(h, tag, &discoveryNotifee{host: h})
	if err := svc.Start(); err != nil {
		return nil, err
	}
	logging.Info("local discovery started", "tag", tag)
	return &LocalDiscovery{service: svc}, nil
}

func (l *LocalDiscovery) Close() error {
	return l.service.Close()
}

type discoveryNotifee struct {
	host host.Host
}

func (n *discoveryNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.host.ID() {
		return
	}
	util.SafeGoWithName("mdns-connect", func() {
		ctx, cancel := context.WithTimeout(context.Background(), discoveryConnectTimeout)
		defer cancel()
		if err := n.host.Connect(ctx, pi); err != nil {
			logging.Debug("failed to connect to discovered peer",
				logging.PeerID(pi.ID.String()),
				logging.Err(err))
		}
	})
}
