package dht

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// ParseEntryPeers parses /ip4/<host>/tcp/<port>/p2p/<id> style addresses.
// Addresses of the same peer are merged.
func ParseEntryPeers(uris []string) ([]peer.AddrInfo, error) {
	addrs := make([]ma.Multiaddr, 0, len(uris))
	for _, uri := range uris {
		uri = strings.TrimSpace(uri)
		if uri == "" {
			continue
		}
		addr, err := ma.NewMultiaddr(uri)
		if err != nil {
			return nil, fmt.Errorf("invalid entry peer %q: %w", uri, err)
		}
		addrs = append(addrs, addr)
	}
	infos, err := peer.AddrInfosFromP2pAddrs(addrs...)
	if err != nil {
		return nil, fmt.Errorf("invalid entry peers: %w", err)
	}
	return infos, nil
}

// MultiaddrFromHostPort converts host:port to a tcp multiaddr, using ip4,
// ip6 or dns4 depending on the host.
func MultiaddrFromHostPort(hostPort string) (ma.Multiaddr, error) {
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", hostPort, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid port in %q: %w", hostPort, err)
	}

	proto := "dns4"
	if ip := net.ParseIP(host); ip != nil {
		proto = "ip4"
		if ip.To4() == nil {
			proto = "ip6"
		}
	}
	return ma.NewMultiaddr(fmt.Sprintf("/%s/%s/tcp/%d", proto, host, port))
}

// CircuitAddr is the address of target reached through relay.
func CircuitAddr(relay, target peer.ID) (ma.Multiaddr, error) {
	return ma.NewMultiaddr(fmt.Sprintf("/p2p/%s/p2p-circuit/p2p/%s", relay, target))
}

// relayedAddr is the circuit address stored in a peerstore for target, which
// must not carry the trailing /p2p/<target> component.
func relayedAddr(relay peer.ID) (ma.Multiaddr, error) {
	return ma.NewMultiaddr(fmt.Sprintf("/p2p/%s/p2p-circuit", relay))
}
