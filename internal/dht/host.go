package dht

import (
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	rcmgr "github.com/libp2p/go-libp2p/p2p/host/resource-manager"
	libp2pconnmgr "github.com/libp2p/go-libp2p/p2p/net/connmgr"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/moltbunker/acn/internal/logging"
)

const (
	// DefaultConnManagerLowWatermark is the number of connections below which
	// the connection manager will not prune connections.
	DefaultConnManagerLowWatermark = 100

	// DefaultConnManagerHighWatermark is the number of connections above which
	// the connection manager will start pruning least-useful connections.
	DefaultConnManagerHighWatermark = 400

	// DefaultConnManagerGracePeriod is the duration a new connection is immune
	// from pruning after being opened.
	DefaultConnManagerGracePeriod = 20 * time.Second
)

// HostConfig describes the libp2p host backing a peer or client.
type HostConfig struct {
	// PrivKey is the node's secp256k1 identity.
	PrivKey crypto.PrivKey

	// ListenAddrs are the local addresses to bind. Empty means no listener,
	// which is what relay clients use.
	ListenAddrs []ma.Multiaddr

	// PublicAddr, when set, is the only address the host advertises.
	PublicAddr ma.Multiaddr

	ConnLowWatermark  int
	ConnHighWatermark int
	ConnGracePeriod   time.Duration

	// Registry receives libp2p and resource manager metrics. nil disables
	// them.
	Registry prometheus.Registerer
}

// NewHost builds a libp2p host with connection and resource management and
// the circuit relay transport enabled.
func NewHost(cfg HostConfig) (host.Host, error) {
	if cfg.PrivKey == nil {
		return nil, fmt.Errorf("host: missing private key")
	}
	if cfg.ConnLowWatermark == 0 {
		cfg.ConnLowWatermark = DefaultConnManagerLowWatermark
	}
	if cfg.ConnHighWatermark == 0 {
		cfg.ConnHighWatermark = DefaultConnManagerHighWatermark
	}
	if cfg.ConnGracePeriod == 0 {
		cfg.ConnGracePeriod = DefaultConnManagerGracePeriod
	}

	cm, err := NewConnectionManager(cfg.ConnLowWatermark, cfg.ConnHighWatermark, cfg.ConnGracePeriod)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}
	rm, err := NewResourceManager(cfg.Registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource manager: %w", err)
	}

	opts := []libp2p.Option{
		libp2p.Identity(cfg.PrivKey),
		libp2p.ConnectionManager(cm),
		libp2p.ResourceManager(rm),
		libp2p.EnableRelay(),
	}
	if len(cfg.ListenAddrs) > 0 {
		opts = append(opts, libp2p.ListenAddrs(cfg.ListenAddrs...))
	} else {
		opts = append(opts, libp2p.NoListenAddrs)
	}
	if cfg.PublicAddr != nil {
		public := cfg.PublicAddr
		opts = append(opts, libp2p.AddrsFactory(func([]ma.Multiaddr) []ma.Multiaddr {
			return []ma.Multiaddr{public}
		}))
	}
	if cfg.Registry != nil {
		opts = append(opts, libp2p.PrometheusRegisterer(cfg.Registry))
	} else {
		opts = append(opts, libp2p.DisableMetrics())
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		rm.Close()
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	logging.Debug("libp2p host created",
		logging.PeerID(h.ID().String()),
		"addrs", h.Addrs())
	return h, nil
}

// NewConnectionManager creates a libp2p connection manager with watermark-based
// pruning. New connections are protected from pruning for gracePeriod.
func NewConnectionManager(lowWatermark, highWatermark int, gracePeriod time.Duration) (*libp2pconnmgr.BasicConnMgr, error) {
	return libp2pconnmgr.NewConnManager(
		lowWatermark,
		highWatermark,
		libp2pconnmgr.WithGracePeriod(gracePeriod),
	)
}

// NewResourceManager creates a resource manager sized for envelope
// traffic, where every routed envelope opens a short lived stream. Metrics
// are registered with reg when it is non-nil.
func NewResourceManager(reg prometheus.Registerer) (network.ResourceManager, error) {
	scalingLimits := rcmgr.DefaultLimits
	libp2p.SetDefaultServiceLimits(&scalingLimits)

	scalingLimits.SystemBaseLimit = rcmgr.BaseLimit{
		Conns:           512,
		ConnsInbound:    256,
		ConnsOutbound:   512,
		Streams:         4096,
		StreamsInbound:  2048,
		StreamsOutbound: 4096,
		Memory:          256 << 20, // 256 MB
		FD:              512,
	}
	scalingLimits.TransientBaseLimit = rcmgr.BaseLimit{
		Conns:           128,
		ConnsInbound:    64,
		ConnsOutbound:   128,
		Streams:         512,
		StreamsInbound:  256,
		StreamsOutbound: 512,
		Memory:          64 << 20, // 64 MB
		FD:              128,
	}
	scalingLimits.PeerBaseLimit = rcmgr.BaseLimit{
		Conns:           16,
		ConnsInbound:    8,
		ConnsOutbound:   16,
		Streams:         512,
		StreamsInbound:  256,
		StreamsOutbound: 512,
		Memory:          16 << 20, // 16 MB
		FD:              16,
	}
	scalingLimits.ProtocolBaseLimit = rcmgr.BaseLimit{
		Streams:         1024,
		StreamsInbound:  512,
		StreamsOutbound: 1024,
	}

	limiter := rcmgr.NewFixedLimiter(scalingLimits.AutoScale())

	var opts []rcmgr.Option
	if reg != nil {
		rcmgr.MustRegisterWith(reg)
	} else {
		opts = append(opts, rcmgr.WithMetricsDisabled())
	}
	return rcmgr.NewResourceManager(limiter, opts...)
}
