// Package dhtpeer implements the full ACN node: a DHT server that
// announces the addresses it represents, resolves and routes envelopes,
// relays traffic for lightweight clients and serves delegate clients over
// TLS.
package dhtpeer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/protocol/circuitv2/relay"
	ma "github.com/multiformats/go-multiaddr"
	"golang.org/x/time/rate"

	"github.com/moltbunker/acn/internal/acn"
	"github.com/moltbunker/acn/internal/dht"
	"github.com/moltbunker/acn/internal/identity"
	"github.com/moltbunker/acn/internal/logging"
	"github.com/moltbunker/acn/internal/metrics"
	"github.com/moltbunker/acn/internal/recordstore"
	"github.com/moltbunker/acn/internal/util"
	"github.com/moltbunker/acn/internal/wire"
)

// ErrClosed is returned by operations on a closed peer.
var ErrClosed = errors.New("dht peer closed")

// DHTPeer is a full ACN node.
type DHTPeer struct {
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	basic      host.Host
	host       host.Host // routed
	dir        *dht.Directory
	relay      *relay.Relay
	mdns       *dht.LocalDiscovery
	store      *recordstore.Store
	peerPubHex string

	myAgentAddress string
	myAgentRecord  *wire.AgentRecord

	mu           sync.RWMutex
	dhtAddresses map[string]peer.ID       // relay clients
	tcpAddresses map[string]*delegateConn // delegate clients
	agentRecords map[string]*wire.AgentRecord

	announceMu      sync.Mutex
	announced       map[string]bool
	announceEnabled atomic.Bool

	lookupCache     *expirable.LRU[string, *wire.AgentRecord]
	registerLimiter *rate.Limiter

	session          *identity.SessionCertificate
	sessionSig       []byte
	delegateListener net.Listener
	liveConns        map[net.Conn]struct{} // accepted delegate connections

	metrics *acn.Metrics
	group   util.Group

	closeOnce sync.Once
	closeErr  error
}

// New starts a peer: it builds the host and the DHT, bootstraps against
// the entry peers, announces the addresses it represents and installs the
// stream handlers and services.
func New(ctx context.Context, cfg Config) (*DHTPeer, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	peerPubHex, err := identity.PublicKeyHex(cfg.Key.GetPublic())
	if err != nil {
		return nil, fmt.Errorf("invalid peer key: %w", err)
	}

	p := &DHTPeer{
		cfg:             cfg,
		peerPubHex:      peerPubHex,
		dhtAddresses:    make(map[string]peer.ID),
		tcpAddresses:    make(map[string]*delegateConn),
		agentRecords:    make(map[string]*wire.AgentRecord),
		announced:       make(map[string]bool),
		lookupCache:     expirable.NewLRU[string, *wire.AgentRecord](cfg.LookupCacheSize, nil, cfg.LookupCacheTTL),
		registerLimiter: rate.NewLimiter(cfg.AcceptRate, cfg.AcceptBurst),
		metrics:         acn.NewMetrics(cfg.Metrics),
		logger:          logging.With(logging.Component("dhtpeer")),
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())

	if rec := cfg.AgentRecord; rec != nil {
		if _, err := acn.IsValidProofOfRepresentation(rec, rec.Address, peerPubHex); err != nil {
			p.cancel()
			return nil, fmt.Errorf("invalid agent record: %w", err)
		}
		p.myAgentAddress = rec.Address
		p.myAgentRecord = rec
	}

	if err := p.start(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *DHTPeer) start(ctx context.Context) error {
	localAddr, err := dht.MultiaddrFromHostPort(p.cfg.LocalAddr)
	if err != nil {
		return fmt.Errorf("invalid local address: %w", err)
	}
	publicAddr, err := dht.MultiaddrFromHostPort(p.cfg.PublicAddr)
	if err != nil {
		return fmt.Errorf("invalid public address: %w", err)
	}

	p.basic, err = dht.NewHost(dht.HostConfig{
		PrivKey:     p.cfg.Key,
		ListenAddrs: []ma.Multiaddr{localAddr},
		PublicAddr:  publicAddr,
		Registry:    p.cfg.Registry,
	})
	if err != nil {
		return err
	}
	p.logger = logging.With(logging.Component("dhtpeer"), logging.PeerID(p.basic.ID().String()))

	p.dir, err = dht.New(ctx, p.basic, dht.ModeServer,
		dht.WithProvideTimeout(p.cfg.ProvideTimeout),
		dht.WithLookupTimeout(p.cfg.LookupTimeout))
	if err != nil {
		return err
	}
	p.host = p.dir.RoutedHost()

	if len(p.cfg.EntryPeers) > 0 {
		p.logger.Info("bootstrapping", "entry_peers", len(p.cfg.EntryPeers))
	}
	if err := p.dir.Bootstrap(ctx, p.cfg.EntryPeers); err != nil {
		return err
	}

	if p.cfg.EnableRelay {
		p.relay, err = relay.New(p.basic, relay.WithInfiniteLimits())
		if err != nil {
			return fmt.Errorf("failed to start relay service: %w", err)
		}
		p.host.SetStreamHandler(acn.ProtocolRegister, p.handleRegisterStream)
	}
	p.host.SetStreamHandler(acn.ProtocolNotif, p.handleNotifStream)

	if p.cfg.LocalDiscovery {
		p.mdns, err = dht.StartLocalDiscovery(p.basic, p.cfg.DiscoveryTag)
		if err != nil {
			return fmt.Errorf("failed to start local discovery: %w", err)
		}
	}

	if err := p.notifyEntryPeers(ctx); err != nil {
		return err
	}

	if err := p.loadStoredRecords(); err != nil {
		return err
	}

	// joining an existing network: the entry peers can store our records
	if len(p.cfg.EntryPeers) > 0 {
		p.announceEnabled.Store(true)
		p.announceStored(ctx)
		if p.myAgentAddress != "" {
			timer := metrics.NewTimer()
			if err := p.announce(ctx, p.myAgentAddress); err != nil {
				return err
			}
			timer.ObserveMicroseconds(p.metrics.RegisterLatency)
		}
	}

	p.host.SetStreamHandler(acn.ProtocolAddress, p.handleAddressStream)
	p.host.SetStreamHandler(acn.ProtocolEnvelope, p.handleEnvelopeStream)

	if p.cfg.DelegateAddr != "" {
		if err := p.startDelegateService(); err != nil {
			return err
		}
	}

	p.logger.Info("dht peer started",
		"addr", p.MultiAddr(),
		"relay", p.cfg.EnableRelay,
		"delegate", p.DelegateAddr(),
		logging.AgentAddress(p.myAgentAddress))
	return nil
}

// notifyEntryPeers lets every entry peer know we joined, so they announce
// what they represent now that the DHT has somewhere to store it.
func (p *DHTPeer) notifyEntryPeers(ctx context.Context) error {
	for _, entry := range p.cfg.EntryPeers {
		if entry.ID == p.basic.ID() {
			continue
		}
		sctx, cancel := context.WithTimeout(ctx, p.cfg.NewStreamTimeout)
		s, err := p.host.NewStream(sctx, entry.ID, acn.ProtocolNotif)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to open stream to notify entry peer %s: %w", entry.ID, err)
		}
		if _, err := s.Write([]byte(acn.ProtocolNotif)); err != nil {
			s.Reset()
			return fmt.Errorf("failed to notify entry peer %s: %w", entry.ID, err)
		}
		s.Close()
	}
	return nil
}

// loadStoredRecords restores the relay clients served before a restart.
func (p *DHTPeer) loadStoredRecords() error {
	if p.cfg.StoragePath == "" {
		return nil
	}
	store, err := recordstore.Open(p.cfg.StoragePath)
	if err != nil {
		return err
	}
	p.store = store

	records, err := store.Load()
	if err != nil {
		return err
	}
	loaded := 0
	p.mu.Lock()
	for _, rec := range records {
		id, err := acn.RecordPeerID(rec)
		if err != nil {
			p.logger.Warn("skipping stored record",
				logging.AgentAddress(rec.Address),
				logging.Err(err))
			continue
		}
		p.dhtAddresses[rec.Address] = id
		p.agentRecords[rec.Address] = rec
		loaded++
	}
	p.metrics.RelayClients.Set(float64(len(p.dhtAddresses)))
	p.mu.Unlock()

	p.logger.Info("loaded agent records", "count", loaded, "path", store.Path())
	return nil
}

func (p *DHTPeer) announceStored(ctx context.Context) {
	for _, addr := range p.relayAddresses() {
		if err := p.announce(ctx, addr); err != nil {
			p.logger.Warn("failed to announce stored client address",
				logging.AgentAddress(addr),
				logging.Err(err))
		}
	}
}

// announce provides addr on the DHT, once per address.
func (p *DHTPeer) announce(ctx context.Context, addr string) error {
	p.announceMu.Lock()
	if p.announced[addr] {
		p.announceMu.Unlock()
		return nil
	}
	p.announced[addr] = true
	p.announceMu.Unlock()

	timer := metrics.NewTimer()
	if err := p.dir.Announce(ctx, addr); err != nil {
		p.announceMu.Lock()
		delete(p.announced, addr)
		p.announceMu.Unlock()
		return err
	}
	timer.ObserveMicroseconds(p.metrics.StoreLatency)
	p.logger.Debug("address announced", logging.AgentAddress(addr))
	return nil
}

// IsAddressAnnounced reports whether addr was provided on the DHT.
func (p *DHTPeer) IsAddressAnnounced(addr string) bool {
	p.announceMu.Lock()
	defer p.announceMu.Unlock()
	return p.announced[addr]
}

func (p *DHTPeer) relayAddresses() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	addrs := make([]string, 0, len(p.dhtAddresses))
	for addr := range p.dhtAddresses {
		addrs = append(addrs, addr)
	}
	return addrs
}

func (p *DHTPeer) delegateAddresses() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	addrs := make([]string, 0, len(p.tcpAddresses))
	for addr := range p.tcpAddresses {
		addrs = append(addrs, addr)
	}
	return addrs
}

func (p *DHTPeer) ID() peer.ID {
	return p.basic.ID()
}

// Host returns the routed host used for streams.
func (p *DHTPeer) Host() host.Host {
	return p.host
}

// MultiAddr is the public address of the peer including its id, the
// form expected in entry peer lists.
func (p *DHTPeer) MultiAddr() string {
	addrs := p.basic.Addrs()
	if len(addrs) == 0 {
		return ""
	}
	suffix, err := ma.NewMultiaddr("/p2p/" + p.basic.ID().String())
	if err != nil {
		return ""
	}
	return addrs[0].Encapsulate(suffix).String()
}

// AddrInfo is the peer's id and public addresses.
func (p *DHTPeer) AddrInfo() peer.AddrInfo {
	return peer.AddrInfo{ID: p.basic.ID(), Addrs: p.basic.Addrs()}
}

// DelegateAddr returns the bound delegate service address, or "".
func (p *DHTPeer) DelegateAddr() string {
	if p.delegateListener == nil {
		return ""
	}
	return p.delegateListener.Addr().String()
}

func (p *DHTPeer) AgentAddress() string {
	return p.myAgentAddress
}

// PublicKeyHex is the compressed hex public key the peer signs with.
func (p *DHTPeer) PublicKeyHex() string {
	return p.peerPubHex
}

// Close stops every service. It is safe to call more than once.
func (p *DHTPeer) Close() error {
	p.closeOnce.Do(func() {
		p.logger.Info("stopping dht peer")
		p.cancel()

		var errs []error
		if p.delegateListener != nil {
			errs = append(errs, p.delegateListener.Close())
			p.mu.Lock()
			for conn := range p.liveConns {
				errs = append(errs, conn.Close())
			}
			p.mu.Unlock()
		}
		if p.mdns != nil {
			errs = append(errs, p.mdns.Close())
		}
		if p.relay != nil {
			errs = append(errs, p.relay.Close())
		}
		if p.dir != nil {
			errs = append(errs, p.dir.Close())
		}
		if p.basic != nil {
			errs = append(errs, p.basic.Close())
		}
		p.group.Wait()
		if p.store != nil {
			errs = append(errs, p.store.Close())
		}
		p.closeErr = joinCloseErrors(errs)
	})
	return p.closeErr
}

func (p *DHTPeer) closed() bool {
	return p.ctx.Err() != nil
}

// joinCloseErrors drops errors from resources that were already closed.
func joinCloseErrors(errs []error) error {
	kept := errs[:0]
	for _, err := range errs {
		if err != nil && !errors.Is(err, net.ErrClosed) {
			kept = append(kept, err)
		}
	}
	return errors.Join(kept...)
}
