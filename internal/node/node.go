// Package node assembles a running ACN node from its configuration: a
// DHTPeer or a DHTClient, the monitoring service and the pipe to the local
// agent.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/moltbunker/acn/internal/acn"
	"github.com/moltbunker/acn/internal/config"
	"github.com/moltbunker/acn/internal/dhtclient"
	"github.com/moltbunker/acn/internal/dhtpeer"
	"github.com/moltbunker/acn/internal/logging"
	"github.com/moltbunker/acn/internal/metrics"
	"github.com/moltbunker/acn/internal/pipe"
	"github.com/moltbunker/acn/internal/util"
	"github.com/moltbunker/acn/internal/wire"
)

const stopTimeout = 10 * time.Second

// ErrAgentDisconnected is returned by Run when the agent closes its pipe.
var ErrAgentDisconnected = errors.New("agent disconnected")

// router is what a node needs from either role.
type router interface {
	RouteEnvelope(ctx context.Context, env *wire.Envelope) error
	AgentAddress() string
	MultiAddr() string
	ID() peer.ID
	Close() error
}

// Option customizes a node.
type Option func(*options)

type options struct {
	pipe       pipe.Pipe
	passphrase []byte
}

// WithPipe connects the agent through p instead of the configured named
// pipes.
func WithPipe(p pipe.Pipe) Option {
	return func(o *options) { o.pipe = p }
}

// WithKeyPassphrase opens an encrypted node key file with passphrase.
func WithKeyPassphrase(passphrase []byte) Option {
	return func(o *options) { o.passphrase = passphrase }
}

// Node is a running ACN node.
type Node struct {
	cfg    config.Config
	logger *slog.Logger

	router  router
	peer    *dhtpeer.DHTPeer
	client  *dhtclient.DHTClient
	agent   *pipe.AgentAPI
	monitor metrics.Service

	ctx    context.Context
	cancel context.CancelFunc
	group  util.Group

	closeOnce sync.Once
	closeErr  error
}

// New starts a node. cfg must have been validated. With a local agent, New
// returns once the agent has opened its end of the pipe.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Node, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var key crypto.PrivKey
	var err error
	if o.passphrase != nil {
		key, err = cfg.PrivateKeyWithPassphrase(o.passphrase)
	} else {
		key, err = cfg.PrivateKey()
	}
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:    cfg,
		logger: logging.With(logging.Component("node"), "mode", string(cfg.Mode())),
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())

	var registry prometheus.Registerer
	if cfg.Monitoring.URI != "" {
		prom := metrics.NewPrometheusService(cfg.Monitoring.Namespace, cfg.Monitoring.URI)
		registry = prom.Registry()
		n.monitor = prom
	} else {
		n.monitor = metrics.NewCollector(cfg.Monitoring.Namespace, cfg.Monitoring.DumpPath,
			time.Duration(cfg.Monitoring.DumpIntervalSecs)*time.Second)
	}
	if err := n.monitor.Start(n.ctx); err != nil {
		n.cancel()
		return nil, err
	}

	var processor acn.EnvelopeProcessor
	ready := acn.AlwaysReady
	if !cfg.Standalone() {
		p := o.pipe
		if p == nil {
			if cfg.Agent.ToNodePipe == "" {
				n.Close()
				return nil, errors.New("agent configured without a pipe")
			}
			p = pipe.NewUnixPipe(cfg.Agent.ToNodePipe, cfg.Agent.FromNodePipe)
		}
		n.agent = pipe.NewAgentAPI(p, cfg.Agent.Address)
		processor = n.agent
		ready = n.agent
	}

	switch cfg.Mode() {
	case config.ModePeer:
		err = n.startPeer(ctx, key, processor, ready, registry)
	default:
		err = n.startClient(ctx, key, processor, ready, registry)
	}
	if err != nil {
		n.Close()
		return nil, err
	}

	if n.agent != nil {
		if err := n.agent.Connect(); err != nil {
			n.Close()
			return nil, err
		}
		n.group.Go("agent-bridge", n.forwardAgentEnvelopes)
	}

	n.logger.Info("node started",
		logging.PeerID(n.router.ID().String()),
		"multiaddr", n.router.MultiAddr(),
		"monitoring", n.monitor.Info())
	return n, nil
}

func (n *Node) startPeer(ctx context.Context, key crypto.PrivKey, processor acn.EnvelopeProcessor, ready acn.ReadyChecker, registry prometheus.Registerer) error {
	cfg := n.cfg
	entries, err := cfg.EntryPeers()
	if err != nil {
		return err
	}
	public := cfg.Node.PublicURI
	if public == "" {
		public = cfg.Node.URI
	}
	p, err := dhtpeer.New(ctx, dhtpeer.Config{
		Key:               key,
		LocalAddr:         cfg.Node.URI,
		PublicAddr:        public,
		DelegateAddr:      cfg.Delegate.URI,
		EnableRelay:       cfg.Node.EnableRelay,
		EntryPeers:        entries,
		LocalDiscovery:    cfg.Bootstrap.LocalDiscovery,
		DiscoveryTag:      cfg.Bootstrap.DiscoveryTag,
		AgentRecord:       cfg.AgentRecord(),
		RegistrationDelay: cfg.RegistrationDelay(),
		StoragePath:       cfg.Storage.Path,
		ProvideTimeout:    cfg.Timeouts.Provide(),
		LookupTimeout:     cfg.Timeouts.Lookup(),
		NewStreamTimeout:  cfg.Timeouts.NewStream(),
		LookupCacheSize:   cfg.Storage.LookupCacheSize,
		LookupCacheTTL:    time.Duration(cfg.Storage.LookupCacheTTLSecs) * time.Second,
		AcceptRate:        rate.Limit(cfg.Delegate.AcceptRate),
		AcceptBurst:       cfg.Delegate.AcceptBurst,
		Processor:         processor,
		Ready:             ready,
		Metrics:           n.monitor,
		Registry:          registry,
	})
	if err != nil {
		return fmt.Errorf("failed to start peer: %w", err)
	}
	n.peer = p
	n.router = p
	return nil
}

func (n *Node) startClient(ctx context.Context, key crypto.PrivKey, processor acn.EnvelopeProcessor, ready acn.ReadyChecker, registry prometheus.Registerer) error {
	cfg := n.cfg
	entries, err := cfg.EntryPeers()
	if err != nil {
		return err
	}
	c, err := dhtclient.New(ctx, dhtclient.Config{
		Key:                key,
		EntryPeers:         entries,
		AgentRecord:        cfg.AgentRecord(),
		BootstrapTimeout:   cfg.Timeouts.Bootstrap(),
		RegisterTimeout:    cfg.Timeouts.Register(),
		RelayStreamTimeout: cfg.Timeouts.RelayStream(),
		NewStreamTimeout:   cfg.Timeouts.NewStream(),
		LookupTimeout:      cfg.Timeouts.Lookup(),
		Processor:          processor,
		Ready:              ready,
		Metrics:            n.monitor,
		Registry:           registry,
	})
	if err != nil {
		return fmt.Errorf("failed to start client: %w", err)
	}
	n.client = c
	n.router = c
	return nil
}

// forwardAgentEnvelopes routes what the agent sends, in order, and
// answers the agent with the outcome.
func (n *Node) forwardAgentEnvelopes() {
	for in := range n.agent.Queue() {
		env := in.Envelope
		ctx, cancel := context.WithTimeout(n.ctx, n.cfg.Timeouts.Lookup()+n.cfg.Timeouts.NewStream())
		err := n.router.RouteEnvelope(ctx, env)
		cancel()
		if err != nil {
			n.logger.Error("failed to route envelope from agent",
				logging.AgentAddress(env.To),
				logging.Err(err))
		}
		in.Ack(err)
	}
}

// Run blocks until ctx is done or the agent disconnects, then closes the
// node.
func (n *Node) Run(ctx context.Context) error {
	var lost <-chan struct{}
	if n.agent != nil {
		lost = n.agent.Done()
	}
	var err error
	select {
	case <-ctx.Done():
	case <-lost:
		err = ErrAgentDisconnected
		if cause := n.agent.Err(); cause != nil {
			err = fmt.Errorf("%w: %w", ErrAgentDisconnected, cause)
		}
	}
	if cerr := n.Close(); cerr != nil {
		n.logger.Warn("errors while closing node", logging.Err(cerr))
	}
	return err
}

// RouteEnvelope routes env as if the local agent had sent it.
func (n *Node) RouteEnvelope(ctx context.Context, env *wire.Envelope) error {
	return n.router.RouteEnvelope(ctx, env)
}

func (n *Node) Mode() config.Mode {
	return n.cfg.Mode()
}

func (n *Node) ID() peer.ID {
	return n.router.ID()
}

func (n *Node) AgentAddress() string {
	return n.router.AgentAddress()
}

// MultiAddr is the node's public multiaddress, empty for a client.
func (n *Node) MultiAddr() string {
	return n.router.MultiAddr()
}

// DelegateAddr is the bound delegate service address, empty when the node
// does not serve delegates.
func (n *Node) DelegateAddr() string {
	if n.peer == nil {
		return ""
	}
	return n.peer.DelegateAddr()
}

// Peer returns the DHTPeer in peer mode, nil otherwise.
func (n *Node) Peer() *dhtpeer.DHTPeer {
	return n.peer
}

// Client returns the DHTClient in client mode, nil otherwise.
func (n *Node) Client() *dhtclient.DHTClient {
	return n.client
}

func (n *Node) Monitor() metrics.Service {
	return n.monitor
}

// Close stops the agent bridge, the network role and monitoring.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		var errs []error
		if n.agent != nil {
			errs = append(errs, n.agent.Stop())
		}
		if n.router != nil {
			errs = append(errs, n.router.Close())
		}
		n.cancel()
		n.group.Wait()
		if n.monitor != nil {
			ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			errs = append(errs, n.monitor.Stop(ctx))
			cancel()
		}
		n.closeErr = errors.Join(errs...)
	})
	return n.closeErr
}
