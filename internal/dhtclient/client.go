// Package dhtclient implements the lightweight ACN node. A client does not
// listen: it keeps a connection and a circuit reservation on one relay
// peer, registers its agent there and looks addresses up through it.
package dhtclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	circuitv2client "github.com/libp2p/go-libp2p/p2p/protocol/circuitv2/client"

	"github.com/moltbunker/acn/internal/acn"
	"github.com/moltbunker/acn/internal/dht"
	"github.com/moltbunker/acn/internal/identity"
	"github.com/moltbunker/acn/internal/logging"
	"github.com/moltbunker/acn/internal/metrics"
	"github.com/moltbunker/acn/internal/util"
	"github.com/moltbunker/acn/internal/wire"
)

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("dht client closed")

var errRelayNotConnected = errors.New("relay peer not connected")

// DHTClient is a lightweight ACN node behind a relay peer.
type DHTClient struct {
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	basic host.Host
	host  host.Host // routed
	dir   *dht.Directory
	relay peer.AddrInfo

	myAgentAddress string
	myAgentRecord  *wire.AgentRecord

	reservationMu sync.Mutex
	reservation   *circuitv2client.Reservation

	reconnecting atomic.Bool
	registered   atomic.Int64 // successful registrations

	metrics *acn.Metrics
	group   util.Group

	closeOnce sync.Once
	closeErr  error
}

// New starts a client: it connects to the entry peers, reserves a circuit
// slot on the relay and registers its agent record there.
func New(ctx context.Context, cfg Config) (*DHTClient, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	peerPubHex, err := identity.PublicKeyHex(cfg.Key.GetPublic())
	if err != nil {
		return nil, fmt.Errorf("invalid peer key: %w", err)
	}
	rec := cfg.AgentRecord
	if _, err := acn.IsValidProofOfRepresentation(rec, rec.Address, peerPubHex); err != nil {
		return nil, fmt.Errorf("invalid agent record: %w", err)
	}

	c := &DHTClient{
		cfg:            cfg,
		relay:          cfg.EntryPeers[rand.Intn(len(cfg.EntryPeers))],
		myAgentAddress: rec.Address,
		myAgentRecord:  rec,
		metrics:        acn.NewMetrics(cfg.Metrics),
	}
	c.logger = logging.With(logging.Component("dhtclient"), "relay", c.relay.ID.String())
	c.ctx, c.cancel = context.WithCancel(context.Background())

	if err := c.start(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *DHTClient) start(ctx context.Context) error {
	var err error
	c.basic, err = dht.NewHost(dht.HostConfig{
		PrivKey:  c.cfg.Key,
		Registry: c.cfg.Registry,
	})
	if err != nil {
		return err
	}
	c.logger = c.logger.With(logging.PeerID(c.basic.ID().String()))

	c.dir, err = dht.New(ctx, c.basic, dht.ModeClient, dht.WithLookupTimeout(c.cfg.LookupTimeout))
	if err != nil {
		return err
	}
	c.host = c.dir.RoutedHost()

	if err := c.bootstrap(ctx); err != nil {
		return err
	}

	// handlers go in before registration: the relay announces us as soon as
	// it accepts the record
	c.host.SetStreamHandler(acn.ProtocolAddress, c.handleAddressStream)
	c.host.SetStreamHandler(acn.ProtocolEnvelope, c.handleEnvelopeStream)

	if err := c.reserve(ctx); err != nil {
		return err
	}
	c.group.Go("relay-reservation", c.refreshReservation)

	timer := metrics.NewTimer()
	if err := c.register(ctx); err != nil {
		return err
	}
	timer.ObserveMicroseconds(c.metrics.RegisterLatency)

	c.basic.Network().Notify(&network.NotifyBundle{DisconnectedF: c.disconnected})

	c.logger.Info("dht client started", logging.AgentAddress(c.myAgentAddress))
	return nil
}

// bootstrap connects to the entry peers until the relay is reachable,
// bounded by the bootstrap timeout.
func (c *DHTClient) bootstrap(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.BootstrapTimeout)
	defer cancel()

	res := util.Retry(ctx, util.UntilDeadline(streamRetryBase, streamRetryMax), func() error {
		if err := c.dir.Bootstrap(ctx, c.cfg.EntryPeers); err != nil {
			c.logger.Warn("couldn't connect to entry peers, retrying", logging.Op("bootstrap"), logging.Err(err))
			return err
		}
		if c.basic.Network().Connectedness(c.relay.ID) != network.Connected {
			return errRelayNotConnected
		}
		return nil
	})
	if err := res.Err(); err != nil {
		return fmt.Errorf("bootstrap failed after %d attempts: %w", res.Attempts, err)
	}
	return nil
}

// reserve obtains a circuit reservation on the relay, so that other nodes
// can reach the client through it.
func (c *DHTClient) reserve(ctx context.Context) error {
	rsvp, err := circuitv2client.Reserve(ctx, c.basic, c.relay)
	if err != nil {
		return fmt.Errorf("failed to reserve a circuit slot on relay %s: %w", c.relay.ID, err)
	}
	c.reservationMu.Lock()
	c.reservation = rsvp
	c.reservationMu.Unlock()
	c.logger.Debug("circuit reservation obtained", "expires", rsvp.Expiration)
	return nil
}

func (c *DHTClient) refreshInterval() time.Duration {
	if c.cfg.ReservationRefresh > 0 {
		return c.cfg.ReservationRefresh
	}
	c.reservationMu.Lock()
	rsvp := c.reservation
	c.reservationMu.Unlock()
	if rsvp == nil {
		return reservationRetry
	}
	d := time.Until(rsvp.Expiration) / 2
	if d < minRefresh {
		d = minRefresh
	}
	return d
}

func (c *DHTClient) refreshReservation() {
	timer := time.NewTimer(c.refreshInterval())
	defer timer.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-timer.C:
		}
		if err := c.reserve(c.ctx); err != nil {
			if c.closed() {
				return
			}
			c.logger.Warn("failed to refresh circuit reservation", logging.Err(err))
			c.reservationMu.Lock()
			c.reservation = nil
			c.reservationMu.Unlock()
		}
		timer.Reset(c.refreshInterval())
	}
}

// register sends the agent record to the relay, retrying with backoff
// until the register timeout. A rejected record is not retried.
func (c *DHTClient) register(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RegisterTimeout)
	defer cancel()
	log := c.logger.With(logging.Op("register"), logging.AgentAddress(c.myAgentAddress))

	res := util.Retry(ctx, util.UntilDeadline(registerRetryBase, registerRetryMax), func() error {
		err := c.registerOnce(ctx)
		var se *acn.StatusError
		if errors.As(err, &se) {
			return util.MarkNonRetryable(err)
		}
		if err != nil {
			log.Warn("registration to relay failed, retrying", logging.Err(err))
		}
		return err
	})
	if err := res.Err(); err != nil {
		return fmt.Errorf("failed to register with relay %s: %w", c.relay.ID, err)
	}
	c.registered.Add(1)
	log.Info("registered with relay")
	return nil
}

func (c *DHTClient) registerOnce(ctx context.Context) error {
	sctx, cancel := context.WithTimeout(ctx, c.cfg.RelayStreamTimeout)
	defer cancel()
	s, err := c.host.NewStream(sctx, c.relay.ID, acn.ProtocolRegister)
	if err != nil {
		return fmt.Errorf("couldn't open stream to relay: %w", err)
	}
	if deadline, ok := sctx.Deadline(); ok {
		s.SetDeadline(deadline)
	}
	if err := acn.RegisterRecord(s, c.myAgentRecord); err != nil {
		s.Reset()
		return err
	}
	s.Close()
	return nil
}

// disconnected restores the relay connection, the reservation and the
// registration when the connection to the relay drops.
func (c *DHTClient) disconnected(_ network.Network, conn network.Conn) {
	if conn.RemotePeer() != c.relay.ID || c.closed() {
		return
	}
	if c.basic.Network().Connectedness(c.relay.ID) == network.Connected {
		return
	}
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	util.SafeGoWithName("relay-reconnect", func() {
		defer c.reconnecting.Store(false)
		c.reconnect()
	})
}

func (c *DHTClient) reconnect() {
	c.logger.Warn("lost connection to relay peer, reconnecting")
	res := util.Retry(c.ctx, util.UntilDeadline(time.Second, reconnectRetryMax), func() error {
		ctx, cancel := context.WithTimeout(c.ctx, reconnectTimeout)
		defer cancel()
		if err := c.host.Connect(ctx, c.relay); err != nil {
			return err
		}
		if err := c.reserve(ctx); err != nil {
			return err
		}
		return nil
	})
	if err := res.Err(); err != nil {
		if !c.closed() {
			c.logger.Error("failed to reconnect to relay peer", logging.Err(err))
		}
		return
	}
	if err := c.register(c.ctx); err != nil {
		if !c.closed() {
			c.logger.Error("failed to register again after reconnection", logging.Err(err))
		}
		return
	}
	c.logger.Info("connection to relay peer reestablished", "attempts", res.Attempts)
}

func (c *DHTClient) ID() peer.ID {
	return c.basic.ID()
}

// Host returns the routed host used for streams.
func (c *DHTClient) Host() host.Host {
	return c.host
}

// RelayPeer is the peer the client registered with.
func (c *DHTClient) RelayPeer() peer.ID {
	return c.relay.ID
}

func (c *DHTClient) AgentAddress() string {
	return c.myAgentAddress
}

// MultiAddr is empty: clients are only reachable through their relay.
func (c *DHTClient) MultiAddr() string {
	return ""
}

// Close stops the client. It is safe to call more than once.
func (c *DHTClient) Close() error {
	c.closeOnce.Do(func() {
		c.logger.Info("stopping dht client")
		c.cancel()

		var errs []error
		if c.dir != nil {
			errs = append(errs, c.dir.Close())
		}
		if c.basic != nil {
			errs = append(errs, c.basic.Close())
		}
		c.group.Wait()
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}

func (c *DHTClient) closed() bool {
	return c.ctx.Err() != nil
}
