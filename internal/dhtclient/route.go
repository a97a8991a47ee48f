package dhtclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/moltbunker/acn/internal/acn"
	"github.com/moltbunker/acn/internal/logging"
	"github.com/moltbunker/acn/internal/metrics"
	"github.com/moltbunker/acn/internal/util"
	"github.com/moltbunker/acn/internal/wire"
)

// ErrWrongSender is returned when routing an envelope that was not sent by
// the client's own agent.
var ErrWrongSender = errors.New("envelope sender must be the client's agent")

// RouteEnvelope delivers env, which must come from the client's agent. The
// target's record is resolved through the relay, and the envelope goes
// over a circuit through the relay, or straight to the relay when it
// represents the target.
func (c *DHTClient) RouteEnvelope(ctx context.Context, env *wire.Envelope) error {
	if c.closed() {
		return ErrClosed
	}
	m := c.metrics
	m.RouteCount.Inc()
	defer m.RouteCount.Dec()
	m.RouteCountAll.Inc()
	timer := metrics.NewTimer()
	log := c.logger.With(logging.Op("route"), logging.AgentAddress(env.To))

	if env.Sender != c.myAgentAddress {
		err := fmt.Errorf("%w: got %s", ErrWrongSender, env.Sender)
		log.Error("cannot route envelope", logging.Err(err))
		return err
	}

	if env.To == c.myAgentAddress {
		log.Debug("routing envelope to local agent")
		timer.ObserveMicroseconds(m.RouteLatency)
		if err := c.deliverLocal(ctx, env); err != nil {
			return err
		}
		m.RouteCountSuccess.Inc()
		return nil
	}

	lookupTimer := metrics.NewTimer()
	record, err := c.lookup(ctx, env.To)
	if err != nil {
		log.Error("failed agent lookup", logging.Err(err))
		return err
	}
	lookupTimer.ObserveMicroseconds(m.LookupLatency)

	target, err := acn.RecordPeerID(record)
	if err != nil {
		return err
	}
	err = c.sendEnvelope(ctx, target, env)
	timer.ObserveMicroseconds(m.RouteLatency)
	if err != nil {
		log.Error("failed to deliver envelope", logging.PeerID(target.String()), logging.Err(err))
		return err
	}
	m.RouteCountSuccess.Inc()
	return nil
}

// lookup asks the relay for the record of address and checks it. When the
// relay cannot be reached, the providers of address on the DHT are asked
// instead.
func (c *DHTClient) lookup(ctx context.Context, address string) (*wire.AgentRecord, error) {
	record, err := c.lookupFrom(ctx, c.relay.ID, address)
	if err == nil {
		return record, nil
	}
	var se *acn.StatusError
	if errors.As(err, &se) || ctx.Err() != nil {
		return nil, err
	}

	c.logger.Warn("lookup through relay failed, searching the DHT",
		logging.AgentAddress(address),
		logging.Err(err))
	record, derr := c.lookupProviders(ctx, address)
	if derr != nil {
		c.logger.Debug("DHT lookup failed", logging.AgentAddress(address), logging.Err(derr))
		return nil, err
	}
	return record, nil
}

// lookupProviders asks each provider of address found on the DHT in turn.
func (c *DHTClient) lookupProviders(ctx context.Context, address string) (*wire.AgentRecord, error) {
	providers, err := c.dir.FindProviders(ctx, address)
	if err != nil {
		return nil, err
	}
	lastErr := fmt.Errorf("no provider for %s", address)
	for p := range providers {
		if p.ID == c.basic.ID() || p.ID == c.relay.ID {
			continue
		}
		c.basic.Peerstore().AddAddrs(p.ID, p.Addrs, peerstore.TempAddrTTL)
		record, err := c.lookupFrom(ctx, p.ID, address)
		if err != nil {
			lastErr = err
			continue
		}
		return record, nil
	}
	return nil, lastErr
}

func (c *DHTClient) lookupFrom(ctx context.Context, id peer.ID, address string) (*wire.AgentRecord, error) {
	s, err := c.newStream(ctx, id, acn.ProtocolAddress, c.cfg.RelayStreamTimeout, nil)
	if err != nil {
		return nil, err
	}
	s.SetDeadline(time.Now().Add(c.cfg.RelayStreamTimeout))
	record, err := acn.LookupAddress(s, address)
	s.Close()
	if err != nil {
		return nil, err
	}
	if record.Address != address {
		return nil, acn.NewStatusError(wire.StatusErrWrongAgentAddress, "peer returned a record for "+record.Address)
	}
	if err := acn.VerifyRecord(record); err != nil {
		return nil, err
	}
	return record, nil
}

func (c *DHTClient) sendEnvelope(ctx context.Context, target peer.ID, env *wire.Envelope) error {
	if target != c.relay.ID {
		if err := c.dir.AddRelayedAddr(target, c.relay.ID); err != nil {
			return err
		}
	}

	// when the relay cannot reach the target, the target is behind another
	// relay: find it through the DHT before retrying
	located := false
	onRetry := func() {
		if !located {
			located = true
			c.locate(ctx, env.To, target)
		}
	}
	s, err := c.newStream(ctx, target, acn.ProtocolEnvelope, c.cfg.NewStreamTimeout, onRetry)
	if err != nil {
		return err
	}
	s.SetDeadline(time.Now().Add(c.cfg.NewStreamTimeout))
	if err := acn.SendEnvelope(s, env, c.myAgentRecord); err != nil {
		s.Reset()
		return err
	}
	s.Close()
	return nil
}

// locate adds the addresses of a provider of address other than the relay,
// and a circuit through it when the provider is not the target itself.
func (c *DHTClient) locate(ctx context.Context, address string, target peer.ID) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.NewStreamTimeout)
	defer cancel()

	providers, err := c.dir.FindProviders(ctx, address)
	if err != nil {
		c.logger.Debug("provider search failed", logging.AgentAddress(address), logging.Err(err))
		return
	}
	for p := range providers {
		if p.ID == c.basic.ID() || p.ID == c.relay.ID {
			continue
		}
		c.basic.Peerstore().AddAddrs(p.ID, p.Addrs, peerstore.TempAddrTTL)
		if p.ID != target {
			if err := c.dir.AddRelayedAddr(target, p.ID); err != nil {
				continue
			}
		}
		c.logger.Debug("found provider for target",
			logging.AgentAddress(address),
			logging.PeerID(p.ID.String()))
		return
	}
}

// newStream opens a stream to id, retrying with backoff until timeout.
// onRetry, when set, runs before the first retry. A stream to the relay
// that needed retries means the relay may have restarted, so the client
// registers again.
func (c *DHTClient) newStream(ctx context.Context, id peer.ID, proto protocol.ID, timeout time.Duration, onRetry func()) (network.Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ctx = network.WithAllowLimitedConn(ctx, "acn")

	s, res := util.RetryWithValue(ctx, util.UntilDeadline(streamRetryBase, streamRetryMax), func() (network.Stream, error) {
		s, err := c.host.NewStream(ctx, id, proto)
		if err != nil {
			c.logger.Warn("couldn't open stream, retrying",
				logging.PeerID(id.String()),
				logging.Protocol(string(proto)),
				logging.Err(err))
			if onRetry != nil {
				onRetry()
			}
		}
		return s, err
	})
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("couldn't open stream to %s: %w", id, err)
	}
	if res.Attempts > 1 && id == c.relay.ID {
		if err := c.register(c.ctx); err != nil {
			s.Reset()
			return nil, err
		}
	}
	return s, nil
}
