package dhtpeer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"

	"github.com/moltbunker/acn/internal/acn"
	"github.com/moltbunker/acn/internal/dht"
	"github.com/moltbunker/acn/internal/logging"
	"github.com/moltbunker/acn/internal/metrics"
	"github.com/moltbunker/acn/internal/wire"
)

// ErrSenderNotRegistered is returned when routing an envelope whose sender
// this peer does not represent.
var ErrSenderNotRegistered = errors.New("envelope sender is not registered locally")

var errNoProvider = errors.New("no provider found")

// RouteEnvelope delivers env to its destination: the local agent, a
// delegate client, or the peer representing the target, found through
// relay clients, the lookup cache or the DHT. One stream is used per
// envelope.
func (p *DHTPeer) RouteEnvelope(ctx context.Context, env *wire.Envelope) error {
	if p.closed() {
		return ErrClosed
	}
	m := p.metrics
	m.RouteCount.Inc()
	defer m.RouteCount.Dec()
	m.RouteCountAll.Inc()
	timer := metrics.NewTimer()
	log := p.logger.With(logging.Op("route"), logging.AgentAddress(env.To))

	senderRecord, err := p.senderRecord(env.Sender)
	if err != nil {
		log.Error("cannot route envelope", logging.Err(err))
		return err
	}

	target := env.To
	if target == p.myAgentAddress {
		log.Debug("routing envelope to local agent")
		timer.ObserveMicroseconds(m.RouteLatency)
		if err := p.deliverLocal(ctx, env); err != nil {
			return err
		}
		m.RouteCountSuccess.Inc()
		return nil
	}

	p.mu.RLock()
	dc, isDelegate := p.tcpAddresses[target]
	p.mu.RUnlock()
	if isDelegate {
		log.Debug("routing envelope to delegate client", logging.Remote(dc.conn.RemoteAddr().String()))
		timer.ObserveMicroseconds(m.RouteLatency)
		if err := dc.send(env); err != nil {
			return fmt.Errorf("failed to write envelope to delegate client %s: %w", target, err)
		}
		m.RouteCountSuccess.Inc()
		return nil
	}

	peerID, fromCache, err := p.resolvePeer(ctx, target)
	if err != nil {
		log.Error("failed to resolve target", logging.Err(err))
		return err
	}

	err = p.sendToPeer(ctx, peerID, env, senderRecord)
	if err != nil && fromCache {
		// the cached location may be stale, look it up again
		p.lookupCache.Remove(target)
		peerID, _, err = p.resolvePeer(ctx, target)
		if err == nil {
			err = p.sendToPeer(ctx, peerID, env, senderRecord)
		}
	}
	timer.ObserveMicroseconds(m.RouteLatency)
	if err != nil {
		log.Error("failed to deliver envelope", logging.PeerID(peerID.String()), logging.Err(err))
		return err
	}
	m.RouteCountSuccess.Inc()
	return nil
}

func (p *DHTPeer) senderRecord(sender string) (*wire.AgentRecord, error) {
	if sender != "" && sender == p.myAgentAddress {
		return p.myAgentRecord, nil
	}
	p.mu.RLock()
	rec, ok := p.agentRecords[sender]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSenderNotRegistered, sender)
	}
	return rec, nil
}

// resolvePeer finds the peer id able to take envelopes for target.
func (p *DHTPeer) resolvePeer(ctx context.Context, target string) (peer.ID, bool, error) {
	p.mu.RLock()
	id, isRelay := p.dhtAddresses[target]
	p.mu.RUnlock()
	if isRelay {
		return id, false, nil
	}

	if rec, ok := p.lookupCache.Get(target); ok {
		id, err := acn.RecordPeerID(rec)
		if err == nil {
			return id, true, nil
		}
		p.lookupCache.Remove(target)
	}

	rec, err := p.lookupAddress(ctx, target)
	if err != nil {
		return "", false, err
	}
	id, err = acn.RecordPeerID(rec)
	if err != nil {
		return "", false, err
	}
	return id, false, nil
}

func (p *DHTPeer) sendToPeer(ctx context.Context, id peer.ID, env *wire.Envelope, senderRecord *wire.AgentRecord) error {
	sctx, cancel := context.WithTimeout(ctx, p.cfg.NewStreamTimeout)
	defer cancel()
	sctx = network.WithAllowLimitedConn(sctx, "acn envelope")

	s, err := p.host.NewStream(sctx, id, acn.ProtocolEnvelope)
	if err != nil {
		return fmt.Errorf("couldn't open stream to %s: %w", id, err)
	}
	if deadline, ok := sctx.Deadline(); ok {
		s.SetDeadline(deadline)
	}
	if err := acn.SendEnvelope(s, env, senderRecord); err != nil {
		s.Reset()
		return err
	}
	s.Close()
	return nil
}

// lookupAddress finds a provider of address on the DHT and asks it for the
// record, trying providers until one returns a valid record. Lookups are
// retried until the lookup timeout when no provider is found.
func (p *DHTPeer) lookupAddress(ctx context.Context, address string) (*wire.AgentRecord, error) {
	log := p.logger.With(logging.Op("lookup"), logging.AgentAddress(address))
	timer := metrics.NewTimer()
	start := time.Now()
	var lastErr error

	for attempt := 0; ; attempt++ {
		rec, found, err := p.lookupOnce(ctx, address, timer, log)
		if err == nil {
			p.lookupCache.Add(address, rec)
			return rec, nil
		}
		lastErr = err
		if !found && !errors.Is(err, errNoProvider) {
			return nil, err
		}
		if found {
			return nil, fmt.Errorf("no provider returned a valid record for %s: %w", address, lastErr)
		}
		if attempt == 0 {
			log.Warn("didn't find any provider for address, retrying")
		}
		select {
		case <-ctx.Done():
			return nil, acn.NewStatusError(wire.StatusErrUnknownAgentAddress,
				fmt.Sprintf("didn't find any provider for address %s: %v", address, ctx.Err()))
		case <-p.ctx.Done():
			return nil, ErrClosed
		case <-time.After(lookupRetryInterval):
		}
		if time.Since(start) > p.lookupTimeout() {
			return nil, acn.NewStatusError(wire.StatusErrUnknownAgentAddress,
				fmt.Sprintf("didn't find any provider for address %s within %s", address, p.lookupTimeout()))
		}
	}
}

// lookupOnce runs one provider search. found reports whether any provider
// other than this peer answered the search.
func (p *DHTPeer) lookupOnce(ctx context.Context, address string, timer metrics.Timer, log *slog.Logger) (*wire.AgentRecord, bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	providers, err := p.dir.FindProviders(ctx, address)
	if err != nil {
		return nil, false, err
	}
	found := false
	lastErr := errNoProvider
	for provider := range providers {
		if provider.ID == p.basic.ID() {
			continue
		}
		found = true
		timer.ObserveMicroseconds(p.metrics.LookupLatency)

		rec, err := p.queryProvider(ctx, provider, address)
		if err != nil {
			log.Warn("lookup from provider failed, trying others",
				logging.PeerID(provider.ID.String()),
				logging.Err(err))
			lastErr = err
			continue
		}
		return rec, true, nil
	}
	return nil, found, lastErr
}

// queryProvider asks provider for the record of address and checks it. When
// the record designates a client of the provider, a circuit address through
// the provider is recorded for it.
func (p *DHTPeer) queryProvider(ctx context.Context, provider peer.AddrInfo, address string) (*wire.AgentRecord, error) {
	p.basic.Peerstore().AddAddrs(provider.ID, provider.Addrs, peerstore.PermanentAddrTTL)

	sctx, cancel := context.WithTimeout(ctx, p.cfg.NewStreamTimeout)
	defer cancel()
	s, err := p.host.NewStream(sctx, provider.ID, acn.ProtocolAddress)
	if err != nil {
		p.basic.Peerstore().ClearAddrs(provider.ID)
		return nil, fmt.Errorf("couldn't open stream to address provider: %w", err)
	}
	if deadline, ok := sctx.Deadline(); ok {
		s.SetDeadline(deadline)
	}
	rec, err := acn.LookupAddress(s, address)
	s.Close()
	if err != nil {
		return nil, err
	}
	if rec.Address != address {
		return nil, acn.NewStatusError(wire.StatusErrWrongAgentAddress, "provider returned a record for "+rec.Address)
	}
	if err := acn.VerifyRecord(rec); err != nil {
		return nil, err
	}

	target, err := acn.RecordPeerID(rec)
	if err != nil {
		return nil, err
	}
	if target != provider.ID && target != p.basic.ID() {
		if err := p.dir.AddRelayedAddr(target, provider.ID); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

func (p *DHTPeer) lookupTimeout() time.Duration {
	if p.cfg.LookupTimeout > 0 {
		return p.cfg.LookupTimeout
	}
	return dht.DefaultLookupTimeout
}
