package dhtpeer

import (
	"context"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/network"

	"github.com/moltbunker/acn/internal/acn"
	"github.com/moltbunker/acn/internal/dht"
	"github.com/moltbunker/acn/internal/identity"
	"github.com/moltbunker/acn/internal/logging"
	"github.com/moltbunker/acn/internal/metrics"
	"github.com/moltbunker/acn/internal/wire"
)

// handleNotifStream runs when a peer joined through us. The peer goes into
// the routing table, then we announce everything we represent, at most once
// per address, and allow later registrations to be announced right away.
func (p *DHTPeer) handleNotifStream(s network.Stream) {
	remote := s.Conn().RemotePeer()
	s.Close()

	timer := metrics.NewTimer()
	if _, err := p.dir.AddPeer(remote); err != nil {
		p.logger.Debug("notifying peer not added to the routing table",
			logging.PeerID(remote.String()),
			logging.Err(err))
	}
	if err := p.dir.WaitForRoutingTable(p.ctx, remote, dht.RoutingTableWait); err != nil {
		if p.ctx.Err() != nil {
			return
		}
		// the peer is connected, a provide still reaches it
		p.logger.Warn("notifying peer not in the routing table, announcing anyway",
			logging.PeerID(remote.String()),
			logging.Err(err))
	}

	if p.myAgentAddress != "" {
		if err := p.announce(p.ctx, p.myAgentAddress); err != nil {
			p.logger.Error("failed to announce own agent address",
				logging.AgentAddress(p.myAgentAddress),
				logging.Err(err))
			return
		}
	}
	if p.cfg.EnableRelay {
		for _, addr := range p.relayAddresses() {
			if err := p.announce(p.ctx, addr); err != nil {
				p.logger.Warn("failed to announce relay client address",
					logging.AgentAddress(addr),
					logging.Err(err))
			}
		}
	}
	for _, addr := range p.delegateAddresses() {
		if err := p.announce(p.ctx, addr); err != nil {
			p.logger.Warn("failed to announce delegate client address",
				logging.AgentAddress(addr),
				logging.Err(err))
		}
	}
	timer.ObserveMicroseconds(p.metrics.RegisterLatency)
	p.announceEnabled.Store(true)
}

// rejectStream answers a request refused for its content with a status,
// gives the remote rejectLinger to read it and close its side, then resets
// the stream.
func rejectStream(s network.Stream, code wire.StatusCode, msgs ...string) {
	if err := acn.SendStatus(s, code, msgs...); err == nil {
		_ = s.CloseWrite()
		_ = s.SetReadDeadline(time.Now().Add(rejectLinger))
		_, _ = io.Copy(io.Discard, io.LimitReader(s, maxRejectDrain))
	}
	_ = s.Reset()
}

// handleRegisterStream registers a relay client whose record proves it is
// represented by the remote peer.
func (p *DHTPeer) handleRegisterStream(s network.Stream) {
	remote := s.Conn().RemotePeer()
	log := p.logger.With(logging.Op("register"), logging.PeerID(remote.String()))

	if !p.registerLimiter.Allow() {
		rejectStream(s, wire.StatusErrGeneric, "too many registrations, retry later")
		return
	}
	if !p.sleep(p.cfg.RegistrationDelay) {
		s.Reset()
		return
	}

	timer := metrics.NewTimer()
	record, err := acn.ReadRegistration(s)
	if err != nil {
		log.Warn("failed to read relay client registration", logging.Err(err))
		s.Close()
		return
	}

	clientPubHex, err := identity.PublicKeyHex(s.Conn().RemotePublicKey())
	if err != nil {
		rejectStream(s, wire.StatusErrWrongPublicKey, err.Error())
		return
	}
	status, err := acn.IsValidProofOfRepresentation(record, record.Address, clientPubHex)
	if err != nil {
		log.Warn("rejected relay client registration",
			logging.AgentAddress(record.Address),
			"status", status.Code.String(),
			logging.Err(err))
		rejectStream(s, status.Code, status.Msgs...)
		return
	}

	p.mu.Lock()
	p.agentRecords[record.Address] = record
	p.dhtAddresses[record.Address] = remote
	p.metrics.RelayClients.Set(float64(len(p.dhtAddresses)))
	p.mu.Unlock()
	p.metrics.RelayClientsAll.Inc()

	if p.store != nil {
		if err := p.store.Append(record); err != nil {
			log.Error("failed to persist agent record",
				logging.AgentAddress(record.Address),
				logging.Err(err))
		}
	}

	if err := acn.SendStatus(s, wire.StatusSuccess); err != nil {
		log.Warn("failed to confirm registration", logging.Err(err))
		s.Reset()
		return
	}
	s.Close()
	log.Info("relay client registered", logging.AgentAddress(record.Address))

	if p.announceEnabled.Load() {
		if err := p.announce(p.ctx, record.Address); err != nil {
			log.Error("failed to announce relay client address",
				logging.AgentAddress(record.Address),
				logging.Err(err))
			return
		}
	}
	timer.ObserveMicroseconds(p.metrics.RegisterLatency)
}

// handleAddressStream answers a lookup with the record of the requested
// address.
func (p *DHTPeer) handleAddressStream(s network.Stream) {
	addr, err := acn.ReadLookupRequest(s)
	if err != nil {
		p.logger.Warn("failed to read lookup request",
			logging.PeerID(s.Conn().RemotePeer().String()),
			logging.Err(err))
		s.Close()
		return
	}

	record, err := p.resolveRecord(p.ctx, addr)
	if err != nil {
		p.logger.Debug("address not found", logging.AgentAddress(addr), logging.Err(err))
		acn.SendStatus(s, wire.StatusErrUnknownAgentAddress, "unknown agent address "+addr)
		s.Close()
		return
	}
	if err := acn.SendLookupResponse(s, record); err != nil {
		p.logger.Warn("failed to send lookup response", logging.AgentAddress(addr), logging.Err(err))
		s.Reset()
		return
	}
	s.Close()
}

// resolveRecord returns the record of addr: our own agent, then relay
// clients, then delegate clients, then the DHT.
func (p *DHTPeer) resolveRecord(ctx context.Context, addr string) (*wire.AgentRecord, error) {
	if addr == p.myAgentAddress && p.myAgentRecord != nil {
		return p.myAgentRecord, nil
	}

	p.mu.RLock()
	_, isRelay := p.dhtAddresses[addr]
	_, isDelegate := p.tcpAddresses[addr]
	record := p.agentRecords[addr]
	p.mu.RUnlock()
	if (isRelay || isDelegate) && record != nil {
		return record, nil
	}

	return p.lookupAddress(ctx, addr)
}

// handleEnvelopeStream accepts an envelope from another node. The sender
// record must designate the remote peer.
func (p *DHTPeer) handleEnvelopeStream(s network.Stream) {
	remote := s.Conn().RemotePeer()
	log := p.logger.With(logging.PeerID(remote.String()))

	env, record, err := acn.ReadEnvelopeMessage(s)
	if err != nil {
		log.Warn("failed to read envelope", logging.Err(err))
		s.Close()
		return
	}

	remotePubHex, err := identity.PublicKeyHex(s.Conn().RemotePublicKey())
	if err != nil {
		rejectStream(s, wire.StatusErrWrongPublicKey, err.Error())
		return
	}
	if status, err := acn.IsValidProofOfRepresentation(record, env.Sender, remotePubHex); err != nil {
		log.Warn("rejected envelope with invalid sender record",
			logging.AgentAddress(env.Sender),
			"status", status.Code.String(),
			logging.Err(err))
		rejectStream(s, status.Code, status.Msgs...)
		return
	}

	if err := p.deliverIncoming(env); err != nil {
		log.Warn("failed to deliver envelope",
			logging.AgentAddress(env.To),
			logging.Err(err))
		acn.SendError(s, err)
		s.Close()
		return
	}
	if err := acn.SendStatus(s, wire.StatusSuccess); err != nil {
		log.Debug("failed to acknowledge envelope", logging.Err(err))
		s.Reset()
		return
	}
	s.Close()
}

// deliverIncoming hands an envelope that reached this peer to a delegate
// client or the local agent.
func (p *DHTPeer) deliverIncoming(env *wire.Envelope) error {
	p.mu.RLock()
	dc, isDelegate := p.tcpAddresses[env.To]
	p.mu.RUnlock()

	switch {
	case isDelegate:
		if err := dc.send(env); err != nil {
			return acn.NewStatusError(wire.StatusErrAgentNotReady, "delegate client unreachable: "+err.Error())
		}
		return nil
	case env.To != "" && env.To == p.myAgentAddress:
		return p.deliverLocal(p.ctx, env)
	}
	return acn.NewStatusError(wire.StatusErrUnknownAgentAddress, "unknown agent address "+env.To)
}

// deliverLocal waits, bounded, for the agent to be ready and hands it env.
func (p *DHTPeer) deliverLocal(ctx context.Context, env *wire.Envelope) error {
	if p.cfg.Processor == nil {
		return acn.ErrNotReady
	}
	ctx, cancel := context.WithTimeout(ctx, agentReadyWait)
	defer cancel()
	if err := acn.WaitReady(ctx, p.cfg.Ready); err != nil {
		return err
	}
	return p.cfg.Processor.ProcessEnvelope(env)
}

// sleep waits d unless the peer closes first.
func (p *DHTPeer) sleep(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-p.ctx.Done():
		return false
	}
}
