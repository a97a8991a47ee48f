package dhtclient

import (
	"context"

	"github.com/libp2p/go-libp2p/core/network"

	"github.com/moltbunker/acn/internal/acn"
	"github.com/moltbunker/acn/internal/identity"
	"github.com/moltbunker/acn/internal/logging"
	"github.com/moltbunker/acn/internal/wire"
)

// handleAddressStream answers lookups for the client's own address only.
func (c *DHTClient) handleAddressStream(s network.Stream) {
	addr, err := acn.ReadLookupRequest(s)
	if err != nil {
		c.logger.Warn("failed to read lookup request", logging.Err(err))
		s.Close()
		return
	}
	if addr != c.myAgentAddress {
		c.logger.Debug("lookup for an address other than ours",
			logging.AgentAddress(addr),
			logging.PeerID(s.Conn().RemotePeer().String()))
		acn.SendStatus(s, wire.StatusErrUnknownAgentAddress, "unknown agent address "+addr)
		s.Close()
		return
	}
	if err := acn.SendLookupResponse(s, c.myAgentRecord); err != nil {
		c.logger.Warn("failed to send lookup response", logging.Err(err))
		s.Reset()
		return
	}
	s.Close()
}

// handleEnvelopeStream accepts envelopes for the client's agent. The
// sender record must designate the remote peer.
func (c *DHTClient) handleEnvelopeStream(s network.Stream) {
	log := c.logger.With(logging.PeerID(s.Conn().RemotePeer().String()))

	env, record, err := acn.ReadEnvelopeMessage(s)
	if err != nil {
		log.Warn("failed to read envelope", logging.Err(err))
		s.Close()
		return
	}

	remotePubHex, err := identity.PublicKeyHex(s.Conn().RemotePublicKey())
	if err != nil {
		acn.SendStatus(s, wire.StatusErrWrongPublicKey, err.Error())
		s.Close()
		return
	}
	if status, err := acn.IsValidProofOfRepresentation(record, env.Sender, remotePubHex); err != nil {
		log.Warn("rejected envelope with invalid sender record",
			logging.AgentAddress(env.Sender),
			"status", status.Code.String(),
			logging.Err(err))
		acn.SendStatus(s, status.Code, status.Msgs...)
		s.Close()
		return
	}

	if env.To != c.myAgentAddress {
		log.Warn("ignored envelope for unknown agent", logging.AgentAddress(env.To))
		acn.SendStatus(s, wire.StatusErrUnknownAgentAddress, "unknown agent address "+env.To)
		s.Close()
		return
	}
	if err := c.deliverLocal(c.ctx, env); err != nil {
		log.Warn("agent failed to process envelope", logging.Err(err))
		acn.SendStatus(s, wire.StatusErrAgentNotReady, err.Error())
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

// deliverLocal waits, bounded, for the agent to be ready and hands it env.
func (c *DHTClient) deliverLocal(ctx context.Context, env *wire.Envelope) error {
	if c.cfg.Processor == nil {
		return acn.ErrNotReady
	}
	ctx, cancel := context.WithTimeout(ctx, agentReadyWait)
	defer cancel()
	if err := acn.WaitReady(ctx, c.cfg.Ready); err != nil {
		return err
	}
	return c.cfg.Processor.ProcessEnvelope(env)
}
