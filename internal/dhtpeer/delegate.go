package dhtpeer

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/moltbunker/acn/internal/acn"
	"github.com/moltbunker/acn/internal/identity"
	"github.com/moltbunker/acn/internal/logging"
	"github.com/moltbunker/acn/internal/metrics"
	"github.com/moltbunker/acn/internal/wire"
)

const delegateWriteTimeout = 30 * time.Second

// delegateConn is the connection of a registered delegate client. Writes
// come from concurrent routes and are serialized.
type delegateConn struct {
	addr string
	conn net.Conn
	wmu  sync.Mutex
}

func (dc *delegateConn) send(env *wire.Envelope) error {
	dc.wmu.Lock()
	defer dc.wmu.Unlock()
	dc.conn.SetWriteDeadline(time.Now().Add(delegateWriteTimeout))
	defer dc.conn.SetWriteDeadline(time.Time{})
	return wire.WriteEnvelope(dc.conn, env)
}

// startDelegateService listens for delegate clients over TLS. The
// certificate is self-signed for this session; clients trust it through the
// signature of its key by the peer key, sent as the first frame.
func (p *DHTPeer) startDelegateService() error {
	sc, err := identity.NewSessionCertificate()
	if err != nil {
		return err
	}
	sig, err := identity.SignSessionKey(p.cfg.Key, sc)
	if err != nil {
		return err
	}
	ln, err := tls.Listen("tcp", p.cfg.DelegateAddr, sc.TLSConfig())
	if err != nil {
		return fmt.Errorf("failed to listen for delegate clients on %s: %w", p.cfg.DelegateAddr, err)
	}
	p.session = sc
	p.sessionSig = sig
	p.delegateListener = ln
	p.liveConns = make(map[net.Conn]struct{})

	limiter := rate.NewLimiter(p.cfg.AcceptRate, p.cfg.AcceptBurst)
	p.group.Go("delegate-accept", func() { p.acceptDelegates(ln, limiter) })
	p.logger.Info("delegate service listening",
		"addr", ln.Addr().String(),
		"certificate", p.session.Fingerprint())
	return nil
}

func (p *DHTPeer) acceptDelegates(ln net.Listener, limiter *rate.Limiter) {
	for {
		if err := limiter.Wait(p.ctx); err != nil {
			return
		}
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || p.closed() {
				p.logger.Info("delegate service stopped")
				return
			}
			p.logger.Warn("failed to accept delegate connection", logging.Err(err))
			continue
		}
		if !p.trackConn(conn) {
			conn.Close()
			return
		}
		p.group.Go("delegate-conn", func() { p.handleDelegateConn(conn) })
	}
}

func (p *DHTPeer) trackConn(conn net.Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed() {
		return false
	}
	p.liveConns[conn] = struct{}{}
	return true
}

func (p *DHTPeer) untrackConn(conn net.Conn) {
	p.mu.Lock()
	delete(p.liveConns, conn)
	p.mu.Unlock()
}

// handleDelegateConn registers a delegate client and routes the envelopes
// it sends until it disconnects.
func (p *DHTPeer) handleDelegateConn(conn net.Conn) {
	defer p.untrackConn(conn)
	defer conn.Close()
	log := p.logger.With(logging.Remote(conn.RemoteAddr().String()))

	conn.SetDeadline(time.Now().Add(delegateHandshake))
	if err := wire.WriteFrame(conn, p.sessionSig); err != nil {
		log.Warn("failed to send session signature", logging.Err(err))
		return
	}
	if !p.sleep(p.cfg.RegistrationDelay) {
		return
	}

	timer := metrics.NewTimer()
	record, err := acn.ReadRegistration(conn)
	if err != nil {
		log.Warn("failed to read delegate registration", logging.Err(err))
		return
	}
	addr := record.Address
	log = log.With(logging.AgentAddress(addr))

	if status, err := acn.IsValidProofOfRepresentation(record, addr, p.peerPubHex); err != nil {
		log.Warn("rejected delegate registration", "status", status.Code.String(), logging.Err(err))
		acn.SendStatus(conn, status.Code, status.Msgs...)
		return
	}

	dc := &delegateConn{addr: addr, conn: conn}
	p.mu.Lock()
	p.agentRecords[addr] = record
	p.tcpAddresses[addr] = dc
	p.metrics.DelegateClients.Set(float64(len(p.tcpAddresses)))
	p.mu.Unlock()
	p.metrics.DelegateClientsAll.Inc()
	defer p.removeDelegate(dc)

	dc.wmu.Lock()
	err = acn.SendStatus(conn, wire.StatusSuccess)
	dc.wmu.Unlock()
	if err != nil {
		log.Warn("failed to confirm delegate registration", logging.Err(err))
		return
	}
	conn.SetDeadline(time.Time{})
	log.Info("delegate client registered")

	if p.announceEnabled.Load() {
		if err := p.announce(p.ctx, addr); err != nil {
			log.Error("failed to announce delegate client address", logging.Err(err))
		}
	}
	timer.ObserveMicroseconds(p.metrics.RegisterLatency)

	for {
		env, err := wire.ReadEnvelope(conn)
		if err != nil {
			if errors.Is(err, wire.ErrConnectionClosed) {
				log.Info("delegate client disconnected")
			} else {
				log.Error("failed to read envelope from delegate client, closing", logging.Err(err))
			}
			return
		}
		if env.Sender != addr {
			log.Warn("dropping envelope, sender must match the registered address",
				"sender", env.Sender)
			continue
		}
		if err := p.RouteEnvelope(p.ctx, env); err != nil {
			log.Warn("failed to route delegate client envelope",
				"to", env.To,
				logging.Err(err))
		}
	}
}

func (p *DHTPeer) removeDelegate(dc *delegateConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tcpAddresses[dc.addr] == dc {
		delete(p.tcpAddresses, dc.addr)
	}
	p.metrics.DelegateClients.Set(float64(len(p.tcpAddresses)))
}

// SessionSignature is the signature delegate clients verify the TLS
// certificate with.
func (p *DHTPeer) SessionSignature() []byte {
	return p.sessionSig
}
