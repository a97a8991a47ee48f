// Package delegate implements the delegate client: an agent that reaches
// the ACN through a TCP connection to a peer, which represents it and
// routes its envelopes.
//
// The connection is TLS with a certificate made up for the peer's session.
// Instead of a CA chain the client checks the first frame the peer sends:
// the signature of the certificate key by the peer's ACN key.
package delegate

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/moltbunker/acn/internal/acn"
	"github.com/moltbunker/acn/internal/identity"
	"github.com/moltbunker/acn/internal/logging"
	"github.com/moltbunker/acn/internal/util"
	"github.com/moltbunker/acn/internal/wire"
)

const (
	DefaultDialTimeout      = 10 * time.Second
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultWriteTimeout     = 30 * time.Second
	DefaultConnectAttempts  = 5

	retryBaseDelay = 500 * time.Millisecond
	retryMaxDelay  = time.Second
)

var (
	// ErrClosed is returned by Send once the client is closed or the peer
	// dropped the connection.
	ErrClosed = errors.New("delegate client closed")

	// ErrWrongSender is returned when sending an envelope that was not sent
	// by the registered agent.
	ErrWrongSender = errors.New("envelope sender must be the registered agent")

	// ErrSessionSignature is returned when the peer cannot prove the TLS
	// session belongs to the key named in the agent record.
	ErrSessionSignature = errors.New("invalid session signature")
)

// Config describes a delegate client.
type Config struct {
	// Addr is the host:port of the peer's delegate service.
	Addr string

	// AgentRecord is registered with the peer. Its PeerPublicKey must be
	// the peer's key.
	AgentRecord *wire.AgentRecord

	// PeerPublicKey, when set, overrides the key the session signature is
	// checked against.
	PeerPublicKey string

	// Processor receives the envelopes routed to the agent. Envelopes are
	// dropped when it is nil.
	Processor acn.EnvelopeProcessor

	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	// ConnectAttempts bounds the connect and register attempts in Dial.
	ConnectAttempts int
}

func (c *Config) setDefaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.ConnectAttempts == 0 {
		c.ConnectAttempts = DefaultConnectAttempts
	}
	if c.PeerPublicKey == "" && c.AgentRecord != nil {
		c.PeerPublicKey = c.AgentRecord.PeerPublicKey
	}
}

func (c *Config) validate() error {
	if c.Addr == "" {
		return errors.New("delegate address must be set")
	}
	if c.AgentRecord == nil || c.AgentRecord.Address == "" {
		return errors.New("missing agent record")
	}
	return nil
}

// Client is a registered delegate connection.
type Client struct {
	cfg    Config
	logger *slog.Logger
	conn   net.Conn

	wmu sync.Mutex

	done      chan struct{}
	readErr   error
	closeOnce sync.Once
	closing   chan struct{}
}

// Dial connects to the peer, checks its session signature and registers
// the agent record. Transient failures are retried with backoff; a
// rejected registration or signature is not.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	logger := logging.With(logging.Component("delegate"),
		logging.Remote(cfg.Addr),
		logging.AgentAddress(cfg.AgentRecord.Address))

	retry := &util.RetryConfig{
		MaxRetries: cfg.ConnectAttempts - 1,
		BaseDelay:  retryBaseDelay,
		MaxDelay:   retryMaxDelay,
		Multiplier: 2.0,
		Jitter:     0.2,
		RetryIf:    util.DefaultRetryIf(),
	}
	conn, res := util.RetryWithValue(ctx, retry, func() (net.Conn, error) {
		conn, err := connect(ctx, cfg)
		if err != nil {
			logger.Warn("failed to connect to delegate service", logging.Err(err))
		}
		return conn, err
	})
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("failed to register with %s after %d attempts: %w", cfg.Addr, res.Attempts, err)
	}

	c := &Client{
		cfg:     cfg,
		logger:  logger,
		conn:    conn,
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
	util.SafeGoWithName("delegate-receive", c.receive)
	logger.Info("registered with delegate service")
	return c, nil
}

// connect runs one dial, session check and registration.
func connect(ctx context.Context, cfg Config) (net.Conn, error) {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: cfg.DialTimeout},
		// the certificate is authenticated by the session signature below
		Config: &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS12}, //nolint:gosec
	}
	raw, err := dialer.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, err
	}
	conn := raw.(*tls.Conn)
	conn.SetDeadline(time.Now().Add(cfg.HandshakeTimeout))

	if err := verifySession(conn, cfg.PeerPublicKey); err != nil {
		conn.Close()
		return nil, util.MarkNonRetryable(err)
	}
	if err := acn.RegisterRecord(conn, cfg.AgentRecord); err != nil {
		conn.Close()
		var se *acn.StatusError
		if errors.As(err, &se) {
			return nil, util.MarkNonRetryable(err)
		}
		return nil, err
	}
	conn.SetDeadline(time.Time{})
	return conn, nil
}

func verifySession(conn *tls.Conn, peerPubHex string) error {
	sig, err := wire.ReadFrame(conn)
	if err != nil {
		return fmt.Errorf("failed to read session signature: %w", err)
	}
	certs := conn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return fmt.Errorf("%w: no certificate presented", ErrSessionSignature)
	}
	certPub, err := identity.SessionPublicKey(certs[0])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSessionSignature, err)
	}
	ok, err := identity.VerifySessionSignature(peerPubHex, certPub, sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSessionSignature, err)
	}
	if !ok {
		return ErrSessionSignature
	}
	return nil
}

// Send writes env to the peer, which routes it. Sends are written in call
// order; the peer does not acknowledge them.
func (c *Client) Send(env *wire.Envelope) error {
	if env.Sender != c.cfg.AgentRecord.Address {
		return fmt.Errorf("%w: got %s", ErrWrongSender, env.Sender)
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := wire.WriteEnvelope(c.conn, env); err != nil {
		return fmt.Errorf("failed to send envelope to %s: %w", env.To, err)
	}
	return nil
}

// RouteEnvelope is Send, for callers that treat all node kinds alike.
func (c *Client) RouteEnvelope(_ context.Context, env *wire.Envelope) error {
	return c.Send(env)
}

func (c *Client) receive() {
	defer close(c.done)
	for {
		env, err := wire.ReadEnvelope(c.conn)
		if err != nil {
			select {
			case <-c.closing:
			default:
				if errors.Is(err, wire.ErrConnectionClosed) {
					c.logger.Info("delegate service closed the connection")
				} else {
					c.logger.Error("failed to read envelope, disconnecting", logging.Err(err))
				}
				c.readErr = err
				c.conn.Close()
			}
			return
		}
		if env.To != c.cfg.AgentRecord.Address {
			c.logger.Warn("dropping envelope for another agent", "to", env.To)
			continue
		}
		if c.cfg.Processor == nil {
			c.logger.Warn("no processor, dropping envelope", "sender", env.Sender)
			continue
		}
		if err := c.cfg.Processor.ProcessEnvelope(env); err != nil {
			c.logger.Warn("agent failed to process envelope", "sender", env.Sender, logging.Err(err))
		}
	}
}

// Done is closed when the connection is gone, after Close or when the peer
// drops it.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended, nil after Close.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.readErr
	default:
		return nil
	}
}

func (c *Client) AgentAddress() string {
	return c.cfg.AgentRecord.Address
}

// Close disconnects and waits for the receive loop to stop.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		err = c.conn.Close()
		<-c.done
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	})
	return err
}
