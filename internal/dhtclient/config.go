package dhtclient

import (
	"errors"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/moltbunker/acn/internal/acn"
	"github.com/moltbunker/acn/internal/metrics"
	"github.com/moltbunker/acn/internal/wire"
)

const (
	DefaultBootstrapTimeout   = 60 * time.Second
	DefaultRegisterTimeout    = 5 * time.Minute
	DefaultRelayStreamTimeout = 5 * time.Minute // covers a relay restart
	DefaultNewStreamTimeout   = 1 * time.Minute

	streamRetryBase   = 100 * time.Millisecond
	streamRetryMax    = 10 * time.Second
	registerRetryBase = 200 * time.Millisecond
	registerRetryMax  = 30 * time.Second
	reconnectTimeout  = 5 * time.Second
	reconnectRetryMax = 10 * time.Second

	// reservationRetry is used when a reservation refresh fails.
	reservationRetry = 5 * time.Second
	minRefresh       = time.Second

	agentReadyWait = 30 * time.Second
)

// Config describes a DHTClient. It is not modified after New.
type Config struct {
	Key crypto.PrivKey

	// EntryPeers are the peers the client bootstraps against. One of them,
	// picked at random, becomes the relay.
	EntryPeers []peer.AddrInfo

	// AgentRecord is the record of the client's agent. It must designate
	// Key.
	AgentRecord *wire.AgentRecord

	BootstrapTimeout   time.Duration
	RegisterTimeout    time.Duration
	RelayStreamTimeout time.Duration
	NewStreamTimeout   time.Duration
	LookupTimeout      time.Duration

	// ReservationRefresh overrides the refresh period of the circuit
	// reservation, which otherwise is half its lifetime.
	ReservationRefresh time.Duration

	Processor acn.EnvelopeProcessor
	Ready     acn.ReadyChecker

	Metrics  metrics.Service
	Registry prometheus.Registerer
}

func (c *Config) setDefaults() {
	if c.BootstrapTimeout == 0 {
		c.BootstrapTimeout = DefaultBootstrapTimeout
	}
	if c.RegisterTimeout == 0 {
		c.RegisterTimeout = DefaultRegisterTimeout
	}
	if c.RelayStreamTimeout == 0 {
		c.RelayStreamTimeout = DefaultRelayStreamTimeout
	}
	if c.NewStreamTimeout == 0 {
		c.NewStreamTimeout = DefaultNewStreamTimeout
	}
	if c.Ready == nil {
		c.Ready = acn.AlwaysReady
	}
}

func (c *Config) validate() error {
	if c.Key == nil {
		return errors.New("private key must be provided")
	}
	if c.AgentRecord == nil || c.AgentRecord.Address == "" {
		return errors.New("missing agent record")
	}
	if len(c.EntryPeers) == 0 {
		return errors.New("at least one entry peer must be provided")
	}
	return nil
}
