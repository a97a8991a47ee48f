package dhtpeer

import (
	"errors"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/moltbunker/acn/internal/acn"
	"github.com/moltbunker/acn/internal/metrics"
	"github.com/moltbunker/acn/internal/wire"
)

const (
	DefaultNewStreamTimeout  = 30 * time.Second
	DefaultRegistrationDelay = 0

	// DefaultLookupCacheSize and DefaultLookupCacheTTL size the cache of
	// records resolved through the DHT.
	DefaultLookupCacheSize = 1024
	DefaultLookupCacheTTL  = 5 * time.Minute

	// Delegate connections and relay registrations accepted per second.
	DefaultAcceptRate  = rate.Limit(50)
	DefaultAcceptBurst = 100

	lookupRetryInterval = 200 * time.Millisecond
	agentReadyWait      = 30 * time.Second
	delegateHandshake   = 30 * time.Second

	// a rejected remote gets this long to read the status before the reset
	rejectLinger   = time.Second
	maxRejectDrain = 64 << 10
)

// Config describes a DHTPeer. It is not modified after New.
type Config struct {
	Key crypto.PrivKey

	// LocalAddr is the host:port the libp2p host listens on.
	LocalAddr string
	// PublicAddr is the host:port advertised to other peers.
	PublicAddr string
	// DelegateAddr is the host:port of the delegate TLS service. Empty
	// disables the service.
	DelegateAddr string

	EnableRelay bool
	EntryPeers  []peer.AddrInfo

	// LocalDiscovery connects to peers found over mDNS under DiscoveryTag.
	LocalDiscovery bool
	DiscoveryTag   string

	// AgentRecord is the record of the agent this peer represents, if any.
	AgentRecord *wire.AgentRecord

	// RegistrationDelay is applied before handling every registration.
	RegistrationDelay time.Duration

	// StoragePath, when set, persists relay client records across restarts.
	StoragePath string

	ProvideTimeout   time.Duration
	LookupTimeout    time.Duration
	NewStreamTimeout time.Duration

	LookupCacheSize int
	LookupCacheTTL  time.Duration

	AcceptRate  rate.Limit
	AcceptBurst int

	Processor acn.EnvelopeProcessor
	Ready     acn.ReadyChecker

	Metrics  metrics.Service
	Registry prometheus.Registerer
}

func (c *Config) setDefaults() {
	if c.NewStreamTimeout == 0 {
		c.NewStreamTimeout = DefaultNewStreamTimeout
	}
	if c.LookupCacheSize == 0 {
		c.LookupCacheSize = DefaultLookupCacheSize
	}
	if c.LookupCacheTTL == 0 {
		c.LookupCacheTTL = DefaultLookupCacheTTL
	}
	if c.AcceptRate == 0 {
		c.AcceptRate = DefaultAcceptRate
	}
	if c.AcceptBurst == 0 {
		c.AcceptBurst = DefaultAcceptBurst
	}
	if c.Ready == nil {
		c.Ready = acn.AlwaysReady
	}
}

func (c *Config) validate() error {
	if c.Key == nil {
		return errors.New("private key must be provided")
	}
	if c.LocalAddr == "" {
		return errors.New("local host and port must be set")
	}
	if c.PublicAddr == "" {
		return errors.New("public host and port must be set")
	}
	return nil
}
