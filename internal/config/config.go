package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"gopkg.in/yaml.v3"

	"github.com/moltbunker/acn/internal/identity"
	"github.com/moltbunker/acn/internal/logging"
	"github.com/moltbunker/acn/internal/wire"
)

// Config represents the complete node configuration
type Config struct {
	Node       NodeConfig       `yaml:"node"`
	Agent      AgentConfig      `yaml:"agent"`
	Delegate   DelegateConfig   `yaml:"delegate"`
	Bootstrap  BootstrapConfig  `yaml:"bootstrap"`
	Timeouts   TimeoutsConfig   `yaml:"timeouts"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Storage    StorageConfig    `yaml:"storage"`
	Log        LogConfig        `yaml:"log"`
}

// NodeConfig contains the node identity and its libp2p addresses
type NodeConfig struct {
	Key       string `yaml:"key"`        // hex secp256k1 private key (AEA_P2P_ID)
	KeyFile   string `yaml:"key_file"`   // file holding the hex key, used when key is empty
	URI       string `yaml:"uri"`        // host:port to listen on (AEA_P2P_URI)
	PublicURI string `yaml:"public_uri"` // host:port advertised to the network (AEA_P2P_URI_PUBLIC)

	EnableRelay bool `yaml:"enable_relay"` // serve circuit relay reservations to clients

	// Delay before handling each registration (AEA_P2P_CFG_REGISTRATION_DELAY)
	RegistrationDelaySecs float64 `yaml:"registration_delay_secs"`
}

// AgentConfig contains the local agent and its pipe
type AgentConfig struct {
	Address      string       `yaml:"address"`        // AEA_AGENT_ADDR
	ToNodePipe   string       `yaml:"to_node_pipe"`   // AEA_TO_NODE
	FromNodePipe string       `yaml:"from_node_pipe"` // NODE_TO_AEA
	Record       RecordConfig `yaml:"record"`
}

// RecordConfig is the agent's proof of representation (AEA_P2P_POR_*)
type RecordConfig struct {
	Address       string `yaml:"address"`
	PublicKey     string `yaml:"public_key"`
	PeerPublicKey string `yaml:"peer_public_key"`
	Signature     string `yaml:"signature"`
	ServiceID     string `yaml:"service_id"`
	LedgerID      string `yaml:"ledger_id"`
	NotBefore     string `yaml:"not_before,omitempty"`
	NotAfter      string `yaml:"not_after,omitempty"`
}

// DelegateConfig contains the delegate TLS service settings
type DelegateConfig struct {
	URI         string  `yaml:"uri"`          // host:port (AEA_P2P_DELEGATE_URI), empty disables
	AcceptRate  float64 `yaml:"accept_rate"`  // connections and registrations per second
	AcceptBurst int     `yaml:"accept_burst"`
}

// BootstrapConfig lists the entry peers
type BootstrapConfig struct {
	EntryURIs []string `yaml:"entry_uris"` // /ip4/<host>/tcp/<port>/p2p/<peerid> (AEA_P2P_ENTRY_URIS)

	// LocalDiscovery makes a peer announce itself and connect to other
	// peers on the LAN over mDNS.
	LocalDiscovery bool   `yaml:"local_discovery"`
	DiscoveryTag   string `yaml:"discovery_tag"`
}

// TimeoutsConfig contains network timeouts, in seconds
type TimeoutsConfig struct {
	BootstrapSecs   int `yaml:"bootstrap_secs"`
	RegisterSecs    int `yaml:"register_secs"`
	LookupSecs      int `yaml:"lookup_secs"`
	ProvideSecs     int `yaml:"provide_secs"`
	NewStreamSecs   int `yaml:"new_stream_secs"`
	RelayStreamSecs int `yaml:"relay_stream_secs"`
}

// MonitoringConfig selects the metrics backend
type MonitoringConfig struct {
	URI              string `yaml:"uri"` // host:port of /metrics (AEA_P2P_URI_MONITORING); empty keeps metrics in memory
	Namespace        string `yaml:"namespace"`
	DumpPath         string `yaml:"dump_path"` // JSON snapshot of in-memory metrics
	DumpIntervalSecs int    `yaml:"dump_interval_secs"`
}

// StorageConfig contains record persistence and cache settings
type StorageConfig struct {
	Path               string `yaml:"path"` // AEA_P2P_CFG_STORAGE_PATH, empty disables persistence
	LookupCacheSize    int    `yaml:"lookup_cache_size"`
	LookupCacheTTLSecs int    `yaml:"lookup_cache_ttl_secs"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// Mode is the role a node runs in.
type Mode string

const (
	ModePeer   Mode = "peer"
	ModeClient Mode = "client"
)

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			EnableRelay: true,
		},
		Delegate: DelegateConfig{
			AcceptRate:  50,
			AcceptBurst: 100,
		},
		Timeouts: TimeoutsConfig{
			BootstrapSecs:   60,
			RegisterSecs:    300,
			LookupSecs:      20,
			ProvideSecs:     60,
			NewStreamSecs:   30,
			RelayStreamSecs: 300,
		},
		Monitoring: MonitoringConfig{
			Namespace:        "acn",
			DumpIntervalSecs: 30,
		},
		Storage: StorageConfig{
			LookupCacheSize:    1024,
			LookupCacheTTLSecs: 300,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a YAML config file over the defaults. A missing file yields
// the defaults. The result is not validated: apply the environment first.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	path = expandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandPaths()
	return cfg, nil
}

// Save writes the configuration as YAML
func (c *Config) Save(path string) error {
	path = expandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// LoadEnvFile loads a .env file into the process environment, overriding
// variables already set.
func LoadEnvFile(path string) error {
	if err := godotenv.Overload(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays the AEA_* variables found by lookup. The record
// variables apply only when AEA_P2P_POR_ADDRESS is set.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	str("AEA_P2P_ID", &c.Node.Key)
	str("AEA_P2P_URI", &c.Node.URI)
	str("AEA_P2P_URI_PUBLIC", &c.Node.PublicURI)
	str("AEA_P2P_DELEGATE_URI", &c.Delegate.URI)
	str("AEA_P2P_URI_MONITORING", &c.Monitoring.URI)
	str("AEA_P2P_CFG_STORAGE_PATH", &c.Storage.Path)
	str("AEA_AGENT_ADDR", &c.Agent.Address)
	str("AEA_TO_NODE", &c.Agent.ToNodePipe)
	str("NODE_TO_AEA", &c.Agent.FromNodePipe)

	if v, ok := lookup("AEA_P2P_ENTRY_URIS"); ok {
		c.Bootstrap.EntryURIs = splitList(v)
	}

	if v, ok := lookup("AEA_P2P_CFG_REGISTRATION_DELAY"); ok && strings.TrimSpace(v) != "" {
		delay, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("malformed AEA_P2P_CFG_REGISTRATION_DELAY %q: %w", v, err)
		}
		c.Node.RegistrationDelaySecs = delay
	}

	if v, ok := lookup("AEA_P2P_POR_ADDRESS"); ok && v != "" {
		c.Agent.Record = RecordConfig{Address: strings.TrimSpace(v)}
		str("AEA_P2P_POR_PUBKEY", &c.Agent.Record.PublicKey)
		str("AEA_P2P_POR_PEER_PUBKEY", &c.Agent.Record.PeerPublicKey)
		str("AEA_P2P_POR_SIGNATURE", &c.Agent.Record.Signature)
		str("AEA_P2P_POR_SERVICE_ID", &c.Agent.Record.ServiceID)
		str("AEA_P2P_POR_LEDGER_ID", &c.Agent.Record.LedgerID)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks the configuration is complete and consistent
func (c *Config) Validate() error {
	if c.Node.Key == "" && c.Node.KeyFile == "" {
		return errors.New("node key is required (node.key, node.key_file or AEA_P2P_ID)")
	}

	for name, uri := range map[string]string{
		"node.uri":        c.Node.URI,
		"node.public_uri": c.Node.PublicURI,
		"delegate.uri":    c.Delegate.URI,
		"monitoring.uri":  c.Monitoring.URI,
	} {
		if uri == "" {
			continue
		}
		if _, _, err := splitHostPort(uri); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}

	switch c.Mode() {
	case ModePeer:
		if c.Node.URI == "" {
			return errors.New("node.uri is required for a peer")
		}
	case ModeClient:
		if len(c.Bootstrap.EntryURIs) == 0 {
			return errors.New("a client needs at least one entry peer")
		}
		if c.Agent.Address == "" || c.Agent.Record.Address == "" {
			return errors.New("a client needs an agent and its record")
		}
	}
	for _, uri := range c.Bootstrap.EntryURIs {
		if _, err := peer.AddrInfoFromString(uri); err != nil {
			return fmt.Errorf("invalid entry peer %q: %w", uri, err)
		}
	}

	if (c.Agent.ToNodePipe == "") != (c.Agent.FromNodePipe == "") {
		return errors.New("both pipe paths must be set together")
	}
	if c.Agent.ToNodePipe != "" && c.Agent.Address == "" {
		return errors.New("pipe paths require an agent address")
	}
	if c.Agent.Address != "" && c.Agent.Record.Address == "" {
		return errors.New("agent record is required with an agent address")
	}
	if c.Agent.Record.Address != "" && c.Agent.Address != "" && c.Agent.Record.Address != c.Agent.Address {
		return fmt.Errorf("record address %s does not match agent address %s", c.Agent.Record.Address, c.Agent.Address)
	}

	if c.Node.RegistrationDelaySecs < 0 {
		return fmt.Errorf("registration_delay_secs must not be negative, got %v", c.Node.RegistrationDelaySecs)
	}
	if c.Delegate.AcceptRate <= 0 || c.Delegate.AcceptBurst < 1 {
		return errors.New("delegate accept_rate and accept_burst must be positive")
	}
	t := c.Timeouts
	for name, v := range map[string]int{
		"bootstrap_secs":    t.BootstrapSecs,
		"register_secs":     t.RegisterSecs,
		"lookup_secs":       t.LookupSecs,
		"provide_secs":      t.ProvideSecs,
		"new_stream_secs":   t.NewStreamSecs,
		"relay_stream_secs": t.RelayStreamSecs,
	} {
		if v < 1 {
			return fmt.Errorf("timeouts.%s must be at least 1, got %d", name, v)
		}
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}
	return nil
}

func splitHostPort(uri string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(uri)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}

// CheckPorts fails when the listen or delegate port is already taken.
func (c *Config) CheckPorts() error {
	for _, uri := range []string{c.Node.URI, c.Delegate.URI} {
		if uri == "" {
			continue
		}
		l, err := net.Listen("tcp", uri)
		if err != nil {
			return fmt.Errorf("address %s is not available: %w", uri, err)
		}
		l.Close()
	}
	return nil
}

// Mode is peer when the node is publicly reachable or serves delegates,
// client otherwise.
func (c *Config) Mode() Mode {
	if c.Node.PublicURI != "" || c.Delegate.URI != "" {
		return ModePeer
	}
	return ModeClient
}

// Standalone reports whether the node runs without a local agent.
func (c *Config) Standalone() bool {
	return c.Agent.Address == ""
}

// KeyPassphraseEnv names the variable holding the passphrase of an
// encrypted key file.
const KeyPassphraseEnv = "ACN_KEY_PASSPHRASE"

// PrivateKey returns the node key, read from key_file when key is empty. An
// encrypted key file is opened with the passphrase in KeyPassphraseEnv.
func (c *Config) PrivateKey() (crypto.PrivKey, error) {
	return c.PrivateKeyWithPassphrase([]byte(os.Getenv(KeyPassphraseEnv)))
}

func (c *Config) PrivateKeyWithPassphrase(passphrase []byte) (crypto.PrivKey, error) {
	keyHex := c.Node.Key
	if keyHex == "" {
		var err error
		keyHex, err = identity.LoadKeyFile(c.Node.KeyFile, passphrase)
		if err != nil {
			return nil, err
		}
	}
	priv, _, err := identity.KeyPairFromHex(keyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid node key: %w", err)
	}
	return priv, nil
}

// KeyFileEncrypted reports whether the node key comes from an encrypted
// key file.
func (c *Config) KeyFileEncrypted() bool {
	if c.Node.Key != "" || c.Node.KeyFile == "" {
		return false
	}
	ok, err := identity.IsEncryptedKeyFile(c.Node.KeyFile)
	return err == nil && ok
}

// AgentRecord returns the configured record, nil without one.
func (c *Config) AgentRecord() *wire.AgentRecord {
	r := c.Agent.Record
	if r.Address == "" {
		return nil
	}
	return &wire.AgentRecord{
		ServiceID:     r.ServiceID,
		LedgerID:      r.LedgerID,
		Address:       r.Address,
		PublicKey:     r.PublicKey,
		PeerPublicKey: r.PeerPublicKey,
		Signature:     r.Signature,
		NotBefore:     r.NotBefore,
		NotAfter:      r.NotAfter,
	}
}

// EntryPeers parses the bootstrap multiaddresses.
func (c *Config) EntryPeers() ([]peer.AddrInfo, error) {
	peers := make([]peer.AddrInfo, 0, len(c.Bootstrap.EntryURIs))
	for _, uri := range c.Bootstrap.EntryURIs {
		info, err := peer.AddrInfoFromString(uri)
		if err != nil {
			return nil, fmt.Errorf("invalid entry peer %q: %w", uri, err)
		}
		peers = append(peers, *info)
	}
	return peers, nil
}

func (c *Config) RegistrationDelay() time.Duration {
	return time.Duration(c.Node.RegistrationDelaySecs * float64(time.Second))
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func (t TimeoutsConfig) Bootstrap() time.Duration   { return seconds(t.BootstrapSecs) }
func (t TimeoutsConfig) Register() time.Duration    { return seconds(t.RegisterSecs) }
func (t TimeoutsConfig) Lookup() time.Duration      { return seconds(t.LookupSecs) }
func (t TimeoutsConfig) Provide() time.Duration     { return seconds(t.ProvideSecs) }
func (t TimeoutsConfig) NewStream() time.Duration   { return seconds(t.NewStreamSecs) }
func (t TimeoutsConfig) RelayStream() time.Duration { return seconds(t.RelayStreamSecs) }

// expandPaths expands ~ in all path fields
func (c *Config) expandPaths() {
	c.Node.KeyFile = expandPath(c.Node.KeyFile)
	c.Agent.ToNodePipe = expandPath(c.Agent.ToNodePipe)
	c.Agent.FromNodePipe = expandPath(c.Agent.FromNodePipe)
	c.Monitoring.DumpPath = expandPath(c.Monitoring.DumpPath)
	c.Storage.Path = expandPath(c.Storage.Path)
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file path
func DefaultConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".acn", "config.yaml")
}
