package doctor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/moltbunker/acn/internal/acn"
	"github.com/moltbunker/acn/internal/config"
	"github.com/moltbunker/acn/internal/identity"
	"github.com/moltbunker/acn/internal/recordstore"
)

// entryDialTimeout bounds the TCP probe of each entry peer address.
const entryDialTimeout = 3 * time.Second

func result(c Checker) CheckResult {
	return CheckResult{Name: c.Name(), Category: c.Category()}
}

// ConfigChecker validates the configuration as a whole
type ConfigChecker struct{ cfg *config.Config }

func NewConfigChecker(cfg *config.Config) *ConfigChecker { return &ConfigChecker{cfg: cfg} }

func (c *ConfigChecker) Name() string       { return "Configuration" }
func (c *ConfigChecker) Category() Category { return CategoryConfig }

func (c *ConfigChecker) Check(ctx context.Context) CheckResult {
	r := result(c)
	if err := c.cfg.Validate(); err != nil {
		r.Status = StatusError
		r.Message = "Configuration: invalid"
		r.Details = err.Error()
		return r
	}
	r.Status = StatusOK
	r.Message = fmt.Sprintf("Configuration: valid, %s mode", c.cfg.Mode())
	if c.cfg.Standalone() {
		r.Message += " without agent"
	}
	return r
}

// KeyChecker loads the node key
type KeyChecker struct{ cfg *config.Config }

func NewKeyChecker(cfg *config.Config) *KeyChecker { return &KeyChecker{cfg: cfg} }

func (c *KeyChecker) Name() string       { return "Node key" }
func (c *KeyChecker) Category() Category { return CategoryConfig }

func (c *KeyChecker) Check(ctx context.Context) CheckResult {
	r := result(c)
	if c.cfg.Node.Key == "" && c.cfg.Node.KeyFile == "" {
		r.Status = StatusError
		r.Message = "Node key: not configured"
		r.Hint = "set node.key, node.key_file or AEA_P2P_ID; 'acnnode key generate' creates one"
		return r
	}
	if c.cfg.KeyFileEncrypted() && os.Getenv(config.KeyPassphraseEnv) == "" {
		r.Status = StatusSkipped
		r.Message = "Node key: encrypted, passphrase not available"
		r.Hint = "set " + config.KeyPassphraseEnv + " to check it"
		return r
	}
	priv, err := c.cfg.PrivateKey()
	if err != nil {
		r.Status = StatusError
		r.Message = "Node key: unusable"
		r.Details = err.Error()
		return r
	}
	id, err := identity.PeerIDFromPublicKey(priv.GetPublic())
	if err != nil {
		r.Status = StatusError
		r.Message = "Node key: no peer ID"
		r.Details = err.Error()
		return r
	}
	r.Status = StatusOK
	r.Message = "Node key: peer " + id.String()
	return r
}

// RecordChecker verifies the agent's proof of representation against the
// node key
type RecordChecker struct{ cfg *config.Config }

func NewRecordChecker(cfg *config.Config) *RecordChecker { return &RecordChecker{cfg: cfg} }

func (c *RecordChecker) Name() string       { return "Agent record" }
func (c *RecordChecker) Category() Category { return CategoryAgent }

func (c *RecordChecker) Check(ctx context.Context) CheckResult {
	r := result(c)
	rec := c.cfg.AgentRecord()
	if rec == nil {
		r.Status = StatusError
		r.Message = "Agent record: missing"
		r.Hint = "'acnnode record build' signs one for this node"
		return r
	}
	priv, err := c.cfg.PrivateKey()
	if err != nil {
		r.Status = StatusSkipped
		r.Message = "Agent record: node key unavailable"
		return r
	}
	peerPub, err := identity.PublicKeyHex(priv.GetPublic())
	if err != nil {
		r.Status = StatusError
		r.Message = "Agent record: node public key"
		r.Details = err.Error()
		return r
	}
	if _, err := acn.IsValidProofOfRepresentation(rec, c.cfg.Agent.Address, peerPub); err != nil {
		r.Status = StatusError
		r.Message = "Agent record: does not prove representation by this node"
		r.Details = err.Error()
		return r
	}
	r.Status = StatusOK
	r.Message = fmt.Sprintf("Agent record: %s on %s", rec.Address, rec.LedgerID)
	return r
}

// PipeChecker checks the named pipes to the agent
type PipeChecker struct{ cfg *config.Config }

func NewPipeChecker(cfg *config.Config) *PipeChecker { return &PipeChecker{cfg: cfg} }

func (c *PipeChecker) Name() string       { return "Agent pipes" }
func (c *PipeChecker) Category() Category { return CategoryAgent }

func (c *PipeChecker) Check(ctx context.Context) CheckResult {
	r := result(c)
	agent := c.cfg.Agent
	if agent.ToNodePipe == "" || agent.FromNodePipe == "" {
		r.Status = StatusError
		r.Message = "Agent pipes: not configured"
		r.Hint = "set AEA_TO_NODE and NODE_TO_AEA"
		return r
	}

	var created []string
	for _, path := range []string{agent.ToNodePipe, agent.FromNodePipe} {
		info, err := os.Stat(path)
		switch {
		case err == nil:
			if info.Mode()&fs.ModeNamedPipe == 0 {
				r.Status = StatusError
				r.Message = "Agent pipes: " + path + " is not a named pipe"
				r.Hint = "remove it or point the agent at another path"
				return r
			}
		case errors.Is(err, fs.ErrNotExist):
			if dir, err := os.Stat(filepath.Dir(path)); err != nil || !dir.IsDir() {
				r.Status = StatusError
				r.Message = "Agent pipes: no directory for " + path
				return r
			}
			created = append(created, filepath.Base(path))
		default:
			r.Status = StatusError
			r.Message = "Agent pipes: cannot inspect " + path
			r.Details = err.Error()
			return r
		}
	}
	r.Status = StatusOK
	r.Message = "Agent pipes: ready"
	if len(created) > 0 {
		r.Message += ", node will create " + strings.Join(created, " and ")
	}
	return r
}

// PortChecker checks that the listen addresses are free
type PortChecker struct{ cfg *config.Config }

func NewPortChecker(cfg *config.Config) *PortChecker { return &PortChecker{cfg: cfg} }

func (c *PortChecker) Name() string       { return "Listen ports" }
func (c *PortChecker) Category() Category { return CategoryNetwork }

func (c *PortChecker) Check(ctx context.Context) CheckResult {
	r := result(c)
	if c.cfg.Node.URI == "" && c.cfg.Delegate.URI == "" {
		r.Status = StatusSkipped
		r.Message = "Listen ports: none, the node only dials out"
		return r
	}
	if err := c.cfg.CheckPorts(); err != nil {
		r.Status = StatusError
		r.Message = "Listen ports: unavailable"
		r.Details = err.Error()
		r.Hint = "another node may already be running"
		return r
	}
	r.Status = StatusOK
	r.Message = "Listen ports: free"
	return r
}

// EntryPeerChecker probes the TCP addresses of the entry peers
type EntryPeerChecker struct{ cfg *config.Config }

func NewEntryPeerChecker(cfg *config.Config) *EntryPeerChecker { return &EntryPeerChecker{cfg: cfg} }

func (c *EntryPeerChecker) Name() string       { return "Entry peers" }
func (c *EntryPeerChecker) Category() Category { return CategoryNetwork }

func (c *EntryPeerChecker) Check(ctx context.Context) CheckResult {
	r := result(c)
	entries, err := c.cfg.EntryPeers()
	if err != nil {
		r.Status = StatusError
		r.Message = "Entry peers: invalid"
		r.Details = err.Error()
		return r
	}
	if len(entries) == 0 {
		if c.cfg.Mode() == config.ModeClient {
			r.Status = StatusError
			r.Message = "Entry peers: none, a client needs one"
			return r
		}
		r.Status = StatusWarning
		r.Message = "Entry peers: none, the node starts a new network"
		return r
	}

	var unreachable []string
	for _, info := range entries {
		if !reachable(ctx, info.Addrs) {
			unreachable = append(unreachable, info.ID.String())
		}
	}
	switch {
	case len(unreachable) == 0:
		r.Status = StatusOK
		r.Message = fmt.Sprintf("Entry peers: %d reachable", len(entries))
	case len(unreachable) < len(entries):
		r.Status = StatusWarning
		r.Message = fmt.Sprintf("Entry peers: %d of %d unreachable", len(unreachable), len(entries))
		r.Details = strings.Join(unreachable, ", ")
	default:
		r.Status = StatusError
		r.Message = "Entry peers: none reachable"
		r.Details = strings.Join(unreachable, ", ")
	}
	return r
}

// reachable reports whether any of addrs accepts a TCP connection.
func reachable(ctx context.Context, addrs []ma.Multiaddr) bool {
	d := net.Dialer{Timeout: entryDialTimeout}
	for _, addr := range addrs {
		hostPort, ok := tcpHostPort(addr)
		if !ok {
			continue
		}
		conn, err := d.DialContext(ctx, "tcp", hostPort)
		if err == nil {
			conn.Close()
			return true
		}
	}
	return false
}

func tcpHostPort(addr ma.Multiaddr) (string, bool) {
	port, err := addr.ValueForProtocol(ma.P_TCP)
	if err != nil {
		return "", false
	}
	for _, proto := range []int{ma.P_IP4, ma.P_IP6, ma.P_DNS4, ma.P_DNS6, ma.P_DNS} {
		if host, err := addr.ValueForProtocol(proto); err == nil {
			return net.JoinHostPort(host, port), true
		}
	}
	return "", false
}

// StorageChecker checks the record store used to persist relay clients
type StorageChecker struct{ cfg *config.Config }

func NewStorageChecker(cfg *config.Config) *StorageChecker { return &StorageChecker{cfg: cfg} }

func (c *StorageChecker) Name() string       { return "Record storage" }
func (c *StorageChecker) Category() Category { return CategorySystem }

func (c *StorageChecker) Check(ctx context.Context) CheckResult {
	r := result(c)
	path := c.cfg.Storage.Path
	if path == "" {
		r.Status = StatusSkipped
		r.Message = "Record storage: disabled"
		return r
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		r.Status = StatusOK
		r.Message = "Record storage: " + path + " will be created"
		return r
	}

	store, err := recordstore.Open(path)
	if err != nil {
		r.Status = StatusError
		r.Message = "Record storage: cannot open " + path
		r.Details = err.Error()
		return r
	}
	defer store.Close()
	records, err := store.Load()
	if err != nil {
		r.Status = StatusWarning
		r.Message = "Record storage: unreadable, stored clients will be lost"
		r.Details = err.Error()
		return r
	}
	r.Status = StatusOK
	r.Message = fmt.Sprintf("Record storage: %d stored records", len(records))
	return r
}
