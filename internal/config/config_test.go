package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testKey = "3e7a1f43b2d7c9a8cf2d0e1b7f6a5c4d3e2f1a0b9c8d7e6f5a4b3c2d1e0f9a8b"

const testEntry = "/ip4/127.0.0.1/tcp/9000/p2p/16Uiu2HAm3cuhhRL2msUuLF62KRSfneFDx94RsuouyW25Ho42cFMq"

// validPeer returns a config that passes Validate in peer mode.
func validPeer() *Config {
	cfg := DefaultConfig()
	cfg.Node.Key = testKey
	cfg.Node.URI = "127.0.0.1:9000"
	cfg.Node.PublicURI = "127.0.0.1:9000"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if !cfg.Node.EnableRelay {
		t.Error("expected relay service enabled by default")
	}
	if cfg.Timeouts.Bootstrap() != time.Minute {
		t.Errorf("expected bootstrap timeout 1m, got %s", cfg.Timeouts.Bootstrap())
	}
	if cfg.Timeouts.Register() != 5*time.Minute {
		t.Errorf("expected register timeout 5m, got %s", cfg.Timeouts.Register())
	}
	if cfg.Monitoring.Namespace != "acn" {
		t.Errorf("expected namespace 'acn', got %s", cfg.Monitoring.Namespace)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("expected info/json logging, got %s/%s", cfg.Log.Level, cfg.Log.Format)
	}
	if cfg.Mode() != ModeClient {
		t.Errorf("expected client mode without public or delegate uri, got %s", cfg.Mode())
	}
	if !cfg.Standalone() {
		t.Error("expected standalone without an agent")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"valid peer", func(c *Config) {}, ""},
		{"missing key", func(c *Config) { c.Node.Key = "" }, "node key is required"},
		{"key file is enough", func(c *Config) { c.Node.Key = ""; c.Node.KeyFile = "/tmp/key" }, ""},
		{"peer without uri", func(c *Config) { c.Node.URI = "" }, "node.uri is required"},
		{"malformed uri", func(c *Config) { c.Node.URI = "localhost" }, "invalid node.uri"},
		{"port out of range", func(c *Config) { c.Delegate.URI = "127.0.0.1:70000" }, "invalid delegate.uri"},
		{"client without entry peers", func(c *Config) { c.Node.PublicURI = "" }, "at least one entry peer"},
		{"client without agent", func(c *Config) {
			c.Node.PublicURI = ""
			c.Bootstrap.EntryURIs = []string{testEntry}
		}, "needs an agent"},
		{"bad entry peer", func(c *Config) { c.Bootstrap.EntryURIs = []string{"/ip4/127.0.0.1/tcp/9000"} }, "invalid entry peer"},
		{"one pipe only", func(c *Config) {
			c.Agent.Address = "fetch1x"
			c.Agent.Record.Address = "fetch1x"
			c.Agent.ToNodePipe = "/tmp/in"
		}, "both pipe paths"},
		{"pipes without agent", func(c *Config) {
			c.Agent.ToNodePipe = "/tmp/in"
			c.Agent.FromNodePipe = "/tmp/out"
		}, "require an agent address"},
		{"agent without record", func(c *Config) { c.Agent.Address = "fetch1x" }, "agent record is required"},
		{"record for another agent", func(c *Config) {
			c.Agent.Address = "fetch1x"
			c.Agent.Record.Address = "fetch1y"
		}, "does not match"},
		{"negative delay", func(c *Config) { c.Node.RegistrationDelaySecs = -1 }, "must not be negative"},
		{"zero accept rate", func(c *Config) { c.Delegate.AcceptRate = 0 }, "accept_rate"},
		{"zero timeout", func(c *Config) { c.Timeouts.LookupSecs = 0 }, "timeouts.lookup_secs"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "unknown log level"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "invalid log format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validPeer()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestMode(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Mode() != ModeClient {
		t.Errorf("got %s, want client", cfg.Mode())
	}
	cfg.Delegate.URI = "127.0.0.1:11000"
	if cfg.Mode() != ModePeer {
		t.Errorf("delegate service: got %s, want peer", cfg.Mode())
	}
	cfg.Delegate.URI = ""
	cfg.Node.PublicURI = "example.com:9000"
	if cfg.Mode() != ModePeer {
		t.Errorf("public uri: got %s, want peer", cfg.Mode())
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := validPeer()
	cfg.Agent.Address = "fetch1agent"
	cfg.Agent.Record = RecordConfig{Address: "fetch1agent", LedgerID: "fetchai", Signature: "sig"}
	cfg.Bootstrap.EntryURIs = []string{testEntry}
	cfg.Bootstrap.LocalDiscovery = true
	cfg.Bootstrap.DiscoveryTag = "acn-lab"
	cfg.Storage.Path = "/var/lib/acn/records"
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected mode 0600, got %o", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Node.Key != testKey || loaded.Node.URI != cfg.Node.URI {
		t.Errorf("node section not preserved: %+v", loaded.Node)
	}
	if loaded.Agent.Record != cfg.Agent.Record {
		t.Errorf("record = %+v, want %+v", loaded.Agent.Record, cfg.Agent.Record)
	}
	if len(loaded.Bootstrap.EntryURIs) != 1 || loaded.Bootstrap.EntryURIs[0] != testEntry {
		t.Errorf("entry uris = %v", loaded.Bootstrap.EntryURIs)
	}
	if !loaded.Bootstrap.LocalDiscovery || loaded.Bootstrap.DiscoveryTag != "acn-lab" {
		t.Errorf("local discovery not preserved: %+v", loaded.Bootstrap)
	}
	if err := loaded.Validate(); err != nil {
		t.Errorf("loaded config invalid: %v", err)
	}
}

func TestPartialYAMLPreservesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
node:
  uri: 0.0.0.0:9000
timeouts:
  lookup_secs: 5
`
	if err := os.WriteFile(path, []byte(yaml), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Node.URI != "0.0.0.0:9000" {
		t.Errorf("uri = %s", cfg.Node.URI)
	}
	if cfg.Timeouts.Lookup() != 5*time.Second {
		t.Errorf("lookup timeout = %s, want 5s", cfg.Timeouts.Lookup())
	}
	if cfg.Timeouts.RegisterSecs != 300 || !cfg.Node.EnableRelay || cfg.Storage.LookupCacheSize != 1024 {
		t.Error("defaults not preserved for unset fields")
	}
}

func TestLoadNonExistentReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if cfg.Timeouts.BootstrapSecs != DefaultConfig().Timeouts.BootstrapSecs {
		t.Error("expected defaults")
	}
	if _, err := Load(""); err != nil {
		t.Errorf("empty path: %v", err)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("node: [unclosed"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	tests := []struct {
		in, want string
	}{
		{"~/acn/records", filepath.Join(home, "acn/records")},
		{"/abs/path", "/abs/path"},
		{"relative", "relative"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := expandPath(tt.in); got != tt.want {
			t.Errorf("expandPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDefaultConfigPath(t *testing.T) {
	if !strings.HasSuffix(DefaultConfigPath(), filepath.Join(".acn", "config.yaml")) {
		t.Errorf("unexpected default path %s", DefaultConfigPath())
	}
}
