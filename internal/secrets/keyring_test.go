package secrets

import (
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestPlatformKeyringBackends(t *testing.T) {
	backends := platformKeyringBackends()
	switch runtime.GOOS {
	case "darwin", "linux":
		if len(backends) == 0 {
			t.Errorf("no keyring backends on %s", runtime.GOOS)
		}
	default:
		if len(backends) != 0 {
			t.Errorf("unexpected backends on %s: %v", runtime.GOOS, backends)
		}
	}
	if keyringBackendName() == "" {
		t.Error("empty backend name")
	}
}

func TestPassphraseItem(t *testing.T) {
	dir := t.TempDir()
	abs, err := passphraseItem(filepath.Join(dir, "node.key"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(abs, "key-passphrase:/") || !strings.HasSuffix(abs, "node.key") {
		t.Errorf("item = %s", abs)
	}

	t.Chdir(dir)
	rel, err := passphraseItem("node.key")
	if err != nil {
		t.Fatal(err)
	}
	if rel != abs {
		t.Errorf("relative path item = %s, want %s", rel, abs)
	}
}
