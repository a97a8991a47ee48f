package recordstore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/goleak"

	"github.com/moltbunker/acn/internal/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func record(addr, peerKey string) *wire.AgentRecord {
	return &wire.AgentRecord{
		ServiceID:     "acn",
		LedgerID:      "fetchai",
		Address:       addr,
		PublicKey:     "02ab",
		PeerPublicKey: peerKey,
		Signature:     "sig",
	}
}

func TestStoreAppendAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "records")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	for _, rec := range []*wire.AgentRecord{
		record("fetch1a", "peer1"),
		record("fetch1b", "peer1"),
		record("fetch1a", "peer2"),
	} {
		if err := s.Append(rec); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("loaded %d records, want 2", len(got))
	}
	if got[0].Address != "fetch1a" || got[0].PeerPublicKey != "peer2" {
		t.Errorf("expected latest record for fetch1a first, got %s", got[0])
	}
	if got[1].Address != "fetch1b" {
		t.Errorf("unexpected second record %s", got[1])
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("store mode = %o, want 600", info.Mode().Perm())
	}
}

func TestStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Append(record("fetch1a", "peer1")); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.Append(record("fetch1b", "peer1")); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("loaded %d records after reopen, want 2", len(got))
	}
}

func TestStoreTruncatedTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.Append(record("fetch1a", "peer1")); err != nil {
		t.Fatal(err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		t.Fatal(err)
	}
	f.Write([]byte{0, 0, 0, 50, 0x0a})
	f.Close()

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load failed on truncated tail: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("loaded %d records, want 1", len(got))
	}
}

func TestStoreCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records")
	if err := os.WriteFile(path, []byte{0xff, 0xff, 0xff, 0xff}, 0600); err != nil {
		t.Fatal(err)
	}
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, err := s.Load(); !errors.Is(err, wire.ErrMessageTooLarge) {
		t.Errorf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestStoreClosed(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "records"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close returned %v", err)
	}
	if err := s.Append(record("fetch1a", "p")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if _, err := s.Load(); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
