// Package recordstore persists validated agent records so a restarted peer
// can keep serving the addresses of its relay and delegate clients.
//
// The file is a sequence of length-prefixed AgentRecord frames, the same
// framing used on the wire. Records are only ever appended; when an address
// appears more than once the last record wins.
package recordstore

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/moltbunker/acn/internal/logging"
	"github.com/moltbunker/acn/internal/wire"
)

// maxRecordSize bounds a single stored record. Records are a few hundred
// bytes, anything larger means the file is corrupt.
const maxRecordSize = 64 * 1024

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("record store closed")

// Store is an append-only agent record file.
type Store struct {
	path string

	mu   sync.Mutex
	file *os.File
}

// Open opens, creating if needed, the store at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create record store directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("open record store: %w", err)
	}
	return &Store{path: path, file: f}, nil
}

func (s *Store) Path() string {
	return s.path
}

// Append writes record at the end of the file.
func (s *Store) Append(record *wire.AgentRecord) error {
	data, err := record.Marshal()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return ErrClosed
	}
	if err := wire.WriteFrame(s.file, data); err != nil {
		return fmt.Errorf("append record %s: %w", record.Address, err)
	}
	return nil
}

// Load reads every stored record, keeping the last one per address, in
// the order their addresses first appeared. A truncated trailing frame,
// left by a crash mid-write, ends the load without error.
func (s *Store) Load() ([]*wire.AgentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil, ErrClosed
	}

	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open record store: %w", err)
	}
	defer f.Close()

	var (
		order  []string
		latest = make(map[string]*wire.AgentRecord)
		r      = bufio.NewReader(f)
	)
	for {
		frame, err := wire.ReadFrameLimit(r, maxRecordSize)
		if errors.Is(err, wire.ErrConnectionClosed) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("load records from %s: %w", s.path, err)
		}
		rec, err := wire.UnmarshalAgentRecord(frame)
		if err != nil {
			return nil, fmt.Errorf("load records from %s: %w", s.path, err)
		}
		if rec.Address == "" {
			logging.Warn("skipping stored record without address", "path", s.path)
			continue
		}
		if _, seen := latest[rec.Address]; !seen {
			order = append(order, rec.Address)
		}
		latest[rec.Address] = rec
	}

	records := make([]*wire.AgentRecord, 0, len(order))
	for _, addr := range order {
		records = append(records, latest[addr])
	}
	return records, nil
}

// Close closes the file. Further calls return nil.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
