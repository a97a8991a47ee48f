//go:build unix

package pipe

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/moltbunker/acn/internal/wire"
)

// UnixPipe carries length-prefixed frames over two named pipes.
//
// Opening a FIFO blocks until the other end is opened too, so both ends
// open the agent-to-node FIFO first and the node-to-agent FIFO second.
type UnixPipe struct {
	toNode   string
	fromNode string
	nodeSide bool

	mu sync.Mutex
	r  *os.File
	w  *os.File

	wmu sync.Mutex
}

// NewUnixPipe returns the node end: it reads toNode (AEA_TO_NODE) and
// writes fromNode (NODE_TO_AEA).
func NewUnixPipe(toNode, fromNode string) *UnixPipe {
	return &UnixPipe{toNode: toNode, fromNode: fromNode, nodeSide: true}
}

// NewAgentUnixPipe returns the agent end of the same pair of FIFOs.
func NewAgentUnixPipe(toNode, fromNode string) *UnixPipe {
	return &UnixPipe{toNode: toNode, fromNode: fromNode}
}

// Connect creates the FIFOs when missing and opens them. It blocks until
// the other end connects.
func (p *UnixPipe) Connect() error {
	for _, path := range []string{p.toNode, p.fromNode} {
		if err := ensureFifo(path); err != nil {
			return err
		}
	}

	first, err := p.open(p.toNode, !p.nodeSide)
	if err != nil {
		return err
	}
	second, err := p.open(p.fromNode, p.nodeSide)
	if err != nil {
		first.Close()
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.nodeSide {
		p.r, p.w = first, second
	} else {
		p.r, p.w = second, first
	}
	return nil
}

func (p *UnixPipe) open(path string, write bool) (*os.File, error) {
	flag := os.O_RDONLY
	if write {
		flag = os.O_WRONLY
	}
	f, err := os.OpenFile(path, flag, os.ModeNamedPipe)
	if err != nil {
		return nil, fmt.Errorf("failed to open pipe %s: %w", path, err)
	}
	return f, nil
}

func ensureFifo(path string) error {
	info, err := os.Stat(path)
	switch {
	case err == nil:
		if info.Mode()&fs.ModeNamedPipe == 0 {
			return fmt.Errorf("%s exists and is not a named pipe", path)
		}
		return nil
	case errors.Is(err, fs.ErrNotExist):
		if err := unix.Mkfifo(path, 0o600); err != nil && !errors.Is(err, unix.EEXIST) {
			return fmt.Errorf("failed to create pipe %s: %w", path, err)
		}
		return nil
	default:
		return err
	}
}

func (p *UnixPipe) files() (*os.File, *os.File) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.r, p.w
}

func (p *UnixPipe) Read() ([]byte, error) {
	r, _ := p.files()
	if r == nil {
		return nil, ErrClosed
	}
	data, err := wire.ReadFrame(r)
	if err != nil {
		return nil, closedErr(err)
	}
	return data, nil
}

func (p *UnixPipe) Write(data []byte) error {
	_, w := p.files()
	if w == nil {
		return ErrClosed
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return closedErr(wire.WriteFrame(w, data))
}

// Close closes both FIFOs. The files on disk are left for the agent to
// reuse.
func (p *UnixPipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for _, f := range []*os.File{p.r, p.w} {
		if f != nil {
			if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
				errs = append(errs, err)
			}
		}
	}
	p.r, p.w = nil, nil
	return errors.Join(errs...)
}

func closedErr(err error) error {
	if errors.Is(err, os.ErrClosed) || errors.Is(err, unix.EPIPE) || errors.Is(err, wire.ErrConnectionClosed) {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return err
}
