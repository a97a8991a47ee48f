// Package pipe connects a node to its local agent process.
//
// A Pipe moves opaque frames in both directions. On top of it AgentAPI
// speaks the agent exchange: every envelope travels as an ACN AeaEnvelope
// message and is acknowledged by the receiving side with a Status.
package pipe

import (
	"errors"
	"sync"
)

// ErrClosed is returned by Read and Write once the pipe is closed, by
// either end.
var ErrClosed = errors.New("pipe closed")

// Pipe is a bidirectional frame transport.
type Pipe interface {
	Connect() error
	Read() ([]byte, error)
	Write(data []byte) error
	Close() error
}

// ChannelPipe is one end of an in-process pipe.
type ChannelPipe struct {
	in  <-chan []byte
	out chan<- []byte

	done      chan struct{}
	closeOnce *sync.Once
}

// NewChannelPipes returns the two connected ends of an in-process pipe.
// Closing either end closes both.
func NewChannelPipes(buffer int) (*ChannelPipe, *ChannelPipe) {
	ab := make(chan []byte, buffer)
	ba := make(chan []byte, buffer)
	done := make(chan struct{})
	once := &sync.Once{}
	a := &ChannelPipe{in: ba, out: ab, done: done, closeOnce: once}
	b := &ChannelPipe{in: ab, out: ba, done: done, closeOnce: once}
	return a, b
}

func (p *ChannelPipe) Connect() error {
	select {
	case <-p.done:
		return ErrClosed
	default:
		return nil
	}
}

func (p *ChannelPipe) Read() ([]byte, error) {
	select {
	case data := <-p.in:
		return data, nil
	case <-p.done:
		return nil, ErrClosed
	}
}

func (p *ChannelPipe) Write(data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- buf:
		return nil
	case <-p.done:
		return ErrClosed
	}
}

func (p *ChannelPipe) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}
