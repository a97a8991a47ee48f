package pipe

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/moltbunker/acn/internal/acn"
	"github.com/moltbunker/acn/internal/logging"
	"github.com/moltbunker/acn/internal/util"
	"github.com/moltbunker/acn/internal/wire"
)

const (
	// DefaultStatusTimeout bounds the wait for the other end to acknowledge
	// an envelope.
	DefaultStatusTimeout = 5 * time.Second
	// DefaultSendTimeout bounds Agent.Send, which waits for the node to
	// route the envelope.
	DefaultSendTimeout = time.Minute

	queueSize = 100
)

// ErrStatusTimeout is returned by Put when the other end does not
// acknowledge in time.
var ErrStatusTimeout = errors.New("timed out waiting for envelope status")

// endpoint runs the envelope/status exchange over a pipe. Both the node
// end and the agent end speak it.
type endpoint struct {
	pipe   Pipe
	logger *slog.Logger

	// accept vets incoming envelopes before they are acknowledged.
	accept        func(*wire.Envelope) *acn.StatusError
	statusTimeout time.Duration

	wmu    sync.Mutex
	putMu  sync.Mutex
	status chan *wire.StatusBody
	queue  chan *wire.Envelope
	// inbound, when set, takes accepted envelopes in place of queue and
	// leaves their status to the consumer.
	inbound chan *Inbound

	connected atomic.Bool
	started   atomic.Bool
	closing   chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
	readErr   error
}

func newEndpoint(p Pipe, logger *slog.Logger) *endpoint {
	return &endpoint{
		pipe:          p,
		logger:        logger,
		statusTimeout: DefaultStatusTimeout,
		status:        make(chan *wire.StatusBody, 1),
		queue:         make(chan *wire.Envelope, queueSize),
		closing:       make(chan struct{}),
		done:          make(chan struct{}),
	}
}

func (e *endpoint) connect() error {
	select {
	case <-e.closing:
		return ErrClosed
	default:
	}
	if e.connected.Load() {
		return nil
	}
	if err := e.pipe.Connect(); err != nil {
		return fmt.Errorf("failed to connect pipe: %w", err)
	}
	e.connected.Store(true)
	e.started.Store(true)
	util.SafeGoWithName("pipe-receive", e.receive)
	return nil
}

func (e *endpoint) receive() {
	defer func() {
		if e.inbound != nil {
			close(e.inbound)
		}
	}()
	defer close(e.queue)
	defer close(e.done)
	for {
		data, err := e.pipe.Read()
		if err != nil {
			select {
			case <-e.closing:
			default:
				e.logger.Error("pipe read failed, disconnecting", logging.Err(err))
				e.readErr = err
				e.connected.Store(false)
				e.pipe.Close()
			}
			return
		}

		msg, err := wire.UnmarshalAcnMessage(data)
		if err != nil {
			e.reply(acn.NewStatusError(wire.StatusErrDecode, err.Error()))
			continue
		}
		switch {
		case msg.Status != nil:
			select {
			case e.status <- msg.Status:
			default:
				e.logger.Warn("dropping unsolicited status", "code", msg.Status.Code)
			}
		case msg.AeaEnvelope != nil:
			env, err := wire.UnmarshalEnvelope(msg.AeaEnvelope.Envelope)
			if err != nil {
				e.reply(acn.NewStatusError(wire.StatusErrDecode, err.Error()))
				continue
			}
			if e.accept != nil {
				if se := e.accept(env); se != nil {
					e.logger.Warn("rejected envelope from pipe", "sender", env.Sender, logging.Err(se))
					e.reply(se)
					continue
				}
			}
			if e.inbound != nil {
				select {
				case e.inbound <- &Inbound{Envelope: env, reply: e.reply}:
				case <-e.closing:
					return
				}
				continue
			}
			e.reply(nil)
			select {
			case e.queue <- env:
			case <-e.closing:
				return
			}
		default:
			e.reply(acn.NewStatusError(wire.StatusErrUnexpectedPayload, msg.Kind()))
		}
	}
}

// reply acknowledges an incoming message; nil is success.
func (e *endpoint) reply(se *acn.StatusError) {
	body := &wire.StatusBody{Code: wire.StatusSuccess}
	if se != nil {
		body = se.Body()
	}
	if err := e.write(&wire.AcnMessage{Status: body}); err != nil {
		e.logger.Warn("failed to send status", logging.Err(err))
	}
}

func (e *endpoint) write(msg *wire.AcnMessage) error {
	data, err := msg.Marshal()
	if err != nil {
		return err
	}
	e.wmu.Lock()
	defer e.wmu.Unlock()
	return e.pipe.Write(data)
}

// put writes env and waits for its status. Puts are serialized so a status
// always answers the envelope just written.
func (e *endpoint) put(env *wire.Envelope) error {
	if !e.connected.Load() {
		return ErrClosed
	}
	data, err := env.Marshal()
	if err != nil {
		return err
	}

	e.putMu.Lock()
	defer e.putMu.Unlock()
	// a status that arrived after an earlier put timed out
	select {
	case <-e.status:
	default:
	}

	if err := e.write(&wire.AcnMessage{AeaEnvelope: &wire.AeaEnvelope{Envelope: data}}); err != nil {
		return fmt.Errorf("failed to write envelope to pipe: %w", err)
	}

	timer := time.NewTimer(e.statusTimeout)
	defer timer.Stop()
	select {
	case st := <-e.status:
		if st.Code != wire.StatusSuccess {
			return acn.NewStatusError(st.Code, st.Msgs...)
		}
		return nil
	case <-timer.C:
		return ErrStatusTimeout
	case <-e.done:
		return ErrClosed
	}
}

func (e *endpoint) stop() error {
	var err error
	e.stopOnce.Do(func() {
		close(e.closing)
		err = e.pipe.Close()
		e.connected.Store(false)
		if e.started.Load() {
			<-e.done
		}
	})
	return err
}

// Inbound is an envelope the agent sent. The agent waits for Ack.
type Inbound struct {
	Envelope *wire.Envelope

	reply func(*acn.StatusError)
	once  sync.Once
}

// Ack answers the agent with the outcome of routing the envelope. nil is
// success; a StatusError keeps its code and other errors are mapped with
// acn.StatusCodeOf. Only the first call is sent.
func (in *Inbound) Ack(err error) {
	in.once.Do(func() {
		if err == nil {
			in.reply(nil)
			return
		}
		var se *acn.StatusError
		if !errors.As(err, &se) {
			se = acn.NewStatusError(acn.StatusCodeOf(err), err.Error())
		}
		in.reply(se)
	})
}

// AgentAPI is the node end of the agent pipe. Envelopes the agent sends
// are queued for routing and answered through Inbound.Ack; envelopes
// routed to the agent are written with Put.
type AgentAPI struct {
	*endpoint
	address string
}

// NewAgentAPI wraps p for the agent registered as address. Envelopes from
// the agent with another sender are rejected.
func NewAgentAPI(p Pipe, address string) *AgentAPI {
	a := &AgentAPI{
		endpoint: newEndpoint(p, logging.With(logging.Component("pipe"), logging.AgentAddress(address))),
		address:  address,
	}
	a.inbound = make(chan *Inbound, queueSize)
	a.accept = func(env *wire.Envelope) *acn.StatusError {
		if env.Sender != address {
			return acn.NewStatusError(wire.StatusErrWrongAgentAddress,
				"sender "+env.Sender+" must match registered address "+address)
		}
		return nil
	}
	return a
}

// Connect opens the pipe and starts reading from it. It blocks until the
// agent opens its end.
func (a *AgentAPI) Connect() error {
	if err := a.connect(); err != nil {
		return err
	}
	a.logger.Info("connected to agent")
	return nil
}

// Put delivers env to the agent and waits for its acknowledgement.
func (a *AgentAPI) Put(env *wire.Envelope) error {
	return a.put(env)
}

// ProcessEnvelope lets the API serve as a node's envelope processor.
func (a *AgentAPI) ProcessEnvelope(env *wire.Envelope) error {
	return a.put(env)
}

// Queue yields the envelopes sent by the agent, each to be acknowledged
// once routed. It is closed when the pipe goes away.
func (a *AgentAPI) Queue() <-chan *Inbound {
	return a.inbound
}

// Ready reports whether the agent is connected.
func (a *AgentAPI) Ready() bool {
	return a.connected.Load()
}

// Done is closed once the pipe is gone, after Stop or when the agent
// leaves.
func (a *AgentAPI) Done() <-chan struct{} {
	return a.done
}

// Err reports why the pipe was lost, nil while connected or after Stop.
func (a *AgentAPI) Err() error {
	select {
	case <-a.done:
		return a.readErr
	default:
		return nil
	}
}

// Stop closes the pipe and waits for the reader to finish.
func (a *AgentAPI) Stop() error {
	return a.stop()
}

// Agent is the agent end of the pipe, for agents embedded in Go and for
// tests.
type Agent struct {
	*endpoint
}

func NewAgent(p Pipe) *Agent {
	e := newEndpoint(p, logging.With(logging.Component("pipe-agent")))
	e.statusTimeout = DefaultSendTimeout
	return &Agent{endpoint: e}
}

func (a *Agent) Connect() error { return a.connect() }

// Send hands env to the node and waits until the node has routed it. A
// routing failure is returned as an *acn.StatusError.
func (a *Agent) Send(env *wire.Envelope) error { return a.put(env) }

// Queue yields the envelopes the node delivers.
func (a *Agent) Queue() <-chan *wire.Envelope { return a.queue }

func (a *Agent) Close() error { return a.stop() }
