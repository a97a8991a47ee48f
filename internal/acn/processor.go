package acn

import (
	"context"
	"time"

	"github.com/moltbunker/acn/internal/util"
	"github.com/moltbunker/acn/internal/wire"
)

// EnvelopeProcessor consumes envelopes addressed to the local agent.
type EnvelopeProcessor interface {
	ProcessEnvelope(env *wire.Envelope) error
}

// ProcessorFunc adapts a function to EnvelopeProcessor.
type ProcessorFunc func(env *wire.Envelope) error

func (f ProcessorFunc) ProcessEnvelope(env *wire.Envelope) error {
	return f(env)
}

// ReadyChecker reports whether the local agent can accept envelopes.
type ReadyChecker interface {
	Ready() bool
}

// ReadyFunc adapts a function to ReadyChecker.
type ReadyFunc func() bool

func (f ReadyFunc) Ready() bool { return f() }

// AlwaysReady is used when no agent connection gates delivery.
var AlwaysReady ReadyChecker = ReadyFunc(func() bool { return true })

// ReadyPollInterval is how often WaitReady re-checks readiness.
const ReadyPollInterval = 100 * time.Millisecond

// WaitReady blocks until rc reports ready or ctx is done.
func WaitReady(ctx context.Context, rc ReadyChecker) error {
	if rc == nil || rc.Ready() {
		return nil
	}
	if err := util.WaitUntil(ctx, ReadyPollInterval, rc.Ready); err != nil {
		return ErrNotReady
	}
	return nil
}
