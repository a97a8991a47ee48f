package acn

import (
	"errors"
	"fmt"
	"strings"

	"github.com/moltbunker/acn/internal/wire"
)

var (
	// ErrUnexpectedPayload is returned when the counterparty sends a
	// performative the exchange does not expect.
	ErrUnexpectedPayload = errors.New("unexpected acn payload")

	// ErrNotReady is returned while the local agent has not signalled readiness.
	ErrNotReady = errors.New("agent not ready")
)

// StatusError is a non-success Status received from, or sent to, a
// counterparty.
type StatusError struct {
	Code wire.StatusCode
	Msgs []string
}

func NewStatusError(code wire.StatusCode, msgs ...string) *StatusError {
	return &StatusError{Code: code, Msgs: msgs}
}

func (e *StatusError) Error() string {
	if len(e.Msgs) == 0 {
		return fmt.Sprintf("acn status %s", e.Code)
	}
	return fmt.Sprintf("acn status %s: %s", e.Code, strings.Join(e.Msgs, ": "))
}

// Body converts the error to the wire status it represents.
func (e *StatusError) Body() *wire.StatusBody {
	return &wire.StatusBody{Code: e.Code, Msgs: e.Msgs}
}

// StatusCodeOf maps an error to the status code a handler should answer
// with. nil maps to success and errors without a status map to
// ERROR_GENERIC.
func StatusCodeOf(err error) wire.StatusCode {
	if err == nil {
		return wire.StatusSuccess
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	if errors.Is(err, wire.ErrDecode) {
		return wire.StatusErrDecode
	}
	if errors.Is(err, ErrUnexpectedPayload) {
		return wire.StatusErrUnexpectedPayload
	}
	if errors.Is(err, ErrNotReady) {
		return wire.StatusErrAgentNotReady
	}
	return wire.StatusErrGeneric
}
