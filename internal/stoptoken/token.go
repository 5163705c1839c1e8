// Package stoptoken implements the per-task cooperative cancellation
// primitive described in spec §4.1: a one-shot signal with two
// distinguishable modes that every HTTP call and fan-out slot must poll.
package stoptoken

import (
	"fmt"
	"sync/atomic"
)

// Mode is the current state of a Token.
type Mode int32

const (
	// ModeNone means no stop has been requested.
	ModeNone Mode = iota
	// ModePause means the task should suspend and keep its staging directory.
	ModePause
	// ModeCancel means the task should abort and tear down its staging directory.
	ModeCancel
)

// String renders a Mode for logs and error messages.
func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModePause:
		return "pause"
	case ModeCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// Token is a per-task cooperative cancellation primitive. The zero
// value is ready to use. Mode is O(1) to read; Signal is idempotent —
// only the first call wins, transitions are one-shot and never revert.
type Token struct {
	mode atomic.Int32
}

// New returns a fresh Token in ModeNone.
func New() *Token {
	return &Token{}
}

// Mode returns the current mode.
func (t *Token) Mode() Mode {
	if t == nil {
		return ModeNone
	}
	return Mode(t.mode.Load())
}

// Signal requests mode (Pause or Cancel). Only the first signal for a
// token takes effect; later calls are no-ops.
func (t *Token) Signal(mode Mode) {
	if t == nil || mode == ModeNone {
		return
	}
	t.mode.CompareAndSwap(int32(ModeNone), int32(mode))
}

// Stopped returns a Stopped error if the token has been signaled,
// otherwise nil. Callers poll this at every suspension point.
func (t *Token) Stopped() error {
	if m := t.Mode(); m != ModeNone {
		return Stopped{Mode: m}
	}
	return nil
}

// Stopped is a distinguished signal, not an ordinary error: it means
// the call stack should unwind into a paused or canceled task outcome
// rather than a failure.
type Stopped struct {
	Mode Mode
}

// Error implements error so Stopped can travel through normal Go error
// returns, but callers should check for it with errors.As before
// treating it as a failure.
func (s Stopped) Error() string {
	return fmt.Sprintf("stopped: %s", s.Mode)
}
