package console

import (
	"sync"
	"sync/atomic"
)

// StopReason records why a RunState went false
type StopReason string

const (
	StopReasonNone        StopReason = ""
	StopReasonSentinel    StopReason = "sentinel"
	StopReasonEOF         StopReason = "eof"
	StopReasonWriteFailed StopReason = "write_failed"
)

// RunState is the "server believed running" flag for one process instance.
// The Bridge is its only writer; any number of goroutines may read it or wait on Done.
// Once false it never becomes true again; a new process gets a new RunState.
type RunState struct {
	running atomic.Bool
	reason  atomic.Value
	done    chan struct{}
	once    sync.Once
}

// NewRunState returns a RunState that reports running
func NewRunState() *RunState {
	rs := &RunState{done: make(chan struct{})}
	rs.running.Store(true)
	return rs
}

// Running reports whether the server is still believed running
func (rs *RunState) Running() bool {
	return rs.running.Load()
}

// Done is closed exactly once, when the state turns false
func (rs *RunState) Done() <-chan struct{} {
	return rs.done
}

// Reason returns why the state turned false, or StopReasonNone while running
func (rs *RunState) Reason() StopReason {
	if v, ok := rs.reason.Load().(StopReason); ok {
		return v
	}
	return StopReasonNone
}

// markStopped flips the state to false. Only the first call has any effect.
func (rs *RunState) markStopped(reason StopReason) bool {
	flipped := false
	rs.once.Do(func() {
		rs.reason.Store(reason)
		rs.running.Store(false)
		close(rs.done)
		flipped = true
	})
	return flipped
}
