// Package events is the engine's observability hook.  Sessions describe
// what happens on the wire as Events and hand them to a Sink; whether
// those end up in a log, a metrics collector or a test recorder is the
// caller's choice.
package events

import (
	"sync"
	"time"
)

// Kind names an event.
type Kind string

const (
	SessionStarted    Kind = "session-started"
	HandshakeComplete Kind = "handshake-complete"
	HandshakeFailed   Kind = "handshake-failed"
	EnvLineIgnored    Kind = "env-line-ignored"
	CommandSent       Kind = "command-sent"
	CommandResult     Kind = "command-result"
	CommandFailed     Kind = "command-failed"
	ChannelHangup     Kind = "channel-hangup"
	SessionClosed     Kind = "session-closed"
)

// Event is a single observation.  Only the fields that make sense for
// the Kind are set.
type Event struct {
	Kind    Kind
	Session string
	Remote  string
	Time    time.Time

	Command    string // CommandSent, CommandResult, CommandFailed
	Code       int    // CommandResult
	Result     string // CommandResult
	Annotation string // CommandResult
	Line       string // EnvLineIgnored, raw response line
	Vars       int    // HandshakeComplete: number of environment keys

	Err      error
	Duration time.Duration // CommandResult: round trip; SessionClosed: call length
}

// Sink receives events.  Emit is called from session goroutines and
// must be safe for concurrent use; it should not block.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Nop discards every event.
var Nop Sink = SinkFunc(func(Event) {})

// Multi fans an event out to every sink in order.
type Multi []Sink

func (m Multi) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of what has been recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Kinds returns the recorded kinds in order, optionally filtered to
// one session.
func (r *Recorder) Kinds(session string) []Kind {
	var out []Kind
	for _, e := range r.Events() {
		if session == "" || e.Session == session {
			out = append(out, e.Kind)
		}
	}
	return out
}

// Count returns how many events of kind k were recorded.
func (r *Recorder) Count(k Kind) int {
	n := 0
	for _, e := range r.Events() {
		if e.Kind == k {
			n++
		}
	}
	return n
}
