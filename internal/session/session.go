// Package session runs the AGI protocol for one call on one connection.
//
// A Session moves through Handshake → Active → Terminating → Closed.
// It owns its socket: nothing else reads, writes or closes it, and every
// path into Closed releases it exactly once.  Commands are strictly
// sequential; the session never has more than one in flight.
package session

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"fastagi/internal/agi"
	ferr "fastagi/internal/errors"
	"fastagi/internal/events"
	"fastagi/internal/transport"
	"fastagi/util"
)

// ── State ────────────────────────────────────────────────────────────

// State is a session lifecycle state.
type State int32

const (
	// StateHandshake is reading the environment block.
	StateHandshake State = iota
	// StateActive accepts commands from the call handler.
	StateActive
	// StateTerminating is sending the final HANGUP, if any.
	StateTerminating
	// StateClosed has released the socket.  Terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshake:
		return "handshake"
	case StateActive:
		return "active"
	case StateTerminating:
		return "terminating"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ── Session ──────────────────────────────────────────────────────────

// Options configure a Session.  The zero value is usable.
type Options struct {
	ID            string // default: random UUID
	Sink          events.Sink
	Logger        *util.Logger
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	MaxLineLength int
}

// Session is one FastAGI call.
type Session struct {
	id      string
	remote  string
	tr      *transport.Conn
	sink    events.Sink
	logger  *util.Logger
	started time.Time

	mu         sync.Mutex
	state      State
	env        *agi.Environment
	busy       bool // a command is on the wire
	hungUp     bool // switch sent an unprompted HANGUP
	hangupSent bool // we already sent a bare HANGUP
}

// New takes ownership of conn and returns a session in StateHandshake.
func New(conn net.Conn, opts Options) *Session {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	sink := opts.Sink
	if sink == nil {
		sink = events.Nop
	}
	logger := opts.Logger
	if logger == nil {
		logger = util.NewLogger(0)
	}

	tr := transport.New(conn, transport.Options{
		ReadTimeout:   opts.ReadTimeout,
		WriteTimeout:  opts.WriteTimeout,
		MaxLineLength: opts.MaxLineLength,
	})

	s := &Session{
		id:      id,
		remote:  tr.RemoteAddr(),
		tr:      tr,
		sink:    sink,
		logger:  logger.Named(shortID(id)),
		started: time.Now(),
		state:   StateHandshake,
	}
	s.emit(events.Event{Kind: events.SessionStarted})
	return s
}

// ID returns the connection identifier used in logs and events.
func (s *Session) ID() string { return s.id }

// RemoteAddr returns the switch's address.
func (s *Session) RemoteAddr() string { return s.remote }

// Logger returns a logger tagged with this session.
func (s *Session) Logger() *util.Logger { return s.logger }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Env returns the call environment, or nil before the handshake has
// completed.
func (s *Session) Env() *agi.Environment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.env
}

// HungUp reports whether the switch announced that the channel hung up.
func (s *Session) HungUp() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hungUp
}

// ── Lifecycle ────────────────────────────────────────────────────────

// Handshake reads the environment block.  On success the session is
// Active; on any failure it is Closed.  Cancelling ctx closes the
// socket, which unblocks the read.
func (s *Session) Handshake(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateHandshake {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("handshake in state %s: %w", st, ferr.ErrInvalidState)
	}
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return s.handshakeFailed(err)
	}

	stop := context.AfterFunc(ctx, func() { s.tr.Close() })
	env, err := agi.ParseEnvironment(s.tr, func(line string) {
		s.emit(events.Event{Kind: events.EnvLineIgnored, Line: line})
	})
	stop()

	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			err = fmt.Errorf("%w: %w", cerr, err)
		}
		return s.handshakeFailed(err)
	}

	s.mu.Lock()
	if s.state != StateHandshake {
		s.mu.Unlock()
		return fmt.Errorf("handshake: %w", ferr.ErrClosed)
	}
	s.env = env
	s.state = StateActive
	s.mu.Unlock()

	s.emit(events.Event{Kind: events.HandshakeComplete, Vars: env.Len()})
	return nil
}

func (s *Session) handshakeFailed(err error) error {
	s.emit(events.Event{Kind: events.HandshakeFailed, Err: err})
	s.closeWith(err)
	return err
}

// Terminate ends an Active session: it sends HANGUP unless the handler
// already did or the switch already hung up, then closes.  Calling it on
// a Closed session is a no-op.
func (s *Session) Terminate(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateActive {
		st := s.state
		s.mu.Unlock()
		if st == StateClosed {
			return nil
		}
		s.Close()
		return fmt.Errorf("terminate in state %s: %w", st, ferr.ErrInvalidState)
	}
	s.state = StateTerminating
	inFlight := s.busy
	needHangup := !inFlight && !s.hangupSent && !s.hungUp
	if needHangup {
		s.busy = true
	}
	s.mu.Unlock()

	var err error
	switch {
	case inFlight:
		err = fmt.Errorf("terminate: %w", ferr.ErrCommandInFlight)
	case needHangup && ctx.Err() == nil:
		_, err = s.roundTrip(ctx, "HANGUP")
		s.release()
	}

	if cerr := s.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close releases the socket.  It is valid in every state and only the
// first call has any effect.
func (s *Session) Close() error {
	return s.closeWith(nil)
}

func (s *Session) closeWith(cause error) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	s.mu.Unlock()

	err := s.tr.Close()
	s.emit(events.Event{
		Kind:     events.SessionClosed,
		Err:      cause,
		Duration: time.Since(s.started),
	})
	return err
}

// ── Commands ─────────────────────────────────────────────────────────

// Execute sends one AGI command line and returns the parsed response.
//
// A response with a non-200 code is returned without error; the caller
// decides what it means.  A response whose code cannot be parsed yields
// an error satisfying errors.IsMalformed and leaves the session Active.
// A socket failure yields a transport error and closes the session.
func (s *Session) Execute(ctx context.Context, command string) (*agi.Response, error) {
	s.mu.Lock()
	switch {
	case s.state != StateActive:
		st := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("execute %q in state %s: %w", command, st, ferr.ErrInvalidState)
	case s.busy:
		s.mu.Unlock()
		return nil, fmt.Errorf("execute %q: %w", command, ferr.ErrCommandInFlight)
	}
	s.busy = true
	s.mu.Unlock()
	defer s.release()

	return s.roundTrip(ctx, command)
}

func (s *Session) release() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

// roundTrip does the wire work for Execute and Terminate.  The caller
// holds the busy flag.
func (s *Session) roundTrip(ctx context.Context, command string) (*agi.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("execute %q: %w", command, err)
	}
	stop := context.AfterFunc(ctx, func() { s.tr.Close() })
	defer stop()

	start := time.Now()
	if err := s.tr.WriteLine(command); err != nil {
		if !ferr.IsTransport(err) {
			// Refused before anything reached the wire.
			err = fmt.Errorf("execute %q: %w", command, err)
			s.emit(events.Event{Kind: events.CommandFailed, Command: command, Err: err})
			return nil, err
		}
		return nil, s.fail(ctx, command, err)
	}
	s.emit(events.Event{Kind: events.CommandSent, Command: command})

	resp, err := agi.ReadResponse(s.tr, s.markHungUp)
	if err != nil {
		if ferr.IsMalformed(err) {
			s.emit(events.Event{Kind: events.CommandFailed, Command: command, Err: err})
			return nil, fmt.Errorf("execute %q: %w", command, err)
		}
		return nil, s.fail(ctx, command, err)
	}

	if isBareHangup(command) {
		s.mu.Lock()
		s.hangupSent = true
		s.mu.Unlock()
	}

	s.emit(events.Event{
		Kind:       events.CommandResult,
		Command:    command,
		Code:       resp.Code,
		Result:     resp.Result,
		Annotation: resp.Annotation,
		Line:       resp.Raw,
		Duration:   time.Since(start),
	})
	return resp, nil
}

// fail closes the session after a socket error.
func (s *Session) fail(ctx context.Context, command string, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		err = fmt.Errorf("%w: %w", cerr, err)
	}
	err = fmt.Errorf("execute %q: %w", command, err)
	s.emit(events.Event{Kind: events.CommandFailed, Command: command, Err: err})
	s.closeWith(err)
	return err
}

func (s *Session) markHungUp() {
	s.mu.Lock()
	s.hungUp = true
	s.mu.Unlock()
	s.emit(events.Event{Kind: events.ChannelHangup})
}

func (s *Session) emit(e events.Event) {
	e.Session = s.id
	e.Remote = s.remote
	e.Time = time.Now()
	s.sink.Emit(e)
}

// isBareHangup matches "HANGUP" but not "HANGUP <channel>", which
// hangs up some other channel.
func isBareHangup(command string) bool {
	f := strings.Fields(command)
	return len(f) == 1 && strings.EqualFold(f[0], "HANGUP")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
