package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	ferr "fastagi/internal/errors"
	"fastagi/internal/events"
	"fastagi/internal/handler"
	"fastagi/internal/metrics"
	"fastagi/internal/retry"
	"fastagi/internal/session"
	"fastagi/util"
)

// Server runs one Session per accepted connection.  The zero value is
// not usable: Handler is required.
type Server struct {
	Handler handler.Handler
	Sink    events.Sink        // nil = events.Nop
	Logger  *util.Logger       // nil = quiet
	Metrics *metrics.Collector // accept-side counters; may be nil

	HandshakeTimeout time.Duration // 0 = wait forever
	IOTimeout        time.Duration // per command read; 0 = none
	WriteTimeout     time.Duration // per command write; 0 = IOTimeout
	MaxLineLength    int           // 0 = transport default
	MaxSessions      int           // 0 = unlimited
	GracePeriod      time.Duration // how long shutdown waits for calls

	// Breaker pauses accepting after repeated accept failures.  nil
	// gets a breaker that opens after 10 failures for one second.
	Breaker *retry.CircuitBreaker

	active atomic.Int64
}

// Serve accepts connections from ln until ctx is cancelled or ln fails
// for good.  ln is closed on return.  Sessions still running at
// shutdown get GracePeriod to finish, then their context is cancelled,
// which closes their sockets.
//
// Serve returns nil after a clean shutdown and a *errors.NetworkError
// when the listener dies.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.Handler == nil {
		return errors.New("core: Server.Handler is nil")
	}
	if s.Logger == nil {
		s.Logger = util.NewLogger(0)
	}
	logger := s.Logger

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer ln.Close()

	// Calls outlive the accept loop by up to GracePeriod, so they get a
	// context of their own.
	sessCtx, abandon := context.WithCancel(context.WithoutCancel(ctx))
	defer abandon()

	var wg sync.WaitGroup
	err := s.acceptLoop(ctx, ln, func(conn net.Conn) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.active.Add(-1)
			s.serveConn(sessCtx, conn)
		}()
	})

	s.drain(&wg, abandon)
	if s.Metrics != nil {
		logger.Verbose("metrics at shutdown:\n%s", s.Metrics.JSON())
	}
	return err
}

// Active returns the number of sessions currently running.
func (s *Server) Active() int64 { return s.active.Load() }

// ── accept loop ──────────────────────────────────────────────────────

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, dispatch func(net.Conn)) error {
	logger := s.Logger
	breaker := s.Breaker
	if breaker == nil {
		breaker = retry.NewCircuitBreaker(&retry.CircuitBreakerConfig{
			MaxFailures:  10,
			ResetTimeout: time.Second,
			HalfOpenMax:  1,
			OnStateChange: func(from, to retry.State) {
				logger.Warn("accept circuit %s → %s", from, to)
			},
		})
	}
	backoff := retry.AcceptBackoff()
	attempt := 0

	for {
		if err := breaker.Allow(); err != nil {
			var oe *retry.OpenError
			wait := time.Second
			if errors.As(err, &oe) {
				wait = oe.RetryIn
			}
			if retry.Sleep(ctx, wait) != nil {
				return nil
			}
			continue
		}

		conn, err := ln.Accept()
		breaker.Record(err)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.Metrics.AcceptError()
			if !isTemporary(err) {
				return &ferr.NetworkError{Op: "accept", Addr: ln.Addr().String(), Err: err}
			}
			attempt++
			delay := backoff.Delay(attempt)
			logger.Warn("accept: %v; retrying in %v", err, delay)
			if retry.Sleep(ctx, delay) != nil {
				return nil
			}
			continue
		}
		attempt = 0

		if limit := int64(s.MaxSessions); limit > 0 && s.active.Load() >= limit {
			logger.Warn("rejecting %s: %d sessions active", conn.RemoteAddr(), limit)
			s.Metrics.SessionRejected()
			conn.Close()
			continue
		}
		s.active.Add(1)
		dispatch(conn)
	}
}

func isTemporary(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return false
	}
	return ferr.IsRetryable(err) || util.IsTimeout(err)
}

// drain waits for running sessions, abandoning them after GracePeriod.
func (s *Server) drain(wg *sync.WaitGroup, abandon context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	n := s.active.Load()
	if n == 0 {
		<-done
		return
	}
	logger := s.Logger
	logger.Info("waiting up to %v for %d active session(s)", s.GracePeriod, n)

	timer := time.NewTimer(s.GracePeriod)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		logger.Warn("grace period over; abandoning %d session(s)", s.active.Load())
		abandon()
		<-done
	}
}

// ── per connection ───────────────────────────────────────────────────

// serveConn runs one call from handshake to close.  Nothing that goes
// wrong here reaches the accept loop.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	sess := session.New(conn, s.sessionOptions())
	defer sess.Close()
	defer func() {
		if r := recover(); r != nil {
			sess.Logger().Error("panic: %v\n%s", r, debug.Stack())
			s.Metrics.RecordError(fmt.Sprintf("panic: %v", r))
		}
	}()

	hctx, cancel := ctx, context.CancelFunc(func() {})
	if s.HandshakeTimeout > 0 {
		hctx, cancel = context.WithTimeout(ctx, s.HandshakeTimeout)
	}
	err := sess.Handshake(hctx)
	cancel()
	if err != nil {
		return
	}

	if err := s.callHandler(ctx, sess); err != nil {
		sess.Logger().Warn("handler: %v", err)
	}
	if err := sess.Terminate(ctx); err != nil {
		sess.Logger().Verbose("terminate: %v", err)
	}
}

func (s *Server) sessionOptions() session.Options {
	wt := s.WriteTimeout
	if wt == 0 {
		wt = s.IOTimeout
	}
	return session.Options{
		Sink:          s.sink(),
		Logger:        s.Logger,
		ReadTimeout:   s.IOTimeout,
		WriteTimeout:  wt,
		MaxLineLength: s.MaxLineLength,
	}
}

func (s *Server) callHandler(ctx context.Context, sess *session.Session) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			s.Metrics.RecordError(err.Error())
		}
	}()
	return s.Handler.Handle(ctx, sess)
}

func (s *Server) sink() events.Sink {
	if s.Sink == nil {
		return events.Nop
	}
	return s.Sink
}
