// Package metrics provides lightweight, lock-free counters for tracking
// what a FastAGI server has done since it started.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"fastagi/internal/events"
)

// Collector tracks runtime metrics for a server.  It is an events.Sink,
// so sessions feed it directly.
type Collector struct {
	sessionsActive    atomic.Int64
	sessionsTotal     atomic.Int64
	sessionsRejected  atomic.Int64
	handshakeFailures atomic.Int64
	commandsTotal     atomic.Int64
	commandsNotOK     atomic.Int64
	commandErrors     atomic.Int64
	channelHangups    atomic.Int64
	acceptErrors      atomic.Int64
	tunnelReconnects  atomic.Int64
	errorsTotal       atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	lastError    time.Time
	lastErrorMsg string
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// Emit folds one session event into the counters.
func (c *Collector) Emit(e events.Event) {
	if c == nil {
		return
	}
	switch e.Kind {
	case events.SessionStarted:
		c.sessionsActive.Add(1)
		c.sessionsTotal.Add(1)
	case events.SessionClosed:
		c.sessionsActive.Add(-1)
	case events.HandshakeFailed:
		c.handshakeFailures.Add(1)
		c.recordErr(e.Err)
	case events.CommandResult:
		c.commandsTotal.Add(1)
		if e.Code != 200 {
			c.commandsNotOK.Add(1)
		}
	case events.CommandFailed:
		c.commandsTotal.Add(1)
		c.commandErrors.Add(1)
		c.recordErr(e.Err)
	case events.ChannelHangup:
		c.channelHangups.Add(1)
	}
}

func (c *Collector) recordErr(err error) {
	if err != nil {
		c.RecordError(err.Error())
	}
}

// ── Sessions ─────────────────────────────────────────────────────────

// ActiveSessions returns the number of calls currently connected.
func (c *Collector) ActiveSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsActive.Load()
}

// TotalSessions returns the lifetime session count.
func (c *Collector) TotalSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsTotal.Load()
}

// SessionRejected records a connection turned away at the session limit.
func (c *Collector) SessionRejected() {
	if c == nil {
		return
	}
	c.sessionsRejected.Add(1)
}

// RejectedSessions returns how many connections were turned away.
func (c *Collector) RejectedSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsRejected.Load()
}

// HandshakeFailures returns how many sessions never became Active.
func (c *Collector) HandshakeFailures() int64 {
	if c == nil {
		return 0
	}
	return c.handshakeFailures.Load()
}

// ── Commands ─────────────────────────────────────────────────────────

// Commands returns the number of commands sent, answered or not.
func (c *Collector) Commands() int64 {
	if c == nil {
		return 0
	}
	return c.commandsTotal.Load()
}

// CommandErrors returns how many commands got no usable response.
func (c *Collector) CommandErrors() int64 {
	if c == nil {
		return 0
	}
	return c.commandErrors.Load()
}

// ── Listener / tunnel ────────────────────────────────────────────────

// AcceptError records a failed Accept.
func (c *Collector) AcceptError() {
	if c == nil {
		return
	}
	c.acceptErrors.Add(1)
}

// TunnelReconnect records a gateway reconnection.
func (c *Collector) TunnelReconnect() {
	if c == nil {
		return
	}
	c.tunnelReconnects.Add(1)
}

// TunnelReconnects returns the total gateway reconnection count.
func (c *Collector) TunnelReconnects() int64 {
	if c == nil {
		return 0
	}
	return c.tunnelReconnects.Load()
}

// ── Errors ───────────────────────────────────────────────────────────

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime            string `json:"uptime"`
	SessionsActive    int64  `json:"sessions_active"`
	SessionsTotal     int64  `json:"sessions_total"`
	SessionsRejected  int64  `json:"sessions_rejected"`
	HandshakeFailures int64  `json:"handshake_failures"`
	CommandsTotal     int64  `json:"commands_total"`
	CommandsNotOK     int64  `json:"commands_not_ok"`
	CommandErrors     int64  `json:"command_errors"`
	ChannelHangups    int64  `json:"channel_hangups"`
	AcceptErrors      int64  `json:"accept_errors"`
	TunnelReconnects  int64  `json:"tunnel_reconnects"`
	ErrorsTotal       int64  `json:"errors_total"`
	LastError         string `json:"last_error,omitempty"`
	LastErrorMessage  string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:            time.Since(c.startTime).Truncate(time.Second).String(),
		SessionsActive:    c.sessionsActive.Load(),
		SessionsTotal:     c.sessionsTotal.Load(),
		SessionsRejected:  c.sessionsRejected.Load(),
		HandshakeFailures: c.handshakeFailures.Load(),
		CommandsTotal:     c.commandsTotal.Load(),
		CommandsNotOK:     c.commandsNotOK.Load(),
		CommandErrors:     c.commandErrors.Load(),
		ChannelHangups:    c.channelHangups.Load(),
		AcceptErrors:      c.acceptErrors.Load(),
		TunnelReconnects:  c.tunnelReconnects.Load(),
		ErrorsTotal:       c.errorsTotal.Load(),
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}
