package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags and environment variable loading.

const (
	// DefaultPort is the IANA-registered FastAGI port.
	DefaultPort = 4573

	// DefaultHandshakeTimeout bounds how long a new connection may take
	// to send its environment block.
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultGracePeriod is how long shutdown waits for calls in
	// progress before abandoning them.
	DefaultGracePeriod = 5 * time.Second

	// DefaultWriteTimeout bounds each command write.  Reads have no
	// default deadline: WAIT FOR DIGIT -1 may block indefinitely.
	DefaultWriteTimeout = 10 * time.Second

	// DefaultMaxLineLength bounds a single protocol line (64 KiB).
	DefaultMaxLineLength = 64 * 1024

	// DefaultHandler is the call treatment used when none is named.
	DefaultHandler = "answer-hold"

	// DefaultHold is how long the answer-hold handler keeps a call up.
	DefaultHold = 15 * time.Second

	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultKeepAliveInterval is the SSH keepalive interval in seconds.
	DefaultKeepAliveInterval = 30

	// DefaultConnTimeout is the SSH dial timeout.
	DefaultConnTimeout = 30 * time.Second
)
