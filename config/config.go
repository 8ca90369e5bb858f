// Package config defines the runtime configuration for the FastAGI
// server and helpers for parsing ports and SSH gateway specs.
package config

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"time"

	ferr "fastagi/internal/errors"
)

// Config holds every tuneable of one server process.
type Config struct {
	// ── Listener ─────────────────────────────────────────────────────
	Host        string // bind address; "" = all interfaces
	Port        int
	MaxSessions int           // 0 = unlimited
	GracePeriod time.Duration // shutdown drain time before sessions are abandoned

	// ── Session ──────────────────────────────────────────────────────
	HandshakeTimeout time.Duration
	IOTimeout        time.Duration // per command read; 0 = none
	WriteTimeout     time.Duration // per command write; 0 = IOTimeout
	MaxLineLength    int

	// ── Call handling ────────────────────────────────────────────────
	Handler string
	Hold    time.Duration

	// ── Reverse tunnel (serve AGI on a port opened on an SSH host) ───
	ReverseTunnelSpec    string // raw [user@]host[:port]
	ReverseTunnelEnabled bool
	ReverseTunnelUser    string
	ReverseTunnelHost    string
	ReverseTunnelPort    int
	RemotePort           int
	RemoteBindAddress    string
	CheckGatewayPorts    bool
	KeepAliveInterval    int // seconds; 0 disables
	AutoReconnect        bool

	SSHKeyPath     string
	SSHPassword    bool // prompt interactively
	UseSSHAgent    bool
	StrictHostKey  bool
	KnownHostsPath string

	// ── Output ───────────────────────────────────────────────────────
	Verbose int
	DryRun  bool
}

// Default returns a Config populated from defaults.go.
func Default() *Config {
	return &Config{
		Port:              DefaultPort,
		GracePeriod:       DefaultGracePeriod,
		HandshakeTimeout:  DefaultHandshakeTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		MaxLineLength:     DefaultMaxLineLength,
		Handler:           DefaultHandler,
		Hold:              DefaultHold,
		KeepAliveInterval: DefaultKeepAliveInterval,
	}
}

// ── Port / tunnel-spec parsing ───────────────────────────────────────

// ParsePort parses a TCP port number.  0 is accepted and means "any
// free port".
func ParsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if port < 0 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range 0-65535", port)
	}
	return port, nil
}

// tunnelRe matches [user@]host[:port].
var tunnelRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:@]+)(?::(\d+))?$`)

// ParseTunnelSpec extracts user, host and port from a string such as
// "asterisk@pbx.example.com:2222".  Port defaults to 22.
func ParseTunnelSpec(spec string) (user, host string, port int, err error) {
	m := tunnelRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid gateway spec %q, expected [user@]host[:port]", spec)
	}
	user, host, port = m[1], m[2], DefaultSSHPort
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid gateway port %q", m[3])
		}
	}
	return user, host, port, nil
}

// Resolve expands derived fields (the reverse tunnel spec) in place.
// Call it after environment and flags have been applied.
func (c *Config) Resolve() error {
	if c.ReverseTunnelSpec == "" {
		c.ReverseTunnelEnabled = false
		return nil
	}
	user, host, port, err := ParseTunnelSpec(c.ReverseTunnelSpec)
	if err != nil {
		return &ferr.ConfigError{Field: "reverse-tunnel", Value: c.ReverseTunnelSpec, Message: err.Error()}
	}
	c.ReverseTunnelEnabled = true
	c.ReverseTunnelUser = user
	c.ReverseTunnelHost = host
	c.ReverseTunnelPort = port
	return nil
}

// ListenAddr returns host:port for the local listener.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
// Every failure is a *errors.ConfigError naming the offending flag.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return &ferr.ConfigError{Field: "port", Value: c.Port, Message: "must be between 0 and 65535"}
	}
	if c.MaxSessions < 0 {
		return &ferr.ConfigError{Field: "max-sessions", Value: c.MaxSessions, Message: "must not be negative",
			Hint: "use 0 for no limit"}
	}
	for _, d := range []struct {
		field string
		v     time.Duration
	}{
		{"grace", c.GracePeriod},
		{"handshake-timeout", c.HandshakeTimeout},
		{"io-timeout", c.IOTimeout},
		{"write-timeout", c.WriteTimeout},
		{"hold", c.Hold},
	} {
		if d.v < 0 {
			return &ferr.ConfigError{Field: d.field, Value: d.v, Message: "must not be negative"}
		}
	}
	if c.MaxLineLength < 0 {
		return &ferr.ConfigError{Field: "max-line", Value: c.MaxLineLength, Message: "must not be negative"}
	}
	if c.Handler == "" {
		return &ferr.ConfigError{Field: "handler", Message: "is required"}
	}
	if c.KeepAliveInterval < 0 {
		return &ferr.ConfigError{Field: "keep-alive", Value: c.KeepAliveInterval, Message: "must not be negative"}
	}

	if c.ReverseTunnelEnabled {
		if c.ReverseTunnelHost == "" {
			return &ferr.ConfigError{Field: "reverse-tunnel", Value: c.ReverseTunnelSpec, Message: "gateway host is required"}
		}
		if c.RemotePort < 1 || c.RemotePort > 65535 {
			return &ferr.ConfigError{
				Field:   "remote-port",
				Value:   c.RemotePort,
				Message: "a port on the gateway is required with --reverse-tunnel",
				Hint:    "point the dialplan's agi:// URL at this port on the gateway host",
			}
		}
	}
	return nil
}
