package config

// loader.go - configuration loading from environment variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (this file)
//   3. Defaults   (defaults.go)

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	ferr "fastagi/internal/errors"
)

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the FASTAGI_ prefix; plain PORT is also
// honoured for container platforms.  Booleans accept "1", "true", "yes"
// (case-insensitive).  Durations accept Go syntax ("1m30s") or whole
// seconds.

// LoadFromEnv overlays environment variables onto cfg.  Unset or empty
// variables leave the existing value alone; a set but unparsable one is
// an error.  Call it BEFORE flag parsing so that flags take precedence.
func LoadFromEnv(cfg *Config) error {
	l := envLoader{}

	if v, ok := lookup("FASTAGI_HOST"); ok {
		cfg.Host = v
	}
	l.port("PORT", &cfg.Port)
	l.port("FASTAGI_PORT", &cfg.Port)
	l.integer("FASTAGI_MAX_SESSIONS", &cfg.MaxSessions)
	l.duration("FASTAGI_GRACE", &cfg.GracePeriod)

	l.duration("FASTAGI_HANDSHAKE_TIMEOUT", &cfg.HandshakeTimeout)
	l.duration("FASTAGI_IO_TIMEOUT", &cfg.IOTimeout)
	l.duration("FASTAGI_WRITE_TIMEOUT", &cfg.WriteTimeout)
	l.integer("FASTAGI_MAX_LINE", &cfg.MaxLineLength)

	if v, ok := lookup("FASTAGI_HANDLER"); ok {
		cfg.Handler = v
	}
	l.duration("FASTAGI_HOLD", &cfg.Hold)

	// Reverse tunnel
	if v, ok := lookup("FASTAGI_REVERSE_TUNNEL"); ok {
		cfg.ReverseTunnelSpec = v
	}
	l.port("FASTAGI_REMOTE_PORT", &cfg.RemotePort)
	if v, ok := lookup("FASTAGI_REMOTE_BIND_ADDRESS"); ok {
		cfg.RemoteBindAddress = v
	}
	l.integer("FASTAGI_KEEP_ALIVE", &cfg.KeepAliveInterval)
	l.boolean("FASTAGI_AUTO_RECONNECT", &cfg.AutoReconnect)
	l.boolean("FASTAGI_CHECK_GATEWAY_PORTS", &cfg.CheckGatewayPorts)
	if v, ok := lookup("FASTAGI_SSH_KEY"); ok {
		cfg.SSHKeyPath = v
	}
	l.boolean("FASTAGI_SSH_PASSWORD", &cfg.SSHPassword)
	l.boolean("FASTAGI_SSH_AGENT", &cfg.UseSSHAgent)
	l.boolean("FASTAGI_STRICT_HOSTKEY", &cfg.StrictHostKey)
	if v, ok := lookup("FASTAGI_KNOWN_HOSTS"); ok {
		cfg.KnownHostsPath = v
	}

	// Output
	l.integer("FASTAGI_VERBOSE", &cfg.Verbose)

	return l.err
}

// ── helpers ──────────────────────────────────────────────────────────

// envLoader keeps the first parse failure so LoadFromEnv reads like a
// flat list of assignments.
type envLoader struct {
	err error
}

func (l *envLoader) fail(key, value, msg string) {
	if l.err == nil {
		l.err = &ferr.ConfigError{Field: key, Value: value, Message: msg}
	}
}

func (l *envLoader) integer(key string, dst *int) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.fail(key, v, "not an integer")
		return
	}
	*dst = n
}

func (l *envLoader) port(key string, dst *int) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	p, err := ParsePort(v)
	if err != nil {
		l.fail(key, v, err.Error())
		return
	}
	*dst = p
}

func (l *envLoader) duration(key string, dst *time.Duration) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	d, err := parseDuration(v)
	if err != nil {
		l.fail(key, v, err.Error())
		return
	}
	*dst = d
}

func (l *envLoader) boolean(key string, dst *bool) {
	if v, ok := lookup(key); ok {
		*dst = isTrue(v)
	}
}

func lookup(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

func isTrue(v string) bool {
	v = strings.ToLower(v)
	return v == "1" || v == "true" || v == "yes"
}

// parseDuration accepts "90s", "1m30s" or a bare number of seconds.
func parseDuration(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return d, nil
}
