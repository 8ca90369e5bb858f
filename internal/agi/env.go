// Package agi holds the wire-level pieces of the Asterisk Gateway
// Interface: the environment block Asterisk sends when a call connects,
// and the status lines it sends back for every command.
package agi

import (
	"fmt"
	"io"
	"strings"

	ferr "fastagi/internal/errors"
)

// Well-known environment keys.
const (
	KeyNetwork      = "agi_network"
	KeyRequest      = "agi_request"
	KeyChannel      = "agi_channel"
	KeyUniqueID     = "agi_uniqueid"
	KeyCallerID     = "agi_callerid"
	KeyCallerIDName = "agi_calleridname"
	KeyContext      = "agi_context"
	KeyExtension    = "agi_extension"
	KeyPriority     = "agi_priority"
	KeyLanguage     = "agi_language"
)

// LineReader is the part of a transport the parser needs.
type LineReader interface {
	ReadLine() (string, error)
}

// Environment is the immutable set of variables describing one call.
// Missing keys are simply absent; no accessor returns an error.
type Environment struct {
	vars map[string]string
	keys []string // first-seen order
}

// NewEnvironment copies vars into a new Environment.
func NewEnvironment(vars map[string]string) *Environment {
	env := &Environment{vars: make(map[string]string, len(vars))}
	for k, v := range vars {
		env.set(k, v)
	}
	return env
}

func (e *Environment) set(key, value string) {
	if _, seen := e.vars[key]; !seen {
		e.keys = append(e.keys, key)
	}
	e.vars[key] = value
}

// ParseEnvironment reads "key: value" lines from r up to the blank line
// that ends the handshake.  Lines without a colon are skipped and handed
// to onIgnored when it is non-nil.  A stream that ends before the blank
// line fails with ErrHandshakeIncomplete.
func ParseEnvironment(r LineReader, onIgnored func(line string)) (*Environment, error) {
	env := &Environment{vars: make(map[string]string)}
	for {
		line, err := r.ReadLine()
		if err != nil {
			if ferr.Is(err, io.EOF) || ferr.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("%w after %d variables", ferr.ErrHandshakeIncomplete, env.Len())
			}
			return nil, err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			return env, nil
		}

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			if onIgnored != nil {
				onIgnored(line)
			}
			continue
		}
		env.set(strings.TrimSpace(key), strings.TrimSpace(value))
	}
}

// Get returns the value for key and whether it was present.
func (e *Environment) Get(key string) (string, bool) {
	if e == nil {
		return "", false
	}
	v, ok := e.vars[key]
	return v, ok
}

// Value returns the value for key, or "" when absent.
func (e *Environment) Value(key string) string {
	v, _ := e.Get(key)
	return v
}

// ValueOr returns the value for key, or fallback when absent.
func (e *Environment) ValueOr(key, fallback string) string {
	if v, ok := e.Get(key); ok {
		return v
	}
	return fallback
}

// Len returns the number of distinct keys.
func (e *Environment) Len() int {
	if e == nil {
		return 0
	}
	return len(e.vars)
}

// Keys returns the keys in the order Asterisk first sent them.
func (e *Environment) Keys() []string {
	if e == nil {
		return nil
	}
	return append([]string(nil), e.keys...)
}

// Map returns a copy of all variables.
func (e *Environment) Map() map[string]string {
	out := make(map[string]string, e.Len())
	if e == nil {
		return out
	}
	for k, v := range e.vars {
		out[k] = v
	}
	return out
}

func (e *Environment) UniqueID() string     { return e.Value(KeyUniqueID) }
func (e *Environment) Channel() string      { return e.Value(KeyChannel) }
func (e *Environment) CallerID() string     { return e.Value(KeyCallerID) }
func (e *Environment) CallerIDName() string { return e.Value(KeyCallerIDName) }
func (e *Environment) Context() string      { return e.Value(KeyContext) }
func (e *Environment) Extension() string    { return e.Value(KeyExtension) }
func (e *Environment) Priority() string     { return e.Value(KeyPriority) }
func (e *Environment) Request() string      { return e.Value(KeyRequest) }

// Arg returns script argument n (agi_arg_n), 1-based.
func (e *Environment) Arg(n int) (string, bool) {
	return e.Get(fmt.Sprintf("agi_arg_%d", n))
}
