// Package handler defines what happens to a call once its session is
// Active.  A Handler is call-treatment policy: it issues commands
// through the Session and returns; the engine sends the final HANGUP
// and closes the socket afterwards, whatever the handler did.
package handler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"fastagi/internal/session"
)

// Handler treats one call.  It runs on the connection's own goroutine
// and must return when ctx is cancelled.
type Handler interface {
	Handle(ctx context.Context, sess *session.Session) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, sess *session.Session) error

func (f HandlerFunc) Handle(ctx context.Context, sess *session.Session) error {
	return f(ctx, sess)
}

// Options are the knobs the CLI exposes to built-in handlers.
type Options struct {
	Hold time.Duration // AnswerHold
}

var builtins = map[string]func(Options) Handler{
	"answer-hold": func(o Options) Handler { return &AnswerHold{Hold: o.Hold} },
	"playback":    func(Options) Handler { return &Playback{} },
}

// Names lists the built-in handlers in sorted order.
func Names() []string {
	names := make([]string, 0, len(builtins))
	for n := range builtins {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the built-in handler called name.
func Lookup(name string, opts Options) (Handler, error) {
	build, ok := builtins[name]
	if !ok {
		return nil, fmt.Errorf("unknown handler %q (available: %s)", name, strings.Join(Names(), ", "))
	}
	return build(opts), nil
}
