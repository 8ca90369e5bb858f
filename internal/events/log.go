package events

import (
	"fastagi/util"
)

// LogSink renders events through a util.Logger.  Lifecycle events go
// to the verbose level, wire traffic to debug, failures to error.
type LogSink struct {
	Logger *util.Logger
}

// NewLogSink returns a sink writing to logger.
func NewLogSink(logger *util.Logger) *LogSink {
	return &LogSink{Logger: logger}
}

func (s *LogSink) Emit(e Event) {
	l := s.Logger
	if e.Session != "" {
		l = l.Named(shortID(e.Session))
	}

	switch e.Kind {
	case SessionStarted:
		l.Verbose("call from %s", e.Remote)
	case HandshakeComplete:
		l.Verbose("handshake complete (%d variables)", e.Vars)
	case HandshakeFailed:
		l.Warn("handshake failed: %v", e.Err)
	case EnvLineIgnored:
		l.Debug("ignoring environment line %q", e.Line)
	case CommandSent:
		l.Debug("-> %s", e.Command)
	case CommandResult:
		l.Debug("<- %s (%v)", e.Line, e.Duration)
	case CommandFailed:
		l.Error("%s: %v", e.Command, e.Err)
	case ChannelHangup:
		l.Verbose("channel hung up by switch")
	case SessionClosed:
		if e.Err != nil {
			l.Verbose("closed after %v: %v", e.Duration, e.Err)
		} else {
			l.Verbose("closed after %v", e.Duration)
		}
	}
}

// shortID trims a UUID to its first group for readable log lines.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
