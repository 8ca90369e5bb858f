package session

import (
	"context"
	"strconv"

	"fastagi/internal/agi"
)

// Shorthands for the commands call handlers use most.  They only format
// the command line; the response is returned unexamined.

const allDigits = "0123456789*#"

// Answer answers the channel.
func (s *Session) Answer(ctx context.Context) (*agi.Response, error) {
	return s.Execute(ctx, "ANSWER")
}

// Hangup hangs up the current channel.  Terminate will not send a
// second HANGUP afterwards.
func (s *Session) Hangup(ctx context.Context) (*agi.Response, error) {
	return s.Execute(ctx, "HANGUP")
}

// StreamFile plays file; any digit in escape interrupts playback.
func (s *Session) StreamFile(ctx context.Context, file, escape string) (*agi.Response, error) {
	return s.Execute(ctx, agi.Command("STREAM FILE", file, escape))
}

// StreamFileInterruptible plays file, stopping on any DTMF digit.
func (s *Session) StreamFileInterruptible(ctx context.Context, file string) (*agi.Response, error) {
	return s.StreamFile(ctx, file, allDigits)
}

// Verbose logs message on the Asterisk console at the given level.
func (s *Session) Verbose(ctx context.Context, message string, level int) (*agi.Response, error) {
	return s.Execute(ctx, agi.Command("VERBOSE", message, strconv.Itoa(level)))
}

// SetVariable sets a channel variable.
func (s *Session) SetVariable(ctx context.Context, name, value string) (*agi.Response, error) {
	return s.Execute(ctx, agi.Command("SET VARIABLE", name, value))
}

// GetVariable reads a channel variable.  ok is false when the variable
// is not set (result=0).
func (s *Session) GetVariable(ctx context.Context, name string) (value string, ok bool, err error) {
	resp, err := s.Execute(ctx, agi.Command("GET VARIABLE", name))
	if err != nil {
		return "", false, err
	}
	if !resp.OK() || resp.Result != "1" {
		return "", false, nil
	}
	return resp.Annotation, true, nil
}

// ChannelStatus returns the numeric channel state (6 = up).
func (s *Session) ChannelStatus(ctx context.Context) (int, *agi.Response, error) {
	resp, err := s.Execute(ctx, "CHANNEL STATUS")
	if err != nil {
		return 0, nil, err
	}
	n, err := resp.ResultInt()
	return n, resp, err
}

// WaitForDigit waits up to timeoutMs for a DTMF digit; -1 waits forever.
func (s *Session) WaitForDigit(ctx context.Context, timeoutMs int) (*agi.Response, error) {
	return s.Execute(ctx, agi.Command("WAIT FOR DIGIT", strconv.Itoa(timeoutMs)))
}

// SayDigits speaks digits one at a time.
func (s *Session) SayDigits(ctx context.Context, digits, escape string) (*agi.Response, error) {
	return s.Execute(ctx, agi.Command("SAY DIGITS", digits, escape))
}

// Noop does nothing on the switch; handy as a liveness probe.
func (s *Session) Noop(ctx context.Context, text string) (*agi.Response, error) {
	if text == "" {
		return s.Execute(ctx, "NOOP")
	}
	return s.Execute(ctx, agi.Command("NOOP", text))
}
