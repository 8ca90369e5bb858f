package agi

import (
	"errors"
	"fmt"
	"io"
	"reflect"
	"testing"

	ferr "fastagi/internal/errors"
)

// scriptReader replays lines, then returns err (io.EOF when nil).
type scriptReader struct {
	lines []string
	err   error
}

func (s *scriptReader) ReadLine() (string, error) {
	if len(s.lines) == 0 {
		if s.err != nil {
			return "", s.err
		}
		return "", ferr.Transport("read", "test", io.EOF)
	}
	l := s.lines[0]
	s.lines = s.lines[1:]
	return l, nil
}

func TestParseEnvironment_Valid(t *testing.T) {
	r := &scriptReader{lines: []string{
		"agi_network: yes",
		"agi_callerid: 15551234567",
		"agi_channel:   SIP/trunk-00000001  ",
		"agi_accountcode:",
		"agi_request: agi://10.0.0.2/ivr?x=1",
		"",
		"200 result=0", // must not be consumed
	}}

	env, err := ParseEnvironment(r, nil)
	if err != nil {
		t.Fatal(err)
	}

	want := map[string]string{
		"agi_network":     "yes",
		"agi_callerid":    "15551234567",
		"agi_channel":     "SIP/trunk-00000001",
		"agi_accountcode": "",
		"agi_request":     "agi://10.0.0.2/ivr?x=1",
	}
	if got := env.Map(); !reflect.DeepEqual(got, want) {
		t.Errorf("env = %v, want %v", got, want)
	}
	if len(r.lines) != 1 {
		t.Errorf("parser read past the blank line: %d lines left", len(r.lines))
	}
	if v, ok := env.Get("agi_accountcode"); !ok || v != "" {
		t.Errorf("empty value should be present: %q %v", v, ok)
	}
}

func TestParseEnvironment_LastOccurrenceWins(t *testing.T) {
	r := &scriptReader{lines: []string{"agi_arg_1: first", "agi_context: default", "agi_arg_1: second", ""}}
	env, err := ParseEnvironment(r, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := env.Value("agi_arg_1"); got != "second" {
		t.Errorf("agi_arg_1 = %q, want second", got)
	}
	if got := env.Keys(); !reflect.DeepEqual(got, []string{"agi_arg_1", "agi_context"}) {
		t.Errorf("keys = %v", got)
	}
	if env.Len() != 2 {
		t.Errorf("Len = %d", env.Len())
	}
}

func TestParseEnvironment_IgnoresLinesWithoutColon(t *testing.T) {
	r := &scriptReader{lines: []string{"garbage", "agi_context: default", "more garbage", ""}}

	var ignored []string
	env, err := ParseEnvironment(r, func(line string) { ignored = append(ignored, line) })
	if err != nil {
		t.Fatal(err)
	}
	if env.Len() != 1 || env.Context() != "default" {
		t.Errorf("env = %v", env.Map())
	}
	if !reflect.DeepEqual(ignored, []string{"garbage", "more garbage"}) {
		t.Errorf("ignored = %v", ignored)
	}
}

func TestParseEnvironment_SplitsOnFirstColon(t *testing.T) {
	r := &scriptReader{lines: []string{"agi_request: agi://host:4573/script", ""}}
	env, err := ParseEnvironment(r, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := env.Request(); got != "agi://host:4573/script" {
		t.Errorf("request = %q", got)
	}
}

func TestParseEnvironment_WhitespaceOnlyLineEndsBlock(t *testing.T) {
	r := &scriptReader{lines: []string{"agi_network: yes", "   ", "agi_late: x"}}
	env, err := ParseEnvironment(r, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := env.Get("agi_late"); ok {
		t.Error("line after terminator was parsed")
	}
}

func TestParseEnvironment_Incomplete(t *testing.T) {
	tests := []struct {
		name string
		r    *scriptReader
	}{
		{"empty stream", &scriptReader{}},
		{"no blank line", &scriptReader{lines: []string{"agi_network: yes", "agi_channel: SIP/x-1"}}},
		{"partial last line", &scriptReader{
			lines: []string{"agi_network: yes"},
			err:   ferr.Transport("read", "test", io.ErrUnexpectedEOF),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := ParseEnvironment(tt.r, nil)
			if !errors.Is(err, ferr.ErrHandshakeIncomplete) {
				t.Fatalf("err = %v, want ErrHandshakeIncomplete", err)
			}
			if env != nil {
				t.Error("env should be nil on failure")
			}
		})
	}
}

func TestParseEnvironment_TransportError(t *testing.T) {
	boom := ferr.Transport("read", "test", fmt.Errorf("connection reset by peer"))
	_, err := ParseEnvironment(&scriptReader{err: boom}, nil)
	if errors.Is(err, ferr.ErrHandshakeIncomplete) {
		t.Error("reset must not be reported as incomplete handshake")
	}
	if !ferr.IsTransport(err) {
		t.Errorf("err = %v, want transport error", err)
	}
}

func TestEnvironment_Accessors(t *testing.T) {
	env := NewEnvironment(map[string]string{
		KeyUniqueID:     "1700000000.42",
		KeyChannel:      "PJSIP/alice-0001",
		KeyCallerID:     "15551234567",
		KeyCallerIDName: "Alice",
		KeyContext:      "from-trunk",
		KeyExtension:    "100",
		KeyPriority:     "1",
		"agi_arg_1":     "demo-congrats",
	})

	checks := map[string]string{
		env.UniqueID():     "1700000000.42",
		env.Channel():      "PJSIP/alice-0001",
		env.CallerID():     "15551234567",
		env.CallerIDName(): "Alice",
		env.Context():      "from-trunk",
		env.Extension():    "100",
		env.Priority():     "1",
	}
	for got, want := range checks {
		if got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
	if a, ok := env.Arg(1); !ok || a != "demo-congrats" {
		t.Errorf("Arg(1) = %q, %v", a, ok)
	}
	if _, ok := env.Arg(2); ok {
		t.Error("Arg(2) should be absent")
	}
	if got := env.ValueOr("agi_dnid", "Unknown"); got != "Unknown" {
		t.Errorf("ValueOr = %q", got)
	}
}

func TestEnvironment_Immutable(t *testing.T) {
	src := map[string]string{"agi_context": "default"}
	env := NewEnvironment(src)
	src["agi_context"] = "changed"

	m := env.Map()
	m["agi_context"] = "also changed"

	if env.Context() != "default" {
		t.Errorf("environment mutated through source or copy: %q", env.Context())
	}
}

func TestEnvironment_NilSafe(t *testing.T) {
	var env *Environment
	if _, ok := env.Get("x"); ok {
		t.Error("nil env reports key present")
	}
	if env.CallerID() != "" || env.Len() != 0 || env.Keys() != nil || len(env.Map()) != 0 {
		t.Error("nil env should behave as empty")
	}
}
