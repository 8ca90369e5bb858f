package handler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"fastagi/internal/agitest"
	"fastagi/internal/session"
)

// activeSession returns a session past its handshake with the given
// environment lines.
func activeSession(t *testing.T, env ...string) (*session.Session, *agitest.Peer) {
	t.Helper()
	conn, peer := agitest.Pipe(t)
	s := session.New(conn, session.Options{ReadTimeout: 2 * time.Second})
	t.Cleanup(func() { s.Close() })

	peer.SendEnv(env...)
	if err := s.Handshake(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s, peer
}

func TestAnswerHold(t *testing.T) {
	s, peer := activeSession(t, "agi_callerid: 15551234567", "agi_channel: SIP/x-1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		peer.Exchange("ANSWER", "200 result=0")
		peer.Exchange("HANGUP", "200 result=1")
	}()

	h := &AnswerHold{Hold: 30 * time.Millisecond}
	start := time.Now()
	if err := h.Handle(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	<-done
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("held for %v, want at least 30ms", elapsed)
	}
}

func TestAnswerHold_NonOKAnswerStillHolds(t *testing.T) {
	s, peer := activeSession(t)

	go func() {
		peer.Exchange("ANSWER", "510 Invalid or unknown command")
		peer.Exchange("HANGUP", "200 result=1")
	}()

	h := &AnswerHold{Hold: 10 * time.Millisecond}
	if err := h.Handle(context.Background(), s); err != nil {
		t.Fatal(err)
	}
}

func TestAnswerHold_Cancel(t *testing.T) {
	s, peer := activeSession(t)
	go peer.Exchange("ANSWER", "200 result=0")

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	h := &AnswerHold{Hold: time.Hour}
	err := h.Handle(ctx, s)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestPlayback(t *testing.T) {
	tests := []struct {
		name   string
		status string
		script []string // expected command, reply pairs after CHANNEL STATUS
	}{
		{
			name:   "answers ringing channel",
			status: "200 result=4",
			script: []string{
				"ANSWER", "200 result=0",
				"STREAM FILE demo-congrats 0123456789*#", "200 result=0 endpos=1200",
				"HANGUP", "200 result=1",
			},
		},
		{
			name:   "channel already up",
			status: "200 result=6",
			script: []string{
				"STREAM FILE demo-congrats 0123456789*#", "200 result=-1 endpos=0",
				"HANGUP", "200 result=1",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, peer := activeSession(t, "agi_arg_1: demo-congrats")

			done := make(chan struct{})
			go func() {
				defer close(done)
				if !peer.Exchange("CHANNEL STATUS", tt.status) {
					return
				}
				for i := 0; i < len(tt.script); i += 2 {
					if !peer.Exchange(tt.script[i], tt.script[i+1]) {
						return
					}
				}
			}()

			if err := (&Playback{}).Handle(context.Background(), s); err != nil {
				t.Fatal(err)
			}
			<-done
		})
	}
}

func TestPlayback_NoArgument(t *testing.T) {
	s, peer := activeSession(t, "agi_channel: SIP/x-1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		peer.Exchange("HANGUP", "200 result=1")
	}()

	if err := (&Playback{}).Handle(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	<-done
}

func TestPlayback_AnswerFails(t *testing.T) {
	s, peer := activeSession(t, "agi_arg_1: demo-congrats")

	go func() {
		peer.Exchange("CHANNEL STATUS", "200 result=4")
		peer.Exchange("ANSWER", "200 result=-1")
	}()

	err := (&Playback{}).Handle(context.Background(), s)
	if err == nil || !strings.Contains(err.Error(), "answer failed") {
		t.Fatalf("err = %v", err)
	}
}

func TestLookup(t *testing.T) {
	h, err := Lookup("answer-hold", Options{Hold: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if ah, ok := h.(*AnswerHold); !ok || ah.Hold != time.Second {
		t.Errorf("Lookup(answer-hold) = %#v", h)
	}

	if _, err := Lookup("playback", Options{}); err != nil {
		t.Error(err)
	}

	_, err = Lookup("ivr", Options{})
	if err == nil || !strings.Contains(err.Error(), "answer-hold, playback") {
		t.Errorf("Lookup(ivr) err = %v", err)
	}
}

func TestHandlerFunc(t *testing.T) {
	called := false
	var h Handler = HandlerFunc(func(context.Context, *session.Session) error {
		called = true
		return nil
	})
	h.Handle(context.Background(), nil) //nolint:errcheck
	if !called {
		t.Error("HandlerFunc not called")
	}
}
