package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"fastagi/internal/agitest"
	ferr "fastagi/internal/errors"
	"fastagi/internal/events"
)

func newSession(t *testing.T) (*Session, *agitest.Peer, *events.Recorder) {
	t.Helper()
	conn, peer := agitest.Pipe(t)
	rec := &events.Recorder{}
	s := New(conn, Options{
		ID:           "test-session",
		Sink:         rec,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	t.Cleanup(func() { s.Close() })
	return s, peer, rec
}

func activeSession(t *testing.T) (*Session, *agitest.Peer, *events.Recorder) {
	t.Helper()
	s, peer, rec := newSession(t)
	peer.SendEnv("agi_channel: SIP/x-1", "agi_callerid: 15551234567")
	if err := s.Handshake(context.Background()); err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	return s, peer, rec
}

// ── Handshake ────────────────────────────────────────────────────────

func TestHandshake_PopulatesEnv(t *testing.T) {
	s, peer, rec := newSession(t)

	if got := s.State(); got != StateHandshake {
		t.Fatalf("initial state = %s", got)
	}
	if s.Env() != nil {
		t.Fatal("Env() before handshake should be nil")
	}

	peer.SendEnv("agi_callerid: 15551234567", "agi_channel: SIP/x-1", "garbage line")
	if err := s.Handshake(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := s.State(); got != StateActive {
		t.Errorf("state = %s, want active", got)
	}
	env := s.Env()
	if env.CallerID() != "15551234567" || env.Channel() != "SIP/x-1" {
		t.Errorf("env = %v", env.Map())
	}
	if n := rec.Count(events.EnvLineIgnored); n != 1 {
		t.Errorf("ignored events = %d, want 1", n)
	}
	if n := rec.Count(events.HandshakeComplete); n != 1 {
		t.Errorf("handshake-complete events = %d, want 1", n)
	}
}

func TestHandshake_IncompleteNeverActive(t *testing.T) {
	s, peer, rec := newSession(t)

	peer.Send("agi_channel: SIP/x-1")
	peer.Close()

	err := s.Handshake(context.Background())
	if !errors.Is(err, ferr.ErrHandshakeIncomplete) {
		t.Fatalf("err = %v, want ErrHandshakeIncomplete", err)
	}
	if got := s.State(); got != StateClosed {
		t.Errorf("state = %s, want closed", got)
	}
	if s.Env() != nil {
		t.Error("Env() should stay nil after a failed handshake")
	}
	want := []events.Kind{events.SessionStarted, events.HandshakeFailed, events.SessionClosed}
	if got := rec.Kinds(""); !equalKinds(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestHandshake_CancelUnblocksRead(t *testing.T) {
	s, _, _ := newSession(t)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	err := s.Handshake(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("handshake took %v after cancel", elapsed)
	}
	if s.State() != StateClosed {
		t.Errorf("state = %s", s.State())
	}
}

func TestHandshake_Twice(t *testing.T) {
	s, _, _ := activeSession(t)
	if err := s.Handshake(context.Background()); !errors.Is(err, ferr.ErrInvalidState) {
		t.Errorf("err = %v, want ErrInvalidState", err)
	}
}

// ── Execute ──────────────────────────────────────────────────────────

func TestExecute_Responses(t *testing.T) {
	tests := []struct {
		name       string
		reply      []string
		wantCode   int
		wantResult string
		wantAnn    string
	}{
		{"ok", []string{"200 result=0"}, 200, "0", ""},
		{"invalid", []string{"510 Invalid or unknown command"}, 510, "", "Invalid or unknown command"},
		{"dead channel", []string{"511 Command Not Permitted on a dead channel"}, 511, "", "Command Not Permitted on a dead channel"},
		{"hangup notice first", []string{"HANGUP", "200 result=0"}, 200, "0", ""},
		{"usage block", []string{
			"520-Invalid command syntax.  Proper usage follows:",
			"Usage: ANSWER",
			"520 End of proper usage.",
		}, 520, "", "Invalid command syntax.  Proper usage follows:\nUsage: ANSWER\nEnd of proper usage."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, peer, _ := activeSession(t)

			done := make(chan struct{})
			go func() {
				defer close(done)
				if peer.Expect("ANSWER") {
					peer.Send(tt.reply...)
				}
			}()

			resp, err := s.Execute(context.Background(), "ANSWER")
			<-done
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if resp.Code != tt.wantCode || resp.Result != tt.wantResult || resp.Annotation != tt.wantAnn {
				t.Errorf("resp = %+v", resp)
			}
			if s.State() != StateActive {
				t.Errorf("state = %s, want active", s.State())
			}
		})
	}
}

func TestExecute_HangupNoticeMarksChannel(t *testing.T) {
	s, peer, rec := activeSession(t)

	go func() {
		if peer.Expect("STREAM FILE beep \"\"") {
			peer.Send("HANGUP", "200 result=-1 endpos=0")
		}
	}()

	resp, err := s.StreamFile(context.Background(), "beep", "")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Result != "-1" || resp.Data["endpos"] != "0" {
		t.Errorf("resp = %+v", resp)
	}
	if !s.HungUp() {
		t.Error("HungUp() = false after notice")
	}
	if rec.Count(events.ChannelHangup) != 1 {
		t.Error("expected one channel-hangup event")
	}
}

func TestExecute_PeerClosesBeforeReply(t *testing.T) {
	s, peer, rec := activeSession(t)

	go func() {
		if peer.Expect("ANSWER") {
			peer.Close()
		}
	}()

	_, err := s.Execute(context.Background(), "ANSWER")
	if err == nil {
		t.Fatal("expected error")
	}
	if !ferr.IsTransport(err) {
		t.Errorf("err = %v (%T), want transport error", err, err)
	}
	if s.State() != StateClosed {
		t.Errorf("state = %s, want closed", s.State())
	}

	// Later cleanup must not produce a second close.
	if err := s.Close(); err != nil {
		t.Errorf("Close after failure: %v", err)
	}
	if err := s.Terminate(context.Background()); err != nil {
		t.Errorf("Terminate after failure: %v", err)
	}
	if n := rec.Count(events.SessionClosed); n != 1 {
		t.Errorf("session-closed events = %d, want 1", n)
	}
}

func TestExecute_MalformedKeepsSessionActive(t *testing.T) {
	s, peer, rec := activeSession(t)

	go func() {
		peer.Exchange("ANSWER", "garbage")
		peer.Exchange("NOOP", "200 result=0")
	}()

	_, err := s.Execute(context.Background(), "ANSWER")
	if !ferr.IsMalformed(err) {
		t.Fatalf("err = %v, want malformed", err)
	}
	if s.State() != StateActive {
		t.Fatalf("state = %s, want active", s.State())
	}
	if rec.Count(events.CommandFailed) != 1 {
		t.Error("expected a command-failed event")
	}

	resp, err := s.Noop(context.Background(), "")
	if err != nil || !resp.OK() {
		t.Fatalf("follow-up Noop = %v, %v", resp, err)
	}
}

func TestExecute_RefusesEmbeddedNewline(t *testing.T) {
	s, peer, rec := activeSession(t)

	_, err := s.Execute(context.Background(), "ANSWER\nHANGUP")
	if !errors.Is(err, ferr.ErrInvalidLine) {
		t.Fatalf("err = %v, want ErrInvalidLine", err)
	}
	if s.State() != StateActive {
		t.Errorf("state = %s, want active", s.State())
	}
	// Nothing went on the wire, so nothing may claim it did.
	if n := rec.Count(events.CommandSent); n != 0 {
		t.Errorf("command-sent events = %d, want 0", n)
	}
	if n := rec.Count(events.CommandFailed); n != 1 {
		t.Errorf("command-failed events = %d, want 1", n)
	}

	go peer.Exchange("NOOP", "200 result=0")
	if _, err := s.Noop(context.Background(), ""); err != nil {
		t.Fatalf("Noop after refused command: %v", err)
	}
}

func TestExecute_BeforeHandshake(t *testing.T) {
	s, _, _ := newSession(t)
	if _, err := s.Execute(context.Background(), "ANSWER"); !errors.Is(err, ferr.ErrInvalidState) {
		t.Errorf("err = %v, want ErrInvalidState", err)
	}
}

func TestExecute_ConcurrentCallFailsFast(t *testing.T) {
	s, peer, _ := activeSession(t)

	first := make(chan error, 1)
	go func() {
		_, err := s.Execute(context.Background(), "WAIT FOR DIGIT 5000")
		first <- err
	}()

	// Once the first command is on the wire the session is busy.
	if !peer.Expect("WAIT FOR DIGIT 5000") {
		t.FailNow()
	}
	if _, err := s.Execute(context.Background(), "ANSWER"); !errors.Is(err, ferr.ErrCommandInFlight) {
		t.Errorf("second Execute = %v, want ErrCommandInFlight", err)
	}

	peer.Send("200 result=0")
	if err := <-first; err != nil {
		t.Errorf("first Execute: %v", err)
	}
}

func TestExecute_CancelAbortsRead(t *testing.T) {
	s, peer, _ := activeSession(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if peer.Expect("WAIT FOR DIGIT -1") {
			cancel()
		}
	}()

	_, err := s.WaitForDigit(ctx, -1)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if s.State() != StateClosed {
		t.Errorf("state = %s, want closed", s.State())
	}
}

// ── Terminate / Close ────────────────────────────────────────────────

func TestTerminate_SendsHangup(t *testing.T) {
	s, peer, _ := activeSession(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		peer.Exchange("HANGUP", "200 result=1")
		peer.ExpectClosed()
	}()

	if err := s.Terminate(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-done
	if s.State() != StateClosed {
		t.Errorf("state = %s", s.State())
	}
}

func TestTerminate_SkipsHangupWhenAlreadySent(t *testing.T) {
	s, peer, _ := activeSession(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		peer.Exchange("HANGUP", "200 result=1")
		peer.ExpectClosed()
	}()

	if _, err := s.Hangup(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Terminate(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-done
}

func TestTerminate_HangupOtherChannelStillSendsOwn(t *testing.T) {
	s, peer, _ := activeSession(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		peer.Exchange("HANGUP SIP/other-2", "200 result=1")
		peer.Exchange("HANGUP", "200 result=1")
		peer.ExpectClosed()
	}()

	if _, err := s.Execute(context.Background(), "HANGUP SIP/other-2"); err != nil {
		t.Fatal(err)
	}
	if err := s.Terminate(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-done
}

func TestTerminate_SkipsHangupAfterChannelHungUp(t *testing.T) {
	s, peer, _ := activeSession(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		peer.Exchange("NOOP", "HANGUP")
		peer.Send("200 result=0")
		peer.ExpectClosed()
	}()

	if _, err := s.Noop(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	if err := s.Terminate(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-done
}

func TestTerminate_BeforeHandshake(t *testing.T) {
	s, _, _ := newSession(t)
	if err := s.Terminate(context.Background()); !errors.Is(err, ferr.ErrInvalidState) {
		t.Errorf("err = %v, want ErrInvalidState", err)
	}
	if s.State() != StateClosed {
		t.Errorf("state = %s", s.State())
	}
}

func TestClose_Idempotent(t *testing.T) {
	s, peer, rec := activeSession(t)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Close()
		}()
	}
	wg.Wait()
	s.Close()

	if n := rec.Count(events.SessionClosed); n != 1 {
		t.Errorf("session-closed events = %d, want 1", n)
	}
	peer.ExpectClosed()
	if _, err := s.Execute(context.Background(), "NOOP"); !errors.Is(err, ferr.ErrInvalidState) {
		t.Errorf("Execute after Close = %v", err)
	}
}

// ── End to end ───────────────────────────────────────────────────────

func TestSession_EndToEndTranscript(t *testing.T) {
	s, peer, rec := newSession(t)

	peerDone := make(chan struct{})
	go func() {
		defer close(peerDone)
		peer.SendEnv("agi_callerid: 15551234567", "agi_channel: SIP/x-1")
		peer.Exchange("ANSWER", "200 result=0")
		peer.Exchange("HANGUP", "200 result=1")
		peer.ExpectClosed()
	}()

	ctx := context.Background()
	if err := s.Handshake(ctx); err != nil {
		t.Fatal(err)
	}
	resp, err := s.Answer(ctx)
	if err != nil || !resp.OK() {
		t.Fatalf("Answer = %v, %v", resp, err)
	}
	time.Sleep(20 * time.Millisecond) // hold
	if err := s.Terminate(ctx); err != nil {
		t.Fatal(err)
	}
	<-peerDone

	want := []string{
		"> agi_callerid: 15551234567",
		"> agi_channel: SIP/x-1",
		"> ",
		"< ANSWER",
		"> 200 result=0",
		"< HANGUP",
		"> 200 result=1",
	}
	if got := peer.Transcript(); strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Errorf("transcript:\n%s\nwant:\n%s", strings.Join(got, "\n"), strings.Join(want, "\n"))
	}

	wantKinds := []events.Kind{
		events.SessionStarted,
		events.HandshakeComplete,
		events.CommandSent, events.CommandResult,
		events.CommandSent, events.CommandResult,
		events.SessionClosed,
	}
	if got := rec.Kinds("test-session"); !equalKinds(got, wantKinds) {
		t.Errorf("events = %v, want %v", got, wantKinds)
	}
}

func TestNew_DefaultID(t *testing.T) {
	conn, _ := agitest.Pipe(t)
	a := New(conn, Options{})
	defer a.Close()
	if len(a.ID()) != 36 {
		t.Errorf("ID = %q, want a UUID", a.ID())
	}
	if a.RemoteAddr() == "" {
		t.Error("RemoteAddr empty")
	}
}

func TestGetVariable(t *testing.T) {
	s, peer, _ := activeSession(t)

	go func() {
		peer.Exchange(`GET VARIABLE CALLERID`, "200 result=1 (15551234567)")
		peer.Exchange(`GET VARIABLE MISSING`, "200 result=0")
		peer.Exchange(`GET VARIABLE EXPR`, "200 result=1 (len(x))")
	}()

	v, ok, err := s.GetVariable(context.Background(), "CALLERID")
	if err != nil || !ok || v != "15551234567" {
		t.Errorf("GetVariable(CALLERID) = %q, %v, %v", v, ok, err)
	}
	v, ok, err = s.GetVariable(context.Background(), "MISSING")
	if err != nil || ok || v != "" {
		t.Errorf("GetVariable(MISSING) = %q, %v, %v", v, ok, err)
	}
	v, ok, err = s.GetVariable(context.Background(), "EXPR")
	if err != nil || !ok || v != "len(x)" {
		t.Errorf("GetVariable(EXPR) = %q, %v, %v", v, ok, err)
	}
}

func TestStateString(t *testing.T) {
	for st, want := range map[State]string{
		StateHandshake:   "handshake",
		StateActive:      "active",
		StateTerminating: "terminating",
		StateClosed:      "closed",
		State(42):        "unknown",
	} {
		if got := st.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", st, got, want)
		}
	}
}

func equalKinds(a, b []events.Kind) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
