// Package agitest provides a scripted stand-in for Asterisk's side of a
// FastAGI connection.  Tests use it to send the environment block, read
// the commands the server issues, and answer them line by line.
package agitest

import (
	"bufio"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// DefaultTimeout bounds every blocking Peer operation.
const DefaultTimeout = 5 * time.Second

// Peer is the switch end of one call.  Methods report problems with
// t.Errorf, so they are safe to call from helper goroutines; those that
// can fail also return false so the caller can stop the script early.
type Peer struct {
	t       testing.TB
	conn    net.Conn
	r       *bufio.Reader
	Timeout time.Duration

	mu         sync.Mutex
	transcript []string
}

// Pipe returns the server side of a loopback TCP connection and a Peer
// driving the other side.  Both are closed on test cleanup.
func Pipe(t testing.TB) (net.Conn, *Peer) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	peer := Dial(t, ln.Addr().String())
	server, ok := <-accepted
	if !ok {
		t.Fatal("agitest: accept failed")
	}
	t.Cleanup(func() { server.Close() })
	return server, peer
}

// Dial connects a Peer to a running FastAGI server.
func Dial(t testing.TB, addr string) *Peer {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, DefaultTimeout)
	if err != nil {
		t.Fatalf("agitest: dial %s: %v", addr, err)
	}
	p := &Peer{t: t, conn: conn, r: bufio.NewReader(conn), Timeout: DefaultTimeout}
	t.Cleanup(func() { conn.Close() })
	return p
}

// Send writes each line followed by LF.
func (p *Peer) Send(lines ...string) bool {
	for _, l := range lines {
		p.record("> " + l)
		p.conn.SetWriteDeadline(time.Now().Add(p.Timeout)) //nolint:errcheck
		if _, err := io.WriteString(p.conn, l+"\n"); err != nil {
			p.t.Errorf("agitest: send %q: %v", l, err)
			return false
		}
	}
	return true
}

// SendEnv writes "key: value" lines followed by the blank terminator.
func (p *Peer) SendEnv(lines ...string) bool {
	return p.Send(append(lines, "")...)
}

// Next reads the next command line from the server.
func (p *Peer) Next() (string, error) {
	p.conn.SetReadDeadline(time.Now().Add(p.Timeout)) //nolint:errcheck
	line, err := p.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	p.record("< " + line)
	return line, nil
}

// Expect reads one command and checks it equals want.
func (p *Peer) Expect(want string) bool {
	got, err := p.Next()
	if err != nil {
		p.t.Errorf("agitest: waiting for %q: %v", want, err)
		return false
	}
	if got != want {
		p.t.Errorf("agitest: got command %q, want %q", got, want)
		return false
	}
	return true
}

// Exchange expects cmd and answers with reply.
func (p *Peer) Exchange(cmd, reply string) bool {
	return p.Expect(cmd) && p.Send(reply)
}

// ExpectClosed waits for the server to close the connection without
// sending anything further.
func (p *Peer) ExpectClosed() bool {
	line, err := p.Next()
	switch {
	case err == nil:
		p.t.Errorf("agitest: expected close, got command %q", line)
		return false
	case errors.Is(err, io.EOF):
		return true
	default:
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			p.t.Errorf("agitest: server did not close the connection within %v", p.Timeout)
			return false
		}
		// A reset also means the socket is gone.
		return true
	}
}

// Close hangs up the peer's end of the socket.
func (p *Peer) Close() error { return p.conn.Close() }

// Transcript returns every line exchanged so far, prefixed with "> "
// for lines the peer sent and "< " for lines it received.
func (p *Peer) Transcript() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.transcript...)
}

func (p *Peer) record(s string) {
	p.mu.Lock()
	p.transcript = append(p.transcript, s)
	p.mu.Unlock()
}
