package tunnel

// Go's ssh.Client.Listen matches forwarded-tcpip channels against the
// exact bind address it sent.  Some servers echo back a different one
// ("0.0.0.0" for ""), and the library then rejects every channel.  The
// listener below registers its own forwarded-tcpip handler and accepts
// every channel on the connection.

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"
)

// ── Wire format structs (RFC 4254) ──────────────────────────────────

// channelForwardMsg is the payload of "tcpip-forward" and
// "cancel-tcpip-forward" (RFC 4254 §7.1).
type channelForwardMsg struct {
	Addr string
	Port uint32
}

// forwardedTCPPayload is the channel-open payload for
// "forwarded-tcpip" (RFC 4254 §7.2).
type forwardedTCPPayload struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

// ── forwardListener ─────────────────────────────────────────────────

type forwardListener struct {
	client   *ssh.Client
	bindAddr string
	bindPort uint32
	incoming <-chan ssh.NewChannel
	done     chan struct{}
	once     sync.Once
}

func (l *forwardListener) Accept() (net.Conn, error) {
	select {
	case <-l.done:
		return nil, net.ErrClosed
	case newCh, ok := <-l.incoming:
		if !ok {
			// The SSH connection is gone.
			return nil, io.EOF
		}
		ch, reqs, err := newCh.Accept()
		if err != nil {
			return nil, fmt.Errorf("channel accept: %w", err)
		}
		go ssh.DiscardRequests(reqs)

		var raddr net.Addr = &net.TCPAddr{}
		var payload forwardedTCPPayload
		if err := ssh.Unmarshal(newCh.ExtraData(), &payload); err == nil {
			raddr = &net.TCPAddr{IP: net.ParseIP(payload.OriginAddr), Port: int(payload.OriginPort)}
		}
		return newChanConn(ch, raddr), nil
	}
}

// Close cancels the remote forward and unblocks Accept.
func (l *forwardListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		msg := channelForwardMsg{Addr: l.bindAddr, Port: l.bindPort}
		l.client.SendRequest("cancel-tcpip-forward", true, ssh.Marshal(&msg)) //nolint:errcheck
	})
	return nil
}

func (l *forwardListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.ParseIP(l.bindAddr), Port: int(l.bindPort)}
}

// listenRemoteForward sends tcpip-forward and returns a listener for
// the channels the server opens back.
func listenRemoteForward(client *ssh.Client, bindAddr string, bindPort int) (net.Listener, error) {
	incoming := client.HandleChannelOpen("forwarded-tcpip")
	if incoming == nil {
		return nil, fmt.Errorf("forwarded-tcpip handler already registered")
	}

	msg := channelForwardMsg{Addr: bindAddr, Port: uint32(bindPort)}
	ok, reply, err := client.SendRequest("tcpip-forward", true, ssh.Marshal(&msg))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("tcpip-forward %s:%d denied by gateway", bindAddr, bindPort)
	}
	if bindPort == 0 && len(reply) >= 4 {
		// The server picked the port (RFC 4254 §7.1).
		var p struct{ Port uint32 }
		if ssh.Unmarshal(reply, &p) == nil {
			msg.Port = p.Port
		}
	}

	return &forwardListener{
		client:   client,
		bindAddr: bindAddr,
		bindPort: msg.Port,
		incoming: incoming,
		done:     make(chan struct{}),
	}, nil
}

// ── chanConn ─────────────────────────────────────────────────────────

// chanConn adapts an ssh.Channel to net.Conn.  SSH channels have no
// deadlines, so an expiring deadline closes the channel: the blocked
// call fails with os.ErrDeadlineExceeded and the connection is done.
// That is all a FastAGI session needs, since any timeout ends the call.
type chanConn struct {
	ssh.Channel
	raddr net.Addr

	mu      sync.Mutex
	rtimer  *time.Timer
	wtimer  *time.Timer
	expired atomic.Bool
}

func newChanConn(ch ssh.Channel, raddr net.Addr) *chanConn {
	return &chanConn{Channel: ch, raddr: raddr}
}

func (c *chanConn) Read(p []byte) (int, error) {
	n, err := c.Channel.Read(p)
	if err != nil && c.expired.Load() {
		err = os.ErrDeadlineExceeded
	}
	return n, err
}

func (c *chanConn) Write(p []byte) (int, error) {
	n, err := c.Channel.Write(p)
	if err != nil && c.expired.Load() {
		err = os.ErrDeadlineExceeded
	}
	return n, err
}

func (c *chanConn) Close() error {
	c.mu.Lock()
	stopTimer(c.rtimer)
	stopTimer(c.wtimer)
	c.mu.Unlock()
	return c.Channel.Close()
}

func (c *chanConn) LocalAddr() net.Addr  { return &net.TCPAddr{} }
func (c *chanConn) RemoteAddr() net.Addr { return c.raddr }

func (c *chanConn) SetDeadline(t time.Time) error {
	c.SetReadDeadline(t)  //nolint:errcheck
	c.SetWriteDeadline(t) //nolint:errcheck
	return nil
}

func (c *chanConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rtimer = c.arm(c.rtimer, t)
	return nil
}

func (c *chanConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wtimer = c.arm(c.wtimer, t)
	return nil
}

// arm replaces old with a timer firing at t.  A zero t clears it.
func (c *chanConn) arm(old *time.Timer, t time.Time) *time.Timer {
	stopTimer(old)
	if t.IsZero() {
		return nil
	}
	return time.AfterFunc(time.Until(t), func() {
		c.expired.Store(true)
		c.Channel.Close()
	})
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
