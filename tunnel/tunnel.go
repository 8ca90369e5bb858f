// Package tunnel serves FastAGI from behind NAT.  A Gateway logs in to
// an SSH server (typically the Asterisk host itself), asks it to listen
// on a port (ssh -R), and hands every connection arriving there to the
// caller as a net.Conn, exactly as a local net.Listener would.
//
// Files:
//
//   - tunnel.go    - Gateway lifecycle, Accept, reconnection
//   - dial.go      - SSH dialling and GatewayPorts probing
//   - listener.go  - forwarded-tcpip listener and the channel net.Conn
//   - keepalive.go - liveness probing
//   - auth.go      - authentication methods and host-key checking
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	ferr "fastagi/internal/errors"
	"fastagi/internal/metrics"
	"fastagi/internal/retry"
	"fastagi/util"
)

// SSHConfig holds everything needed to log in to the gateway.
type SSHConfig struct {
	User          string
	Host          string
	Port          int
	KeyPath       string
	PromptPass    bool
	UseAgent      bool
	StrictHostKey bool
	KnownHosts    string
	ConnTimeout   time.Duration

	// Prompt reads a secret from the operator; nil reads the terminal.
	Prompt PromptFunc
}

// GatewayConfig describes the remote listener.
type GatewayConfig struct {
	SSH               *SSHConfig
	RemoteBindAddress string // "" lets the server decide
	RemotePort        int
	CheckGatewayPorts bool
	KeepAliveInterval time.Duration // 0 disables keepalive
	AutoReconnect     bool
	Backoff           *retry.Backoff // reconnect schedule; nil = retry.DefaultBackoff
}

// Gateway is a net.Listener whose connections arrive through an SSH
// remote port forward.  Accept is meant for a single accept loop.
type Gateway struct {
	cfg     GatewayConfig
	logger  *util.Logger
	metrics *metrics.Collector

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	client *ssh.Client
	ln     net.Listener
	closed bool
}

// Open logs in to the gateway and requests the remote listener.  The
// metrics collector may be nil.  Cancelling ctx closes the Gateway.
func Open(ctx context.Context, cfg GatewayConfig, logger *util.Logger, m *metrics.Collector) (*Gateway, error) {
	if cfg.SSH == nil {
		return nil, errors.New("tunnel: SSH config is required")
	}
	if cfg.SSH.Port == 0 {
		cfg.SSH.Port = 22
	}
	if cfg.SSH.ConnTimeout == 0 {
		cfg.SSH.ConnTimeout = 30 * time.Second
	}
	if cfg.Backoff == nil {
		cfg.Backoff = retry.DefaultBackoff()
	}

	g := &Gateway{cfg: cfg, logger: logger, metrics: m}
	g.ctx, g.cancel = context.WithCancel(ctx)

	if err := g.connect(); err != nil {
		g.cancel()
		return nil, err
	}
	if cfg.CheckGatewayPorts {
		if err := g.checkGatewayPorts(); err != nil {
			g.Close()
			return nil, err
		}
	}

	context.AfterFunc(g.ctx, func() { g.Close() })
	logger.Info("serving AGI on %s via SSH gateway %s@%s:%d",
		g.remoteAddr(), cfg.SSH.User, cfg.SSH.Host, cfg.SSH.Port)
	return g, nil
}

// connect dials, requests the forward and starts keepalive.
func (g *Gateway) connect() error {
	client, err := g.dialSSH(g.ctx)
	if err != nil {
		return err
	}
	ln, err := listenRemoteForward(client, g.cfg.RemoteBindAddress, g.cfg.RemotePort)
	if err != nil {
		client.Close()
		return ferr.WrapSSH("forward "+g.remoteAddr(), g.cfg.SSH.Host, g.cfg.SSH.Port, err)
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		ln.Close()
		client.Close()
		return net.ErrClosed
	}
	g.client, g.ln = client, ln
	// Add under mu: once Close has set closed, no new goroutine may
	// join the group it waits on.
	keepalive := g.cfg.KeepAliveInterval > 0
	if keepalive {
		g.wg.Add(1)
	}
	g.mu.Unlock()

	if keepalive {
		go g.keepalive(client, ln)
	}
	return nil
}

// Accept waits for the next call.  When the SSH connection drops and
// AutoReconnect is set, Accept reconnects and keeps waiting; otherwise
// the failure is returned.  After Close it returns net.ErrClosed.
func (g *Gateway) Accept() (net.Conn, error) {
	for {
		g.mu.Lock()
		ln, closed := g.ln, g.closed
		g.mu.Unlock()
		if closed || ln == nil {
			return nil, net.ErrClosed
		}

		conn, err := ln.Accept()
		if err == nil {
			return conn, nil
		}
		if g.isClosed() {
			return nil, net.ErrClosed
		}
		if !g.cfg.AutoReconnect {
			return nil, ferr.WrapSSH("accept", g.cfg.SSH.Host, g.cfg.SSH.Port, err)
		}
		g.logger.Warn("gateway connection lost: %v", err)
		if err := g.reconnect(); err != nil {
			return nil, err
		}
	}
}

// reconnect replaces the SSH client and the forward, pacing attempts
// with the configured backoff.  Authentication failures are final.
func (g *Gateway) reconnect() error {
	g.teardown()
	g.metrics.TunnelReconnect()

	err := g.cfg.Backoff.Do(g.ctx, func(attempt int) error {
		g.logger.Info("reconnecting to gateway (attempt %d)", attempt)
		err := g.connect()
		switch {
		case err == nil:
			return nil
		case errors.Is(err, net.ErrClosed):
			return retry.Permanent(err)
		case isAuthFailure(err):
			return retry.Permanent(err)
		}
		g.metrics.RecordError(fmt.Sprintf("reconnect attempt %d: %v", attempt, err))
		g.logger.Warn("reconnect attempt %d: %v", attempt, err)
		return err
	})
	if err != nil {
		if g.isClosed() {
			return net.ErrClosed
		}
		return fmt.Errorf("gateway reconnect: %w", err)
	}
	g.logger.Info("gateway reconnected")
	return nil
}

// teardown drops the current client and forward without closing the
// Gateway.
func (g *Gateway) teardown() {
	g.mu.Lock()
	ln, client := g.ln, g.client
	g.ln, g.client = nil, nil
	g.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	if client != nil {
		client.Close()
	}
}

// Close cancels the remote forward and logs out.  Connections already
// accepted are left to their owners.  Safe to call more than once.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	ln, client := g.ln, g.client
	g.ln, g.client = nil, nil
	g.mu.Unlock()

	g.cancel()
	var errs []error
	if ln != nil {
		if err := ln.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if client != nil {
		if err := client.Close(); err != nil && !util.IsClosedErr(err) {
			errs = append(errs, err)
		}
	}
	g.wg.Wait()
	return errors.Join(errs...)
}

// Addr returns the address bound on the gateway.
func (g *Gateway) Addr() net.Addr {
	return &net.TCPAddr{IP: net.ParseIP(g.cfg.RemoteBindAddress), Port: g.cfg.RemotePort}
}

func (g *Gateway) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

func (g *Gateway) remoteAddr() string {
	return net.JoinHostPort(g.cfg.RemoteBindAddress, fmt.Sprint(g.cfg.RemotePort))
}
