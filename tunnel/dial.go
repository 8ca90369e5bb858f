package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"golang.org/x/crypto/ssh"

	ferr "fastagi/internal/errors"
	"fastagi/util"
)

// dialSSH establishes an authenticated SSH connection to the gateway.
func (g *Gateway) dialSSH(ctx context.Context) (*ssh.Client, error) {
	cfg := g.cfg.SSH

	authMethods, err := BuildAuthMethods(cfg)
	if err != nil {
		return nil, ferr.WrapSSH("auth", cfg.Host, cfg.Port, err)
	}
	hkCb, err := hostKeyCallback(cfg)
	if err != nil {
		return nil, ferr.WrapSSH("hostkey", cfg.Host, cfg.Port, err)
	}

	sshCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            authMethods,
		HostKeyCallback: hkCb,
		Timeout:         cfg.ConnTimeout,
		BannerCallback: func(message string) error {
			g.logger.Verbose("gateway banner: %s", strings.TrimSpace(message))
			return nil
		},
	}

	addr := util.FormatAddr(cfg.Host, cfg.Port)
	g.logger.Debug("dialing SSH gateway %s as %s", addr, cfg.User)

	dialer := net.Dialer{Timeout: cfg.ConnTimeout}
	tcpConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, ferr.Wrap("dial", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, sshCfg)
	if err != nil {
		tcpConn.Close()
		op := "handshake"
		if strings.Contains(err.Error(), "unable to authenticate") {
			op = "auth"
		}
		return nil, ferr.WrapSSH(op, cfg.Host, cfg.Port, err)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// checkGatewayPorts asks for, then cancels, a forward on the wildcard
// address.  sshd refuses that unless GatewayPorts allows it, in which
// case Asterisk on another host could never reach the remote port.
func (g *Gateway) checkGatewayPorts() error {
	g.mu.Lock()
	client := g.client
	g.mu.Unlock()
	if client == nil {
		return ferr.ErrNotConnected
	}

	port, err := util.FindFreePort()
	if err != nil {
		return fmt.Errorf("finding probe port: %w", err)
	}
	msg := channelForwardMsg{Addr: "0.0.0.0", Port: uint32(port)}
	ok, _, err := client.SendRequest("tcpip-forward", true, ssh.Marshal(&msg))
	if err != nil {
		return ferr.WrapSSH("gateway-ports", g.cfg.SSH.Host, g.cfg.SSH.Port, err)
	}
	if !ok {
		return ferr.WrapSSH("gateway-ports", g.cfg.SSH.Host, g.cfg.SSH.Port, fmt.Errorf(
			"wildcard bind refused; set \"GatewayPorts yes\" or \"clientspecified\" in sshd_config"))
	}
	client.SendRequest("cancel-tcpip-forward", true, ssh.Marshal(&msg)) //nolint:errcheck
	g.logger.Debug("GatewayPorts check passed")
	return nil
}

// isAuthFailure reports errors that reconnecting cannot fix.
func isAuthFailure(err error) bool {
	var se *ferr.SSHError
	if errors.As(err, &se) {
		return se.Op == "auth" || se.Op == "hostkey"
	}
	return false
}
