package core

import (
	"context"
	"fmt"

	"fastagi/internal/metrics"
	"fastagi/tunnel"
	"fastagi/util"
)

// ReverseTunnelMode serves FastAGI on a port opened on an SSH gateway,
// for servers that Asterisk cannot reach directly.  This is the Go
// equivalent of running the server behind ssh -R.
type ReverseTunnelMode struct {
	Gateway tunnel.GatewayConfig
	Server  *Server
	Logger  *util.Logger
	Metrics *metrics.Collector
}

// Run opens the gateway and serves until ctx is cancelled or the
// gateway is lost for good.
func (m *ReverseTunnelMode) Run(ctx context.Context) error {
	ssh := m.Gateway.SSH
	m.Logger.Verbose("opening reverse tunnel: %s@%s:%d remote-port=%d",
		ssh.User, ssh.Host, ssh.Port, m.Gateway.RemotePort)

	gw, err := tunnel.Open(ctx, m.Gateway, m.Logger, m.Metrics)
	if err != nil {
		return fmt.Errorf("reverse tunnel: %w", err)
	}
	defer gw.Close()

	return m.Server.Serve(ctx, gw)
}
