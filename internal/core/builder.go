package core

import (
	"time"

	"fastagi/config"
	"fastagi/internal/events"
	"fastagi/internal/handler"
	"fastagi/internal/metrics"
	"fastagi/tunnel"
	"fastagi/util"
)

// Build constructs the Mode described by cfg.  cfg must already be
// resolved and validated.
func Build(cfg *config.Config, logger *util.Logger) (Mode, error) {
	h, err := handler.Lookup(cfg.Handler, handler.Options{Hold: cfg.Hold})
	if err != nil {
		return nil, err
	}

	collector := metrics.New()
	srv := &Server{
		Handler:          h,
		Sink:             events.Multi{events.NewLogSink(logger), collector},
		Logger:           logger,
		Metrics:          collector,
		HandshakeTimeout: cfg.HandshakeTimeout,
		IOTimeout:        cfg.IOTimeout,
		WriteTimeout:     cfg.WriteTimeout,
		MaxLineLength:    cfg.MaxLineLength,
		MaxSessions:      cfg.MaxSessions,
		GracePeriod:      cfg.GracePeriod,
	}

	if cfg.ReverseTunnelEnabled {
		return buildReverseTunnel(cfg, srv, logger, collector), nil
	}
	return &ListenMode{
		Address: cfg.ListenAddr(),
		Server:  srv,
		Logger:  logger,
	}, nil
}

func buildReverseTunnel(cfg *config.Config, srv *Server, logger *util.Logger, m *metrics.Collector) Mode {
	var keepAlive time.Duration
	if cfg.KeepAliveInterval > 0 {
		keepAlive = time.Duration(cfg.KeepAliveInterval) * time.Second
	}

	return &ReverseTunnelMode{
		Gateway: tunnel.GatewayConfig{
			SSH: &tunnel.SSHConfig{
				User:          cfg.ReverseTunnelUser,
				Host:          cfg.ReverseTunnelHost,
				Port:          cfg.ReverseTunnelPort,
				KeyPath:       cfg.SSHKeyPath,
				PromptPass:    cfg.SSHPassword,
				UseAgent:      cfg.UseSSHAgent,
				StrictHostKey: cfg.StrictHostKey,
				KnownHosts:    cfg.KnownHostsPath,
				ConnTimeout:   config.DefaultConnTimeout,
			},
			RemoteBindAddress: cfg.RemoteBindAddress,
			RemotePort:        cfg.RemotePort,
			CheckGatewayPorts: cfg.CheckGatewayPorts,
			KeepAliveInterval: keepAlive,
			AutoReconnect:     cfg.AutoReconnect,
		},
		Server:  srv,
		Logger:  logger,
		Metrics: m,
	}
}
