package core

import (
	"context"
	"net"

	ferr "fastagi/internal/errors"
	"fastagi/util"
)

// ListenMode serves FastAGI on a local TCP port.
type ListenMode struct {
	Address string // "host:port"; port 0 picks a free one
	Server  *Server
	Logger  *util.Logger

	// OnListen, if set, is called with the bound address before the
	// first Accept.
	OnListen func(net.Addr)
}

// Run binds Address and serves until ctx is cancelled.  A bind failure
// is returned as a *errors.NetworkError with Op "listen".
func (m *ListenMode) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", m.Address)
	if err != nil {
		return &ferr.NetworkError{Op: "listen", Addr: m.Address, Err: err}
	}

	m.Logger.Info("FastAGI server listening on %s", ln.Addr())
	if m.OnListen != nil {
		m.OnListen(ln.Addr())
	}
	return m.Server.Serve(ctx, ln)
}
