// Package cmd wires up the CLI flags and starts the FastAGI server.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"fastagi/config"
	"fastagi/internal/core"
	ferr "fastagi/internal/errors"
	"fastagi/internal/handler"
	"fastagi/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X fastagi/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// Output streams; tests replace them.
var (
	stdout io.Writer = os.Stdout //nolint:gochecknoglobals
	stderr io.Writer = os.Stderr //nolint:gochecknoglobals
)

// Execute parses args and runs the server until ctx is cancelled.
//
// Settings come from defaults, then FASTAGI_* environment variables,
// then flags; each layer overrides the one before.
func Execute(ctx context.Context, args []string) error {
	cfg := config.Default()
	if err := config.LoadFromEnv(cfg); err != nil {
		return err
	}

	// CountVar zeroes its target on registration; -v adds to the
	// environment's level.
	envVerbose := cfg.Verbose

	fs := flag.NewFlagSet("fastagi", flag.ContinueOnError)
	fs.SetOutput(stderr)
	bindFlags(fs, cfg)

	var showVersion, showHelp bool
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")

	fs.Usage = func() { printUsage(fs) }

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg.Verbose += envVerbose
	if showHelp {
		printUsage(fs)
		return nil
	}
	if showVersion {
		fmt.Fprintf(stdout, "fastagi %s\n", version)
		return nil
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected argument %q (use --help for usage)", fs.Arg(0))
	}

	// ── resolve & validate ───────────────────────────────────────
	if err := cfg.Resolve(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := handler.Lookup(cfg.Handler, handler.Options{}); err != nil {
		return &ferr.ConfigError{Field: "handler", Value: cfg.Handler, Message: err.Error()}
	}

	if cfg.DryRun {
		printConfig(stdout, cfg)
		return nil
	}

	// ── build & run ──────────────────────────────────────────────
	logger := util.NewLogger(cfg.Verbose + 1)
	mode, err := core.Build(cfg, logger)
	if err != nil {
		return err
	}
	return mode.Run(ctx)
}

// bindFlags registers every flag against cfg, so values already loaded
// from the environment become the flag defaults.
func bindFlags(fs *flag.FlagSet, cfg *config.Config) {
	// ── listener ─────────────────────────────────────────────────
	fs.StringVar(&cfg.Host, "host", cfg.Host, "Address to bind (empty = all interfaces)")
	fs.IntVarP(&cfg.Port, "port", "p", cfg.Port, "TCP port to listen on")
	fs.IntVar(&cfg.MaxSessions, "max-sessions", cfg.MaxSessions, "Concurrent call limit (0 = unlimited)")
	fs.DurationVar(&cfg.GracePeriod, "grace", cfg.GracePeriod, "How long shutdown waits for calls in progress")

	// ── session ──────────────────────────────────────────────────
	fs.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", cfg.HandshakeTimeout, "Time allowed for the AGI environment block")
	fs.DurationVar(&cfg.IOTimeout, "io-timeout", cfg.IOTimeout, "Per-command read timeout (0 = none)")
	fs.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "Per-command write timeout (0 = use --io-timeout)")
	fs.IntVar(&cfg.MaxLineLength, "max-line", cfg.MaxLineLength, "Longest accepted protocol line in bytes")

	// ── call handling ────────────────────────────────────────────
	fs.StringVar(&cfg.Handler, "handler", cfg.Handler,
		"Call handler ("+strings.Join(handler.Names(), ", ")+")")
	fs.DurationVar(&cfg.Hold, "hold", cfg.Hold, "How long answer-hold keeps a call up")

	// ── reverse tunnel ───────────────────────────────────────────
	fs.StringVarP(&cfg.ReverseTunnelSpec, "reverse-tunnel", "R", cfg.ReverseTunnelSpec,
		"Serve through an SSH gateway at [user@]host[:port]")
	fs.IntVar(&cfg.RemotePort, "remote-port", cfg.RemotePort, "Port to open on the gateway")
	fs.StringVar(&cfg.RemoteBindAddress, "remote-bind-address", cfg.RemoteBindAddress,
		"Address to bind on the gateway (empty = server default)")
	fs.BoolVar(&cfg.CheckGatewayPorts, "gateway-ports-check", cfg.CheckGatewayPorts,
		"Fail unless the gateway allows binding all interfaces")
	fs.IntVar(&cfg.KeepAliveInterval, "keep-alive", cfg.KeepAliveInterval, "Gateway keepalive interval in seconds (0 = off)")
	fs.BoolVar(&cfg.AutoReconnect, "auto-reconnect", cfg.AutoReconnect, "Reconnect to the gateway when the link drops")

	fs.StringVarP(&cfg.SSHKeyPath, "ssh-key", "i", cfg.SSHKeyPath, "SSH private key file")
	fs.BoolVar(&cfg.SSHPassword, "ssh-password", cfg.SSHPassword, "Prompt for SSH password")
	fs.BoolVar(&cfg.UseSSHAgent, "ssh-agent", cfg.UseSSHAgent, "Use SSH agent")
	fs.BoolVar(&cfg.StrictHostKey, "strict-hostkey", cfg.StrictHostKey, "Verify SSH host keys")
	fs.StringVar(&cfg.KnownHostsPath, "known-hosts", cfg.KnownHostsPath, "Custom known_hosts path")

	// ── output ───────────────────────────────────────────────────
	fs.CountVarP(&cfg.Verbose, "verbose", "v", "Increase verbosity (repeatable)")
	fs.BoolVar(&cfg.DryRun, "dry-run", cfg.DryRun, "Validate and print the configuration, then exit")
}

// ── helpers ──────────────────────────────────────────────────────────

func printConfig(w io.Writer, cfg *config.Config) {
	p := func(k string, v interface{}) { fmt.Fprintf(w, "%-20s %v\n", k+":", v) }

	if cfg.ReverseTunnelEnabled {
		p("mode", "reverse-tunnel")
		p("gateway", fmt.Sprintf("%s@%s", cfg.ReverseTunnelUser, util.FormatAddr(cfg.ReverseTunnelHost, cfg.ReverseTunnelPort)))
		p("remote-port", cfg.RemotePort)
		if cfg.RemoteBindAddress != "" {
			p("remote-bind-address", cfg.RemoteBindAddress)
		}
		p("keep-alive", fmt.Sprintf("%ds", cfg.KeepAliveInterval))
		p("auto-reconnect", cfg.AutoReconnect)
	} else {
		p("mode", "listen")
		p("listen", cfg.ListenAddr())
	}
	p("handler", cfg.Handler)
	if cfg.Handler == "answer-hold" {
		p("hold", cfg.Hold)
	}
	p("handshake-timeout", cfg.HandshakeTimeout)
	p("io-timeout", cfg.IOTimeout)
	p("write-timeout", cfg.WriteTimeout)
	p("max-line", cfg.MaxLineLength)
	p("max-sessions", cfg.MaxSessions)
	p("grace", cfg.GracePeriod)
	p("verbose", cfg.Verbose)
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(stderr, `fastagi - FastAGI server for Asterisk v%s

Serves AGI calls over TCP.  Point the dialplan at it with
  exten => _X.,1,AGI(agi://<this host>:%d/)

Usage:
  fastagi [options]                               Listen locally
  fastagi -R user@pbx --remote-port 4573          Serve through an SSH gateway

Options:
`, version, config.DefaultPort)
	fs.PrintDefaults()
	fmt.Fprintf(stderr, `
Examples:
  fastagi -v                                      Listen on :%d, log calls
  fastagi --handler playback --max-sessions 50
  fastagi -R asterisk@pbx.example.com --remote-port 4573 --auto-reconnect

Every option can also be set through FASTAGI_<NAME> (e.g. FASTAGI_PORT).
`, config.DefaultPort)
}
