// Package cmd wires up the CLI flags and runs the output server.
package cmd

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	flag "github.com/spf13/pflag"

	"udfdebug/config"
	"udfdebug/internal/core"
	"udfdebug/internal/metrics"
	"udfdebug/internal/sink"
	"udfdebug/tunnel"
	"udfdebug/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X udfdebug/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// stderr receives usage, dry-run and --stats output.
var stderr io.Writer = os.Stderr //nolint:gochecknoglobals

// Execute parses args and runs the output server until ctx is
// cancelled.  An interrupt is a normal shutdown and returns nil.
func Execute(ctx context.Context, args []string) error {
	cfg := config.Defaults()
	config.LoadFromEnv(cfg)
	envVerbose := cfg.Verbose

	fs := flag.NewFlagSet("udfdebug", flag.ContinueOnError)
	fs.SetOutput(stderr)

	// ── output server ────────────────────────────────────────────
	fs.StringVarP(&cfg.Host, "server", "s", cfg.Host, "Bind host (default: resolved local hostname, else 0.0.0.0)")
	fs.IntVarP(&cfg.Port, "port", "p", cfg.Port, "Bind port, 0 picks a free one")
	fs.StringVarP(&cfg.Output, "output", "o", cfg.Output, `Append records to FILE instead of stdout ("-" = stdout)`)
	fs.IntVar(&cfg.MaxLineLength, "max-line", cfg.MaxLineLength, "Longest accepted line in bytes, 0 = unlimited")
	fs.IntVar(&cfg.BindRetries, "bind-retries", cfg.BindRetries, "Retry an in-use bind address N times")
	fs.DurationVar(&cfg.GracePeriod, "grace", cfg.GracePeriod, "Wait this long for clients on interrupt before closing them")

	// ── reverse tunnel ───────────────────────────────────────────
	fs.StringVarP(&cfg.ReverseTunnelSpec, "reverse-tunnel", "R", cfg.ReverseTunnelSpec, "Also serve on an SSH gateway, [user@]host[:port]")
	fs.IntVar(&cfg.RemotePort, "remote-port", cfg.RemotePort, "Port to bind on the gateway, 0 lets it choose")
	fs.StringVar(&cfg.RemoteBindAddress, "remote-bind", cfg.RemoteBindAddress, "Address to bind on the gateway")
	fs.StringVar(&cfg.SSHKeyPath, "ssh-key", cfg.SSHKeyPath, "SSH private key file")
	fs.BoolVar(&cfg.SSHPassword, "ssh-password", cfg.SSHPassword, "Prompt for the SSH password")
	fs.BoolVar(&cfg.UseSSHAgent, "ssh-agent", cfg.UseSSHAgent, "Use the SSH agent")
	fs.BoolVar(&cfg.StrictHostKey, "strict-hostkey", cfg.StrictHostKey, "Verify the gateway host key")
	fs.StringVar(&cfg.KnownHostsPath, "known-hosts", cfg.KnownHostsPath, "Custom known_hosts path")
	fs.IntVar(&cfg.KeepAliveInterval, "keep-alive", cfg.KeepAliveInterval, "SSH keepalive interval in seconds")
	fs.Lookup("keep-alive").NoOptDefVal = strconv.Itoa(config.DefaultKeepAliveInterval)
	fs.BoolVar(&cfg.AutoReconnect, "auto-reconnect", cfg.AutoReconnect, "Reconnect the tunnel when it drops")

	// ── diagnostics ──────────────────────────────────────────────
	fs.CountVarP(&cfg.Verbose, "verbose", "v", "Increase verbosity (repeatable)")
	fs.BoolVar(&cfg.Stats, "stats", cfg.Stats, "Print a JSON metrics snapshot to stderr on exit")
	fs.BoolVar(&cfg.DryRun, "dry-run", false, "Validate the configuration and exit")

	var showVersion, showHelp bool
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")

	fs.Usage = func() { printUsage(fs) }

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		return err
	}
	if showHelp {
		printUsage(fs)
		return nil
	}
	if showVersion {
		fmt.Printf("udfdebug %s\n", version)
		return nil
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected argument %q (use --help for usage)", fs.Arg(0))
	}
	if !fs.Changed("verbose") {
		cfg.Verbose = envVerbose
	}

	if cfg.Host == "" {
		cfg.Host = util.DefaultBindHost()
	}
	if err := cfg.ApplyTunnelSpec(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if cfg.DryRun {
		printConfig(cfg)
		return nil
	}

	logger := util.NewLogger(cfg.Verbose)
	defer logger.Sync()

	return run(ctx, cfg, logger)
}

// run owns the sink, the server and the optional reverse forward.
func run(ctx context.Context, cfg *config.Config, logger *util.Logger) (err error) {
	out, err := sink.Open(cfg.Output)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close output: %w", cerr)
		}
	}()

	m := metrics.New()
	srv := &core.Server{
		Host:          cfg.Host,
		Port:          cfg.Port,
		Sink:          out,
		Logger:        logger,
		Metrics:       m,
		MaxLineLength: cfg.MaxLineLength,
		BindRetries:   cfg.BindRetries,
		GracePeriod:   cfg.GracePeriod,
	}

	addr, err := srv.Start(ctx)
	if err != nil {
		return err
	}
	if err := out.Printf(">>> bind the output server to %s:%d", cfg.Host, addr.Port); err != nil {
		srv.Close() //nolint:errcheck
		return err
	}

	if cfg.ReverseTunnelEnabled {
		fc := forwardConfig(cfg)
		fc.OnEstablished = func(remote net.Addr) {
			if err := out.Printf(">>> reverse tunnel listening on %s", remote); err != nil {
				logger.Error("output: %v", err)
			}
		}
		fwd, err := tunnel.Open(ctx, fc, logger, m)
		if err != nil {
			srv.Close() //nolint:errcheck
			return err
		}
		srv.Attach(fwd)
	}

	serveErr := srv.Serve(ctx)

	logger.Verbose("served %d session(s), %d record(s)", m.TotalSessions(), m.Records())
	if cfg.Stats {
		fmt.Fprintln(stderr, m.JSON())
	}
	return serveErr
}

func forwardConfig(cfg *config.Config) *tunnel.ForwardConfig {
	return &tunnel.ForwardConfig{
		SSH: &tunnel.SSHConfig{
			User:          cfg.ReverseTunnelUser,
			Host:          cfg.ReverseTunnelHost,
			Port:          cfg.ReverseTunnelPort,
			KeyPath:       cfg.SSHKeyPath,
			Password:      cfg.SSHPasswordText,
			PromptPass:    cfg.SSHPassword,
			UseAgent:      cfg.UseSSHAgent,
			StrictHostKey: cfg.StrictHostKey,
			KnownHosts:    cfg.KnownHostsPath,
			ConnTimeout:   config.DefaultConnTimeout,
		},
		RemoteBindAddress: cfg.RemoteBindAddress,
		RemotePort:        cfg.RemotePort,
		KeepAliveInterval: time.Duration(cfg.KeepAliveInterval) * time.Second,
		AutoReconnect:     cfg.AutoReconnect,
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func printConfig(cfg *config.Config) {
	output := cfg.Output
	if output == "" || output == sink.Stdout {
		output = "stdout"
	}
	maxLine := "unlimited"
	if cfg.MaxLineLength > 0 {
		maxLine = strconv.Itoa(cfg.MaxLineLength) + " bytes"
	}
	fmt.Fprintf(stderr, "bind:      %s\n", util.FormatAddr(cfg.Host, cfg.Port))
	fmt.Fprintf(stderr, "output:    %s\n", output)
	fmt.Fprintf(stderr, "max line:  %s\n", maxLine)
	fmt.Fprintf(stderr, "grace:     %v\n", cfg.GracePeriod)
	if cfg.ReverseTunnelEnabled {
		fmt.Fprintf(stderr, "tunnel:    %s@%s:%d, remote %s\n",
			cfg.ReverseTunnelUser, cfg.ReverseTunnelHost, cfg.ReverseTunnelPort,
			util.FormatAddr(cfg.RemoteBindAddress, cfg.RemotePort))
	}
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(stderr, `udfdebug v%s

Collects debug output from UDFs running inside a database: every client
connects over TCP and sends text lines, each complete line is printed
prefixed with the client address.

Usage:
  udfdebug [options]

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(stderr, `
Examples:
  udfdebug                                   Listen on <hostname>:3000
  udfdebug -s 0.0.0.0 -p 4000 -o udf.log     All interfaces, append to udf.log
  udfdebug -p 0 -v                           Pick a free port, log connections
  udfdebug -R deploy@gateway --remote-port 3000 --auto-reconnect
                                             Also reachable via an SSH gateway
  echo "hello" | nc <host> 3000              Send a line from a shell
`)
}
