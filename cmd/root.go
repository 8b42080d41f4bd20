// Package cmd wires up the CLI flags and dispatches to the core modes.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	flag "github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"

	"socketkit/config"
	"socketkit/internal/core"
	"socketkit/internal/metrics"
	"socketkit/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X socketkit/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// options are the flags that are not part of config.Config.
type options struct {
	configPath       string
	connectTimeoutMs int
	readTimeoutMs    int
	showVersion      bool
	showHelp         bool
}

// Execute parses args and runs the appropriate socketkit mode.
//
// Settings are layered defaults < --config file < SOCKETKIT_* env <
// flags.  Flags are parsed twice: once to find --config, then again
// over the loaded values so only flags given on the command line win.
func Execute(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printUsage(newFlagSet(config.Defaults(), &options{}))
		return nil
	}

	var probe options
	if err := newFlagSet(config.Defaults(), &probe).Parse(args); err != nil {
		return err
	}

	cfg := config.Defaults()
	if probe.configPath != "" {
		if err := config.LoadFile(probe.configPath, cfg); err != nil {
			return err
		}
	}
	config.LoadFromEnv(cfg)

	var opts options
	fs := newFlagSet(cfg, &opts)
	if err := fs.Parse(args); err != nil {
		return err
	}

	if opts.showHelp {
		printUsage(fs)
		return nil
	}
	if opts.showVersion {
		fmt.Printf("socketkit %s\n", version)
		return nil
	}

	cfg.ConnectTimeout = time.Duration(opts.connectTimeoutMs) * time.Millisecond
	cfg.ReadTimeout = time.Duration(opts.readTimeoutMs) * time.Millisecond

	// ── positional arguments ─────────────────────────────────────
	if err := parsePositional(cfg, fs.Args()); err != nil {
		return err
	}

	// ── tunnel spec + validate ───────────────────────────────────
	if err := cfg.ApplyTunnelSpec(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// ── build components ─────────────────────────────────────────
	logger := util.NewLogger(cfg.Verbose)
	if cfg.LogFile != "" {
		sink := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    config.DefaultLogMaxSizeMB,
			MaxBackups: config.DefaultLogMaxBackups,
			MaxAge:     config.DefaultLogMaxAgeDays,
			Compress:   true,
		}
		defer sink.Close()
		logger.SetOutput(sink)
		logger.SetTimestamps(true)
	}

	m := metrics.New()
	mode, err := core.Build(cfg, logger, m)
	if err != nil {
		return err
	}

	if cfg.DryRun {
		fmt.Fprintf(os.Stderr, "dry run: %s\n", describe(mode))
		return closeMode(mode)
	}

	if cfg.MetricsAddr != "" {
		stop, err := serveMetrics(cfg.MetricsAddr, m, logger)
		if err != nil {
			closeMode(mode)
			return err
		}
		defer stop()
	}

	err = mode.Run(ctx)
	logger.Verbose("metrics: %s", m.JSON())
	return err
}

// newFlagSet binds every flag to cfg and opts, using the current cfg
// values as defaults.
func newFlagSet(cfg *config.Config, opts *options) *flag.FlagSet {
	fs := flag.NewFlagSet("socketkit", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	// ── mode ─────────────────────────────────────────────────────
	fs.BoolVarP(&cfg.Listen, "listen", "l", cfg.Listen, "Run the multiplexing echo server")
	fs.BoolVarP(&cfg.Session, "session", "s", cfg.Session, "Keep one connection open, one exchange per stdin line")
	fs.IntVarP(&cfg.LocalPort, "port", "p", cfg.LocalPort, "Listen port (with -l) or local source port")
	fs.BoolVarP(&cfg.NoDNS, "no-dns", "n", cfg.NoDNS, "Numeric-only, no DNS resolution")

	// ── payload ──────────────────────────────────────────────────
	fs.StringVarP(&cfg.Data, "data", "d", cfg.Data, "Payload to send (default: read stdin)")
	fs.StringVarP(&cfg.Charset, "charset", "C", cfg.Charset, "Charset for payloads and server requests")
	fs.StringVar(&cfg.DecodeCharset, "decode-charset", cfg.DecodeCharset, "Charset for decoding replies (default: UTF-8, or --charset with -s)")

	// ── I/O bounds ───────────────────────────────────────────────
	fs.IntVar(&opts.connectTimeoutMs, "connect-timeout", int(cfg.ConnectTimeout/time.Millisecond), "Connect timeout in milliseconds")
	fs.IntVar(&opts.readTimeoutMs, "read-timeout", int(cfg.ReadTimeout/time.Millisecond), "Read timeout in milliseconds")
	fs.IntVar(&cfg.ReadBufferSize, "read-buffer", cfg.ReadBufferSize, "Size of the single bounded read in bytes")
	fs.IntVar(&cfg.Retries, "retries", cfg.Retries, "Retries after timeouts and resets (clients)")
	fs.IntVar(&cfg.Breaker, "breaker", cfg.Breaker, "Consecutive failures before giving up on an endpoint (one-shot send, 0 = off)")

	// ── server ───────────────────────────────────────────────────
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Handler worker goroutines (with -l)")
	fs.IntVar(&cfg.QueueSize, "queue", cfg.QueueSize, "Handler job queue size (with -l)")
	fs.IntVar(&cfg.MaxPending, "max-pending", cfg.MaxPending, "Unanswered chunks per peer before reads pause (with -l)")

	// ── SSH tunnel ───────────────────────────────────────────────
	fs.StringVarP(&cfg.TunnelSpec, "tunnel", "T", cfg.TunnelSpec, "SSH jump host [user@]host[:port]")
	fs.StringVar(&cfg.SSHKeyPath, "ssh-key", cfg.SSHKeyPath, "SSH private key file")
	fs.BoolVar(&cfg.SSHPassword, "ssh-password", cfg.SSHPassword, "Prompt for SSH password")
	fs.BoolVar(&cfg.UseSSHAgent, "ssh-agent", cfg.UseSSHAgent, "Use SSH agent")
	fs.BoolVar(&cfg.StrictHostKey, "strict-hostkey", cfg.StrictHostKey, "Verify SSH host keys")
	fs.StringVar(&cfg.KnownHostsPath, "known-hosts", cfg.KnownHostsPath, "Custom known_hosts path")

	// ── output ───────────────────────────────────────────────────
	verbose := cfg.Verbose
	fs.CountVarP(&cfg.Verbose, "verbose", "v", "Increase verbosity (repeatable)")
	cfg.Verbose = verbose // -v counts up from the env/file level
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "Write logs to a rotating file instead of stderr")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Serve Prometheus metrics on this address")
	fs.StringVar(&opts.configPath, "config", "", "Load settings from a YAML, TOML or JSON file")
	fs.BoolVar(&cfg.DryRun, "dry-run", false, "Validate and print the mode without running it")

	fs.BoolVar(&opts.showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&opts.showHelp, "help", "h", false, "Show this help")

	fs.Usage = func() { printUsage(fs) }
	return fs
}

// ── helpers ──────────────────────────────────────────────────────────

func parsePositional(cfg *config.Config, remaining []string) error {
	if cfg.Listen {
		switch len(remaining) {
		case 0: // socketkit -l -p PORT
		case 1:
			cfg.BindAddress = remaining[0]
		case 2:
			cfg.BindAddress = remaining[0]
			port, err := config.ParsePort(remaining[1])
			if err != nil {
				return fmt.Errorf("port: %w", err)
			}
			cfg.LocalPort = port
		default:
			return fmt.Errorf("too many arguments for listen mode")
		}
		return nil
	}

	switch len(remaining) {
	case 0:
		if cfg.Host == "" {
			return fmt.Errorf("hostname required (use --help for usage)")
		}
		if cfg.Port == 0 {
			return fmt.Errorf("port required")
		}
	case 1:
		return fmt.Errorf("port required")
	case 2:
		port, err := config.ParsePort(remaining[1])
		if err != nil {
			return fmt.Errorf("port %q: %w", remaining[1], err)
		}
		cfg.Host, cfg.Port = remaining[0], port
	default:
		return fmt.Errorf("too many arguments: want host port")
	}
	return nil
}

// serveMetrics exposes m on addr until the returned stop is called.
func serveMetrics(addr string, m *metrics.Collector, logger *util.Logger) (stop func(), err error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(m))
	mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, m.JSON())
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server: %v", err)
		}
	}()
	logger.Verbose("metrics on http://%s/metrics", ln.Addr())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}, nil
}

func describe(mode core.Mode) string {
	if s, ok := mode.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", mode)
}

// closeMode releases what Build acquired for a mode that never runs.
func closeMode(mode core.Mode) error {
	if c, ok := mode.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `socketkit - socket communication toolkit v%s

Usage:
  socketkit [options] <host> <port>           Send one payload, print the reply
  socketkit -s [options] <host> <port>        Session: one exchange per stdin line
  socketkit -l -p <port> [options]            Multiplexing echo server
  socketkit -T user@gateway <host> <port>     Through an SSH jump host

Options:
`, version)
	fs.SetOutput(os.Stderr)
	fs.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Examples:
  socketkit -d "PING" cache.internal 7000           One-shot request
  echo "안녕" | socketkit -C EUC-KR legacy.host 9000  Legacy charset
  socketkit -s --retries 3 db-proxy 5000 < queries   Persistent session
  socketkit -l -p 9000 --workers 16 -v               Echo server
`)
}
