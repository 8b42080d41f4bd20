package core

import (
	"net"
	"strconv"
	"time"

	"socketkit/config"
	"socketkit/internal/connector"
	"socketkit/internal/metrics"
	"socketkit/internal/retry"
	"socketkit/internal/server"
	"socketkit/internal/session"
	"socketkit/internal/transport"
	"socketkit/tunnel"
	"socketkit/util"
)

// Build constructs the appropriate Mode from a validated configuration.
// m may be nil.
func Build(cfg *config.Config, logger *util.Logger, m *metrics.Collector) (Mode, error) {
	switch {
	case cfg.Listen:
		return buildServe(cfg, logger, m)
	case cfg.Session:
		return buildSession(cfg, logger, m)
	default:
		return buildSend(cfg, logger, m)
	}
}

// ── mode builders ────────────────────────────────────────────────────

func buildSend(cfg *config.Config, logger *util.Logger, m *metrics.Collector) (Mode, error) {
	ep, err := endpoint(cfg)
	if err != nil {
		return nil, err
	}

	dialer := buildDialer(cfg, logger)
	c, err := connector.New(&connector.Config{
		Dialer:         dialer,
		ConnectTimeout: cfg.ConnectTimeout,
		ReadTimeout:    cfg.ReadTimeout,
		ReadBufferSize: cfg.ReadBufferSize,
		DecodeCharset:  cfg.DecodeCharset,
		Retry:          buildRetry(cfg, logger),
		Breaker:        buildBreaker(cfg, logger),
	}, logger, m)
	if err != nil {
		dialer.Close()
		return nil, err
	}

	return &SendMode{
		Connector: c,
		Endpoint:  ep,
		Charset:   cfg.Charset,
		Data:      cfg.Data,
		Logger:    logger,
	}, nil
}

func buildSession(cfg *config.Config, logger *util.Logger, m *metrics.Collector) (Mode, error) {
	ep, err := endpoint(cfg)
	if err != nil {
		return nil, err
	}

	dialer := buildDialer(cfg, logger)
	sess := session.New(&session.Config{
		Dialer:         dialer,
		ConnectTimeout: cfg.ConnectTimeout,
		ReadTimeout:    cfg.ReadTimeout,
		ReadBufferSize: cfg.ReadBufferSize,
		DecodeCharset:  cfg.DecodeCharset,
		Retry:          buildRetry(cfg, logger),
	}, logger, m)

	return &SessionMode{
		Session:   sess,
		Dialer:    dialer,
		Endpoint:  ep,
		Charset:   cfg.Charset,
		Reconnect: cfg.Retries > 0,
		Logger:    logger,
	}, nil
}

func buildServe(cfg *config.Config, logger *util.Logger, m *metrics.Collector) (Mode, error) {
	address := net.JoinHostPort(cfg.BindAddress, strconv.Itoa(cfg.LocalPort))

	s, err := server.New(&server.Config{
		Address:        address,
		Charset:        cfg.Charset,
		Workers:        cfg.Workers,
		QueueSize:      cfg.QueueSize,
		ReadBufferSize: cfg.ReadBufferSize,
		MaxPending:     cfg.MaxPending,
		ConnState: func(id uint64, remote string, state server.PeerState) {
			logger.Debug("peer %d (%s): %s", id, remote, state)
		},
	}, logEcho(logger), logger, m)
	if err != nil {
		return nil, err
	}

	return &ServeMode{
		Server:      s,
		Address:     address,
		Logger:      logger,
		GracePeriod: config.DefaultGracePeriod,
	}, nil
}

// ── shared helpers ───────────────────────────────────────────────────

// endpoint builds the destination, refusing host names when DNS is
// disabled with -n.
func endpoint(cfg *config.Config) (transport.Endpoint, error) {
	if _, err := util.ResolveAddr(cfg.Host, cfg.Port, cfg.NoDNS); err != nil {
		return transport.Endpoint{}, err
	}
	ep := transport.Endpoint{Host: cfg.Host, Port: cfg.Port}
	if err := ep.Validate(); err != nil {
		return transport.Endpoint{}, err
	}
	return ep, nil
}

// buildDialer creates the right transport.Dialer for the given config.
func buildDialer(cfg *config.Config, logger *util.Logger) transport.Dialer {
	if cfg.TunnelEnabled {
		return transport.NewSSHDialer(&tunnel.SSHConfig{
			User:          cfg.TunnelUser,
			Host:          cfg.TunnelHost,
			Port:          cfg.TunnelPort,
			KeyPath:       cfg.SSHKeyPath,
			PromptPass:    cfg.SSHPassword,
			UseAgent:      cfg.UseSSHAgent,
			StrictHostKey: cfg.StrictHostKey,
			KnownHosts:    cfg.KnownHostsPath,
			ConnTimeout:   cfg.ConnectTimeout,
			KeepAlive:     config.DefaultKeepAliveInterval * time.Second,
		}, logger)
	}

	return &transport.TCPDialer{
		Timeout:   cfg.ConnectTimeout,
		LocalPort: cfg.LocalPort,
	}
}

// buildBreaker returns the circuit breaker for --breaker, or nil when
// it is off.
func buildBreaker(cfg *config.Config, logger *util.Logger) *retry.CircuitBreaker {
	if cfg.Breaker <= 0 {
		return nil
	}
	return retry.NewCircuitBreaker(&retry.CircuitBreakerConfig{
		MaxFailures:  cfg.Breaker,
		ResetTimeout: config.DefaultBreakerReset,
		OnStateChange: func(key string, from, to retry.State) {
			logger.Verbose("circuit for %s: %s -> %s", key, from, to)
		},
	})
}

// buildRetry returns the backoff for --retries, or nil when retries are
// off.
func buildRetry(cfg *config.Config, logger *util.Logger) *retry.Backoff {
	if cfg.Retries <= 0 {
		return nil
	}
	return &retry.Backoff{
		InitialDelay: config.DefaultRetryDelay,
		MaxDelay:     config.DefaultMaxRetryDelay,
		MaxAttempts:  cfg.Retries + 1,
		Jitter:       true,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			logger.Verbose("attempt %d failed: %v (retrying in %s)", attempt, err, wait.Round(time.Millisecond))
		},
	}
}
