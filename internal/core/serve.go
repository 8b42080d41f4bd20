package core

import (
	"context"
	"fmt"
	"time"

	"socketkit/internal/server"
	"socketkit/util"
)

// ServeMode runs the multiplexing server until ctx is cancelled.
type ServeMode struct {
	Server  *server.Server
	Address string
	Logger  *util.Logger
	// GracePeriod bounds how long Run waits for the loop to release
	// its peers after cancellation.
	GracePeriod time.Duration
}

// Run binds the listener and serves.  Cancelling ctx stops the loop;
// Run then waits up to GracePeriod for teardown.
func (m *ServeMode) Run(ctx context.Context) error {
	if err := m.Server.Listen(); err != nil {
		return err
	}

	errc := make(chan error, 1)
	go func() { errc <- m.Server.Serve(ctx) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	m.Logger.Verbose("shutting down %s", m.Server.Addr())
	timer := time.NewTimer(m.GracePeriod)
	defer timer.Stop()

	select {
	case err := <-errc:
		return err
	case <-timer.C:
		return fmt.Errorf("server on %s did not stop within %s", m.Server.Addr(), m.GracePeriod)
	}
}

// Close releases a server that was never run.
func (m *ServeMode) Close() error {
	return m.Server.Shutdown(context.Background())
}

func (m *ServeMode) String() string {
	return fmt.Sprintf("serve on %s", m.Address)
}

// logEcho echoes every request and logs its decoded text at verbose
// level.
func logEcho(logger *util.Logger) server.Handler {
	echo := server.Echo()
	return server.HandlerFunc(func(ctx context.Context, req *server.Request) ([]byte, error) {
		logger.Verbose("peer %d (%s): %d bytes %q", req.PeerID, req.Remote, len(req.Data), req.Text)
		return echo.Handle(ctx, req)
	})
}
