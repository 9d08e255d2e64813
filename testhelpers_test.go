package main

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tnyholm/triplicate/internal/config"
	"github.com/tnyholm/triplicate/internal/supervisor"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// blockingTestService is a supervisor.Service that just waits for
// cancellation, standing in for a folder worker in control-socket tests.
type blockingTestService struct{}

func (blockingTestService) Serve(ctx context.Context) error {
	<-ctx.Done()

	return ctx.Err()
}

// startTestDaemon spins up a real supervisor.Server on a loopback TCP port
// and returns a CLIContext wired to reach it, mirroring how a live
// triplicated process would be reached over listener_address.
func startTestDaemon(t *testing.T, super *supervisor.Supervisor, secret string) *CLIContext {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := supervisor.NewServer(ln, secret, super, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() { _ = srv.Serve(ctx) }()

	return &CLIContext{
		Cfg: &config.Config{
			Global: config.GlobalConfig{
				ListenerAddress: "tcp:" + ln.Addr().String(),
				ListenerSecret:  secret,
			},
		},
		Logger: testLogger(),
	}
}

// withCLIContext returns a context.Context carrying cc, the shape
// mustCLIContext expects.
func withCLIContext(cc *CLIContext) context.Context {
	return context.WithValue(context.Background(), cliContextKey{}, cc)
}
