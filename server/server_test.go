package server_test

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"go.pact.im/x/httpconn"
	"go.pact.im/x/httpconn/server"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNewServerRejectsMissingSocket(t *testing.T) {
	_, err := server.NewServer(server.Options{
		OnIncomingConnection: func(httpconn.Connection) {},
	})
	require.Equal(t, httpconn.CodeInvalidArgument, httpconn.CodeOf(err))
}

func TestNewServerRejectsMissingOnIncomingConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	_, err = server.NewServer(server.Options{Socket: server.Listener(ln)})
	require.Equal(t, httpconn.CodeInvalidArgument, httpconn.CodeOf(err))
}

func dial(t *testing.T, addr net.Addr) net.Conn {
	t.Helper()
	c, err := net.Dial(addr.Network(), addr.String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func runServer(t *testing.T, opts server.Options) (*server.Server, net.Addr, <-chan error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	opts.Socket = server.Listener(ln)
	s, err := server.NewServer(opts)
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(context.Background()) }()

	// Give Run a moment to actually start accepting; Listener's Listen
	// returns the already-constructed net.Listener immediately so this is
	// just waiting for the accept goroutine to reach its loop.
	time.Sleep(20 * time.Millisecond)
	return s, ln.Addr(), runErr
}

func TestOnIncomingConnectionFiresAtMostOncePerChannel(t *testing.T) {
	var calls int32
	var gotErr error
	s, addr, runErr := runServer(t, server.Options{
		OnIncomingConnection: func(conn httpconn.Connection) {
			atomic.AddInt32(&calls, 1)
			err := conn.ConfigureServer(httpconn.ServerConnectionOptions{
				OnIncomingRequest: httpconn.IncomingRequestHandlerFunc(func(*httpconn.Stream) {}),
			})
			gotErr = err
		},
	})

	c := dial(t, addr)
	// Give the accept goroutine time to run OnIncomingConnection.
	time.Sleep(50 * time.Millisecond)
	_ = c.Close()

	require.NoError(t, s.Release())
	require.NoError(t, <-runErr)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
	require.NoError(t, gotErr)
}

func TestMissingConfigureServerYieldsReactionRequired(t *testing.T) {
	shutdownErr := make(chan error, 1)
	accepted := make(chan httpconn.Connection, 1)
	s, addr, runErr := runServer(t, server.Options{
		OnIncomingConnection: func(conn httpconn.Connection) {
			// Deliberately does not call ConfigureServer: this is the
			// S4 scenario (missing configure) from the test plan.
			accepted <- conn
		},
	})

	c := dial(t, addr)
	buf := make([]byte, 1)
	_, readErr := c.Read(buf) // server must close the connection
	require.Error(t, readErr)
	_ = c.Close()
	conn := <-accepted
	require.Equal(t, httpconn.CodeReactionRequired, httpconn.CodeOf(conn.Channel().ShutdownErr()))
	close(shutdownErr)

	require.NoError(t, s.Release())
	require.NoError(t, <-runErr)
}

func TestReleaseIsIdempotentAndDestroyCompleteFiresOnce(t *testing.T) {
	var destroyCalls int32
	s, _, runErr := runServer(t, server.Options{
		OnIncomingConnection: func(conn httpconn.Connection) {
			_ = conn.ConfigureServer(httpconn.ServerConnectionOptions{
				OnIncomingRequest: httpconn.IncomingRequestHandlerFunc(func(*httpconn.Stream) {}),
			})
		},
		OnDestroyComplete: func() { atomic.AddInt32(&destroyCalls, 1) },
	})

	require.NoError(t, s.Release())
	require.NoError(t, s.Release()) // idempotent: must not call OnDestroyComplete again
	require.NoError(t, <-runErr)
	require.Equal(t, int32(1), atomic.LoadInt32(&destroyCalls))
}

func TestOnDestroyCompleteFiresAfterEveryChildShutdown(t *testing.T) {
	const n = 5
	var shutdownCount int32
	var mu sync.Mutex
	var destroyRanAfterAllShutdowns bool

	s, addr, runErr := runServer(t, server.Options{
		OnIncomingConnection: func(conn httpconn.Connection) {
			_ = conn.ConfigureServer(httpconn.ServerConnectionOptions{
				OnIncomingRequest: httpconn.IncomingRequestHandlerFunc(func(*httpconn.Stream) {}),
				OnShutdown: func(httpconn.Connection, error) {
					atomic.AddInt32(&shutdownCount, 1)
				},
			})
		},
		OnDestroyComplete: func() {
			mu.Lock()
			destroyRanAfterAllShutdowns = atomic.LoadInt32(&shutdownCount) == n
			mu.Unlock()
		},
	})

	conns := make([]net.Conn, n)
	for i := range conns {
		conns[i] = dial(t, addr)
	}
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, s.Release())
	require.NoError(t, <-runErr)

	mu.Lock()
	defer mu.Unlock()
	require.True(t, destroyRanAfterAllShutdowns)
	require.Equal(t, int32(n), atomic.LoadInt32(&shutdownCount))
}
