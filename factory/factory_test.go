package factory_test

import (
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"go.pact.im/x/httpconn"
	"go.pact.im/x/httpconn/chanio"
	"go.pact.im/x/httpconn/factory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeALPN struct{ proto string }

func (f fakeALPN) Shutdown(error) {}
func (f fakeALPN) NegotiatedProtocol() (string, bool) {
	return f.proto, true
}

func newPipeChannel(t *testing.T) (*chanio.Channel, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })
	return chanio.New(server), client
}

func TestBuildWithoutTLSDefaultsToHTTP1(t *testing.T) {
	ch, _ := newPipeChannel(t)
	defer ch.Shutdown(nil)

	conn, err := factory.Build(ch, factory.Options{Role: httpconn.RoleServer})
	require.NoError(t, err)
	require.Equal(t, httpconn.Http1_1, conn.Version())
}

func TestBuildWithTLSNegotiatesHTTP2(t *testing.T) {
	ch, peer := newPipeChannel(t)
	defer ch.Shutdown(nil)
	// The HTTP/2 client writes its connection preface during Build; net.Pipe
	// writes block until the other end reads, so drain the peer side.
	go func() { _, _ = io.Copy(io.Discard, peer) }()

	ch.AppendSlot().SetHandler(fakeALPN{proto: "h2"})
	conn, err := factory.Build(ch, factory.Options{Role: httpconn.RoleClient, UseTLS: true})
	require.NoError(t, err)
	require.Equal(t, httpconn.Http2, conn.Version())
}

func TestBuildWithTLSUnknownALPNFallsBackToHTTP1(t *testing.T) {
	ch, _ := newPipeChannel(t)
	defer ch.Shutdown(nil)

	ch.AppendSlot().SetHandler(fakeALPN{proto: "spdy/3"})
	conn, err := factory.Build(ch, factory.Options{Role: httpconn.RoleServer, UseTLS: true})
	require.NoError(t, err)
	require.Equal(t, httpconn.Http1_1, conn.Version())
}

func TestBuildWithTLSButNoAdjacentHandlerFails(t *testing.T) {
	ch, _ := newPipeChannel(t)
	defer ch.Shutdown(nil)

	_, err := factory.Build(ch, factory.Options{Role: httpconn.RoleServer, UseTLS: true})
	require.Equal(t, httpconn.CodeInvalidState, httpconn.CodeOf(err))
	require.Empty(t, ch.Slots(), "the rolled-back connection slot must not remain in the chain")
}

func TestBuildAppendsExactlyOneSlotForTheConnection(t *testing.T) {
	ch, _ := newPipeChannel(t)
	defer ch.Shutdown(nil)

	ch.AppendSlot().SetHandler(fakeALPN{proto: "http/1.1"})
	before := len(ch.Slots())

	_, err := factory.Build(ch, factory.Options{Role: httpconn.RoleClient, UseTLS: true})
	require.NoError(t, err)
	require.Len(t, ch.Slots(), before+1)
}
