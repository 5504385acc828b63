package client

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultNextProtosH2FillsInMissingNextProtos(t *testing.T) {
	c := defaultNextProtosH2(nil)
	require.Equal(t, []string{"h2", "http/1.1"}, c.NextProtos)
}

func TestDefaultNextProtosH2PreservesExplicitNextProtos(t *testing.T) {
	in := &tls.Config{NextProtos: []string{"http/1.1"}}
	c := defaultNextProtosH2(in)
	require.Equal(t, []string{"http/1.1"}, c.NextProtos)
	require.NotSame(t, in, c)
}

func TestServerNameFromAddressStripsPort(t *testing.T) {
	require.Equal(t, "example.com", serverNameFromAddress("example.com:443"))
}

func TestServerNameFromAddressFallsBackToRawAddressWithoutPort(t *testing.T) {
	require.Equal(t, "example.com", serverNameFromAddress("example.com"))
}

func TestTLSHandlerReportsNoProtocolBeforeHandshake(t *testing.T) {
	h := &tlsHandler{conn: &tls.Conn{}}
	_, ok := h.NegotiatedProtocol()
	require.False(t, ok)
}
