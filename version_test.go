package httpconn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNegotiateVersionExactMatches(t *testing.T) {
	v, warn := NegotiateVersion("h2")
	require.Equal(t, Http2, v)
	require.False(t, warn)

	v, warn = NegotiateVersion("http/1.1")
	require.Equal(t, Http1_1, v)
	require.False(t, warn)
}

func TestNegotiateVersionEmptyDefaultsToHTTP1WithoutWarning(t *testing.T) {
	v, warn := NegotiateVersion("")
	require.Equal(t, Http1_1, v)
	require.False(t, warn)
}

func TestNegotiateVersionUnknownDefaultsToHTTP1WithWarning(t *testing.T) {
	v, warn := NegotiateVersion("spdy/3")
	require.Equal(t, Http1_1, v)
	require.True(t, warn)
}

func TestVersionString(t *testing.T) {
	require.Equal(t, "http/1.1", Http1_1.String())
	require.Equal(t, "h2", Http2.String())
	require.Equal(t, "unknown", Version(0).String())
}

func TestRoleString(t *testing.T) {
	require.Equal(t, "client", RoleClient.String())
	require.Equal(t, "server", RoleServer.String())
	require.Equal(t, "unknown", Role(0).String())
}
