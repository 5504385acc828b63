package client

import (
	"crypto/tls"
	"net"
)

// defaultNextProtosH2 returns a clone of c (or a fresh *tls.Config) with
// NextProtos defaulted to advertise both HTTP/2 and HTTP/1.1 over ALPN, if
// the caller did not already set it.
func defaultNextProtosH2(c *tls.Config) *tls.Config {
	if c == nil {
		c = &tls.Config{}
	} else {
		c = c.Clone()
	}
	if len(c.NextProtos) == 0 {
		c.NextProtos = []string{"h2", "http/1.1"}
	}
	return c
}

// serverNameFromAddress strips the port off a host:port address for use as
// the TLS ServerName, when the caller did not set one explicitly.
func serverNameFromAddress(address string) string {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return address
	}
	return host
}

// tlsHandler occupies the slot adjacent to a dialed TLS connection so
// factory.Build can query the negotiated ALPN protocol through
// httpconn.NegotiatedProtocol.
type tlsHandler struct {
	conn *tls.Conn
}

func (h *tlsHandler) Shutdown(error) {}

func (h *tlsHandler) NegotiatedProtocol() (proto string, ok bool) {
	state := h.conn.ConnectionState()
	if !state.HandshakeComplete {
		return "", false
	}
	return state.NegotiatedProtocol, true
}
