package httpconn

// Version is the negotiated HTTP protocol version of a Connection.
type Version int

const (
	// Http1_1 is the default version: no TLS, an unrecognized ALPN
	// protocol, or an explicit "http/1.1" negotiation.
	Http1_1 Version = iota + 1
	// Http2 is selected only by an exact "h2" ALPN negotiation.
	Http2
)

func (v Version) String() string {
	switch v {
	case Http1_1:
		return "http/1.1"
	case Http2:
		return "h2"
	default:
		return "unknown"
	}
}

// Role is whether a Connection was accepted (Server) or initiated (Client).
type Role int

const (
	RoleClient Role = iota + 1
	RoleServer
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	default:
		return "unknown"
	}
}

// alpnHTTP1 and alpnHTTP2 are the exact ALPN protocol IDs this package
// recognizes; they mirror golang.org/x/net/http2.NextProtoTLS for "h2".
const (
	alpnHTTP1 = "http/1.1"
	alpnHTTP2 = "h2"
)

// NegotiatedProtocol is implemented by the TLS handler occupying the slot
// adjacent to a freshly installed Connection handler (see factory.Build).
// It is the narrow interface through which ALPN-driven protocol selection
// is performed.
type NegotiatedProtocol interface {
	// NegotiatedProtocol returns the ALPN protocol string chosen during the
	// TLS handshake. ok is false if the handshake has not completed or the
	// handler does not track ALPN at all.
	NegotiatedProtocol() (proto string, ok bool)
}

// NegotiateVersion maps an ALPN protocol string to a Version: exactly
// "http/1.1" -> Http1_1; exactly "h2" -> Http2; empty or unrecognized ->
// Http1_1. warn is true when proto was non-empty but unrecognized, so the
// caller can log a warning.
func NegotiateVersion(proto string) (v Version, warn bool) {
	switch proto {
	case "", alpnHTTP1:
		return Http1_1, false
	case alpnHTTP2:
		return Http2, false
	default:
		return Http1_1, true
	}
}
