// Package httpconn owns the lifecycle of HTTP client and server connections
// on top of an asynchronous, channel-based socket abstraction (see the
// sibling chanio package).
//
// It turns a freshly established byte channel into a protocol-aware,
// reference-counted HTTP connection object (see factory.Build), multiplexes
// it onto per-connection worker state (Http1Connection, Http2Connection),
// and tears it down cleanly on shutdown. Server-side listener lifecycle and
// client-side connection bootstrapping live in the server and client
// subpackages; both are built on top of the Connection type exposed here.
//
// The HTTP/1 wire format and the HTTP/2 frame layer are treated as external
// collaborators: HTTP/2 framing is delegated to golang.org/x/net/http2, and
// TLS is delegated to crypto/tls. This package is concerned with connection
// identity, ALPN-driven protocol selection, reference counting, and the
// threading discipline between a connection's event-loop goroutine and
// callers on other goroutines.
package httpconn
