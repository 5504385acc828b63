package httpconn

import (
	"net/http"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"go.pact.im/x/httpconn/chanio"
)

// Connection is the externally polymorphic surface dispatched to a
// protocol-specific implementation (Http1Connection or Http2Connection).
// HTTP/2-only operations are part of this interface too (so a caller
// holding only a Connection can call them), but on an HTTP/1 connection
// ChangeSettings, Ping and SendGoAway return CodeInvalidState without
// dispatching, and the getters, which have no error result, report nothing
// (ok false, or a nil slice). For compile-time-safe access, see AsHTTP2.
type Connection interface {
	// Acquire increments the reference count.
	Acquire()
	// Release decrements the reference count; on the transition from 1 to
	// 0 it requests shutdown of the owning channel.
	Release()

	Close() error
	IsOpen() bool
	NewRequestsAllowed() bool
	UpdateWindow(increment uint32) error

	Version() Version
	Role() Role
	Channel() *chanio.Channel
	HostAddress() string
	GetNextStreamID() (uint32, error)

	// ConfigureServer may be called exactly once, only from inside
	// OnIncomingConnection, only on a server-role connection.
	ConfigureServer(opts ServerConnectionOptions) error

	// HTTP/2-only operations.
	ChangeSettings(settings []Setting, onCompleted func(error)) error
	Ping(opaque *[8]byte, onAck func(err error)) error
	SendGoAway(code uint32, allowMore bool, debugData []byte) error
	GetSentGoAway() (code uint32, ok bool)
	GetReceivedGoAway() (code uint32, ok bool)
	GetLocalSettings() []Setting
	GetRemoteSettings() []Setting
}

// Setting is a single HTTP/2 SETTINGS parameter, standing in for
// golang.org/x/net/http2.Setting at this package's boundary so callers of
// the abstract Connection don't need to import http2 directly.
type Setting struct {
	ID    uint16
	Value uint32
}

// ServerConnectionOptions is supplied to ConfigureServer: exactly one
// incoming-request callback and one shutdown callback, installed at most
// once.
type ServerConnectionOptions struct {
	// OnIncomingRequest is called for every request parsed on this
	// connection. Required.
	OnIncomingRequest IncomingRequestHandler
	// OnShutdown is called exactly once when this connection's channel
	// shuts down.
	OnShutdown func(conn Connection, err error)
}

// IncomingRequestHandler handles one parsed HTTP request on a server
// connection.
type IncomingRequestHandler interface {
	OnIncomingRequest(stream *Stream)
}

// IncomingRequestHandlerFunc adapts a function to IncomingRequestHandler.
type IncomingRequestHandlerFunc func(stream *Stream)

func (f IncomingRequestHandlerFunc) OnIncomingRequest(s *Stream) { f(s) }

// ClientData holds the optional proxy request transform carried by a
// client-role connection.
type ClientData struct {
	// ProxyTransform is the slot for a proxy request transform (e.g. one
	// adding an HTTP proxy CONNECT envelope). No code in this module sets
	// it, and MakeRequest does not apply it: outgoing requests are
	// serialized as submitted.
	ProxyTransform func(req *http.Request) (*http.Request, error)
}

// base holds the state and behavior common to every Connection
// implementation: reference counting, role/version identity, the
// configure-once gate, and the channel handle. Http1Connection and
// Http2Connection both embed it.
type base struct {
	log *zap.Logger

	version Version
	role    Role

	ch *chanio.Channel

	hostAddress string
	userData    any

	refcount atomic.Int64

	streamIDs *streamIDAllocator

	// server and client are mutually exclusive; exactly one is non-nil,
	// depending on role, and never both.
	server *ServerData
	client *ClientData

	configureMu      sync.Mutex
	configuredOnce   bool
	configureAllowed bool
}

// ServerData holds the configured on_incoming_request and on_shutdown
// callbacks of a server-role connection. It starts empty and
// is populated exactly once by ConfigureServer.
type ServerData struct {
	OnIncomingRequest IncomingRequestHandler
	OnShutdown        func(conn Connection, err error)
}

func newBase(log *zap.Logger, version Version, role Role, ch *chanio.Channel, hostAddress string) base {
	if log == nil {
		log = zap.NewNop()
	}
	b := base{
		log:         log,
		version:     version,
		role:        role,
		ch:          ch,
		hostAddress: hostAddress,
		streamIDs:   newStreamIDAllocator(role),
	}
	b.refcount.Store(1)
	if role == RoleServer {
		b.server = &ServerData{}
	} else {
		b.client = &ClientData{}
	}
	return b
}

func (b *base) Version() Version            { return b.version }
func (b *base) Role() Role                  { return b.role }
func (b *base) Channel() *chanio.Channel    { return b.ch }
func (b *base) HostAddress() string         { return b.hostAddress }
func (b *base) GetNextStreamID() (uint32, error) {
	return b.streamIDs.nextStreamID()
}

// acquire increments the reference count.
func (b *base) acquire() { b.refcount.Inc() }

// release decrements the reference count. The caller (Http1Connection or
// Http2Connection) must request channel shutdown when this returns true,
// i.e. on the transition from 1 to 0.
func (b *base) release() (shouldShutdown bool) {
	return b.refcount.Dec() == 0
}

// beginAccept marks the window during which ConfigureServer may legally be
// called: from just before OnIncomingConnection is invoked until it
// returns. Only meaningful for server-role connections.
func (b *base) beginAccept() {
	b.configureMu.Lock()
	b.configureAllowed = true
	b.configureMu.Unlock()
}

func (b *base) endAccept() {
	b.configureMu.Lock()
	b.configureAllowed = false
	b.configureMu.Unlock()
}

// configureServer implements the once-only, accept-window-only gate shared
// by both protocol versions.
func (b *base) configureServer(opts ServerConnectionOptions) error {
	if b.role != RoleServer {
		return NewError(CodeInvalidState, "Connection.ConfigureServer")
	}
	if opts.OnIncomingRequest == nil {
		return NewError(CodeInvalidState, "Connection.ConfigureServer")
	}

	b.configureMu.Lock()
	defer b.configureMu.Unlock()

	if !b.configureAllowed || b.configuredOnce {
		return NewError(CodeInvalidState, "Connection.ConfigureServer")
	}
	b.configuredOnce = true
	b.server.OnIncomingRequest = opts.OnIncomingRequest
	b.server.OnShutdown = opts.OnShutdown
	return nil
}

func (b *base) wasConfigured() bool {
	b.configureMu.Lock()
	defer b.configureMu.Unlock()
	return b.configuredOnce
}

// checkHTTP2 is the runtime guard shared by every HTTP/2-only operation: on
// a non-HTTP/2 connection it logs a warning and returns CodeInvalidState
// without dispatching.
func (b *base) checkHTTP2(op string) error {
	if b.version != Http2 {
		b.log.Warn("HTTP/2-only operation called on non-HTTP/2 connection",
			zap.String("op", op), zap.Stringer("version", b.version))
		return NewError(CodeInvalidState, op)
	}
	return nil
}

// acceptWindower is implemented by every Connection via its embedded base.
// It is kept unexported so only WithAcceptWindow can bracket the window.
type acceptWindower interface {
	beginAccept()
	endAccept()
	wasConfigured() bool
}

// WithAcceptWindow calls fn with c allowed to accept exactly one
// ConfigureServer call for fn's duration. The server package uses this to
// bracket its OnIncomingConnection callback, the only place ConfigureServer
// may legally be called from. If c is a server-role connection and fn
// returns without having called ConfigureServer, WithAcceptWindow reports
// CodeReactionRequired so the caller can fail the connection immediately,
// per §4.B, instead of waiting for the first request to discover it.
func WithAcceptWindow(c Connection, fn func()) error {
	aw, ok := c.(acceptWindower)
	if !ok {
		fn()
		return nil
	}
	aw.beginAccept()
	fn()
	aw.endAccept()
	if c.Role() == RoleServer && !aw.wasConfigured() {
		return NewError(CodeReactionRequired, "Server.OnIncomingConnection")
	}
	return nil
}

// AsHTTP2 returns c's concrete HTTP/2 capability if c is an HTTP/2
// connection, for callers that want compile-time-safe access to HTTP/2-only
// operations instead of the runtime-checked methods on Connection itself.
func AsHTTP2(c Connection) (*Http2Connection, bool) {
	h2, ok := c.(*Http2Connection)
	return h2, ok
}
