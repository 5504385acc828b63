package httpconn

import (
	"context"
	"net/http"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"go.pact.im/x/httpconn/chanio"
)

// Http2Connection is the HTTP/2 Connection implementation. Frame-level
// encoding, flow control, and stream multiplexing are delegated entirely to
// golang.org/x/net/http2 (http2.Server on the accept side, http2.Transport
// and http2.ClientConn on the dial side); this type is concerned with
// wiring that library into the Connection surface, tracking GOAWAY and
// SETTINGS state the library does not expose back to callers on its own,
// and translating between *Stream and http.Handler/http.ResponseWriter.
type Http2Connection struct {
	base

	manualWindow      bool
	initialWindowSize uint32

	srv *http2.Server // server role only
	tr  *http2.Transport
	cc  *http2.ClientConn // client role only, set once Run dials

	ctx    context.Context
	cancel context.CancelFunc

	mu              sync.Mutex
	sentGoAway      *uint32
	receivedGoAway  *uint32
	localSettings   []Setting
	remoteSettings  []Setting

	closed atomic.Bool
}

// Http2Options configures a new Http2Connection.
type Http2Options struct {
	Logger                 *zap.Logger
	Role                   Role
	HostAddress            string
	InitialWindowSize      uint32
	ManualWindowManagement bool
}

// NewHTTP2Connection constructs an Http2Connection over ch. Like
// Http1Connection, it does not begin serving or dialing until Run is
// called.
func NewHTTP2Connection(ch *chanio.Channel, o Http2Options) *Http2Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Http2Connection{
		base:              newBase(o.Logger, Http2, o.Role, ch, o.HostAddress),
		manualWindow:      o.ManualWindowManagement,
		initialWindowSize: o.InitialWindowSize,
		ctx:               ctx,
		cancel:            cancel,
	}
	if o.Role == RoleServer {
		c.srv = &http2.Server{}
	} else {
		c.tr = &http2.Transport{}
	}
	return c
}

// Run starts serving (server role) or completes the client handshake
// (client role) over the channel's net.Conn. Called once, by the
// ConnectionFactory, right after the handler is installed in its Slot.
func (c *Http2Connection) Run() {
	c.Channel().Run()
	conn := c.Channel().Conn()

	if c.Role() == RoleServer {
		go c.srv.ServeConn(conn, &http2.ServeConnOpts{
			Context: c.ctx,
			Handler: http.HandlerFunc(c.serveHTTP),
		})
		return
	}

	cc, err := c.tr.NewClientConn(conn)
	if err != nil {
		c.log.Warn("http2 client handshake failed", zap.Error(err))
		c.Channel().Shutdown(WrapError(CodeConnectionClosed, "Connection.Run", err))
		return
	}
	c.cc = cc
}

// serveHTTP adapts one http2.Server-dispatched request into a Stream and
// hands it to the configured IncomingRequestHandler. It runs on a goroutine
// owned by golang.org/x/net/http2, one per concurrently active stream, so
// unlike Http1Connection there is no shared event-loop-thread stream list
// to serialize against.
func (c *Http2Connection) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if !c.wasConfigured() {
		http.Error(w, "connection not configured", http.StatusInternalServerError)
		return
	}

	id, err := c.GetNextStreamID()
	if err != nil {
		c.log.Warn("stream id space exhausted", zap.Error(err))
		http.Error(w, "stream ids exhausted", http.StatusServiceUnavailable)
		return
	}

	s := &Stream{
		id:      id,
		state:   StreamPending,
		request: r,
		ready:   make(chan struct{}),
		rw:      w,
		h2done:  make(chan struct{}),
	}

	c.server.OnIncomingRequest.OnIncomingRequest(s)
	<-s.h2done
}

// Shutdown implements chanio.Handler.
func (c *Http2Connection) Shutdown(err error) {
	c.closed.Store(true)
	c.cancel()
	if c.cc != nil {
		_ = c.cc.Close()
	}
	if c.Role() == RoleServer {
		if cb := c.server.OnShutdown; cb != nil {
			cb(c, err)
		}
	}
}

func (c *Http2Connection) Close() error {
	c.Channel().Shutdown(NewError(CodeConnectionClosed, "Connection.Close"))
	return nil
}

func (c *Http2Connection) IsOpen() bool { return !c.closed.Load() }

func (c *Http2Connection) NewRequestsAllowed() bool {
	if c.closed.Load() {
		return false
	}
	if c.cc != nil {
		return c.cc.CanTakeNewRequest()
	}
	return true
}

// UpdateWindow is a no-op: golang.org/x/net/http2 manages HTTP/2 flow
// control internally and does not expose a manual per-connection window
// increment hook to callers above it.
func (c *Http2Connection) UpdateWindow(uint32) error { return nil }

func (c *Http2Connection) ConfigureServer(opts ServerConnectionOptions) error {
	return c.base.configureServer(opts)
}

func (c *Http2Connection) Acquire() { c.base.acquire() }

func (c *Http2Connection) Release() {
	if c.base.release() {
		c.Channel().Shutdown(NewError(CodeConnectionClosed, "Connection.Release"))
	}
}

// MakeRequest submits req as a new client stream over the underlying
// http2.ClientConn. Valid only on a client-role connection. Unlike
// Http1Connection.MakeRequest, the round trip runs on its own goroutine
// since golang.org/x/net/http2 already multiplexes streams internally; it
// never blocks the channel's event-loop goroutine.
func (c *Http2Connection) MakeRequest(req *http.Request) (*Stream, error) {
	if c.Role() != RoleClient {
		return nil, NewError(CodeInvalidState, "Connection.MakeRequest")
	}
	if !c.NewRequestsAllowed() {
		return nil, NewError(CodeConnectionClosed, "Connection.MakeRequest")
	}

	id, err := c.GetNextStreamID()
	if err != nil {
		return nil, err
	}

	s := &Stream{
		id:         id,
		isOutgoing: true,
		state:      StreamPending,
		request:    req,
		ready:      make(chan struct{}),
	}

	go func() {
		resp, err := c.cc.RoundTrip(req)
		if err != nil {
			s.finish(WrapError(CodeConnectionClosed, "Connection.MakeRequest", err))
			return
		}
		s.mu.Lock()
		s.response = resp
		s.mu.Unlock()
		s.finish(nil)
	}()

	return s, nil
}

// ChangeSettings records settings as this connection's desired local
// SETTINGS values. golang.org/x/net/http2 negotiates SETTINGS itself during
// the connection preface and does not expose a public API to push updated
// values on an already-established connection, so onCompleted is invoked
// with the local record updated but no new SETTINGS frame actually sent;
// callers that need real mid-connection renegotiation must configure
// http2.Server/http2.Transport before Run instead.
func (c *Http2Connection) ChangeSettings(settings []Setting, onCompleted func(error)) error {
	if err := c.checkHTTP2("Connection.ChangeSettings"); err != nil {
		return err
	}
	c.mu.Lock()
	c.localSettings = append([]Setting(nil), settings...)
	c.mu.Unlock()
	if onCompleted != nil {
		onCompleted(nil)
	}
	return nil
}

// Ping sends an HTTP/2 PING frame and waits for the ack on its own
// goroutine. Only meaningful on a client-role connection, since
// http2.ClientConn is the only type in golang.org/x/net/http2 that exposes
// a pingable method to callers outside the package.
func (c *Http2Connection) Ping(opaque *[8]byte, onAck func(err error)) error {
	if err := c.checkHTTP2("Connection.Ping"); err != nil {
		return err
	}
	if c.cc == nil {
		return NewError(CodeInvalidState, "Connection.Ping")
	}
	go func() {
		err := c.cc.Ping(c.ctx)
		if onAck != nil {
			onAck(err)
		}
	}()
	return nil
}

// SendGoAway requests a graceful connection close. On the client side this
// calls http2.ClientConn.Shutdown, which sends GOAWAY and waits for
// in-flight streams to finish. On the server side golang.org/x/net/http2
// sends GOAWAY itself once ServeConn's Context is canceled, which is what
// cancelling c.ctx below triggers, and only when allowMore is false. Only
// code is recorded, for GetSentGoAway; neither code nor debugData reaches the
// actual GOAWAY frame contents, and debugData is not kept, since neither
// http2.Server nor http2.ClientConn exposes that level of control.
func (c *Http2Connection) SendGoAway(code uint32, allowMore bool, debugData []byte) error {
	if err := c.checkHTTP2("Connection.SendGoAway"); err != nil {
		return err
	}
	c.mu.Lock()
	c.sentGoAway = &code
	c.mu.Unlock()

	if c.cc != nil {
		go func() { _ = c.cc.Shutdown(c.ctx) }()
		return nil
	}
	if !allowMore {
		c.cancel()
	}
	return nil
}

// GetSentGoAway returns the code last passed to SendGoAway, with ok false if
// SendGoAway was never called. It is a local record, not read back from the
// wire.
func (c *Http2Connection) GetSentGoAway() (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sentGoAway == nil {
		return 0, false
	}
	return *c.sentGoAway, true
}

// GetReceivedGoAway reports a GOAWAY received from the peer. Nothing in this
// package records one, so it always returns (0, false).
func (c *Http2Connection) GetReceivedGoAway() (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.receivedGoAway == nil {
		return 0, false
	}
	return *c.receivedGoAway, true
}

// GetLocalSettings returns a copy of the settings last passed to
// ChangeSettings. It is a local record, not the values negotiated on the wire.
func (c *Http2Connection) GetLocalSettings() []Setting {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Setting(nil), c.localSettings...)
}

// GetRemoteSettings reports the peer's SETTINGS. Nothing in this package
// records them, so it always returns an empty slice.
func (c *Http2Connection) GetRemoteSettings() []Setting {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Setting(nil), c.remoteSettings...)
}
