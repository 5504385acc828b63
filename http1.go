package httpconn

import (
	"bufio"
	"net/http"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"go.pact.im/x/httpconn/chanio"
)

// Http1Stats carries the per-channel counters
// event-loop-thread-only substate.
type Http1Stats struct {
	StreamsCompleted uint64
	BytesRead        uint64
	BytesWritten     uint64
}

type http1Flags struct {
	isReadingStopped              bool
	isWritingStopped              bool
	hasSwitchedProtocols          bool
	canCreateRequestHandlerStream bool
}

// http1Loop is the event-loop-thread-only substate of an Http1Connection.
// Every access happens from inside a chanio.Task running on the
// connection's Channel, or from the dedicated reader goroutine's scheduled
// continuations, never directly off-thread.
type http1Loop struct {
	initialWindowSize uint32

	streams     []*Stream
	outgoingIdx int
	incomingIdx int

	midchannelMessages [][]byte

	flags http1Flags
	stats Http1Stats

	outgoingStreamStart time.Time
	incomingStreamStart time.Time
}

// http1Shared is the lock-protected substate of an Http1Connection. It is
// the only state in Http1Connection that may be touched by a goroutine
// other than the event-loop goroutine.
type http1Shared struct {
	mu sync.Mutex

	pendingClientStreams       []*Stream
	isOutgoingStreamTaskActive bool
	isOpen                     bool
	newStreamErrorCode         Code
	windowUpdateSize           uint32
}

// Http1Connection is the HTTP/1.1 Connection implementation. The wire encoder/decoder are treated as external collaborators at
// the level of byte formatting (net/http's Request/Response Write and
// ReadRequest/ReadResponse), while this type owns everything the
// connection itself is responsible for: stream ordering, pipelining,
// window updates, upgrade pass-through, and the configure-once gate.
type Http1Connection struct {
	base

	manualWindow bool

	loop   http1Loop
	shared http1Shared

	outgoingStreamTask chanio.Task
	windowUpdateTask   chanio.Task

	br *bufio.Reader
	bw *bufio.Writer

	pendingReads chan *Stream // client-role only: streams awaiting a response read, in order

	switchedProtocols atomic.Bool // mirrors loop.flags.hasSwitchedProtocols for cross-thread reads
}

// Http1Options configures a new Http1Connection.
type Http1Options struct {
	Logger                 *zap.Logger
	Role                   Role
	HostAddress            string
	InitialWindowSize      uint32
	ManualWindowManagement bool
}

// NewHTTP1Connection constructs an Http1Connection over ch. It does not
// start reading until Run is called by the ConnectionFactory's
// on_channel_handler_installed hook.
func NewHTTP1Connection(ch *chanio.Channel, o Http1Options) *Http1Connection {
	c := &Http1Connection{
		base:         newBase(o.Logger, Http1_1, o.Role, ch, o.HostAddress),
		manualWindow: o.ManualWindowManagement,
		loop: http1Loop{
			initialWindowSize: o.InitialWindowSize,
			outgoingIdx:       -1,
			incomingIdx:       -1,
		},
		shared: http1Shared{isOpen: true},
	}
	if o.Role == RoleClient {
		c.pendingReads = make(chan *Stream, 1024)
	}

	c.outgoingStreamTask = c.runOutgoingStreamTask
	c.windowUpdateTask = c.runWindowUpdateTask
	return c
}

// Run wires up the connection's bufio reader/writer and starts its
// dedicated reader goroutine. Called once, by the ConnectionFactory, right
// after the handler is installed in its Slot.
func (c *Http1Connection) Run() {
	c.br = bufio.NewReader(c.Channel().Conn())
	c.bw = bufio.NewWriter(c.Channel().Conn())
	c.loop.flags.canCreateRequestHandlerStream = true
	c.Channel().Run()
	go c.readLoop()
	if c.Role() == RoleClient {
		go c.clientReadPump()
	}
}

// Shutdown implements chanio.Handler. It runs on the channel's event-loop
// goroutine, so it touches loop state directly.
func (c *Http1Connection) Shutdown(err error) {
	c.shared.mu.Lock()
	c.shared.isOpen = false
	c.shared.mu.Unlock()

	c.loop.flags.isReadingStopped = true
	c.loop.flags.isWritingStopped = true

	for _, s := range c.loop.streams {
		s.mu.Lock()
		unfinished := s.state == StreamPending || s.state == StreamActive
		s.mu.Unlock()
		if unfinished {
			s.finish(err)
		}
	}

	if c.Role() == RoleServer {
		if cb := c.server.OnShutdown; cb != nil {
			cb(c, err)
		}
	}
	if c.pendingReads != nil {
		close(c.pendingReads)
	}
}

// Close requests shutdown of the owning channel with CodeConnectionClosed.
func (c *Http1Connection) Close() error {
	c.Channel().Shutdown(NewError(CodeConnectionClosed, "Connection.Close"))
	return nil
}

func (c *Http1Connection) IsOpen() bool {
	c.shared.mu.Lock()
	defer c.shared.mu.Unlock()
	return c.shared.isOpen
}

func (c *Http1Connection) NewRequestsAllowed() bool {
	c.shared.mu.Lock()
	defer c.shared.mu.Unlock()
	return c.shared.isOpen && c.shared.newStreamErrorCode == 0
}

// UpdateWindow is a no-op unless manual window management was requested.
func (c *Http1Connection) UpdateWindow(increment uint32) error {
	if !c.manualWindow || increment == 0 {
		return nil
	}
	c.shared.mu.Lock()
	wasZero := c.shared.windowUpdateSize == 0
	c.shared.windowUpdateSize += increment
	c.shared.mu.Unlock()
	if wasZero {
		c.Channel().Schedule(c.windowUpdateTask)
	}
	return nil
}

func (c *Http1Connection) ConfigureServer(opts ServerConnectionOptions) error {
	return c.base.configureServer(opts)
}

func (c *Http1Connection) Acquire() { c.base.acquire() }

func (c *Http1Connection) Release() {
	if c.base.release() {
		c.Channel().Shutdown(NewError(CodeConnectionClosed, "Connection.Release"))
	}
}

// HTTP/2-only operations: ChangeSettings, Ping and SendGoAway always return
// CodeInvalidState on an HTTP/1 connection; the getters report nothing.
func (c *Http1Connection) ChangeSettings([]Setting, func(error)) error {
	return c.checkHTTP2("Connection.ChangeSettings")
}
func (c *Http1Connection) Ping(*[8]byte, func(error)) error {
	return c.checkHTTP2("Connection.Ping")
}
func (c *Http1Connection) SendGoAway(uint32, bool, []byte) error {
	return c.checkHTTP2("Connection.SendGoAway")
}
func (c *Http1Connection) GetSentGoAway() (uint32, bool)     { return 0, false }
func (c *Http1Connection) GetReceivedGoAway() (uint32, bool) { return 0, false }
func (c *Http1Connection) GetLocalSettings() []Setting       { return nil }
func (c *Http1Connection) GetRemoteSettings() []Setting      { return nil }

// MakeRequest submits req as a new client stream. Valid only on a
// client-role connection.
func (c *Http1Connection) MakeRequest(req *http.Request) (*Stream, error) {
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
		h1:         c,
		isOutgoing: true,
		state:      StreamPending,
		request:    req,
		ready:      make(chan struct{}),
	}

	c.shared.mu.Lock()
	c.shared.pendingClientStreams = append(c.shared.pendingClientStreams, s)
	wasActive := c.shared.isOutgoingStreamTaskActive
	c.shared.isOutgoingStreamTaskActive = true
	c.shared.mu.Unlock()

	if !wasActive {
		c.Channel().Schedule(c.outgoingStreamTask)
	}
	return s, nil
}

// notifyResponseReady re-arms the outgoing-stream task when a server
// handler calls Stream.Respond after the task had gone idle waiting for it.
func (c *Http1Connection) notifyResponseReady(s *Stream) {
	c.shared.mu.Lock()
	wasActive := c.shared.isOutgoingStreamTaskActive
	c.shared.isOutgoingStreamTaskActive = true
	c.shared.mu.Unlock()
	if !wasActive {
		c.Channel().Schedule(c.outgoingStreamTask)
	}
}

// runOutgoingStreamTask drains newly submitted client streams into the
// event-loop-thread list, then writes streams head-first without
// re-entering the task scheduler.
func (c *Http1Connection) runOutgoingStreamTask(chanio.EventLoopToken) {
	for {
		c.shared.mu.Lock()
		pending := c.shared.pendingClientStreams
		c.shared.pendingClientStreams = nil
		c.shared.mu.Unlock()
		c.loop.streams = append(c.loop.streams, pending...)

		s := c.nextOutgoing()
		if s == nil {
			c.shared.mu.Lock()
			stillEmpty := len(c.shared.pendingClientStreams) == 0
			if stillEmpty {
				c.shared.isOutgoingStreamTaskActive = false
				c.shared.mu.Unlock()
				return
			}
			c.shared.mu.Unlock()
			continue
		}

		c.loop.outgoingStreamStart = time.Now()
		c.writeStream(s)
	}
}

func (c *Http1Connection) nextOutgoing() *Stream {
	start := c.loop.outgoingIdx + 1
	if start >= len(c.loop.streams) {
		return nil
	}
	s := c.loop.streams[start]
	if !s.isReadyToWrite() {
		return nil
	}
	return s
}

func (c *Http1Connection) writeStream(s *Stream) {
	var err error
	if s.isOutgoing {
		err = s.request.Write(c.bw)
		if err == nil {
			err = c.bw.Flush()
		}
		if err == nil && c.pendingReads != nil {
			c.pendingReads <- s
		}
	} else {
		err = s.response.Write(c.bw)
		if err == nil {
			err = c.bw.Flush()
		}
		if err == nil && s.response.StatusCode == http.StatusSwitchingProtocols {
			c.switchProtocols()
		}
		s.finish(nil)
	}

	for i, x := range c.loop.streams {
		if x == s {
			c.loop.outgoingIdx = i
			break
		}
	}
	c.loop.stats.StreamsCompleted++

	if err != nil {
		if s.isOutgoing {
			s.finish(err)
		}
		c.failConnection(err)
	}
}

// switchProtocols is a terminal transition: after it, the connection
// stops parsing HTTP and forwards bytes verbatim.
func (c *Http1Connection) switchProtocols() {
	c.loop.flags.hasSwitchedProtocols = true
	c.loop.flags.canCreateRequestHandlerStream = false
	c.switchedProtocols.Store(true)
}

// runWindowUpdateTask applies the accumulated window-update increment,
// swapping the lock-protected accumulator to zero atomically under the
// lock.
func (c *Http1Connection) runWindowUpdateTask(chanio.EventLoopToken) {
	c.shared.mu.Lock()
	total := c.shared.windowUpdateSize
	c.shared.windowUpdateSize = 0
	c.shared.mu.Unlock()
	if total == 0 {
		return
	}
	c.loop.initialWindowSize += total
}

func (c *Http1Connection) failConnection(err error) {
	c.loop.flags.isReadingStopped = true
	c.loop.flags.isWritingStopped = true
	c.Channel().Shutdown(err)
}

// readLoop is the dedicated goroutine that turns bytes off the wire into
// parsed requests (server role) or a verbatim midchannel pass-through
// (after an upgrade). It never touches loop/shared state directly — every
// observation is handed to the event-loop goroutine via Channel.Schedule.
func (c *Http1Connection) readLoop() {
	for {
		if c.switchedProtocols.Load() {
			buf := make([]byte, 32*1024)
			n, err := c.br.Read(buf)
			if n > 0 {
				msg := append([]byte(nil), buf[:n]...)
				c.Channel().Schedule(func(chanio.EventLoopToken) { c.onMidchannelMessage(msg) })
			}
			if err != nil {
				c.Channel().Schedule(func(chanio.EventLoopToken) { c.onReadError(err) })
				return
			}
			continue
		}

		if c.Role() != RoleServer {
			return
		}

		req, err := http.ReadRequest(c.br)
		if err != nil {
			c.Channel().Schedule(func(chanio.EventLoopToken) { c.onReadError(err) })
			return
		}

		s := c.newIncomingStream(req)
		c.Channel().Schedule(func(chanio.EventLoopToken) { c.onIncomingRequest(s) })

		if req.Header.Get("Upgrade") != "" {
			// RFC 7230 §6.7: a client must not pipeline further requests
			// behind one carrying Upgrade, since what follows may no
			// longer be HTTP. Mirror that on the read side: wait for this
			// stream to finish (i.e. for the event-loop goroutine to have
			// decided whether it switched protocols) before risking another
			// ReadRequest call against bytes that might be a verbatim
			// pass-through instead.
			<-s.ready
		}
	}
}

// clientReadPump reads exactly one response per submitted client stream, in
// submission order, off c.pendingReads. It exists so the dedicated reader
// never needs to guess which request a response belongs to.
func (c *Http1Connection) clientReadPump() {
	for s := range c.pendingReads {
		resp, err := http.ReadResponse(c.br, s.request)
		stream, response, readErr := s, resp, err
		c.Channel().Schedule(func(chanio.EventLoopToken) { c.onIncomingResponse(stream, response, readErr) })
		if err != nil {
			return
		}
	}
}

// newIncomingStream allocates the Stream for a just-parsed server-side
// request. It runs on the dedicated reader goroutine, before the stream is
// known to the event-loop-thread stream list, so it may only touch
// GetNextStreamID (itself cross-thread safe) and fields private to the new
// Stream.
func (c *Http1Connection) newIncomingStream(req *http.Request) *Stream {
	id, idErr := c.GetNextStreamID()
	if idErr != nil {
		c.log.Warn("stream id space exhausted", zap.Error(idErr))
	}
	return &Stream{
		id:      id,
		h1:      c,
		state:   StreamPending,
		request: req,
		ready:   make(chan struct{}),
	}
}

func (c *Http1Connection) onIncomingRequest(s *Stream) {
	c.shared.mu.Lock()
	errCode := c.shared.newStreamErrorCode
	c.shared.mu.Unlock()

	c.loop.streams = append(c.loop.streams, s)
	c.loop.incomingStreamStart = time.Now()
	c.loop.stats.BytesRead++

	if errCode != 0 {
		s.finish(NewError(errCode, "Connection.OnIncomingRequest"))
		return
	}
	if !c.wasConfigured() {
		c.failConnection(NewError(CodeReactionRequired, "Connection.OnIncomingRequest"))
		s.finish(NewError(CodeReactionRequired, "Connection.OnIncomingRequest"))
		return
	}

	c.server.OnIncomingRequest.OnIncomingRequest(s)
}

func (c *Http1Connection) onIncomingResponse(s *Stream, resp *http.Response, err error) {
	if err != nil {
		s.finish(err)
		c.failConnection(err)
		return
	}
	s.mu.Lock()
	s.response = resp
	s.mu.Unlock()
	s.finish(nil)
	c.loop.incomingIdx++
}

func (c *Http1Connection) onReadError(err error) {
	c.failConnection(err)
}

func (c *Http1Connection) onMidchannelMessage(msg []byte) {
	c.loop.midchannelMessages = append(c.loop.midchannelMessages, msg)
	for _, slot := range c.Channel().Slots() {
		if slot.Handler() != chanio.Handler(c) {
			continue
		}
		if next := slot.Next(); next != nil && next.Handler() != nil {
			if mh, ok := next.Handler().(MidchannelHandler); ok {
				mh.HandleMidchannelMessage(msg)
			}
		}
		return
	}
}

// MidchannelHandler is implemented by a handler occupying the slot adjacent
// to an upgraded HTTP/1 connection, to receive the verbatim byte
// pass-through that follows an Upgrade.
type MidchannelHandler interface {
	HandleMidchannelMessage(data []byte)
}
