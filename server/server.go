// Package server implements the accept-side HTTP connection lifecycle:
// listening, wrapping each accepted net.Conn in a chanio.Channel, handing it
// to factory.Build, and tracking the resulting Connection so shutdown can
// be sequenced correctly.
package server

import (
	"context"
	"crypto/tls"
	"net"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"go.pact.im/x/httpconn"
	"go.pact.im/x/httpconn/chanio"
	"go.pact.im/x/httpconn/factory"
)

// Options configures a Server.
type Options struct {
	Logger *zap.Logger

	// Socket provides the listener the server accepts connections from.
	// Required.
	Socket StreamSocket

	// TLSConfig, if non-nil, is used to wrap every accepted connection in
	// a TLS server handshake before the protocol version is determined by
	// ALPN. If NextProtos is unset it defaults to {"h2", "http/1.1"}.
	TLSConfig *tls.Config

	ManualWindowManagement bool
	InitialWindowSize      uint32

	// OnIncomingConnection is called at most once per accepted connection,
	// with ConfigureServer legal to call for its duration (see
	// httpconn.WithAcceptWindow). Required.
	OnIncomingConnection func(conn httpconn.Connection)

	// OnDestroyComplete is called exactly once, strictly after every
	// accepted connection's OnShutdown callback has run, once the server
	// has fully released its listener and all connections.
	OnDestroyComplete func()
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// validate checks the required fields of Options, mirroring the teacher's
// options.go setDefaults/validate split. Detected at entry and returned
// synchronously, never escalated to a callback, per spec §4.B/§7.
func (o *Options) validate() error {
	if o.Socket == nil {
		return httpconn.NewError(httpconn.CodeInvalidArgument, "Server.Socket")
	}
	if o.OnIncomingConnection == nil {
		return httpconn.NewError(httpconn.CodeInvalidArgument, "Server.OnIncomingConnection")
	}
	return nil
}

// Server accepts connections from a single StreamSocket and drives each
// through factory.Build.
type Server struct {
	log  *zap.Logger
	opts Options

	mu           sync.Mutex
	ln           net.Listener
	shuttingDown bool
	conns        map[*chanio.Channel]httpconn.Connection

	connWG    sync.WaitGroup
	doneOnce  sync.Once
	releaseWG sync.WaitGroup
}

// NewServer returns a new Server with the given options, or a synchronous
// CodeInvalidArgument error if a required option is missing.
func NewServer(o Options) (*Server, error) {
	o.setDefaults()
	if err := o.validate(); err != nil {
		return nil, err
	}
	return &Server{
		log:   o.Logger,
		opts:  o,
		conns: make(map[*chanio.Channel]httpconn.Connection),
	}, nil
}

// Run listens and accepts connections until Release is called. ctx is used
// for Listen and for the TLS handshake of each accepted connection;
// cancelling it does not stop the accept loop. It returns nil on a clean
// shutdown.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.opts.Socket.Listen(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return ln.Close()
	}
	s.ln = ln
	s.mu.Unlock()

	s.releaseWG.Add(1)
	defer s.releaseWG.Done()

	for {
		nc, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			down := s.shuttingDown
			s.mu.Unlock()
			if down {
				return nil
			}
			return err
		}
		s.connWG.Add(1)
		go s.serve(ctx, nc)
	}
}

// serve drives one accepted net.Conn through the TLS handshake (if any) and
// factory.Build, then hands off to OnIncomingConnection. connWG, Add'd by
// the caller, is only Done'd either here on an early failure (before a
// Channel exists to ever shut down) or, on success, by the connTracker tail
// slot when the channel's Shutdown actually fires — never by a defer tied
// to this function's return, since OnIncomingConnection returning says
// nothing about the connection's actual lifetime (spec §4.B's
// channel_to_connection_map tracks "every child channel currently live").
func (s *Server) serve(ctx context.Context, nc net.Conn) {
	useTLS := s.opts.TLSConfig != nil
	var tconn *tls.Conn
	if useTLS {
		tconn = tls.Server(nc, defaultNextProtosH2(s.opts.TLSConfig))
		if err := tconn.HandshakeContext(ctx); err != nil {
			s.log.Info("TLS handshake failed", zap.Error(err))
			_ = tconn.Close()
			s.connWG.Done()
			return
		}
		nc = tconn
	}

	ch := chanio.New(nc)
	// connTracker occupies a slot preceding the one factory.Build appends for
	// conn's own handler, so in Channel.Shutdown's tail-first notification
	// order conn's Shutdown (which invokes ServerData.OnShutdown) always
	// runs before connTracker's, never after.
	ch.AppendSlot().SetHandler(&connTracker{srv: s, ch: ch})
	if useTLS {
		ch.AppendSlot().SetHandler(&tlsHandler{conn: tconn})
	}

	conn, err := factory.Build(ch, factory.Options{
		Logger:                 s.log,
		Role:                   httpconn.RoleServer,
		HostAddress:            nc.RemoteAddr().String(),
		UseTLS:                 useTLS,
		ManualWindowManagement: s.opts.ManualWindowManagement,
		InitialWindowSize:      s.opts.InitialWindowSize,
	})
	if err != nil {
		s.log.Warn("failed to build connection", zap.Error(err))
		_ = nc.Close()
		s.connWG.Done()
		return
	}

	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conns[ch] = conn
	s.mu.Unlock()

	if err := httpconn.WithAcceptWindow(conn, func() {
		s.opts.OnIncomingConnection(conn)
	}); err != nil {
		s.log.Warn("OnIncomingConnection returned without calling ConfigureServer", zap.Error(err))
		conn.Channel().Shutdown(err)
	}
}

// Release idempotently begins graceful shutdown: it closes the listener so
// no new connections are accepted, requests Close on every tracked
// connection, and once every connection's Shutdown handler has run and the
// accept loop has returned, calls OnDestroyComplete exactly once.
func (s *Server) Release() error {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return nil
	}
	s.shuttingDown = true
	ln := s.ln
	conns := make([]httpconn.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var closeErr error
	if ln != nil {
		closeErr = ln.Close()
	}
	for _, c := range conns {
		_ = c.Close()
	}

	s.connWG.Wait()
	s.releaseWG.Wait()

	if cb := s.opts.OnDestroyComplete; cb != nil {
		s.doneOnce.Do(cb)
	}
	return multierr.Combine(closeErr)
}
