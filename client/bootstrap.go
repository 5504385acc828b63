// Package client implements the dial-side connection lifecycle:
// ClientBootstrap.Connect dials a new outbound socket (through the
// swappable hooks.Table, so tests can substitute an in-memory pipe),
// optionally wraps it in a TLS client handshake, hands the result to
// factory.Build, and sequences the setup/shutdown callback contract.
package client

import (
	"context"
	"crypto/tls"

	"go.uber.org/zap"

	"go.pact.im/x/httpconn"
	"go.pact.im/x/httpconn/chanio"
	"go.pact.im/x/httpconn/factory"
	"go.pact.im/x/httpconn/hooks"
)

// Options configures a ClientBootstrap.
type Options struct {
	Logger *zap.Logger

	// TLSConfig, if non-nil, is used to wrap the dialed connection in a
	// TLS client handshake before the protocol version is determined by
	// ALPN. If NextProtos is unset it defaults to {"h2", "http/1.1"}.
	TLSConfig *tls.Config

	ManualWindowManagement bool
	InitialWindowSize      uint32

	// OnSetup is called exactly once per Connect call that returns nil:
	// with (conn, nil) on success, or (nil, err) on failure. It is the only place a caller is
	// guaranteed to learn a Connect attempt's outcome.
	OnSetup func(conn httpconn.Connection, err error)

	// OnShutdown is called exactly once per successfully set up
	// connection, strictly after OnSetup(conn, nil) for that connection,
	// when the connection's channel shuts down.
	OnShutdown func(conn httpconn.Connection, err error)
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// validate checks the required fields of Options, mirroring the teacher's
// options.go setDefaults/validate split. Detected at entry and returned
// synchronously, never escalated to OnSetup, per spec §4.C/§7.
func (o *Options) validate() error {
	if o.OnSetup == nil {
		return httpconn.NewError(httpconn.CodeInvalidArgument, "ClientBootstrap.OnSetup")
	}
	return nil
}

// ClientBootstrap dials and configures outbound HTTP connections.
type ClientBootstrap struct {
	log  *zap.Logger
	opts Options
}

// New returns a new ClientBootstrap with the given options, or a synchronous
// CodeInvalidArgument error if a required option is missing.
func New(o Options) (*ClientBootstrap, error) {
	o.setDefaults()
	if err := o.validate(); err != nil {
		return nil, err
	}
	return &ClientBootstrap{log: o.Logger, opts: o}, nil
}

// Connect validates network/address and, if valid, dials and builds a
// Connection over it. Argument validation (an empty address) is detected at
// entry and returned synchronously without ever reaching OnSetup; the dial
// and setup outcome thereafter is always delivered through OnSetup, never
// through Connect's own return value, matching OnIncomingConnection's
// callback-only contract on the accept side.
func (b *ClientBootstrap) Connect(ctx context.Context, network, address string) error {
	if address == "" {
		return httpconn.NewError(httpconn.CodeInvalidArgument, "ClientBootstrap.Connect")
	}
	conn, err := b.connect(ctx, network, address)
	b.opts.OnSetup(conn, err)
	return nil
}

func (b *ClientBootstrap) connect(ctx context.Context, network, address string) (httpconn.Connection, error) {
	nc, err := hooks.Current().NewSocketChannel(ctx, network, address)
	if err != nil {
		return nil, httpconn.WrapError(httpconn.CodeConnectionClosed, "ClientBootstrap.Connect", err)
	}

	useTLS := b.opts.TLSConfig != nil
	ch := chanio.New(nc)

	if useTLS {
		cfg := defaultNextProtosH2(b.opts.TLSConfig)
		if cfg.ServerName == "" {
			cfg = cfg.Clone()
			cfg.ServerName = serverNameFromAddress(address)
		}
		tconn := tls.Client(nc, cfg)
		if err := tconn.HandshakeContext(ctx); err != nil {
			_ = tconn.Close()
			return nil, httpconn.WrapError(httpconn.CodeConnectionClosed, "ClientBootstrap.Connect", err)
		}
		ch = chanio.New(tconn)
		ch.AppendSlot().SetHandler(&tlsHandler{conn: tconn})
	}

	conn, err := factory.Build(ch, factory.Options{
		Logger:                 b.log,
		Role:                   httpconn.RoleClient,
		HostAddress:            address,
		UseTLS:                 useTLS,
		ManualWindowManagement: b.opts.ManualWindowManagement,
		InitialWindowSize:      b.opts.InitialWindowSize,
	})
	if err != nil {
		_ = ch.Conn().Close()
		return nil, err
	}

	if cb := b.opts.OnShutdown; cb != nil {
		installShutdownNotifier(ch, conn, cb)
	}
	return conn, nil
}
