// Package factory builds a protocol-aware Connection on top of a freshly
// established chanio.Channel: it appends the connection's Slot to the
// channel's handler chain, determines the HTTP version from the adjacent
// inbound slot's negotiated ALPN protocol (or defaults to HTTP/1.1 when no
// TLS is in play), constructs the matching Connection implementation, and
// starts it.
package factory

import (
	"go.uber.org/zap"

	"go.pact.im/x/httpconn"
	"go.pact.im/x/httpconn/chanio"
)

// Options configures a single Build call.
type Options struct {
	Logger *zap.Logger
	Role   httpconn.Role

	// HostAddress is the peer address recorded on the resulting Connection,
	// typically channel.Conn().RemoteAddr().String().
	HostAddress string

	// UseTLS indicates that the adjacent inbound slot is expected to carry
	// a TLS handler implementing httpconn.NegotiatedProtocol. If true and
	// that expectation is not met, Build fails with CodeInvalidState.
	UseTLS bool

	ManualWindowManagement bool
	InitialWindowSize      uint32
}

// Build installs and starts a Connection on ch, returning it. On any
// failure it rolls back the slot it appended so the channel's chain is left
// exactly as it found it.
func Build(ch *chanio.Channel, o Options) (httpconn.Connection, error) {
	slot := ch.AppendSlot()

	version, warn := httpconn.Http1_1, false
	if o.UseTLS {
		inbound := slot.Prev()
		if inbound == nil || inbound.Handler() == nil {
			ch.RemoveSlot(slot)
			return nil, httpconn.NewError(httpconn.CodeInvalidState, "ConnectionFactory.Build")
		}
		np, ok := inbound.Handler().(httpconn.NegotiatedProtocol)
		if !ok {
			ch.RemoveSlot(slot)
			return nil, httpconn.NewError(httpconn.CodeInvalidState, "ConnectionFactory.Build")
		}
		proto, ok := np.NegotiatedProtocol()
		if !ok {
			ch.RemoveSlot(slot)
			return nil, httpconn.NewError(httpconn.CodeInvalidState, "ConnectionFactory.Build")
		}
		version, warn = httpconn.NegotiateVersion(proto)
	}

	log := o.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if warn {
		log.Warn("unrecognized ALPN protocol, defaulting to HTTP/1.1")
	}

	var conn interface {
		httpconn.Connection
		Run()
	}

	switch version {
	case httpconn.Http2:
		conn = httpconn.NewHTTP2Connection(ch, httpconn.Http2Options{
			Logger:                 log,
			Role:                   o.Role,
			HostAddress:            o.HostAddress,
			InitialWindowSize:      o.InitialWindowSize,
			ManualWindowManagement: o.ManualWindowManagement,
		})
	default:
		conn = httpconn.NewHTTP1Connection(ch, httpconn.Http1Options{
			Logger:                 log,
			Role:                   o.Role,
			HostAddress:            o.HostAddress,
			InitialWindowSize:      o.InitialWindowSize,
			ManualWindowManagement: o.ManualWindowManagement,
		})
	}

	slot.SetHandler(conn.(chanio.Handler))
	conn.Run()
	return conn, nil
}
