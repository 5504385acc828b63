package client

import (
	"go.pact.im/x/httpconn"
	"go.pact.im/x/httpconn/chanio"
)

// shutdownNotifier occupies the tail slot of a client-role channel purely
// to observe Channel.Shutdown and forward it to the ClientBootstrap
// caller's OnShutdown, since ServerConnectionOptions.OnShutdown is a
// server-role-only callback.
type shutdownNotifier struct {
	conn httpconn.Connection
	cb   func(httpconn.Connection, error)
}

func (n *shutdownNotifier) Shutdown(err error) { n.cb(n.conn, err) }

func installShutdownNotifier(ch *chanio.Channel, conn httpconn.Connection, cb func(httpconn.Connection, error)) {
	ch.AppendSlot().SetHandler(&shutdownNotifier{conn: conn, cb: cb})
}
