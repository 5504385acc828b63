// Package hooks provides the process-wide, swappable function table used to
// inject test doubles into connection bootstrapping.
//
// Only NewSocketChannel is currently hookable. The hook must be replaced
// before any concurrent Connect call; replacement is not ordered against
// in-flight operations.
package hooks

import (
	"context"
	"net"

	"go.uber.org/atomic"
)

// NewSocketChannelFunc dials a new outbound connection. The default
// implementation uses net.Dialer.DialContext; tests substitute it with an
// in-memory net.Pipe or a failing dialer.
type NewSocketChannelFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Table is the hookable function set. A Table is immutable once installed;
// replace it wholesale via Set.
type Table struct {
	NewSocketChannel NewSocketChannelFunc
}

func defaultNewSocketChannel(ctx context.Context, network, address string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, address)
}

var current atomic.Value

func init() {
	current.Store(Table{NewSocketChannel: defaultNewSocketChannel})
}

// Current returns the currently installed Table.
func Current() Table {
	return current.Load().(Table)
}

// Set wholesale-replaces the process-wide Table. Intended for tests; the
// caller is responsible for not racing it against an in-flight Connect
// call.
func Set(t Table) {
	if t.NewSocketChannel == nil {
		t.NewSocketChannel = defaultNewSocketChannel
	}
	current.Store(t)
}

// Reset restores the default Table.
func Reset() {
	current.Store(Table{NewSocketChannel: defaultNewSocketChannel})
}
