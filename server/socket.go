package server

import (
	"context"
	"net"
)

// StreamSocket provides a listener for stream-oriented network connections.
// It exists so tests can substitute an in-memory listener for a real TCP
// socket.
type StreamSocket interface {
	Listen(ctx context.Context) (net.Listener, error)
}

type tcpSocket struct {
	address string
}

// TCP returns a StreamSocket for the given TCP address.
func TCP(address string) StreamSocket {
	return &tcpSocket{address}
}

func (l *tcpSocket) Listen(ctx context.Context) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(ctx, "tcp", l.address)
}

// Listener adapts an already-constructed net.Listener into a StreamSocket,
// for callers that built their own (e.g. net.Pipe-backed tests or a
// listener inherited via socket activation).
func Listener(ln net.Listener) StreamSocket {
	return &fixedSocket{ln}
}

type fixedSocket struct {
	ln net.Listener
}

func (l *fixedSocket) Listen(context.Context) (net.Listener, error) { return l.ln, nil }
