package server

import "go.pact.im/x/httpconn/chanio"

// connTracker occupies a slot in every accepted channel purely to observe
// Channel.Shutdown's tail-first fan-out and retire the channel from the
// Server's bookkeeping: remove it from channel_to_connection_map and mark
// its connWG entry done. This mirrors the teacher's track.go, which
// increments/decrements a connWG on net/http's ConnState transitions rather
// than on a handler callback returning; here the equivalent transition is
// the channel's own Shutdown, not OnIncomingConnection returning.
type connTracker struct {
	srv *Server
	ch  *chanio.Channel
}

func (t *connTracker) Shutdown(error) {
	t.srv.mu.Lock()
	delete(t.srv.conns, t.ch)
	t.srv.mu.Unlock()
	t.srv.connWG.Done()
}
