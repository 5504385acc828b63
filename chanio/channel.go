// Package chanio provides the asynchronous, slot-chained channel
// abstraction the HTTP connection manager is layered over: an ordered
// chain of handler Slots wrapping one net.Conn, each Channel pinned to a
// single event-loop goroutine.
//
// This is deliberately narrow. The byte-level HTTP/1 and HTTP/2 framing
// live in the parent httpconn package (and, for HTTP/2, in
// golang.org/x/net/http2); chanio only owns slot topology, the event-loop
// task queue, and shutdown fan-out: the primitives a connection factory
// and its threading discipline are built on.
package chanio

import (
	"net"
	"sync"
)

// EventLoopToken is handed to every scheduled Task by a Channel's own
// event-loop goroutine. Its presence in a function signature documents that
// the function must only run on that goroutine; passing a Task to Schedule is
// the only way to legitimately obtain one. The type itself does not stop
// other code from writing EventLoopToken{}.
type EventLoopToken struct{ _ [0]int }

// Task is a unit of work that runs on a Channel's event-loop goroutine.
type Task func(EventLoopToken)

// Channel wraps one net.Conn and the ordered chain of handler Slots layered
// over it. Every Channel owns exactly one event-loop goroutine, started by
// Run, which is the only goroutine allowed to touch event-loop-thread-only
// state anywhere in this module.
type Channel struct {
	conn net.Conn

	mu    sync.Mutex
	slots []*Slot
	open  bool

	tasks    chan Task
	stopLoop chan struct{}
	loopDone chan struct{}
	runOnce  sync.Once
	shutOnce sync.Once

	shutdownErr error
}

// New wraps conn in a new, not-yet-running Channel.
func New(conn net.Conn) *Channel {
	return &Channel{
		conn:     conn,
		open:     true,
		tasks:    make(chan Task, 64),
		stopLoop: make(chan struct{}),
		loopDone: make(chan struct{}),
	}
}

// Conn returns the underlying connection.
func (ch *Channel) Conn() net.Conn { return ch.conn }

// Run starts the channel's event-loop goroutine. It is safe to call
// multiple times; only the first call has an effect.
func (ch *Channel) Run() {
	ch.runOnce.Do(func() {
		go ch.loop()
	})
}

func (ch *Channel) loop() {
	defer close(ch.loopDone)
	for {
		select {
		case t := <-ch.tasks:
			t(EventLoopToken{})
		case <-ch.stopLoop:
			// Drain whatever was already enqueued before this goroutine
			// exits, so that a shutdown notification task scheduled
			// just ahead of stopLoop still runs.
			for {
				select {
				case t := <-ch.tasks:
					t(EventLoopToken{})
				default:
					return
				}
			}
		}
	}
}

// Schedule enqueues t to run on the event-loop goroutine. Safe to call from
// any goroutine, including the event-loop goroutine itself. If the channel
// has already finished shutting down, t is silently dropped.
func (ch *Channel) Schedule(t Task) {
	select {
	case ch.tasks <- t:
	case <-ch.loopDone:
	}
}

// AppendSlot allocates a new Slot and appends it to the tail of the
// channel's slot chain.
func (ch *Channel) AppendSlot() *Slot {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	s := &Slot{channel: ch}
	if n := len(ch.slots); n > 0 {
		tail := ch.slots[n-1]
		tail.next = s
		s.prev = tail
	}
	ch.slots = append(ch.slots, s)
	return s
}

// RemoveSlot unlinks s from the channel's slot chain. Used on the
// ConnectionFactory failure path.
func (ch *Channel) RemoveSlot(s *Slot) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	for i, x := range ch.slots {
		if x == s {
			ch.slots = append(ch.slots[:i], ch.slots[i+1:]...)
			break
		}
	}
	if s.prev != nil {
		s.prev.next = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	}
	s.prev, s.next = nil, nil
}

// Slots returns a snapshot of the current slot chain, head first.
func (ch *Channel) Slots() []*Slot {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	out := make([]*Slot, len(ch.slots))
	copy(out, ch.slots)
	return out
}

// IsOpen reports whether the channel has not yet begun shutting down. Safe
// to call from any goroutine.
func (ch *Channel) IsOpen() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.open
}

// Done returns a channel that is closed once the event loop has fully
// drained and exited after a Shutdown.
func (ch *Channel) Done() <-chan struct{} { return ch.loopDone }

// ShutdownErr returns the error passed to Shutdown, once shutdown has
// started.
func (ch *Channel) ShutdownErr() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.shutdownErr
}

// Shutdown idempotently begins tearing down the channel: it closes the
// underlying connection, then — on the event-loop goroutine, tail first —
// notifies every slot's Handler.Shutdown, and finally stops the event loop.
// Safe to call from any goroutine, any number of times; only the first call
// has an effect.
func (ch *Channel) Shutdown(err error) {
	ch.shutOnce.Do(func() {
		ch.mu.Lock()
		ch.open = false
		ch.shutdownErr = err
		slots := make([]*Slot, len(ch.slots))
		copy(slots, ch.slots)
		ch.mu.Unlock()

		_ = ch.conn.Close()

		// Ensure the loop is running so the notification task below and
		// the stopLoop signal are actually observed.
		ch.Run()

		ch.Schedule(func(EventLoopToken) {
			for i := len(slots) - 1; i >= 0; i-- {
				if h := slots[i].Handler(); h != nil {
					h.Shutdown(err)
				}
			}
		})
		close(ch.stopLoop)
	})
}
