package chanio

// Handler is a participant installed in a Slot. It processes the shutdown of
// the channel it occupies; byte-level read/write processing is left to the
// concrete handler implementation (the HTTP/1 and HTTP/2 connection types in
// the parent package read and write the channel's net.Conn directly once
// installed — this package only owns slot topology and shutdown fan-out).
type Handler interface {
	// Shutdown is called once, on the channel's event-loop goroutine, when
	// the channel begins shutting down. err is nil for a clean shutdown.
	Shutdown(err error)
}

// Slot is a position in a Channel's handler chain. Slots have adjacent-left
// (inbound, towards the network) and adjacent-right (outbound, towards the
// application) neighbors in the chain.
type Slot struct {
	channel *Channel
	handler Handler
	prev    *Slot
	next    *Slot
}

// Channel returns the channel this slot belongs to.
func (s *Slot) Channel() *Channel { return s.channel }

// Handler returns the handler currently installed in this slot, or nil.
func (s *Slot) Handler() Handler { return s.handler }

// SetHandler installs h as this slot's handler, binding the connection's
// handler object to its position in the chain.
func (s *Slot) SetHandler(h Handler) { s.handler = h }

// Prev returns the adjacent inbound slot, or nil if s is the head.
func (s *Slot) Prev() *Slot { return s.prev }

// Next returns the adjacent outbound slot, or nil if s is the tail.
func (s *Slot) Next() *Slot { return s.next }
