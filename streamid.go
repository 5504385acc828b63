package httpconn

import "go.uber.org/atomic"

// maxStreamID is the 31-bit HTTP/2 stream ID bound: (2^32-1) >> 1.
const maxStreamID uint32 = 0x7FFFFFFF

// streamIDAllocator is the stream-ID allocator shared by both protocol
// versions. Client streams are odd, server (push) streams are
// even; IDs are never reused and strictly increase until exhaustion.
type streamIDAllocator struct {
	next atomic.Uint32
}

func newStreamIDAllocator(role Role) *streamIDAllocator {
	a := &streamIDAllocator{}
	if role == RoleServer {
		a.next.Store(2)
	} else {
		a.next.Store(1)
	}
	return a
}

// nextStreamID returns the current value and advances by 2, or returns
// (0, CodeStreamIDsExhausted) if the prior value already exceeded the 31-bit
// bound.
func (a *streamIDAllocator) nextStreamID() (uint32, error) {
	for {
		cur := a.next.Load()
		if cur > maxStreamID {
			return 0, NewError(CodeStreamIDsExhausted, "Connection.GetNextStreamID")
		}
		if a.next.CAS(cur, cur+2) {
			return cur, nil
		}
	}
}
