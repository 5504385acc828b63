package chanio_test

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"go.pact.im/x/httpconn/chanio"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestAppendSlotLinksAdjacentNeighbors(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	ch := chanio.New(server)

	a := ch.AppendSlot()
	b := ch.AppendSlot()

	require.Nil(t, a.Prev())
	require.Same(t, b, a.Next())
	require.Same(t, a, b.Prev())
	require.Nil(t, b.Next())
	require.Len(t, ch.Slots(), 2)
}

func TestRemoveSlotUnlinksAndLeavesChainConsistent(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	ch := chanio.New(server)

	a := ch.AppendSlot()
	b := ch.AppendSlot()
	c := ch.AppendSlot()

	ch.RemoveSlot(b)

	require.Equal(t, []*chanio.Slot{a, c}, ch.Slots())
	require.Same(t, c, a.Next())
	require.Same(t, a, c.Prev())
	require.Nil(t, b.Prev())
	require.Nil(t, b.Next())
}

func TestScheduleRunsOnEventLoopGoroutine(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	ch := chanio.New(server)
	ch.Run()
	defer ch.Shutdown(nil)

	done := make(chan struct{})
	ch.Schedule(func(chanio.EventLoopToken) { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduled task never ran")
	}
}

func TestShutdownNotifiesHandlersTailFirst(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	ch := chanio.New(server)

	var mu sync.Mutex
	var order []string
	record := func(name string) func(error) {
		return func(error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}

	ch.AppendSlot().SetHandler(handlerFunc(record("head")))
	ch.AppendSlot().SetHandler(handlerFunc(record("tail")))

	ch.Shutdown(nil)
	<-ch.Done()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"tail", "head"}, order)
}

func TestShutdownIsIdempotentAndClosesConn(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	ch := chanio.New(server)

	sentinel := NewSentinelError("boom")
	ch.Shutdown(sentinel)
	ch.Shutdown(NewSentinelError("ignored, first call wins"))
	<-ch.Done()

	require.Equal(t, sentinel, ch.ShutdownErr())
	require.False(t, ch.IsOpen())

	_, err := server.Write([]byte("x"))
	require.Error(t, err)
}

func TestScheduleAfterShutdownIsDroppedNotBlocked(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	ch := chanio.New(server)
	ch.Shutdown(nil)
	<-ch.Done()

	done := make(chan struct{})
	go func() {
		ch.Schedule(func(chanio.EventLoopToken) {})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Schedule blocked forever after shutdown")
	}
}

type handlerFunc func(error)

func (f handlerFunc) Shutdown(err error) { f(err) }

type sentinelError struct{ msg string }

func NewSentinelError(msg string) error { return &sentinelError{msg} }
func (e *sentinelError) Error() string  { return e.msg }
