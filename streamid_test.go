package httpconn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStreamIDAllocatorClientStartsOdd(t *testing.T) {
	a := newStreamIDAllocator(RoleClient)
	id, err := a.nextStreamID()
	require.NoError(t, err)
	require.Equal(t, uint32(1), id)
	id, err = a.nextStreamID()
	require.NoError(t, err)
	require.Equal(t, uint32(3), id)
}

func TestStreamIDAllocatorServerStartsEven(t *testing.T) {
	a := newStreamIDAllocator(RoleServer)
	id, err := a.nextStreamID()
	require.NoError(t, err)
	require.Equal(t, uint32(2), id)
	id, err = a.nextStreamID()
	require.NoError(t, err)
	require.Equal(t, uint32(4), id)
}

func TestStreamIDAllocatorExhaustion(t *testing.T) {
	a := newStreamIDAllocator(RoleClient)
	a.next.Store(maxStreamID + 1)
	_, err := a.nextStreamID()
	require.Equal(t, CodeStreamIDsExhausted, CodeOf(err))
}

func TestStreamIDAllocatorConcurrentAllocationsAreUnique(t *testing.T) {
	a := newStreamIDAllocator(RoleClient)
	const n = 200
	type result struct {
		id  uint32
		err error
	}
	results := make(chan result, n)
	for i := 0; i < n; i++ {
		go func() {
			id, err := a.nextStreamID()
			results <- result{id, err}
		}()
	}
	seen := make(map[uint32]bool, n)
	for i := 0; i < n; i++ {
		r := <-results
		require.NoError(t, r.err)
		require.False(t, seen[r.id], "duplicate stream id %d", r.id)
		seen[r.id] = true
	}
}
