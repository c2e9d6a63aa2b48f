package circbuf_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/assembler-0/AeroSync-sub002/circbuf"
)

func TestRingEvictsOldestOnOverflow(t *testing.T) {
	r := circbuf.New[int](3)
	r.Push(1)
	r.Push(2)
	r.Push(3)
	require.True(t, r.Full())
	r.Push(4)
	require.Equal(t, []int{2, 3, 4}, r.Snapshot())
}

func TestRingPopDrainsOldestFirst(t *testing.T) {
	r := circbuf.New[string](2)
	r.Push("a")
	r.Push("b")
	v, ok := r.Pop()
	require.True(t, ok)
	require.Equal(t, "a", v)
	require.Equal(t, 1, r.Len())
}
