package hashtable_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/assembler-0/AeroSync-sub002/hashtable"
)

func TestSetRejectsDuplicateKey(t *testing.T) {
	tbl := hashtable.New[uint64, string](8)
	_, inserted := tbl.Set(1, "first")
	require.True(t, inserted)
	prev, inserted := tbl.Set(1, "second")
	require.False(t, inserted)
	require.Equal(t, "first", prev)
}

func TestGetAndDel(t *testing.T) {
	tbl := hashtable.New[uintptr, int](8)
	tbl.Set(0x1000, 42)
	v, ok := tbl.Get(0x1000)
	require.True(t, ok)
	require.Equal(t, 42, v)

	tbl.Del(0x1000)
	_, ok = tbl.Get(0x1000)
	require.False(t, ok)
}
