package vma_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/assembler-0/AeroSync-sub002/vma"
)

const pageSize = 4096

func TestInsertFindOverlap(t *testing.T) {
	m := vma.NewMap(0, 1<<40, pageSize)
	a1 := &vma.Area{Start: 0x1000, End: 0x3000}
	require.NoError(t, m.Insert(a1))

	require.Equal(t, a1, m.Find(0x1500))
	require.Nil(t, m.Find(0x4000))

	a2 := &vma.Area{Start: 0x2000, End: 0x4000}
	require.Error(t, m.Insert(a2), "overlapping area must be rejected")

	a3 := &vma.Area{Start: 0x3000, End: 0x4000}
	require.NoError(t, m.Insert(a3))
	require.Equal(t, 2, m.Count())
}

func TestFindFreeGapAvoidsExistingAreas(t *testing.T) {
	m := vma.NewMap(0x1000, 0x10000, pageSize)
	require.NoError(t, m.Insert(&vma.Area{Start: 0x1000, End: 0x2000}))
	require.NoError(t, m.Insert(&vma.Area{Start: 0x2000, End: 0x3000}))

	gap, ok := m.FindFreeGap(pageSize, 0)
	require.True(t, ok)
	require.Equal(t, uintptr(0x3000), gap)
}

func TestRemove(t *testing.T) {
	m := vma.NewMap(0, 1<<40, pageSize)
	a := &vma.Area{Start: 0x1000, End: 0x2000}
	require.NoError(t, m.Insert(a))
	removed := m.Remove(0x1000)
	require.Equal(t, a, removed)
	require.Equal(t, 0, m.Count())
	require.Nil(t, m.Find(0x1500))
}
