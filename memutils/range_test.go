package memutils

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRangeIsInclusive(t *testing.T) {
	r := NewRange(0x1000, 0x1000)
	require.Equal(t, uint64(0x1000), r.Start)
	require.Equal(t, uint64(0x1fff), r.Last)
	require.Equal(t, uint64(0x1000), r.Size())
	require.True(t, r.Valid())
}

func TestNewRangeZeroSizeIsInvalid(t *testing.T) {
	r := NewRange(0x1000, 0)
	require.False(t, r.Valid())
}

func TestRangeOverlapsAndContains(t *testing.T) {
	a := Range{Start: 0, Last: 999}
	b := Range{Start: 1000, Last: 1999}
	c := Range{Start: 500, Last: 1499}

	require.False(t, a.Overlaps(b))
	require.False(t, b.Overlaps(a))
	require.True(t, a.Overlaps(c))
	require.True(t, c.Overlaps(b))

	require.True(t, a.Contains(Range{Start: 100, Last: 200}))
	require.False(t, a.Contains(c))

	// adjacent single-byte boundary
	require.True(t, a.Overlaps(Range{Start: 999, Last: 999}))
	require.False(t, a.Overlaps(Range{Start: 1000, Last: 1000}))
}

func TestRangeUnion(t *testing.T) {
	a := Range{Start: 500, Last: 1499}
	b := Range{Start: 0, Last: 999}

	u := a.Union(b)
	require.Equal(t, Range{Start: 0, Last: 1499}, u)
	require.True(t, u.Contains(a))
	require.True(t, u.Contains(b))
}
