package spatial

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func square(minX, minY, maxX, maxY float64) orb.Polygon {
	return orb.Polygon{orb.Ring{{minX, minY}, {maxX, minY}, {maxX, maxY}, {minX, maxY}, {minX, minY}}}
}

func TestInsertAssignsIncreasingIDs(t *testing.T) {
	x := New(orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{10, 10}})
	for i := 0; i < 5; i++ {
		id, err := x.Insert(orb.Point{float64(i), float64(i)})
		require.NoError(t, err)
		assert.Equal(t, ID(i), id)
	}
	assert.Equal(t, 5, x.Len())

	_, err := x.Insert(orb.Point{11, 0})
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

func TestRangeQuery(t *testing.T) {
	x := New(orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{10, 10}})
	a, _ := x.Insert(orb.Point{1, 1})
	b, _ := x.Insert(orb.Point{2, 2})
	_, _ = x.Insert(orb.Point{8, 8})

	assert.Equal(t, []ID{a, b}, x.RangeQuery(square(0, 0, 3, 3)))

	// triangle excluding (2,2)
	tri := orb.Polygon{orb.Ring{{0, 0}, {3, 0}, {0, 3}, {0, 0}}}
	assert.Equal(t, []ID{a}, x.RangeQuery(tri))
}

func TestMoveAndRemove(t *testing.T) {
	x := New(orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{10, 10}})
	id, _ := x.Insert(orb.Point{1, 1})

	assert.True(t, x.Move(id, orb.Point{9, 9}))
	assert.Empty(t, x.RangeQuery(square(0, 0, 3, 3)))
	assert.Equal(t, []ID{id}, x.RangeQuery(square(8, 8, 10, 10)))

	assert.False(t, x.Move(id, orb.Point{20, 20}))
	p, ok := x.Point(id)
	require.True(t, ok)
	assert.Equal(t, orb.Point{9, 9}, p)

	assert.True(t, x.Remove(id))
	assert.False(t, x.Remove(id))
	assert.Zero(t, x.Len())
}

func TestInsertWithIDAdvancesNext(t *testing.T) {
	x := New(orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{10, 10}})
	require.NoError(t, x.InsertWithID(7, orb.Point{5, 5}))
	id, err := x.Insert(orb.Point{6, 6})
	require.NoError(t, err)
	assert.Equal(t, ID(8), id)
	assert.Equal(t, []ID{7, 8}, x.IDs())
}
