package tile

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseKey(t *testing.T) {
	k, err := ParseKey("6/11/10")
	require.NoError(t, err)
	require.Equal(t, NewKey(6, 11, 10), k)
	require.Equal(t, "6/11/10", k.String())

	for _, bad := range []string{"", "1/2", "a/b/c", "1/-2/3", "1/2/3/4"} {
		_, err := ParseKey(bad)
		require.Error(t, err, bad)
	}
}

func TestKey_UsableAsMapKey(t *testing.T) {
	m := map[Key]string{NewKey(1, 2, 3): "a"}
	require.Equal(t, "a", m[Key{Level: 1, X: 2, Y: 3}])
}

func TestBounds_Keys(t *testing.T) {
	b := Bounds{Level: 3, MinX: 1, MaxX: 2, MinY: 3, MaxY: 4}
	require.Equal(t, []Key{
		NewKey(3, 1, 3), NewKey(3, 2, 3),
		NewKey(3, 1, 4), NewKey(3, 2, 4),
	}, b.Keys())
	require.True(t, b.Contains(NewKey(3, 2, 4)))
	require.False(t, b.Contains(NewKey(4, 2, 4)))
	require.True(t, b.Valid())
	require.False(t, Bounds{MinX: 2, MaxX: 1}.Valid())
}

func TestBounds_ValidStaysInsideGrid(t *testing.T) {
	require.True(t, Bounds{Level: 0}.Valid())
	require.True(t, Bounds{Level: 2, MaxX: 3, MaxY: 3}.Valid())
	require.False(t, Bounds{Level: 2, MaxX: 4, MaxY: 3}.Valid())
	require.False(t, Bounds{Level: 2, MaxX: 3, MaxY: 4}.Valid())
	require.False(t, Bounds{Level: -1}.Valid())
	require.True(t, Bounds{Level: MaxLevel, MaxX: 1<<MaxLevel - 1}.Valid())
	require.False(t, Bounds{Level: MaxLevel + 1}.Valid())
	require.False(t, Bounds{Level: 40, MaxX: 1<<32 - 1, MaxY: 1<<32 - 1}.Valid())
}

func TestBounds_SizeSaturates(t *testing.T) {
	require.Equal(t, 6, Bounds{Level: 3, MinX: 1, MaxX: 3, MinY: 0, MaxY: 1}.Size())
	require.Zero(t, Bounds{MinX: 2, MaxX: 1}.Size())

	huge := Bounds{Level: 40, MaxX: 1<<32 - 1, MaxY: 1<<32 - 1}
	require.Equal(t, math.MaxInt, huge.Size())
	require.Equal(t, math.MaxInt, Bounds{MinX: math.MinInt, MaxX: math.MaxInt, MaxY: 1}.Size())
	require.Equal(t, 1<<60, Bounds{Level: MaxLevel, MaxX: 1<<MaxLevel - 1, MaxY: 1<<MaxLevel - 1}.Size())
}
