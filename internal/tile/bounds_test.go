package tile

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func blockKeys(level, minX, maxX, minY, maxY int) []Key {
	var keys []Key
	for x := minX; x <= maxX; x++ {
		for y := minY; y <= maxY; y++ {
			keys = append(keys, NewKey(level, x, y))
		}
	}
	return keys
}

func coveredKeys(bounds []Bounds) map[Key]int {
	covered := make(map[Key]int)
	for _, b := range bounds {
		for _, k := range b.Keys() {
			covered[k]++
		}
	}
	return covered
}

func TestCombine_BigSquare(t *testing.T) {
	keys := blockKeys(6, 4, 11, 7, 10)
	rand.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })

	bounds := Combine(keys)
	require.Len(t, bounds, 1)
	require.Equal(t, "<TileBlock[4-11, 7-10, 6]>", bounds[0].String())
	require.Equal(t, 32, bounds[0].Size())
}

func TestCombine_Levels(t *testing.T) {
	keys := append(blockKeys(7, 4, 11, 7, 10), blockKeys(6, 4, 11, 7, 10)...)

	bounds := Combine(keys)
	require.Len(t, bounds, 2)
	// Canonical ordering puts the lower level first.
	require.Equal(t, "<TileBlock[4-11, 7-10, 6]>", bounds[0].String())
	require.Equal(t, "<TileBlock[4-11, 7-10, 7]>", bounds[1].String())
}

func TestCombine_HollowSquare(t *testing.T) {
	keys := []Key{
		NewKey(6, 7, 10), NewKey(6, 7, 11), NewKey(6, 7, 12),
		NewKey(6, 8, 12), NewKey(6, 9, 12), NewKey(6, 9, 11),
		NewKey(6, 9, 10), NewKey(6, 8, 10),
	}

	bounds := Combine(keys)
	require.Len(t, bounds, 4)

	covered := coveredKeys(bounds)
	require.Len(t, covered, len(keys))
	for _, k := range keys {
		require.Equal(t, 1, covered[k], "key %s", k)
	}
}

func TestCombine_NoCombine(t *testing.T) {
	keys := []Key{
		NewKey(6, 14, 20), NewKey(6, 14, 22), NewKey(6, 14, 24),
		NewKey(6, 16, 24), NewKey(6, 18, 24), NewKey(6, 18, 22),
		NewKey(6, 18, 20), NewKey(6, 16, 20),
	}

	bounds := Combine(keys)
	require.Len(t, bounds, 8)
	for _, b := range bounds {
		require.Equal(t, 1, b.Size())
	}
}

func TestCombine_DuplicatesAndEmpty(t *testing.T) {
	require.Empty(t, Combine(nil))

	bounds := Combine([]Key{NewKey(2, 1, 1), NewKey(2, 1, 1), NewKey(2, 1, 2)})
	require.Equal(t, []Bounds{{Level: 2, MinX: 1, MaxX: 1, MinY: 1, MaxY: 2}}, bounds)
}

func TestCombine_ExactCoverAndIdempotent(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 20; round++ {
		set := make(map[Key]struct{})
		var keys []Key
		for i := 0; i < 60; i++ {
			k := NewKey(rng.Intn(2), rng.Intn(8), rng.Intn(8))
			if _, ok := set[k]; ok {
				continue
			}
			set[k] = struct{}{}
			keys = append(keys, k)
		}

		bounds := Combine(keys)
		covered := coveredKeys(bounds)
		require.Len(t, covered, len(set))
		for k, n := range covered {
			_, ok := set[k]
			require.True(t, ok, "extra key %s", k)
			require.Equal(t, 1, n, "key %s covered twice", k)
		}

		var again []Key
		for _, b := range bounds {
			again = append(again, b.Keys()...)
		}
		require.Equal(t, bounds, Combine(again))
	}
}

func TestCombineString_Canonical(t *testing.T) {
	a := []Key{NewKey(3, 5, 5), NewKey(1, 0, 0), NewKey(1, 0, 1)}
	b := []Key{NewKey(1, 0, 1), NewKey(3, 5, 5), NewKey(1, 0, 0)}

	require.Equal(t, CombineString(a), CombineString(b))
	require.Equal(t, "[<TileBlock[0-0, 0-1, 1]>, <TileBlock[5-5, 5-5, 3]>]", CombineString(a))
}

func TestBounds_CanCombine(t *testing.T) {
	a := Bounds{Level: 4, MinX: 0, MaxX: 1, MinY: 0, MaxY: 0}
	require.True(t, a.CanCombine(Bounds{Level: 4, MinX: 0, MaxX: 1, MinY: 1, MaxY: 3}))
	require.True(t, a.CanCombine(Bounds{Level: 4, MinX: 2, MaxX: 5, MinY: 0, MaxY: 0}))
	require.False(t, a.CanCombine(Bounds{Level: 4, MinX: 0, MaxX: 1, MinY: 2, MaxY: 3}))
	require.False(t, a.CanCombine(Bounds{Level: 5, MinX: 0, MaxX: 1, MinY: 1, MaxY: 1}))
	require.False(t, a.CanCombine(Bounds{Level: 4, MinX: 0, MaxX: 2, MinY: 1, MaxY: 1}))
}
