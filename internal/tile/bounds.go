package tile

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// MaxLevel is the deepest level a Bounds may address. A level-z grid is
// 2^z tiles wide.
const MaxLevel = 30

// Bounds is a closed rectangle of tile coordinates on a single level.
type Bounds struct {
	Level int `json:"level"`
	MinX  int `json:"minX"`
	MaxX  int `json:"maxX"`
	MinY  int `json:"minY"`
	MaxY  int `json:"maxY"`
}

func unitBounds(k Key) Bounds {
	return Bounds{Level: k.Level, MinX: k.X, MaxX: k.X, MinY: k.Y, MaxY: k.Y}
}

func (b Bounds) String() string {
	return fmt.Sprintf("<TileBlock[%d-%d, %d-%d, %d]>", b.MinX, b.MaxX, b.MinY, b.MaxY, b.Level)
}

// Valid reports whether b is non-empty and lies inside the grid of its level.
func (b Bounds) Valid() bool {
	if b.Level < 0 || b.Level > MaxLevel {
		return false
	}
	n := 1 << b.Level
	return b.MinX >= 0 && b.MinY >= 0 && b.MinX <= b.MaxX && b.MinY <= b.MaxY && b.MaxX < n && b.MaxY < n
}

// Size returns the number of tiles in the rectangle, saturating at
// math.MaxInt.
func (b Bounds) Size() int {
	if b.MaxX < b.MinX || b.MaxY < b.MinY {
		return 0
	}
	w := uint64(b.MaxX) - uint64(b.MinX) + 1
	h := uint64(b.MaxY) - uint64(b.MinY) + 1
	// w or h wraps to 0 only for a full-range int extent.
	if w == 0 || h == 0 || w > math.MaxInt/h {
		return math.MaxInt
	}
	return int(w * h)
}

func (b Bounds) Contains(k Key) bool {
	return k.Level == b.Level && k.X >= b.MinX && k.X <= b.MaxX && k.Y >= b.MinY && k.Y <= b.MaxY
}

// Keys enumerates the tiles in the rectangle, row by row.
func (b Bounds) Keys() []Key {
	keys := make([]Key, 0, b.Size())
	for y := b.MinY; y <= b.MaxY; y++ {
		for x := b.MinX; x <= b.MaxX; x++ {
			keys = append(keys, Key{Level: b.Level, X: x, Y: y})
		}
	}
	return keys
}

// canCombineX reports whether the two share an X extent and their Y extents
// overlap or touch.
func (b Bounds) canCombineX(o Bounds) bool {
	if b.Level != o.Level || b.MinX != o.MinX || b.MaxX != o.MaxX {
		return false
	}
	if b.MinY > o.MinY {
		b, o = o, b
	}
	return b.MaxY >= o.MinY-1
}

func (b Bounds) canCombineY(o Bounds) bool {
	if b.Level != o.Level || b.MinY != o.MinY || b.MaxY != o.MaxY {
		return false
	}
	if b.MinX > o.MinX {
		b, o = o, b
	}
	return b.MaxX >= o.MinX-1
}

// CanCombine reports whether b and o merge into one rectangle covering
// exactly their union.
func (b Bounds) CanCombine(o Bounds) bool {
	return b.canCombineX(o) || b.canCombineY(o)
}

func (b Bounds) combineX(o Bounds) Bounds {
	return Bounds{Level: b.Level, MinX: b.MinX, MaxX: b.MaxX, MinY: min(b.MinY, o.MinY), MaxY: max(b.MaxY, o.MaxY)}
}

func (b Bounds) combineY(o Bounds) Bounds {
	return Bounds{Level: b.Level, MinX: min(b.MinX, o.MinX), MaxX: max(b.MaxX, o.MaxX), MinY: b.MinY, MaxY: b.MaxY}
}

func (b Bounds) less(o Bounds) bool {
	switch {
	case b.Level != o.Level:
		return b.Level < o.Level
	case b.MinX != o.MinX:
		return b.MinX < o.MinX
	case b.MaxX != o.MaxX:
		return b.MaxX < o.MaxX
	case b.MinY != o.MinY:
		return b.MinY < o.MinY
	default:
		return b.MaxY < o.MaxY
	}
}

// Combine reduces keys to rectangles covering exactly the same tiles.
//
// Pairs are merged one at a time, restarting the scan after every merge,
// until a full pass finds nothing to merge. The result is sorted by level,
// then minX, maxX, minY, maxY.
func Combine(keys []Key) []Bounds {
	seen := make(map[Key]struct{}, len(keys))
	results := make([]Bounds, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		results = append(results, unitBounds(k))
	}
	// Merge order depends on input order; start from a stable one.
	sortBounds(results)

	for reduced := true; reduced; {
		reduced = false
		for i := 0; !reduced && i < len(results)-1; i++ {
			for j := i + 1; j < len(results); j++ {
				var merged Bounds
				switch {
				case results[i].canCombineX(results[j]):
					merged = results[i].combineX(results[j])
				case results[i].canCombineY(results[j]):
					merged = results[i].combineY(results[j])
				default:
					continue
				}
				results = append(results[:j], results[j+1:]...)
				results[i] = merged
				reduced = true
				break
			}
		}
	}

	sortBounds(results)
	return results
}

// CombineString renders the canonical merge of keys, e.g.
// "[<TileBlock[4-11, 7-10, 6]>]".
func CombineString(keys []Key) string {
	bounds := Combine(keys)
	parts := make([]string, len(bounds))
	for i, b := range bounds {
		parts[i] = b.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func sortBounds(bounds []Bounds) {
	sort.Slice(bounds, func(i, j int) bool { return bounds[i].less(bounds[j]) })
}
