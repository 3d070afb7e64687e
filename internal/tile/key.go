package tile

import (
	"fmt"
	"strconv"
	"strings"
)

// Key identifies one cell of a tile pyramid.
type Key struct {
	Level int `json:"level"`
	X     int `json:"x"`
	Y     int `json:"y"`
}

func NewKey(level, x, y int) Key {
	return Key{Level: level, X: x, Y: y}
}

// String renders the key as z/x/y.
func (k Key) String() string {
	return fmt.Sprintf("%d/%d/%d", k.Level, k.X, k.Y)
}

func (k Key) Valid() bool {
	return k.Level >= 0 && k.X >= 0 && k.Y >= 0
}

// ParseKey parses a z/x/y string.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(strings.Trim(s, "/"), "/")
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("invalid tile key %q: expected z/x/y", s)
	}

	var vals [3]int
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return Key{}, fmt.Errorf("invalid tile key %q: %w", s, err)
		}
		vals[i] = v
	}

	k := Key{Level: vals[0], X: vals[1], Y: vals[2]}
	if !k.Valid() {
		return Key{}, fmt.Errorf("invalid tile key %q: coordinates must be non-negative", s)
	}
	return k, nil
}

// Data is the decoded content of one tile. A nil *Data means the tile is
// confirmed absent.
type Data[T any] struct {
	Key     Key
	Payload T
}

func NewData[T any](key Key, payload T) *Data[T] {
	return &Data[T]{Key: key, Payload: payload}
}
