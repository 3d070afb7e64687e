package store

import (
	"context"

	"tileview/internal/serializer"
	"tileview/internal/tile"
)

// Noop holds no tiles. Disabled layers use it.
type Noop[T any] struct{}

func NewNoop[T any]() *Noop[T] {
	return &Noop[T]{}
}

func (s *Noop[T]) InitializeForRead(context.Context, string, map[string]string) error {
	return nil
}

func (s *Noop[T]) ReadTiles(context.Context, string, serializer.Serializer[T], []tile.Key) ([]*tile.Data[T], error) {
	return nil, nil
}

func (s *Noop[T]) ReadMetaData(context.Context, string) (string, error) {
	return "", nil
}
