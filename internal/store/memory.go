package store

import (
	"context"
	"sync"

	"tileview/internal/serializer"
	"tileview/internal/tile"
)

// Memory keeps tiles in maps, per layer. It is filled with Put.
type Memory[T any] struct {
	mu    sync.RWMutex
	tiles map[string]map[tile.Key]*tile.Data[T]
	meta  map[string]string
}

func NewMemory[T any]() *Memory[T] {
	return &Memory[T]{
		tiles: make(map[string]map[tile.Key]*tile.Data[T]),
		meta:  make(map[string]string),
	}
}

func (s *Memory[T]) Put(layer string, tiles ...*tile.Data[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.tiles[layer]
	if !ok {
		m = make(map[tile.Key]*tile.Data[T])
		s.tiles[layer] = m
	}
	for _, d := range tiles {
		if d != nil {
			m[d.Key] = d
		}
	}
}

func (s *Memory[T]) SetMetaData(layer, meta string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[layer] = meta
}

func (s *Memory[T]) InitializeForRead(context.Context, string, map[string]string) error {
	return nil
}

func (s *Memory[T]) ReadTiles(_ context.Context, layer string, _ serializer.Serializer[T], keys []tile.Key) ([]*tile.Data[T], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := s.tiles[layer]
	out := make([]*tile.Data[T], 0, len(keys))
	for _, k := range keys {
		if d, ok := m[k]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *Memory[T]) ReadMetaData(_ context.Context, layer string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta[layer], nil
}
