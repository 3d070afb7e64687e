package image_renderer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"tileview/internal/serializer"
	"tileview/internal/tile"
)

// TileRenderer renders tiles of source images.
type TileRenderer interface {
	ImageMeta(imageID string) (Meta, error)
	RenderBounds(ctx context.Context, imageID string, b tile.Bounds) (map[tile.Key][]byte, error)
}

// Store serves rendered tiles to a caching pyramid. Layers are image ids. It
// reads whole rectangles, so the pyramid hands it merged blocks.
type Store struct {
	renderer TileRenderer
}

func NewStore(renderer TileRenderer) *Store {
	return &Store{renderer: renderer}
}

func (s *Store) InitializeForRead(_ context.Context, layer string, _ map[string]string) error {
	_, err := s.renderer.ImageMeta(layer)
	return err
}

func (s *Store) ReadRange(ctx context.Context, layer string, ser serializer.Serializer[[]byte], b tile.Bounds) ([]*tile.Data[[]byte], error) {
	rendered, err := s.renderer.RenderBounds(ctx, layer, b)
	if errors.Is(err, ErrImageNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	out := make([]*tile.Data[[]byte], 0, len(rendered))
	for _, key := range b.Keys() {
		data, ok := rendered[key]
		if !ok {
			continue
		}
		if ser == nil {
			out = append(out, tile.NewData(key, data))
			continue
		}
		d, err := ser.Deserialize(key, bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// ReadTiles renders keys one rectangle at a time.
func (s *Store) ReadTiles(ctx context.Context, layer string, ser serializer.Serializer[[]byte], keys []tile.Key) ([]*tile.Data[[]byte], error) {
	var out []*tile.Data[[]byte]
	for _, b := range tile.Combine(keys) {
		tiles, err := s.ReadRange(ctx, layer, ser, b)
		if err != nil {
			return nil, err
		}
		out = append(out, tiles...)
	}
	return out, nil
}

func (s *Store) ReadMetaData(_ context.Context, layer string) (string, error) {
	meta, err := s.renderer.ImageMeta(layer)
	if errors.Is(err, ErrImageNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}
	return string(b), nil
}
