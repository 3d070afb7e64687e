package pyramid

import (
	"context"
	"errors"

	"tileview/internal/serializer"
	"tileview/internal/tile"
)

var (
	// ErrUnsupported is returned by every write operation; the caching
	// pyramid only reads.
	ErrUnsupported = errors.New("caching pyramid only supports reading")
	// ErrClosed is given to requests still waiting when the pyramid closes.
	ErrClosed = errors.New("caching pyramid closed")
	// ErrFetchFailed is given to requests for a tile the store failed to read
	// on its own WithMaxAttempts times.
	ErrFetchFailed = errors.New("tile fetch failed")
)

// Store is the slow underlying tile store behind one layer.
type Store[T any] interface {
	InitializeForRead(ctx context.Context, layer string, props map[string]string) error
	// ReadTiles returns the subset of keys the store holds. Keys missing from
	// the result are treated as confirmed absent.
	ReadTiles(ctx context.Context, layer string, ser serializer.Serializer[T], keys []tile.Key) ([]*tile.Data[T], error)
	ReadMetaData(ctx context.Context, layer string) (string, error)
}

// RangeReader is implemented by stores that read a rectangle of tiles more
// cheaply than the same tiles one by one. The worker merges reserved keys
// into rectangles before calling it.
type RangeReader[T any] interface {
	ReadRange(ctx context.Context, layer string, ser serializer.Serializer[T], b tile.Bounds) ([]*tile.Data[T], error)
}

// StoreFactory produces the store for a layer at setup time.
type StoreFactory[T any] func(layer string) (Store[T], error)

// LayerListener is told when new tiles for a layer have been cached.
type LayerListener interface {
	LayerDataChanged(layer string)
}
