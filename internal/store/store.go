// Package store holds the underlying tile stores a caching pyramid reads
// from. Stores are slow on purpose to look at: every read goes to disk, an
// object store, a table or a remote service.
package store

import (
	"bytes"
	"errors"
	"fmt"

	"tileview/internal/codec"
	"tileview/internal/serializer"
	"tileview/internal/tile"
)

var (
	ErrUnknownStoreType = errors.New("unknown store type")
	errNoSerializer     = errors.New("no serializer given")
)

const metadataName = "metadata.json"

// decode turns a stored blob into a tile.
func decode[T any](key tile.Key, raw []byte, c codec.Codec, ser serializer.Serializer[T]) (*tile.Data[T], error) {
	if ser == nil {
		return nil, errNoSerializer
	}
	b, err := c.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode tile %s: %w", key, err)
	}
	return ser.Deserialize(key, bytes.NewReader(b))
}

// encode is the inverse of decode.
func encode[T any](d *tile.Data[T], c codec.Codec, ser serializer.Serializer[T]) ([]byte, error) {
	if ser == nil {
		return nil, errNoSerializer
	}
	var buf bytes.Buffer
	if err := ser.Serialize(&buf, d); err != nil {
		return nil, fmt.Errorf("serialize tile %s: %w", d.Key, err)
	}
	return c.Encode(buf.Bytes())
}

func orNone(c codec.Codec) codec.Codec {
	if c == nil {
		return codec.None{}
	}
	return c
}
