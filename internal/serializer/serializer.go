// Package serializer converts tiles to and from byte streams.
package serializer

import (
	"encoding/json"
	"fmt"
	"io"

	"tileview/internal/tile"
)

// Serializer turns tile values into byte streams and back. The caching layer
// only uses Serialize, for stream reads; stores use Deserialize.
type Serializer[T any] interface {
	Serialize(w io.Writer, d *tile.Data[T]) error
	Deserialize(key tile.Key, r io.Reader) (*tile.Data[T], error)
	ContentType() string
}

// Raw passes tile bytes through untouched.
type Raw struct {
	contentType string
}

func NewRaw(contentType string) *Raw {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return &Raw{contentType: contentType}
}

func (s *Raw) Serialize(w io.Writer, d *tile.Data[[]byte]) error {
	if d == nil {
		return fmt.Errorf("cannot serialize missing tile")
	}
	_, err := w.Write(d.Payload)
	return err
}

func (s *Raw) Deserialize(key tile.Key, r io.Reader) (*tile.Data[[]byte], error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read tile %s: %w", key, err)
	}
	return tile.NewData(key, data), nil
}

func (s *Raw) ContentType() string {
	return s.contentType
}

// JSON encodes tiles as a JSON document carrying the tile coordinates next to
// the payload.
type JSON[T any] struct{}

type jsonTile[T any] struct {
	Level   int `json:"level"`
	X       int `json:"x"`
	Y       int `json:"y"`
	Payload T   `json:"payload"`
}

func NewJSON[T any]() *JSON[T] {
	return &JSON[T]{}
}

func (s *JSON[T]) Serialize(w io.Writer, d *tile.Data[T]) error {
	if d == nil {
		return fmt.Errorf("cannot serialize missing tile")
	}
	return json.NewEncoder(w).Encode(jsonTile[T]{
		Level:   d.Key.Level,
		X:       d.Key.X,
		Y:       d.Key.Y,
		Payload: d.Payload,
	})
}

// Deserialize decodes a document and checks that it describes key.
func (s *JSON[T]) Deserialize(key tile.Key, r io.Reader) (*tile.Data[T], error) {
	var doc jsonTile[T]
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse tile %s: %w", key, err)
	}
	got := tile.NewKey(doc.Level, doc.X, doc.Y)
	if got != key {
		return nil, fmt.Errorf("tile document is for %s, expected %s", got, key)
	}
	return tile.NewData(key, doc.Payload), nil
}

func (s *JSON[T]) ContentType() string {
	return "application/json"
}
