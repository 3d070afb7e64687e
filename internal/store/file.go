package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"tileview/internal/codec"
	"tileview/internal/serializer"
	"tileview/internal/tile"
)

// File reads tiles from a directory tree.
// Structure: {root}/{layer}/{z}/{x}_{y}.{ext}, metadata in {root}/{layer}/metadata.json
type File[T any] struct {
	mu    sync.RWMutex
	root  string
	ext   string
	codec codec.Codec
}

func NewFile[T any](root, ext string, c codec.Codec) (*File[T], error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	if ext == "" {
		ext = "bin"
	}
	return &File[T]{
		root:  root,
		ext:   ext,
		codec: orNone(c),
	}, nil
}

func (s *File[T]) layerDir(layer string) (string, error) {
	if layer == "" || !filepath.IsLocal(layer) {
		return "", fmt.Errorf("invalid layer name: %q", layer)
	}
	return filepath.Join(s.root, layer), nil
}

// buildFilePath builds file path from layer and tile key
func (s *File[T]) buildFilePath(layer string, key tile.Key) (string, error) {
	dir, err := s.layerDir(layer)
	if err != nil {
		return "", err
	}
	fileName := fmt.Sprintf("%d_%d.%s", key.X, key.Y, s.ext)
	return filepath.Join(dir, fmt.Sprintf("%d", key.Level), fileName), nil
}

// InitializeForRead checks that the layer directory exists.
func (s *File[T]) InitializeForRead(_ context.Context, layer string, _ map[string]string) error {
	dir, err := s.layerDir(layer)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("layer %s not readable: %w", layer, err)
	}
	return nil
}

func (s *File[T]) ReadTiles(ctx context.Context, layer string, ser serializer.Serializer[T], keys []tile.Key) ([]*tile.Data[T], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*tile.Data[T], 0, len(keys))
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		filePath, err := s.buildFilePath(layer, key)
		if err != nil {
			return nil, err
		}

		raw, err := os.ReadFile(filePath)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read tile %s: %w", key, err)
		}

		d, err := decode(key, raw, s.codec, ser)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *File[T]) ReadMetaData(_ context.Context, layer string) (string, error) {
	dir, err := s.layerDir(layer)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(filepath.Join(dir, metadataName))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read metadata: %w", err)
	}
	return string(data), nil
}

// Put stores tiles, for seeding a layer.
func (s *File[T]) Put(layer string, ser serializer.Serializer[T], tiles ...*tile.Data[T]) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range tiles {
		filePath, err := s.buildFilePath(layer, d.Key)
		if err != nil {
			return err
		}
		raw, err := encode(d, s.codec, ser)
		if err != nil {
			return err
		}
		if err := writeAtomic(filePath, raw); err != nil {
			return err
		}
	}
	return nil
}

func (s *File[T]) PutMetaData(layer, meta string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.layerDir(layer)
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(dir, metadataName), []byte(meta))
}

// Clear removes every layer.
func (s *File[T]) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.RemoveAll(s.root); err != nil {
		return fmt.Errorf("failed to clear store: %w", err)
	}
	return os.MkdirAll(s.root, 0755)
}

func writeAtomic(filePath string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	// Write atomically
	tmpPath := filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filePath, err)
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write %s: %w", filePath, err)
	}
	return nil
}
