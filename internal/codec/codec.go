// Package codec holds the compression applied to tile blobs at rest.
package codec

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec encodes and decodes stored tile blobs. Implementations are safe for
// concurrent use.
type Codec interface {
	Name() string
	Encode(src []byte) ([]byte, error)
	Decode(src []byte) ([]byte, error)
}

// ByName returns the codec registered under name. An empty name means none.
func ByName(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return None{}, nil
	case "gzip":
		return Gzip{}, nil
	case "zstd":
		return NewZstd()
	case "lz4":
		return LZ4{}, nil
	default:
		return nil, fmt.Errorf("unknown codec: %s (supported: none, gzip, zstd, lz4)", name)
	}
}

type None struct{}

func (None) Name() string                      { return "none" }
func (None) Encode(src []byte) ([]byte, error) { return src, nil }
func (None) Decode(src []byte) ([]byte, error) { return src, nil }

type Gzip struct{}

func (Gzip) Name() string { return "gzip" }

func (Gzip) Encode(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(src); err != nil {
		return nil, fmt.Errorf("gzip encode: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (Gzip) Decode(src []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("gzip decode: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gzip decode: %w", err)
	}
	return out, nil
}

// Zstd shares one encoder and one decoder; EncodeAll and DecodeAll are safe
// for concurrent use.
type Zstd struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func NewZstd() (*Zstd, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &Zstd{enc: enc, dec: dec}, nil
}

func (z *Zstd) Name() string { return "zstd" }

func (z *Zstd) Encode(src []byte) ([]byte, error) {
	return z.enc.EncodeAll(src, nil), nil
}

func (z *Zstd) Decode(src []byte) ([]byte, error) {
	out, err := z.dec.DecodeAll(src, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return out, nil
}

type LZ4 struct{}

func (LZ4) Name() string { return "lz4" }

func (LZ4) Encode(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(src); err != nil {
		return nil, fmt.Errorf("lz4 encode: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("lz4 encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (LZ4) Decode(src []byte) ([]byte, error) {
	out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(src)))
	if err != nil {
		return nil, fmt.Errorf("lz4 decode: %w", err)
	}
	return out, nil
}
