package store

import (
	"context"
	"fmt"
	"io"
	"path"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/sync/errgroup"

	"tileview/internal/codec"
	"tileview/internal/serializer"
	"tileview/internal/tile"
)

const objectReadConcurrency = 16

// ObjectGetter fetches whole objects from a bucket.
type ObjectGetter interface {
	GetObject(ctx context.Context, bucket, name string) ([]byte, error)
}

// MinioOptions configure the connection of an object store.
type MinioOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

type minioGetter struct {
	client *minio.Client
}

func (g minioGetter) GetObject(ctx context.Context, bucket, name string) ([]byte, error) {
	obj, err := g.client.GetObject(ctx, bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	return io.ReadAll(obj)
}

// NewMinioGetter connects to a MinIO or S3-compatible endpoint.
func NewMinioGetter(opts MinioOptions) (ObjectGetter, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return minioGetter{client: client}, nil
}

func isNoSuchKey(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

// Object reads tiles from a bucket.
// Structure: {prefix}/{layer}/{z}/{x}/{y}.{ext}, metadata in {prefix}/{layer}/metadata.json
type Object[T any] struct {
	getter ObjectGetter
	bucket string
	prefix string
	ext    string
	codec  codec.Codec
}

func NewObject[T any](getter ObjectGetter, bucket, prefix, ext string, c codec.Codec) *Object[T] {
	if ext == "" {
		ext = "bin"
	}
	return &Object[T]{
		getter: getter,
		bucket: bucket,
		prefix: prefix,
		ext:    ext,
		codec:  orNone(c),
	}
}

func (s *Object[T]) objectName(layer string, key tile.Key) string {
	return path.Join(s.prefix, layer, fmt.Sprint(key.Level), fmt.Sprint(key.X), fmt.Sprintf("%d.%s", key.Y, s.ext))
}

func (s *Object[T]) InitializeForRead(context.Context, string, map[string]string) error {
	return nil
}

func (s *Object[T]) ReadTiles(ctx context.Context, layer string, ser serializer.Serializer[T], keys []tile.Key) ([]*tile.Data[T], error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(objectReadConcurrency)

	var mu sync.Mutex
	out := make([]*tile.Data[T], 0, len(keys))
	for _, key := range keys {
		key := key
		g.Go(func() error {
			raw, err := s.getter.GetObject(gctx, s.bucket, s.objectName(layer, key))
			if err != nil {
				if isNoSuchKey(err) {
					return nil
				}
				return fmt.Errorf("failed to get tile %s: %w", key, err)
			}
			d, err := decode(key, raw, s.codec, ser)
			if err != nil {
				return err
			}
			mu.Lock()
			out = append(out, d)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Object[T]) ReadMetaData(ctx context.Context, layer string) (string, error) {
	raw, err := s.getter.GetObject(ctx, s.bucket, path.Join(s.prefix, layer, metadataName))
	if err != nil {
		if isNoSuchKey(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get metadata: %w", err)
	}
	return string(raw), nil
}
