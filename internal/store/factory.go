package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"tileview/internal/codec"
	"tileview/internal/config"
	"tileview/internal/pyramid"
)

// New creates the store of a configured layer.
func New(ctx context.Context, layer config.Layer, log *zap.Logger) (pyramid.Store[[]byte], error) {
	c, err := codec.ByName(layer.Codec)
	if err != nil {
		return nil, err
	}
	log = log.With(zap.String("layer", layer.ID), zap.String("codec", c.Name()))

	switch layer.Type {
	case config.StoreMemory:
		log.Info("Using memory store")
		return NewMemory[[]byte](), nil
	case config.StoreFile:
		log.Info("Using file store", zap.String("root", layer.File.Root))
		return NewFile[[]byte](layer.File.Root, layer.Extension, c)
	case config.StoreNoop, config.StoreDisabled:
		log.Info("Layer disabled")
		return NewNoop[[]byte](), nil
	case config.StoreMinio:
		log.Info("Using object store",
			zap.String("endpoint", layer.Minio.Endpoint),
			zap.String("bucket", layer.Minio.Bucket),
		)
		getter, err := NewMinioGetter(MinioOptions{
			Endpoint:  layer.Minio.Endpoint,
			AccessKey: layer.Minio.AccessKey,
			SecretKey: layer.Minio.SecretKey,
			Region:    layer.Minio.Region,
			UseSSL:    layer.Minio.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		return NewObject[[]byte](getter, layer.Minio.Bucket, layer.Minio.Prefix, layer.Extension, c), nil
	case config.StoreDynamo:
		log.Info("Using DynamoDB store", zap.String("table", layer.Dynamo.Table))
		client, err := NewDynamoClient(ctx, layer.Dynamo.Region, layer.Dynamo.Endpoint)
		if err != nil {
			return nil, err
		}
		return NewDynamo[[]byte](client, layer.Dynamo.Table, c), nil
	case config.StoreRemote:
		log.Info("Using remote store", zap.String("base_url", layer.Remote.BaseURL))
		return NewRemote[[]byte](layer.Remote.BaseURL, layer.Extension, c, RemoteOptions{
			Timeout:  layer.Remote.Timeout,
			RetryMax: layer.Remote.RetryMax,
		}, log)
	default:
		return nil, fmt.Errorf("%w: %s (supported: memory, file, noop, minio, dynamodb, remote)", ErrUnknownStoreType, layer.Type)
	}
}

// Factory defers New until the pyramid sets the layer up.
func Factory(ctx context.Context, layer config.Layer, log *zap.Logger) pyramid.StoreFactory[[]byte] {
	return func(string) (pyramid.Store[[]byte], error) {
		return New(ctx, layer, log)
	}
}
