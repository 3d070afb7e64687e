package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"tileview/internal/codec"
	"tileview/internal/serializer"
	"tileview/internal/tile"
)

const (
	// BatchGetItem accepts at most 100 keys per call.
	dynamoBatchSize   = 100
	dynamoMaxAttempts = 5

	attrLayer    = "layer"
	attrTile     = "tile"
	attrData     = "data"
	attrMetadata = "metadata"
	metadataItem = "metadata"
)

// DynamoClient is the subset of the DynamoDB API the store uses.
type DynamoClient interface {
	BatchGetItem(ctx context.Context, params *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// NewDynamoClient builds a client from the default AWS credential chain. A
// non-empty endpoint overrides the service endpoint, e.g. for DynamoDB Local.
func NewDynamoClient(ctx context.Context, region, endpoint string) (DynamoClient, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

// Dynamo reads tiles from a DynamoDB table.
//
// Table schema:
//   - Partition key: layer (string)
//   - Sort key: tile (string) - "z/x/y", or "metadata" for the layer metadata
//   - data (binary) - the encoded tile
//   - metadata (string) - on the metadata item only
type Dynamo[T any] struct {
	client DynamoClient
	table  string
	codec  codec.Codec
	// backoff between retries of unprocessed keys
	backoff time.Duration
}

func NewDynamo[T any](client DynamoClient, table string, c codec.Codec) *Dynamo[T] {
	return &Dynamo[T]{
		client:  client,
		table:   table,
		codec:   orNone(c),
		backoff: 50 * time.Millisecond,
	}
}

func itemKey(layer, sortKey string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrLayer: &types.AttributeValueMemberS{Value: layer},
		attrTile:  &types.AttributeValueMemberS{Value: sortKey},
	}
}

func (s *Dynamo[T]) InitializeForRead(context.Context, string, map[string]string) error {
	return nil
}

func (s *Dynamo[T]) ReadTiles(ctx context.Context, layer string, ser serializer.Serializer[T], keys []tile.Key) ([]*tile.Data[T], error) {
	out := make([]*tile.Data[T], 0, len(keys))
	for start := 0; start < len(keys); start += dynamoBatchSize {
		end := min(start+dynamoBatchSize, len(keys))
		items, err := s.batchGet(ctx, layer, keys[start:end])
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			d, err := s.decodeItem(item, ser)
			if err != nil {
				return nil, err
			}
			out = append(out, d)
		}
	}
	return out, nil
}

// batchGet reads up to dynamoBatchSize keys, retrying unprocessed ones.
func (s *Dynamo[T]) batchGet(ctx context.Context, layer string, keys []tile.Key) ([]map[string]types.AttributeValue, error) {
	request := make([]map[string]types.AttributeValue, 0, len(keys))
	for _, k := range keys {
		request = append(request, itemKey(layer, k.String()))
	}

	var items []map[string]types.AttributeValue
	for attempt := 0; len(request) > 0; attempt++ {
		if attempt == dynamoMaxAttempts {
			return nil, fmt.Errorf("%d keys still unprocessed after %d attempts", len(request), attempt)
		}
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.backoff << (attempt - 1)):
			}
		}

		resp, err := s.client.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{
			RequestItems: map[string]types.KeysAndAttributes{
				s.table: {Keys: request},
			},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to batch get tiles: %w", err)
		}
		items = append(items, resp.Responses[s.table]...)
		request = resp.UnprocessedKeys[s.table].Keys
	}
	return items, nil
}

func (s *Dynamo[T]) decodeItem(item map[string]types.AttributeValue, ser serializer.Serializer[T]) (*tile.Data[T], error) {
	tileAttr, ok := item[attrTile].(*types.AttributeValueMemberS)
	if !ok {
		return nil, errors.New("invalid tile attribute in DynamoDB")
	}
	key, err := tile.ParseKey(tileAttr.Value)
	if err != nil {
		return nil, err
	}
	dataAttr, ok := item[attrData].(*types.AttributeValueMemberB)
	if !ok {
		return nil, fmt.Errorf("invalid data attribute for tile %s", key)
	}
	return decode(key, dataAttr.Value, s.codec, ser)
}

func (s *Dynamo[T]) ReadMetaData(ctx context.Context, layer string) (string, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       itemKey(layer, metadataItem),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get metadata: %w", err)
	}
	if resp.Item == nil {
		return "", nil
	}
	meta, ok := resp.Item[attrMetadata].(*types.AttributeValueMemberS)
	if !ok {
		return "", errors.New("invalid metadata attribute in DynamoDB")
	}
	return meta.Value, nil
}
