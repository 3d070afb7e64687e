package store

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tileview/internal/codec"
	"tileview/internal/serializer"
	"tileview/internal/tile"
)

const remoteReadConcurrency = 8

// RemoteOptions configure the HTTP client of a remote store.
type RemoteOptions struct {
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

func (o RemoteOptions) withDefaults() RemoteOptions {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 3
	}
	if o.RetryWaitMin <= 0 {
		o.RetryWaitMin = 100 * time.Millisecond
	}
	if o.RetryWaitMax <= 0 {
		o.RetryWaitMax = 2 * time.Second
	}
	return o
}

// retryLogger adapts zap to the leveled logger of retryablehttp.
type retryLogger struct {
	s *zap.SugaredLogger
}

func (l retryLogger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l retryLogger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
func (l retryLogger) Info(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }
func (l retryLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }

// Remote reads tiles from another tile service over HTTP.
// Tiles: GET {base}/{layer}/{z}/{x}/{y}.{ext}, 404 means absent.
// Metadata: GET {base}/{layer}/meta
type Remote[T any] struct {
	client *http.Client
	base   string
	ext    string
	codec  codec.Codec
}

func NewRemote[T any](baseURL, ext string, c codec.Codec, opts RemoteOptions, logger *zap.Logger) (*Remote[T], error) {
	if _, err := url.Parse(baseURL); err != nil || baseURL == "" {
		return nil, fmt.Errorf("invalid remote base url %q", baseURL)
	}
	if ext == "" {
		ext = "bin"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()

	rclient := &retryablehttp.Client{
		HTTPClient:   &http.Client{Timeout: opts.Timeout},
		RetryWaitMin: opts.RetryWaitMin,
		RetryWaitMax: opts.RetryWaitMax,
		RetryMax:     opts.RetryMax,
		CheckRetry:   retryablehttp.DefaultRetryPolicy,
		Backoff:      retryablehttp.DefaultBackoff,
		Logger:       retryLogger{s: logger.Sugar()},
	}

	return &Remote[T]{
		client: rclient.StandardClient(),
		base:   strings.TrimSuffix(baseURL, "/"),
		ext:    ext,
		codec:  orNone(c),
	}, nil
}

func (s *Remote[T]) tileURL(layer string, key tile.Key) string {
	return fmt.Sprintf("%s/%s/%d/%d/%d.%s", s.base, url.PathEscape(layer), key.Level, key.X, key.Y, s.ext)
}

// get returns the body of url, or nil when the remote answers 404.
func (s *Remote[T]) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, u)
	}
	return io.ReadAll(resp.Body)
}

func (s *Remote[T]) InitializeForRead(context.Context, string, map[string]string) error {
	return nil
}

func (s *Remote[T]) ReadTiles(ctx context.Context, layer string, ser serializer.Serializer[T], keys []tile.Key) ([]*tile.Data[T], error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(remoteReadConcurrency)

	var mu sync.Mutex
	out := make([]*tile.Data[T], 0, len(keys))
	for _, key := range keys {
		key := key
		g.Go(func() error {
			raw, err := s.get(gctx, s.tileURL(layer, key))
			if err != nil {
				return fmt.Errorf("failed to fetch tile %s: %w", key, err)
			}
			if raw == nil {
				return nil
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

func (s *Remote[T]) ReadMetaData(ctx context.Context, layer string) (string, error) {
	raw, err := s.get(ctx, fmt.Sprintf("%s/%s/meta", s.base, url.PathEscape(layer)))
	if err != nil {
		return "", fmt.Errorf("failed to fetch metadata: %w", err)
	}
	return string(raw), nil
}
