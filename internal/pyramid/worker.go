package pyramid

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tileview/internal/serializer"
	"tileview/internal/tile"
)

// run is the background worker. It drains layers in most recently requested
// order and sleeps until woken. A layer whose store failed is left alone
// until its retry interval has passed, however often it is requested.
func (p *CachingPyramid[T]) run() {
	defer close(p.done)

	backoff := make(map[string]time.Time)
	for {
		p.drain(backoff)

		var retry <-chan time.Time
		if next, ok := earliest(backoff); ok {
			retry = time.After(time.Until(next))
		}

		select {
		case <-p.ctx.Done():
			return
		case <-p.wake:
		case <-retry:
		}

		now := time.Now()
		for id, at := range backoff {
			if !now.Before(at) {
				delete(backoff, id)
				p.work.pushBack(id)
			}
		}
	}
}

func earliest(deadlines map[string]time.Time) (time.Time, bool) {
	var next time.Time
	for _, at := range deadlines {
		if next.IsZero() || at.Before(next) {
			next = at
		}
	}
	return next, !next.IsZero()
}

// drain processes layers until the work list is empty. Layers that fail are
// added to backoff; layers already there are skipped and go back on the work
// list when their deadline passes.
func (p *CachingPyramid[T]) drain(backoff map[string]time.Time) {
	for p.ctx.Err() == nil {
		id, ok := p.work.pop()
		if !ok {
			return
		}
		if _, waiting := backoff[id]; waiting {
			continue
		}
		more, err := p.process(id)
		if err != nil {
			backoff[id] = time.Now().Add(p.cfg.retryInterval)
			continue
		}
		if more {
			p.work.pushBack(id)
		}
	}
}

// process fetches one batch of queued keys for layer. It reports whether the
// layer still has queued keys.
func (p *CachingPyramid[T]) process(layer string) (more bool, err error) {
	info := p.registry.get(layer)
	if info == nil {
		return false, nil
	}
	keys := info.cache.Reserve(info.batchLimit(p.cfg.batchSize))
	if len(keys) == 0 {
		return false, nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("store panicked: %v", r)
		}
		if err != nil {
			p.failed(info, keys, err)
		}
		stats := info.cache.Stats()
		p.metrics.QueuedTiles.WithLabelValues(layer).Set(float64(stats.Queued + stats.Pending))
	}()

	store, ser := info.snapshot()
	if store == nil {
		return p.resolveAbsent(info, keys), nil
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(p.ctx); err != nil {
			return false, err
		}
	}

	start := time.Now()
	tiles, err := p.fetch(p.ctx, layer, store, ser, keys)
	p.metrics.Fetches.WithLabelValues(layer).Inc()
	p.metrics.FetchDuration.WithLabelValues(layer).Observe(time.Since(start).Seconds())
	if err != nil {
		return false, err
	}
	info.succeeded(keys, p.cfg.batchSize)

	results := make(map[tile.Key]*tile.Data[T], len(keys))
	for _, key := range keys {
		results[key] = nil
	}
	found := 0
	for _, t := range tiles {
		if t == nil {
			continue
		}
		// Tiles nobody asked for are dropped.
		if prev, ok := results[t.Key]; ok && prev == nil {
			results[t.Key] = t
			found++
		}
	}
	p.metrics.FetchedTiles.WithLabelValues(layer, "found").Add(float64(found))
	p.metrics.FetchedTiles.WithLabelValues(layer, "missing").Add(float64(len(results) - found))

	info.cache.ProvideAll(results)
	p.log.Debug("Tiles fetched",
		zap.String("layer", layer),
		zap.Int("requested", len(keys)),
		zap.Int("found", found),
	)
	return info.cache.Stats().Queued > 0, nil
}

// failed puts a batch the store could not read back in the queue. A batch of
// several keys is retried in halves so one bad key cannot hold back the rest
// of the layer; a key that keeps failing on its own is abandoned.
func (p *CachingPyramid[T]) failed(info *layerInfo[T], keys []tile.Key, err error) {
	p.metrics.FetchErrors.WithLabelValues(info.id).Inc()

	if len(keys) > 1 {
		info.split(len(keys))
		info.cache.Requeue(keys...)
		p.log.Warn("Failed to read tiles, will retry in smaller batches",
			zap.String("layer", info.id),
			zap.Int("keys", len(keys)),
			zap.Error(err),
		)
		return
	}

	key := keys[0]
	attempts := info.fail(key)
	if attempts < p.cfg.maxAttempts {
		info.cache.Requeue(key)
		p.log.Warn("Failed to read tile, will retry",
			zap.String("layer", info.id),
			zap.Stringer("tile", key),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return
	}

	delete(info.failures, key)
	info.cache.Abandon(fmt.Errorf("%w: %w", ErrFetchFailed, err), key)
	p.metrics.GaveUp.WithLabelValues(info.id).Inc()
	p.log.Error("Giving up on tile",
		zap.String("layer", info.id),
		zap.Stringer("tile", key),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
}

// resolveAbsent reports keys of a layer without a store as absent. If a
// store was installed after the batch was reserved the keys are queued again
// for it instead.
func (p *CachingPyramid[T]) resolveAbsent(info *layerInfo[T], keys []tile.Key) bool {
	info.installMu.Lock()
	defer info.installMu.Unlock()

	if info.hasStore() {
		info.cache.Requeue(keys...)
		return true
	}

	results := make(map[tile.Key]*tile.Data[T], len(keys))
	for _, key := range keys {
		results[key] = nil
	}
	p.metrics.FetchedTiles.WithLabelValues(info.id, "missing").Add(float64(len(keys)))
	info.cache.ProvideAll(results)
	return info.cache.Stats().Queued > 0
}

// fetch reads keys from store. Stores that read rectangles get the keys
// merged into the fewest rectangles that cover exactly those keys.
func (p *CachingPyramid[T]) fetch(ctx context.Context, layer string, store Store[T], ser serializer.Serializer[T], keys []tile.Key) ([]*tile.Data[T], error) {
	rr, ok := store.(RangeReader[T])
	if !ok {
		return store.ReadTiles(ctx, layer, ser, keys)
	}

	blocks := tile.Combine(keys)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.rangeConcurrency)

	var mu sync.Mutex
	out := make([]*tile.Data[T], 0, len(keys))
	for _, b := range blocks {
		b := b
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("read range %s panicked: %v", b, r)
				}
			}()
			tiles, err := rr.ReadRange(gctx, layer, ser, b)
			if err != nil {
				return fmt.Errorf("read range %s: %w", b, err)
			}
			mu.Lock()
			out = append(out, tiles...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
