// Package pyramid serves tile reads for many layers from per-layer request
// caches. Misses are fetched from each layer's store by a single background
// worker, most recently requested layer first.
package pyramid

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"tileview/internal/requestcache"
	"tileview/internal/serializer"
	"tileview/internal/tile"
)

// CachingPyramid is a read-only tile pyramid in front of slower stores.
type CachingPyramid[T any] struct {
	log      *zap.Logger
	cfg      config
	metrics  *Metrics
	limiter  *rate.Limiter
	registry *registry[T]
	work     workList
	wake     chan struct{}

	listenersMu sync.RWMutex
	listeners   []LayerListener

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a caching pyramid and starts its worker. Close stops it.
func New[T any](opts ...Option) (*CachingPyramid[T], error) {
	cfg, err := getOpts(opts)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &CachingPyramid[T]{
		log:     cfg.logger,
		cfg:     cfg,
		metrics: NewMetrics(cfg.registerer),
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	if cfg.readsPerSecond > 0 {
		burst := max(1, int(cfg.readsPerSecond))
		p.limiter = rate.NewLimiter(rate.Limit(cfg.readsPerSecond), burst)
	}
	p.registry = newRegistry[T](p.newLayerCache)

	go p.run()
	return p, nil
}

func (p *CachingPyramid[T]) newLayerCache(layer string) (*requestcache.Cache[tile.Key, *tile.Data[T]], func(), error) {
	cache, err := requestcache.New[tile.Key, *tile.Data[T]](
		requestcache.WithMaxRetained(p.cfg.maxRetained),
		requestcache.WithMaxQueued(p.cfg.maxQueued),
		requestcache.WithLogger(p.log.With(zap.String("layer", layer))),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create cache for layer %q: %w", layer, err)
	}
	remove := cache.AddGlobalCallback(requestcache.GlobalCallbackFunc(func() {
		p.notifyListeners(layer)
	}))
	return cache, remove, nil
}

// Close stops the worker and abandons every outstanding request with
// ErrClosed.
func (p *CachingPyramid[T]) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()
		<-p.done
		for _, info := range p.registry.all() {
			info.cache.AbandonAll(ErrClosed)
			info.removeGlobal()
		}
		p.log.Info("Caching pyramid closed")
	})
	return nil
}

func (p *CachingPyramid[T]) closed() bool {
	return p.ctx.Err() != nil
}

func (p *CachingPyramid[T]) layer(id string, ser serializer.Serializer[T]) (*layerInfo[T], error) {
	info, err := p.registry.getOrCreate(id)
	if err != nil {
		return nil, err
	}
	info.setSerializer(ser)
	return info, nil
}

// schedule puts layer at the front of the worker's list and wakes it.
func (p *CachingPyramid[T]) schedule(layer string) {
	p.work.touch(layer)
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// SetupBaseStore installs the store produced by factory for layer. A layer
// that already has a store keeps it.
func (p *CachingPyramid[T]) SetupBaseStore(layer string, factory StoreFactory[T]) error {
	info, err := p.layer(layer, nil)
	if err != nil {
		return err
	}
	if info.hasStore() {
		return nil
	}
	store, err := factory(layer)
	if err != nil {
		p.log.Warn("Failed to create store, layer will serve no tiles",
			zap.String("layer", layer),
			zap.Error(err),
		)
		return fmt.Errorf("create store for layer %q: %w", layer, err)
	}
	p.install(info, store)
	return nil
}

// RegisterStore installs store for layer unless one is already registered.
func (p *CachingPyramid[T]) RegisterStore(layer string, store Store[T]) error {
	info, err := p.layer(layer, nil)
	if err != nil {
		return err
	}
	p.install(info, store)
	return nil
}

func (p *CachingPyramid[T]) install(info *layerInfo[T], store Store[T]) {
	if store == nil {
		return
	}
	info.installMu.Lock()
	defer info.installMu.Unlock()

	if !info.setStore(store) {
		return
	}
	// Tiles resolved before the store existed were all reported absent.
	info.cache.Purge()
	p.log.Info("Store registered", zap.String("layer", info.id))
}

// InitializeForRead forwards to the layer's store. Unknown layers are a
// logged no-op.
func (p *CachingPyramid[T]) InitializeForRead(ctx context.Context, layer string, props map[string]string) error {
	info := p.registry.get(layer)
	if info == nil || !info.hasStore() {
		p.log.Info("Attempt to initialize unknown layer", zap.String("layer", layer))
		return nil
	}
	store, _ := info.snapshot()
	return store.InitializeForRead(ctx, layer, props)
}

// ReadMetaData returns the layer's metadata, or "" when it has no store.
func (p *CachingPyramid[T]) ReadMetaData(ctx context.Context, layer string) (string, error) {
	info := p.registry.get(layer)
	if info == nil {
		return "", nil
	}
	store, _ := info.snapshot()
	if store == nil {
		return "", nil
	}
	return store.ReadMetaData(ctx, layer)
}

func (p *CachingPyramid[T]) InitializeForWrite(context.Context, string, map[string]string) error {
	return ErrUnsupported
}

func (p *CachingPyramid[T]) WriteTiles(context.Context, string, serializer.Serializer[T], []*tile.Data[T]) error {
	return ErrUnsupported
}

func (p *CachingPyramid[T]) WriteMetaData(context.Context, string, string) error {
	return ErrUnsupported
}

func (p *CachingPyramid[T]) RemoveTiles(context.Context, string, []tile.Key) error {
	return ErrUnsupported
}

// RequestTiles queues keys for layer without waiting. Keys already retained
// or in flight cost nothing.
func (p *CachingPyramid[T]) RequestTiles(layer string, ser serializer.Serializer[T], keys []tile.Key) {
	if p.closed() || len(keys) == 0 {
		return
	}
	info, err := p.layer(layer, ser)
	if err != nil {
		p.log.Error("Failed to create layer", zap.String("layer", layer), zap.Error(err))
		return
	}
	for _, key := range keys {
		info.cache.Request(key, nil)
	}
	if p.abandonIfClosed(info, keys) {
		return
	}
	p.schedule(layer)
}

// abandonIfClosed abandons keys registered while Close was running, which
// the worker will never fetch. It reports whether the pyramid is closed.
func (p *CachingPyramid[T]) abandonIfClosed(info *layerInfo[T], keys []tile.Key) bool {
	if !p.closed() {
		return false
	}
	info.cache.Abandon(ErrClosed, keys...)
	return true
}

// Refresh fetches keys again while still serving the values retained for
// them.
func (p *CachingPyramid[T]) Refresh(layer string, keys []tile.Key) {
	if p.closed() || len(keys) == 0 {
		return
	}
	info := p.registry.get(layer)
	if info == nil {
		return
	}
	info.cache.Refresh(keys...)
	if p.abandonIfClosed(info, keys) {
		return
	}
	p.schedule(layer)
}

// ReadTiles blocks until every key has been resolved, the read timeout
// elapses or ctx is done. Tiles that are absent or not resolved in time are
// left out of the result.
func (p *CachingPyramid[T]) ReadTiles(ctx context.Context, layer string, ser serializer.Serializer[T], keys []tile.Key) []*tile.Data[T] {
	if p.closed() || len(keys) == 0 {
		return nil
	}
	info, err := p.layer(layer, ser)
	if err != nil {
		p.log.Error("Failed to create layer", zap.String("layer", layer), zap.Error(err))
		return nil
	}

	waiters := make([]*waiter[T], len(keys))
	needFetch := false
	for i, key := range keys {
		w := newWaiter[T]()
		waiters[i] = w
		info.cache.Request(key, w)
		if !w.resolved() {
			needFetch = true
		}
	}
	if p.abandonIfClosed(info, keys) {
		needFetch = false
	}
	if needFetch {
		p.schedule(layer)
	}

	if p.cfg.readTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.readTimeout)
		defer cancel()
	}

	tiles := make([]*tile.Data[T], 0, len(keys))
	for i, w := range waiters {
		select {
		case res := <-w.ch:
			if res.err == nil && res.data != nil {
				tiles = append(tiles, res.data)
			}
		case <-ctx.Done():
			p.giveUp(info, keys[i:], waiters[i:], ctx.Err())
			return p.collect(tiles, waiters[i:])
		}
	}
	return tiles
}

// giveUp unregisters waiters still in flight so they are not kept alive by
// the cache.
func (p *CachingPyramid[T]) giveUp(info *layerInfo[T], keys []tile.Key, waiters []*waiter[T], reason error) {
	missing := 0
	for i, w := range waiters {
		if info.cache.Unregister(keys[i], w) {
			missing++
		}
	}
	p.metrics.ReadTimeouts.WithLabelValues(info.id).Inc()
	p.log.Debug("Gave up waiting for tiles",
		zap.String("layer", info.id),
		zap.Int("missing", missing),
		zap.Error(reason),
	)
}

// collect adds results that arrived while giving up.
func (p *CachingPyramid[T]) collect(tiles []*tile.Data[T], waiters []*waiter[T]) []*tile.Data[T] {
	for _, w := range waiters {
		select {
		case res := <-w.ch:
			if res.err == nil && res.data != nil {
				tiles = append(tiles, res.data)
			}
		default:
		}
	}
	return tiles
}

// ReadTile is ReadTiles for one key. It returns nil when the tile is absent
// or not resolved in time.
func (p *CachingPyramid[T]) ReadTile(ctx context.Context, layer string, ser serializer.Serializer[T], key tile.Key) *tile.Data[T] {
	tiles := p.ReadTiles(ctx, layer, ser, []tile.Key{key})
	if len(tiles) == 0 {
		return nil
	}
	return tiles[0]
}

// GetTileStream reads one tile and serializes it. It returns a nil reader
// when the tile is absent or not resolved in time.
func (p *CachingPyramid[T]) GetTileStream(ctx context.Context, layer string, ser serializer.Serializer[T], key tile.Key) (io.Reader, error) {
	data := p.ReadTile(ctx, layer, ser, key)
	if data == nil {
		return nil, nil
	}
	if ser == nil {
		info := p.registry.get(layer)
		if info != nil {
			_, ser = info.snapshot()
		}
	}
	if ser == nil {
		return nil, errors.New("no serializer for layer " + layer)
	}

	var buf bytes.Buffer
	if err := ser.Serialize(&buf, data); err != nil {
		return nil, fmt.Errorf("serialize tile %s: %w", key, err)
	}
	return &buf, nil
}

// Layers lists every layer the pyramid has seen.
func (p *CachingPyramid[T]) Layers() []string {
	return p.registry.ids()
}

// Stats reports the cache statistics of layer.
func (p *CachingPyramid[T]) Stats(layer string) (requestcache.Stats, bool) {
	info := p.registry.get(layer)
	if info == nil {
		return requestcache.Stats{}, false
	}
	return info.cache.Stats(), true
}

// Entry describes the cache entry of key in layer.
func (p *CachingPyramid[T]) Entry(layer string, key tile.Key) (requestcache.EntryInfo, bool) {
	info := p.registry.get(layer)
	if info == nil {
		return requestcache.EntryInfo{}, false
	}
	return info.cache.Entry(key)
}

func (p *CachingPyramid[T]) AddLayerListener(l LayerListener) {
	p.listenersMu.Lock()
	defer p.listenersMu.Unlock()
	p.listeners = append(p.listeners, l)
}

// RemoveLayerListener removes l. Listeners are matched by identity, so l
// should be a pointer; a listener of a non-comparable type is never removed.
func (p *CachingPyramid[T]) RemoveLayerListener(l LayerListener) {
	p.listenersMu.Lock()
	defer p.listenersMu.Unlock()
	p.listeners = slices.DeleteFunc(p.listeners, func(v LayerListener) bool { return sameListener(v, l) })
}

func sameListener(a, b LayerListener) (same bool) {
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return a == b
}

func (p *CachingPyramid[T]) notifyListeners(layer string) {
	p.listenersMu.RLock()
	listeners := slices.Clone(p.listeners)
	p.listenersMu.RUnlock()

	for _, l := range listeners {
		l.LayerDataChanged(layer)
	}
}
