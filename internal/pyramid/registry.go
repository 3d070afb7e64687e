package pyramid

import (
	"sort"
	"sync"

	"tileview/internal/requestcache"
	"tileview/internal/serializer"
	"tileview/internal/tile"
)

// layerInfo is everything the pyramid keeps for one layer.
type layerInfo[T any] struct {
	id           string
	cache        *requestcache.Cache[tile.Key, *tile.Data[T]]
	removeGlobal func()

	mu         sync.RWMutex
	store      Store[T]
	serializer serializer.Serializer[T]

	// installMu orders installing a store against resolving a batch as
	// absent because no store was there.
	installMu sync.Mutex

	// Owned by the worker goroutine.
	limit    int
	failures map[tile.Key]int
}

// batchLimit is the number of keys to reserve next: batchSize, or less while
// a failed batch is being split.
func (l *layerInfo[T]) batchLimit(batchSize int) int {
	if l.limit > 0 {
		return l.limit
	}
	return batchSize
}

// split shrinks the next batch to half of a failed one.
func (l *layerInfo[T]) split(failed int) {
	l.limit = (failed + 1) / 2
}

// succeeded clears the failure counts of keys and grows the batch limit back
// towards batchSize.
func (l *layerInfo[T]) succeeded(keys []tile.Key, batchSize int) {
	for _, k := range keys {
		delete(l.failures, k)
	}
	if l.limit == 0 {
		return
	}
	l.limit *= 2
	if batchSize <= 0 || l.limit >= batchSize {
		l.limit = 0
	}
}

// fail counts a failure of key read on its own and returns the total.
func (l *layerInfo[T]) fail(key tile.Key) int {
	if l.failures == nil {
		l.failures = make(map[tile.Key]int)
	}
	l.failures[key]++
	return l.failures[key]
}

func (l *layerInfo[T]) snapshot() (Store[T], serializer.Serializer[T]) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.store, l.serializer
}

func (l *layerInfo[T]) setSerializer(ser serializer.Serializer[T]) {
	if ser == nil {
		return
	}
	l.mu.Lock()
	l.serializer = ser
	l.mu.Unlock()
}

// setStore installs store unless one is already registered.
func (l *layerInfo[T]) setStore(store Store[T]) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.store != nil {
		return false
	}
	l.store = store
	return true
}

func (l *layerInfo[T]) hasStore() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.store != nil
}

// registry owns the per-layer state. Layers are created on first use and
// live as long as the pyramid.
type registry[T any] struct {
	mu       sync.Mutex
	layers   map[string]*layerInfo[T]
	newCache func(layer string) (*requestcache.Cache[tile.Key, *tile.Data[T]], func(), error)
}

func newRegistry[T any](newCache func(layer string) (*requestcache.Cache[tile.Key, *tile.Data[T]], func(), error)) *registry[T] {
	return &registry[T]{
		layers:   make(map[string]*layerInfo[T]),
		newCache: newCache,
	}
}

func (r *registry[T]) get(id string) *layerInfo[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.layers[id]
}

func (r *registry[T]) getOrCreate(id string) (*layerInfo[T], error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info, ok := r.layers[id]; ok {
		return info, nil
	}
	cache, remove, err := r.newCache(id)
	if err != nil {
		return nil, err
	}
	info := &layerInfo[T]{id: id, cache: cache, removeGlobal: remove}
	r.layers[id] = info
	return info, nil
}

func (r *registry[T]) all() []*layerInfo[T] {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]*layerInfo[T], 0, len(r.layers))
	for _, info := range r.layers {
		infos = append(infos, info)
	}
	return infos
}

func (r *registry[T]) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.layers))
	for id := range r.layers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
