// Package requestcache coordinates asynchronous, deduplicated requests for
// keyed values.
//
// Callers register interest with Request. A single fetcher claims queued keys
// with Reserve, loads them however it likes, and hands the results back with
// Provide. Waiting callbacks are notified once, and fulfilled values are kept
// in a bounded LRU so later requests are answered immediately. The cache does
// no I/O of its own.
package requestcache

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/deque"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

var (
	// ErrQueueFull is reported to callbacks rejected because the queued set
	// reached its cap.
	ErrQueueFull = errors.New("request queue full")
	// ErrAbandoned is the default reason given to abandoned callbacks.
	ErrAbandoned = errors.New("request abandoned")
)

type queueItem[K comparable] struct {
	key K
	seq uint64
}

type delivery[K comparable, V any] struct {
	entry   *entry[K, V]
	waiters []Callback[K, V]
}

// Cache is safe for concurrent use.
type Cache[K comparable, V any] struct {
	mu       sync.RWMutex
	inflight map[K]*entry[K, V]
	retained *lru.Cache[K, *entry[K, V]]
	queue    *deque.Deque[queueItem[K]]
	queued   int
	pending  int
	seq      uint64
	purging  bool

	globals    map[uint64]GlobalCallback
	nextGlobal uint64

	// Dispatch of provided batches happens outside mu, one batch at a time
	// in the order the batches were applied.
	nextTicket uint64
	turn       uint64
	turnMu     sync.Mutex
	turnCond   *sync.Cond

	maxQueued int
	log       *zap.Logger
	now       func() time.Time

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	rejected  atomic.Uint64
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Queued    int
	Pending   int
	Retained  int
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Rejected  uint64
}

// New creates a request cache.
func New[K comparable, V any](options ...Option) (*Cache[K, V], error) {
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}

	c := &Cache[K, V]{
		inflight:  make(map[K]*entry[K, V]),
		queue:     deque.New[queueItem[K]](),
		globals:   make(map[uint64]GlobalCallback),
		maxQueued: opts.maxQueued,
		log:       opts.logger,
		now:       opts.now,
	}
	c.turnCond = sync.NewCond(&c.turnMu)

	c.retained, err = lru.NewWithEvict(opts.maxRetained, func(K, *entry[K, V]) {
		if !c.purging {
			c.evictions.Add(1)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create retention store: %w", err)
	}
	return c, nil
}

// AddGlobalCallback registers cb to run once after every provided batch. The
// returned function unregisters it.
func (c *Cache[K, V]) AddGlobalCallback(cb GlobalCallback) (remove func()) {
	c.mu.Lock()
	id := c.nextGlobal
	c.nextGlobal++
	c.globals[id] = cb
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.globals, id)
		c.mu.Unlock()
	}
}

// Request registers interest in key.
//
// A retained value is handed to cb before Request returns. Otherwise key is
// queued unless it is already queued or pending, and cb waits for Provide or
// Abandon. A nil cb only makes sure the key is queued.
func (c *Cache[K, V]) Request(key K, cb Callback[K, V]) {
	c.mu.RLock()
	if e, ok := c.retained.Get(key); ok {
		c.mu.RUnlock()
		c.hits.Add(1)
		c.deliverRetained(e, cb)
		return
	}
	if _, ok := c.inflight[key]; ok && cb == nil {
		c.mu.RUnlock()
		return
	}
	c.mu.RUnlock()

	c.mu.Lock()
	// Provide may have run between the two locks.
	if e, ok := c.retained.Get(key); ok {
		c.mu.Unlock()
		c.hits.Add(1)
		c.deliverRetained(e, cb)
		return
	}

	c.misses.Add(1)
	if e, ok := c.inflight[key]; ok {
		if cb != nil {
			e.waiters = append(e.waiters, cb)
		}
		c.mu.Unlock()
		return
	}

	if c.maxQueued > 0 && c.queued >= c.maxQueued {
		c.mu.Unlock()
		c.rejected.Add(1)
		if cb != nil {
			c.safeAbandon(cb, key, ErrQueueFull)
		}
		return
	}

	e := newEntry[K, V](key, c.now())
	if cb != nil {
		e.waiters = append(e.waiters, cb)
	}
	c.inflight[key] = e
	c.enqueueLocked(e)
	c.mu.Unlock()
}

// Refresh queues a fresh fetch for keys without dropping values already
// retained for them. Requests keep seeing the retained value until the fresh
// one is provided.
func (c *Cache[K, V]) Refresh(keys ...K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range keys {
		if _, ok := c.inflight[key]; ok {
			continue
		}
		if c.maxQueued > 0 && c.queued >= c.maxQueued {
			c.rejected.Add(1)
			continue
		}
		e := newEntry[K, V](key, c.now())
		c.inflight[key] = e
		c.enqueueLocked(e)
	}
}

func (c *Cache[K, V]) enqueueLocked(e *entry[K, V]) {
	c.seq++
	e.seq = c.seq
	c.queue.PushBack(queueItem[K]{key: e.key, seq: e.seq})
	c.queued++
}

// Reserve moves up to maxKeys queued keys to pending and returns them, oldest
// first. maxKeys <= 0 reserves everything queued. The caller becomes
// responsible for calling Provide, Requeue or Abandon for each returned key.
func (c *Cache[K, V]) Reserve(maxKeys int) []K {
	c.mu.RLock()
	empty := c.queued == 0
	c.mu.RUnlock()
	if empty {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var keys []K
	for c.queue.Len() > 0 && (maxKeys <= 0 || len(keys) < maxKeys) {
		item := c.queue.PopFront()
		e, ok := c.inflight[item.key]
		if !ok || e.seq != item.seq || !e.reserve() {
			// Stale queue slot: the key was provided, abandoned or requeued.
			continue
		}
		c.queued--
		c.pending++
		keys = append(keys, item.key)
	}
	return keys
}

// Requeue returns pending keys to the back of the queue, keeping their
// waiters, so keys queued meanwhile are reserved first. Used when a fetch
// failed and should be retried.
func (c *Cache[K, V]) Requeue(keys ...K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range keys {
		e, ok := c.inflight[key]
		if !ok || e.state != StatePending {
			continue
		}
		e.release()
		c.pending--
		c.enqueueLocked(e)
	}
}

// Provide fulfills a single key.
func (c *Cache[K, V]) Provide(key K, value V) {
	c.ProvideAll(map[K]V{key: value})
}

// ProvideAll retains every value in results and notifies their waiters.
// Global callbacks run once afterwards. The batch is applied atomically;
// callbacks run after the lock is released, one batch at a time.
//
// Callbacks must not call Provide themselves.
func (c *Cache[K, V]) ProvideAll(results map[K]V) {
	c.mu.Lock()
	deliveries := make([]delivery[K, V], 0, len(results))
	for key, value := range results {
		e, ok := c.inflight[key]
		if ok {
			delete(c.inflight, key)
			switch e.state {
			case StateQueued:
				c.queued--
			case StatePending:
				c.pending--
			}
		} else {
			e = newEntry[K, V](key, c.now())
		}
		waiters := e.receive(value)
		c.retained.Add(key, e)
		if len(waiters) > 0 {
			deliveries = append(deliveries, delivery[K, V]{entry: e, waiters: waiters})
		}
	}
	globals := make([]GlobalCallback, 0, len(c.globals))
	for _, g := range c.globals {
		globals = append(globals, g)
	}
	ticket := c.nextTicket
	c.nextTicket++
	c.mu.Unlock()

	c.waitTurn(ticket)
	defer c.endTurn()

	for _, d := range deliveries {
		for _, w := range d.waiters {
			if c.safeFulfill(w, d.entry.key, d.entry.value) {
				d.entry.retrieved.Store(true)
			}
		}
	}
	for _, g := range globals {
		c.safeGlobal(g)
	}
}

// Abandon discards queued or pending keys. Their waiters are told the reason
// instead of receiving a value. A nil reason means ErrAbandoned.
func (c *Cache[K, V]) Abandon(reason error, keys ...K) {
	if reason == nil {
		reason = ErrAbandoned
	}

	c.mu.Lock()
	var abandoned []delivery[K, V]
	for _, key := range keys {
		if d, ok := c.abandonLocked(key); ok {
			abandoned = append(abandoned, d)
		}
	}
	c.mu.Unlock()

	c.notifyAbandoned(abandoned, reason)
}

// AbandonAll discards every queued and pending key.
func (c *Cache[K, V]) AbandonAll(reason error) {
	if reason == nil {
		reason = ErrAbandoned
	}

	c.mu.Lock()
	abandoned := make([]delivery[K, V], 0, len(c.inflight))
	for key := range c.inflight {
		if d, ok := c.abandonLocked(key); ok {
			abandoned = append(abandoned, d)
		}
	}
	c.queue.Clear()
	c.mu.Unlock()

	c.notifyAbandoned(abandoned, reason)
}

func (c *Cache[K, V]) abandonLocked(key K) (delivery[K, V], bool) {
	e, ok := c.inflight[key]
	if !ok {
		return delivery[K, V]{}, false
	}
	delete(c.inflight, key)
	switch e.state {
	case StateQueued:
		c.queued--
	case StatePending:
		c.pending--
	}
	return delivery[K, V]{entry: e, waiters: e.abandon()}, true
}

func (c *Cache[K, V]) notifyAbandoned(abandoned []delivery[K, V], reason error) {
	for _, d := range abandoned {
		for _, w := range d.waiters {
			c.safeAbandon(w, d.entry.key, reason)
		}
	}
}

// Unregister removes cb from the waiters of key. It reports whether cb was
// still waiting. Callbacks are matched by identity, so cb should be a
// pointer; a cb of a non-comparable type is never found.
func (c *Cache[K, V]) Unregister(key K, cb Callback[K, V]) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.inflight[key]
	if !ok {
		return false
	}
	return e.removeWaiter(cb)
}

// Lookup returns the retained value for key without touching its recency.
func (c *Cache[K, V]) Lookup(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.retained.Peek(key)
	if !ok {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Entry describes the lifecycle of key. An in-flight entry takes precedence
// over a stale retained one.
func (c *Cache[K, V]) Entry(key K) (EntryInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	if e, ok := c.inflight[key]; ok {
		return e.info(now), true
	}
	if e, ok := c.retained.Peek(key); ok {
		return e.info(now), true
	}
	return EntryInfo{}, false
}

// Purge drops all retained values. In-flight requests are unaffected.
func (c *Cache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.purging = true
	c.retained.Purge()
	c.purging = false
}

func (c *Cache[K, V]) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Stats{
		Queued:    c.queued,
		Pending:   c.pending,
		Retained:  c.retained.Len(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Rejected:  c.rejected.Load(),
	}
}

func (c *Cache[K, V]) deliverRetained(e *entry[K, V], cb Callback[K, V]) {
	if cb == nil {
		return
	}
	if c.safeFulfill(cb, e.key, e.value) {
		e.retrieved.Store(true)
	}
}

func (c *Cache[K, V]) waitTurn(ticket uint64) {
	c.turnMu.Lock()
	for c.turn != ticket {
		c.turnCond.Wait()
	}
	c.turnMu.Unlock()
}

func (c *Cache[K, V]) endTurn() {
	c.turnMu.Lock()
	c.turn++
	c.turnCond.Broadcast()
	c.turnMu.Unlock()
}

func (c *Cache[K, V]) safeFulfill(cb Callback[K, V], key K, value V) (consumed bool) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Request callback panicked", zap.Any("key", key), zap.Any("panic", r))
			consumed = false
		}
	}()
	return cb.Fulfilled(key, value)
}

func (c *Cache[K, V]) safeAbandon(cb Callback[K, V], key K, reason error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Abandon callback panicked", zap.Any("key", key), zap.Any("panic", r))
		}
	}()
	cb.Abandoned(key, reason)
}

func (c *Cache[K, V]) safeGlobal(cb GlobalCallback) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Global callback panicked", zap.Any("panic", r))
		}
	}()
	cb.RequestsFulfilled()
}
