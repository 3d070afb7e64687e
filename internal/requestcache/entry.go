package requestcache

import (
	"fmt"
	"sync/atomic"
	"time"
)

// State is the lifecycle position of one key.
type State int

const (
	// StateQueued means requested but not yet promised to a fetcher.
	StateQueued State = iota
	// StatePending means reserved by exactly one fetcher.
	StatePending
	// StateRetained means a value (possibly a "not found" value) is held.
	StateRetained
	// StateAbandoned means the cache gave up waiting for a value.
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StatePending:
		return "pending"
	case StateRetained:
		return "retained"
	case StateAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// entry carries one key through queued -> pending -> retained, or to
// abandoned. All fields except retrieved are guarded by the cache lock.
type entry[K comparable, V any] struct {
	key       K
	state     State
	value     V
	requested time.Time
	received  bool
	reserved  bool
	retrieved atomic.Bool
	waiters   []Callback[K, V]
	seq       uint64
}

func newEntry[K comparable, V any](key K, now time.Time) *entry[K, V] {
	return &entry[K, V]{key: key, state: StateQueued, requested: now}
}

// reserve claims the entry for one fetch. It returns true once, until the
// reservation is released.
func (e *entry[K, V]) reserve() bool {
	if e.reserved || e.state != StateQueued {
		return false
	}
	e.reserved = true
	e.state = StatePending
	return true
}

func (e *entry[K, V]) release() {
	e.reserved = false
	e.state = StateQueued
}

// receive stores the value and hands back the waiters that must be notified.
func (e *entry[K, V]) receive(value V) []Callback[K, V] {
	e.state = StateRetained
	e.value = value
	e.received = true
	e.reserved = false
	waiters := e.waiters
	e.waiters = nil
	return waiters
}

func (e *entry[K, V]) abandon() []Callback[K, V] {
	e.state = StateAbandoned
	e.reserved = false
	waiters := e.waiters
	e.waiters = nil
	return waiters
}

func (e *entry[K, V]) removeWaiter(cb Callback[K, V]) bool {
	for i, w := range e.waiters {
		if sameCallback(w, cb) {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (e *entry[K, V]) info(now time.Time) EntryInfo {
	return EntryInfo{
		State:     e.state,
		Requested: e.requested,
		Age:       now.Sub(e.requested),
		Received:  e.received,
		Retrieved: e.retrieved.Load(),
		Reserved:  e.reserved,
		Waiters:   len(e.waiters),
	}
}

// EntryInfo is a snapshot of one key's lifecycle. Eviction policies should
// prefer entries that are received and retrieved over reserved ones.
type EntryInfo struct {
	State     State
	Requested time.Time
	Age       time.Duration
	Received  bool
	Retrieved bool
	Reserved  bool
	Waiters   int
}

func (i EntryInfo) String() string {
	return fmt.Sprintf("entry (age: %.2fs, %s, received=%t, retrieved=%t, reserved=%t, %d waiters)",
		i.Age.Seconds(), i.State, i.Received, i.Retrieved, i.Reserved, i.Waiters)
}
