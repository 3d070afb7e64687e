package requestcache

// Callback receives the outcome of a request for one key. Exactly one of its
// methods is called, at most once per registration.
type Callback[K comparable, V any] interface {
	// Fulfilled delivers the value for key and reports whether the value was
	// consumed.
	Fulfilled(key K, value V) bool
	// Abandoned reports that the cache gave up on key without a value.
	Abandoned(key K, reason error)
}

// sameCallback compares a and b without panicking on a non-comparable
// dynamic type; such callbacks never match.
func sameCallback[K comparable, V any](a, b Callback[K, V]) (same bool) {
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return a == b
}

// GlobalCallback is notified once after every batch of provided values.
type GlobalCallback interface {
	RequestsFulfilled()
}

// GlobalCallbackFunc adapts a function to GlobalCallback.
type GlobalCallbackFunc func()

func (f GlobalCallbackFunc) RequestsFulfilled() { f() }

// FuncCallback adapts a pair of functions to Callback. Use NewCallback so the
// result can be passed to Unregister.
type FuncCallback[K comparable, V any] struct {
	OnFulfilled func(key K, value V) bool
	OnAbandoned func(key K, reason error)
}

func NewCallback[K comparable, V any](onFulfilled func(K, V) bool, onAbandoned func(K, error)) *FuncCallback[K, V] {
	return &FuncCallback[K, V]{OnFulfilled: onFulfilled, OnAbandoned: onAbandoned}
}

func (f *FuncCallback[K, V]) Fulfilled(key K, value V) bool {
	if f.OnFulfilled == nil {
		return false
	}
	return f.OnFulfilled(key, value)
}

func (f *FuncCallback[K, V]) Abandoned(key K, reason error) {
	if f.OnAbandoned != nil {
		f.OnAbandoned(key, reason)
	}
}
