package cache

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
)

var (
	// ErrCreatorPanic wraps the value recovered from a panicking Creator.
	ErrCreatorPanic = errors.New("cache: creator panicked")

	// ErrNilObject is recorded when a Creator returns a nil object without
	// an error.
	ErrNilObject = errors.New("cache: creator returned nil object")

	// ErrDependencyFailed is recorded when a Preparer reports that an object
	// this key depends on failed to create.
	ErrDependencyFailed = errors.New("cache: dependency failed")
)

// Creator creates the object described by a descriptor. It may be slow and
// may fail; a failure is permanent for that key.
//
// Create is called at most once per key, either on the installing goroutine
// or on a worker pool goroutine.
type Creator[K, V any] interface {
	Create(desc K) (V, error)
}

// CreatorFunc adapts a function to the Creator interface.
type CreatorFunc[K, V any] func(desc K) (V, error)

// Create calls f(desc).
func (f CreatorFunc[K, V]) Create(desc K) (V, error) {
	return f(desc)
}

// Preparer is optionally implemented by a Creator whose objects depend on
// other cached objects. Install consults Prepare before dispatching:
//   - StatusInstalled: dependencies are ready, creation is dispatched
//   - StatusRequested: dependencies are still in flight, nothing is
//     dispatched and a later Install tries again
//   - StatusFailed: the key fails permanently with ErrDependencyFailed
type Preparer[K any] interface {
	Prepare(desc K) Status
}

// Destroyer releases a created object during garbage collection and Close.
type Destroyer[V any] interface {
	Destroy(value V)
}

// DestroyerFunc adapts a function to the Destroyer interface.
type DestroyerFunc[V any] func(value V)

// Destroy calls f(value).
func (f DestroyerFunc[V]) Destroy(value V) {
	f(value)
}

// WorkerPool runs creation tasks off the installing goroutine.
//
// Submit schedules task and then onComplete on the same worker, in that
// order. It returns false if the pool no longer accepts work, in which case
// the cache runs both functions inline.
type WorkerPool interface {
	Submit(task, onComplete func()) bool
}

// dispatch starts creation for k. It reports whether creation was handed to
// the worker pool; when false, creation has already completed.
func (c *Cache[K, V]) dispatch(k *Key[K, V], req *request[V]) bool {
	c.stats.dispatched.Add(1)

	task := func() { c.create(k, req) }
	complete := func() { c.complete(k, req) }

	if c.pool != nil && c.pool.Submit(task, complete) {
		c.log(slog.LevelDebug, "cache: creation dispatched", slog.Uint64("key", k.hash))
		return true
	}

	task()
	complete()
	return false
}

// create runs the Creator and stores its result in req.
func (c *Cache[K, V]) create(k *Key[K, V], req *request[V]) {
	defer func() {
		if r := recover(); r != nil {
			var zero V
			req.value = zero
			req.err = fmt.Errorf("%w: %v", ErrCreatorPanic, r)
		}
	}()

	value, err := c.creator.Create(k.desc)
	if err == nil && isNil(value) {
		err = ErrNilObject
	}
	req.value, req.err = value, err
}

// complete commits req to k's entry, then removes the pending request and
// resolves the future. The deferred calls run even if the commit panics.
func (c *Cache[K, V]) complete(k *Key[K, V], req *request[V]) {
	defer req.resolve()
	defer c.pending.remove(k)

	s := k.shard
	s.mu.Lock()
	if req.err != nil {
		k.entry.fail(req.err)
	} else {
		k.entry.succeed(req.value, c.frame.Load())
	}
	s.mu.Unlock()

	if req.err != nil {
		c.stats.failed.Add(1)
		c.log(slog.LevelWarn, "cache: creation failed",
			slog.Uint64("key", k.hash),
			slog.String("err", req.err.Error()))
		return
	}
	c.stats.created.Add(1)
	c.log(slog.LevelDebug, "cache: object created", slog.Uint64("key", k.hash))
}

// isNil reports whether v is a nil interface, pointer, map, slice, func or
// channel.
func isNil[V any](v V) bool {
	rv := reflect.ValueOf(any(v))
	switch rv.Kind() {
	case reflect.Invalid:
		return true
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return rv.IsNil()
	default:
		return false
	}
}
