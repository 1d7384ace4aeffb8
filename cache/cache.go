package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Configuration and lifecycle errors.
var (
	// ErrNilKeyOps is returned when a cache is created without KeyOps.
	ErrNilKeyOps = errors.New("cache: key ops are nil")

	// ErrNilCreator is returned when a cache is created without a Creator.
	ErrNilCreator = errors.New("cache: creator is nil")

	// ErrPendingRequests is returned by Close and Drain when the context ends
	// while creation requests are still in flight.
	ErrPendingRequests = errors.New("cache: creation requests still pending")
)

// Config configures a Cache.
type Config[K, V any] struct {
	// Name identifies the cache in log records.
	Name string

	// Keys hashes, compares and clones descriptors. Required.
	Keys KeyOps[K]

	// Creator creates objects. Required.
	Creator Creator[K, V]

	// Destroyer releases objects. Optional; nil drops objects without a call.
	Destroyer Destroyer[V]

	// Pool runs creation asynchronously. Optional; nil creates objects inline
	// on the installing goroutine.
	Pool WorkerPool
}

// Cache is a concurrent, content-addressed cache of expensive objects with
// frame-paced garbage collection.
//
// Producers obtain a Key with CreateKey and call Install whenever they need
// the object. Install never blocks on creation: it returns StatusRequested
// until the object exists, then StatusInstalled. Concurrent installs of the
// same key share a single creation. The frame driver calls NewFrame once per
// frame and GarbageCollect with a frame index safely behind the GPU.
//
// Cache is safe for concurrent use, except that NewFrame must be called from
// a single goroutine.
type Cache[K, V any] struct {
	name      string
	keys      KeyOps[K]
	releaser  KeyReleaser[K]
	creator   Creator[K, V]
	preparer  Preparer[K]
	destroyer Destroyer[V]
	pool      WorkerPool

	table   *table[K, V]
	pending *pendingTable[K, V]

	frame atomic.Uint64

	// closeMu is held shared by CreateKey and Install and exclusively by
	// Close while it sets closed, so no call that passed checkOpen is still
	// running when Close drains and collects.
	closeMu sync.RWMutex
	closed  atomic.Bool

	stats counters
}

// New creates a cache from cfg.
func New[K, V any](cfg Config[K, V]) (*Cache[K, V], error) {
	if cfg.Keys == nil {
		return nil, ErrNilKeyOps
	}
	if cfg.Creator == nil {
		return nil, ErrNilCreator
	}

	c := &Cache[K, V]{
		name:      cfg.Name,
		keys:      cfg.Keys,
		creator:   cfg.Creator,
		destroyer: cfg.Destroyer,
		pool:      cfg.Pool,
		table:     newTable[K, V](),
		pending:   newPendingTable[K, V](),
	}
	if r, ok := cfg.Keys.(KeyReleaser[K]); ok {
		c.releaser = r
	}
	if p, ok := cfg.Creator.(Preparer[K]); ok {
		c.preparer = p
	}

	c.log(slog.LevelDebug, "cache: created", slog.Bool("async", cfg.Pool != nil))
	return c, nil
}

// Name returns the configured cache name.
func (c *Cache[K, V]) Name() string {
	return c.name
}

// =============================================================================
// Keys
// =============================================================================

// CreateKey returns the key for desc, creating it if no equal key exists.
// Each call takes one key reference that must be released with FreeKey.
//
// On a miss desc is cloned, so the caller may reuse it afterwards.
func (c *Cache[K, V]) CreateKey(desc K) *Key[K, V] {
	c.closeMu.RLock()
	defer c.closeMu.RUnlock()
	c.checkOpen()

	hash := c.keys.Hash(desc)
	s := c.table.shardFor(hash)
	frame := c.frame.Load()

	// Fast path: existing key
	s.mu.Lock()
	if k := s.lookup(c.keys, hash, desc); k != nil {
		k.entry.keyRefs++
		k.entry.touch(frame)
		s.mu.Unlock()
		c.stats.keyHits.Add(1)
		return k
	}
	s.mu.Unlock()

	// Clone outside the lock: Clone may call into other caches.
	owned := c.keys.Clone(desc)

	s.mu.Lock()
	// Re-check after re-acquiring the lock (another goroutine may have won)
	if k := s.lookup(c.keys, hash, owned); k != nil {
		k.entry.keyRefs++
		k.entry.touch(frame)
		s.mu.Unlock()
		c.releaseDesc(owned)
		c.stats.keyHits.Add(1)
		return k
	}
	k := &Key[K, V]{desc: owned, hash: hash, shard: s}
	k.entry.keyRefs = 1
	k.entry.frame = frame
	s.insert(k)
	s.mu.Unlock()

	c.stats.keyMisses.Add(1)
	return k
}

// RetainKey takes an additional key reference on k.
func (c *Cache[K, V]) RetainKey(k *Key[K, V]) {
	s := k.shard
	s.mu.Lock()
	defer s.mu.Unlock()

	if k.entry.removed {
		panic(fmt.Sprintf("cache %s: RetainKey on collected key %#x", c.name, k.hash))
	}
	k.entry.keyRefs++
}

// FreeKey releases one key reference. The key is not removed immediately;
// garbage collection reclaims it once it is unreferenced and stale.
func (c *Cache[K, V]) FreeKey(k *Key[K, V]) {
	s := k.shard
	s.mu.Lock()
	defer s.mu.Unlock()

	e := &k.entry
	if e.removed {
		panic(fmt.Sprintf("cache %s: FreeKey on collected key %#x", c.name, k.hash))
	}
	if e.keyRefs == 0 {
		panic(fmt.Sprintf("cache %s: FreeKey without CreateKey on key %#x", c.name, k.hash))
	}
	e.keyRefs--
	if e.keyRefs == 0 {
		e.release(c.frame.Load())
	}
}

// =============================================================================
// Objects
// =============================================================================

// Install declares that the caller needs the object for k. Every call takes
// one object reference that must be released with Uninstall, whatever the
// returned status.
//
// It returns StatusInstalled when the object exists, StatusRequested while
// creation is in flight, and StatusFailed when creation failed. The first
// install of a key starts creation; without a worker pool creation runs
// inline and the terminal status is returned directly.
func (c *Cache[K, V]) Install(k *Key[K, V]) Status {
	c.closeMu.RLock()
	defer c.closeMu.RUnlock()
	c.checkOpen()

	s := k.shard
	e := &k.entry

	s.mu.Lock()
	if e.removed {
		s.mu.Unlock()
		panic(fmt.Sprintf("cache %s: Install on collected key %#x", c.name, k.hash))
	}
	e.objRefs++
	if e.status != StatusNone {
		st := c.join(e)
		s.mu.Unlock()
		return st
	}
	s.mu.Unlock()

	if c.preparer != nil {
		switch c.preparer.Prepare(k.desc) {
		case StatusRequested:
			return StatusRequested
		case StatusFailed:
			s.mu.Lock()
			if e.status == StatusNone {
				e.fail(ErrDependencyFailed)
				c.stats.failed.Add(1)
			}
			st := e.installStatus()
			s.mu.Unlock()
			return st
		}
	}

	s.mu.Lock()
	if e.removed {
		s.mu.Unlock()
		panic(fmt.Sprintf("cache %s: key %#x collected during Install", c.name, k.hash))
	}
	if e.status != StatusNone {
		// Another installer dispatched first.
		st := c.join(e)
		s.mu.Unlock()
		return st
	}
	e.status = StatusRequested
	req := c.pending.insert(k)
	s.mu.Unlock()

	c.stats.installMisses.Add(1)
	if c.dispatch(k, req) {
		return StatusRequested
	}

	s.mu.Lock()
	st := e.installStatus()
	s.mu.Unlock()
	return st
}

// join handles an install on an entry that already left StatusNone.
// Caller must hold the entry's shard lock.
func (c *Cache[K, V]) join(e *entry[V]) Status {
	if e.created() {
		e.status = StatusInstalled
		e.touch(c.frame.Load())
		c.stats.installHits.Add(1)
	}
	return e.installStatus()
}

// Uninstall releases one object reference taken by Install. The object is
// not destroyed; garbage collection reclaims it later.
//
// It returns false if k was already garbage collected. Uninstalling more
// often than installing panics.
func (c *Cache[K, V]) Uninstall(k *Key[K, V]) bool {
	s := k.shard
	e := &k.entry

	s.mu.Lock()
	if e.removed {
		s.mu.Unlock()
		c.log(slog.LevelWarn, "cache: uninstall of collected key", slog.Uint64("key", k.hash))
		return false
	}
	if e.objRefs == 0 {
		s.mu.Unlock()
		panic(fmt.Sprintf("cache %s: Uninstall without Install on key %#x", c.name, k.hash))
	}
	e.objRefs--
	if e.objRefs == 0 {
		if e.status == StatusInstalled {
			e.status = StatusUninstalled
		}
		e.release(c.frame.Load())
	}
	s.mu.Unlock()
	return true
}

// Find returns the object for k if it was created successfully.
// Find does not change reference counts or frame stamps.
func (c *Cache[K, V]) Find(k *Key[K, V]) (V, bool) {
	s := k.shard
	s.mu.Lock()
	defer s.mu.Unlock()

	if k.entry.removed || !k.entry.created() {
		var zero V
		return zero, false
	}
	return k.entry.value, true
}

// Status returns the lifecycle status of k without touching it.
// A collected key reports StatusNone.
func (c *Cache[K, V]) Status(k *Key[K, V]) Status {
	s := k.shard
	s.mu.Lock()
	defer s.mu.Unlock()

	if k.entry.removed {
		return StatusNone
	}
	return k.entry.status
}

// Err returns the creation error of a failed key, or nil.
func (c *Cache[K, V]) Err(k *Key[K, V]) error {
	s := k.shard
	s.mu.Lock()
	defer s.mu.Unlock()
	return k.entry.err
}

// Refs returns the key and object reference counts of k.
func (c *Cache[K, V]) Refs(k *Key[K, V]) (keyRefs, objRefs uint32) {
	s := k.shard
	s.mu.Lock()
	defer s.mu.Unlock()
	return k.entry.keyRefs, k.entry.objRefs
}

// LastTouched returns the frame stamp of k, FrameNever after a failure.
func (c *Cache[K, V]) LastTouched(k *Key[K, V]) uint64 {
	s := k.shard
	s.mu.Lock()
	defer s.mu.Unlock()
	return k.entry.frame
}

// Wait blocks until k has no creation in flight or ctx ends.
func (c *Cache[K, V]) Wait(ctx context.Context, k *Key[K, V]) error {
	req := c.pending.lookup(k)
	if req == nil {
		return nil
	}
	return req.wait(ctx)
}

// Drain blocks until no creation is in flight or ctx ends.
func (c *Cache[K, V]) Drain(ctx context.Context) error {
	for {
		reqs := c.pending.snapshot()
		if len(reqs) == 0 {
			return nil
		}
		for _, req := range reqs {
			if err := req.wait(ctx); err != nil {
				return fmt.Errorf("%w: %w", ErrPendingRequests, err)
			}
		}
	}
}

// =============================================================================
// Frames and collection
// =============================================================================

// NewFrame sets the current frame index. Frame indices must not decrease.
// NewFrame must be called from a single goroutine.
func (c *Cache[K, V]) NewFrame(frame uint64) {
	if cur := c.frame.Load(); frame < cur {
		panic(fmt.Sprintf("cache %s: NewFrame(%d) after frame %d", c.name, frame, cur))
	}
	c.frame.Store(frame)
}

// Frame returns the current frame index.
func (c *Cache[K, V]) Frame() uint64 {
	return c.frame.Load()
}

// GarbageCollect removes every key that has no key references, has not been
// touched since before critical, and has no creation in flight. Install
// counts do not keep a key alive; a dependent holds a key reference instead.
// Objects are destroyed after the key table lock is released.
//
// It returns the number of keys removed.
func (c *Cache[K, V]) GarbageCollect(critical uint64) int {
	victims := c.collect(func(k *Key[K, V]) bool {
		e := &k.entry
		if e.keyRefs != 0 || !e.stale(critical) {
			return false
		}
		return e.status != StatusRequested && !c.pending.has(k)
	})

	for _, v := range victims {
		c.destroy(v)
	}
	if n := len(victims); n > 0 {
		c.stats.evicted.Add(uint64(n))
		c.log(slog.LevelDebug, "cache: collected",
			slog.Int("keys", n),
			slog.Uint64("critical", critical))
	}
	return len(victims)
}

// Len returns the number of keys in the cache.
func (c *Cache[K, V]) Len() int {
	return c.table.len()
}

// Pending returns the number of creations in flight.
func (c *Cache[K, V]) Pending() int {
	return c.pending.len()
}

// Close waits for in-flight creations, then destroys every object and
// releases every key. The cache stays usable while Close waits. If ctx ends
// first, Close returns an error wrapping ErrPendingRequests and the cache
// remains open.
//
// Keys must not be used after Close returns nil. Close is safe to call
// multiple times.
func (c *Cache[K, V]) Close(ctx context.Context) error {
	if c.closed.Load() {
		return nil
	}
	// Producers may keep dispatching while the cache is open, so only the
	// creations in flight now are awaited here.
	for _, req := range c.pending.snapshot() {
		if err := req.wait(ctx); err != nil {
			return fmt.Errorf("%w: %w", ErrPendingRequests, err)
		}
	}

	c.closeMu.Lock()
	if c.closed.Load() {
		c.closeMu.Unlock()
		return nil
	}
	c.closed.Store(true)
	c.closeMu.Unlock()

	// No producer can dispatch now; wait for everything left.
	if err := c.Drain(ctx); err != nil {
		c.closed.Store(false)
		return err
	}

	victims := c.collect(func(*Key[K, V]) bool { return true })
	for _, v := range victims {
		c.destroy(v)
	}
	c.log(slog.LevelDebug, "cache: closed", slog.Int("keys", len(victims)))
	return nil
}

// victim is a key unlinked by collect, with the object it held.
type victim[K, V any] struct {
	desc    K
	value   V
	created bool
}

// collect unlinks every key for which pick returns true.
func (c *Cache[K, V]) collect(pick func(*Key[K, V]) bool) []victim[K, V] {
	var victims []victim[K, V]
	for _, s := range c.table.shards {
		s.mu.Lock()
		s.each(func(k *Key[K, V]) {
			if !pick(k) {
				return
			}
			victims = append(victims, victim[K, V]{
				desc:    k.desc,
				value:   k.entry.value,
				created: k.entry.created(),
			})
			s.unlink(k)
		})
		s.mu.Unlock()
	}
	return victims
}

// destroy releases the object and descriptor of a collected key.
func (c *Cache[K, V]) destroy(v victim[K, V]) {
	if v.created && c.destroyer != nil {
		c.destroyer.Destroy(v.value)
	}
	c.releaseDesc(v.desc)
}

func (c *Cache[K, V]) releaseDesc(desc K) {
	if c.releaser != nil {
		c.releaser.Release(desc)
	}
}

func (c *Cache[K, V]) checkOpen() {
	if c.closed.Load() {
		panic(fmt.Sprintf("cache %s: use after Close", c.name))
	}
}

// log emits a record tagged with the cache name. Disabled levels return
// before any attribute is built.
func (c *Cache[K, V]) log(level slog.Level, msg string, attrs ...slog.Attr) {
	l := Logger()
	ctx := context.Background()
	if !l.Enabled(ctx, level) {
		return
	}
	l.LogAttrs(ctx, level, msg, append([]slog.Attr{slog.String("cache", c.name)}, attrs...)...)
}
