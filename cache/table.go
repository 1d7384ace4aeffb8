package cache

import "sync"

const (
	// shardCount is the number of key table shards.
	// Must be a power of 2 for fast modulo via bitwise AND.
	shardCount = 16

	// shardMask is used for fast shard selection (shardCount - 1).
	shardMask = shardCount - 1
)

// table is the sharded key table.
//
// Each shard owns a map from descriptor hash to the chain of keys sharing that
// hash. The shard mutex guards the chains and every entry reachable from them,
// so a shard lock is also the entry lock.
type table[K, V any] struct {
	shards [shardCount]*shard[K, V]
}

// shard is a single partition of the key table.
type shard[K, V any] struct {
	mu    sync.Mutex
	byKey map[uint64][]*Key[K, V]
	count int
}

func newTable[K, V any]() *table[K, V] {
	t := &table[K, V]{}
	for i := range t.shards {
		t.shards[i] = &shard[K, V]{
			byKey: make(map[uint64][]*Key[K, V]),
		}
	}
	return t
}

// shardFor returns the shard for a descriptor hash.
func (t *table[K, V]) shardFor(hash uint64) *shard[K, V] {
	return t.shards[hash&shardMask]
}

// lookup finds the key equal to desc. Caller must hold s.mu.
func (s *shard[K, V]) lookup(ops KeyOps[K], hash uint64, desc K) *Key[K, V] {
	for _, k := range s.byKey[hash] {
		if ops.Equal(k.desc, desc) {
			return k
		}
	}
	return nil
}

// insert links k into the shard. Caller must hold s.mu.
func (s *shard[K, V]) insert(k *Key[K, V]) {
	s.byKey[k.hash] = append(s.byKey[k.hash], k)
	s.count++
}

// unlink removes k from the shard and marks it removed. Caller must hold s.mu.
func (s *shard[K, V]) unlink(k *Key[K, V]) {
	chain := s.byKey[k.hash]
	for i, c := range chain {
		if c != k {
			continue
		}
		last := len(chain) - 1
		chain[i] = chain[last]
		chain[last] = nil
		if last == 0 {
			delete(s.byKey, k.hash)
		} else {
			s.byKey[k.hash] = chain[:last]
		}
		s.count--
		break
	}
	k.entry.removed = true
}

// each calls fn for every key in the shard. fn may unlink the key it is
// given. Caller must hold s.mu.
func (s *shard[K, V]) each(fn func(*Key[K, V])) {
	for _, chain := range s.byKey {
		// Iterate over a copy: fn may shrink the chain.
		for _, k := range append([]*Key[K, V](nil), chain...) {
			fn(k)
		}
	}
}

// len returns the total number of keys across all shards.
func (t *table[K, V]) len() int {
	total := 0
	for _, s := range t.shards {
		s.mu.Lock()
		total += s.count
		s.mu.Unlock()
	}
	return total
}
