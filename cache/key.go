package cache

// KeyOps supplies hashing, equality and ownership for a descriptor type.
//
// Equal descriptors must hash equal. Clone must return a deep copy that stays
// valid after the caller mutates or discards the original.
type KeyOps[K any] interface {
	Hash(desc K) uint64
	Equal(a, b K) bool
	Clone(desc K) K
}

// KeyReleaser is optionally implemented by a KeyOps whose cloned descriptors
// hold references to other resources (for example shader keys pinned by a
// pipeline descriptor). Release is called exactly once per owned descriptor:
// when its key is garbage collected, when the cache is closed, or when a
// clone loses an insertion race.
type KeyReleaser[K any] interface {
	Release(desc K)
}

// Key is a handle to a cached descriptor and its entry.
//
// A Key stays valid until it is garbage collected. Keys are only obtained from
// Cache.CreateKey and must be released with Cache.FreeKey.
type Key[K, V any] struct {
	desc  K
	hash  uint64
	shard *shard[K, V]
	entry entry[V]
}

// Descriptor returns the cache-owned copy of the descriptor.
// Callers must not modify it.
func (k *Key[K, V]) Descriptor() K {
	return k.desc
}

// Hash returns the descriptor hash.
func (k *Key[K, V]) Hash() uint64 {
	return k.hash
}
