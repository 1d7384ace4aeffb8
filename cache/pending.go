package cache

import (
	"context"
	"fmt"
	"sync"
)

// request is a one-shot future for a single creation.
//
// value and err are written by the creation task before done is closed and
// are read-only afterwards.
type request[V any] struct {
	done  chan struct{}
	value V
	err   error
}

func newRequest[V any]() *request[V] {
	return &request[V]{done: make(chan struct{})}
}

// resolve publishes the result. It must be called exactly once.
func (r *request[V]) resolve() {
	close(r.done)
}

// wait blocks until the request resolves or ctx ends.
func (r *request[V]) wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pendingTable tracks keys with an in-flight creation.
//
// A key is present iff exactly one creation task for it is scheduled or
// running. Lock order: shard.mu before pendingTable.mu.
type pendingTable[K, V any] struct {
	mu   sync.Mutex
	reqs map[*Key[K, V]]*request[V]
}

func newPendingTable[K, V any]() *pendingTable[K, V] {
	return &pendingTable[K, V]{reqs: make(map[*Key[K, V]]*request[V])}
}

// insert registers a new request for k. Caller must hold k's shard lock.
func (p *pendingTable[K, V]) insert(k *Key[K, V]) *request[V] {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.reqs[k]; ok {
		panic(fmt.Sprintf("cache: second creation dispatched for key %#x", k.hash))
	}
	req := newRequest[V]()
	p.reqs[k] = req
	return req
}

// remove drops the request for k.
func (p *pendingTable[K, V]) remove(k *Key[K, V]) {
	p.mu.Lock()
	delete(p.reqs, k)
	p.mu.Unlock()
}

// lookup returns the in-flight request for k, or nil.
func (p *pendingTable[K, V]) lookup(k *Key[K, V]) *request[V] {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reqs[k]
}

// has reports whether k has an in-flight request.
func (p *pendingTable[K, V]) has(k *Key[K, V]) bool {
	return p.lookup(k) != nil
}

// snapshot returns every in-flight request.
func (p *pendingTable[K, V]) snapshot() []*request[V] {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*request[V], 0, len(p.reqs))
	for _, req := range p.reqs {
		out = append(out, req)
	}
	return out
}

// len returns the number of in-flight requests.
func (p *pendingTable[K, V]) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reqs)
}
