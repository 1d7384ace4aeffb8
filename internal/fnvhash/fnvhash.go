// Package fnvhash writes descriptor fields into an FNV-1a hash.
//
// Every writer length-prefixes variable-sized data so that adjacent fields
// cannot alias (e.g. "ab"+"c" and "a"+"bc" hash differently).
package fnvhash

import (
	"encoding/binary"
	"hash"
	"hash/fnv"
	"math"
)

// Hasher accumulates descriptor fields. The zero value is not usable; call New.
type Hasher struct {
	h   hash.Hash64
	buf [8]byte
}

// New returns a Hasher seeded with the FNV-1a offset basis.
func New() *Hasher {
	return &Hasher{h: fnv.New64a()}
}

// Sum64 returns the hash of everything written so far.
func (w *Hasher) Sum64() uint64 {
	return w.h.Sum64()
}

// Uint32 writes v in little-endian order.
func (w *Hasher) Uint32(v uint32) {
	binary.LittleEndian.PutUint32(w.buf[:4], v)
	_, _ = w.h.Write(w.buf[:4]) // fnv.Write never returns an error
}

// Uint64 writes v in little-endian order.
func (w *Hasher) Uint64(v uint64) {
	binary.LittleEndian.PutUint64(w.buf[:], v)
	_, _ = w.h.Write(w.buf[:])
}

// Float64 writes the IEEE-754 bits of v.
func (w *Hasher) Float64(v float64) {
	w.Uint64(math.Float64bits(v))
}

// Bool writes a single byte.
func (w *Hasher) Bool(v bool) {
	if v {
		w.buf[0] = 1
	} else {
		w.buf[0] = 0
	}
	_, _ = w.h.Write(w.buf[:1])
}

// Len writes a collection length.
//
//nolint:gosec // G115: descriptor strings and slices are bounded far below 4 Gi elements
func (w *Hasher) Len(n int) {
	w.Uint32(uint32(n))
}

// String writes the length of s followed by its bytes.
func (w *Hasher) String(s string) {
	w.Len(len(s))
	_, _ = w.h.Write([]byte(s))
}

// Words writes the length of words followed by each word.
func (w *Hasher) Words(words []uint32) {
	w.Len(len(words))
	for _, v := range words {
		w.Uint32(v)
	}
}

