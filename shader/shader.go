// Package shader caches compiled GPU shader modules by source.
//
// WGSL sources are compiled to SPIR-V with naga on a cache worker; SPIR-V
// sources are passed to the device unchanged. Two sources with the same
// stage and code share one module regardless of their labels.
package shader

import (
	"errors"
	"slices"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/psocache/cache"
	"github.com/gogpu/psocache/internal/fnvhash"
)

// Shader cache errors.
var (
	// ErrNilDevice is returned when a shader cache is created without a device.
	ErrNilDevice = errors.New("shader: device is nil")

	// ErrEmptySource is recorded for a source with neither WGSL nor SPIR-V.
	ErrEmptySource = errors.New("shader: source has no code")
)

// Source describes a shader module.
type Source struct {
	// Label is a debug label passed to the device. It does not take part in
	// equality.
	Label string

	// Stage is the pipeline stage the module is written for.
	Stage gputypes.ShaderStage

	// WGSL is the WGSL source code. When set, SPIRV is ignored.
	WGSL string

	// SPIRV is precompiled SPIR-V code.
	SPIRV []uint32
}

// Cache is a cache of shader modules.
type Cache = cache.Cache[Source, hal.ShaderModule]

// Key is a handle to a cached shader module.
type Key = cache.Key[Source, hal.ShaderModule]

// keyOps implements cache.KeyOps for Source.
type keyOps struct{}

func (keyOps) Hash(src Source) uint64 {
	h := fnvhash.New()
	h.Uint32(uint32(src.Stage))
	if src.WGSL != "" {
		h.Bool(true)
		h.String(src.WGSL)
	} else {
		h.Bool(false)
		h.Words(src.SPIRV)
	}
	return h.Sum64()
}

func (keyOps) Equal(a, b Source) bool {
	if a.Stage != b.Stage || a.WGSL != b.WGSL {
		return false
	}
	if a.WGSL != "" {
		return true
	}
	return slices.Equal(a.SPIRV, b.SPIRV)
}

func (keyOps) Clone(src Source) Source {
	src.SPIRV = slices.Clone(src.SPIRV)
	return src
}
