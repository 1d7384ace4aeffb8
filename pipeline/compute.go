package pipeline

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/psocache/cache"
	"github.com/gogpu/psocache/internal/fnvhash"
	"github.com/gogpu/psocache/shader"
)

// ComputeDescriptor describes a compute pipeline.
type ComputeDescriptor struct {
	// Label is a debug label. It does not take part in equality.
	Label string

	// Layout is the pipeline layout. Compared by identity.
	Layout hal.PipelineLayout

	// Shader is required.
	Shader *shader.Key

	// EntryPoint defaults to DefaultComputeEntryPoint.
	EntryPoint string

	// Constants override pipeline-overridable shader constants.
	Constants map[string]float64
}

// ComputeCache is a cache of compute pipelines.
type ComputeCache = cache.Cache[ComputeDescriptor, hal.ComputePipeline]

// ComputeKey is a handle to a cached compute pipeline.
type ComputeKey = cache.Key[ComputeDescriptor, hal.ComputePipeline]

// HashComputeDescriptor computes an FNV-1a hash of a compute descriptor.
// Constants are hashed in name order; an empty entry point hashes as
// DefaultComputeEntryPoint.
func HashComputeDescriptor(desc *ComputeDescriptor) uint64 {
	h := fnvhash.New()

	h.Uint64(shaderHash(desc.Shader))
	h.String(entryPoint(desc.EntryPoint, DefaultComputeEntryPoint))

	h.Len(len(desc.Constants))
	for _, name := range slices.Sorted(maps.Keys(desc.Constants)) {
		h.String(name)
		h.Float64(desc.Constants[name])
	}

	return h.Sum64()
}

type computeKeys struct {
	deps shaderDeps
}

func (computeKeys) Hash(desc ComputeDescriptor) uint64 {
	return HashComputeDescriptor(&desc)
}

func (computeKeys) Equal(a, b ComputeDescriptor) bool {
	return a.Layout == b.Layout &&
		a.Shader == b.Shader &&
		entryPoint(a.EntryPoint, DefaultComputeEntryPoint) == entryPoint(b.EntryPoint, DefaultComputeEntryPoint) &&
		maps.Equal(a.Constants, b.Constants)
}

func (k computeKeys) Clone(desc ComputeDescriptor) ComputeDescriptor {
	desc.EntryPoint = entryPoint(desc.EntryPoint, DefaultComputeEntryPoint)
	desc.Constants = maps.Clone(desc.Constants)
	k.deps.pin(desc.Shader)
	return desc
}

func (k computeKeys) Release(desc ComputeDescriptor) {
	k.deps.unpin(desc.Shader)
}

type computeFactory struct {
	device hal.Device
	deps   shaderDeps
}

func (f *computeFactory) Prepare(desc ComputeDescriptor) cache.Status {
	return f.deps.status(desc.Shader)
}

func (f *computeFactory) Create(desc ComputeDescriptor) (hal.ComputePipeline, error) {
	module, err := f.deps.module(desc.Shader)
	if err != nil {
		return nil, fmt.Errorf("pipeline %q: compute: %w", desc.Label, err)
	}

	p, err := f.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:  desc.Label,
		Layout: desc.Layout,
		Compute: hal.ComputeState{
			Module:     module,
			EntryPoint: entryPoint(desc.EntryPoint, DefaultComputeEntryPoint),
			Constants:  desc.Constants,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline %q: create compute pipeline: %w", desc.Label, err)
	}
	cache.Logger().Debug("pipeline: compute pipeline created", slog.String("label", desc.Label))
	return p, nil
}

func (f *computeFactory) Destroy(p hal.ComputePipeline) {
	f.device.DestroyComputePipeline(p)
}

// NewComputeCache creates a compute pipeline cache on device whose
// descriptors reference keys of shaders.
func NewComputeCache(device hal.Device, shaders *shader.Cache, pool cache.WorkerPool) (*ComputeCache, error) {
	if device == nil {
		return nil, ErrNilDevice
	}
	if shaders == nil {
		return nil, ErrNilShaderCache
	}
	deps := shaderDeps{shaders: shaders}
	f := &computeFactory{device: device, deps: deps}
	return cache.New(cache.Config[ComputeDescriptor, hal.ComputePipeline]{
		Name:      "compute",
		Keys:      computeKeys{deps: deps},
		Creator:   f,
		Destroyer: f,
		Pool:      pool,
	})
}
