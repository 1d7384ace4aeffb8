package pipeline

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/psocache/cache"
	"github.com/gogpu/psocache/internal/fnvhash"
	"github.com/gogpu/psocache/shader"
)

// RenderDescriptor describes a render pipeline.
type RenderDescriptor struct {
	// Label is a debug label. It does not take part in equality.
	Label string

	// Layout is the pipeline layout. Compared by identity.
	Layout hal.PipelineLayout

	// VertexShader is required.
	VertexShader *shader.Key
	// VertexEntryPoint defaults to DefaultVertexEntryPoint.
	VertexEntryPoint string

	// FragmentShader is optional; nil builds a depth-only pipeline.
	FragmentShader *shader.Key
	// FragmentEntryPoint defaults to DefaultFragmentEntryPoint.
	FragmentEntryPoint string

	VertexBufferLayouts []gputypes.VertexBufferLayout

	PrimitiveTopology gputypes.PrimitiveTopology
	FrontFace         gputypes.FrontFace
	CullMode          gputypes.CullMode

	// ColorTargets are ignored when FragmentShader is nil.
	ColorTargets []gputypes.ColorTargetState

	// DepthFormat enables depth testing unless TextureFormatUndefined.
	DepthFormat       gputypes.TextureFormat
	DepthWriteEnabled bool
	DepthCompare      gputypes.CompareFunction

	// SampleCount defaults to 1.
	SampleCount uint32
}

// RenderCache is a cache of render pipelines.
type RenderCache = cache.Cache[RenderDescriptor, hal.RenderPipeline]

// RenderKey is a handle to a cached render pipeline.
type RenderKey = cache.Key[RenderDescriptor, hal.RenderPipeline]

// renderKeys implements cache.KeyOps and cache.KeyReleaser for
// RenderDescriptor.
type renderKeys struct {
	deps shaderDeps
}

// HashRenderDescriptor computes an FNV-1a hash of every field that affects
// the created pipeline. The label and layout are not hashed; empty entry
// points hash as their defaults.
func HashRenderDescriptor(desc *RenderDescriptor) uint64 {
	h := fnvhash.New()

	h.Uint64(shaderHash(desc.VertexShader))
	h.String(entryPoint(desc.VertexEntryPoint, DefaultVertexEntryPoint))
	h.Uint64(shaderHash(desc.FragmentShader))
	h.String(entryPoint(desc.FragmentEntryPoint, DefaultFragmentEntryPoint))

	h.Len(len(desc.VertexBufferLayouts))
	for i := range desc.VertexBufferLayouts {
		layout := &desc.VertexBufferLayouts[i]
		h.Uint64(layout.ArrayStride)
		h.Uint32(uint32(layout.StepMode))
		h.Len(len(layout.Attributes))
		for j := range layout.Attributes {
			attr := &layout.Attributes[j]
			h.Uint32(attr.ShaderLocation)
			h.Uint32(uint32(attr.Format))
			h.Uint64(attr.Offset)
		}
	}

	h.Uint32(uint32(desc.PrimitiveTopology))
	h.Uint32(uint32(desc.FrontFace))
	h.Uint32(uint32(desc.CullMode))

	h.Len(len(desc.ColorTargets))
	for i := range desc.ColorTargets {
		target := &desc.ColorTargets[i]
		h.Uint32(uint32(target.Format))
		h.Uint32(uint32(target.WriteMask))
		if target.Blend != nil {
			h.Bool(true)
			hashBlendComponent(h, target.Blend.Color)
			hashBlendComponent(h, target.Blend.Alpha)
		} else {
			h.Bool(false)
		}
	}

	h.Uint32(uint32(desc.DepthFormat))
	h.Bool(desc.DepthWriteEnabled)
	h.Uint32(uint32(desc.DepthCompare))

	h.Uint32(desc.SampleCount)

	return h.Sum64()
}

func hashBlendComponent(h *fnvhash.Hasher, c gputypes.BlendComponent) {
	h.Uint32(uint32(c.SrcFactor))
	h.Uint32(uint32(c.DstFactor))
	h.Uint32(uint32(c.Operation))
}

func (renderKeys) Hash(desc RenderDescriptor) uint64 {
	return HashRenderDescriptor(&desc)
}

func (renderKeys) Equal(a, b RenderDescriptor) bool {
	return a.Layout == b.Layout &&
		a.VertexShader == b.VertexShader &&
		entryPoint(a.VertexEntryPoint, DefaultVertexEntryPoint) == entryPoint(b.VertexEntryPoint, DefaultVertexEntryPoint) &&
		a.FragmentShader == b.FragmentShader &&
		entryPoint(a.FragmentEntryPoint, DefaultFragmentEntryPoint) == entryPoint(b.FragmentEntryPoint, DefaultFragmentEntryPoint) &&
		slices.EqualFunc(a.VertexBufferLayouts, b.VertexBufferLayouts, equalVertexLayout) &&
		a.PrimitiveTopology == b.PrimitiveTopology &&
		a.FrontFace == b.FrontFace &&
		a.CullMode == b.CullMode &&
		slices.EqualFunc(a.ColorTargets, b.ColorTargets, equalColorTarget) &&
		a.DepthFormat == b.DepthFormat &&
		a.DepthWriteEnabled == b.DepthWriteEnabled &&
		a.DepthCompare == b.DepthCompare &&
		a.SampleCount == b.SampleCount
}

func equalVertexLayout(a, b gputypes.VertexBufferLayout) bool {
	return a.ArrayStride == b.ArrayStride &&
		a.StepMode == b.StepMode &&
		slices.Equal(a.Attributes, b.Attributes)
}

func equalColorTarget(a, b gputypes.ColorTargetState) bool {
	if a.Format != b.Format || a.WriteMask != b.WriteMask {
		return false
	}
	if a.Blend == nil || b.Blend == nil {
		return a.Blend == b.Blend
	}
	return *a.Blend == *b.Blend
}

// Clone deep-copies desc and pins its shaders.
func (k renderKeys) Clone(desc RenderDescriptor) RenderDescriptor {
	out := desc
	out.VertexEntryPoint = entryPoint(desc.VertexEntryPoint, DefaultVertexEntryPoint)
	out.FragmentEntryPoint = entryPoint(desc.FragmentEntryPoint, DefaultFragmentEntryPoint)
	out.VertexBufferLayouts = make([]gputypes.VertexBufferLayout, len(desc.VertexBufferLayouts))
	for i, layout := range desc.VertexBufferLayouts {
		layout.Attributes = slices.Clone(layout.Attributes)
		out.VertexBufferLayouts[i] = layout
	}
	out.ColorTargets = make([]gputypes.ColorTargetState, len(desc.ColorTargets))
	for i, target := range desc.ColorTargets {
		if target.Blend != nil {
			blend := *target.Blend
			target.Blend = &blend
		}
		out.ColorTargets[i] = target
	}

	k.deps.pin(out.VertexShader, out.FragmentShader)
	return out
}

// Release unpins the shaders of a cloned descriptor.
func (k renderKeys) Release(desc RenderDescriptor) {
	k.deps.unpin(desc.VertexShader, desc.FragmentShader)
}

// renderFactory creates and destroys render pipelines.
type renderFactory struct {
	device hal.Device
	deps   shaderDeps
}

// Prepare reports whether the shaders of desc are installed.
func (f *renderFactory) Prepare(desc RenderDescriptor) cache.Status {
	return f.deps.status(desc.VertexShader, desc.FragmentShader)
}

// Create builds the HAL descriptor and creates the pipeline.
func (f *renderFactory) Create(desc RenderDescriptor) (hal.RenderPipeline, error) {
	vs, err := f.deps.module(desc.VertexShader)
	if err != nil {
		return nil, fmt.Errorf("pipeline %q: vertex: %w", desc.Label, err)
	}

	sampleCount := desc.SampleCount
	if sampleCount == 0 {
		sampleCount = 1
	}
	multisample := gputypes.DefaultMultisampleState()
	multisample.Count = sampleCount

	halDesc := &hal.RenderPipelineDescriptor{
		Label:  desc.Label,
		Layout: desc.Layout,
		Vertex: hal.VertexState{
			Module:     vs,
			EntryPoint: entryPoint(desc.VertexEntryPoint, DefaultVertexEntryPoint),
			Buffers:    desc.VertexBufferLayouts,
		},
		Primitive: gputypes.PrimitiveState{
			Topology:  desc.PrimitiveTopology,
			FrontFace: desc.FrontFace,
			CullMode:  desc.CullMode,
		},
		Multisample: multisample,
	}

	if desc.FragmentShader != nil {
		fs, err := f.deps.module(desc.FragmentShader)
		if err != nil {
			return nil, fmt.Errorf("pipeline %q: fragment: %w", desc.Label, err)
		}
		halDesc.Fragment = &hal.FragmentState{
			Module:     fs,
			EntryPoint: entryPoint(desc.FragmentEntryPoint, DefaultFragmentEntryPoint),
			Targets:    desc.ColorTargets,
		}
	}

	if desc.DepthFormat != gputypes.TextureFormatUndefined {
		stencil := hal.StencilFaceState{
			Compare:     gputypes.CompareFunctionAlways,
			FailOp:      hal.StencilOperationKeep,
			DepthFailOp: hal.StencilOperationKeep,
			PassOp:      hal.StencilOperationKeep,
		}
		halDesc.DepthStencil = &hal.DepthStencilState{
			Format:            desc.DepthFormat,
			DepthWriteEnabled: desc.DepthWriteEnabled,
			DepthCompare:      desc.DepthCompare,
			StencilFront:      stencil,
			StencilBack:       stencil,
			StencilReadMask:   0xFFFFFFFF,
			StencilWriteMask:  0xFFFFFFFF,
		}
	}

	p, err := f.device.CreateRenderPipeline(halDesc)
	if err != nil {
		return nil, fmt.Errorf("pipeline %q: create render pipeline: %w", desc.Label, err)
	}
	cache.Logger().Debug("pipeline: render pipeline created",
		slog.String("label", desc.Label),
		slog.Int("targets", len(desc.ColorTargets)),
		slog.Uint64("samples", uint64(sampleCount)))
	return p, nil
}

// Destroy releases a render pipeline.
func (f *renderFactory) Destroy(p hal.RenderPipeline) {
	f.device.DestroyRenderPipeline(p)
}

// NewRenderCache creates a render pipeline cache on device whose
// descriptors reference keys of shaders. With a nil pool pipelines are
// created on the installing goroutine.
func NewRenderCache(device hal.Device, shaders *shader.Cache, pool cache.WorkerPool) (*RenderCache, error) {
	if device == nil {
		return nil, ErrNilDevice
	}
	if shaders == nil {
		return nil, ErrNilShaderCache
	}
	deps := shaderDeps{shaders: shaders}
	f := &renderFactory{device: device, deps: deps}
	return cache.New(cache.Config[RenderDescriptor, hal.RenderPipeline]{
		Name:      "render",
		Keys:      renderKeys{deps: deps},
		Creator:   f,
		Destroyer: f,
		Pool:      pool,
	})
}
