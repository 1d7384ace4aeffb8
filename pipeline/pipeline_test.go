package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/psocache/cache"
	"github.com/gogpu/psocache/internal/simdevice"
	"github.com/gogpu/psocache/shader"
)

// =============================================================================
// Test Helpers
// =============================================================================

// manualPool queues creations until run is called.
type manualPool struct {
	mu    sync.Mutex
	queue []func()
}

func (p *manualPool) Submit(task, onComplete func()) bool {
	p.mu.Lock()
	p.queue = append(p.queue, func() { task(); onComplete() })
	p.mu.Unlock()
	return true
}

func (p *manualPool) run() {
	p.mu.Lock()
	q := p.queue
	p.queue = nil
	p.mu.Unlock()
	for _, fn := range q {
		fn()
	}
}

type fixture struct {
	dev     *simdevice.Device
	shaders *shader.Cache
	render  *RenderCache
	compute *ComputeCache
}

func newFixture(t *testing.T, shaderPool cache.WorkerPool, opts ...simdevice.Option) *fixture {
	t.Helper()
	dev := simdevice.New(opts...)
	shaders, err := shader.NewCache(dev, shaderPool)
	if err != nil {
		t.Fatal(err)
	}
	render, err := NewRenderCache(dev, shaders, nil)
	if err != nil {
		t.Fatal(err)
	}
	compute, err := NewComputeCache(dev, shaders, nil)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{dev: dev, shaders: shaders, render: render, compute: compute}
}

func (f *fixture) shader(label string, stage gputypes.ShaderStage, word uint32) *shader.Key {
	return f.shaders.CreateKey(shader.Source{
		Label: label,
		Stage: stage,
		SPIRV: []uint32{0x07230203, word},
	})
}

func (f *fixture) renderDesc() RenderDescriptor {
	blend := gputypes.BlendStateAlpha()
	return RenderDescriptor{
		Label:          "quad",
		VertexShader:   f.shader("vs", gputypes.ShaderStageVertex, 1),
		FragmentShader: f.shader("fs", gputypes.ShaderStageFragment, 2),
		VertexBufferLayouts: []gputypes.VertexBufferLayout{{
			ArrayStride: 16,
			StepMode:    gputypes.VertexStepModeVertex,
			Attributes: []gputypes.VertexAttribute{
				{Format: gputypes.VertexFormatFloat32x2, Offset: 0, ShaderLocation: 0},
				{Format: gputypes.VertexFormatFloat32x2, Offset: 8, ShaderLocation: 1},
			},
		}},
		PrimitiveTopology: gputypes.PrimitiveTopologyTriangleList,
		ColorTargets: []gputypes.ColorTargetState{{
			Format:    gputypes.TextureFormatBGRA8Unorm,
			Blend:     &blend,
			WriteMask: gputypes.ColorWriteMaskAll,
		}},
		DepthFormat:       gputypes.TextureFormatDepth24Plus,
		DepthWriteEnabled: true,
		DepthCompare:      gputypes.CompareFunctionLess,
	}
}

// =============================================================================
// Construction
// =============================================================================

func TestNewCaches_Validation(t *testing.T) {
	dev := simdevice.New()
	shaders, _ := shader.NewCache(dev, nil)

	if _, err := NewRenderCache(nil, shaders, nil); !errors.Is(err, ErrNilDevice) {
		t.Errorf("render nil device: %v", err)
	}
	if _, err := NewRenderCache(dev, nil, nil); !errors.Is(err, ErrNilShaderCache) {
		t.Errorf("render nil shaders: %v", err)
	}
	if _, err := NewComputeCache(nil, shaders, nil); !errors.Is(err, ErrNilDevice) {
		t.Errorf("compute nil device: %v", err)
	}
	if _, err := NewComputeCache(dev, nil, nil); !errors.Is(err, ErrNilShaderCache) {
		t.Errorf("compute nil shaders: %v", err)
	}
}

// =============================================================================
// Render pipelines
// =============================================================================

func TestRender_InstallSynchronous(t *testing.T) {
	f := newFixture(t, nil)

	k := f.render.CreateKey(f.renderDesc())
	if st := f.render.Install(k); st != cache.StatusInstalled {
		t.Fatalf("Install = %v, want Installed (err %v)", st, f.render.Err(k))
	}
	if _, ok := f.render.Find(k); !ok {
		t.Error("Find failed for installed pipeline")
	}
	if n := f.dev.Counts().Created[simdevice.KindRender]; n != 1 {
		t.Errorf("device created %d render pipelines, want 1", n)
	}
}

func TestRender_KeyEquality(t *testing.T) {
	f := newFixture(t, nil)

	a := f.renderDesc()
	b := f.renderDesc()
	b.Label = "other label"

	ka := f.render.CreateKey(a)
	kb := f.render.CreateKey(b)
	if ka != kb {
		t.Fatal("descriptors differing only by label got different keys")
	}

	// The cache owns a deep copy.
	a.VertexBufferLayouts[0].Attributes[0].Offset = 4
	a.ColorTargets[0].Blend.Color.Operation = gputypes.BlendOperationMax
	if f.render.CreateKey(a) == ka {
		t.Error("mutated descriptor matched the cached key")
	}
	owned := ka.Descriptor()
	if owned.VertexBufferLayouts[0].Attributes[0].Offset != 0 {
		t.Error("caller mutation leaked into cached descriptor")
	}
	if owned.ColorTargets[0].Blend.Color.Operation == gputypes.BlendOperationMax {
		t.Error("caller blend mutation leaked into cached descriptor")
	}
}

func TestRender_DistinctFields(t *testing.T) {
	f := newFixture(t, nil)
	base := f.renderDesc()

	mutations := map[string]func(d *RenderDescriptor){
		"entry":    func(d *RenderDescriptor) { d.VertexEntryPoint = "main2" },
		"topology": func(d *RenderDescriptor) { d.PrimitiveTopology = gputypes.PrimitiveTopologyLineList },
		"cull":     func(d *RenderDescriptor) { d.CullMode = gputypes.CullModeBack },
		"format":   func(d *RenderDescriptor) { d.ColorTargets[0].Format = gputypes.TextureFormatRGBA8Unorm },
		"blend":    func(d *RenderDescriptor) { d.ColorTargets[0].Blend = nil },
		"depth":    func(d *RenderDescriptor) { d.DepthWriteEnabled = false },
		"samples":  func(d *RenderDescriptor) { d.SampleCount = 4 },
		"stride":   func(d *RenderDescriptor) { d.VertexBufferLayouts[0].ArrayStride = 32 },
		"fragment": func(d *RenderDescriptor) { d.FragmentShader = nil },
	}

	var ops renderKeys
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			other := f.renderDesc()
			mutate(&other)
			if ops.Equal(base, other) {
				t.Error("Equal = true, want false")
			}
			if HashRenderDescriptor(&base) == HashRenderDescriptor(&other) {
				t.Error("hash collision on distinct descriptors")
			}
		})
	}
}

func TestRender_DefaultEntryPoints(t *testing.T) {
	f := newFixture(t, nil)

	implicit := f.renderDesc()
	explicit := f.renderDesc()
	explicit.VertexEntryPoint = DefaultVertexEntryPoint
	explicit.FragmentEntryPoint = DefaultFragmentEntryPoint

	var ops renderKeys
	if !ops.Equal(implicit, explicit) {
		t.Error("empty entry points not equal to the defaults")
	}
	if HashRenderDescriptor(&implicit) != HashRenderDescriptor(&explicit) {
		t.Error("empty entry points hash differently from the defaults")
	}

	k := f.render.CreateKey(implicit)
	if f.render.CreateKey(explicit) != k {
		t.Fatal("default entry points got a second key")
	}
	f.render.Install(k)
	f.render.Install(k)
	if n := f.dev.Counts().Created[simdevice.KindRender]; n != 1 {
		t.Errorf("device created %d render pipelines, want 1", n)
	}
	if got := k.Descriptor().VertexEntryPoint; got != DefaultVertexEntryPoint {
		t.Errorf("cached VertexEntryPoint = %q, want %q", got, DefaultVertexEntryPoint)
	}
}

func TestRender_WaitsForShaders(t *testing.T) {
	pool := &manualPool{}
	f := newFixture(t, pool)

	k := f.render.CreateKey(f.renderDesc())
	if st := f.render.Install(k); st != cache.StatusRequested {
		t.Fatalf("Install = %v, want Requested", st)
	}
	if f.render.Status(k) != cache.StatusNone {
		t.Errorf("Status = %v, want None (nothing dispatched)", f.render.Status(k))
	}
	if f.dev.Counts().Created[simdevice.KindRender] != 0 {
		t.Fatal("pipeline created before its shaders")
	}

	pool.run()

	if st := f.render.Install(k); st != cache.StatusInstalled {
		t.Fatalf("Install after shaders = %v, want Installed (err %v)", st, f.render.Err(k))
	}
	if _, objRefs := f.render.Refs(k); objRefs != 2 {
		t.Errorf("objRefs = %d, want 2", objRefs)
	}
}

func TestRender_ShaderFailure(t *testing.T) {
	f := newFixture(t, nil, simdevice.WithFailure(func(kind simdevice.Kind, label string) bool {
		return kind == simdevice.KindShader && label == "fs"
	}))

	k := f.render.CreateKey(f.renderDesc())
	if st := f.render.Install(k); st != cache.StatusFailed {
		t.Fatalf("Install = %v, want Failed", st)
	}
	if !errors.Is(f.render.Err(k), cache.ErrDependencyFailed) {
		t.Errorf("Err = %v, want ErrDependencyFailed", f.render.Err(k))
	}
	if f.dev.Counts().Created[simdevice.KindRender] != 0 {
		t.Error("pipeline created with failed shader")
	}
}

func TestRender_NilVertexShader(t *testing.T) {
	f := newFixture(t, nil)

	k := f.render.CreateKey(RenderDescriptor{Label: "broken"})
	if st := f.render.Install(k); st != cache.StatusFailed {
		t.Fatalf("Install = %v, want Failed", st)
	}
	if !errors.Is(f.render.Err(k), ErrNilShader) {
		t.Errorf("Err = %v, want ErrNilShader", f.render.Err(k))
	}
}

func TestRender_ReleasesShaders(t *testing.T) {
	f := newFixture(t, nil)

	desc := f.renderDesc()
	k := f.render.CreateKey(desc)
	f.render.Install(k)

	vsRefs, vsObj := f.shaders.Refs(desc.VertexShader)
	if vsRefs != 2 || vsObj != 1 {
		t.Fatalf("vertex shader refs = %d/%d, want 2/1", vsRefs, vsObj)
	}

	// Caller drops its own shader references.
	f.shaders.FreeKey(desc.VertexShader)
	f.shaders.FreeKey(desc.FragmentShader)

	// Pipeline still pins the shaders.
	if n := f.shaders.GarbageCollect(100); n != 0 {
		t.Fatalf("collected %d shaders pinned by a pipeline", n)
	}

	f.render.Uninstall(k)
	f.render.FreeKey(k)
	if n := f.render.GarbageCollect(100); n != 1 {
		t.Fatalf("render GarbageCollect = %d, want 1", n)
	}
	if n := f.shaders.GarbageCollect(100); n != 2 {
		t.Fatalf("shader GarbageCollect = %d, want 2", n)
	}

	counts := f.dev.Counts()
	if counts.Live != 0 || counts.Invalid != 0 {
		t.Errorf("device live=%d invalid=%d, want 0/0", counts.Live, counts.Invalid)
	}
}

// =============================================================================
// Compute pipelines
// =============================================================================

func TestCompute_Install(t *testing.T) {
	f := newFixture(t, nil)

	cs := f.shader("cs", gputypes.ShaderStageCompute, 3)
	k := f.compute.CreateKey(ComputeDescriptor{
		Label:     "blur",
		Shader:    cs,
		Constants: map[string]float64{"radius": 4, "sigma": 1.5},
	})
	if st := f.compute.Install(k); st != cache.StatusInstalled {
		t.Fatalf("Install = %v, want Installed (err %v)", st, f.compute.Err(k))
	}
	if n := f.dev.Counts().Created[simdevice.KindCompute]; n != 1 {
		t.Errorf("device created %d compute pipelines, want 1", n)
	}

	if err := f.compute.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := f.shaders.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if counts := f.dev.Counts(); counts.Live != 0 || counts.Invalid != 0 {
		t.Errorf("device live=%d invalid=%d after Close", counts.Live, counts.Invalid)
	}
}

func TestCompute_Constants(t *testing.T) {
	f := newFixture(t, nil)
	cs := f.shader("cs", gputypes.ShaderStageCompute, 3)

	a := ComputeDescriptor{Shader: cs, Constants: map[string]float64{"a": 1, "b": 2, "c": 3}}
	b := ComputeDescriptor{Shader: cs, Constants: map[string]float64{"c": 3, "b": 2, "a": 1}}
	c := ComputeDescriptor{Shader: cs, Constants: map[string]float64{"a": 1, "b": 2, "c": 4}}

	if HashComputeDescriptor(&a) != HashComputeDescriptor(&b) {
		t.Error("constant insertion order changed the hash")
	}
	ka := f.compute.CreateKey(a)
	if f.compute.CreateKey(b) != ka {
		t.Error("equal constants got different keys")
	}
	if f.compute.CreateKey(c) == ka {
		t.Error("different constants shared a key")
	}

	// The cache owns its map.
	a.Constants["a"] = 100
	if ka.Descriptor().Constants["a"] != 1 {
		t.Error("caller mutation leaked into cached constants")
	}
}

func TestCompute_DefaultEntryPoint(t *testing.T) {
	f := newFixture(t, nil)
	cs := f.shader("cs", gputypes.ShaderStageCompute, 3)

	a := ComputeDescriptor{Shader: cs}
	b := ComputeDescriptor{Shader: cs, EntryPoint: DefaultComputeEntryPoint}
	if HashComputeDescriptor(&a) != HashComputeDescriptor(&b) {
		t.Error("empty entry point hashes differently from the default")
	}
	ka := f.compute.CreateKey(a)
	if f.compute.CreateKey(b) != ka {
		t.Error("default entry point got a second key")
	}
	c := ComputeDescriptor{Shader: cs, EntryPoint: "other"}
	if f.compute.CreateKey(c) == ka {
		t.Error("distinct entry point shared a key")
	}
}

func TestCompute_ShaderFailure(t *testing.T) {
	f := newFixture(t, nil)

	// Compute stage with invalid WGSL never compiles.
	cs := f.shaders.CreateKey(shader.Source{Stage: gputypes.ShaderStageCompute, WGSL: "fn ("})
	k := f.compute.CreateKey(ComputeDescriptor{Shader: cs})
	if st := f.compute.Install(k); st != cache.StatusFailed {
		t.Fatalf("Install = %v, want Failed", st)
	}
	if !errors.Is(f.compute.Err(k), cache.ErrDependencyFailed) {
		t.Errorf("Err = %v, want ErrDependencyFailed", f.compute.Err(k))
	}
}
