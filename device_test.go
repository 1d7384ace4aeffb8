package psocache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"

	"github.com/gogpu/psocache/cache"
	"github.com/gogpu/psocache/internal/simdevice"
	"github.com/gogpu/psocache/pipeline"
	"github.com/gogpu/psocache/shader"
)

const testWGSL = `@vertex
fn main() -> @builtin(position) vec4<f32> {
    return vec4<f32>(0.0, 0.0, 0.0, 1.0);
}
`

func newTestDevice(t *testing.T, sim *simdevice.Device, opts ...Option) *Device {
	t.Helper()
	d, err := NewDevice(sim, opts...)
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.Close(ctx); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return d
}

func renderDesc(d *Device) pipeline.RenderDescriptor {
	vs := d.Shaders().CreateKey(shader.Source{Label: "vs", Stage: gputypes.ShaderStageVertex, WGSL: testWGSL})
	return pipeline.RenderDescriptor{
		Label:            "fullscreen",
		VertexShader:     vs,
		VertexEntryPoint: "main",
		DepthFormat:      gputypes.TextureFormatDepth32Float,
		DepthCompare:     gputypes.CompareFunctionAlways,
	}
}

func TestNewDevice_Nil(t *testing.T) {
	if _, err := NewDevice(nil); !errors.Is(err, ErrNilDevice) {
		t.Errorf("err = %v, want ErrNilDevice", err)
	}
}

func TestNewDevice_Workers(t *testing.T) {
	software := gpucontext.AdapterInfo{Name: "llvmpipe", Type: gpucontext.AdapterTypeSoftware}

	d := newTestDevice(t, simdevice.New(), WithAdapterInfo(software))
	if d.Workers() != 0 {
		t.Errorf("software adapter Workers() = %d, want 0", d.Workers())
	}
	if d.Adapter().Name != "llvmpipe" {
		t.Errorf("Adapter().Name = %q", d.Adapter().Name)
	}

	d = newTestDevice(t, simdevice.New(), WithWorkers(3))
	if d.Workers() != 3 {
		t.Errorf("Workers() = %d, want 3", d.Workers())
	}
}

// A pipeline freed at frame 10 survives until the GPU can no longer use it.
func TestDevice_FrameLifecycle(t *testing.T) {
	sim := simdevice.New()
	d := newTestDevice(t, sim, WithSynchronousCreation(), WithFrameLag(2))

	d.NewFrame(10)
	desc := renderDesc(d)
	render := d.RenderPipelines()
	k := render.CreateKey(desc)
	if st := render.Install(k); st != cache.StatusInstalled {
		t.Fatalf("Install = %v, want Installed (err %v)", st, render.Err(k))
	}
	render.Uninstall(k)
	render.FreeKey(k)
	d.Shaders().FreeKey(desc.VertexShader)

	var pipelineGone, shaderGone uint64
	for frame := uint64(11); frame <= 20; frame++ {
		d.NewFrame(frame)
		d.GarbageCollect()
		if pipelineGone == 0 && render.Len() == 0 {
			pipelineGone = frame
		}
		if shaderGone == 0 && d.Shaders().Len() == 0 {
			shaderGone = frame
		}
	}
	// Released at 10 -> stamped 11 -> stale once critical (frame-2) reaches 12.
	if pipelineGone != 14 {
		t.Errorf("pipeline collected at frame %d, want 14", pipelineGone)
	}
	// The pipeline releases its shader at 14 -> stamped 15 -> stale at critical 16.
	if shaderGone != 18 {
		t.Errorf("shader collected at frame %d, want 18", shaderGone)
	}

	counts := sim.Counts()
	if counts.Live != 0 || counts.Invalid != 0 {
		t.Errorf("device live=%d invalid=%d, want 0/0", counts.Live, counts.Invalid)
	}
}

func TestDevice_AsyncCreation(t *testing.T) {
	sim := simdevice.New(simdevice.WithLatency(5 * time.Millisecond))
	d := newTestDevice(t, sim, WithWorkers(2))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	desc := renderDesc(d)
	render := d.RenderPipelines()
	k := render.CreateKey(desc)

	if st := render.Install(k); st != cache.StatusRequested {
		t.Fatalf("first Install = %v, want Requested", st)
	}
	if err := d.Shaders().Wait(ctx, desc.VertexShader); err != nil {
		t.Fatal(err)
	}

	// Shaders ready: this install dispatches the pipeline.
	render.Install(k)
	if err := render.Wait(ctx, k); err != nil {
		t.Fatal(err)
	}
	if st := render.Install(k); st != cache.StatusInstalled {
		t.Fatalf("Install = %v, want Installed (err %v)", st, render.Err(k))
	}

	stats := d.Stats()
	if stats.Workers != 2 {
		t.Errorf("Stats.Workers = %d, want 2", stats.Workers)
	}
	if stats.RenderPipelines.Created != 1 || stats.Shaders.Created != 1 {
		t.Errorf("created render=%d shaders=%d, want 1/1",
			stats.RenderPipelines.Created, stats.Shaders.Created)
	}
}

func TestDevice_Compute(t *testing.T) {
	sim := simdevice.New()
	d := newTestDevice(t, sim, WithSynchronousCreation())

	cs := d.Shaders().CreateKey(shader.Source{
		Stage: gputypes.ShaderStageCompute,
		SPIRV: []uint32{0x07230203, 0x00010300},
	})
	k := d.ComputePipelines().CreateKey(pipeline.ComputeDescriptor{Label: "reduce", Shader: cs})
	if st := d.ComputePipelines().Install(k); st != cache.StatusInstalled {
		t.Fatalf("Install = %v, want Installed (err %v)", st, d.ComputePipelines().Err(k))
	}
	if sim.Counts().Created[simdevice.KindCompute] != 1 {
		t.Error("compute pipeline not created on device")
	}
}

func TestDevice_CloseDestroysEverything(t *testing.T) {
	sim := simdevice.New()
	d, err := NewDevice(sim, WithWorkers(2))
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 4; i++ {
		desc := renderDesc(d)
		desc.SampleCount = uint32(1 << i)
		d.RenderPipelines().Install(d.RenderPipelines().CreateKey(desc))
	}

	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	counts := sim.Counts()
	if counts.Live != 0 || counts.Invalid != 0 {
		t.Errorf("device live=%d invalid=%d after Close", counts.Live, counts.Invalid)
	}
}

func TestDevice_NewFrameRegression(t *testing.T) {
	d := newTestDevice(t, simdevice.New(), WithSynchronousCreation())
	d.NewFrame(5)

	defer func() {
		if recover() == nil {
			t.Error("expected panic for decreasing frame")
		}
	}()
	d.NewFrame(4)
}

func TestDevice_GarbageCollectEarlyFrames(t *testing.T) {
	d := newTestDevice(t, simdevice.New(), WithSynchronousCreation(), WithFrameLag(3))

	k := d.Shaders().CreateKey(shader.Source{Stage: gputypes.ShaderStageVertex, WGSL: testWGSL})
	d.Shaders().Install(k)
	d.Shaders().Uninstall(k)
	d.Shaders().FreeKey(k)

	// Frames below the lag never collect.
	for frame := uint64(0); frame <= 3; frame++ {
		d.NewFrame(frame)
		if n := d.GarbageCollect(); n != 0 {
			t.Fatalf("frame %d: collected %d keys", frame, n)
		}
	}
}
