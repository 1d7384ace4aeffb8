package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"github.com/gogpu/gputypes"
	"golang.org/x/sync/errgroup"

	"github.com/gogpu/psocache"
	"github.com/gogpu/psocache/cache"
	"github.com/gogpu/psocache/internal/fnvhash"
	"github.com/gogpu/psocache/internal/simdevice"
	"github.com/gogpu/psocache/pipeline"
	"github.com/gogpu/psocache/shader"
)

var (
	frameColor     = color.New(color.FgCyan)
	installedColor = color.New(color.FgGreen)
	requestedColor = color.New(color.FgYellow)
	failedColor    = color.New(color.FgRed, color.Bold)
)

// tally counts Install outcomes. Safe for concurrent use.
type tally struct {
	installed atomic.Uint64
	requested atomic.Uint64
	failed    atomic.Uint64
}

func (t *tally) add(st cache.Status) {
	switch st {
	case cache.StatusInstalled:
		t.installed.Add(1)
	case cache.StatusFailed:
		t.failed.Add(1)
	default:
		t.requested.Add(1)
	}
}

// simulation drives a psocache.Device through a scenario.
type simulation struct {
	sc     scenario
	frames uint64
	dev    *psocache.Device
	sim    *simdevice.Device
	out    io.Writer
	every  uint64
}

func newSimulation(sc scenario, out io.Writer, every uint64) (*simulation, error) {
	frames, lag, err := sc.validate()
	if err != nil {
		return nil, err
	}
	adapter, err := sc.adapter()
	if err != nil {
		return nil, err
	}

	rate := sc.Device.FailureRate
	sim := simdevice.New(
		simdevice.WithLatency(sc.latency()),
		simdevice.WithFailure(func(_ simdevice.Kind, label string) bool {
			return failsAt(label, rate)
		}),
	)

	opts := []psocache.Option{
		psocache.WithAdapterInfo(adapter),
		psocache.WithFrameLag(lag),
	}
	switch {
	case sc.Device.Synchronous:
		opts = append(opts, psocache.WithSynchronousCreation())
	case sc.Device.Workers > 0:
		opts = append(opts, psocache.WithWorkers(sc.Device.Workers))
	}

	dev, err := psocache.NewDevice(sim, opts...)
	if err != nil {
		return nil, err
	}
	return &simulation{sc: sc, frames: frames, dev: dev, sim: sim, out: out, every: every}, nil
}

// failsAt selects labels deterministically so a failed object keeps failing
// across runs with the same scenario.
func failsAt(label string, rate float64) bool {
	if rate <= 0 {
		return false
	}
	h := fnvhash.New()
	h.String(label)
	return float64(h.Sum64()%10000) < rate*10000
}

func (s *simulation) shaderSource(i int, stage gputypes.ShaderStage) shader.Source {
	label := fmt.Sprintf("shader-%d-%s", i, stage)
	if !s.sc.WGSL {
		return shader.Source{
			Label: label,
			Stage: stage,
			SPIRV: []uint32{0x07230203, 0x00010300, uint32(stage), uint32(i)},
		}
	}
	var src string
	switch stage {
	case gputypes.ShaderStageVertex:
		src = fmt.Sprintf("@vertex\nfn vs_main() -> @builtin(position) vec4<f32> {\n    return vec4<f32>(0.0, 0.0, %d.0, 1.0);\n}\n", i)
	default:
		src = fmt.Sprintf("@fragment\nfn fs_main() -> @location(0) vec4<f32> {\n    return vec4<f32>(%d.0, 0.0, 0.0, 1.0);\n}\n", i)
	}
	return shader.Source{Label: label, Stage: stage, WGSL: src}
}

var materialFormats = []gputypes.TextureFormat{
	gputypes.TextureFormatBGRA8Unorm,
	gputypes.TextureFormatRGBA8Unorm,
}

// draw records one draw of material m: the key-per-draw pattern of a
// renderer that does not hold on to pipeline keys between frames.
func (s *simulation) draw(m int, t *tally) {
	shaders := s.dev.Shaders()
	render := s.dev.RenderPipelines()

	pair := m % s.sc.Shaders
	vs := shaders.CreateKey(s.shaderSource(pair, gputypes.ShaderStageVertex))
	fs := shaders.CreateKey(s.shaderSource(pair, gputypes.ShaderStageFragment))
	defer shaders.FreeKey(vs)
	defer shaders.FreeKey(fs)

	blend := gputypes.BlendStateAlpha()
	desc := pipeline.RenderDescriptor{
		Label:             fmt.Sprintf("material-%d", m),
		VertexShader:      vs,
		FragmentShader:    fs,
		PrimitiveTopology: gputypes.PrimitiveTopologyTriangleList,
		CullMode:          gputypes.CullMode(m % 3),
		ColorTargets: []gputypes.ColorTargetState{{
			Format:    materialFormats[m%len(materialFormats)],
			Blend:     &blend,
			WriteMask: gputypes.ColorWriteMaskAll,
		}},
		SampleCount: uint32(1 << (m / (s.sc.Shaders * 3) % 3)),
	}

	k := render.CreateKey(desc)
	t.add(render.Install(k))
	render.Uninstall(k)
	render.FreeKey(k)
}

// dispatch records one compute dispatch per producer per frame.
func (s *simulation) dispatch(producer int, t *tally) {
	shaders := s.dev.Shaders()
	compute := s.dev.ComputePipelines()

	cs := shaders.CreateKey(shader.Source{
		Label: fmt.Sprintf("cull-%d", producer),
		Stage: gputypes.ShaderStageCompute,
		SPIRV: []uint32{0x07230203, 0x00010300, uint32(gputypes.ShaderStageCompute), uint32(producer)},
	})
	defer shaders.FreeKey(cs)

	k := compute.CreateKey(pipeline.ComputeDescriptor{
		Label:     "cull",
		Shader:    cs,
		Constants: map[string]float64{"workgroup": 64},
	})
	t.add(compute.Install(k))
	compute.Uninstall(k)
	compute.FreeKey(k)
}

// frame records one frame on every producer.
func (s *simulation) frame(ctx context.Context, frame uint64, t *tally) error {
	active, drift := s.sc.Active, s.sc.Drift
	offset := int(frame%uint64(s.sc.Materials)) * drift

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.sc.Producers)

	draws := s.sc.Draws / s.sc.Producers
	for p := range s.sc.Producers {
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(s.sc.Seed, frame<<16|uint64(p)))
			for i := 0; i < draws; i++ {
				if i%64 == 0 {
					if err := gctx.Err(); err != nil {
						return err
					}
				}
				m := (offset + rng.IntN(active)) % s.sc.Materials
				s.draw(m, t)
			}
			s.dispatch(p, t)
			return nil
		})
	}
	return g.Wait()
}

// run simulates every frame, then closes the device and checks for leaks.
func (s *simulation) run(ctx context.Context) (*report, error) {
	start := time.Now()
	var total tally
	var collected int

	for frame := uint64(1); frame <= s.frames; frame++ {
		s.dev.NewFrame(frame)

		var t tally
		if err := s.frame(ctx, frame, &t); err != nil {
			_ = s.dev.Close(context.Background())
			return nil, fmt.Errorf("frame %d: %w", frame, err)
		}
		n := s.dev.GarbageCollect()
		collected += n

		total.installed.Add(t.installed.Load())
		total.requested.Add(t.requested.Load())
		total.failed.Add(t.failed.Load())

		if s.every > 0 && (frame%s.every == 0 || frame == s.frames) {
			s.printFrame(frame, &t, n)
		}
	}

	rep := &report{
		Scenario:  s.sc.Name,
		Adapter:   s.dev.Adapter().Name,
		Frames:    s.frames,
		Installed: total.installed.Load(),
		Requested: total.requested.Load(),
		Failed:    total.failed.Load(),
		Collected: collected,
		Stats:     s.dev.Stats(),
	}

	closeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := s.dev.Close(closeCtx); err != nil {
		return rep, err
	}
	rep.Elapsed = time.Since(start)

	counts := s.sim.Counts()
	rep.Live, rep.Invalid = counts.Live, counts.Invalid
	if counts.Live != 0 || counts.Invalid != 0 {
		return rep, fmt.Errorf("device leaked %d objects, %d invalid destroys", counts.Live, counts.Invalid)
	}
	return rep, nil
}

func (s *simulation) printFrame(frame uint64, t *tally, collected int) {
	stats := s.dev.Stats()
	fmt.Fprintf(s.out, "%s  %s %s %s  pending %d  keys %d/%d  gc %d\n",
		frameColor.Sprintf("frame %5d", frame),
		installedColor.Sprintf("installed %5d", t.installed.Load()),
		requestedColor.Sprintf("requested %4d", t.requested.Load()),
		failedColor.Sprintf("failed %3d", t.failed.Load()),
		stats.RenderPipelines.Pending+stats.Shaders.Pending,
		stats.RenderPipelines.Keys, stats.Shaders.Keys,
		collected)
}
