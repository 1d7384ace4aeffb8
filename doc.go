// Package psocache provides device-scoped caches of GPU pipeline state
// objects for gogpu/wgpu.
//
// # Overview
//
// Creating shader modules and pipelines is expensive: WGSL must be compiled,
// and drivers compile pipelines again for the target GPU. psocache creates
// each distinct object once, off the render goroutines, and keeps it alive
// for as long as recent frames use it.
//
// A Device owns three caches sharing one worker pool:
//
//   - Shaders: shader modules keyed by source (shader.Source)
//   - RenderPipelines: render pipelines keyed by pipeline.RenderDescriptor
//   - ComputePipelines: compute pipelines keyed by pipeline.ComputeDescriptor
//
// # Quick Start
//
//	dev, err := psocache.NewDevice(halDevice)
//	if err != nil {
//	    return err
//	}
//	defer dev.Close(ctx)
//
//	vs := dev.Shaders().CreateKey(shader.Source{Stage: gputypes.ShaderStageVertex, WGSL: src})
//	key := dev.RenderPipelines().CreateKey(pipeline.RenderDescriptor{VertexShader: vs, ...})
//
//	for frame := uint64(1); running; frame++ {
//	    dev.NewFrame(frame)
//	    if dev.RenderPipelines().Install(key) == cache.StatusInstalled {
//	        p, _ := dev.RenderPipelines().Find(key)
//	        // record draws with p
//	    }
//	    dev.RenderPipelines().Uninstall(key)
//	    dev.GarbageCollect()
//	}
//
// # Frames
//
// GarbageCollect reclaims objects untouched for more than the configured
// frame lag (see WithFrameLag), so the GPU never sees an object destroyed
// while a submitted frame may still use it.
//
// # Logging
//
// psocache is silent by default. SetLogger enables structured logging for
// the device and every cache.
package psocache
