package psocache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/psocache/cache"
	"github.com/gogpu/psocache/internal/parallel"
	"github.com/gogpu/psocache/pipeline"
	"github.com/gogpu/psocache/shader"
)

// ErrNilDevice is returned when NewDevice is given a nil hal.Device.
var ErrNilDevice = errors.New("psocache: device is nil")

// Device owns the shader, render pipeline and compute pipeline caches of one
// hal.Device and the worker pool that creates their objects.
//
// Device is safe for concurrent use. NewFrame and GarbageCollect are meant
// to be called by a single frame driver.
type Device struct {
	device   hal.Device
	adapter  gpucontext.AdapterInfo
	frameLag uint64

	pool *parallel.WorkerPool // nil for synchronous creation

	shaders *shader.Cache
	render  *pipeline.RenderCache
	compute *pipeline.ComputeCache

	mu     sync.Mutex
	frame  uint64
	closed bool
}

// NewDevice creates the caches for device.
func NewDevice(device hal.Device, opts ...Option) (*Device, error) {
	if device == nil {
		return nil, ErrNilDevice
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	d := &Device{
		device:   device,
		adapter:  o.adapter,
		frameLag: o.frameLag,
	}

	// Keep the interface nil when there is no pool.
	var pool cache.WorkerPool
	if o.async() {
		d.pool = parallel.NewWorkerPool(o.workers)
		pool = d.pool
	}

	var err error
	if d.shaders, err = shader.NewCache(device, pool); err != nil {
		d.closePool()
		return nil, fmt.Errorf("psocache: %w", err)
	}
	if d.render, err = pipeline.NewRenderCache(device, d.shaders, pool); err != nil {
		d.closePool()
		return nil, fmt.Errorf("psocache: %w", err)
	}
	if d.compute, err = pipeline.NewComputeCache(device, d.shaders, pool); err != nil {
		d.closePool()
		return nil, fmt.Errorf("psocache: %w", err)
	}

	Logger().Info("psocache: device created",
		slog.String("adapter", o.adapter.Name),
		slog.String("type", o.adapter.Type.String()),
		slog.Int("workers", d.Workers()),
		slog.Uint64("frameLag", d.frameLag))
	return d, nil
}

// Shaders returns the shader module cache.
func (d *Device) Shaders() *shader.Cache {
	return d.shaders
}

// RenderPipelines returns the render pipeline cache.
func (d *Device) RenderPipelines() *pipeline.RenderCache {
	return d.render
}

// ComputePipelines returns the compute pipeline cache.
func (d *Device) ComputePipelines() *pipeline.ComputeCache {
	return d.compute
}

// HAL returns the underlying device.
func (d *Device) HAL() hal.Device {
	return d.device
}

// Adapter returns the adapter info given with WithAdapterInfo.
func (d *Device) Adapter() gpucontext.AdapterInfo {
	return d.adapter
}

// Workers returns the number of creation workers, 0 for synchronous creation.
func (d *Device) Workers() int {
	if d.pool == nil {
		return 0
	}
	return d.pool.Workers()
}

// NewFrame advances every cache to frame. Frames must not decrease.
func (d *Device) NewFrame(frame uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if frame < d.frame {
		panic(fmt.Sprintf("psocache: NewFrame(%d) after frame %d", frame, d.frame))
	}
	d.frame = frame
	d.shaders.NewFrame(frame)
	d.render.NewFrame(frame)
	d.compute.NewFrame(frame)
}

// Frame returns the current frame index.
func (d *Device) Frame() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frame
}

// GarbageCollect reclaims objects untouched for more than the frame lag.
// It returns the number of keys removed across all caches.
func (d *Device) GarbageCollect() int {
	d.mu.Lock()
	frame := d.frame
	d.mu.Unlock()

	var critical uint64
	if frame > d.frameLag {
		critical = frame - d.frameLag
	}
	return d.GarbageCollectAt(critical)
}

// GarbageCollectAt reclaims objects untouched since before critical.
// Pipelines are collected first; a collected pipeline releases its shaders,
// which become collectable after their own grace frame.
func (d *Device) GarbageCollectAt(critical uint64) int {
	n := d.render.GarbageCollect(critical)
	n += d.compute.GarbageCollect(critical)
	n += d.shaders.GarbageCollect(critical)
	return n
}

// Close waits for in-flight creations, destroys every object and stops the
// worker pool. Caches are closed in dependency order: render pipelines,
// compute pipelines, then shaders. If ctx ends first, Close returns an error
// wrapping cache.ErrPendingRequests; calling Close again resumes from the
// first cache still open.
//
// Close is safe to call multiple times.
func (d *Device) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}

	// Pipelines release their shader pins on close.
	if err := d.render.Close(ctx); err != nil {
		return fmt.Errorf("psocache: render pipelines: %w", err)
	}
	if err := d.compute.Close(ctx); err != nil {
		return fmt.Errorf("psocache: compute pipelines: %w", err)
	}
	if err := d.shaders.Close(ctx); err != nil {
		return fmt.Errorf("psocache: shaders: %w", err)
	}
	d.closePool()
	d.closed = true

	Logger().Info("psocache: device closed")
	return nil
}

func (d *Device) closePool() {
	if d.pool != nil {
		d.pool.Close()
	}
}

// Stats is a snapshot of the device caches.
type Stats struct {
	Frame   uint64
	Workers int

	Shaders          cache.Stats
	RenderPipelines  cache.Stats
	ComputePipelines cache.Stats
}

// Stats returns a snapshot of every cache.
func (d *Device) Stats() Stats {
	return Stats{
		Frame:            d.Frame(),
		Workers:          d.Workers(),
		Shaders:          d.shaders.Stats(),
		RenderPipelines:  d.render.Stats(),
		ComputePipelines: d.compute.Stats(),
	}
}
