// Package simdevice provides a hal.Device that simulates pipeline creation
// cost and failures on top of the noop backend, and accounts for every
// object it hands out.
package simdevice

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
)

// ErrInjected is returned for creations selected by the failure predicate.
var ErrInjected = errors.New("simdevice: injected failure")

// Kind identifies the type of a created object.
type Kind uint8

const (
	// KindShader is a shader module.
	KindShader Kind = iota
	// KindRender is a render pipeline.
	KindRender
	// KindCompute is a compute pipeline.
	KindCompute

	kindCount
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindShader:
		return "shader"
	case KindRender:
		return "render"
	case KindCompute:
		return "compute"
	default:
		return "unknown"
	}
}

// Object is a simulated GPU object. Every Object is distinct.
type Object struct {
	ID    uint64
	Kind  Kind
	Label string
}

// Destroy is a no-op; objects are released through the device.
func (o *Object) Destroy() {}

// Option configures a Device.
type Option func(*Device)

// WithLatency makes every shader and pipeline creation sleep for d.
func WithLatency(d time.Duration) Option {
	return func(dev *Device) {
		dev.latency = d
	}
}

// WithFailure makes creations fail with ErrInjected when fail returns true
// for the object label.
func WithFailure(fail func(kind Kind, label string) bool) Option {
	return func(dev *Device) {
		dev.fail = fail
	}
}

// WithBase sets the device that handles every call not simulated here.
// Defaults to the noop backend.
func WithBase(base hal.Device) Option {
	return func(dev *Device) {
		dev.Device = base
	}
}

// Device simulates shader and pipeline creation.
//
// Thread safety: Device is safe for concurrent use.
type Device struct {
	hal.Device

	latency time.Duration
	fail    func(kind Kind, label string) bool

	nextID atomic.Uint64

	mu        sync.Mutex
	live      map[*Object]struct{}
	created   [kindCount]int
	destroyed [kindCount]int
	invalid   int
}

// New creates a simulated device.
func New(opts ...Option) *Device {
	d := &Device{
		Device: &noop.Device{},
		live:   make(map[*Object]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Device) create(kind Kind, label string) (*Object, error) {
	if d.latency > 0 {
		time.Sleep(d.latency)
	}
	if d.fail != nil && d.fail(kind, label) {
		return nil, fmt.Errorf("%w: %s %q", ErrInjected, kind, label)
	}

	obj := &Object{ID: d.nextID.Add(1), Kind: kind, Label: label}

	d.mu.Lock()
	d.live[obj] = struct{}{}
	d.created[kind]++
	d.mu.Unlock()
	return obj, nil
}

func (d *Device) destroy(kind Kind, r hal.Resource) {
	d.mu.Lock()
	defer d.mu.Unlock()

	obj, ok := r.(*Object)
	if !ok || obj.Kind != kind {
		d.invalid++
		return
	}
	if _, live := d.live[obj]; !live {
		d.invalid++
		return
	}
	delete(d.live, obj)
	d.destroyed[kind]++
}

// CreateShaderModule creates a simulated shader module.
func (d *Device) CreateShaderModule(desc *hal.ShaderModuleDescriptor) (hal.ShaderModule, error) {
	if len(desc.Source.SPIRV) == 0 && desc.Source.WGSL == "" {
		return nil, errors.New("simdevice: shader module without code")
	}
	obj, err := d.create(KindShader, desc.Label)
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// DestroyShaderModule releases a shader module.
func (d *Device) DestroyShaderModule(module hal.ShaderModule) {
	d.destroy(KindShader, module)
}

// CreateRenderPipeline creates a simulated render pipeline.
func (d *Device) CreateRenderPipeline(desc *hal.RenderPipelineDescriptor) (hal.RenderPipeline, error) {
	if !d.isLive(desc.Vertex.Module, KindShader) {
		return nil, errors.New("simdevice: render pipeline with invalid vertex module")
	}
	if desc.Fragment != nil && !d.isLive(desc.Fragment.Module, KindShader) {
		return nil, errors.New("simdevice: render pipeline with invalid fragment module")
	}
	obj, err := d.create(KindRender, desc.Label)
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// DestroyRenderPipeline releases a render pipeline.
func (d *Device) DestroyRenderPipeline(pipeline hal.RenderPipeline) {
	d.destroy(KindRender, pipeline)
}

// CreateComputePipeline creates a simulated compute pipeline.
func (d *Device) CreateComputePipeline(desc *hal.ComputePipelineDescriptor) (hal.ComputePipeline, error) {
	if !d.isLive(desc.Compute.Module, KindShader) {
		return nil, errors.New("simdevice: compute pipeline with invalid module")
	}
	obj, err := d.create(KindCompute, desc.Label)
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// DestroyComputePipeline releases a compute pipeline.
func (d *Device) DestroyComputePipeline(pipeline hal.ComputePipeline) {
	d.destroy(KindCompute, pipeline)
}

func (d *Device) isLive(r hal.Resource, kind Kind) bool {
	obj, ok := r.(*Object)
	if !ok || obj.Kind != kind {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, live := d.live[obj]
	return live
}

// Counts is a snapshot of device object accounting.
type Counts struct {
	Created   [kindCount]int
	Destroyed [kindCount]int

	// Live is the number of objects created and not yet destroyed.
	Live int

	// Invalid counts destroy calls on unknown or already destroyed objects.
	Invalid int
}

// Counts returns the current object accounting.
func (d *Device) Counts() Counts {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Counts{
		Created:   d.created,
		Destroyed: d.destroyed,
		Live:      len(d.live),
		Invalid:   d.invalid,
	}
}
