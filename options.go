package psocache

import (
	"runtime"

	"github.com/gogpu/gpucontext"
)

// DefaultFrameLag is the number of frames the GPU may still be executing
// behind the frame being recorded. GarbageCollect keeps every object touched
// within that many frames.
const DefaultFrameLag = 2

// Option configures a Device during creation.
// Use functional options to customize Device behavior.
//
// Example:
//
//	// Asynchronous creation on GOMAXPROCS workers
//	dev, err := psocache.NewDevice(halDevice)
//
//	// Software adapter: create inline on the installing goroutine
//	dev, err := psocache.NewDevice(halDevice, psocache.WithAdapterInfo(info))
type Option func(*options)

// options holds optional configuration for Device creation.
type options struct {
	workers     int
	workersSet  bool
	synchronous bool
	adapter     gpucontext.AdapterInfo
	adapterSet  bool
	frameLag    uint64
}

// defaultOptions returns the default device options.
func defaultOptions() options {
	return options{
		frameLag: DefaultFrameLag,
	}
}

// WithWorkers sets the number of creation workers.
// If n is 0 or negative, GOMAXPROCS is used.
//
// Setting workers explicitly overrides the synchronous default of software
// adapters.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n <= 0 {
			n = runtime.GOMAXPROCS(0)
		}
		o.workers = n
		o.workersSet = true
		o.synchronous = false
	}
}

// WithSynchronousCreation creates objects inline on the goroutine that first
// installs them. Install then never returns StatusRequested for a fresh key.
func WithSynchronousCreation() Option {
	return func(o *options) {
		o.synchronous = true
		o.workersSet = false
	}
}

// WithAdapterInfo records the adapter the device belongs to.
//
// Software adapters (llvmpipe, SwiftShader, the gogpu software HAL) compile
// on the CPU that would run the workers, so they default to synchronous
// creation unless WithWorkers is also given.
func WithAdapterInfo(info gpucontext.AdapterInfo) Option {
	return func(o *options) {
		o.adapter = info
		o.adapterSet = true
	}
}

// WithFrameLag sets how many frames behind the current frame
// GarbageCollect may reclaim. Defaults to DefaultFrameLag.
func WithFrameLag(n uint64) Option {
	return func(o *options) {
		o.frameLag = n
	}
}

// async reports whether creation runs on a worker pool.
func (o *options) async() bool {
	if o.synchronous {
		return false
	}
	if o.workersSet {
		return true
	}
	return !o.adapterSet || o.adapter.Type != gpucontext.AdapterTypeSoftware
}
