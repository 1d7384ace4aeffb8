package psocache

import (
	"runtime"
	"testing"

	"github.com/gogpu/gpucontext"
)

func TestOptions_Async(t *testing.T) {
	software := gpucontext.AdapterInfo{Name: "llvmpipe", Type: gpucontext.AdapterTypeSoftware}
	discrete := gpucontext.AdapterInfo{Name: "dGPU", Type: gpucontext.AdapterTypeDiscrete}

	tests := []struct {
		name string
		opts []Option
		want bool
	}{
		{"default", nil, true},
		{"synchronous", []Option{WithSynchronousCreation()}, false},
		{"software adapter", []Option{WithAdapterInfo(software)}, false},
		{"discrete adapter", []Option{WithAdapterInfo(discrete)}, true},
		{"software with workers", []Option{WithAdapterInfo(software), WithWorkers(2)}, true},
		{"workers then synchronous", []Option{WithWorkers(2), WithSynchronousCreation()}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := defaultOptions()
			for _, opt := range tt.opts {
				opt(&o)
			}
			if got := o.async(); got != tt.want {
				t.Errorf("async() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWithWorkers_Default(t *testing.T) {
	o := defaultOptions()
	WithWorkers(0)(&o)
	if o.workers != runtime.GOMAXPROCS(0) {
		t.Errorf("workers = %d, want GOMAXPROCS", o.workers)
	}
}

func TestWithFrameLag(t *testing.T) {
	o := defaultOptions()
	if o.frameLag != DefaultFrameLag {
		t.Errorf("default frameLag = %d, want %d", o.frameLag, DefaultFrameLag)
	}
	WithFrameLag(5)(&o)
	if o.frameLag != 5 {
		t.Errorf("frameLag = %d, want 5", o.frameLag)
	}
}
