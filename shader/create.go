package shader

import (
	"fmt"
	"log/slog"

	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/psocache/cache"
)

// CompileWGSL compiles WGSL source to SPIR-V words.
func CompileWGSL(source string) ([]uint32, error) {
	spirvBytes, err := naga.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("shader: compile: %w", err)
	}

	// SPIR-V is little-endian 32-bit words
	code := make([]uint32, len(spirvBytes)/4)
	for i := range code {
		code[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}
	return code, nil
}

// moduleFactory creates and destroys shader modules on a device.
type moduleFactory struct {
	device hal.Device
}

// Create compiles src if needed and creates the module.
func (f *moduleFactory) Create(src Source) (hal.ShaderModule, error) {
	code := src.SPIRV
	if src.WGSL != "" {
		var err error
		if code, err = CompileWGSL(src.WGSL); err != nil {
			return nil, fmt.Errorf("%w (label %q)", err, src.Label)
		}
	}
	if len(code) == 0 {
		return nil, ErrEmptySource
	}

	module, err := f.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  src.Label,
		Source: hal.ShaderSource{SPIRV: code},
	})
	if err != nil {
		return nil, fmt.Errorf("shader: create module %q: %w", src.Label, err)
	}
	cache.Logger().Debug("shader: module created",
		slog.String("label", src.Label),
		slog.String("stage", src.Stage.String()),
		slog.Int("words", len(code)))
	return module, nil
}

// Destroy releases a module.
func (f *moduleFactory) Destroy(module hal.ShaderModule) {
	f.device.DestroyShaderModule(module)
}

// NewCache creates a shader module cache for device. With a nil pool modules
// are compiled on the installing goroutine.
func NewCache(device hal.Device, pool cache.WorkerPool) (*Cache, error) {
	if device == nil {
		return nil, ErrNilDevice
	}
	f := &moduleFactory{device: device}
	return cache.New(cache.Config[Source, hal.ShaderModule]{
		Name:      "shader",
		Keys:      keyOps{},
		Creator:   f,
		Destroyer: f,
		Pool:      pool,
	})
}
