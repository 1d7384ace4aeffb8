// Package pipeline caches render and compute pipeline state objects.
//
// Pipeline descriptors reference shader modules through shader cache keys.
// A pipeline key pins and installs the shader keys it references for as long
// as it lives, and pipeline creation is deferred until those shaders are
// installed. If a shader fails, every pipeline that uses it fails with
// cache.ErrDependencyFailed.
package pipeline

import (
	"errors"
	"fmt"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/psocache/cache"
	"github.com/gogpu/psocache/shader"
)

// Pipeline cache errors.
var (
	// ErrNilDevice is returned when a pipeline cache is created without a device.
	ErrNilDevice = errors.New("pipeline: device is nil")

	// ErrNilShaderCache is returned when a pipeline cache is created without
	// the shader cache its descriptors refer to.
	ErrNilShaderCache = errors.New("pipeline: shader cache is nil")

	// ErrNilShader is recorded for a descriptor without a required shader.
	ErrNilShader = errors.New("pipeline: required shader is nil")

	// ErrShaderNotReady is recorded if a shader module is missing when
	// pipeline creation runs.
	ErrShaderNotReady = errors.New("pipeline: shader module not ready")
)

// Default entry points, matching the conventions of gogpu shaders.
const (
	DefaultVertexEntryPoint   = "vs_main"
	DefaultFragmentEntryPoint = "fs_main"
	DefaultComputeEntryPoint  = "main"
)

// shaderDeps manages the shader keys referenced by pipeline descriptors.
// Nil keys are skipped everywhere.
type shaderDeps struct {
	shaders *shader.Cache
}

// pin takes a key reference and an object reference on each shader, which
// also starts shader creation.
func (d shaderDeps) pin(keys ...*shader.Key) {
	for _, k := range keys {
		if k == nil {
			continue
		}
		d.shaders.RetainKey(k)
		d.shaders.Install(k)
	}
}

// unpin releases the references taken by pin.
func (d shaderDeps) unpin(keys ...*shader.Key) {
	for _, k := range keys {
		if k == nil {
			continue
		}
		d.shaders.Uninstall(k)
		d.shaders.FreeKey(k)
	}
}

// status combines the shader states into a Preparer result.
func (d shaderDeps) status(keys ...*shader.Key) cache.Status {
	result := cache.StatusInstalled
	for _, k := range keys {
		if k == nil {
			continue
		}
		switch d.shaders.Status(k) {
		case cache.StatusInstalled, cache.StatusUninstalled:
		case cache.StatusFailed:
			return cache.StatusFailed
		default:
			result = cache.StatusRequested
		}
	}
	return result
}

// module returns the created module for k.
func (d shaderDeps) module(k *shader.Key) (hal.ShaderModule, error) {
	if k == nil {
		return nil, ErrNilShader
	}
	m, ok := d.shaders.Find(k)
	if !ok {
		return nil, fmt.Errorf("%w: %#x", ErrShaderNotReady, k.Hash())
	}
	return m, nil
}

// shaderHash identifies a shader key in a descriptor hash. Equal shader
// sources share one key, so the key's own hash stands in for the code.
func shaderHash(k *shader.Key) uint64 {
	if k == nil {
		return 0
	}
	return k.Hash()
}

func entryPoint(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}
