package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"fortio.org/safecast"
	"github.com/BurntSushi/toml"
	"github.com/gogpu/gpucontext"
)

// scenario is the TOML description of a simulation run.
type scenario struct {
	Name string `toml:"name"`

	// Frames is the number of frames to simulate.
	Frames int64 `toml:"frames"`
	// Producers is the number of concurrent recording goroutines per frame.
	Producers int `toml:"producers"`
	// Draws is the number of draws recorded per frame across all producers.
	Draws int `toml:"draws"`

	// Materials is the total number of distinct render pipelines.
	Materials int `toml:"materials"`
	// Active is the number of materials in use during any one frame.
	Active int `toml:"active"`
	// Drift is how many materials the active window advances per frame.
	Drift int `toml:"drift"`
	// Shaders is the number of distinct vertex/fragment shader pairs.
	Shaders int `toml:"shaders"`
	// WGSL compiles shaders from WGSL instead of passing SPIR-V.
	WGSL bool `toml:"wgsl"`

	Device deviceConfig `toml:"device"`
	Seed   uint64       `toml:"seed"`
}

type deviceConfig struct {
	// Adapter is discrete, integrated or software.
	Adapter     string  `toml:"adapter"`
	Workers     int     `toml:"workers"`
	Synchronous bool    `toml:"synchronous"`
	FrameLag    int64   `toml:"frame_lag"`
	LatencyMS   int     `toml:"latency_ms"`
	FailureRate float64 `toml:"failure_rate"`
}

func defaultScenario() scenario {
	return scenario{
		Name:      "default",
		Frames:    120,
		Producers: 4,
		Draws:     400,
		Materials: 256,
		Active:    64,
		Drift:     2,
		Shaders:   16,
		WGSL:      true,
		Device: deviceConfig{
			Adapter:     "discrete",
			FrameLag:    2,
			LatencyMS:   1,
			FailureRate: 0.01,
		},
		Seed: 1,
	}
}

// loadScenario decodes path over the defaults.
func loadScenario(path string) (scenario, error) {
	sc := defaultScenario()
	if path == "" {
		return sc, nil
	}
	meta, err := toml.DecodeFile(path, &sc)
	if err != nil {
		return sc, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return sc, fmt.Errorf("%s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return sc, nil
}

// validate checks the scenario and returns the frame count and frame lag.
func (sc *scenario) validate() (frames, lag uint64, err error) {
	if frames, err = safecast.Conv[uint64](sc.Frames); err != nil {
		return 0, 0, fmt.Errorf("frames: %w", err)
	}
	if lag, err = safecast.Conv[uint64](sc.Device.FrameLag); err != nil {
		return 0, 0, fmt.Errorf("device.frame_lag: %w", err)
	}

	var errs []error
	if sc.Producers <= 0 {
		errs = append(errs, errors.New("producers must be positive"))
	}
	if sc.Draws < sc.Producers {
		errs = append(errs, errors.New("draws must be at least producers"))
	}
	if sc.Materials <= 0 || sc.Shaders <= 0 {
		errs = append(errs, errors.New("materials and shaders must be positive"))
	}
	if sc.Active <= 0 || sc.Active > sc.Materials {
		errs = append(errs, errors.New("active must be in 1..materials"))
	}
	if sc.Drift < 0 {
		errs = append(errs, errors.New("drift must not be negative"))
	}
	if sc.Device.FailureRate < 0 || sc.Device.FailureRate > 1 {
		errs = append(errs, errors.New("device.failure_rate must be in 0..1"))
	}
	if sc.Device.LatencyMS < 0 {
		errs = append(errs, errors.New("device.latency_ms must not be negative"))
	}
	if _, err := sc.adapter(); err != nil {
		errs = append(errs, err)
	}
	return frames, lag, errors.Join(errs...)
}

func (sc *scenario) adapter() (gpucontext.AdapterInfo, error) {
	info := gpucontext.AdapterInfo{Name: "psosim " + sc.Device.Adapter}
	switch strings.ToLower(sc.Device.Adapter) {
	case "discrete", "":
		info.Type = gpucontext.AdapterTypeDiscrete
	case "integrated":
		info.Type = gpucontext.AdapterTypeIntegrated
	case "software":
		info.Type = gpucontext.AdapterTypeSoftware
	default:
		return info, fmt.Errorf("unknown adapter %q (discrete|integrated|software)", sc.Device.Adapter)
	}
	return info, nil
}

func (sc *scenario) latency() time.Duration {
	return time.Duration(sc.Device.LatencyMS) * time.Millisecond
}
