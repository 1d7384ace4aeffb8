package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gogpu/gpucontext"
)

func writeScenario(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadScenario_Defaults(t *testing.T) {
	sc, err := loadScenario("")
	if err != nil {
		t.Fatalf("loadScenario: %v", err)
	}
	if sc.Name != "default" {
		t.Errorf("Name = %q, want default", sc.Name)
	}
	if _, _, err := sc.validate(); err != nil {
		t.Errorf("default scenario invalid: %v", err)
	}
}

func TestLoadScenario_Overrides(t *testing.T) {
	path := writeScenario(t, `
name = "churn"
frames = 30
materials = 40
active = 10

[device]
adapter = "software"
frame_lag = 3
failure_rate = 0.5
`)
	sc, err := loadScenario(path)
	if err != nil {
		t.Fatalf("loadScenario: %v", err)
	}
	if sc.Name != "churn" || sc.Frames != 30 || sc.Materials != 40 || sc.Active != 10 {
		t.Errorf("scenario = %+v", sc)
	}
	// Unset keys keep their defaults.
	if sc.Producers != 4 || sc.Shaders != 16 {
		t.Errorf("defaults lost: producers=%d shaders=%d", sc.Producers, sc.Shaders)
	}

	frames, lag, err := sc.validate()
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if frames != 30 || lag != 3 {
		t.Errorf("frames, lag = %d, %d, want 30, 3", frames, lag)
	}
	info, _ := sc.adapter()
	if info.Type != gpucontext.AdapterTypeSoftware {
		t.Errorf("adapter type = %v, want software", info.Type)
	}
}

func TestLoadScenario_UnknownKey(t *testing.T) {
	path := writeScenario(t, "frames = 10\nframez = 3\n")
	_, err := loadScenario(path)
	if err == nil || !strings.Contains(err.Error(), "framez") {
		t.Errorf("err = %v, want unknown key framez", err)
	}
}

func TestLoadScenario_Malformed(t *testing.T) {
	path := writeScenario(t, "frames = \n")
	if _, err := loadScenario(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*scenario)
		want   string
	}{
		{"negative frames", func(sc *scenario) { sc.Frames = -1 }, "frames"},
		{"negative lag", func(sc *scenario) { sc.Device.FrameLag = -2 }, "frame_lag"},
		{"no producers", func(sc *scenario) { sc.Producers = 0 }, "producers"},
		{"active too large", func(sc *scenario) { sc.Active = sc.Materials + 1 }, "active"},
		{"failure rate", func(sc *scenario) { sc.Device.FailureRate = 1.5 }, "failure_rate"},
		{"adapter", func(sc *scenario) { sc.Device.Adapter = "quantum" }, "quantum"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := defaultScenario()
			tt.mutate(&sc)
			_, _, err := sc.validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("validate = %v, want error mentioning %q", err, tt.want)
			}
		})
	}
}

func TestValidate_JoinsErrors(t *testing.T) {
	sc := defaultScenario()
	sc.Producers = 0
	sc.Drift = -1
	_, _, err := sc.validate()
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "producers") || !strings.Contains(msg, "drift") {
		t.Errorf("err = %q, want both problems reported", msg)
	}
}
