package main

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

type fakeFlags map[string]bool

func (f fakeFlags) IsSet(name string) bool { return f[name] }

func TestLoadConfig(t *testing.T) {
	t.Run("explicit file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		data := "mode: beam\nbeam_width: 4\ntemperature: 0.7\nlog_level: debug\nserver_address: 0.0.0.0:9000\n"
		if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
			t.Fatal(err)
		}
		cfg, err := LoadConfig(path)
		if err != nil {
			t.Fatalf("LoadConfig returned error: %v", err)
		}
		if cfg.Mode == nil || *cfg.Mode != "beam" {
			t.Fatalf("unexpected mode: %v", cfg.Mode)
		}
		if cfg.BeamWidth == nil || *cfg.BeamWidth != 4 {
			t.Fatalf("unexpected beam width: %v", cfg.BeamWidth)
		}
		if cfg.Temperature == nil || *cfg.Temperature != 0.7 {
			t.Fatalf("unexpected temperature: %v", cfg.Temperature)
		}
		if cfg.TopK != nil {
			t.Fatalf("expected unset top_k to stay nil")
		}
		if cfg.LogLevel != "debug" || cfg.ServerAddress != "0.0.0.0:9000" {
			t.Fatalf("unexpected output fields: %+v", cfg)
		}
	})

	t.Run("missing explicit file", func(t *testing.T) {
		if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
			t.Fatalf("expected error for missing explicit config")
		}
	})

	t.Run("missing default file", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv("XDG_CONFIG_HOME", dir)
		t.Setenv("HOME", dir)
		t.Setenv("AppData", dir)
		cfg, err := LoadConfig("")
		if err != nil {
			t.Fatalf("LoadConfig returned error: %v", err)
		}
		if !reflect.DeepEqual(cfg, Config{}) {
			t.Fatalf("expected zero config, got %+v", cfg)
		}
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		if err := os.WriteFile(path, []byte("beam_width: [1\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadConfig(path); err == nil {
			t.Fatalf("expected parse error")
		}
	})
}

func TestApplyConfig(t *testing.T) {
	oldMode, oldBeam, oldTopK, oldTemp := decodingMode, beamWidth, topK, temperature
	t.Cleanup(func() {
		decodingMode, beamWidth, topK, temperature = oldMode, oldBeam, oldTopK, oldTemp
	})
	decodingMode, beamWidth, topK, temperature = "auto", 1, 0, 0

	mode := "medusa"
	beam := int64(4)
	k := int64(8)
	temp := 0.5
	empty := ""
	cfg := Config{Mode: &mode, BeamWidth: &beam, TopK: &k, Temperature: &temp, MedusaChoices: &empty}

	applyConfig(fakeFlags{"beam-width": true}, cfg)

	if decodingMode != "medusa" {
		t.Fatalf("unexpected mode: %q", decodingMode)
	}
	if beamWidth != 1 {
		t.Fatalf("explicit flag overridden by config: %d", beamWidth)
	}
	if topK != 8 || temperature != 0.5 {
		t.Fatalf("config not applied: top-k %d temperature %v", topK, temperature)
	}
}

func TestApplyServeConfig(t *testing.T) {
	addr := "127.0.0.1:8080"
	applyServeConfig(fakeFlags{}, Config{ServerAddress: ":9000"}, &addr)
	if addr != ":9000" {
		t.Fatalf("unexpected addr: %q", addr)
	}
	addr = "127.0.0.1:8080"
	applyServeConfig(fakeFlags{"addr": true}, Config{ServerAddress: ":9000"}, &addr)
	if addr != "127.0.0.1:8080" {
		t.Fatalf("explicit addr overridden: %q", addr)
	}
}
