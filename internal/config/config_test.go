package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Serial.Baud != DefaultSerialBaud {
		t.Fatalf("baud %d", cfg.Serial.Baud)
	}
	if !cfg.Sync.StopOnLinkLost {
		t.Fatalf("stop_on_link_lost default should be true")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.json")

	cfg := Default()
	cfg.Serial.Port = "/dev/ttyACM0"
	cfg.Sync.RepeatIntervalMs = 5000
	cfg.Sync.StopOnLinkLost = false
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != cfg {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, cfg)
	}
}

func TestLoadFillsMissingFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"serial":{"port":"/dev/ttyACM1"}}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Serial.Port != "/dev/ttyACM1" {
		t.Fatalf("port %q", cfg.Serial.Port)
	}
	if cfg.Serial.Baud != DefaultSerialBaud || cfg.Tables.EvictionMs != DefaultEvictionMs {
		t.Fatalf("defaults not filled: %+v", cfg)
	}
}

func TestLoadRejectsBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestValidateRejectsInvertedWindows(t *testing.T) {
	cfg := Default()
	cfg.Tables.EvictionMs = cfg.Tables.LivenessMs
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected eviction/liveness validation error")
	}
}
