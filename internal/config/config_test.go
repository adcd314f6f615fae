package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coderdj/dispatcher/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
schema_version: "1"
master_daq_config:
  tpc:
    readers: ["reader0", "reader1"]
    controller: ["cc0"]
  muon_veto:
    readers: ["mvreader0"]
    controller: ["mvcc0"]
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Timeouts.Arm <= 0 {
		t.Fatalf("expected default arm timeout to survive merge, got %v", cfg.Timeouts.Arm)
	}
	if len(cfg.MasterDAQConfig) != 2 {
		t.Fatalf("expected 2 detectors, got %d", len(cfg.MasterDAQConfig))
	}
	if got := cfg.Detectors(); len(got) != 2 || got[0] != "muon_veto" || got[1] != "tpc" {
		t.Fatalf("expected sorted [muon_veto tpc], got %v", got)
	}
}

func TestLoadMissingMasterDAQConfigFails(t *testing.T) {
	path := writeConfig(t, `schema_version: "1"`)

	if _, err := config.Load(path); err == nil {
		t.Fatal("expected validation error for missing master_daq_config")
	}
}

func TestLoadRejectsBadSchemaVersion(t *testing.T) {
	path := writeConfig(t, `
schema_version: "2"
master_daq_config:
  tpc:
    readers: ["reader0"]
`)

	if _, err := config.Load(path); err == nil {
		t.Fatal("expected validation error for wrong schema_version")
	}
}

func TestValidateRejectsMultipleControllers(t *testing.T) {
	cfg := config.Defaults()
	cfg.MasterDAQConfig = map[string]config.DetectorNodes{
		"tpc": {Controller: []string{"cc0", "cc1"}},
	}

	if err := config.Validate(&cfg); err == nil {
		t.Fatal("expected validation error for multiple controllers")
	}
}

func TestValidateRejectsCCStartWaitOutOfRange(t *testing.T) {
	cfg := config.Defaults()
	cfg.MasterDAQConfig = map[string]config.DetectorNodes{"tpc": {Readers: []string{"r0"}}}
	cfg.CCStartWait = 3 * time.Second // exceeds the 2s bound

	if err := config.Validate(&cfg); err == nil {
		t.Fatal("expected validation error for cc_start_wait > 2s")
	}
}
