// Package config provides configuration loading and validation for the
// dispatcher (spec.md §6 "Configuration (startup)").
//
// Configuration file: /etc/dispatcher/config.yaml (default)
// Schema version: 1
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (timeouts > 0, retries/cycles >= 0).
//   - Invalid config on startup: the dispatcher refuses to start
//     (StorageFatal-equivalent — see internal/dispatchererr).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime can be set at build time via -ldflags -X.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// DefaultDBPath mirrors the store package constant for use in config
// defaults without importing store (config must not depend on storage).
const DefaultDBPath = "/var/lib/dispatcher/dispatcher.db"

// Config is the root configuration structure for the dispatcher.
type Config struct {
	SchemaVersion string `yaml:"schema_version"`

	Timeouts TimeoutsConfig `yaml:"timeouts"`

	// TimeBetweenCommands is the minimum gap the Command Gate's sequencing
	// check requires between (stop, arm) and (arm, start) pairs.
	TimeBetweenCommands time.Duration `yaml:"time_between_commands"`

	// ClientTimeout is how stale a node status row may be before the
	// status aggregator overrides it with TIMEOUT.
	ClientTimeout time.Duration `yaml:"client_timeout"`

	// TimeoutTakeAction is how long a tpc node may sit in TIMEOUT before
	// the status aggregator escalates to the hypervisor.
	TimeoutTakeAction time.Duration `yaml:"timeout_take_action"`

	// StopRetries is the number of stop re-emissions the supervisor
	// attempts before invoking the hypervisor's nuclear option.
	StopRetries int `yaml:"stop_retries"`

	// MaxArmCycles bounds missed_arm_cycles before the tpc nuclear-option
	// escalation fires.
	MaxArmCycles int `yaml:"max_arm_cycles"`

	// StartCmdDelay is the delay before a start command reaches the
	// crate controller (readers receive it immediately).
	StartCmdDelay time.Duration `yaml:"start_cmd_delay"`

	// StopCmdDelay is the delay before a non-forced stop command reaches
	// the readers (the controller receives it immediately).
	StopCmdDelay time.Duration `yaml:"stop_cmd_delay"`

	// PollFrequency is the sleep between reconciler ticks.
	PollFrequency time.Duration `yaml:"poll_frequency"`

	// CCStartWait bounds how long the Command Gate waits for the crate
	// controller's acknowledgement timestamp before closing a run record
	// with a best-effort end time (spec.md §4.D, §5).
	CCStartWait time.Duration `yaml:"cc_start_wait"`

	// ControlKeys are the recognised directive fields the goal resolver
	// reads (spec.md §4.B).
	ControlKeys []string `yaml:"control_keys"`

	// MasterDAQConfig maps each configured logical detector to its node
	// topology.
	MasterDAQConfig map[string]DetectorNodes `yaml:"master_daq_config"`

	// RunModes catalogs the named run-mode documents the topology planner
	// and status aggregator both consult: which logical detectors a mode
	// links together, and which reader hosts its board list restricts
	// aggregation to (spec.md §4.A step 4, §4.C).
	RunModes map[string]RunModeConfig `yaml:"run_modes"`

	Storage       StorageConfig       `yaml:"storage"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// RunModeConfig is one named run mode's static declaration.
type RunModeConfig struct {
	// Detectors lists the logical detectors this mode links together.
	// A mode naming only one detector never produces a linked super-detector.
	Detectors []string `yaml:"detectors"`

	// Readers restricts status aggregation to this board list while the
	// mode is active; an empty list means no restriction (aggregate over
	// every configured reader).
	Readers []string `yaml:"readers"`
}

// TimeoutsConfig holds the per-command cooldown/deadline that spec.md §4.D
// and §4.F both consult.
type TimeoutsConfig struct {
	Arm   time.Duration `yaml:"arm"`
	Start time.Duration `yaml:"start"`
	Stop  time.Duration `yaml:"stop"`
}

// DetectorNodes is one detector's configured node topology: reader hosts
// and its controller host(s) (spec.md §6: "master_daq_config: {detector:
// {readers: [host], controller: [host]}}").
type DetectorNodes struct {
	Readers    []string `yaml:"readers"`
	Controller []string `yaml:"controller"`
}

// StorageConfig holds the bbolt database parameters.
type StorageConfig struct {
	DBPath string `yaml:"db_path"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// Defaults returns a Config populated with all default values. Fields
// with no sane default (MasterDAQConfig) are left empty and must come
// from the loaded file.
func Defaults() Config {
	return Config{
		SchemaVersion: "1",
		Timeouts: TimeoutsConfig{
			Arm:   30 * time.Second,
			Start: 30 * time.Second,
			Stop:  10 * time.Second,
		},
		TimeBetweenCommands: 2 * time.Second,
		ClientTimeout:       15 * time.Second,
		TimeoutTakeAction:   60 * time.Second,
		StopRetries:         3,
		MaxArmCycles:        3,
		StartCmdDelay:       2 * time.Second,
		StopCmdDelay:        2 * time.Second,
		PollFrequency:       5 * time.Second,
		CCStartWait:         2 * time.Second,
		ControlKeys: []string{
			"active", "mode", "stop_after", "link_mv", "link_nv", "user", "comment", "softstop",
		},
		Storage: StorageConfig{
			DBPath: DefaultDBPath,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load reads and validates a config file from the given path. Returns the
// merged config (defaults overridden by file values).
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Detectors returns the configured logical detector ids as a sorted
// slice — the stable realization of "configuration iteration order"
// spec.md §9(b) requires for deterministic tie-breaking (SPEC_FULL.md
// §9(b)), since Go map iteration order is randomized.
func (c *Config) Detectors() []string {
	ids := make([]string, 0, len(c.MasterDAQConfig))
	for id := range c.MasterDAQConfig {
		ids = append(ids, id)
	}
	sortStrings(ids)
	return ids
}

// ModeDetectors adapts RunModes into the topology package's ModeDetectors
// seam.
func (c *Config) ModeDetectors(mode string) ([]string, bool) {
	rm, ok := c.RunModes[mode]
	if !ok {
		return nil, false
	}
	return rm.Detectors, true
}

// ModeReaders adapts RunModes into the daqstatus package's board-list
// restriction seam. A mode with no declared reader list reports ok=false
// so the caller falls back to the detector's full configured reader set.
func (c *Config) ModeReaders(mode string) ([]string, bool) {
	rm, ok := c.RunModes[mode]
	if !ok || len(rm.Readers) == 0 {
		return nil, false
	}
	return rm.Readers, true
}

func sortStrings(ss []string) {
	for i := 1; i < len(ss); i++ {
		for j := i; j > 0 && ss[j-1] > ss[j]; j-- {
			ss[j-1], ss[j] = ss[j], ss[j-1]
		}
	}
}

// Validate checks all config fields for correctness, returning a
// descriptive error listing every violation found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.Timeouts.Arm <= 0 {
		errs = append(errs, "timeouts.arm must be > 0")
	}
	if cfg.Timeouts.Start <= 0 {
		errs = append(errs, "timeouts.start must be > 0")
	}
	if cfg.Timeouts.Stop <= 0 {
		errs = append(errs, "timeouts.stop must be > 0")
	}
	if cfg.TimeBetweenCommands <= 0 {
		errs = append(errs, "time_between_commands must be > 0")
	}
	if cfg.ClientTimeout <= 0 {
		errs = append(errs, "client_timeout must be > 0")
	}
	if cfg.TimeoutTakeAction <= 0 {
		errs = append(errs, "timeout_take_action must be > 0")
	}
	if cfg.StopRetries < 0 {
		errs = append(errs, "stop_retries must be >= 0")
	}
	if cfg.MaxArmCycles < 0 {
		errs = append(errs, "max_arm_cycles must be >= 0")
	}
	if cfg.PollFrequency <= 0 {
		errs = append(errs, "poll_frequency must be > 0")
	}
	if cfg.CCStartWait <= 0 || cfg.CCStartWait > 2*time.Second {
		errs = append(errs, "cc_start_wait must be in (0, 2s] (spec.md §5: bounded synchronous wait)")
	}
	if len(cfg.ControlKeys) == 0 {
		errs = append(errs, "control_keys must not be empty")
	}
	if len(cfg.MasterDAQConfig) == 0 {
		errs = append(errs, "master_daq_config must declare at least one detector")
	}
	for detector, nodes := range cfg.MasterDAQConfig {
		if len(nodes.Readers) == 0 && len(nodes.Controller) == 0 {
			errs = append(errs, fmt.Sprintf("master_daq_config[%q] has no readers or controller", detector))
		}
		if len(nodes.Controller) > 1 {
			errs = append(errs, fmt.Sprintf("master_daq_config[%q] names more than one controller", detector))
		}
	}
	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.db_path must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
