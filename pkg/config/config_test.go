package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() error = %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data dir", func(c *Config) { c.DataDirectory = "" }},
		{"zero build timeout", func(c *Config) { c.CircuitBuildTimeout = 0 }},
		{"bad ux", func(c *Config) { c.Conflux.DesiredUX = "ultra-fast" }},
		{"zero legs", func(c *Config) { c.Conflux.NumLegs = 0 }},
		{"inverted memquota", func(c *Config) { c.MemQuota.Max = 10; c.MemQuota.LowWater = 20 }},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"bw fraction over one", func(c *Config) { c.Guard.MaxSampleBWFraction = 1.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() accepted an invalid configuration")
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "torrc")
	content := `# test configuration
DataDirectory /tmp/onion-test
CircuitBuildTimeout 45s
ConsensusAllowSkew 24h
NumPrimaryGuards 5
ConfluxDesiredUX min-latency
MemQuotaMax 1048576
MemQuotaLowWater 524288
LogLevel debug
UnknownFutureOption ignored
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cfg := DefaultConfig()
	if err := LoadFromFile(path, cfg); err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if cfg.DataDirectory != "/tmp/onion-test" {
		t.Errorf("DataDirectory = %q", cfg.DataDirectory)
	}
	if cfg.CircuitBuildTimeout != 45*time.Second {
		t.Errorf("CircuitBuildTimeout = %v, want 45s", cfg.CircuitBuildTimeout)
	}
	if cfg.ConsensusAllowSkew != 24*time.Hour {
		t.Errorf("ConsensusAllowSkew = %v, want 24h", cfg.ConsensusAllowSkew)
	}
	if cfg.Guard.NPrimary != 5 {
		t.Errorf("NPrimary = %d, want 5", cfg.Guard.NPrimary)
	}
	if cfg.Conflux.DesiredUX != "min-latency" {
		t.Errorf("DesiredUX = %q, want min-latency", cfg.Conflux.DesiredUX)
	}
	if cfg.MemQuota.Max != 1048576 {
		t.Errorf("MemQuota.Max = %d", cfg.MemQuota.Max)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestLoadFromFileBareSeconds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "torrc")
	if err := os.WriteFile(path, []byte("CircuitBuildTimeout 90\n"), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	cfg := DefaultConfig()
	if err := LoadFromFile(path, cfg); err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if cfg.CircuitBuildTimeout != 90*time.Second {
		t.Errorf("CircuitBuildTimeout = %v, want 90s", cfg.CircuitBuildTimeout)
	}
}

func TestGuardParamsMapping(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Guard.NPrimary = 7
	cfg.Guard.NPConnectTimeout = 42 * time.Second

	p := cfg.GuardParams()
	if p.NPrimary != 7 {
		t.Errorf("NPrimary = %d, want 7", p.NPrimary)
	}
	if p.NPConnectTimeout != 42*time.Second {
		t.Errorf("NPConnectTimeout = %v, want 42s", p.NPConnectTimeout)
	}
}

func TestClone(t *testing.T) {
	cfg := DefaultConfig()
	clone := cfg.Clone()
	clone.Guard.NPrimary = 99
	if cfg.Guard.NPrimary == 99 {
		t.Error("Clone() shares state with the original")
	}
}
