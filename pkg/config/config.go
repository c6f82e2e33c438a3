// Package config provides configuration management for the onion client.
package config

import (
	"fmt"
	"time"

	"github.com/onionkit/onionkit/pkg/guard"
)

// ConfluxConfig tunes multi-path tunneling
type ConfluxConfig struct {
	// DesiredUX is the scheduling preference: no-opinion, min-latency,
	// high-throughput, low-mem-latency, low-mem-throughput
	DesiredUX string `yaml:"desired_ux"`
	// NumLegs is how many legs to build per conflux tunnel
	NumLegs int `yaml:"num_legs"`
}

// MemQuotaConfig tunes process-wide memory accounting
type MemQuotaConfig struct {
	// Max is the byte total past which reclamation starts (0 = unlimited)
	Max uint64 `yaml:"max"`
	// LowWater is where reclamation stops
	LowWater uint64 `yaml:"low_water"`
}

// GuardConfig mirrors the guard-selection policy knobs
type GuardConfig struct {
	MinFilteredSampleSize int           `yaml:"min_filtered_sample_size"`
	MaxSampleSize         int           `yaml:"max_sample_size"`
	MaxSampleBWFraction   float64       `yaml:"max_sample_bw_fraction"`
	NPrimary              int           `yaml:"n_primary"`
	DataParallelism       int           `yaml:"data_parallelism"`
	DirParallelism        int           `yaml:"dir_parallelism"`
	NPConnectTimeout      time.Duration `yaml:"np_connect_timeout"`
	NPIdleTimeout         time.Duration `yaml:"np_idle_timeout"`
	InternetDownTimeout   time.Duration `yaml:"internet_down_timeout"`
	LifetimeUnconfirmed   time.Duration `yaml:"lifetime_unconfirmed"`
	LifetimeConfirmed     time.Duration `yaml:"lifetime_confirmed"`
	LifetimeUnlisted      time.Duration `yaml:"lifetime_unlisted"`
	FilterThreshold       float64       `yaml:"filter_threshold"`
	ExtremeThreshold      float64       `yaml:"extreme_threshold"`
}

// Config represents the client configuration
type Config struct {
	// DataDirectory holds guard state; CacheDirectory the directory cache
	DataDirectory  string `yaml:"data_directory"`
	CacheDirectory string `yaml:"cache_directory"`

	// Circuit settings
	CircuitBuildTimeout  time.Duration `yaml:"circuit_build_timeout"`
	StreamConnectTimeout time.Duration `yaml:"stream_connect_timeout"`

	// ConsensusAllowSkew bounds backdating when requesting a consensus
	ConsensusAllowSkew time.Duration `yaml:"consensus_allow_skew"`

	Guard    GuardConfig    `yaml:"guard"`
	Conflux  ConfluxConfig  `yaml:"conflux"`
	MemQuota MemQuotaConfig `yaml:"memquota"`

	// Logging
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	gp := guard.DefaultParams()
	return &Config{
		DataDirectory:        "./onionkit-data",
		CacheDirectory:       "./onionkit-data/cache",
		CircuitBuildTimeout:  60 * time.Second,
		StreamConnectTimeout: 30 * time.Second,
		ConsensusAllowSkew:   48 * time.Hour,
		Guard: GuardConfig{
			MinFilteredSampleSize: gp.MinFilteredSampleSize,
			MaxSampleSize:         gp.MaxSampleSize,
			MaxSampleBWFraction:   gp.MaxSampleBWFraction,
			NPrimary:              gp.NPrimary,
			DataParallelism:       gp.DataParallelism,
			DirParallelism:        gp.DirParallelism,
			NPConnectTimeout:      gp.NPConnectTimeout,
			NPIdleTimeout:         gp.NPIdleTimeout,
			InternetDownTimeout:   gp.InternetDownTimeout,
			LifetimeUnconfirmed:   gp.LifetimeUnconfirmed,
			LifetimeConfirmed:     gp.LifetimeConfirmed,
			LifetimeUnlisted:      gp.LifetimeUnlisted,
			FilterThreshold:       gp.FilterThreshold,
			ExtremeThreshold:      gp.ExtremeThreshold,
		},
		Conflux: ConfluxConfig{
			DesiredUX: "no-opinion",
			NumLegs:   2,
		},
		MemQuota: MemQuotaConfig{
			Max:      128 * 1024 * 1024,
			LowWater: 96 * 1024 * 1024,
		},
		LogLevel: "info",
	}
}

// GuardParams converts the config block into guard.Params
func (c *Config) GuardParams() guard.Params {
	return guard.Params{
		MinFilteredSampleSize: c.Guard.MinFilteredSampleSize,
		MaxSampleSize:         c.Guard.MaxSampleSize,
		MaxSampleBWFraction:   c.Guard.MaxSampleBWFraction,
		NPrimary:              c.Guard.NPrimary,
		DataParallelism:       c.Guard.DataParallelism,
		DirParallelism:        c.Guard.DirParallelism,
		NPConnectTimeout:      c.Guard.NPConnectTimeout,
		NPIdleTimeout:         c.Guard.NPIdleTimeout,
		InternetDownTimeout:   c.Guard.InternetDownTimeout,
		LifetimeUnconfirmed:   c.Guard.LifetimeUnconfirmed,
		LifetimeConfirmed:     c.Guard.LifetimeConfirmed,
		LifetimeUnlisted:      c.Guard.LifetimeUnlisted,
		FilterThreshold:       c.Guard.FilterThreshold,
		ExtremeThreshold:      c.Guard.ExtremeThreshold,
	}
}

// validUXValues maps config strings to conflux desired-UX settings
var validUXValues = map[string]bool{
	"no-opinion":         true,
	"min-latency":        true,
	"high-throughput":    true,
	"low-mem-latency":    true,
	"low-mem-throughput": true,
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.DataDirectory == "" {
		return fmt.Errorf("DataDirectory is required")
	}
	if c.CacheDirectory == "" {
		return fmt.Errorf("CacheDirectory is required")
	}
	if c.CircuitBuildTimeout <= 0 {
		return fmt.Errorf("CircuitBuildTimeout must be positive")
	}
	if c.StreamConnectTimeout <= 0 {
		return fmt.Errorf("StreamConnectTimeout must be positive")
	}
	if c.ConsensusAllowSkew < 0 {
		return fmt.Errorf("ConsensusAllowSkew must be non-negative")
	}
	if c.Guard.NPrimary < 1 {
		return fmt.Errorf("guard.n_primary must be at least 1")
	}
	if c.Guard.MinFilteredSampleSize < 1 {
		return fmt.Errorf("guard.min_filtered_sample_size must be at least 1")
	}
	if c.Guard.MaxSampleSize < c.Guard.MinFilteredSampleSize {
		return fmt.Errorf("guard.max_sample_size must be >= guard.min_filtered_sample_size")
	}
	if c.Guard.MaxSampleBWFraction <= 0 || c.Guard.MaxSampleBWFraction > 1 {
		return fmt.Errorf("guard.max_sample_bw_fraction must be in (0, 1]")
	}
	if !validUXValues[c.Conflux.DesiredUX] {
		return fmt.Errorf("invalid conflux.desired_ux: %s", c.Conflux.DesiredUX)
	}
	if c.Conflux.NumLegs < 1 {
		return fmt.Errorf("conflux.num_legs must be at least 1")
	}
	if c.MemQuota.Max > 0 && c.MemQuota.LowWater >= c.MemQuota.Max {
		return fmt.Errorf("memquota.low_water must be below memquota.max")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid LogLevel: %s (must be debug, info, warn, or error)", c.LogLevel)
	}
	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}
