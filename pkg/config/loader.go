// Package config provides configuration file loading: a torrc-compatible
// line format and a YAML form.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadFromFile loads configuration from a torrc-compatible file.
// Lines starting with # are comments; each line is "Key Value".
func LoadFromFile(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := validatePath(path); err != nil {
		return fmt.Errorf("path validation failed: %w", err)
	}

	file, err := os.Open(path) // #nosec G304 - path is validated by validatePath
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Fields(line)
		if len(parts) < 1 {
			continue
		}

		key := parts[0]
		value := ""
		if len(parts) > 1 {
			value = strings.Join(parts[1:], " ")
		}

		if err := processConfigOption(cfg, key, value); err != nil {
			return fmt.Errorf("line %d: %w", lineNum, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// LoadYAML loads configuration from a YAML file
func LoadYAML(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := validatePath(path); err != nil {
		return fmt.Errorf("path validation failed: %w", err)
	}

	data, err := os.ReadFile(path) // #nosec G304 - path is validated by validatePath
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// processConfigOption processes a single torrc-style option
func processConfigOption(cfg *Config, key, value string) error {
	switch key {
	case "DataDirectory":
		cfg.DataDirectory = value

	case "CacheDirectory":
		cfg.CacheDirectory = value

	case "CircuitBuildTimeout":
		d, err := parseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid CircuitBuildTimeout: %w", err)
		}
		cfg.CircuitBuildTimeout = d

	case "StreamConnectTimeout":
		d, err := parseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid StreamConnectTimeout: %w", err)
		}
		cfg.StreamConnectTimeout = d

	case "ConsensusAllowSkew":
		d, err := parseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid ConsensusAllowSkew: %w", err)
		}
		cfg.ConsensusAllowSkew = d

	case "NumPrimaryGuards":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid NumPrimaryGuards value: %s", value)
		}
		cfg.Guard.NPrimary = n

	case "GuardSampleSize":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid GuardSampleSize value: %s", value)
		}
		cfg.Guard.MaxSampleSize = n

	case "ConfluxDesiredUX":
		cfg.Conflux.DesiredUX = value

	case "ConfluxLegs":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid ConfluxLegs value: %s", value)
		}
		cfg.Conflux.NumLegs = n

	case "MemQuotaMax":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid MemQuotaMax value: %s", value)
		}
		cfg.MemQuota.Max = n

	case "MemQuotaLowWater":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid MemQuotaLowWater value: %s", value)
		}
		cfg.MemQuota.LowWater = n

	case "LogLevel":
		cfg.LogLevel = strings.ToLower(value)

	default:
		// Unknown keys are ignored for forward compatibility.
	}
	return nil
}

// parseDuration accepts Go duration syntax or a bare count of seconds
func parseDuration(value string) (time.Duration, error) {
	if d, err := time.ParseDuration(value); err == nil {
		return d, nil
	}
	secs, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("cannot parse %q as a duration", value)
	}
	return time.Duration(secs) * time.Second, nil
}

// validatePath rejects paths escaping upward through the tree
func validatePath(path string) error {
	clean := filepath.Clean(path)
	if strings.Contains(clean, "..") {
		return fmt.Errorf("path contains parent traversal: %s", path)
	}
	return nil
}
