// Package config implements MeterMaid's configuration: a YAML meter-fleet
// file plus process-wide settings that cmd/metermaid-agent takes from flags
// (it also loads a .env file into the environment, but no setting is read
// from the environment),
// following the teacher's Config+Validate() idiom (see e.g.
// controlplane/monitor/internal/sol-balance/config.go) and its
// godotenv.Load() convention (lake/api/main.go).
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// MeterSpec describes one boot-time meter instance, carrying forward the
// per-meter unit metadata original_source/main.c wired at startup (spec.md
// §1's "unit labels" and §4.4's bucket capacities).
type MeterSpec struct {
	Name               string `yaml:"name"`
	Unit               string `yaml:"unit"` // "electricity", "gas", or "water"
	MaxPulsesPerMinute uint16 `yaml:"max_pulses_per_minute"`
	MinuteBuckets      int    `yaml:"minute_buckets"`
	HourBuckets        int    `yaml:"hour_buckets"`
	DayBuckets         int    `yaml:"day_buckets"`
}

// Validate checks a single meter's boot parameters, mirroring spec.md §9's
// instruction that construction-time validation replace unchecked
// division/allocation.
func (m MeterSpec) Validate() error {
	if m.Name == "" {
		return errors.New("meter: name is required")
	}
	switch m.Unit {
	case "electricity", "gas", "water":
	default:
		return fmt.Errorf("meter %q: unit must be electricity, gas, or water, got %q", m.Name, m.Unit)
	}
	if m.MaxPulsesPerMinute == 0 {
		return fmt.Errorf("meter %q: max_pulses_per_minute must be nonzero", m.Name)
	}
	if m.MinuteBuckets < 1 || m.HourBuckets < 1 || m.DayBuckets < 1 {
		return fmt.Errorf("meter %q: bucket capacities must each be at least 1", m.Name)
	}
	return nil
}

// FleetFile is the on-disk YAML shape loaded by LoadFleet.
type FleetFile struct {
	Meters []MeterSpec `yaml:"meters"`
}

// LoadFleet reads and validates a meter fleet definition from path.
func LoadFleet(path string) ([]MeterSpec, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read fleet file: %w", err)
	}
	var ff FleetFile
	if err := yaml.Unmarshal(b, &ff); err != nil {
		return nil, fmt.Errorf("config: parse fleet file: %w", err)
	}
	if len(ff.Meters) == 0 {
		return nil, errors.New("config: fleet file defines no meters")
	}
	seen := make(map[string]bool, len(ff.Meters))
	for _, m := range ff.Meters {
		if err := m.Validate(); err != nil {
			return nil, err
		}
		if seen[m.Name] {
			return nil, fmt.Errorf("config: duplicate meter name %q", m.Name)
		}
		seen[m.Name] = true
	}
	return ff.Meters, nil
}

// Agent is the process-wide configuration for cmd/metermaid-agent,
// assembled from flags/.env in main and validated once before boot, in the
// teacher's Config.Validate() style.
type Agent struct {
	Logger       *slog.Logger
	FleetFile    string
	HTTPAddr     string
	PollInterval time.Duration
	Meters       []MeterSpec
}

// Validate checks the process-wide configuration.
func (c *Agent) Validate() error {
	if c.Logger == nil {
		return errors.New("config: logger is required")
	}
	if c.HTTPAddr == "" {
		return errors.New("config: http address is required")
	}
	if c.PollInterval <= 0 {
		return errors.New("config: poll interval must be greater than 0")
	}
	if len(c.Meters) == 0 {
		return errors.New("config: at least one meter is required")
	}
	return nil
}
