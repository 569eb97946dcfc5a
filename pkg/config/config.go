// Package config provides configuration loading and management for orthostream.
// It handles loading configuration from YAML files, applies ORTHOSTREAM_*
// environment overrides and validates the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"orthostream/internal/models"
	"orthostream/pkg/filter"
)

// ErrInvalidConfig wraps every validation failure
var ErrInvalidConfig = errors.New("invalid configuration")

// Angle units accepted for the angle source
const (
	UnitsDegrees = "degrees"
	UnitsRadians = "radians"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Acquisition parameters
	Acquisition struct {
		// NTheta is the total number of projections in one acquisition
		NTheta int `yaml:"ntheta" env:"ORTHOSTREAM_NTHETA"`

		// NThetaP is the ring buffer capacity, the number of projections per rotation
		NThetaP int `yaml:"nthetap" env:"ORTHOSTREAM_NTHETAP"`

		// N is the detector width and the size of the reconstructed planes
		N int `yaml:"n" env:"ORTHOSTREAM_N"`

		// NZ is the detector height; it must not exceed N
		NZ int `yaml:"nz" env:"ORTHOSTREAM_NZ"`

		// AngleEpsilon is the minimum angle change for a frame to count as a new sample,
		// expressed in radians
		AngleEpsilon float64 `yaml:"angleEpsilon" env:"ORTHOSTREAM_ANGLE_EPSILON"`

		// AngleUnits is the unit the angle source reports in (degrees or radians)
		AngleUnits string `yaml:"angleUnits" env:"ORTHOSTREAM_ANGLE_UNITS"`
	} `yaml:"acquisition"`

	// Filter parameters
	Filter struct {
		// Order is the polynomial order p of the ramp filter quadrature
		Order int `yaml:"p" env:"ORTHOSTREAM_FILTER_ORDER"`

		// Window is the taper applied to the filter weights
		Window string `yaml:"window" env:"ORTHOSTREAM_FILTER_WINDOW"`
	} `yaml:"filter"`

	// Reconstruction loop parameters
	Reconstruction struct {
		// TickInterval is the period of the reconstruction loop
		TickInterval time.Duration `yaml:"tickInterval" env:"ORTHOSTREAM_TICK_INTERVAL"`

		// RotationCenter is the detector column of the rotation axis; 0 selects n/2
		RotationCenter float64 `yaml:"rotationCenter" env:"ORTHOSTREAM_ROTATION_CENTER"`

		// ResetOnIndexChange restarts the running average when a plane index changes
		ResetOnIndexChange bool `yaml:"resetOnIndexChange" env:"ORTHOSTREAM_RESET_ON_INDEX_CHANGE"`

		// IX, IY, IZ are the initial plane indices; -1 selects the middle of the volume
		IX int `yaml:"ix" env:"ORTHOSTREAM_IX"`
		IY int `yaml:"iy" env:"ORTHOSTREAM_IY"`
		IZ int `yaml:"iz" env:"ORTHOSTREAM_IZ"`

		// Workers bounds the goroutines the reference engine filters projections with
		Workers int `yaml:"workers" env:"ORTHOSTREAM_WORKERS"`
	} `yaml:"reconstruction"`

	// Output parameters
	Output struct {
		// SnapshotPath is the PNG file the averaged composite is written to
		SnapshotPath string `yaml:"snapshotPath" env:"ORTHOSTREAM_SNAPSHOT_PATH"`

		// SavePlanes additionally writes one PNG per plane next to the snapshot
		SavePlanes bool `yaml:"savePlanes" env:"ORTHOSTREAM_SAVE_PLANES"`

		// CycleLogPath is the SQLite database cycles are recorded in; empty disables it
		CycleLogPath string `yaml:"cycleLogPath" env:"ORTHOSTREAM_CYCLE_LOG_PATH"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose" env:"ORTHOSTREAM_VERBOSE"`
	} `yaml:"output"`

	// Simulation parameters for running without a detector
	Simulation struct {
		// FrameInterval is the delay between simulated detector frames
		FrameInterval time.Duration `yaml:"frameInterval" env:"ORTHOSTREAM_FRAME_INTERVAL"`

		// Noise is the relative amplitude of uniform noise added to frames
		Noise float64 `yaml:"noise" env:"ORTHOSTREAM_NOISE"`

		// Seed seeds the noise generator
		Seed int64 `yaml:"seed" env:"ORTHOSTREAM_SEED"`
	} `yaml:"simulation"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default acquisition parameters
	cfg.Acquisition.NTheta = 1500
	cfg.Acquisition.NThetaP = 50
	cfg.Acquisition.N = 256
	cfg.Acquisition.NZ = 128
	cfg.Acquisition.AngleEpsilon = 1e-3
	cfg.Acquisition.AngleUnits = UnitsDegrees

	// Set default filter parameters
	cfg.Filter.Order = 2
	cfg.Filter.Window = filter.DefaultWindow

	// Set default reconstruction parameters
	cfg.Reconstruction.TickInterval = 200 * time.Millisecond
	cfg.Reconstruction.ResetOnIndexChange = true
	cfg.Reconstruction.IX = -1
	cfg.Reconstruction.IY = -1
	cfg.Reconstruction.IZ = -1
	cfg.Reconstruction.Workers = 4

	// Set default output parameters
	cfg.Output.SnapshotPath = "orthostream.png"
	cfg.Output.Verbose = true

	// Set default simulation parameters
	cfg.Simulation.FrameInterval = 20 * time.Millisecond
	cfg.Simulation.Noise = 0.02
	cfg.Simulation.Seed = 1

	return cfg
}

// Center returns the rotation center, resolving the n/2 default
func (c *Config) Center() float64 {
	if c.Reconstruction.RotationCenter == 0 {
		return float64(c.Acquisition.N / 2)
	}
	return c.Reconstruction.RotationCenter
}

// Indices returns the initial plane indices, resolving -1 to the middle
func (c *Config) Indices() models.PlaneIndices {
	idx := models.PlaneIndices{
		IX: c.Reconstruction.IX,
		IY: c.Reconstruction.IY,
		IZ: c.Reconstruction.IZ,
	}
	if idx.IX < 0 {
		idx.IX = c.Acquisition.N / 2
	}
	if idx.IY < 0 {
		idx.IY = c.Acquisition.N / 2
	}
	if idx.IZ < 0 {
		idx.IZ = c.Acquisition.NZ / 2
	}
	return idx
}

// Validate checks every parameter and reports all problems at once
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalidConfig}, args...)...))
	}

	a := c.Acquisition
	if a.NTheta < 1 {
		fail("ntheta must be positive, got %d", a.NTheta)
	}
	if a.NThetaP < 1 {
		fail("nthetap must be positive, got %d", a.NThetaP)
	}
	if a.N < 2 {
		fail("n must be at least 2, got %d", a.N)
	}
	if a.NZ < 1 || a.NZ > a.N {
		fail("nz must be in [1, n=%d], got %d", a.N, a.NZ)
	}
	if a.AngleEpsilon < 0 {
		fail("angleEpsilon must be non-negative, got %v", a.AngleEpsilon)
	}
	if a.AngleUnits != UnitsDegrees && a.AngleUnits != UnitsRadians {
		fail("angleUnits must be %q or %q, got %q", UnitsDegrees, UnitsRadians, a.AngleUnits)
	}

	if _, err := filter.Synthesize(a.N, c.Filter.Order, c.Filter.Window); err != nil {
		fail("filter: %v", err)
	}

	r := c.Reconstruction
	if r.TickInterval <= 0 {
		fail("tickInterval must be positive, got %s", r.TickInterval)
	}
	if r.RotationCenter < 0 || r.RotationCenter >= float64(a.N) {
		fail("rotationCenter must be in [0, n=%d), got %v", a.N, r.RotationCenter)
	}
	if r.IX >= a.N || r.IX < -1 {
		fail("ix must be -1 or in [0, n=%d), got %d", a.N, r.IX)
	}
	if r.IY >= a.N || r.IY < -1 {
		fail("iy must be -1 or in [0, n=%d), got %d", a.N, r.IY)
	}
	if r.IZ >= a.NZ || r.IZ < -1 {
		fail("iz must be -1 or in [0, nz=%d), got %d", a.NZ, r.IZ)
	}
	if r.Workers < 1 {
		fail("workers must be positive, got %d", r.Workers)
	}

	if c.Simulation.FrameInterval <= 0 {
		fail("simulation frameInterval must be positive, got %s", c.Simulation.FrameInterval)
	}
	if c.Simulation.Noise < 0 {
		fail("simulation noise must be non-negative, got %v", c.Simulation.Noise)
	}

	return errors.Join(errs...)
}

// LoadConfig loads configuration from a YAML file, applies environment
// overrides and validates the result.
// If the file doesn't exist, the defaults are used.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Defaults only
	case err != nil:
		return nil, fmt.Errorf("error reading config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}

	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
