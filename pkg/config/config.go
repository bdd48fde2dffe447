// Package config provides configuration loading and management for novactf.
// It handles loading configuration from YAML files, environment overrides
// and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Correction types understood by novaCTF
const (
	CorrectionPhaseFlip      = "phaseflip"
	CorrectionMultiplication = "multiplication"
)

// Defocus file formats understood by novaCTF
const (
	FormatIMOD     = "imod"
	FormatCtffind4 = "ctffind4"
)

// Environment variables that override the configuration file
const (
	EnvNovaCTFBin = "NOVACTF_BIN"
	EnvIMODDir    = "IMOD_DIR"
	EnvNoClean    = "NOVACTF_DEBUG_NOCLEAN"
	EnvThreads    = "NOVACTF_THREADS"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// CTF correction parameters
	CTF struct {
		// DefocusStep is the slab thickness in nm used to slice the defocus
		// gradient along Z
		DefocusStep int `yaml:"defocusStep"`

		// CorrectionType is phaseflip or multiplication
		CorrectionType string `yaml:"correctionType"`

		// CorrectAstigmatism enables astigmatism correction
		CorrectAstigmatism bool `yaml:"correctAstigmatism"`

		// DefocusFileFormat is only used by the staged defocus flow
		DefocusFileFormat string `yaml:"defocusFileFormat"`
	} `yaml:"ctf"`

	// Tomogram geometry
	Tomogram struct {
		// Thickness is the size of the tomogram along Z in voxels
		Thickness int `yaml:"thickness"`

		// Shift is the Z shift of the tomogram in voxels
		Shift int `yaml:"shift"`
	} `yaml:"tomogram"`

	// Radial filtering in digital units, 0.5 being Nyquist
	Radial struct {
		LinearRegion    float64 `yaml:"linearRegion"`
		GaussianFalloff float64 `yaml:"gaussianFalloff"`
	} `yaml:"radial"`

	// Execution parameters
	Execution struct {
		// Threads is how many steps may run at the same time
		Threads int `yaml:"threads"`

		// KeepIntermediate keeps the per series tmp directories
		KeepIntermediate bool `yaml:"keepIntermediate"`

		// CommandTimeout bounds each external command, zero means no limit
		CommandTimeout time.Duration `yaml:"commandTimeout"`
	} `yaml:"execution"`

	// External programs
	Binaries struct {
		// NovaCTF is the novaCTF executable name or path
		NovaCTF string `yaml:"novactf"`

		// IMODDir is the IMOD installation root, tools are taken from its bin
		// directory. Empty means resolve through PATH.
		IMODDir string `yaml:"imodDir"`
	} `yaml:"binaries"`

	// Logging parameters
	Logging struct {
		Verbose bool   `yaml:"verbose"`
		JSON    bool   `yaml:"json"`
		File    string `yaml:"file"`
	} `yaml:"logging"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.CTF.DefocusStep = 15
	cfg.CTF.CorrectionType = CorrectionPhaseFlip
	cfg.CTF.CorrectAstigmatism = true
	cfg.CTF.DefocusFileFormat = FormatIMOD

	cfg.Tomogram.Thickness = 400
	cfg.Tomogram.Shift = 0

	cfg.Radial.LinearRegion = 0.3
	cfg.Radial.GaussianFalloff = 0.05

	cfg.Execution.Threads = 4
	cfg.Execution.KeepIntermediate = false

	cfg.Binaries.NovaCTF = "novaCTF"

	return cfg
}

// LoadConfig loads configuration from a YAML file and applies environment
// overrides. If the file doesn't exist, it returns the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("error reading config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("error parsing config file: %w", err)
			}
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv(EnvNovaCTFBin); v != "" {
		c.Binaries.NovaCTF = v
	}
	if v := os.Getenv(EnvIMODDir); v != "" {
		c.Binaries.IMODDir = v
	}
	if v := os.Getenv(EnvNoClean); v != "" {
		keep, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s value %q: %w", EnvNoClean, v, err)
		}
		c.Execution.KeepIntermediate = keep
	}
	if v := os.Getenv(EnvThreads); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s value %q: %w", EnvThreads, v, err)
		}
		c.Execution.Threads = n
	}
	return nil
}

// Validate checks the parameter ranges
func (c *Config) Validate() error {
	if c.CTF.DefocusStep <= 0 {
		return fmt.Errorf("defocus step must be positive, got %d", c.CTF.DefocusStep)
	}
	switch c.CTF.CorrectionType {
	case CorrectionPhaseFlip, CorrectionMultiplication:
	default:
		return fmt.Errorf("unknown correction type %q", c.CTF.CorrectionType)
	}
	switch c.CTF.DefocusFileFormat {
	case FormatIMOD, FormatCtffind4:
	default:
		return fmt.Errorf("unknown defocus file format %q", c.CTF.DefocusFileFormat)
	}
	if c.Tomogram.Thickness <= 0 {
		return fmt.Errorf("tomogram thickness must be positive, got %d", c.Tomogram.Thickness)
	}
	if c.Radial.LinearRegion < 0 || c.Radial.LinearRegion > 0.5 {
		return fmt.Errorf("radial linear region must be within [0, 0.5], got %g", c.Radial.LinearRegion)
	}
	if c.Radial.GaussianFalloff < 0 || c.Radial.GaussianFalloff > 0.5 {
		return fmt.Errorf("radial gaussian fall-off must be within [0, 0.5], got %g", c.Radial.GaussianFalloff)
	}
	if c.Execution.Threads <= 0 {
		return fmt.Errorf("threads must be positive, got %d", c.Execution.Threads)
	}
	if c.Binaries.NovaCTF == "" {
		return fmt.Errorf("novaCTF binary is not set")
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
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
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
