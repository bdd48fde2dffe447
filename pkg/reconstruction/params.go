package reconstruction

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"novactf/internal/executor"
	"novactf/pkg/config"
	"novactf/pkg/imod"
	"novactf/pkg/novactf"
)

// Params holds the reconstruction parameters.
// These parameters control the CTF correction, the tomogram geometry and
// how the run is executed.
type Params struct {
	// WorkDir is the run directory. Intermediate files go to WorkDir/tmp and
	// final tomograms to WorkDir/extra, one sub-directory per tilt-series.
	WorkDir string

	// DefocusStep is the slab thickness in nm used to slice the defocus gradient
	DefocusStep int

	// CorrectionType selects phase flipping or multiplication
	CorrectionType novactf.CorrectionType

	// CorrectAstigmatism enables astigmatism correction
	CorrectAstigmatism bool

	// DefocusFileFormat is imod or ctffind4; the one-pass reconstruction
	// always uses imod
	DefocusFileFormat string

	// Thickness and Shift of the tomogram along Z, in voxels
	Thickness int
	Shift     int

	// Radial filter: linear region then gaussian fall-off, 0.5 is Nyquist
	RadialLinear   float64
	RadialGaussian float64

	// Threads is the number of steps running at the same time
	Threads int

	// KeepIntermediate keeps the tmp directory of every tilt-series
	KeepIntermediate bool
}

// ParamsFromConfig builds reconstruction parameters from a validated configuration
func ParamsFromConfig(cfg *config.Config, workDir string) (*Params, error) {
	if workDir == "" {
		return nil, errors.New("work directory is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	ct, err := novactf.ParseCorrectionType(cfg.CTF.CorrectionType)
	if err != nil {
		return nil, err
	}
	return &Params{
		WorkDir:            workDir,
		DefocusStep:        cfg.CTF.DefocusStep,
		CorrectionType:     ct,
		CorrectAstigmatism: cfg.CTF.CorrectAstigmatism,
		DefocusFileFormat:  cfg.CTF.DefocusFileFormat,
		Thickness:          cfg.Tomogram.Thickness,
		Shift:              cfg.Tomogram.Shift,
		RadialLinear:       cfg.Radial.LinearRegion,
		RadialGaussian:     cfg.Radial.GaussianFalloff,
		Threads:            cfg.Execution.Threads,
		KeepIntermediate:   cfg.Execution.KeepIntermediate,
	}, nil
}

// Tools groups the external programs a run invokes
type Tools struct {
	NovaCTF *novactf.Runner
	IMOD    *imod.Toolkit
}

// ToolsFromConfig wires novaCTF and IMOD to an executor
func ToolsFromConfig(cfg *config.Config, e executor.Executor, logger *zap.Logger) Tools {
	nova := novactf.NewRunner(cfg.Binaries.NovaCTF, e, logger)
	nova.Timeout = cfg.Execution.CommandTimeout
	tk := imod.NewToolkit(cfg.Binaries.IMODDir, e, logger)
	tk.Timeout = cfg.Execution.CommandTimeout
	return Tools{NovaCTF: nova, IMOD: tk}
}
