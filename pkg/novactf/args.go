// Package novactf builds and runs novaCTF invocations.
//
// novaCTF is driven by a single executable whose behaviour is selected with
// -Algorithm. Each algorithm has its own set of flags; the builders here
// produce them in a fixed order so command lines are reproducible.
package novactf

import (
	"fmt"
	"strconv"
	"strings"

	"novactf/internal/models"
)

// Algorithm selects the novaCTF processing mode
type Algorithm string

const (
	AlgorithmDefocus           Algorithm = "defocus"
	AlgorithmCTFCorrection     Algorithm = "ctfCorrection"
	AlgorithmFilterProjections Algorithm = "filterProjections"
	Algorithm3DCTF             Algorithm = "3dctf"
)

// CorrectionType is the way the CTF is corrected on every intermediate stack
type CorrectionType int

const (
	PhaseFlip CorrectionType = iota
	Multiplication
)

func (c CorrectionType) String() string {
	if c == Multiplication {
		return "multiplication"
	}
	return "phaseflip"
}

// ParseCorrectionType parses the novaCTF spelling of a correction type
func ParseCorrectionType(s string) (CorrectionType, error) {
	switch strings.ToLower(s) {
	case "phaseflip", "phase flip":
		return PhaseFlip, nil
	case "multiplication":
		return Multiplication, nil
	}
	return PhaseFlip, fmt.Errorf("unknown correction type %q", s)
}

type flag struct {
	name  string
	value string
}

// Args is an ordered list of novaCTF flags. Setting an existing flag replaces
// its value in place.
type Args struct {
	flags []flag
}

// NewArgs starts an argument list with the algorithm selector
func NewArgs(alg Algorithm) *Args {
	a := &Args{}
	a.Set("-Algorithm", string(alg))
	return a
}

// Set adds or replaces a flag
func (a *Args) Set(name, value string) *Args {
	for i := range a.flags {
		if a.flags[i].name == name {
			a.flags[i].value = value
			return a
		}
	}
	a.flags = append(a.flags, flag{name, value})
	return a
}

// Get returns the value of a flag
func (a *Args) Get(name string) (string, bool) {
	for _, f := range a.flags {
		if f.name == name {
			return f.value, true
		}
	}
	return "", false
}

// Strings returns the flags as an argv slice
func (a *Args) Strings() []string {
	out := make([]string, 0, len(a.flags)*2)
	for _, f := range a.flags {
		out = append(out, f.name, f.value)
	}
	return out
}

func (a *Args) String() string {
	return strings.Join(a.Strings(), " ")
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// PixelSizeNm converts a sampling rate in Å to the nm value novaCTF expects
func PixelSizeNm(samplingRate float64) float64 {
	return samplingRate / 10
}

// DefocusParams configures the defocus algorithm, which slices the defocus
// gradient of every view into numbered defocus files
type DefocusParams struct {
	InputProjections   string
	TiltFile           string
	DefocusFile        string
	DefocusFileFormat  string
	DefocusShiftFile   string
	FullImage          models.Dims
	Thickness          int
	CorrectionType     CorrectionType
	CorrectAstigmatism bool
	PixelSizeNm        float64
	DefocusStep        int
}

// DefocusArgs builds the defocus command line
func DefocusArgs(p DefocusParams) *Args {
	format := p.DefocusFileFormat
	if format == "" {
		format = "imod"
	}
	a := NewArgs(AlgorithmDefocus).
		Set("-InputProjections", p.InputProjections).
		Set("-FULLIMAGE", p.FullImage.String()).
		Set("-THICKNESS", strconv.Itoa(p.Thickness)).
		Set("-TILTFILE", p.TiltFile).
		Set("-SHIFT", "0.0,0.0").
		Set("-CorrectionType", p.CorrectionType.String()).
		Set("-DefocusFileFormat", format).
		Set("-CorrectAstigmatism", boolFlag(p.CorrectAstigmatism)).
		Set("-DefocusFile", p.DefocusFile).
		Set("-PixelSize", formatFloat(p.PixelSizeNm)).
		Set("-DefocusStep", strconv.Itoa(p.DefocusStep))
	if p.DefocusShiftFile != "" {
		a.Set("-DefocusShiftFile", p.DefocusShiftFile)
	}
	return a
}

// CTFCorrectionParams configures the correction of one intermediate stack
type CTFCorrectionParams struct {
	InputProjections   string
	OutputFile         string
	DefocusFile        string
	TiltFile           string
	DefocusFileFormat  string
	CorrectionType     CorrectionType
	CorrectAstigmatism bool
	PixelSizeNm        float64
	Acquisition        models.Acquisition
}

// CTFCorrectionArgs builds the ctfCorrection command line
func CTFCorrectionArgs(p CTFCorrectionParams) *Args {
	format := p.DefocusFileFormat
	if format == "" {
		format = "imod"
	}
	return NewArgs(AlgorithmCTFCorrection).
		Set("-InputProjections", p.InputProjections).
		Set("-TILTFILE", p.TiltFile).
		Set("-CorrectionType", p.CorrectionType.String()).
		Set("-DefocusFileFormat", format).
		Set("-CorrectAstigmatism", boolFlag(p.CorrectAstigmatism)).
		Set("-PixelSize", formatFloat(p.PixelSizeNm)).
		Set("-AmplitudeContrast", formatFloat(p.Acquisition.AmplitudeContrast)).
		Set("-Cs", formatFloat(p.Acquisition.SphericalAberration)).
		Set("-Volt", formatFloat(p.Acquisition.Voltage)).
		Set("-OutputFile", p.OutputFile).
		Set("-DefocusFile", p.DefocusFile)
}

// FilterParams configures the radial filtering of one flipped stack
type FilterParams struct {
	InputProjections string
	OutputFile       string
	TiltFile         string
	LinearRegion     float64
	GaussianFalloff  float64
}

// FilterArgs builds the filterProjections command line
func FilterArgs(p FilterParams) *Args {
	return NewArgs(AlgorithmFilterProjections).
		Set("-InputProjections", p.InputProjections).
		Set("-OutputFile", p.OutputFile).
		Set("-TILTFILE", p.TiltFile).
		Set("-StackOrientation", "xz").
		Set("-RADIAL", formatFloat(p.LinearRegion)+","+formatFloat(p.GaussianFalloff))
}

// Reconstruct3DParams configures the final back-projection. InputProjections
// is the base name of the filtered stacks; novaCTF appends _0.._n-1.
type Reconstruct3DParams struct {
	InputProjections string
	OutputFile       string
	TiltFile         string
	FullImage        models.Dims
	Thickness        int
	Shift            int
	PixelSizeNm      float64
	NumberOfStacks   int
}

// Reconstruct3DArgs builds the 3dctf command line
func Reconstruct3DArgs(p Reconstruct3DParams) *Args {
	return NewArgs(Algorithm3DCTF).
		Set("-InputProjections", p.InputProjections).
		Set("-OutputFile", p.OutputFile).
		Set("-FULLIMAGE", p.FullImage.String()).
		Set("-TILTFILE", p.TiltFile).
		Set("-THICKNESS", strconv.Itoa(p.Thickness)).
		Set("-SHIFT", "0.0,"+strconv.Itoa(p.Shift)).
		Set("-PixelSize", formatFloat(p.PixelSizeNm)).
		Set("-NumberOfInputStacks", strconv.Itoa(p.NumberOfStacks)).
		Set("-Use3DCTF", "1")
}
