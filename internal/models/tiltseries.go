package models

import (
	"math"
	"sort"
)

// Acquisition holds the microscope settings a tilt-series was recorded with
type Acquisition struct {
	// Voltage is the acceleration voltage in kV
	Voltage float64 `yaml:"voltage" json:"voltage"`

	// SphericalAberration is Cs in mm
	SphericalAberration float64 `yaml:"sphericalAberration" json:"sphericalAberration"`

	// AmplitudeContrast is the fraction of amplitude contrast (0-1)
	AmplitudeContrast float64 `yaml:"amplitudeContrast" json:"amplitudeContrast"`

	// TiltAxisAngle is the in-plane rotation of the tilt axis in degrees
	TiltAxisAngle float64 `yaml:"tiltAxisAngle" json:"tiltAxisAngle"`

	// DoseInitial and DosePerTilt are in e/Å²
	DoseInitial float64 `yaml:"doseInitial" json:"doseInitial"`
	DosePerTilt float64 `yaml:"dosePerTilt" json:"dosePerTilt"`
}

// Transform is the 2D affine alignment of a tilt image, stored as the
// first two rows of the homogeneous matrix: [[a11 a12 dx] [a21 a22 dy]]
type Transform [2][3]float64

// TiltImage is a single view within a tilt-series
type TiltImage struct {
	// AcqOrder is the acquisition order, the key shared with the CTF estimation
	AcqOrder int `yaml:"acqOrder"`

	// Index is the 1-based section of the view inside the stack file
	Index int `yaml:"index"`

	// TiltAngle is the stage tilt in degrees
	TiltAngle float64 `yaml:"tiltAngle"`

	// Enabled is false for views excluded upstream
	Enabled *bool `yaml:"enabled,omitempty"`

	// Transform is the alignment of the view, nil when not aligned
	Transform *Transform `yaml:"transform,omitempty"`
}

// IsEnabled reports whether the view takes part in the reconstruction.
// Views are enabled unless explicitly excluded.
func (ti TiltImage) IsEnabled() bool {
	return ti.Enabled == nil || *ti.Enabled
}

// TiltSeries is a stack of views of the same specimen area at different tilts
type TiltSeries struct {
	TsID         string       `yaml:"tsId"`
	StackFile    string       `yaml:"stack"`
	SamplingRate float64      `yaml:"samplingRate,omitempty"`
	Acquisition  *Acquisition `yaml:"acquisition,omitempty"`
	Images       []TiltImage  `yaml:"images"`
}

// FirstEnabled returns the first enabled view in stack order
func (ts *TiltSeries) FirstEnabled() (TiltImage, bool) {
	for _, ti := range ts.sortedImages() {
		if ti.IsEnabled() {
			return ti, true
		}
	}
	return TiltImage{}, false
}

// HasAlignment reports whether the series carries alignment transforms
func (ts *TiltSeries) HasAlignment() bool {
	ti, ok := ts.FirstEnabled()
	return ok && ti.Transform != nil
}

// Present returns the views whose acquisition order is in orders, sorted by
// their position in the stack
func (ts *TiltSeries) Present(orders []int) []TiltImage {
	wanted := make(map[int]bool, len(orders))
	for _, o := range orders {
		wanted[o] = true
	}

	var out []TiltImage
	for _, ti := range ts.sortedImages() {
		if wanted[ti.AcqOrder] {
			out = append(out, ti)
		}
	}
	return out
}

// EnabledCount returns the number of views not excluded
func (ts *TiltSeries) EnabledCount() int {
	n := 0
	for _, ti := range ts.Images {
		if ti.IsEnabled() {
			n++
		}
	}
	return n
}

func (ts *TiltSeries) sortedImages() []TiltImage {
	images := make([]TiltImage, len(ts.Images))
	copy(images, ts.Images)
	sort.SliceStable(images, func(i, j int) bool {
		return images[i].Index < images[j].Index
	})
	return images
}

// CTFTomo is the CTF estimation for one view
type CTFTomo struct {
	AcqOrder int `yaml:"acqOrder"`

	// DefocusU and DefocusV are in Å, DefocusAngle in degrees
	DefocusU     float64 `yaml:"defocusU"`
	DefocusV     float64 `yaml:"defocusV"`
	DefocusAngle float64 `yaml:"defocusAngle"`

	// PhaseShift is the additional phase shift in degrees
	PhaseShift float64 `yaml:"phaseShift,omitempty"`

	// CutOnFreq is the phase plate cut-on frequency in 1/Å
	CutOnFreq float64 `yaml:"cutOnFreq,omitempty"`

	// FitQuality and Resolution are reported by ctffind
	FitQuality float64 `yaml:"fitQuality,omitempty"`
	Resolution float64 `yaml:"resolution,omitempty"`

	Enabled *bool `yaml:"enabled,omitempty"`
}

// IsEnabled reports whether the estimation is usable
func (c CTFTomo) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// MeanDefocus returns the average of both defocus axes in Å
func (c CTFTomo) MeanDefocus() float64 {
	return (c.DefocusU + c.DefocusV) / 2
}

// IMOD defocus file flags. The flag is a bit set: 1 astigmatism,
// 4 phase shift, 32 cut-on frequency.
const (
	DefocusFlagPlain      = 0
	DefocusFlagAstig      = 1
	DefocusFlagPhase      = 4
	DefocusFlagAstigPhase = 5
	DefocusFlagFull       = 37
)

// CTFTomoSeries holds the per-view CTF estimations of one tilt-series
type CTFTomoSeries struct {
	TsID string `yaml:"tsId"`

	// DefocusFileFlag describes which values the estimation carries,
	// following the IMOD ctfplotter convention
	DefocusFileFlag int `yaml:"defocusFileFlag"`

	Estimations []CTFTomo `yaml:"estimations"`
}

// HasAstigmatism reports whether the estimation carries astigmatism values
func (c *CTFTomoSeries) HasAstigmatism() bool {
	return c.DefocusFileFlag&DefocusFlagAstig != 0
}

// Estimation returns the estimation for the given acquisition order
func (c *CTFTomoSeries) Estimation(acqOrder int) (CTFTomo, bool) {
	for _, e := range c.Estimations {
		if e.AcqOrder == acqOrder {
			return e, true
		}
	}
	return CTFTomo{}, false
}

// CommonAcqOrders returns the acquisition orders enabled in both the
// tilt-series and its CTF estimation, in stack order
func CommonAcqOrders(ts *TiltSeries, ctf *CTFTomoSeries) []int {
	ctfOrders := make(map[int]bool, len(ctf.Estimations))
	for _, e := range ctf.Estimations {
		if e.IsEnabled() {
			ctfOrders[e.AcqOrder] = true
		}
	}

	var common []int
	for _, ti := range ts.sortedImages() {
		if ti.IsEnabled() && ctfOrders[ti.AcqOrder] {
			common = append(common, ti.AcqOrder)
		}
	}
	return common
}

// SwapsDimensions reports whether a tilt axis angle rotates the aligned
// views enough that their x and y sizes must be exchanged
func SwapsDimensions(tiltAxisAngle float64) bool {
	a := math.Abs(tiltAxisAngle)
	return a > 45 && a < 135
}
