package models

import "fmt"

// Dims is the size of an image stack or volume in pixels
type Dims struct {
	X, Y, Z int
}

// String formats the x and y sizes the way novaCTF and newstack expect them
func (d Dims) String() string {
	return fmt.Sprintf("%d,%d", d.X, d.Y)
}

// Swapped returns the dims with x and y exchanged
func (d Dims) Swapped() Dims {
	return Dims{X: d.Y, Y: d.X, Z: d.Z}
}

// Tomogram represents a reconstructed volume registered as a run output
type Tomogram struct {
	TsID         string
	FileName     string
	SamplingRate float64
	Dims         Dims

	// Origin is the position of voxel (0,0,0) in Å
	Origin struct {
		X, Y, Z float64
	}

	Acquisition Acquisition
}

// SetDefaultOrigin places the origin so the volume is centred at zero
func (t *Tomogram) SetDefaultOrigin() {
	t.Origin.X = -float64(t.Dims.X) / 2 * t.SamplingRate
	t.Origin.Y = -float64(t.Dims.Y) / 2 * t.SamplingRate
	t.Origin.Z = -float64(t.Dims.Z) / 2 * t.SamplingRate
}
