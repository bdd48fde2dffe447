package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func disabled() *bool {
	b := false
	return &b
}

func testSeries() *TiltSeries {
	return &TiltSeries{
		TsID: "TS_01",
		Images: []TiltImage{
			{AcqOrder: 3, Index: 3, TiltAngle: 3},
			{AcqOrder: 1, Index: 1, TiltAngle: -3, Enabled: disabled()},
			{AcqOrder: 2, Index: 2, TiltAngle: 0, Transform: &Transform{{1, 0, 2}, {0, 1, -2}}},
			{AcqOrder: 4, Index: 4, TiltAngle: 6},
		},
	}
}

func TestCommonAcqOrders(t *testing.T) {
	ts := testSeries()
	ctf := &CTFTomoSeries{
		TsID: "TS_01",
		Estimations: []CTFTomo{
			{AcqOrder: 1},
			{AcqOrder: 2},
			{AcqOrder: 4},
			{AcqOrder: 3, Enabled: disabled()},
		},
	}

	// 1 excluded in the tilt-series, 3 excluded in the CTF
	assert.Equal(t, []int{2, 4}, CommonAcqOrders(ts, ctf))
}

func TestCommonAcqOrdersNone(t *testing.T) {
	ts := testSeries()
	ctf := &CTFTomoSeries{TsID: "TS_01", Estimations: []CTFTomo{{AcqOrder: 42}}}
	assert.Empty(t, CommonAcqOrders(ts, ctf))
}

func TestHasAlignmentUsesFirstEnabledView(t *testing.T) {
	ts := testSeries()
	assert.True(t, ts.HasAlignment())

	ts.Images[2].Transform = nil
	assert.False(t, ts.HasAlignment())
}

func TestPresentKeepsStackOrder(t *testing.T) {
	ts := testSeries()
	present := ts.Present([]int{4, 2, 3})
	if assert.Len(t, present, 3) {
		assert.Equal(t, 2, present[0].Index)
		assert.Equal(t, 3, present[1].Index)
		assert.Equal(t, 4, present[2].Index)
	}
	assert.Equal(t, 3, ts.EnabledCount())
}

func TestSwapsDimensions(t *testing.T) {
	cases := map[float64]bool{
		0:      false,
		45:     false,
		45.1:   true,
		85.3:   true,
		-95:    true,
		134.9:  true,
		135:    false,
		-175.2: false,
	}
	for angle, want := range cases {
		assert.Equal(t, want, SwapsDimensions(angle), "angle %v", angle)
	}
}

func TestHasAstigmatism(t *testing.T) {
	for flag, want := range map[int]bool{0: false, 1: true, 4: false, 5: true, 37: true} {
		c := &CTFTomoSeries{DefocusFileFlag: flag}
		assert.Equal(t, want, c.HasAstigmatism(), "flag %d", flag)
	}
}

func TestTomogramDefaultOrigin(t *testing.T) {
	tomo := Tomogram{SamplingRate: 2, Dims: Dims{X: 100, Y: 50, Z: 20}}
	tomo.SetDefaultOrigin()
	assert.Equal(t, -100.0, tomo.Origin.X)
	assert.Equal(t, -50.0, tomo.Origin.Y)
	assert.Equal(t, -20.0, tomo.Origin.Z)
	assert.Equal(t, "100,50", tomo.Dims.String())
	assert.Equal(t, "50,100", tomo.Dims.Swapped().String())
}
