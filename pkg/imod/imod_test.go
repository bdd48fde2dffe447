package imod

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"novactf/internal/executor"
	"novactf/internal/models"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

var views = []models.TiltImage{
	{AcqOrder: 2, Index: 1, TiltAngle: -3},
	{AcqOrder: 1, Index: 2, TiltAngle: 0, Transform: &models.Transform{{0.99, -0.01, 12.5}, {0.01, 0.99, -3.25}}},
	{AcqOrder: 3, Index: 3, TiltAngle: 3},
}

func testCTF(flag int) *models.CTFTomoSeries {
	return &models.CTFTomoSeries{
		TsID:            "TS_01",
		DefocusFileFlag: flag,
		Estimations: []models.CTFTomo{
			{AcqOrder: 1, DefocusU: 30000, DefocusV: 29000, DefocusAngle: 45, PhaseShift: 10},
			{AcqOrder: 2, DefocusU: 31000, DefocusV: 30000, DefocusAngle: 40},
			{AcqOrder: 3, DefocusU: 32000, DefocusV: 31000, DefocusAngle: 35, CutOnFreq: 0.0125},
		},
	}
}

func TestWriteTlt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "TS_01.tlt")
	require.NoError(t, WriteTlt(path, views))
	assert.Equal(t, []string{"-3.00", "0.00", "3.00"}, readLines(t, path))
}

func TestWriteXf(t *testing.T) {
	path := filepath.Join(t.TempDir(), "TS_01.xf")
	require.NoError(t, WriteXf(path, views))

	lines := readLines(t, path)
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"1.0000000", "0.0000000", "0.0000000", "1.0000000", "0.000", "0.000"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"0.9900000", "-0.0100000", "0.0100000", "0.9900000", "12.500", "-3.250"}, strings.Fields(lines[1]))
}

func TestDefocusEntries(t *testing.T) {
	entries, err := DefocusEntries(views, testCTF(0))
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, 31000.0, entries[0].CTF.DefocusU)
	assert.Equal(t, -3.0, entries[0].TiltAngle)

	_, err = DefocusEntries([]models.TiltImage{{AcqOrder: 9}}, testCTF(0))
	assert.Error(t, err)
}

func TestWriteDefocusFlags(t *testing.T) {
	entries, err := DefocusEntries(views, testCTF(0))
	require.NoError(t, err)
	dir := t.TempDir()

	cases := []struct {
		flag  int
		first []string
		view1 []string
	}{
		{0, nil, []string{"1", "1", "-3.00", "-3.00", "3100.0", "2"}},
		{1, []string{"1", "0", "0.0", "0.0", "0.0", "3"}, []string{"1", "1", "-3.00", "-3.00", "3100.0", "3000.0", "40.00"}},
		{4, []string{"4", "0", "0.0", "0.0", "0.0", "3"}, []string{"1", "1", "-3.00", "-3.00", "3100.0", "0.00"}},
		{5, []string{"5", "0", "0.0", "0.0", "0.0", "3"}, []string{"1", "1", "-3.00", "-3.00", "3100.0", "3000.0", "40.00", "0.00"}},
		{37, []string{"37", "0", "0.0", "0.0", "0.0", "3"}, []string{"1", "1", "-3.00", "-3.00", "3100.0", "3000.0", "40.00", "0.00", "0.0000"}},
	}
	for _, tc := range cases {
		path := filepath.Join(dir, "TS_01.defocus")
		require.NoError(t, WriteDefocus(path, tc.flag, entries))
		lines := readLines(t, path)

		if tc.first == nil {
			require.Len(t, lines, 3, "flag %d", tc.flag)
			assert.Equal(t, tc.view1, strings.Fields(lines[0]), "flag %d", tc.flag)
			// only the first line carries the version
			assert.Len(t, strings.Fields(lines[1]), 5)
			continue
		}
		require.Len(t, lines, 4, "flag %d", tc.flag)
		assert.Equal(t, tc.first, strings.Fields(lines[0]), "flag %d", tc.flag)
		assert.Equal(t, tc.view1, strings.Fields(lines[1]), "flag %d", tc.flag)
	}

	assert.Error(t, WriteDefocus(filepath.Join(dir, "bad.defocus"), 2, entries))
}

func TestWriteCtffind4Defocus(t *testing.T) {
	entries, err := DefocusEntries(views, testCTF(5))
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "TS_01.defocus")
	require.NoError(t, WriteCtffind4Defocus(path, entries))

	lines := readLines(t, path)
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "# Columns"))
	fields := strings.Fields(lines[2])
	assert.Equal(t, "2.000000", fields[0])
	assert.Equal(t, "30000.000000", fields[1])
	assert.Equal(t, "-135.000000", fields[3])
	assert.Equal(t, "0.174533", fields[4])
}

func TestToolkitCommands(t *testing.T) {
	rec := executor.NewRecorder()
	tk := NewToolkit("/opt/imod", rec, nil)
	ctx := context.Background()

	size := models.Dims{X: 928, Y: 960}
	require.NoError(t, tk.Newstack(ctx, NewstackParams{Input: "a.mrc_0", Output: "a_ali.mrc_0", Xform: "a.xf", Size: &size}))
	require.NoError(t, tk.Restack(ctx, "in.mrc", "out.mrc", []int{0, 2, 3}))
	require.NoError(t, tk.ClipFlipYZ(ctx, "a_ali.mrc_0", "a_flip.mrc_0"))
	require.NoError(t, tk.Trimvol(ctx, "rec.mrc", "final.mrc", RotateX))
	require.NoError(t, tk.AlterHeaderSampling(ctx, "final.mrc", 5.4))

	cmds := rec.Commands()
	require.Len(t, cmds, 5)
	assert.Equal(t, "/opt/imod/bin/newstack -input a.mrc_0 -output a_ali.mrc_0 -xform a.xf -AdjustOrigin -NearestNeighbor -taper 1,1 -size 928,960", cmds[0].CommandString())
	assert.Equal(t, []string{"IMOD_DIR=/opt/imod"}, cmds[0].Environment)
	assert.Equal(t, "/opt/imod/bin/newstack -input in.mrc -output out.mrc -secs 0,2,3", cmds[1].CommandString())
	assert.Equal(t, "/opt/imod/bin/clip flipyz a_ali.mrc_0 a_flip.mrc_0", cmds[2].CommandString())
	assert.Equal(t, "/opt/imod/bin/trimvol -rx rec.mrc final.mrc", cmds[3].CommandString())
	assert.Equal(t, "/opt/imod/bin/alterheader -del 5.4,5.4,5.4 final.mrc", cmds[4].CommandString())
}

func TestToolPathWithoutIMODDir(t *testing.T) {
	tk := NewToolkit("", executor.NewRecorder(), nil)
	assert.Equal(t, "clip", tk.ToolPath("clip"))
	assert.Equal(t, []string{"in", "out", "-yz"}, TrimvolArgs("in", "out", FlipYZ))
	assert.NotContains(t, NewstackArgs(NewstackParams{Input: "a", Output: "b", Xform: "c"}), "-size")
}
