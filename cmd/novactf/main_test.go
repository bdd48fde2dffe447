package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"novactf/pkg/config"
)

// execute runs the root command with fresh global flags
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath, verbose, workDir = "", false, "novactf-run"
	defocusFormat, flipYZ = "", false

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

const testManifest = `
samplingRate: 1.35
acquisition: {voltage: 300, sphericalAberration: 2.7, amplitudeContrast: 0.1, tiltAxisAngle: 84}
tiltSeries:
  - tsId: TS_01
    stack: TS_01.mrc
    images:
      - {acqOrder: 1, index: 1, tiltAngle: 0}
      - {acqOrder: 2, index: 2, tiltAngle: 3}
ctfSeries:
  - tsId: TS_01
    defocusFileFlag: 0
    estimations:
      - {acqOrder: 1, defocusU: 25000, defocusV: 25000}
      - {acqOrder: 2, defocusU: 25500, defocusV: 25500}
  - tsId: TS_02
    estimations: []
`

func TestCite(t *testing.T) {
	out, err := execute(t, "cite")
	require.NoError(t, err)
	assert.Contains(t, out, "@article{Turonova2017")
	assert.Contains(t, out, "10.1016/j.jsb.2017.07.007")
}

func TestInitConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "novactf.yaml")

	out, err := execute(t, "init-config", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig().Tomogram.Thickness, cfg.Tomogram.Thickness)

	_, err = execute(t, "init-config", path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "input.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testManifest), 0644))

	out, err := execute(t, "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "WARNING:")
	assert.Contains(t, out, "Matching tilt-series: 1")
	assert.Contains(t, out, "Non-matching tsIds: TS_02")
	assert.Contains(t, out, "TS_01: 2 views (0 excluded)")
}

func TestValidateAstigmatism(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "input.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testManifest), 0644))

	cfgPath := filepath.Join(dir, "novactf.yaml")
	cfg := config.DefaultConfig()
	cfg.CTF.CorrectAstigmatism = true
	require.NoError(t, config.SaveConfig(cfg, cfgPath))

	_, err := execute(t, "--config", cfgPath, "validate", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "astigmatism")
}

func TestSummaryNotARun(t *testing.T) {
	_, err := execute(t, "summary", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a run directory")
}

func TestDoctorMissingPrograms(t *testing.T) {
	t.Setenv(config.EnvNovaCTFBin, filepath.Join(t.TempDir(), "novaCTF"))
	t.Setenv(config.EnvIMODDir, t.TempDir())

	out, err := execute(t, "doctor")
	require.Error(t, err)
	assert.Contains(t, out, "novaCTF")
	assert.Contains(t, out, "missing")
	assert.Contains(t, err.Error(), "5 programs not found")
}
