package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 15, cfg.CTF.DefocusStep)
	assert.Equal(t, CorrectionPhaseFlip, cfg.CTF.CorrectionType)
	assert.True(t, cfg.CTF.CorrectAstigmatism)
	assert.Equal(t, 400, cfg.Tomogram.Thickness)
	assert.Equal(t, 0, cfg.Tomogram.Shift)
	assert.Equal(t, 0.3, cfg.Radial.LinearRegion)
	assert.Equal(t, 0.05, cfg.Radial.GaussianFalloff)
	assert.Equal(t, 4, cfg.Execution.Threads)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().CTF, cfg.CTF)
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "novactf.yaml")
	yaml := `
ctf:
  defocusStep: 10
  correctionType: multiplication
tomogram:
  thickness: 300
  shift: 20
execution:
  commandTimeout: 90s
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.CTF.DefocusStep)
	assert.Equal(t, CorrectionMultiplication, cfg.CTF.CorrectionType)
	// untouched keys keep their defaults
	assert.True(t, cfg.CTF.CorrectAstigmatism)
	assert.Equal(t, 300, cfg.Tomogram.Thickness)
	assert.Equal(t, 20, cfg.Tomogram.Shift)
	assert.Equal(t, 90*time.Second, cfg.Execution.CommandTimeout)
}

func TestLoadConfigRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ctf: [1, 2"), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Run("binaries", func(t *testing.T) {
		t.Setenv(EnvNovaCTFBin, "/opt/novactf/novaCTF")
		t.Setenv(EnvIMODDir, "/opt/imod")

		cfg, err := LoadConfig("")
		require.NoError(t, err)
		assert.Equal(t, "/opt/novactf/novaCTF", cfg.Binaries.NovaCTF)
		assert.Equal(t, "/opt/imod", cfg.Binaries.IMODDir)
	})

	t.Run("keep intermediate", func(t *testing.T) {
		t.Setenv(EnvNoClean, "1")

		cfg, err := LoadConfig("")
		require.NoError(t, err)
		assert.True(t, cfg.Execution.KeepIntermediate)
	})

	t.Run("invalid threads", func(t *testing.T) {
		t.Setenv(EnvThreads, "many")

		_, err := LoadConfig("")
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"defocus step":   func(c *Config) { c.CTF.DefocusStep = 0 },
		"correction":     func(c *Config) { c.CTF.CorrectionType = "wiener" },
		"format":         func(c *Config) { c.CTF.DefocusFileFormat = "gctf" },
		"thickness":      func(c *Config) { c.Tomogram.Thickness = -1 },
		"linear region":  func(c *Config) { c.Radial.LinearRegion = 0.7 },
		"gaussian":       func(c *Config) { c.Radial.GaussianFalloff = -0.1 },
		"threads":        func(c *Config) { c.Execution.Threads = 0 },
		"novactf binary": func(c *Config) { c.Binaries.NovaCTF = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSaveAndReload(t *testing.T) {
	for _, env := range []string{EnvNovaCTFBin, EnvIMODDir, EnvNoClean, EnvThreads} {
		t.Setenv(env, "")
	}
	path := filepath.Join(t.TempDir(), "nested", "novactf.yaml")
	require.NoError(t, CreateDefaultConfigFile(path))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}
