package reconstruction

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"novactf/internal/executor"
	"novactf/pkg/imod"
	"novactf/pkg/manifest"
	"novactf/pkg/mrc"
	"novactf/pkg/novactf"
)

// inputManifest has two matching series: TS_01 keeps every view and is not
// aligned, TS_02 is aligned around an 85 degree axis and has one view
// excluded. TS_99 only has a CTF estimation.
const inputManifest = `
samplingRate: 2.7
acquisition:
  voltage: 300
  sphericalAberration: 2.7
  amplitudeContrast: 0.1
  tiltAxisAngle: 85
tiltSeries:
  - tsId: TS_01
    stack: TS_01.mrc
    acquisition:
      voltage: 300
      sphericalAberration: 2.7
      amplitudeContrast: 0.07
      tiltAxisAngle: -3
    images:
      - {acqOrder: 2, index: 1, tiltAngle: -30}
      - {acqOrder: 1, index: 2, tiltAngle: 0}
      - {acqOrder: 3, index: 3, tiltAngle: 30}
  - tsId: TS_02
    stack: TS_02.mrc
    images:
      - {acqOrder: 2, index: 1, tiltAngle: -30, transform: [[1, 0, 2.5], [0, 1, -1]]}
      - {acqOrder: 1, index: 2, tiltAngle: 0, enabled: false, transform: [[1, 0, 0], [0, 1, 0]]}
      - {acqOrder: 3, index: 3, tiltAngle: 30, transform: [[0.99, 0.01, 0], [-0.01, 0.99, 3]]}
ctfSeries:
  - tsId: TS_01
    defocusFileFlag: 1
    estimations:
      - {acqOrder: 1, defocusU: 30000, defocusV: 29000, defocusAngle: 45}
      - {acqOrder: 2, defocusU: 31000, defocusV: 30000, defocusAngle: 44}
      - {acqOrder: 3, defocusU: 29000, defocusV: 28000, defocusAngle: 46}
  - tsId: TS_02
    defocusFileFlag: 0
    estimations:
      - {acqOrder: 1, defocusU: 40000, defocusV: 40000}
      - {acqOrder: 2, defocusU: 41000, defocusV: 41000}
      - {acqOrder: 3, defocusU: 39000, defocusV: 39000}
  - tsId: TS_99
    estimations: []
`

// writeInput creates the stacks and the manifest in dir and loads it
func writeInput(t *testing.T, dir, doc string) (*manifest.Manifest, string) {
	t.Helper()
	require.NoError(t, mrc.Create(filepath.Join(dir, "TS_01.mrc"), mrc.Header{NX: 100, NY: 80, NZ: 3, Mode: 2}))
	require.NoError(t, mrc.Create(filepath.Join(dir, "TS_02.mrc"), mrc.Header{NX: 100, NY: 80, NZ: 3, Mode: 2}))
	path := filepath.Join(dir, "input.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))
	m, err := manifest.Load(path)
	require.NoError(t, err)
	return m, path
}

func testParams(workDir string) *Params {
	return &Params{
		WorkDir:            workDir,
		DefocusStep:        15,
		CorrectionType:     novactf.PhaseFlip,
		CorrectAstigmatism: false,
		DefocusFileFormat:  "imod",
		Thickness:          50,
		RadialLinear:       0.3,
		RadialGaussian:     0.05,
		Threads:            4,
	}
}

// toolchain simulates novaCTF and IMOD by writing the files they would
// produce, with MRC headers following the geometry of each command
type toolchain struct {
	rec    *executor.Recorder
	tools  Tools
	stacks int

	mu       sync.Mutex
	failures map[string]string // 3dctf output base name -> stderr
}

func newToolchain(t *testing.T, stacks int) *toolchain {
	t.Helper()
	logger := zaptest.NewLogger(t)
	tc := &toolchain{
		rec:      executor.NewRecorder(),
		stacks:   stacks,
		failures: make(map[string]string),
	}
	tc.tools = Tools{
		NovaCTF: novactf.NewRunner("novaCTF", tc.rec, logger),
		IMOD:    imod.NewToolkit("", tc.rec, logger),
	}
	tc.rec.Handle("novaCTF", tc.novaCTF)
	tc.rec.Handle("newstack", tc.newstack)
	tc.rec.Handle("clip", tc.clip)
	tc.rec.Handle("trimvol", tc.trimvol)
	return tc
}

// failReconstruction makes 3dctf exit with an error for tsID
func (tc *toolchain) failReconstruction(tsID string) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.failures[tsID+"_rec.mrc"] = "ERROR: out of memory"
}

func argValue(args []string, name string) string {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == name {
			return args[i+1]
		}
	}
	return ""
}

func hasArg(args []string, name string) bool {
	for _, a := range args {
		if a == name {
			return true
		}
	}
	return false
}

func copyHeader(in, out string, edit func(h *mrc.Header)) error {
	h, err := mrc.ReadHeader(in)
	if err != nil {
		return err
	}
	nh := mrc.Header{NX: h.NX, NY: h.NY, NZ: h.NZ, Mode: h.Mode}
	if edit != nil {
		edit(&nh)
	}
	return mrc.Create(out, nh)
}

func parseDims(s string) (int32, int32) {
	parts := strings.Split(s, ",")
	x, _ := strconv.Atoi(parts[0])
	y, _ := strconv.Atoi(parts[1])
	return int32(x), int32(y)
}

func (tc *toolchain) novaCTF(cmd executor.Command) (*executor.Result, error) {
	args := cmd.Arguments
	switch argValue(args, "-Algorithm") {
	case "defocus":
		base := argValue(args, "-DefocusFile")
		if _, err := os.Stat(base); err != nil {
			return &executor.Result{ExitCode: 1, Stderr: "cannot open defocus file"}, nil
		}
		for i := 0; i < tc.stacks; i++ {
			if err := os.WriteFile(novactf.Indexed(base, i), []byte("slab\n"), 0644); err != nil {
				return nil, err
			}
		}
	case "ctfCorrection", "filterProjections":
		if err := copyHeader(argValue(args, "-InputProjections"), argValue(args, "-OutputFile"), nil); err != nil {
			return &executor.Result{ExitCode: 1, Stderr: err.Error()}, nil
		}
	case "3dctf":
		out := argValue(args, "-OutputFile")
		tc.mu.Lock()
		stderr, fail := tc.failures[filepath.Base(out)]
		tc.mu.Unlock()
		if fail {
			return &executor.Result{ExitCode: 1, Stderr: stderr}, nil
		}
		n, _ := strconv.Atoi(argValue(args, "-NumberOfInputStacks"))
		base := argValue(args, "-InputProjections")
		for i := 0; i < n; i++ {
			if _, err := os.Stat(novactf.Indexed(base, i)); err != nil {
				return &executor.Result{ExitCode: 1, Stderr: err.Error()}, nil
			}
		}
		x, y := parseDims(argValue(args, "-FULLIMAGE"))
		thickness, _ := strconv.Atoi(argValue(args, "-THICKNESS"))
		// back-projection writes y as the slowest axis
		return nil, mrc.Create(out, mrc.Header{NX: x, NY: int32(thickness), NZ: y, Mode: 2})
	default:
		return &executor.Result{ExitCode: 1, Stderr: "unknown algorithm"}, nil
	}
	return nil, nil
}

func (tc *toolchain) newstack(cmd executor.Command) (*executor.Result, error) {
	args := cmd.Arguments
	err := copyHeader(argValue(args, "-input"), argValue(args, "-output"), func(h *mrc.Header) {
		if secs := argValue(args, "-secs"); secs != "" {
			h.NZ = int32(len(strings.Split(secs, ",")))
		}
		if size := argValue(args, "-size"); size != "" {
			h.NX, h.NY = parseDims(size)
		}
	})
	if err != nil {
		return &executor.Result{ExitCode: 1, Stderr: err.Error()}, nil
	}
	return nil, nil
}

func (tc *toolchain) clip(cmd executor.Command) (*executor.Result, error) {
	args := cmd.Arguments
	if len(args) != 3 || args[0] != "flipyz" {
		return &executor.Result{ExitCode: 1, Stderr: fmt.Sprintf("unexpected clip arguments %v", args)}, nil
	}
	if err := copyHeader(args[1], args[2], func(h *mrc.Header) { h.NY, h.NZ = h.NZ, h.NY }); err != nil {
		return &executor.Result{ExitCode: 1, Stderr: err.Error()}, nil
	}
	return nil, nil
}

func (tc *toolchain) trimvol(cmd executor.Command) (*executor.Result, error) {
	args := cmd.Arguments
	in, out := args[len(args)-2], args[len(args)-1]
	if hasArg(args, "-rx") {
		in, out = args[1], args[2]
	} else if hasArg(args, "-yz") {
		in, out = args[0], args[1]
	}
	if err := copyHeader(in, out, func(h *mrc.Header) { h.NY, h.NZ = h.NZ, h.NY }); err != nil {
		return &executor.Result{ExitCode: 1, Stderr: err.Error()}, nil
	}
	return nil, nil
}

func (tc *toolchain) algorithms(alg string) []executor.Command {
	var out []executor.Command
	for _, cmd := range tc.rec.CommandsFor("novaCTF") {
		if argValue(cmd.Arguments, "-Algorithm") == alg {
			out = append(out, cmd)
		}
	}
	return out
}
