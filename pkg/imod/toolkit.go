// Package imod wraps the IMOD command-line programs used around novaCTF and
// writes the IMOD text formats (tilt angles, transforms, defocus tables)
// those programs and novaCTF read.
package imod

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"novactf/internal/executor"
	"novactf/internal/models"
)

// Toolkit runs IMOD programs
type Toolkit struct {
	// Dir is the IMOD installation root, empty means resolve through PATH
	Dir string

	// Timeout bounds every invocation, zero means no limit
	Timeout time.Duration

	exec   executor.Executor
	logger *zap.Logger
}

// NewToolkit creates a toolkit rooted at dir
func NewToolkit(dir string, e executor.Executor, logger *zap.Logger) *Toolkit {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Toolkit{Dir: dir, exec: e, logger: logger.Named("imod")}
}

// ToolPath returns the path used to invoke an IMOD program
func (t *Toolkit) ToolPath(program string) string {
	if t.Dir == "" {
		return program
	}
	return filepath.Join(t.Dir, "bin", program)
}

func (t *Toolkit) run(ctx context.Context, program string, args ...string) error {
	cmd := executor.Command{
		Binary:    t.ToolPath(program),
		Arguments: args,
		Timeout:   t.Timeout,
	}
	if t.Dir != "" {
		cmd.Environment = []string{"IMOD_DIR=" + t.Dir}
	}
	if _, err := executor.Run(ctx, t.exec, cmd); err != nil {
		return fmt.Errorf("%s: %w", program, err)
	}
	return nil
}

// NewstackParams configures an alignment pass with newstack
type NewstackParams struct {
	Input  string
	Output string
	Xform  string

	// Size overrides the output size, used when the tilt axis rotation
	// exchanges x and y
	Size *models.Dims
}

// NewstackArgs builds the newstack arguments applying an alignment
func NewstackArgs(p NewstackParams) []string {
	args := []string{
		"-input", p.Input,
		"-output", p.Output,
		"-xform", p.Xform,
		"-AdjustOrigin",
		"-NearestNeighbor",
		"-taper", "1,1",
	}
	if p.Size != nil {
		args = append(args, "-size", p.Size.String())
	}
	return args
}

// Newstack applies the alignment transforms to a stack
func (t *Toolkit) Newstack(ctx context.Context, p NewstackParams) error {
	return t.run(ctx, "newstack", NewstackArgs(p)...)
}

// Restack copies the given sections (0-based) of input into output
func (t *Toolkit) Restack(ctx context.Context, input, output string, sections []int) error {
	secs := make([]string, len(sections))
	for i, s := range sections {
		secs[i] = strconv.Itoa(s)
	}
	return t.run(ctx, "newstack", "-input", input, "-output", output, "-secs", strings.Join(secs, ","))
}

// ClipFlipYZ exchanges the Y and Z axes of a stack
func (t *Toolkit) ClipFlipYZ(ctx context.Context, input, output string) error {
	return t.run(ctx, "clip", "flipyz", input, output)
}

// Rotation selects how trimvol reorients the reconstruction
type Rotation int

const (
	// RotateX rotates the volume by -90 degrees around X
	RotateX Rotation = iota
	// FlipYZ exchanges the Y and Z axes
	FlipYZ
)

// TrimvolArgs builds the trimvol arguments
func TrimvolArgs(input, output string, r Rotation) []string {
	if r == FlipYZ {
		return []string{input, output, "-yz"}
	}
	return []string{"-rx", input, output}
}

// Trimvol reorients a reconstructed volume so Z is the beam direction
func (t *Toolkit) Trimvol(ctx context.Context, input, output string, r Rotation) error {
	return t.run(ctx, "trimvol", TrimvolArgs(input, output, r)...)
}

// AlterHeaderSampling stamps the sampling rate (Å/px) on every axis of a file
func (t *Toolkit) AlterHeaderSampling(ctx context.Context, file string, samplingRate float64) error {
	sr := strconv.FormatFloat(samplingRate, 'f', -1, 64)
	return t.run(ctx, "alterheader", "-del", sr+","+sr+","+sr, file)
}
