package novactf

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"novactf/internal/executor"
)

// Runner executes novaCTF
type Runner struct {
	// Binary is the novaCTF executable name or path
	Binary string

	// Timeout bounds every invocation, zero means no limit
	Timeout time.Duration

	exec   executor.Executor
	logger *zap.Logger
}

// NewRunner creates a runner that executes binary through e
func NewRunner(binary string, e executor.Executor, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{Binary: binary, exec: e, logger: logger.Named("novactf")}
}

// Run executes novaCTF with the given arguments
func (r *Runner) Run(ctx context.Context, args *Args) error {
	alg, _ := args.Get("-Algorithm")
	r.logger.Debug("invoking", zap.String("algorithm", alg))

	_, err := executor.Run(ctx, r.exec, executor.Command{
		Binary:    r.Binary,
		Arguments: args.Strings(),
		Timeout:   r.Timeout,
	})
	if err != nil {
		return fmt.Errorf("novaCTF %s: %w", alg, err)
	}
	return nil
}

// Indexed returns the name novaCTF uses for the i-th numbered file derived
// from path, e.g. TS_01.defocus_3
func Indexed(path string, i int) string {
	return path + "_" + strconv.Itoa(i)
}

// ErrNoStacks is returned when the defocus algorithm produced no defocus files
var ErrNoStacks = errors.New("no intermediate defocus files found")

// CountStacks returns how many numbered defocus files the defocus algorithm
// wrote next to defocusFile. Indices must run from 0 without gaps.
func CountStacks(defocusFile string) (int, error) {
	matches, err := filepath.Glob(defocusFile + "_*")
	if err != nil {
		return 0, err
	}

	prefix := defocusFile + "_"
	var indices []int
	for _, m := range matches {
		i, err := strconv.Atoi(strings.TrimPrefix(m, prefix))
		if err != nil || i < 0 {
			continue
		}
		indices = append(indices, i)
	}
	if len(indices) == 0 {
		return 0, fmt.Errorf("%s: %w", defocusFile, ErrNoStacks)
	}

	sort.Ints(indices)
	for want, got := range indices {
		if got != want {
			return 0, fmt.Errorf("%s: missing intermediate defocus file %d", defocusFile, want)
		}
	}
	return len(indices), nil
}

// ShiftApplies reports whether a tomogram shift is large enough to require
// a defocus shift file
func ShiftApplies(shift int) bool {
	return float64(shift) > 0.01
}

// DefocusShift returns the Z position, in voxels, where the defocus was
// estimated: the centre of the shifted tomogram
func DefocusShift(thickness, shift int) float64 {
	return float64(thickness)/2 + float64(shift)
}

// WriteDefocusShift writes the defocus shift file read by the defocus algorithm
func WriteDefocusShift(path string, thickness, shift int) error {
	content := strconv.FormatFloat(DefocusShift(thickness, shift), 'f', 1, 64)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write defocus shift file: %w", err)
	}
	return nil
}
