package reconstruction

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"novactf/internal/models"
	"novactf/pkg/config"
	"novactf/pkg/imod"
	"novactf/pkg/mrc"
	"novactf/pkg/novactf"
)

// Errors returned while processing one tilt-series
var (
	ErrNoCommonViews = errors.New("no common views")
	ErrMissingOutput = errors.New("output file was not generated")
)

// series carries the state of one tilt-series through the steps. Steps of the
// same series never run concurrently except the per-stack steps, which only
// read the fields set before them.
type series struct {
	ts     *models.TiltSeries
	ctf    *models.CTFTomoSeries
	paths  seriesPaths
	params *Params
	tools  Tools
	logger *zap.Logger

	present []models.TiltImage
	dims    models.Dims
	stacks  int
}

func (s *series) acquisition() models.Acquisition {
	if s.ts.Acquisition == nil {
		return models.Acquisition{}
	}
	return *s.ts.Acquisition
}

// swapsDimensions reports whether the tilt axis exchanges x and y of the
// reconstructed area
func (s *series) swapsDimensions() bool {
	return models.SwapsDimensions(s.acquisition().TiltAxisAngle)
}

// convert writes the stack of the views present in both sets together with
// the tilt angles and, when aligned, the transforms
func (s *series) convert(ctx context.Context) error {
	orders := models.CommonAcqOrders(s.ts, s.ctf)
	if len(orders) == 0 {
		return fmt.Errorf("%w between the tilt-series and its CTF estimation", ErrNoCommonViews)
	}
	s.present = s.ts.Present(orders)

	for _, dir := range []string{s.paths.tmp, s.paths.extra} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	if err := s.restack(ctx); err != nil {
		return err
	}
	if err := s.readDims(); err != nil {
		return err
	}

	if s.ts.HasAlignment() {
		if err := imod.WriteXf(s.paths.xf(), s.present); err != nil {
			return err
		}
	}
	return imod.WriteTlt(s.paths.tlt(), s.present)
}

// restack links the input stack when every view is kept, otherwise it
// extracts the kept sections
func (s *series) restack(ctx context.Context) error {
	dst := s.paths.stack()
	if len(s.present) == len(s.ts.Images) && contiguous(s.present) {
		src, err := filepath.Abs(s.ts.StackFile)
		if err != nil {
			return err
		}
		if err := os.Remove(dst); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to replace stack: %w", err)
		}
		if err := os.Symlink(src, dst); err != nil {
			return fmt.Errorf("failed to link stack: %w", err)
		}
		return nil
	}

	sections := make([]int, len(s.present))
	for i, ti := range s.present {
		sections[i] = ti.Index - 1
	}
	return s.tools.IMOD.Restack(ctx, s.ts.StackFile, dst, sections)
}

// contiguous reports whether the views are stack sections 1..n in order
func contiguous(images []models.TiltImage) bool {
	for i, ti := range images {
		if ti.Index != i+1 {
			return false
		}
	}
	return true
}

func (s *series) readDims() error {
	x, y, z, err := mrc.Dimensions(s.paths.stack())
	if err != nil {
		return fmt.Errorf("failed to read stack dimensions: %w", err)
	}
	s.dims = models.Dims{X: x, Y: y, Z: z}
	return nil
}

// writeDefocusFile writes the defocus of the present views in the given format
func (s *series) writeDefocusFile(format string) error {
	entries, err := imod.DefocusEntries(s.present, s.ctf)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.paths.defocusDir, 0755); err != nil {
		return err
	}
	if format == config.FormatCtffind4 {
		return imod.WriteCtffind4Defocus(s.paths.defocus(), entries)
	}
	return imod.WriteDefocus(s.paths.defocus(), s.ctf.DefocusFileFlag, entries)
}

// computeDefocus slices the defocus gradient into numbered defocus files and
// counts them
func (s *series) computeDefocus(ctx context.Context, format string) error {
	p := novactf.DefocusParams{
		InputProjections:   s.paths.stack(),
		TiltFile:           s.paths.tlt(),
		DefocusFile:        s.paths.defocus(),
		DefocusFileFormat:  format,
		FullImage:          s.dims,
		Thickness:          s.params.Thickness,
		CorrectionType:     s.params.CorrectionType,
		CorrectAstigmatism: s.params.CorrectAstigmatism,
		PixelSizeNm:        novactf.PixelSizeNm(s.ts.SamplingRate),
		DefocusStep:        s.params.DefocusStep,
	}
	if novactf.ShiftApplies(s.params.Shift) {
		if err := novactf.WriteDefocusShift(s.paths.defocusShift(), s.params.Thickness, s.params.Shift); err != nil {
			return err
		}
		p.DefocusShiftFile = s.paths.defocusShift()
	}
	if err := s.tools.NovaCTF.Run(ctx, novactf.DefocusArgs(p)); err != nil {
		return err
	}

	n, err := novactf.CountStacks(s.paths.defocus())
	if err != nil {
		return err
	}
	s.stacks = n
	s.logger.Debug("Defocus files generated", zap.String("tsId", s.ts.TsID), zap.Int("stacks", n))
	return nil
}

// correct applies the CTF correction of the i-th defocus slab
func (s *series) correct(ctx context.Context, i int, format string) error {
	return s.tools.NovaCTF.Run(ctx, novactf.CTFCorrectionArgs(novactf.CTFCorrectionParams{
		InputProjections:   s.paths.stack(),
		OutputFile:         s.paths.stackAt(i),
		DefocusFile:        s.paths.defocusAt(i),
		TiltFile:           s.paths.tlt(),
		DefocusFileFormat:  format,
		CorrectionType:     s.params.CorrectionType,
		CorrectAstigmatism: s.params.CorrectAstigmatism,
		PixelSizeNm:        novactf.PixelSizeNm(s.ts.SamplingRate),
		Acquisition:        s.acquisition(),
	}))
}

// flip aligns the i-th corrected stack when transforms exist, then
// exchanges its Y and Z axes
func (s *series) flip(ctx context.Context, i int) error {
	input := s.paths.stackAt(i)
	if s.ts.HasAlignment() {
		p := imod.NewstackParams{
			Input:  input,
			Output: s.paths.aliAt(i),
			Xform:  s.paths.xf(),
		}
		if s.swapsDimensions() {
			size := s.dims.Swapped()
			p.Size = &size
		}
		if err := s.tools.IMOD.Newstack(ctx, p); err != nil {
			return err
		}
		input = p.Output
	}
	return s.tools.IMOD.ClipFlipYZ(ctx, input, s.paths.flipAt(i))
}

// filter applies the radial filter to the i-th flipped stack
func (s *series) filter(ctx context.Context, i int) error {
	return s.tools.NovaCTF.Run(ctx, novactf.FilterArgs(novactf.FilterParams{
		InputProjections: s.paths.flipAt(i),
		OutputFile:       s.paths.filterAt(i),
		TiltFile:         s.paths.tlt(),
		LinearRegion:     s.params.RadialLinear,
		GaussianFalloff:  s.params.RadialGaussian,
	}))
}

// processStack runs correction, alignment, flip and filtering of one stack
func (s *series) processStack(ctx context.Context, i int) error {
	if err := s.correct(ctx, i, config.FormatIMOD); err != nil {
		return err
	}
	if err := s.flip(ctx, i); err != nil {
		return err
	}
	return s.filter(ctx, i)
}

// reconstruct back-projects the filtered stacks, rotates the volume so Z is
// the beam axis and stamps the sampling rate
func (s *series) reconstruct(ctx context.Context, rotation imod.Rotation) error {
	full := s.dims
	if s.swapsDimensions() {
		full = full.Swapped()
	}
	err := s.tools.NovaCTF.Run(ctx, novactf.Reconstruct3DArgs(novactf.Reconstruct3DParams{
		InputProjections: s.paths.filter(),
		OutputFile:       s.paths.recTmp(),
		TiltFile:         s.paths.tlt(),
		FullImage:        full,
		Thickness:        s.params.Thickness,
		Shift:            s.params.Shift,
		PixelSizeNm:      novactf.PixelSizeNm(s.ts.SamplingRate),
		NumberOfStacks:   s.stacks,
	}))
	if err != nil {
		return err
	}

	final := s.paths.final()
	if err := s.tools.IMOD.Trimvol(ctx, s.paths.recTmp(), final, rotation); err != nil {
		return err
	}
	if err := s.tools.IMOD.AlterHeaderSampling(ctx, final, s.ts.SamplingRate); err != nil {
		return err
	}
	s.cleanup()
	return nil
}

// cleanup removes the intermediate files once the tomogram exists
func (s *series) cleanup() {
	if s.params.KeepIntermediate {
		return
	}
	if _, err := os.Stat(s.paths.final()); err != nil {
		return
	}
	if err := os.RemoveAll(s.paths.tmp); err != nil {
		s.logger.Warn("Failed to remove intermediate files", zap.String("dir", s.paths.tmp), zap.Error(err))
	}
}

// tomogram describes the reconstructed volume of the series
func (s *series) tomogram() (models.Tomogram, error) {
	final := s.paths.final()
	x, y, z, err := mrc.Dimensions(final)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return models.Tomogram{}, fmt.Errorf("%w: %s", ErrMissingOutput, final)
		}
		return models.Tomogram{}, err
	}
	tomo := models.Tomogram{
		TsID:         s.ts.TsID,
		FileName:     final,
		SamplingRate: s.ts.SamplingRate,
		Dims:         models.Dims{X: x, Y: y, Z: z},
		Acquisition:  s.acquisition(),
	}
	tomo.SetDefaultOrigin()
	return tomo, nil
}
