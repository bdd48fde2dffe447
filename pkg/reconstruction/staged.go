package reconstruction

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"novactf/pkg/catalog"
	"novactf/pkg/config"
	"novactf/pkg/imod"
	"novactf/pkg/manifest"
	"novactf/pkg/novactf"
	"novactf/pkg/workflow"
)

// RecordFile is the run record written in the directory of a defocus run
const RecordFile = "run.yaml"

// Record describes a finished defocus run so a later reconstruction can use
// its defocus files with the same parameters
type Record struct {
	Manifest           string    `yaml:"manifest"`
	Created            time.Time `yaml:"created"`
	DefocusStep        int       `yaml:"defocusStep"`
	CorrectionType     string    `yaml:"correctionType"`
	CorrectAstigmatism bool      `yaml:"correctAstigmatism"`
	DefocusFileFormat  string    `yaml:"defocusFileFormat"`
	Thickness          int       `yaml:"thickness"`
	Shift              int       `yaml:"shift"`
}

// LoadRecord reads the record of the defocus run in dir
func LoadRecord(dir string) (*Record, error) {
	data, err := os.ReadFile(filepath.Join(dir, RecordFile))
	if err != nil {
		return nil, fmt.Errorf("error reading run record: %w", err)
	}
	rec := &Record{}
	if err := yaml.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("error parsing run record: %w", err)
	}
	return rec, nil
}

func (rec *Record) save(dir string) error {
	data, err := yaml.Marshal(rec)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, RecordFile), data, 0644)
}

// DefocusEstimator computes the defocus files of every tilt-series and keeps
// them in its run directory. The number of intermediate stacks of each series
// is recorded in the catalog.
type DefocusEstimator struct {
	*run

	// ManifestPath is stored in the run record
	ManifestPath string
}

// NewDefocusEstimator creates a defocus run. Params.DefocusFileFormat selects
// the defocus file written for novaCTF.
func NewDefocusEstimator(params *Params, input *manifest.Manifest, manifestPath string, tools Tools, logger *zap.Logger) *DefocusEstimator {
	return &DefocusEstimator{run: newRun(params, input, tools, logger), ManifestPath: manifestPath}
}

// Process computes the defocus files
func (d *DefocusEstimator) Process(ctx context.Context) error {
	if err := d.open(); err != nil {
		return err
	}
	defer d.close()

	matching, err := d.match()
	if err != nil {
		return err
	}

	format := d.params.DefocusFileFormat
	if format == "" {
		format = config.FormatIMOD
	}

	graph, err := d.newGraph()
	if err != nil {
		return err
	}
	var last []workflow.StepID
	for _, id := range matching {
		s := d.series[id]
		s.paths.defocusDir = s.paths.extra

		convert := graph.AddStep("convertInput "+id, d.step(s, "convertInput", func(ctx context.Context) error {
			if err := s.convert(ctx); err != nil {
				return err
			}
			return s.writeDefocusFile(format)
		}))
		last = append(last, graph.AddStep("computeDefocus "+id, d.step(s, "computeDefocus", func(ctx context.Context) error {
			if err := s.computeDefocus(ctx, format); err != nil {
				return err
			}
			if err := d.catalog.RecordStacks(id, s.stacks); err != nil {
				return err
			}
			if !d.params.KeepIntermediate {
				return os.RemoveAll(s.paths.tmp)
			}
			return nil
		}), convert))
	}
	graph.AddStep("closeOutputSet", d.closeDefocusSet, last...)

	if err := graph.Run(ctx, d.params.Threads); err != nil {
		return err
	}

	manifestPath, err := filepath.Abs(d.ManifestPath)
	if err != nil {
		return err
	}
	rec := &Record{
		Manifest:           manifestPath,
		Created:            time.Now().UTC(),
		DefocusStep:        d.params.DefocusStep,
		CorrectionType:     d.params.CorrectionType.String(),
		CorrectAstigmatism: d.params.CorrectAstigmatism,
		DefocusFileFormat:  format,
		Thickness:          d.params.Thickness,
		Shift:              d.params.Shift,
	}
	return rec.save(d.params.WorkDir)
}

func (d *DefocusEstimator) closeDefocusSet(context.Context) error {
	if err := d.catalog.SetStreamState(catalog.StreamClosed); err != nil {
		return err
	}
	counts, err := d.catalog.StackCounts()
	if err != nil {
		return err
	}
	if len(counts) == 0 {
		return fmt.Errorf("%w: no defocus files were computed", ErrNoOutputs)
	}
	return nil
}

// StagedReconstructor reconstructs tomograms from the defocus files of an
// earlier defocus run. Every intermediate stack is a separate step: all
// corrections of a series run first, then all flips, then all filters, so
// stacks of the same series are processed in parallel.
type StagedReconstructor struct {
	*run

	// Rotation applied by trimvol to the back-projected volume
	Rotation imod.Rotation

	defocusDir string
	format     string
	stacks     map[string]int
	graph      *workflow.Graph
}

// NewStagedReconstructor prepares a reconstruction using the defocus run in
// defocusDir. Defocus parameters come from the run record and override params.
func NewStagedReconstructor(params *Params, defocusDir string, tools Tools, logger *zap.Logger) (*StagedReconstructor, error) {
	rec, err := LoadRecord(defocusDir)
	if err != nil {
		return nil, err
	}
	input, err := manifest.Load(rec.Manifest)
	if err != nil {
		return nil, err
	}

	cat, err := catalog.Open(defocusDir)
	if err != nil {
		return nil, err
	}
	defer cat.Close()
	stacks, err := cat.StackCounts()
	if err != nil {
		return nil, err
	}
	if len(stacks) == 0 {
		return nil, fmt.Errorf("%w: defocus run %s has no intermediate stacks", ErrNoOutputs, defocusDir)
	}

	merged := *params
	merged.DefocusStep = rec.DefocusStep
	merged.CorrectAstigmatism = rec.CorrectAstigmatism
	merged.DefocusFileFormat = rec.DefocusFileFormat
	merged.Thickness = rec.Thickness
	merged.Shift = rec.Shift
	if merged.CorrectionType, err = novactf.ParseCorrectionType(rec.CorrectionType); err != nil {
		return nil, err
	}

	return &StagedReconstructor{
		run:        newRun(&merged, input, tools, logger),
		Rotation:   imod.RotateX,
		defocusDir: defocusDir,
		format:     rec.DefocusFileFormat,
		stacks:     stacks,
	}, nil
}

// Process runs the reconstruction
func (r *StagedReconstructor) Process(ctx context.Context) error {
	if err := r.open(); err != nil {
		return err
	}
	defer r.close()

	matching, err := r.match()
	if err != nil {
		return err
	}

	if r.graph, err = r.newGraph(); err != nil {
		return err
	}
	var outputs []workflow.StepID
	for _, id := range matching {
		n, ok := r.stacks[id]
		if !ok {
			r.fail(id, errors.New("no defocus files in the defocus run"))
			continue
		}
		s := r.series[id]
		s.stacks = n
		s.paths.defocusDir = filepath.Join(r.defocusDir, extraDir, id)
		if err := r.catalog.RecordStacks(id, n); err != nil {
			return err
		}
		outputs = append(outputs, r.addSeries(s))
	}
	r.graph.AddStep("closeOutputSet", r.closeOutputSet, outputs...)

	return r.graph.Run(ctx, r.params.Threads)
}

func (r *StagedReconstructor) addSeries(s *series) workflow.StepID {
	id := s.ts.TsID
	convert := r.graph.AddStep("convertInput "+id, r.step(s, "convertInput", s.convert))

	corrections := make([]workflow.StepID, s.stacks)
	for i := range corrections {
		corrections[i] = r.graph.AddStep(fmt.Sprintf("ctfCorrection %s %d", id, i),
			r.step(s, "ctfCorrection", func(ctx context.Context) error {
				return s.correct(ctx, i, r.format)
			}), convert)
	}
	flips := make([]workflow.StepID, s.stacks)
	for i := range flips {
		flips[i] = r.graph.AddStep(fmt.Sprintf("flip %s %d", id, i),
			r.step(s, "flip", func(ctx context.Context) error {
				return s.flip(ctx, i)
			}), corrections...)
	}
	filters := make([]workflow.StepID, s.stacks)
	for i := range filters {
		filters[i] = r.graph.AddStep(fmt.Sprintf("filterProjections %s %d", id, i),
			r.step(s, "filterProjections", func(ctx context.Context) error {
				return s.filter(ctx, i)
			}), flips...)
	}

	rec := r.graph.AddStep("computeReconstruction "+id, r.step(s, "computeReconstruction", func(ctx context.Context) error {
		return s.reconstruct(ctx, r.Rotation)
	}), filters...)

	return r.graph.AddStep("createOutput "+id, r.step(s, "createOutput", func(context.Context) error {
		return r.createOutput(s)
	}), rec)
}

// Steps returns the state of every step of the last Process call
func (r *StagedReconstructor) Steps() []workflow.Step {
	if r.graph == nil {
		return nil
	}
	return r.graph.Steps()
}
