// Package reconstruction orchestrates 3D-CTF corrected tomogram
// reconstruction with novaCTF and IMOD.
//
// A run pairs every tilt-series with its CTF estimation, slices the defocus
// gradient of each series into intermediate stacks, corrects, aligns, flips
// and filters every stack, back-projects them into one tomogram and registers
// it in the run catalog. Tilt-series are processed in parallel; one failing
// series does not stop the others.
package reconstruction

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"novactf/pkg/config"
	"novactf/pkg/imod"
	"novactf/pkg/manifest"
	"novactf/pkg/workflow"
)

// Reconstructor runs the whole pipeline in one pass. Each tilt-series goes
// through four steps: convertInput, computeDefocus, computeReconstruction and
// createOutput. The output set is closed once every series is done.
type Reconstructor struct {
	*run

	graph *workflow.Graph
}

// NewReconstructor creates a reconstructor for the series of input.
//
// Parameters:
//   - params: reconstruction parameters, see ParamsFromConfig
//   - input: the tilt-series and CTF estimations to process
//   - tools: the novaCTF and IMOD wrappers
//   - logger: may be nil
func NewReconstructor(params *Params, input *manifest.Manifest, tools Tools, logger *zap.Logger) *Reconstructor {
	return &Reconstructor{run: newRun(params, input, tools, logger)}
}

// Process runs the complete reconstruction pipeline
func (r *Reconstructor) Process(ctx context.Context) error {
	if err := r.open(); err != nil {
		return err
	}
	defer r.close()

	r.logger.Info("Step 1: Matching tilt-series with CTF estimations")
	matching, err := r.match()
	if err != nil {
		return err
	}

	if r.graph, err = r.newGraph(); err != nil {
		return err
	}
	logger := r.logger.With(zap.String("runId", r.graph.RunID))
	logger.Info("Step 2: Scheduling reconstructions",
		zap.Int("tiltSeries", len(matching)),
		zap.Int("threads", r.params.Threads))

	var outputs []workflow.StepID
	for _, id := range matching {
		outputs = append(outputs, r.addSeries(r.series[id]))
	}
	r.graph.AddStep("closeOutputSet", r.closeOutputSet, outputs...)

	logger.Info("Step 3: Running")
	if err := r.graph.Run(ctx, r.params.Threads); err != nil {
		return err
	}
	logger.Info("Reconstruction finished", zap.Int("failed", len(r.failedIDs())))
	return nil
}

// addSeries inserts the steps of one tilt-series and returns its last step
func (r *Reconstructor) addSeries(s *series) workflow.StepID {
	id := s.ts.TsID

	convert := r.graph.AddStep("convertInput "+id, r.step(s, "convertInput", func(ctx context.Context) error {
		if err := s.convert(ctx); err != nil {
			return err
		}
		return s.writeDefocusFile(config.FormatIMOD)
	}))

	defocus := r.graph.AddStep("computeDefocus "+id, r.step(s, "computeDefocus", func(ctx context.Context) error {
		if err := s.computeDefocus(ctx, config.FormatIMOD); err != nil {
			return err
		}
		if err := r.catalog.RecordStacks(id, s.stacks); err != nil {
			return err
		}
		for i := 0; i < s.stacks; i++ {
			if err := s.processStack(ctx, i); err != nil {
				return fmt.Errorf("stack %d: %w", i, err)
			}
		}
		return nil
	}), convert)

	rec := r.graph.AddStep("computeReconstruction "+id, r.step(s, "computeReconstruction", func(ctx context.Context) error {
		return s.reconstruct(ctx, imod.RotateX)
	}), defocus)

	return r.graph.AddStep("createOutput "+id, r.step(s, "createOutput", func(context.Context) error {
		return r.createOutput(s)
	}), rec)
}

// Steps returns the state of every step of the last Process call
func (r *Reconstructor) Steps() []workflow.Step {
	if r.graph == nil {
		return nil
	}
	return r.graph.Steps()
}
