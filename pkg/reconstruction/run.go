package reconstruction

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"novactf/pkg/catalog"
	"novactf/pkg/manifest"
	"novactf/pkg/workflow"
)

// Errors returned by a run
var (
	ErrNoMatchingSeries = errors.New("no tilt-series with a matching CTF estimation")
	ErrNoOutputs        = errors.New("no outputs were generated")
)

// Catalog notes written by a run
const (
	NoteNonMatching = "nonMatching"
	NoteInputCount  = "inputCount"
	NoteFailed      = "failed"
	NoteRunID       = "runId"
)

// run holds what every protocol shares: the inputs, the output catalog and
// the bookkeeping of failed tilt-series. A failed series stops its own steps
// while the other series go on.
type run struct {
	params *Params
	input  *manifest.Manifest
	tools  Tools
	logger *zap.Logger

	catalog *catalog.Catalog

	mu      sync.Mutex
	series  map[string]*series
	failed  map[string]error
	outputs int
}

func newRun(params *Params, input *manifest.Manifest, tools Tools, logger *zap.Logger) *run {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &run{
		params: params,
		input:  input,
		tools:  tools,
		logger: logger,
		series: make(map[string]*series),
		failed: make(map[string]error),
	}
}

// open creates the run directory and its catalog. A catalog left by an
// earlier run in the same directory is emptied.
func (r *run) open() error {
	cat, err := catalog.Open(r.params.WorkDir)
	if err != nil {
		return err
	}
	if err := cat.Reset(); err != nil {
		cat.Close()
		return err
	}
	if err := cat.SetStreamState(catalog.StreamOpen); err != nil {
		cat.Close()
		return err
	}
	r.catalog = cat
	return nil
}

func (r *run) close() {
	if r.catalog == nil {
		return
	}
	if err := r.catalog.Close(); err != nil {
		r.logger.Warn("Failed to close catalog", zap.Error(err))
	}
	r.catalog = nil
}

// match keeps the tilt-series that have a CTF estimation and records the ids
// found in only one of the two sets
func (r *run) match() ([]string, error) {
	matching, nonMatching := r.input.Match()
	if len(matching) == 0 {
		return nil, fmt.Errorf("%w: tilt-series %v, CTF series %v",
			ErrNoMatchingSeries, r.input.TsIDs(), r.input.CTFTsIDs())
	}
	if len(nonMatching) > 0 {
		msg := "Some non-matching tsIds were found: " + strings.Join(nonMatching, ", ")
		r.logger.Warn(msg)
		if err := r.catalog.SetNote(NoteNonMatching, msg); err != nil {
			return nil, err
		}
	}
	if err := r.catalog.SetNote(NoteInputCount, strconv.Itoa(len(matching))); err != nil {
		return nil, err
	}

	for _, id := range matching {
		ts, _ := r.input.TiltSeriesByID(id)
		ctf, _ := r.input.CTFByID(id)
		r.series[id] = &series{
			ts:     ts,
			ctf:    ctf,
			paths:  newSeriesPaths(r.params.WorkDir, id),
			params: r.params,
			tools:  r.tools,
			logger: r.logger,
		}
	}
	return matching, nil
}

// newGraph creates the step graph of the run and records its id
func (r *run) newGraph() (*workflow.Graph, error) {
	g := workflow.New(r.logger)
	if err := r.catalog.SetNote(NoteRunID, g.RunID); err != nil {
		return nil, err
	}
	return g, nil
}

// step wraps a per-series action. Once a series failed its later steps do
// nothing; a failure is recorded and does not stop the graph unless the run
// itself was cancelled.
func (r *run) step(s *series, name string, fn func(ctx context.Context) error) workflow.StepFunc {
	tsID := s.ts.TsID
	return func(ctx context.Context) error {
		if r.hasFailed(tsID) {
			return nil
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		r.fail(tsID, fmt.Errorf("%s: %w", name, err))
		return nil
	}
}

func (r *run) fail(tsID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.failed[tsID]; ok {
		return
	}
	r.failed[tsID] = err
	r.logger.Error("Tilt-series failed", zap.String("tsId", tsID), zap.Error(err))
}

func (r *run) hasFailed(tsID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.failed[tsID]
	return ok
}

// Failed returns the error of every tilt-series that could not be processed
func (r *run) Failed() map[string]error {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]error, len(r.failed))
	for id, err := range r.failed {
		out[id] = err
	}
	return out
}

func (r *run) failedIDs() []string {
	failed := r.Failed()
	ids := make([]string, 0, len(failed))
	for id := range failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// createOutput registers the tomogram of a series in the catalog
func (r *run) createOutput(s *series) error {
	tomo, err := s.tomogram()
	if err != nil {
		return err
	}
	if err := r.catalog.Append(tomo); err != nil {
		return err
	}
	r.mu.Lock()
	r.outputs++
	r.mu.Unlock()
	r.logger.Info("Tomogram registered",
		zap.String("tsId", tomo.TsID),
		zap.String("file", tomo.FileName),
		zap.String("dims", fmt.Sprintf("%dx%dx%d", tomo.Dims.X, tomo.Dims.Y, tomo.Dims.Z)))
	return nil
}

// closeOutputSet closes the tomogram set. A run that registered no tomogram
// fails.
func (r *run) closeOutputSet(context.Context) error {
	if err := r.catalog.SetNote(NoteFailed, strings.Join(r.failedIDs(), ", ")); err != nil {
		return err
	}
	if err := r.catalog.SetStreamState(catalog.StreamClosed); err != nil {
		return err
	}
	r.mu.Lock()
	n := r.outputs
	r.mu.Unlock()
	if n == 0 {
		return fmt.Errorf("%w: every tilt-series failed", ErrNoOutputs)
	}
	return nil
}
