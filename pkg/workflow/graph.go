// Package workflow runs a graph of steps with prerequisites in parallel.
//
// A step becomes ready once all of its prerequisites have finished. Ready
// steps run concurrently up to a worker limit. When a step fails, every step
// depending on it, directly or not, is skipped; unrelated branches keep
// running.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// StepID identifies a step inside its graph
type StepID int

// StepFunc is the body of a step
type StepFunc func(ctx context.Context) error

// Status is the lifecycle state of a step
type Status int

const (
	Pending Status = iota
	Running
	Done
	Failed
	Skipped
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Done:
		return "done"
	case Failed:
		return "failed"
	case Skipped:
		return "skipped"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Step is a unit of work in a graph
type Step struct {
	ID      StepID
	Name    string
	Prereqs []StepID

	Status   Status
	Err      error
	Duration time.Duration

	fn StepFunc
}

// Sentinel errors reported by Run
var (
	ErrCycle          = errors.New("dependency cycle")
	ErrUnknownPrereq  = errors.New("unknown prerequisite")
	ErrAlreadyStarted = errors.New("graph already run")
)

// Graph is a set of steps and their prerequisites
type Graph struct {
	// RunID identifies one execution of the graph in logs
	RunID string

	mu      sync.Mutex
	steps   []*Step
	started bool
	logger  *zap.Logger
}

// New creates an empty graph
func New(logger *zap.Logger) *Graph {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	return &Graph{
		RunID:  id,
		logger: logger.Named("workflow").With(zap.String("run", id)),
	}
}

// AddStep appends a step and returns its id. Prerequisites must be ids
// returned by earlier calls.
func (g *Graph) AddStep(name string, fn StepFunc, prereqs ...StepID) StepID {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := StepID(len(g.steps))
	g.steps = append(g.steps, &Step{
		ID:      id,
		Name:    name,
		Prereqs: append([]StepID(nil), prereqs...),
		fn:      fn,
	})
	return id
}

// Len returns the number of steps
func (g *Graph) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.steps)
}

// Steps returns a snapshot of every step
func (g *Graph) Steps() []Step {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Step, len(g.steps))
	for i, s := range g.steps {
		out[i] = *s
		out[i].fn = nil
	}
	return out
}

// validate checks prerequisites and detects cycles with Kahn's algorithm
func (g *Graph) validate() error {
	indegree := make([]int, len(g.steps))
	dependents := make([][]StepID, len(g.steps))
	for _, s := range g.steps {
		for _, p := range s.Prereqs {
			if p < 0 || int(p) >= len(g.steps) {
				return fmt.Errorf("step %q: %w %d", s.Name, ErrUnknownPrereq, p)
			}
			indegree[s.ID]++
			dependents[p] = append(dependents[p], s.ID)
		}
	}

	var queue []StepID
	for i, d := range indegree {
		if d == 0 {
			queue = append(queue, StepID(i))
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, d := range dependents[id] {
			indegree[d]--
			if indegree[d] == 0 {
				queue = append(queue, d)
			}
		}
	}
	if visited != len(g.steps) {
		return ErrCycle
	}
	return nil
}

type outcome struct {
	id  StepID
	err error
}

// Run executes the graph with at most workers steps running at once. It
// returns the joined errors of the failed steps.
func (g *Graph) Run(ctx context.Context, workers int) error {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return ErrAlreadyStarted
	}
	g.started = true
	if err := g.validate(); err != nil {
		g.mu.Unlock()
		return err
	}
	steps := g.steps
	g.mu.Unlock()

	if workers < 1 {
		workers = 1
	}

	pending := make([]int, len(steps))
	blocked := make([]bool, len(steps))
	dependents := make([][]StepID, len(steps))
	for _, s := range steps {
		pending[s.ID] = len(s.Prereqs)
		for _, p := range s.Prereqs {
			dependents[p] = append(dependents[p], s.ID)
		}
	}

	g.logger.Info("starting", zap.Int("steps", len(steps)), zap.Int("workers", workers))
	start := time.Now()

	var eg errgroup.Group
	eg.SetLimit(workers)
	// buffered so finished steps never wait on the scheduler
	done := make(chan outcome, len(steps))

	var local []outcome
	launch := func(s *Step) {
		if blocked[s.ID] {
			g.setStatus(s, Skipped, nil, 0)
			g.logger.Debug("skipped", zap.String("step", s.Name))
			local = append(local, outcome{id: s.ID, err: errSkipped})
			return
		}
		if err := ctx.Err(); err != nil {
			g.setStatus(s, Skipped, err, 0)
			local = append(local, outcome{id: s.ID, err: errSkipped})
			return
		}
		g.setStatus(s, Running, nil, 0)
		eg.Go(func() error {
			t := time.Now()
			err := s.fn(ctx)
			if err != nil {
				g.setStatus(s, Failed, err, time.Since(t))
				g.logger.Error("step failed", zap.String("step", s.Name), zap.Error(err))
			} else {
				g.setStatus(s, Done, nil, time.Since(t))
				g.logger.Debug("step done", zap.String("step", s.Name), zap.Duration("took", time.Since(t)))
			}
			done <- outcome{id: s.ID, err: err}
			return nil
		})
	}

	for _, s := range steps {
		if pending[s.ID] == 0 {
			launch(s)
		}
	}

	var failures []error
	for remaining := len(steps); remaining > 0; remaining-- {
		var o outcome
		if n := len(local); n > 0 {
			o, local = local[n-1], local[:n-1]
		} else {
			o = <-done
		}

		if o.err != nil && o.err != errSkipped {
			failures = append(failures, fmt.Errorf("step %q: %w", steps[o.id].Name, o.err))
		}
		for _, d := range dependents[o.id] {
			if o.err != nil {
				blocked[d] = true
			}
			pending[d]--
			if pending[d] == 0 {
				launch(steps[d])
			}
		}
	}
	_ = eg.Wait()

	g.logger.Info("finished",
		zap.Int("failed", len(failures)),
		zap.Duration("took", time.Since(start)))

	if len(failures) == 0 && ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.Join(failures...)
}

var errSkipped = errors.New("skipped")

func (g *Graph) setStatus(s *Step, st Status, err error, d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s.Status = st
	s.Err = err
	s.Duration = d
}
