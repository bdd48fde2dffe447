package executor

import (
	"context"
	"sync"
	"time"
)

// HandlerFunc simulates a command. Returning a nil Result means success.
type HandlerFunc func(cmd Command) (*Result, error)

// Recorder is an Executor that records every command instead of running it.
// Handlers keyed by binary base name can simulate the program, for example
// by creating the files it would write.
type Recorder struct {
	mu       sync.Mutex
	commands []Command
	handlers map[string]HandlerFunc
	resolve  func(binary string) string
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{
		handlers: make(map[string]HandlerFunc),
		resolve:  baseName,
	}
}

// Handle registers a handler for a program
func (r *Recorder) Handle(program string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[program] = h
}

// Execute records cmd and runs its handler, if any
func (r *Recorder) Execute(ctx context.Context, cmd Command) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.commands = append(r.commands, cmd)
	h := r.handlers[r.resolve(cmd.Binary)]
	r.mu.Unlock()

	now := time.Now()
	if h == nil {
		return &Result{ExitCode: 0, StartedAt: now, FinishedAt: now}, nil
	}
	res, err := h(cmd)
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &Result{ExitCode: 0}
	}
	res.StartedAt, res.FinishedAt = now, time.Now()
	res.Duration = res.FinishedAt.Sub(now)
	return res, nil
}

// Commands returns a copy of the recorded commands in execution order
func (r *Recorder) Commands() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Command, len(r.commands))
	copy(out, r.commands)
	return out
}

// CommandsFor returns the recorded commands of one program
func (r *Recorder) CommandsFor(program string) []Command {
	var out []Command
	for _, c := range r.Commands() {
		if r.resolve(c.Binary) == program {
			out = append(out, c)
		}
	}
	return out
}

func baseName(binary string) string {
	for i := len(binary) - 1; i >= 0; i-- {
		if binary[i] == '/' {
			return binary[i+1:]
		}
	}
	return binary
}
