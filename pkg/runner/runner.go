// Package runner defines the task execution contract. The engine never
// talks to an AI provider directly; it hands a fully built prompt to a
// TaskRunner and gets back raw output. The subprocess runner in this
// package is the default; tests substitute scripted RunnerFuncs.
package runner

import (
	"context"

	"github.com/ensemblekit/ensemble/pkg/models"
)

// Options carries everything one task execution needs.
type Options struct {
	// AgentID identifies the executing agent, for logs and diagnostics.
	AgentID string
	// Prompt is the complete prompt text, context sections included.
	Prompt string
	// Model is the concrete provider model name.
	Model string
	// Provider names the provider the model was resolved against.
	Provider string
	// ReasoningEffort, when set, is forwarded to the provider CLI.
	ReasoningEffort string
	// Cwd is the working directory for the task, empty for the
	// process's own.
	Cwd string
	// OutputFormat requests text, json, or stream-json output.
	OutputFormat models.OutputFormat
	// JSONSchema is the expected output schema, nil for text tasks.
	JSONSchema map[string]any
	// StrictSchema marks the schema as enforced rather than advisory;
	// runners that can constrain output should do so.
	StrictSchema bool
	// OnOutput, when set, receives output lines as they stream. Runners
	// without streaming may ignore it and return everything in Result.
	OnOutput func(line string)
}

// Result is the outcome of one task execution. Success false with a
// nil error from Run means the task itself failed (non-zero exit,
// provider-reported failure); Run errors are reserved for the runner
// being unable to execute at all.
type Result struct {
	Success  bool
	Output   string
	Error    string
	TaskID   string
	ExitCode int
}

// TaskRunner executes one prompt. Implementations must honor context
// cancellation.
type TaskRunner interface {
	Run(ctx context.Context, opts Options) (Result, error)
}

// RunnerFunc adapts a function to the TaskRunner interface.
type RunnerFunc func(ctx context.Context, opts Options) (Result, error)

// Run implements TaskRunner.
func (f RunnerFunc) Run(ctx context.Context, opts Options) (Result, error) {
	return f(ctx, opts)
}

// Isolation provides per-cluster working directories (git worktrees,
// containers). The engine only consumes the resolved path.
type Isolation interface {
	// WorkDir returns the working directory for a cluster, creating it
	// if the backend requires that.
	WorkDir(ctx context.Context, clusterID string) (string, error)
}
