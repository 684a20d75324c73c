package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/ensemblekit/ensemble/pkg/models"
)

// killGracePeriod is how long a cancelled subprocess gets between
// SIGTERM and SIGKILL.
const killGracePeriod = 5 * time.Second

// SubprocessRunner shells out to an AI CLI, `claude -p <prompt>` style.
// Stdout is streamed line by line to OnOutput while being collected for
// the final Result. On context cancellation the process receives
// SIGTERM, then SIGKILL after a grace period.
type SubprocessRunner struct {
	binary    string
	extraArgs []string
	logger    *slog.Logger
}

// NewSubprocessRunner creates a runner around the given CLI binary.
// extraArgs are appended to every invocation after the generated flags.
func NewSubprocessRunner(binary string, extraArgs ...string) *SubprocessRunner {
	return &SubprocessRunner{
		binary:    binary,
		extraArgs: extraArgs,
		logger:    slog.With("component", "runner", "binary", binary),
	}
}

// Run implements TaskRunner.
func (r *SubprocessRunner) Run(ctx context.Context, opts Options) (Result, error) {
	args := r.argv(opts)
	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Dir = opts.Cwd
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGracePeriod

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("failed to open stdout pipe: %w", err)
	}

	r.logger.Debug("Starting task subprocess",
		"agent_id", opts.AgentID, "provider", opts.Provider, "model", opts.Model, "cwd", opts.Cwd)
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("failed to start %s: %w", r.binary, err)
	}

	var output strings.Builder
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		output.WriteString(line)
		output.WriteByte('\n')
		if opts.OnOutput != nil {
			opts.OnOutput(line)
		}
	}
	scanErr := scanner.Err()

	waitErr := cmd.Wait()
	if scanErr != nil {
		return Result{}, fmt.Errorf("failed to read task output: %w", scanErr)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{}, ctxErr
	}

	result := Result{
		Success: waitErr == nil,
		Output:  strings.TrimRight(output.String(), "\n"),
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		result.Error = strings.TrimSpace(stderr.String())
		if result.Error == "" {
			result.Error = waitErr.Error()
		}
		return result, nil
	}
	if waitErr != nil {
		return Result{}, fmt.Errorf("failed to run %s: %w", r.binary, waitErr)
	}
	return result, nil
}

// argv builds the CLI invocation. The -p/--model/--output-format shape
// is the common denominator of the supported provider CLIs; reasoning
// effort and an enforced schema are forwarded when the task carries
// them.
func (r *SubprocessRunner) argv(opts Options) []string {
	args := []string{"-p", opts.Prompt}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.ReasoningEffort != "" {
		args = append(args, "--reasoning-effort", opts.ReasoningEffort)
	}
	if opts.OutputFormat != "" && opts.OutputFormat != models.OutputFormatText {
		args = append(args, "--output-format", string(opts.OutputFormat))
	}
	if opts.StrictSchema && opts.JSONSchema != nil {
		if encoded, err := json.Marshal(opts.JSONSchema); err == nil {
			args = append(args, "--json-schema", string(encoded))
		}
	}
	return append(args, r.extraArgs...)
}
