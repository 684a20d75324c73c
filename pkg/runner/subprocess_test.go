package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ensemblekit/ensemble/pkg/models"
)

// fakeCLI writes an executable shell script standing in for a provider
// CLI and returns its path.
func fakeCLI(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-cli")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestSubprocessRunnerCollectsAndStreamsOutput(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real subprocess")
	}
	r := NewSubprocessRunner(fakeCLI(t, `printf 'line one\nline two\n'`))

	var streamed []string
	res, err := r.Run(context.Background(), Options{
		Prompt:   "do the thing",
		OnOutput: func(line string) { streamed = append(streamed, line) },
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "line one\nline two", res.Output)
	assert.Equal(t, []string{"line one", "line two"}, streamed)
}

func TestSubprocessRunnerReportsFailure(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real subprocess")
	}
	r := NewSubprocessRunner(fakeCLI(t, `echo partial; echo boom >&2; exit 3`))

	res, err := r.Run(context.Background(), Options{Prompt: "x"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "boom", res.Error)
	assert.Equal(t, "partial", res.Output)
}

func TestSubprocessRunnerHonorsCwd(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real subprocess")
	}
	dir := t.TempDir()
	r := NewSubprocessRunner(fakeCLI(t, `pwd`))

	res, err := r.Run(context.Background(), Options{Prompt: "x", Cwd: dir})
	require.NoError(t, err)
	// pwd may print a resolved symlink path on some hosts.
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Equal(t, resolved, res.Output)
}

func TestSubprocessCancellation(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a real subprocess")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	r := NewSubprocessRunner(fakeCLI(t, `sleep 30`))
	start := time.Now()
	_, err := r.Run(ctx, Options{Prompt: "x"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRunnerFuncAdapts(t *testing.T) {
	called := false
	f := RunnerFunc(func(_ context.Context, opts Options) (Result, error) {
		called = true
		return Result{Success: true, Output: "ok: " + opts.Model}, nil
	})
	res, err := f.Run(context.Background(), Options{Model: "claude-level1"})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, "ok: claude-level1", res.Output)
}

func TestArgvShape(t *testing.T) {
	r := NewSubprocessRunner("claude", "--dangerously-skip-permissions")
	args := r.argv(Options{
		Prompt:       "do the thing",
		Model:        "claude-level2",
		OutputFormat: models.OutputFormatStreamJSON,
	})
	assert.Equal(t, []string{
		"-p", "do the thing",
		"--model", "claude-level2",
		"--output-format", "stream-json",
		"--dangerously-skip-permissions",
	}, args)

	// Text format adds no flag; it is every CLI's default.
	args = r.argv(Options{Prompt: "x", OutputFormat: models.OutputFormatText})
	assert.Equal(t, []string{"-p", "x", "--dangerously-skip-permissions"}, args)
}

func TestArgvForwardsReasoningEffortAndSchema(t *testing.T) {
	r := NewSubprocessRunner("claude")
	args := r.argv(Options{
		Prompt:          "review this",
		Model:           "claude-level3",
		ReasoningEffort: "high",
		OutputFormat:    models.OutputFormatJSON,
		JSONSchema:      map[string]any{"type": "object"},
		StrictSchema:    true,
	})
	assert.Equal(t, []string{
		"-p", "review this",
		"--model", "claude-level3",
		"--reasoning-effort", "high",
		"--output-format", "json",
		"--json-schema", `{"type":"object"}`,
	}, args)

	// An advisory schema stays in the prompt; only enforced ones become
	// a flag.
	args = r.argv(Options{
		Prompt:       "x",
		OutputFormat: models.OutputFormatStreamJSON,
		JSONSchema:   map[string]any{"type": "object"},
	})
	assert.Equal(t, []string{"-p", "x", "--output-format", "stream-json"}, args)
}
