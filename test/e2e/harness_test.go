// Package e2e drives the real orchestrator, ledger, bus, and trigger
// engine against a scripted task runner: a queue of canned results
// keyed by a marker in each agent's system prompt.
package e2e

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ensemblekit/ensemble/pkg/models"
	"github.com/ensemblekit/ensemble/pkg/orchestrator"
	"github.com/ensemblekit/ensemble/pkg/runner"
)

// call is one recorded runner invocation.
type call struct {
	Prompt string
	Model  string
	Cwd    string
}

// scriptedRunner matches each prompt against its marker table and
// returns the next canned result for that marker. Unmatched prompts
// get a generic success.
type scriptedRunner struct {
	mu      sync.Mutex
	calls   []call
	scripts map[string][]runner.Result
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{scripts: map[string][]runner.Result{}}
}

// on queues canned results for prompts containing marker.
func (s *scriptedRunner) on(marker string, results ...runner.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[marker] = append(s.scripts[marker], results...)
}

func (s *scriptedRunner) Run(ctx context.Context, opts runner.Options) (runner.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call{Prompt: opts.Prompt, Model: opts.Model, Cwd: opts.Cwd})
	for marker, queue := range s.scripts {
		if strings.Contains(opts.Prompt, marker) && len(queue) > 0 {
			next := queue[0]
			s.scripts[marker] = queue[1:]
			return next, nil
		}
	}
	return runner.Result{Success: true, Output: "ok"}, nil
}

// callsFor returns the recorded calls whose prompt contains marker.
func (s *scriptedRunner) callsFor(marker string) []call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []call
	for _, c := range s.calls {
		if strings.Contains(c.Prompt, marker) {
			out = append(out, c)
		}
	}
	return out
}

func ok(output string) runner.Result {
	return runner.Result{Success: true, Output: output}
}

func newOrchestrator(t *testing.T, run runner.TaskRunner) *orchestrator.Orchestrator {
	t.Helper()
	orch, err := orchestrator.New(orchestrator.Options{StateDir: t.TempDir(), Runner: run})
	require.NoError(t, err)
	t.Cleanup(orch.Shutdown)
	return orch
}

func allRecords(t *testing.T, orch *orchestrator.Orchestrator, clusterID string) []models.Message {
	t.Helper()
	ch, err := orch.Logs(context.Background(), clusterID, false)
	require.NoError(t, err)
	var out []models.Message
	for msg := range ch {
		out = append(out, msg)
	}
	return out
}

func topicRecords(msgs []models.Message, topic string) []models.Message {
	var out []models.Message
	for _, msg := range msgs {
		if msg.Topic == topic {
			out = append(out, msg)
		}
	}
	return out
}

func waitFor(t *testing.T, orch *orchestrator.Orchestrator, clusterID, topic string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(topicRecords(allRecords(t, orch, clusterID), topic)) >= n
	}, 15*time.Second, 20*time.Millisecond, "expected %d %s records", n, topic)
}

// settle gives in-flight trigger evaluation a moment to produce any
// record the assertions say must NOT exist.
func settle() {
	time.Sleep(250 * time.Millisecond)
}
