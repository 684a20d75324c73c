package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ensemblekit/ensemble/pkg/models"
)

const minimalConfig = `
name: dev-cycle
worktreePath: /w/c1
agents:
  - id: worker
    prompt: "Implement the issue."
    triggers:
      - topic: ISSUE_OPENED
        action: execute_task
`

func TestLoadClusterConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cluster.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalConfig), 0o644))

	cfg, err := LoadClusterConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "dev-cycle", cfg.Name)
	assert.Equal(t, "/w/c1", cfg.WorktreePath)
	require.Len(t, cfg.Agents, 1)
	assert.Equal(t, "worker", cfg.Agents[0].ID)
	assert.Equal(t, "Implement the issue.", cfg.Agents[0].Prompt.Static)
	assert.Equal(t, models.ActionExecuteTask, cfg.Agents[0].Triggers[0].Action)
}

func TestLoadClusterConfigExpandsEnv(t *testing.T) {
	t.Setenv("REPO_DIR", "/srv/repo")
	path := filepath.Join(t.TempDir(), "cluster.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
agents:
  - id: worker
    cwd: ${REPO_DIR}/checkout
`), 0o644))

	cfg, err := LoadClusterConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/repo/checkout", cfg.Agents[0].Cwd)
}

func TestParseClusterConfigScalarAndStructuredPrompts(t *testing.T) {
	cfg, err := ParseClusterConfig([]byte(`
agents:
  - id: planner
    prompt:
      initial: "Plan the work."
      subsequent: "Revise the plan."
  - id: worker
    prompt:
      iterations:
        - match: "1"
          system: "First attempt."
        - match: "2+"
          system: "Address the feedback."
`))
	require.NoError(t, err)

	first, err := cfg.Agents[0].Prompt.SystemFor(1)
	require.NoError(t, err)
	assert.Equal(t, "Plan the work.", first)

	later, err := cfg.Agents[1].Prompt.SystemFor(3)
	require.NoError(t, err)
	assert.Equal(t, "Address the feedback.", later)
}

func TestIsTemplate(t *testing.T) {
	assert.True(t, IsTemplate([]byte("base: templates/review.yaml\nparams:\n  repo: x\n")))
	assert.False(t, IsTemplate([]byte(minimalConfig)))
	assert.False(t, IsTemplate([]byte(": not yaml :::")))
}

func TestClusterConfigFromMap(t *testing.T) {
	cfg, err := ClusterConfigFromMap(map[string]any{
		"agents": []any{
			map[string]any{
				"id":     "reviewer",
				"prompt": "Review the diff.",
				"triggers": []any{
					map[string]any{"topic": "ISSUE_OPENED", "action": "execute_task"},
				},
			},
		},
	})
	require.NoError(t, err)
	require.Len(t, cfg.Agents, 1)
	assert.Equal(t, "reviewer", cfg.Agents[0].ID)
	assert.Equal(t, "Review the diff.", cfg.Agents[0].Prompt.Static)
}

func TestClusterConfigFromMapValidates(t *testing.T) {
	_, err := ClusterConfigFromMap(map[string]any{"agents": []any{}})
	assert.ErrorIs(t, err, ErrNoAgents)
}
