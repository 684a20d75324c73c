package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ensemblekit/ensemble/pkg/models"
)

func validAgent(id string) models.AgentDefinition {
	return models.AgentDefinition{
		ID:     id,
		Prompt: &models.PromptSpec{Static: "work"},
		Triggers: []models.TriggerDef{
			{Topic: models.TopicIssueOpened, Action: models.ActionExecuteTask},
		},
	}
}

func TestValidateAcceptsMinimalConfig(t *testing.T) {
	cfg := &ClusterConfig{Agents: []models.AgentDefinition{validAgent("worker")}}
	require.NoError(t, Validate(cfg))
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*models.AgentDefinition)
		wantErr error
	}{
		{
			"missing id",
			func(a *models.AgentDefinition) { a.ID = "" },
			ErrMissingAgentID,
		},
		{
			"empty trigger topic",
			func(a *models.AgentDefinition) { a.Triggers[0].Topic = "" },
			ErrInvalidSource,
		},
		{
			"spawn_sub_cluster as trigger action",
			func(a *models.AgentDefinition) { a.Triggers[0].Action = models.ActionSpawnSubCluster },
			ErrInvalidAction,
		},
		{
			"publish trigger without topic",
			func(a *models.AgentDefinition) {
				a.Triggers[0].Action = models.ActionPublishMessage
				a.Triggers[0].Config = nil
			},
			ErrInvalidAction,
		},
		{
			"execute_task as hook action",
			func(a *models.AgentDefinition) {
				a.Hooks = &models.HookSet{OnComplete: &models.ActionSpec{Action: models.ActionExecuteTask}}
			},
			ErrInvalidAction,
		},
		{
			"static model config without model",
			func(a *models.AgentDefinition) {
				a.ModelConfig = &models.ModelConfig{Type: models.ModelConfigStatic}
			},
			ErrInvalidModelConfig,
		},
		{
			"unknown model config type",
			func(a *models.AgentDefinition) {
				a.ModelConfig = &models.ModelConfig{Type: "adaptive"}
			},
			ErrInvalidModelConfig,
		},
		{
			"rules without entries",
			func(a *models.AgentDefinition) {
				a.ModelConfig = &models.ModelConfig{Type: models.ModelConfigRules}
			},
			ErrInvalidModelConfig,
		},
		{
			"bad rule pattern",
			func(a *models.AgentDefinition) {
				a.ModelConfig = &models.ModelConfig{
					Type:  models.ModelConfigRules,
					Rules: []models.ModelRule{{Iterations: "3-1", ModelLevel: "level1"}},
				}
			},
			ErrInvalidPattern,
		},
		{
			"bad model level",
			func(a *models.AgentDefinition) {
				a.ModelConfig = &models.ModelConfig{Type: models.ModelConfigStatic, ModelLevel: "level9"}
			},
			ErrInvalidModelConfig,
		},
		{
			"bad prompt pattern",
			func(a *models.AgentDefinition) {
				a.Prompt = &models.PromptSpec{Iterations: []models.IterationPrompt{{Match: "x", System: "s"}}}
			},
			ErrInvalidPattern,
		},
		{
			"context source without topic",
			func(a *models.AgentDefinition) {
				a.ContextStrategy = &models.ContextStrategy{Sources: []models.ContextSource{{Since: "cluster_start"}}}
			},
			ErrInvalidSource,
		},
		{
			"bad since value",
			func(a *models.AgentDefinition) {
				a.ContextStrategy = &models.ContextStrategy{Sources: []models.ContextSource{{Topic: "T", Since: "yesterday"}}}
			},
			ErrInvalidSource,
		},
		{
			"unknown output format",
			func(a *models.AgentDefinition) { a.OutputFormat = "xml" },
			ErrInvalidFormat,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agent := validAgent("worker")
			tt.mutate(&agent)
			err := Validate(&ClusterConfig{Agents: []models.AgentDefinition{agent}})
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestValidateDuplicateAndEmpty(t *testing.T) {
	err := Validate(&ClusterConfig{})
	assert.ErrorIs(t, err, ErrNoAgents)

	err = Validate(&ClusterConfig{Agents: []models.AgentDefinition{validAgent("a"), validAgent("a")}})
	assert.ErrorIs(t, err, ErrDuplicateAgentID)
}

func TestValidateAcceptsLegacyModelNames(t *testing.T) {
	agent := validAgent("worker")
	agent.ModelConfig = &models.ModelConfig{Type: models.ModelConfigStatic, ModelLevel: "sonnet"}
	require.NoError(t, Validate(&ClusterConfig{Agents: []models.AgentDefinition{agent}}))
}

func TestValidateRFC3339Since(t *testing.T) {
	agent := validAgent("worker")
	agent.ContextStrategy = &models.ContextStrategy{
		Sources: []models.ContextSource{{Topic: "T", Since: "2026-08-25T10:00:00Z"}},
	}
	require.NoError(t, Validate(&ClusterConfig{Agents: []models.AgentDefinition{agent}}))
}

func TestWarningsFlagUnpublishedTopics(t *testing.T) {
	listener := validAgent("listener")
	listener.Triggers = []models.TriggerDef{{Topic: "PLAN_READY", Action: models.ActionExecuteTask}}

	cfg := &ClusterConfig{Agents: []models.AgentDefinition{validAgent("worker"), listener}}
	warnings := Warnings(cfg)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "PLAN_READY")

	// A hook that publishes the topic clears the warning.
	publisher := validAgent("worker")
	publisher.Hooks = &models.HookSet{OnComplete: &models.ActionSpec{
		Action: models.ActionPublishMessage, Topic: "PLAN_READY",
	}}
	cfg = &ClusterConfig{Agents: []models.AgentDefinition{publisher, listener}}
	assert.Empty(t, Warnings(cfg))
}
