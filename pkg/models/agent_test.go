package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestPromptSpec_UnmarshalYAML_Scalar(t *testing.T) {
	var def AgentDefinition
	err := yaml.Unmarshal([]byte("id: worker\nprompt: do the thing\n"), &def)
	require.NoError(t, err)
	assert.Equal(t, "do the thing", def.Prompt.Static)
}

func TestPromptSpec_UnmarshalYAML_InitialSubsequent(t *testing.T) {
	raw := `
id: worker
prompt:
  initial: first run
  subsequent: later runs
`
	var def AgentDefinition
	require.NoError(t, yaml.Unmarshal([]byte(raw), &def))
	assert.Equal(t, "first run", def.Prompt.Initial)
	assert.Equal(t, "later runs", def.Prompt.Subsequent)

	sys, err := def.Prompt.SystemFor(1)
	require.NoError(t, err)
	assert.Equal(t, "first run", sys)

	sys, err = def.Prompt.SystemFor(2)
	require.NoError(t, err)
	assert.Equal(t, "later runs", sys)
}

func TestPromptSpec_UnmarshalYAML_Iterations(t *testing.T) {
	raw := `
id: worker
prompt:
  iterations:
    - match: "1"
      system: plan it
    - match: "2+"
      system: fix it
`
	var def AgentDefinition
	require.NoError(t, yaml.Unmarshal([]byte(raw), &def))
	require.Len(t, def.Prompt.Iterations, 2)

	sys, err := def.Prompt.SystemFor(1)
	require.NoError(t, err)
	assert.Equal(t, "plan it", sys)

	sys, err = def.Prompt.SystemFor(7)
	require.NoError(t, err)
	assert.Equal(t, "fix it", sys)
}

func TestPromptSpec_JSONRoundTrip(t *testing.T) {
	spec := &PromptSpec{Static: "hello"}
	b, err := json.Marshal(spec)
	require.NoError(t, err)
	assert.Equal(t, `"hello"`, string(b))

	var back PromptSpec
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, "hello", back.Static)
}

func TestTriggerLogic_UnmarshalYAML_Scalar(t *testing.T) {
	raw := `
topic: VALIDATION_RESULT
action: execute_task
logic: "message.content.data.approved == false"
`
	var trig TriggerDef
	require.NoError(t, yaml.Unmarshal([]byte(raw), &trig))
	assert.Equal(t, "message.content.data.approved == false", trig.Logic.Expression)
	assert.True(t, trig.ExcludesRepublished())
}

func TestTriggerDef_ExcludesRepublished(t *testing.T) {
	optIn := false
	tests := []struct {
		name string
		trig TriggerDef
		want bool
	}{
		{"no logic", TriggerDef{}, true},
		{"logic without filter", TriggerDef{Logic: &TriggerLogic{Expression: "true"}}, true},
		{"filter without flag", TriggerDef{Logic: &TriggerLogic{Filter: &TriggerFilter{}}}, true},
		{"explicit opt-in", TriggerDef{Logic: &TriggerLogic{Filter: &TriggerFilter{ExcludeRepublished: &optIn}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.trig.ExcludesRepublished())
		})
	}
}

func TestTriggerDef_ActionSpec(t *testing.T) {
	trig := TriggerDef{
		Topic:  "VALIDATION_RESULT",
		Action: ActionPublishMessage,
		Config: map[string]any{
			"topic":    "CLUSTER_COMPLETE",
			"content":  map[string]any{"text": "done"},
			"metadata": map[string]any{"via": "trigger"},
		},
	}
	spec := trig.ActionSpec()
	assert.Equal(t, ActionPublishMessage, spec.Action)
	assert.Equal(t, "CLUSTER_COMPLETE", spec.Topic)
	assert.Equal(t, "done", spec.Content["text"])
	assert.Equal(t, "trigger", spec.Metadata["via"])
}

func TestAgentDefinition_Defaults(t *testing.T) {
	var def AgentDefinition
	assert.Equal(t, 100, def.MaxIterationsOrDefault())
	assert.Equal(t, DefaultStaleDuration, def.StaleDuration())
	assert.True(t, def.StrictSchemaEnabled())
	assert.Equal(t, OutputFormatJSON, def.EffectiveOutputFormat())
	assert.Zero(t, def.Timeout())

	strict := false
	def = AgentDefinition{
		StrictSchema:    &strict,
		MaxIterations:   5,
		TimeoutMS:       1500,
		StaleDurationMS: 60000,
		OutputFormat:    OutputFormatText,
	}
	assert.False(t, def.StrictSchemaEnabled())
	assert.Equal(t, 5, def.MaxIterationsOrDefault())
	assert.Equal(t, int64(1500), def.Timeout().Milliseconds())
	assert.Equal(t, int64(60000), def.StaleDuration().Milliseconds())
	assert.Equal(t, OutputFormatText, def.EffectiveOutputFormat())
}

func TestNormalizeModelLevel(t *testing.T) {
	tests := []struct {
		in   string
		want ModelLevel
		ok   bool
	}{
		{"level1", ModelLevel1, true},
		{"level3", ModelLevel3, true},
		{"haiku", ModelLevel1, true},
		{"sonnet", ModelLevel2, true},
		{"opus", ModelLevel3, true},
		{"turbo", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := NormalizeModelLevel(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestModelLevel_Rank(t *testing.T) {
	assert.Less(t, ModelLevel1.Rank(), ModelLevel2.Rank())
	assert.Less(t, ModelLevel2.Rank(), ModelLevel3.Rank())
	assert.Zero(t, ModelLevel("bogus").Rank())
}
