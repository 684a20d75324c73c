package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ensemblekit/ensemble/pkg/models"
)

func testSettings() models.Settings {
	return models.Settings{
		MaxModel:        "level3",
		MinModel:        "level1",
		DefaultProvider: "claude",
	}
}

func defWithModel(mc *models.ModelConfig) models.AgentDefinition {
	return models.AgentDefinition{ID: "worker", ModelConfig: mc}
}

func TestSelectModelStatic(t *testing.T) {
	choice, err := SelectModel(defWithModel(&models.ModelConfig{
		Type: models.ModelConfigStatic, ModelLevel: "level2",
	}), 1, testSettings())
	require.NoError(t, err)
	assert.Equal(t, "claude-level2", choice.Model)
	assert.Equal(t, models.ModelLevel2, choice.Level)
}

func TestSelectModelExplicitNameBypassesBounds(t *testing.T) {
	settings := testSettings()
	settings.MaxModel = "level1"
	choice, err := SelectModel(defWithModel(&models.ModelConfig{
		Type: models.ModelConfigStatic, Model: "claude-3-opus",
	}), 1, settings)
	require.NoError(t, err)
	assert.Equal(t, "claude-3-opus", choice.Model)
}

func TestSelectModelRulesFirstMatchWins(t *testing.T) {
	def := defWithModel(&models.ModelConfig{
		Type: models.ModelConfigRules,
		Rules: []models.ModelRule{
			{Iterations: "1", ModelLevel: "level1"},
			{Iterations: "1-3", ModelLevel: "level2"},
			{Iterations: "2+", ModelLevel: "level3", ReasoningEffort: "high"},
		},
	})

	choice, err := SelectModel(def, 1, testSettings())
	require.NoError(t, err)
	assert.Equal(t, models.ModelLevel1, choice.Level)

	// Iteration 2 matches both "1-3" and "2+"; declared order decides.
	choice, err = SelectModel(def, 2, testSettings())
	require.NoError(t, err)
	assert.Equal(t, models.ModelLevel2, choice.Level)

	choice, err = SelectModel(def, 5, testSettings())
	require.NoError(t, err)
	assert.Equal(t, models.ModelLevel3, choice.Level)
	assert.Equal(t, "high", choice.ReasoningEffort)
}

func TestSelectModelNoRuleMatches(t *testing.T) {
	def := defWithModel(&models.ModelConfig{
		Type:  models.ModelConfigRules,
		Rules: []models.ModelRule{{Iterations: "2+", ModelLevel: "level1"}},
	})
	_, err := SelectModel(def, 1, testSettings())
	assert.ErrorIs(t, err, ErrNoModelRule)
}

func TestSelectModelCeilingAndFloor(t *testing.T) {
	settings := testSettings()
	settings.MaxModel = "level2"
	settings.MinModel = "level2"

	_, err := SelectModel(defWithModel(&models.ModelConfig{
		Type: models.ModelConfigStatic, ModelLevel: "level3",
	}), 1, settings)
	assert.ErrorIs(t, err, ErrModelCeiling)

	_, err = SelectModel(defWithModel(&models.ModelConfig{
		Type: models.ModelConfigStatic, ModelLevel: "level1",
	}), 1, settings)
	assert.ErrorIs(t, err, ErrModelCeiling)
}

func TestSelectModelLegacyLevelNames(t *testing.T) {
	choice, err := SelectModel(defWithModel(&models.ModelConfig{
		Type: models.ModelConfigStatic, ModelLevel: "sonnet",
	}), 1, testSettings())
	require.NoError(t, err)
	assert.Equal(t, models.ModelLevel2, choice.Level)
}

func TestSelectModelDefaults(t *testing.T) {
	// No modelConfig: provider defaultLevel wins, clamped into bounds.
	settings := testSettings()
	settings.ProviderSettings = map[string]models.ProviderSettings{
		"claude": {DefaultLevel: "level3", LevelOverrides: map[string]string{"level3": "claude-3-opus"}},
	}
	choice, err := SelectModel(models.AgentDefinition{ID: "a"}, 1, settings)
	require.NoError(t, err)
	assert.Equal(t, "claude-3-opus", choice.Model)

	settings.MaxModel = "level1"
	choice, err = SelectModel(models.AgentDefinition{ID: "a"}, 1, settings)
	require.NoError(t, err)
	assert.Equal(t, models.ModelLevel1, choice.Level)
}

func TestValidateModelPolicy(t *testing.T) {
	settings := testSettings()
	settings.MaxModel = "level2"

	// A rule that can only ever violate the ceiling fails at start,
	// before any iteration reaches it.
	def := defWithModel(&models.ModelConfig{
		Type: models.ModelConfigRules,
		Rules: []models.ModelRule{
			{Iterations: "1", ModelLevel: "level1"},
			{Iterations: "2+", ModelLevel: "level3"},
		},
	})
	assert.ErrorIs(t, ValidateModelPolicy(def, settings), ErrModelCeiling)

	def = defWithModel(&models.ModelConfig{
		Type:  models.ModelConfigRules,
		Rules: []models.ModelRule{{Iterations: "all", ModelLevel: "level2"}},
	})
	assert.NoError(t, ValidateModelPolicy(def, settings))
	assert.NoError(t, ValidateModelPolicy(models.AgentDefinition{}, settings))
}
