package agent

import (
	"errors"
	"fmt"

	"github.com/ensemblekit/ensemble/pkg/models"
)

// Model policy error codes, carried in AGENT_ERROR records.
const (
	CodeNoModelRule           = "NO_MODEL_RULE"
	CodeModelCeilingViolation = "MODEL_CEILING_VIOLATION"
)

// Sentinel model policy errors.
var (
	ErrNoModelRule  = errors.New("no model rule matches the current iteration")
	ErrModelCeiling = errors.New("selected model level violates the cluster ceiling or floor")
)

// ModelChoice is a resolved model for one task.
type ModelChoice struct {
	Model           string
	Level           models.ModelLevel
	ReasoningEffort string
}

// SelectModel resolves the model for the given iteration. Rules are
// checked in declared order, first match wins; no match is a
// NO_MODEL_RULE failure. A level outside the settings ceiling/floor is
// a MODEL_CEILING_VIOLATION. Explicit model names bypass the level
// check: the engine cannot rank provider-specific names.
func SelectModel(def models.AgentDefinition, iteration int, settings models.Settings) (ModelChoice, error) {
	mc := def.ModelConfig
	if mc == nil {
		level := defaultLevel(settings)
		return ModelChoice{
			Model: settings.ModelForLevel(settings.DefaultProvider, level),
			Level: level,
		}, nil
	}

	switch mc.Type {
	case models.ModelConfigStatic:
		return resolveChoice(mc.Model, mc.ModelLevel, "", settings)
	case models.ModelConfigRules:
		for _, rule := range mc.Rules {
			match, err := models.MatchIterationPattern(rule.Iterations, iteration)
			if err != nil {
				return ModelChoice{}, fmt.Errorf("model rule pattern %q: %w", rule.Iterations, err)
			}
			if match {
				return resolveChoice(rule.Model, rule.ModelLevel, rule.ReasoningEffort, settings)
			}
		}
		return ModelChoice{}, fmt.Errorf("%w: iteration %d", ErrNoModelRule, iteration)
	default:
		return ModelChoice{}, fmt.Errorf("unknown model config type %q", mc.Type)
	}
}

// ValidateModelPolicy checks every declared level against the settings
// bounds without needing an iteration. Run at cluster start so a rule
// that can only ever violate the ceiling fails before any task runs.
func ValidateModelPolicy(def models.AgentDefinition, settings models.Settings) error {
	mc := def.ModelConfig
	if mc == nil {
		return nil
	}
	levels := []string{mc.ModelLevel}
	for _, rule := range mc.Rules {
		levels = append(levels, rule.ModelLevel)
	}
	for _, raw := range levels {
		if raw == "" {
			continue
		}
		level, ok := models.NormalizeModelLevel(raw)
		if !ok {
			return fmt.Errorf("unknown model level %q", raw)
		}
		if err := checkBounds(level, settings); err != nil {
			return err
		}
	}
	return nil
}

func resolveChoice(model, rawLevel, reasoningEffort string, settings models.Settings) (ModelChoice, error) {
	if model != "" {
		return ModelChoice{Model: model, ReasoningEffort: reasoningEffort}, nil
	}
	level, ok := models.NormalizeModelLevel(rawLevel)
	if !ok {
		return ModelChoice{}, fmt.Errorf("unknown model level %q", rawLevel)
	}
	if err := checkBounds(level, settings); err != nil {
		return ModelChoice{}, err
	}
	return ModelChoice{
		Model:           settings.ModelForLevel(settings.DefaultProvider, level),
		Level:           level,
		ReasoningEffort: reasoningEffort,
	}, nil
}

func checkBounds(level models.ModelLevel, settings models.Settings) error {
	if level.Rank() > settings.MaxModelLevel().Rank() {
		return fmt.Errorf("%w: %s exceeds maxModel %s", ErrModelCeiling, level, settings.MaxModelLevel())
	}
	if level.Rank() < settings.MinModelLevel().Rank() {
		return fmt.Errorf("%w: %s is below minModel %s", ErrModelCeiling, level, settings.MinModelLevel())
	}
	return nil
}

// defaultLevel picks the model level for agents without a modelConfig:
// the provider's defaultLevel when set, otherwise level2, clamped into
// the settings bounds.
func defaultLevel(settings models.Settings) models.ModelLevel {
	level := models.ModelLevel2
	if ps, ok := settings.ProviderSettings[settings.DefaultProvider]; ok && ps.DefaultLevel != "" {
		if l, ok := models.NormalizeModelLevel(ps.DefaultLevel); ok {
			level = l
		}
	}
	if level.Rank() > settings.MaxModelLevel().Rank() {
		level = settings.MaxModelLevel()
	}
	if level.Rank() < settings.MinModelLevel().Rank() {
		level = settings.MinModelLevel()
	}
	return level
}
