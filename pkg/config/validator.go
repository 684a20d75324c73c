package config

import (
	"fmt"
	"time"

	"github.com/ensemblekit/ensemble/pkg/models"
)

// Validate checks a cluster config for the errors that must fail
// cluster start: missing or duplicate ids, unknown actions, malformed
// model configs and iteration patterns, and bad context sources.
func Validate(cfg *ClusterConfig) error {
	if len(cfg.Agents) == 0 {
		return validationErr("", "agents", "add at least one agent", ErrNoAgents)
	}
	seen := make(map[string]struct{}, len(cfg.Agents))
	for _, agent := range cfg.Agents {
		if agent.ID == "" {
			return validationErr("", "id", "every agent needs an id", ErrMissingAgentID)
		}
		if _, dup := seen[agent.ID]; dup {
			return validationErr(agent.ID, "id", "agent ids must be unique within a cluster", ErrDuplicateAgentID)
		}
		seen[agent.ID] = struct{}{}
		if err := ValidateAgent(&agent); err != nil {
			return err
		}
	}
	return nil
}

// ValidateAgent checks one agent definition. It is exported separately
// because CLUSTER_OPERATIONS add_agents validates definitions at
// runtime, long after cluster start.
func ValidateAgent(agent *models.AgentDefinition) error {
	for i, trigger := range agent.Triggers {
		field := fmt.Sprintf("triggers[%d]", i)
		if trigger.Topic == "" {
			return validationErr(agent.ID, field+".topic", "trigger topic must not be empty", ErrInvalidSource)
		}
		if !trigger.Action.IsValidTriggerAction() {
			return validationErr(agent.ID, field+".action",
				fmt.Sprintf("%q is not a trigger action", trigger.Action), ErrInvalidAction)
		}
		if trigger.Action == models.ActionPublishMessage {
			if spec := trigger.ActionSpec(); spec.Topic == "" {
				return validationErr(agent.ID, field+".config.topic",
					"publish_message triggers need a target topic", ErrInvalidAction)
			}
		}
	}

	if err := validateHooks(agent); err != nil {
		return err
	}
	if err := validateModelConfig(agent); err != nil {
		return err
	}
	if err := validatePrompt(agent); err != nil {
		return err
	}
	if err := validateContext(agent); err != nil {
		return err
	}
	if agent.OutputFormat != "" && !agent.OutputFormat.IsValid() {
		return validationErr(agent.ID, "outputFormat",
			fmt.Sprintf("%q is not an output format", agent.OutputFormat), ErrInvalidFormat)
	}
	return nil
}

func validateHooks(agent *models.AgentDefinition) error {
	if agent.Hooks == nil {
		return nil
	}
	for name, spec := range map[string]*models.ActionSpec{
		"onStart":    agent.Hooks.OnStart,
		"onComplete": agent.Hooks.OnComplete,
		"onError":    agent.Hooks.OnError,
	} {
		if spec == nil {
			continue
		}
		if !spec.Action.IsValidHookAction() {
			return validationErr(agent.ID, "hooks."+name,
				fmt.Sprintf("%q is not a hook action", spec.Action), ErrInvalidAction)
		}
		if spec.Action == models.ActionPublishMessage && spec.Topic == "" {
			return validationErr(agent.ID, "hooks."+name+".topic",
				"publish_message hooks need a target topic", ErrInvalidAction)
		}
	}
	return nil
}

func validateModelConfig(agent *models.AgentDefinition) error {
	mc := agent.ModelConfig
	if mc == nil {
		return nil
	}
	switch mc.Type {
	case models.ModelConfigStatic:
		if mc.Model == "" && mc.ModelLevel == "" {
			return validationErr(agent.ID, "modelConfig",
				"static model config needs model or modelLevel", ErrInvalidModelConfig)
		}
		if mc.ModelLevel != "" {
			if _, ok := models.NormalizeModelLevel(mc.ModelLevel); !ok {
				return validationErr(agent.ID, "modelConfig.modelLevel",
					fmt.Sprintf("%q is not a model level", mc.ModelLevel), ErrInvalidModelConfig)
			}
		}
	case models.ModelConfigRules:
		if len(mc.Rules) == 0 {
			return validationErr(agent.ID, "modelConfig.rules",
				"rules model config needs at least one rule", ErrInvalidModelConfig)
		}
		for i, rule := range mc.Rules {
			field := fmt.Sprintf("modelConfig.rules[%d]", i)
			if err := models.ValidateIterationPattern(rule.Iterations); err != nil {
				return validationErr(agent.ID, field+".iterations", err.Error(), ErrInvalidPattern)
			}
			if rule.Model == "" && rule.ModelLevel == "" {
				return validationErr(agent.ID, field,
					"each rule needs model or modelLevel", ErrInvalidModelConfig)
			}
			if rule.ModelLevel != "" {
				if _, ok := models.NormalizeModelLevel(rule.ModelLevel); !ok {
					return validationErr(agent.ID, field+".modelLevel",
						fmt.Sprintf("%q is not a model level", rule.ModelLevel), ErrInvalidModelConfig)
				}
			}
		}
	default:
		return validationErr(agent.ID, "modelConfig.type",
			fmt.Sprintf("%q is not a model config type", mc.Type), ErrInvalidModelConfig)
	}
	return nil
}

func validatePrompt(agent *models.AgentDefinition) error {
	if agent.Prompt == nil {
		return nil
	}
	for i, ip := range agent.Prompt.Iterations {
		if err := models.ValidateIterationPattern(ip.Match); err != nil {
			return validationErr(agent.ID, fmt.Sprintf("prompt.iterations[%d].match", i),
				err.Error(), ErrInvalidPattern)
		}
	}
	return nil
}

func validateContext(agent *models.AgentDefinition) error {
	if agent.ContextStrategy == nil {
		return nil
	}
	for i, source := range agent.ContextStrategy.Sources {
		field := fmt.Sprintf("contextStrategy.sources[%d]", i)
		if source.Topic == "" {
			return validationErr(agent.ID, field+".topic", "context source topic must not be empty", ErrInvalidSource)
		}
		switch source.Since {
		case "", models.SinceClusterStart, models.SinceLastTaskEnd:
		default:
			if _, err := time.Parse(time.RFC3339, source.Since); err != nil {
				return validationErr(agent.ID, field+".since",
					"since must be cluster_start, last_task_end, or an RFC 3339 timestamp", ErrInvalidSource)
			}
		}
		if source.Limit < 0 {
			return validationErr(agent.ID, field+".limit", "limit must not be negative", ErrInvalidSource)
		}
	}
	return nil
}

// Warnings reports suspicious but non-fatal configuration: trigger
// topics that nothing in the config publishes. Dynamic publishes via
// CLUSTER_OPERATIONS cannot be seen statically, so these never fail
// validation.
func Warnings(cfg *ClusterConfig) []string {
	published := map[string]struct{}{
		models.TopicIssueOpened:        {},
		models.TopicTaskStarted:        {},
		models.TopicTaskCompleted:      {},
		models.TopicClusterOperations:  {},
		models.TopicStopCluster:        {},
		models.TopicClusterComplete:    {},
		models.TopicAgentError:         {},
		models.TopicAgentSchemaWarning: {},
		models.TopicAgentHalted:        {},
		models.TopicAgentStale:         {},
		models.TopicAgentTimeout:       {},
		models.TopicLogicError:         {},
		models.TopicHookError:          {},
	}
	for _, agent := range cfg.Agents {
		for _, trigger := range agent.Triggers {
			if spec := trigger.ActionSpec(); spec.Action == models.ActionPublishMessage && spec.Topic != "" {
				published[spec.Topic] = struct{}{}
			}
		}
		if agent.Hooks == nil {
			continue
		}
		for _, spec := range []*models.ActionSpec{agent.Hooks.OnStart, agent.Hooks.OnComplete, agent.Hooks.OnError} {
			if spec != nil && spec.Action == models.ActionPublishMessage && spec.Topic != "" {
				published[spec.Topic] = struct{}{}
			}
		}
	}

	var warnings []string
	for _, agent := range cfg.Agents {
		for _, trigger := range agent.Triggers {
			if _, ok := published[trigger.Topic]; !ok {
				warnings = append(warnings,
					fmt.Sprintf("agent %s listens on topic %s which no configured agent publishes", agent.ID, trigger.Topic))
			}
		}
	}
	return warnings
}
