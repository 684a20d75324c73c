package models

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when an agent definition leaves a field unset.
const (
	DefaultMaxIterations = 100
	DefaultStaleDuration = 30 * time.Minute
)

// Since values understood by context sources, besides ISO timestamps.
const (
	SinceClusterStart = "cluster_start"
	SinceLastTaskEnd  = "last_task_end"
)

// AgentDefinition declares one agent of a cluster: what wakes it up
// (triggers), what it reads (contextStrategy), which model tier runs it
// (modelConfig), how its output is parsed (outputFormat, jsonSchema),
// and what happens around each task (hooks).
type AgentDefinition struct {
	ID              string           `yaml:"id" json:"id"`
	Role            string           `yaml:"role,omitempty" json:"role,omitempty"`
	Prompt          *PromptSpec      `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	Triggers        []TriggerDef     `yaml:"triggers,omitempty" json:"triggers,omitempty"`
	Hooks           *HookSet         `yaml:"hooks,omitempty" json:"hooks,omitempty"`
	ContextStrategy *ContextStrategy `yaml:"contextStrategy,omitempty" json:"contextStrategy,omitempty"`
	ModelConfig     *ModelConfig     `yaml:"modelConfig,omitempty" json:"modelConfig,omitempty"`
	OutputFormat    OutputFormat     `yaml:"outputFormat,omitempty" json:"outputFormat,omitempty"`
	JSONSchema      map[string]any   `yaml:"jsonSchema,omitempty" json:"jsonSchema,omitempty"`
	StrictSchema    *bool            `yaml:"strictSchema,omitempty" json:"strictSchema,omitempty"`
	MaxIterations   int              `yaml:"maxIterations,omitempty" json:"maxIterations,omitempty"`
	TimeoutMS       int64            `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
	StaleDurationMS int64            `yaml:"staleDuration_ms,omitempty" json:"staleDuration_ms,omitempty"`
	Cwd             string           `yaml:"cwd,omitempty" json:"cwd,omitempty"`
}

// RoleValidator marks agents whose schema failures are fatal and whose
// output contract includes an `approved` field.
const RoleValidator = "validator"

// IsValidator reports whether the agent plays the validator role.
func (d AgentDefinition) IsValidator() bool {
	return d.Role == RoleValidator
}

// MaxIterationsOrDefault returns the iteration ceiling, defaulting to 100.
func (d AgentDefinition) MaxIterationsOrDefault() int {
	if d.MaxIterations > 0 {
		return d.MaxIterations
	}
	return DefaultMaxIterations
}

// Timeout returns the per-task timeout; zero means no timeout.
func (d AgentDefinition) Timeout() time.Duration {
	return time.Duration(d.TimeoutMS) * time.Millisecond
}

// StaleDuration returns the hang-detection window, defaulting to 30 minutes.
func (d AgentDefinition) StaleDuration() time.Duration {
	if d.StaleDurationMS > 0 {
		return time.Duration(d.StaleDurationMS) * time.Millisecond
	}
	return DefaultStaleDuration
}

// StrictSchemaEnabled returns the strictSchema flag, defaulting to true.
func (d AgentDefinition) StrictSchemaEnabled() bool {
	if d.StrictSchema == nil {
		return true
	}
	return *d.StrictSchema
}

// EffectiveOutputFormat returns the output format, defaulting to json.
func (d AgentDefinition) EffectiveOutputFormat() OutputFormat {
	if d.OutputFormat != "" {
		return d.OutputFormat
	}
	return OutputFormatJSON
}

// PromptSpec is the agent's system prompt in one of three shapes:
// a plain string, an initial/subsequent pair, or a list of
// iteration-matched prompts (first matching pattern wins).
//
// In YAML and JSON it may be written as a bare string, which decodes
// into Static.
type PromptSpec struct {
	Static     string            `yaml:"-" json:"-"`
	Initial    string            `yaml:"initial,omitempty" json:"initial,omitempty"`
	Subsequent string            `yaml:"subsequent,omitempty" json:"subsequent,omitempty"`
	Iterations []IterationPrompt `yaml:"iterations,omitempty" json:"iterations,omitempty"`
}

// IterationPrompt selects a system prompt by iteration pattern
// ("N", "N-M", "N+", "all").
type IterationPrompt struct {
	Match  string `yaml:"match" json:"match"`
	System string `yaml:"system" json:"system"`
}

// promptSpecAlias avoids recursing into the custom unmarshalers.
type promptSpecAlias struct {
	Static     string            `yaml:"static,omitempty" json:"static,omitempty"`
	Initial    string            `yaml:"initial,omitempty" json:"initial,omitempty"`
	Subsequent string            `yaml:"subsequent,omitempty" json:"subsequent,omitempty"`
	Iterations []IterationPrompt `yaml:"iterations,omitempty" json:"iterations,omitempty"`
}

// UnmarshalYAML accepts either a scalar (static prompt) or a mapping.
func (p *PromptSpec) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		return value.Decode(&p.Static)
	}
	var alias promptSpecAlias
	if err := value.Decode(&alias); err != nil {
		return err
	}
	*p = PromptSpec(alias)
	return nil
}

// UnmarshalJSON accepts either a string or an object.
func (p *PromptSpec) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &p.Static)
	}
	var alias promptSpecAlias
	if err := json.Unmarshal(b, &alias); err != nil {
		return err
	}
	*p = PromptSpec(alias)
	return nil
}

// MarshalJSON keeps the compact string form when only Static is set.
func (p PromptSpec) MarshalJSON() ([]byte, error) {
	if p.Static != "" && p.Initial == "" && p.Subsequent == "" && len(p.Iterations) == 0 {
		return json.Marshal(p.Static)
	}
	return json.Marshal(promptSpecAlias(p))
}

// SystemFor selects the system prompt for the given iteration.
func (p *PromptSpec) SystemFor(iteration int) (string, error) {
	if p == nil {
		return "", nil
	}
	if p.Static != "" {
		return p.Static, nil
	}
	if p.Initial != "" || p.Subsequent != "" {
		if iteration <= 1 || p.Subsequent == "" {
			return p.Initial, nil
		}
		return p.Subsequent, nil
	}
	for _, ip := range p.Iterations {
		ok, err := MatchIterationPattern(ip.Match, iteration)
		if err != nil {
			return "", fmt.Errorf("invalid prompt iteration pattern %q: %w", ip.Match, err)
		}
		if ok {
			return ip.System, nil
		}
	}
	return "", nil
}

// TriggerDef is a (topic, logic, action) triple evaluated on every
// matching published message. Config carries the action payload for
// publish_message and stop_cluster actions.
type TriggerDef struct {
	Topic  string         `yaml:"topic" json:"topic"`
	Logic  *TriggerLogic  `yaml:"logic,omitempty" json:"logic,omitempty"`
	Action ActionType     `yaml:"action" json:"action"`
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

// ExcludesRepublished reports whether this trigger skips records with
// metadata._republished. Defaults to true; only an explicit
// logic.filter.excludeRepublished: false opts in to republished records.
func (t TriggerDef) ExcludesRepublished() bool {
	if t.Logic == nil || t.Logic.Filter == nil || t.Logic.Filter.ExcludeRepublished == nil {
		return true
	}
	return *t.Logic.Filter.ExcludeRepublished
}

// ActionSpec converts the trigger's generic config into the action
// payload shape shared with hooks.
func (t TriggerDef) ActionSpec() ActionSpec {
	spec := ActionSpec{Action: t.Action}
	if t.Config == nil {
		return spec
	}
	if v, ok := t.Config["topic"].(string); ok {
		spec.Topic = v
	}
	if v, ok := t.Config["content"].(map[string]any); ok {
		spec.Content = v
	}
	if v, ok := t.Config["metadata"].(map[string]any); ok {
		spec.Metadata = v
	}
	if v, ok := t.Config["reason"].(string); ok {
		spec.Reason = v
	}
	return spec
}

// TriggerLogic is a sandboxed predicate plus a declarative filter.
// In YAML and JSON it may be written as a bare string, which decodes
// into Expression.
type TriggerLogic struct {
	Expression string         `yaml:"expression,omitempty" json:"expression,omitempty"`
	Filter     *TriggerFilter `yaml:"filter,omitempty" json:"filter,omitempty"`
}

// TriggerFilter holds declarative message filters applied before the
// expression runs.
type TriggerFilter struct {
	ExcludeRepublished *bool `yaml:"excludeRepublished,omitempty" json:"excludeRepublished,omitempty"`
}

type triggerLogicAlias struct {
	Expression string         `yaml:"expression,omitempty" json:"expression,omitempty"`
	Filter     *TriggerFilter `yaml:"filter,omitempty" json:"filter,omitempty"`
}

// UnmarshalYAML accepts either a scalar expression or a mapping.
func (l *TriggerLogic) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		return value.Decode(&l.Expression)
	}
	var alias triggerLogicAlias
	if err := value.Decode(&alias); err != nil {
		return err
	}
	*l = TriggerLogic(alias)
	return nil
}

// UnmarshalJSON accepts either a string or an object.
func (l *TriggerLogic) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &l.Expression)
	}
	var alias triggerLogicAlias
	if err := json.Unmarshal(b, &alias); err != nil {
		return err
	}
	*l = TriggerLogic(alias)
	return nil
}

// MarshalJSON keeps the compact string form when only Expression is set.
func (l TriggerLogic) MarshalJSON() ([]byte, error) {
	if l.Expression != "" && l.Filter == nil {
		return json.Marshal(l.Expression)
	}
	return json.Marshal(triggerLogicAlias(l))
}

// HookSet declares the post-task side effects of an agent.
type HookSet struct {
	OnStart    *ActionSpec `yaml:"onStart,omitempty" json:"onStart,omitempty"`
	OnComplete *ActionSpec `yaml:"onComplete,omitempty" json:"onComplete,omitempty"`
	OnError    *ActionSpec `yaml:"onError,omitempty" json:"onError,omitempty"`
}

// ActionSpec is the declarative payload of a trigger or hook action.
// Which fields apply depends on Action:
//
//	publish_message:   Topic, Content, Metadata
//	stop_cluster:      Reason
//	spawn_sub_cluster: Config, Input, WaitForTopic
//	noop:              nothing
//
// Hook payload strings may contain {{result.<path>}} and
// {{ledger.last(TOPIC).<path>}} placeholders, resolved by the hook
// runner after the task completes.
type ActionSpec struct {
	Action       ActionType     `yaml:"action" json:"action"`
	Topic        string         `yaml:"topic,omitempty" json:"topic,omitempty"`
	Content      map[string]any `yaml:"content,omitempty" json:"content,omitempty"`
	Metadata     map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	Reason       string         `yaml:"reason,omitempty" json:"reason,omitempty"`
	Config       map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
	Input        map[string]any `yaml:"input,omitempty" json:"input,omitempty"`
	WaitForTopic string         `yaml:"wait_for_topic,omitempty" json:"wait_for_topic,omitempty"`
}

// ContextStrategy selects ledger slices for the agent's prompt.
type ContextStrategy struct {
	Sources []ContextSource `yaml:"sources" json:"sources"`
}

// ContextSource is one ledger slice: a topic, optionally narrowed by
// sender, a time horizon (cluster_start, last_task_end, or an ISO
// timestamp), and a record limit.
type ContextSource struct {
	Topic  string `yaml:"topic" json:"topic"`
	Sender string `yaml:"sender,omitempty" json:"sender,omitempty"`
	Since  string `yaml:"since,omitempty" json:"since,omitempty"`
	Limit  int    `yaml:"limit,omitempty" json:"limit,omitempty"`
}

// ModelConfigType selects between a fixed model and iteration rules
type ModelConfigType string

const (
	// ModelConfigStatic uses the same model every iteration
	ModelConfigStatic ModelConfigType = "static"
	// ModelConfigRules selects a model by iteration pattern
	ModelConfigRules ModelConfigType = "rules"
)

// IsValid checks if the model config type is valid
func (t ModelConfigType) IsValid() bool {
	return t == ModelConfigStatic || t == ModelConfigRules
}

// ModelConfig declares how the model for each task is chosen.
type ModelConfig struct {
	Type       ModelConfigType `yaml:"type" json:"type"`
	Model      string          `yaml:"model,omitempty" json:"model,omitempty"`
	ModelLevel string          `yaml:"modelLevel,omitempty" json:"modelLevel,omitempty"`
	Rules      []ModelRule     `yaml:"rules,omitempty" json:"rules,omitempty"`
}

// ModelRule binds an iteration pattern to a model choice. Rules are
// checked in declared order; the first match wins.
type ModelRule struct {
	Iterations      string `yaml:"iterations" json:"iterations"`
	Model           string `yaml:"model,omitempty" json:"model,omitempty"`
	ModelLevel      string `yaml:"modelLevel,omitempty" json:"modelLevel,omitempty"`
	ReasoningEffort string `yaml:"reasoningEffort,omitempty" json:"reasoningEffort,omitempty"`
}
