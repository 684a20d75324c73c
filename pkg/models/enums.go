package models

// ClusterState defines the lifecycle states of a cluster
type ClusterState string

const (
	// ClusterStateRunning means the cluster is live and processing messages
	ClusterStateRunning ClusterState = "running"
	// ClusterStateStopped means the cluster was stopped by request
	ClusterStateStopped ClusterState = "stopped"
	// ClusterStateFailed means the cluster aborted on a fatal error
	ClusterStateFailed ClusterState = "failed"
	// ClusterStateCompleted means the cluster terminated successfully
	ClusterStateCompleted ClusterState = "completed"
)

// IsValid checks if the cluster state is valid
func (s ClusterState) IsValid() bool {
	switch s {
	case ClusterStateRunning, ClusterStateStopped, ClusterStateFailed, ClusterStateCompleted:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the state is final. Terminal states never
// transition again.
func (s ClusterState) IsTerminal() bool {
	return s == ClusterStateStopped || s == ClusterStateFailed || s == ClusterStateCompleted
}

// AgentState defines the runtime states of an agent
type AgentState string

const (
	// AgentStateIdle means the agent is waiting for a trigger
	AgentStateIdle AgentState = "idle"
	// AgentStateEvaluating is the transient state inside trigger processing
	AgentStateEvaluating AgentState = "evaluating"
	// AgentStateExecuting means a task is in flight
	AgentStateExecuting AgentState = "executing"
	// AgentStateCoolingDown is kept for wire compatibility with older
	// workflow definitions; no transition in this engine produces it.
	AgentStateCoolingDown AgentState = "cooling_down"
)

// IsValid checks if the agent state is valid
func (s AgentState) IsValid() bool {
	switch s {
	case AgentStateIdle, AgentStateEvaluating, AgentStateExecuting, AgentStateCoolingDown:
		return true
	default:
		return false
	}
}

// ActionType defines the closed set of trigger and hook actions
type ActionType string

const (
	// ActionExecuteTask runs one agent task (triggers only)
	ActionExecuteTask ActionType = "execute_task"
	// ActionPublishMessage publishes a message to the cluster ledger
	ActionPublishMessage ActionType = "publish_message"
	// ActionStopCluster requests a cooperative cluster stop
	ActionStopCluster ActionType = "stop_cluster"
	// ActionSpawnSubCluster starts a nested cluster (hooks only)
	ActionSpawnSubCluster ActionType = "spawn_sub_cluster"
	// ActionNoop is an explicit skip, used for templated branches
	ActionNoop ActionType = "noop"
)

// IsValidTriggerAction checks membership in the trigger action set.
func (a ActionType) IsValidTriggerAction() bool {
	switch a {
	case ActionExecuteTask, ActionPublishMessage, ActionStopCluster, ActionNoop:
		return true
	default:
		return false
	}
}

// IsValidHookAction checks membership in the hook action set.
func (a ActionType) IsValidHookAction() bool {
	switch a {
	case ActionPublishMessage, ActionStopCluster, ActionSpawnSubCluster, ActionNoop:
		return true
	default:
		return false
	}
}

// OutputFormat defines how task output is requested from the runner
type OutputFormat string

const (
	// OutputFormatText returns raw text, no parsing
	OutputFormatText OutputFormat = "text"
	// OutputFormatJSON returns a single JSON object (default)
	OutputFormatJSON OutputFormat = "json"
	// OutputFormatStreamJSON streams NDJSON chunks for live logs
	OutputFormatStreamJSON OutputFormat = "stream-json"
)

// IsValid checks if the output format is valid
func (f OutputFormat) IsValid() bool {
	return f == OutputFormatText || f == OutputFormatJSON || f == OutputFormatStreamJSON
}

// ModelLevel is a provider-independent capability tier. Ceiling and
// floor checks compare levels by rank: level1 < level2 < level3.
type ModelLevel string

const (
	ModelLevel1 ModelLevel = "level1"
	ModelLevel2 ModelLevel = "level2"
	ModelLevel3 ModelLevel = "level3"
)

// IsValid checks if the model level is valid
func (l ModelLevel) IsValid() bool {
	return l == ModelLevel1 || l == ModelLevel2 || l == ModelLevel3
}

// Rank returns the ordering of the level (1..3), or 0 for an invalid level.
func (l ModelLevel) Rank() int {
	switch l {
	case ModelLevel1:
		return 1
	case ModelLevel2:
		return 2
	case ModelLevel3:
		return 3
	default:
		return 0
	}
}

// legacyLevels maps historical model names to levels. Settings and
// definitions written before the level scheme still load.
var legacyLevels = map[string]ModelLevel{
	"haiku":  ModelLevel1,
	"sonnet": ModelLevel2,
	"opus":   ModelLevel3,
}

// NormalizeModelLevel parses a level string, accepting both the level1..3
// scheme and legacy model names. The second return is false when the
// input is neither.
func NormalizeModelLevel(s string) (ModelLevel, bool) {
	if l := ModelLevel(s); l.IsValid() {
		return l, true
	}
	if l, ok := legacyLevels[s]; ok {
		return l, true
	}
	return "", false
}
