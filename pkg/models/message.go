// Package models defines the data model shared across the engine: ledger
// messages, cluster and agent definitions, runtime enums, and the
// well-known topics that tie the coordination loop together.
//
// ════════════════════════════════════════════════════════════════
// Message flow
// ════════════════════════════════════════════════════════════════
//
// Every state change in a cluster is a Message appended to that
// cluster's ledger. The orchestrator seeds ISSUE_OPENED, agents react
// through triggers, tasks bracket themselves with TASK_STARTED /
// TASK_COMPLETED, and termination arrives as STOP_CLUSTER or
// CLUSTER_COMPLETE. Errors are messages too (AGENT_ERROR, LOGIC_ERROR,
// HOOK_ERROR, ...): a failed component never disappears silently, it
// leaves a record.
//
// Messages are immutable once appended. Ordering is (timestamp, seq):
// timestamps are monotonic per ledger and seq breaks ties by insertion
// order.
// ════════════════════════════════════════════════════════════════
package models

import "time"

// Well-known topics published by the engine itself. Workflows are free
// to define additional topics; these are the ones the core reacts to or
// emits.
const (
	// TopicIssueOpened seeds a cluster with its input.
	TopicIssueOpened = "ISSUE_OPENED"
	// TopicValidationResult carries a validator's verdict ({approved, errors}).
	TopicValidationResult = "VALIDATION_RESULT"
	// TopicClusterOperations carries an ordered operation list for the
	// orchestrator (add_agents, remove_agent, publish, stop).
	TopicClusterOperations = "CLUSTER_OPERATIONS"
	// TopicStopCluster requests a cooperative stop.
	TopicStopCluster = "STOP_CLUSTER"
	// TopicClusterComplete marks successful termination.
	TopicClusterComplete = "CLUSTER_COMPLETE"
)

// Task lifecycle topics. The agent runtime brackets every task with
// these; Resume counts them to rebuild iteration state after a crash.
const (
	TopicTaskStarted   = "TASK_STARTED"
	TopicTaskCompleted = "TASK_COMPLETED"
)

// Diagnostic topics. Published instead of (or alongside) returning an
// error so that failures stay visible in the ledger.
const (
	// TopicAgentError is a task-level failure: runner error, model policy
	// violation, or a validator's schema failure.
	TopicAgentError = "AGENT_ERROR"
	// TopicAgentSchemaWarning is a non-fatal schema validation failure.
	TopicAgentSchemaWarning = "AGENT_SCHEMA_WARNING"
	// TopicAgentHalted means the agent hit its iteration ceiling.
	TopicAgentHalted = "AGENT_HALTED"
	// TopicAgentStale means a task exceeded the agent's stale duration.
	TopicAgentStale = "AGENT_STALE"
	// TopicAgentTimeout means a task exceeded the agent's timeout.
	TopicAgentTimeout = "AGENT_TIMEOUT"
	// TopicLogicError is a trigger predicate that failed to evaluate.
	TopicLogicError = "LOGIC_ERROR"
	// TopicHookError is a hook action that failed.
	TopicHookError = "HOOK_ERROR"
)

// Reserved sender and receiver identities.
const (
	SenderSystem      = "system"
	SenderUser        = "user"
	ReceiverBroadcast = "broadcast"
)

// Reserved metadata keys.
const (
	// MetadataKeyRepublished marks a record re-emitted by the
	// orchestrator after dynamically adding subscribers to an earlier
	// topic. Triggers exclude republished records by default.
	MetadataKeyRepublished = "_republished"
	// MetadataKeySource records where seed input came from.
	MetadataKeySource = "source"
)

// Values for MetadataKeySource.
const (
	SourceIssue = "issue"
	SourceFile  = "file"
	SourceText  = "text"
)

// Content is the payload of a message: free text, structured data, or both.
type Content struct {
	Text string         `json:"text,omitempty" yaml:"text,omitempty"`
	Data map[string]any `json:"data,omitempty" yaml:"data,omitempty"`
}

// IsEmpty reports whether the content carries neither text nor data.
func (c Content) IsEmpty() bool {
	return c.Text == "" && len(c.Data) == 0
}

// Message is one ledger record.
type Message struct {
	// ID is a UUIDv7, generated before append; time-ordered.
	ID string `json:"id"`
	// Seq is the ledger-assigned insertion order. It breaks timestamp
	// ties in query ordering and is zero until the record is stored.
	Seq int64 `json:"seq,omitempty"`
	// Timestamp is Unix milliseconds, monotonic per ledger.
	Timestamp int64          `json:"timestamp"`
	ClusterID string         `json:"cluster_id"`
	Topic     string         `json:"topic"`
	Sender    string         `json:"sender"`
	Receiver  string         `json:"receiver"`
	Content   Content        `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Time returns the timestamp as a time.Time.
func (m Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// Republished reports whether the record carries the republish marker.
func (m Message) Republished() bool {
	if m.Metadata == nil {
		return false
	}
	v, ok := m.Metadata[MetadataKeyRepublished].(bool)
	return ok && v
}

// AddressedTo reports whether the message should be delivered to the
// given agent: broadcast, addressed to the agent directly, or addressed
// to the topic itself (topic-addressed records behave like broadcast
// for that topic's subscribers).
func (m Message) AddressedTo(agentID string) bool {
	switch m.Receiver {
	case "", ReceiverBroadcast, agentID, m.Topic:
		return true
	default:
		return false
	}
}

// AsMap renders the message as a generic map. Trigger predicates and
// hook templates see messages in this shape.
func (m Message) AsMap() map[string]any {
	content := map[string]any{}
	if m.Content.Text != "" {
		content["text"] = m.Content.Text
	}
	if m.Content.Data != nil {
		content["data"] = m.Content.Data
	}
	out := map[string]any{
		"id":         m.ID,
		"timestamp":  m.Timestamp,
		"cluster_id": m.ClusterID,
		"topic":      m.Topic,
		"sender":     m.Sender,
		"receiver":   m.Receiver,
		"content":    content,
	}
	if m.Metadata != nil {
		out["metadata"] = m.Metadata
	}
	return out
}
