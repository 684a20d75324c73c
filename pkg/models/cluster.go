package models

import "time"

// Cluster is a running instance of a workflow: a set of agents plus
// their shared ledger and bus. WorktreePath and ContainerID are opaque
// to the core; they only feed the cwd default chain for agents.
type Cluster struct {
	ID           string            `json:"id"`
	CreatedAt    time.Time         `json:"created_at"`
	State        ClusterState      `json:"state"`
	Config       []AgentDefinition `json:"config"`
	WorktreePath string            `json:"worktree_path,omitempty"`
	ContainerID  string            `json:"container_id,omitempty"`
}

// StartInput is the seed handed to Orchestrator.Start. Exactly one of
// Text or File should be set; SourceIssue tags pre-fetched issue text
// so the seed record carries metadata.source="issue".
type StartInput struct {
	Text        string `json:"text,omitempty"`
	File        string `json:"file,omitempty"`
	SourceIssue int    `json:"source_issue,omitempty"`
}

// ClusterSummary is the list-view projection of a cluster.
type ClusterSummary struct {
	ID           string       `json:"id"`
	State        ClusterState `json:"state"`
	CreatedAt    time.Time    `json:"created_at"`
	AgentCount   int          `json:"agent_count"`
	MessageCount int          `json:"message_count"`
}

// AgentStatus is the runtime view of one agent inside a cluster.
type AgentStatus struct {
	ID           string     `json:"id"`
	Role         string     `json:"role,omitempty"`
	State        AgentState `json:"state"`
	Iteration    int        `json:"iteration"`
	LastTaskEnd  *time.Time `json:"last_task_end,omitempty"`
	InFlightTask string     `json:"in_flight_task,omitempty"`
}

// ClusterDetail is the status-view projection: the cluster plus the
// runtime state of every agent.
type ClusterDetail struct {
	Cluster
	Agents []AgentStatus `json:"agents"`
}
