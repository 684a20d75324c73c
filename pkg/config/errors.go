package config

import (
	"errors"
	"fmt"
)

// Sentinel errors for configuration failures. All are ConfigError in
// the engine's taxonomy: fatal at cluster start, reported to the
// caller, never published to a ledger.
var (
	ErrNoAgents           = errors.New("cluster config declares no agents")
	ErrMissingAgentID     = errors.New("agent definition is missing an id")
	ErrDuplicateAgentID   = errors.New("duplicate agent id")
	ErrInvalidAction      = errors.New("invalid action")
	ErrInvalidModelConfig = errors.New("invalid model config")
	ErrInvalidPattern     = errors.New("invalid iteration pattern")
	ErrInvalidSource      = errors.New("invalid context source")
	ErrInvalidFormat      = errors.New("invalid output format")
	ErrInvalidSettings    = errors.New("invalid settings")
)

// ValidationError carries the failing agent and field alongside the
// sentinel cause so callers can both errors.Is and print a precise
// diagnostic.
type ValidationError struct {
	AgentID string
	Field   string
	Detail  string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.AgentID == "" {
		return fmt.Sprintf("config: %s: %v (%s)", e.Field, e.Err, e.Detail)
	}
	return fmt.Sprintf("config: agent %s: %s: %v (%s)", e.AgentID, e.Field, e.Err, e.Detail)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func validationErr(agentID, field, detail string, err error) *ValidationError {
	return &ValidationError{AgentID: agentID, Field: field, Detail: detail, Err: err}
}
