// Package hooks executes the declarative post-task actions an agent
// carries: publishing a message, stopping the cluster, spawning a
// nested cluster, or an explicit noop. Hook payloads may reference the
// task's parsed result and the ledger through {{...}} placeholders.
//
// A failing hook never fails silently and never kills the agent: the
// failure is logged and published as a HOOK_ERROR record.
package hooks

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ensemblekit/ensemble/pkg/bus"
	"github.com/ensemblekit/ensemble/pkg/ledger"
	"github.com/ensemblekit/ensemble/pkg/models"
)

// ClusterControl is the slice of the orchestrator hooks may drive.
type ClusterControl interface {
	// StopCluster requests a cooperative stop of the hook's own cluster.
	StopCluster(reason string)
	// SpawnSubCluster starts a nested cluster and, when waitForTopic is
	// set, blocks until that topic appears on the sub-cluster's ledger.
	SpawnSubCluster(ctx context.Context, config map[string]any, input map[string]any, waitForTopic string) error
}

// Runner executes hook actions for one cluster.
type Runner struct {
	bus     *bus.Bus
	control ClusterControl
	logger  *slog.Logger
}

// NewRunner creates a hook runner over the cluster's bus.
func NewRunner(b *bus.Bus, control ClusterControl) *Runner {
	return &Runner{
		bus:     b,
		control: control,
		logger:  slog.With("component", "hooks", "cluster_id", b.Ledger().ClusterID()),
	}
}

// Run executes one hook. result is the parsed task output (nil for
// onStart and for failed tasks). Failures are published as HOOK_ERROR
// and returned for the caller's log line; callers never treat them as
// fatal.
func (r *Runner) Run(ctx context.Context, agentID, hookName string, spec *models.ActionSpec, result map[string]any) error {
	if spec == nil || spec.Action == models.ActionNoop {
		return nil
	}
	if err := r.run(ctx, agentID, spec, result); err != nil {
		r.publishHookError(ctx, agentID, hookName, spec, err)
		return err
	}
	return nil
}

func (r *Runner) run(ctx context.Context, agentID string, spec *models.ActionSpec, result map[string]any) error {
	scope := Scope{
		Result: result,
		Ledger: func(topic string) (map[string]any, error) {
			msg, err := r.bus.FindLast(ctx, ledger.Filter{Topic: topic})
			if err != nil {
				return nil, err
			}
			if msg == nil {
				return nil, nil
			}
			return msg.AsMap(), nil
		},
	}

	switch spec.Action {
	case models.ActionPublishMessage:
		return r.runPublish(ctx, agentID, spec, scope)
	case models.ActionStopCluster:
		reason, err := interpolateToString(spec.Reason, scope)
		if err != nil {
			return err
		}
		r.control.StopCluster(reason)
		return nil
	case models.ActionSpawnSubCluster:
		input, err := interpolateMap(spec.Input, scope)
		if err != nil {
			return err
		}
		return r.control.SpawnSubCluster(ctx, spec.Config, input, spec.WaitForTopic)
	default:
		return fmt.Errorf("unsupported hook action %q", spec.Action)
	}
}

func (r *Runner) runPublish(ctx context.Context, agentID string, spec *models.ActionSpec, scope Scope) error {
	if spec.Topic == "" {
		return fmt.Errorf("publish_message hook needs a topic")
	}
	content, err := interpolateMap(spec.Content, scope)
	if err != nil {
		return err
	}
	metadata, err := interpolateMap(spec.Metadata, scope)
	if err != nil {
		return err
	}

	var parsed models.Content
	if text, ok := content["text"].(string); ok {
		parsed.Text = text
	}
	if data, ok := content["data"].(map[string]any); ok {
		parsed.Data = data
	}

	_, err = r.bus.Publish(ctx, bus.PublishRequest{
		Topic:    spec.Topic,
		Sender:   agentID,
		Content:  parsed,
		Metadata: metadata,
	})
	return err
}

func (r *Runner) publishHookError(ctx context.Context, agentID, hookName string, spec *models.ActionSpec, cause error) {
	r.logger.Warn("Hook failed", "agent_id", agentID, "hook", hookName, "action", spec.Action, "error", cause)
	_, err := r.bus.Publish(ctx, bus.PublishRequest{
		Topic:  models.TopicHookError,
		Sender: models.SenderSystem,
		Content: models.Content{
			Text: fmt.Sprintf("hook %s of agent %s failed: %v", hookName, agentID, cause),
			Data: map[string]any{
				"agent_id": agentID,
				"hook":     hookName,
				"action":   string(spec.Action),
				"error":    cause.Error(),
			},
		},
	})
	if err != nil {
		r.logger.Error("Failed to publish HOOK_ERROR", "agent_id", agentID, "error", err)
	}
}

func interpolateMap(in map[string]any, scope Scope) (map[string]any, error) {
	if in == nil {
		return nil, nil
	}
	resolved, err := Interpolate(in, scope)
	if err != nil {
		return nil, err
	}
	return resolved.(map[string]any), nil
}

func interpolateToString(in string, scope Scope) (string, error) {
	if in == "" {
		return "", nil
	}
	resolved, err := interpolateString(in, scope)
	if err != nil {
		return "", err
	}
	return stringify(resolved), nil
}
