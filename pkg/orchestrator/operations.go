package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ensemblekit/ensemble/pkg/bus"
	"github.com/ensemblekit/ensemble/pkg/config"
	"github.com/ensemblekit/ensemble/pkg/ledger"
	"github.com/ensemblekit/ensemble/pkg/models"
)

// Cluster operation types carried in CLUSTER_OPERATIONS records.
const (
	opAddAgents   = "add_agents"
	opRemoveAgent = "remove_agent"
	opPublish     = "publish"
	opStop        = "stop"
)

// handleOperations processes one CLUSTER_OPERATIONS record. The list is
// ordered; agent-table changes apply immediately, while publish side
// effects are staged and appended in one ledger transaction after every
// add_agents has taken effect. Fan-out happens only after the batch
// committed, and a stop operation runs last.
func (cr *clusterRuntime) handleOperations(msg models.Message) {
	ctx := context.Background()
	ops, ok := msg.Content.Data["operations"].([]any)
	if !ok {
		cr.logger.Warn("CLUSTER_OPERATIONS record without an operations list", "message_id", msg.ID)
		return
	}

	settings, err := cr.orch.loadSettings()
	if err != nil {
		cr.logger.Error("Failed to load settings for cluster operations", "error", err)
		return
	}

	var staged []models.Message
	stopReason := ""
	stopRequested := false

	for i, raw := range ops {
		op, ok := raw.(map[string]any)
		if !ok {
			cr.logger.Warn("Skipping malformed cluster operation", "index", i)
			continue
		}
		opType, _ := op["type"].(string)
		switch opType {
		case opAddAgents:
			if err := cr.applyAddAgents(ctx, op, settings); err != nil {
				cr.publishOperationError(ctx, msg, opType, err)
			}
		case opRemoveAgent:
			if id, ok := op["id"].(string); ok && id != "" {
				cr.removeAgent(id)
			} else {
				cr.publishOperationError(ctx, msg, opType, fmt.Errorf("remove_agent needs an id"))
			}
		case opPublish:
			record, err := cr.stagePublish(ctx, msg, op)
			if err != nil {
				cr.publishOperationError(ctx, msg, opType, err)
				continue
			}
			staged = append(staged, record)
		case opStop:
			stopRequested = true
			stopReason, _ = op["reason"].(string)
		default:
			cr.publishOperationError(ctx, msg, opType, fmt.Errorf("unknown operation type %q", opType))
		}
	}

	if len(staged) > 0 {
		appended, err := cr.store.AppendBatch(ctx, staged)
		if err != nil {
			cr.publishOperationError(ctx, msg, opPublish, fmt.Errorf("failed to append staged records: %w", err))
		} else {
			for _, record := range appended {
				cr.bus.Dispatch(record)
			}
		}
	}

	if stopRequested {
		if stopReason == "" {
			stopReason = "requested by cluster operation"
		}
		cr.StopCluster(stopReason)
	}
}

// applyAddAgents validates, persists, and registers the listed
// definitions. The persisted cluster config is extended first, so an
// added agent survives stop and resume exactly like a static one; the
// cwd default chain applies to each at registration.
func (cr *clusterRuntime) applyAddAgents(ctx context.Context, op map[string]any, settings models.Settings) error {
	rawAgents, ok := op["agents"].([]any)
	if !ok || len(rawAgents) == 0 {
		return fmt.Errorf("add_agents needs a non-empty agents list")
	}
	encoded, err := json.Marshal(rawAgents)
	if err != nil {
		return fmt.Errorf("failed to encode agent definitions: %w", err)
	}
	var defs []models.AgentDefinition
	if err := json.Unmarshal(encoded, &defs); err != nil {
		return fmt.Errorf("failed to parse agent definitions: %w", err)
	}
	for i := range defs {
		if err := config.ValidateAgent(&defs[i]); err != nil {
			return err
		}
	}

	cr.mu.Lock()
	for _, def := range defs {
		if _, exists := cr.agents[def.ID]; exists {
			cr.mu.Unlock()
			return fmt.Errorf("agent %s already registered", def.ID)
		}
	}
	updated := cr.cluster
	updated.Config = append(append([]models.AgentDefinition{}, cr.cluster.Config...), defs...)
	cr.mu.Unlock()

	if err := cr.orch.index.Put(updated); err != nil {
		return fmt.Errorf("failed to persist added agents: %w", err)
	}
	cr.mu.Lock()
	cr.cluster.Config = updated.Config
	cr.mu.Unlock()

	for _, def := range defs {
		if err := cr.addAgent(ctx, def, settings); err != nil {
			return err
		}
	}
	return nil
}

// stagePublish builds the ledger record for a publish operation. A
// publish to a topic that already has records is a republish and gets
// metadata._republished = true, whether or not the conductor tagged it.
func (cr *clusterRuntime) stagePublish(ctx context.Context, src models.Message, op map[string]any) (models.Message, error) {
	topic, _ := op["topic"].(string)
	if topic == "" {
		return models.Message{}, fmt.Errorf("publish operation needs a topic")
	}

	var content models.Content
	if c, ok := op["content"].(map[string]any); ok {
		if text, ok := c["text"].(string); ok {
			content.Text = text
		}
		if data, ok := c["data"].(map[string]any); ok {
			content.Data = data
		}
	}
	metadata, _ := op["metadata"].(map[string]any)

	existing, err := cr.store.Count(ctx, ledger.Filter{Topic: topic})
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to check topic history: %w", err)
	}
	if existing > 0 {
		if metadata == nil {
			metadata = map[string]any{}
		}
		metadata[models.MetadataKeyRepublished] = true
	}

	receiver, _ := op["receiver"].(string)
	if receiver == "" {
		receiver = models.ReceiverBroadcast
	}
	return models.Message{
		Topic:    topic,
		Sender:   src.Sender,
		Receiver: receiver,
		Content:  content,
		Metadata: metadata,
	}, nil
}

func (cr *clusterRuntime) publishOperationError(ctx context.Context, src models.Message, opType string, cause error) {
	cr.logger.Warn("Cluster operation failed", "operation", opType, "message_id", src.ID, "error", cause)
	_, err := cr.bus.Publish(ctx, bus.PublishRequest{
		Topic:  models.TopicHookError,
		Sender: models.SenderSystem,
		Content: models.Content{
			Text: fmt.Sprintf("cluster operation %s from %s failed: %v", opType, src.Sender, cause),
			Data: map[string]any{
				"operation":  opType,
				"message_id": src.ID,
				"sender":     src.Sender,
				"error":      cause.Error(),
			},
		},
	})
	if err != nil {
		cr.logger.Error("Failed to publish operation error", "error", err)
	}
}

// clusterConfigFromHook converts a spawn_sub_cluster config payload.
func clusterConfigFromHook(configMap map[string]any) (*config.ClusterConfig, error) {
	if configMap == nil {
		return nil, fmt.Errorf("spawn_sub_cluster needs a config")
	}
	return config.ClusterConfigFromMap(configMap)
}

// startInputFromMap converts a spawn_sub_cluster input payload.
func startInputFromMap(input map[string]any) models.StartInput {
	var in models.StartInput
	if input == nil {
		return in
	}
	if text, ok := input["text"].(string); ok {
		in.Text = text
	}
	if file, ok := input["file"].(string); ok {
		in.File = file
	}
	return in
}
