package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/ensemblekit/ensemble/pkg/agent"
	"github.com/ensemblekit/ensemble/pkg/bus"
	"github.com/ensemblekit/ensemble/pkg/hooks"
	"github.com/ensemblekit/ensemble/pkg/ledger"
	"github.com/ensemblekit/ensemble/pkg/masking"
	"github.com/ensemblekit/ensemble/pkg/models"
	"github.com/ensemblekit/ensemble/pkg/prompt"
	"github.com/ensemblekit/ensemble/pkg/trigger"
)

// clusterRuntime is one live cluster: its ledger, bus, trigger engine,
// and agent table. It implements trigger.ClusterView for
// cluster.getAgents() and hooks.ClusterControl for the stop and spawn
// hook actions.
type clusterRuntime struct {
	orch    *Orchestrator
	store   *ledger.Store
	bus     *bus.Bus
	engine  *trigger.Engine
	hooks   *hooks.Runner
	prompt  *prompt.Builder
	masker  *masking.Masker
	logger  *slog.Logger
	cluster models.Cluster

	mu       sync.RWMutex
	agents   map[string]*agent.Runtime
	order    []string
	unsubOps func()
	stopOnce sync.Once
}

// AgentSnapshots implements trigger.ClusterView.
func (cr *clusterRuntime) AgentSnapshots() []map[string]any {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	snapshots := make([]map[string]any, 0, len(cr.order))
	for _, id := range cr.order {
		if rt, ok := cr.agents[id]; ok {
			snapshots = append(snapshots, rt.Snapshot())
		}
	}
	return snapshots
}

// StopCluster implements hooks.ClusterControl: a cooperative stop. No
// new triggers fire; in-flight tasks run to completion. The stop
// appends nothing to the ledger, so resume-then-stop is a byte-level
// no-op on the store.
func (cr *clusterRuntime) StopCluster(reason string) {
	cr.stopOnce.Do(func() {
		cr.logger.Info("Stopping cluster", "reason", reason)
		cr.engine.Close()
		if cr.unsubOps != nil {
			cr.unsubOps()
		}
		cr.orch.markStopped(cr)
	})
}

// kill cancels in-flight tasks before stopping.
func (cr *clusterRuntime) kill() {
	cr.mu.RLock()
	agents := make([]*agent.Runtime, 0, len(cr.agents))
	for _, rt := range cr.agents {
		agents = append(agents, rt)
	}
	cr.mu.RUnlock()
	for _, rt := range agents {
		rt.Cancel()
	}
	cr.StopCluster("killed")
	for _, rt := range agents {
		rt.Wait()
	}
}

// SpawnSubCluster implements hooks.ClusterControl: a recursive
// orchestrator start. With waitForTopic set it blocks until the
// sub-cluster's ledger carries that topic or ctx is cancelled.
func (cr *clusterRuntime) SpawnSubCluster(ctx context.Context, configMap map[string]any, input map[string]any, waitForTopic string) error {
	cfg, err := clusterConfigFromHook(configMap)
	if err != nil {
		return err
	}
	sub, err := cr.orch.Start(ctx, cfg, startInputFromMap(input))
	if err != nil {
		return fmt.Errorf("failed to start sub-cluster: %w", err)
	}
	if waitForTopic == "" {
		return nil
	}
	return cr.orch.awaitTopic(ctx, sub.ID, waitForTopic)
}

// addAgent registers one agent with the cwd default chain applied:
// explicit cwd, cluster worktree, isolation workdir, process cwd. A
// model policy that can never satisfy the settings bounds publishes
// AGENT_ERROR immediately; the agent still registers so the record
// precedes any task of its cluster.
func (cr *clusterRuntime) addAgent(ctx context.Context, def models.AgentDefinition, settings models.Settings) error {
	cr.mu.Lock()
	if _, exists := cr.agents[def.ID]; exists {
		cr.mu.Unlock()
		return fmt.Errorf("agent %s already registered", def.ID)
	}
	cr.mu.Unlock()

	def.Cwd = cr.resolveCwd(ctx, def.Cwd)
	rt := agent.New(def, agent.Deps{
		Bus:            cr.bus,
		Prompt:         cr.prompt,
		Hooks:          cr.hooks,
		Runner:         cr.orch.runner,
		Masker:         cr.masker,
		Control:        cr,
		Settings:       cr.orch.loadSettings,
		ClusterCreated: cr.cluster.CreatedAt,
	})

	cr.mu.Lock()
	cr.agents[def.ID] = rt
	cr.order = append(cr.order, def.ID)
	cr.mu.Unlock()
	cr.engine.Register(rt)

	if err := agent.ValidateModelPolicy(def, settings); err != nil {
		cr.publishModelPolicyError(ctx, def.ID, err)
	}
	return nil
}

// removeAgent drops an agent from the runtime table and the persisted
// cluster config, so the removal also holds across resume.
func (cr *clusterRuntime) removeAgent(id string) {
	cr.engine.Unregister(id)
	cr.mu.Lock()
	delete(cr.agents, id)
	for i, existing := range cr.order {
		if existing == id {
			cr.order = append(cr.order[:i], cr.order[i+1:]...)
			break
		}
	}
	for i, def := range cr.cluster.Config {
		if def.ID == id {
			cr.cluster.Config = append(cr.cluster.Config[:i], cr.cluster.Config[i+1:]...)
			break
		}
	}
	cluster := cr.cluster
	cr.mu.Unlock()
	if err := cr.orch.index.Put(cluster); err != nil {
		cr.logger.Error("Failed to persist agent removal", "agent_id", id, "error", err)
	}
}

// snapshotCluster returns the cluster record under the lock; Config
// changes while operations run.
func (cr *clusterRuntime) snapshotCluster() models.Cluster {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	return cr.cluster
}

// resolveCwd applies the working-directory default chain.
func (cr *clusterRuntime) resolveCwd(ctx context.Context, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if cr.cluster.WorktreePath != "" {
		return cr.cluster.WorktreePath
	}
	if cr.orch.isolation != nil {
		if dir, err := cr.orch.isolation.WorkDir(ctx, cr.cluster.ID); err == nil && dir != "" {
			return dir
		}
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return ""
}

func (cr *clusterRuntime) publishModelPolicyError(ctx context.Context, agentID string, cause error) {
	cr.logger.Warn("Agent model policy violates settings bounds", "agent_id", agentID, "error", cause)
	_, err := cr.bus.Publish(ctx, bus.PublishRequest{
		Topic:  models.TopicAgentError,
		Sender: models.SenderSystem,
		Content: models.Content{
			Text: fmt.Sprintf("agent %s model policy rejected: %v", agentID, cause),
			Data: map[string]any{
				"agent_id": agentID,
				"code":     agent.CodeModelCeilingViolation,
				"error":    cause.Error(),
			},
		},
	})
	if err != nil {
		cr.logger.Error("Failed to publish AGENT_ERROR", "agent_id", agentID, "error", err)
	}
}

func (cr *clusterRuntime) agentStatuses() []models.AgentStatus {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	statuses := make([]models.AgentStatus, 0, len(cr.order))
	for _, id := range cr.order {
		rt, ok := cr.agents[id]
		if !ok {
			continue
		}
		statuses = append(statuses, models.AgentStatus{
			ID:          rt.ID(),
			Role:        rt.Definition().Role,
			State:       rt.State(),
			Iteration:   rt.Iteration(),
			LastTaskEnd: rt.LastTaskEnd(),
		})
	}
	return statuses
}
