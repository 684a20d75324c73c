// Package orchestrator owns the cluster table: it creates clusters,
// routes CLUSTER_OPERATIONS records, resumes crashed clusters from
// their ledgers, and exposes the control surface the CLI fronts
// (start, list, status, logs, stop, kill, resume, purge).
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ensemblekit/ensemble/pkg/agent"
	"github.com/ensemblekit/ensemble/pkg/bus"
	"github.com/ensemblekit/ensemble/pkg/config"
	"github.com/ensemblekit/ensemble/pkg/hooks"
	"github.com/ensemblekit/ensemble/pkg/ledger"
	"github.com/ensemblekit/ensemble/pkg/masking"
	"github.com/ensemblekit/ensemble/pkg/metrics"
	"github.com/ensemblekit/ensemble/pkg/models"
	"github.com/ensemblekit/ensemble/pkg/prompt"
	"github.com/ensemblekit/ensemble/pkg/runner"
	"github.com/ensemblekit/ensemble/pkg/telemetry"
	"github.com/ensemblekit/ensemble/pkg/trigger"
)

// Sentinel errors of the control surface.
var (
	ErrClusterRunning    = errors.New("cluster is already running")
	ErrClusterNotRunning = errors.New("cluster is not running")
	ErrNotTerminal       = errors.New("cluster is not in a terminal state")
)

// Options configures an Orchestrator.
type Options struct {
	// StateDir holds per-cluster ledgers, clusters.json, and
	// settings.json5.
	StateDir string
	// Runner executes agent tasks.
	Runner runner.TaskRunner
	// Isolation, when set, provides per-cluster working directories.
	Isolation runner.Isolation
}

// Orchestrator manages all clusters of one process.
type Orchestrator struct {
	stateDir  string
	runner    runner.TaskRunner
	isolation runner.Isolation
	settings  *config.SettingsStore
	index     *ledger.IndexStore
	logger    *slog.Logger

	mu       sync.RWMutex
	clusters map[string]*clusterRuntime

	sweepStop chan struct{}
	sweepOnce sync.Once
	sweepWG   sync.WaitGroup
}

// New creates an orchestrator over the given state dir.
func New(opts Options) (*Orchestrator, error) {
	if opts.Runner == nil {
		return nil, fmt.Errorf("orchestrator needs a task runner")
	}
	if err := os.MkdirAll(opts.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state dir %s: %w", opts.StateDir, err)
	}
	index, err := ledger.NewIndexStore(opts.StateDir)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		stateDir:  opts.StateDir,
		runner:    opts.Runner,
		isolation: opts.Isolation,
		settings:  config.NewSettingsStore(opts.StateDir),
		index:     index,
		logger:    slog.With("component", "orchestrator"),
		clusters:  map[string]*clusterRuntime{},
		sweepStop: make(chan struct{}),
	}, nil
}

// loadSettings is the read-through settings access handed to agents.
func (o *Orchestrator) loadSettings() (models.Settings, error) {
	return o.settings.Load()
}

// Start creates and runs a cluster: validates the config, opens a
// fresh ledger, registers agents with the trigger engine, persists the
// cluster index entry, and seeds the input as ISSUE_OPENED.
func (o *Orchestrator) Start(ctx context.Context, cfg *config.ClusterConfig, input models.StartInput) (*models.Cluster, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	for _, warning := range config.Warnings(cfg) {
		o.logger.Warn("Cluster config warning", "detail", warning)
	}
	settings, err := o.loadSettings()
	if err != nil {
		return nil, err
	}
	seedText, seedSource, err := resolveInput(input)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	ctx, span := telemetry.StartClusterSpan(ctx, id, len(cfg.Agents))
	defer span.End()

	worktree := cfg.WorktreePath
	if worktree == "" && o.isolation != nil {
		worktree, err = o.isolation.WorkDir(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to provision working directory: %w", err)
		}
	}

	store, err := ledger.Open(o.stateDir, id)
	if err != nil {
		return nil, err
	}

	cluster := models.Cluster{
		ID:           id,
		CreatedAt:    time.Now().UTC(),
		State:        models.ClusterStateRunning,
		Config:       cfg.Agents,
		WorktreePath: worktree,
	}
	cr, err := o.buildRuntime(ctx, cluster, store, settings)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	if err := o.index.Put(cluster); err != nil {
		cr.StopCluster("failed to persist index entry")
		_ = store.Close()
		return nil, err
	}

	o.mu.Lock()
	o.clusters[id] = cr
	o.mu.Unlock()
	metrics.RunningClusters.Inc()

	seedMeta := map[string]any{models.MetadataKeySource: seedSource}
	if input.SourceIssue > 0 {
		seedMeta["issue"] = input.SourceIssue
	}
	if _, err := cr.bus.Publish(ctx, bus.PublishRequest{
		Topic:    models.TopicIssueOpened,
		Sender:   models.SenderUser,
		Content:  models.Content{Text: seedText},
		Metadata: seedMeta,
	}); err != nil {
		return nil, fmt.Errorf("failed to seed cluster input: %w", err)
	}

	o.logger.Info("Cluster started", "cluster_id", id, "agents", len(cfg.Agents), "source", seedSource)
	return &cluster, nil
}

// buildRuntime wires the per-cluster machinery without seeding or
// persisting anything. Shared by Start and Resume.
func (o *Orchestrator) buildRuntime(ctx context.Context, cluster models.Cluster, store *ledger.Store, settings models.Settings) (*clusterRuntime, error) {
	b := bus.New(store)
	cr := &clusterRuntime{
		orch:    o,
		store:   store,
		bus:     b,
		prompt:  prompt.NewBuilder(b),
		masker:  masking.New(settings.MaskingPatterns),
		logger:  slog.With("component", "cluster", "cluster_id", cluster.ID),
		cluster: cluster,
		agents:  map[string]*agent.Runtime{},
	}
	engine, err := trigger.NewEngine(b, cr)
	if err != nil {
		return nil, err
	}
	cr.engine = engine
	cr.hooks = hooks.NewRunner(b, cr)

	for _, def := range cluster.Config {
		if err := cr.addAgent(ctx, def, settings); err != nil {
			return nil, err
		}
	}
	cr.unsubOps = b.SubscribeTopic(models.TopicClusterOperations, cr.handleOperations)
	return cr, nil
}

// Resume reopens a crashed or stopped cluster and rebuilds agent state
// from the ledger: iteration from TASK_STARTED counts, lastTaskEnd
// from the newest TASK_COMPLETED. Nothing is appended and no old
// trigger replays; the ledger already reflects the desired state.
func (o *Orchestrator) Resume(ctx context.Context, clusterID string) (*models.Cluster, error) {
	o.mu.RLock()
	_, live := o.clusters[clusterID]
	o.mu.RUnlock()
	if live {
		return nil, fmt.Errorf("%w: %s", ErrClusterRunning, clusterID)
	}

	cluster, err := o.index.Get(clusterID)
	if err != nil {
		return nil, err
	}
	settings, err := o.loadSettings()
	if err != nil {
		return nil, err
	}
	store, err := ledger.Open(o.stateDir, clusterID)
	if err != nil {
		return nil, err
	}

	cluster.State = models.ClusterStateRunning
	cr, err := o.buildRuntime(ctx, cluster, store, settings)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	cr.mu.RLock()
	agents := make([]*agent.Runtime, 0, len(cr.agents))
	for _, rt := range cr.agents {
		agents = append(agents, rt)
	}
	cr.mu.RUnlock()
	for _, rt := range agents {
		iteration, err := store.Count(ctx, ledger.Filter{Topic: models.TopicTaskStarted, Sender: rt.ID()})
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		var lastEnd *time.Time
		completed, err := store.FindLast(ctx, ledger.Filter{Topic: models.TopicTaskCompleted, Sender: rt.ID()})
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		if completed != nil {
			t := completed.Time()
			lastEnd = &t
		}
		rt.Restore(iteration, lastEnd)
		// cwd repair: definitions persisted before worktree inheritance
		// get the same default chain as dynamically added agents.
		if rt.Definition().Cwd == "" {
			rt.SetCwd(cr.resolveCwd(ctx, ""))
		}
	}

	if err := o.index.Put(cluster); err != nil {
		_ = store.Close()
		return nil, err
	}
	o.mu.Lock()
	o.clusters[clusterID] = cr
	o.mu.Unlock()
	metrics.RunningClusters.Inc()

	o.logger.Info("Cluster resumed", "cluster_id", clusterID, "agents", len(agents))
	return &cluster, nil
}

// Publish appends a record to a live cluster's ledger on the caller's
// behalf and fans it out to subscribers. Sender defaults to "user".
func (o *Orchestrator) Publish(ctx context.Context, clusterID string, req bus.PublishRequest) (models.Message, error) {
	cr, err := o.liveCluster(clusterID)
	if err != nil {
		return models.Message{}, err
	}
	if req.Sender == "" {
		req.Sender = models.SenderUser
	}
	return cr.bus.Publish(ctx, req)
}

// Stop requests a cooperative stop: no new trigger firings, in-flight
// tasks finish. Nothing is appended to the ledger. A cluster whose
// process died while the index still says running gets its persisted
// state repaired to stopped instead.
func (o *Orchestrator) Stop(clusterID string) error {
	cr, err := o.liveCluster(clusterID)
	if err == nil {
		cr.StopCluster("requested")
		return nil
	}
	cluster, gerr := o.index.Get(clusterID)
	if gerr != nil {
		return gerr
	}
	if cluster.State != models.ClusterStateRunning {
		return fmt.Errorf("%w: %s is %s", ErrClusterNotRunning, clusterID, cluster.State)
	}
	cluster.State = models.ClusterStateStopped
	o.logger.Info("Repaired orphaned cluster state", "cluster_id", clusterID)
	return o.index.Put(cluster)
}

// Kill cancels in-flight tasks and stops the cluster immediately.
func (o *Orchestrator) Kill(clusterID string) error {
	cr, err := o.liveCluster(clusterID)
	if err != nil {
		return err
	}
	cr.kill()
	return nil
}

// List returns summaries for every known cluster, live or not.
func (o *Orchestrator) List(ctx context.Context) ([]models.ClusterSummary, error) {
	clusters, err := o.index.List()
	if err != nil {
		return nil, err
	}
	summaries := make([]models.ClusterSummary, 0, len(clusters))
	for _, cluster := range clusters {
		summary := models.ClusterSummary{
			ID:         cluster.ID,
			State:      cluster.State,
			CreatedAt:  cluster.CreatedAt,
			AgentCount: len(cluster.Config),
		}
		if n, err := o.messageCount(ctx, cluster.ID); err == nil {
			summary.MessageCount = n
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// Status returns the cluster plus per-agent runtime state. For live
// clusters the state comes from the runtimes; for stopped ones the
// iteration counts are reconstructed from the ledger.
func (o *Orchestrator) Status(ctx context.Context, clusterID string) (*models.ClusterDetail, error) {
	o.mu.RLock()
	cr, live := o.clusters[clusterID]
	o.mu.RUnlock()
	if live {
		detail := &models.ClusterDetail{Cluster: cr.snapshotCluster(), Agents: cr.agentStatuses()}
		detail.State = models.ClusterStateRunning
		return detail, nil
	}

	cluster, err := o.index.Get(clusterID)
	if err != nil {
		return nil, err
	}
	store, err := ledger.Open(o.stateDir, clusterID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = store.Close() }()

	detail := &models.ClusterDetail{Cluster: cluster}
	for _, def := range cluster.Config {
		iteration, err := store.Count(ctx, ledger.Filter{Topic: models.TopicTaskStarted, Sender: def.ID})
		if err != nil {
			return nil, err
		}
		detail.Agents = append(detail.Agents, models.AgentStatus{
			ID:        def.ID,
			Role:      def.Role,
			State:     models.AgentStateIdle,
			Iteration: iteration,
		})
	}
	return detail, nil
}

// Logs returns the full ledger as a channel. With follow the channel
// stays open and streams new records until ctx is cancelled; without
// it the channel closes after the snapshot.
func (o *Orchestrator) Logs(ctx context.Context, clusterID string, follow bool) (<-chan models.Message, error) {
	o.mu.RLock()
	cr, live := o.clusters[clusterID]
	o.mu.RUnlock()

	if !live {
		if follow {
			return nil, fmt.Errorf("%w: %s", ErrClusterNotRunning, clusterID)
		}
		store, err := ledger.Open(o.stateDir, clusterID)
		if err != nil {
			return nil, err
		}
		defer func() { _ = store.Close() }()
		snapshot, err := store.Query(ctx, ledger.Filter{})
		if err != nil {
			return nil, err
		}
		out := make(chan models.Message, len(snapshot))
		for _, msg := range snapshot {
			out <- msg
		}
		close(out)
		return out, nil
	}

	// Subscribe before the snapshot query so nothing published in
	// between is lost; duplicates are dropped by seq.
	updates := make(chan models.Message, 256)
	unsubscribe := cr.bus.SubscribeTopic(bus.AllTopics, func(msg models.Message) {
		select {
		case updates <- msg:
		default:
			// A slow consumer drops live records rather than stalling
			// the publish path; the ledger still has them.
		}
	})

	snapshot, err := cr.bus.Query(ctx, ledger.Filter{})
	if err != nil {
		unsubscribe()
		return nil, err
	}

	out := make(chan models.Message, 64)
	go func() {
		defer close(out)
		defer unsubscribe()
		var lastSeq int64
		for _, msg := range snapshot {
			lastSeq = msg.Seq
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
		if !follow {
			return
		}
		for {
			select {
			case msg := <-updates:
				if msg.Seq <= lastSeq {
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Purge deletes a terminal cluster: its ledger file and index entry.
func (o *Orchestrator) Purge(clusterID string) error {
	o.mu.RLock()
	_, live := o.clusters[clusterID]
	o.mu.RUnlock()
	if live {
		return fmt.Errorf("%w: %s", ErrClusterRunning, clusterID)
	}
	cluster, err := o.index.Get(clusterID)
	if err != nil {
		return err
	}
	if !cluster.State.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrNotTerminal, clusterID, cluster.State)
	}

	path := ledger.Path(o.stateDir, clusterID)
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", p, err)
		}
	}
	return o.index.Delete(clusterID)
}

// Shutdown stops the retention sweeper and cooperatively stops every
// live cluster, waiting for in-flight tasks.
func (o *Orchestrator) Shutdown() {
	o.sweepOnce.Do(func() { close(o.sweepStop) })
	o.sweepWG.Wait()

	o.mu.RLock()
	live := make([]*clusterRuntime, 0, len(o.clusters))
	for _, cr := range o.clusters {
		live = append(live, cr)
	}
	o.mu.RUnlock()

	var g errgroup.Group
	for _, cr := range live {
		g.Go(func() error {
			cr.StopCluster("orchestrator shutdown")
			cr.mu.RLock()
			agents := make([]*agent.Runtime, 0, len(cr.agents))
			for _, rt := range cr.agents {
				agents = append(agents, rt)
			}
			cr.mu.RUnlock()
			for _, rt := range agents {
				rt.Wait()
			}
			return nil
		})
	}
	_ = g.Wait()
}

// markStopped finishes a cooperative stop: index update, cluster table
// removal, ledger close once in-flight tasks drained.
func (o *Orchestrator) markStopped(cr *clusterRuntime) {
	cr.mu.Lock()
	cr.cluster.State = models.ClusterStateStopped
	cluster := cr.cluster
	cr.mu.Unlock()
	if err := o.index.Put(cluster); err != nil {
		o.logger.Error("Failed to persist stopped state", "cluster_id", cluster.ID, "error", err)
	}

	o.mu.Lock()
	_, present := o.clusters[cr.cluster.ID]
	delete(o.clusters, cr.cluster.ID)
	o.mu.Unlock()
	if present {
		metrics.RunningClusters.Dec()
	}

	// Close the store only after in-flight tasks finished writing
	// their completion records.
	go func() {
		cr.mu.RLock()
		agents := make([]*agent.Runtime, 0, len(cr.agents))
		for _, rt := range cr.agents {
			agents = append(agents, rt)
		}
		cr.mu.RUnlock()
		for _, rt := range agents {
			rt.Wait()
		}
		if err := cr.store.Close(); err != nil {
			o.logger.Warn("Failed to close ledger", "cluster_id", cr.cluster.ID, "error", err)
		}
	}()
}

// awaitTopic blocks until the given cluster's ledger carries topic.
func (o *Orchestrator) awaitTopic(ctx context.Context, clusterID, topic string) error {
	cr, err := o.liveCluster(clusterID)
	if err != nil {
		return err
	}
	seen := make(chan struct{}, 1)
	unsubscribe := cr.bus.SubscribeTopic(topic, func(models.Message) {
		select {
		case seen <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	// The record may have landed before the subscription.
	existing, err := cr.bus.FindLast(ctx, ledger.Filter{Topic: topic})
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	select {
	case <-seen:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) liveCluster(clusterID string) (*clusterRuntime, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	cr, ok := o.clusters[clusterID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrClusterNotRunning, clusterID)
	}
	return cr, nil
}

func (o *Orchestrator) messageCount(ctx context.Context, clusterID string) (int, error) {
	o.mu.RLock()
	cr, live := o.clusters[clusterID]
	o.mu.RUnlock()
	if live {
		return cr.store.Count(ctx, ledger.Filter{})
	}
	store, err := ledger.Open(o.stateDir, clusterID)
	if err != nil {
		return 0, err
	}
	defer func() { _ = store.Close() }()
	return store.Count(ctx, ledger.Filter{})
}

// resolveInput turns a StartInput into seed text plus its source tag.
func resolveInput(input models.StartInput) (string, string, error) {
	switch {
	case input.File != "":
		raw, err := os.ReadFile(input.File)
		if err != nil {
			return "", "", fmt.Errorf("failed to read input file %s: %w", input.File, err)
		}
		return string(raw), models.SourceFile, nil
	case input.SourceIssue > 0:
		return input.Text, models.SourceIssue, nil
	case strings.TrimSpace(input.Text) != "":
		return input.Text, models.SourceText, nil
	default:
		return "", "", fmt.Errorf("start input needs text or a file")
	}
}
