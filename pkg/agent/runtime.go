// Package agent implements the per-agent lifecycle: serialized task
// execution, iteration accounting, model selection against the
// settings ceiling, context assembly, output parsing, and hook
// dispatch. One Runtime instance exists per registered agent; the
// trigger engine delivers fired triggers to it.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ensemblekit/ensemble/pkg/bus"
	"github.com/ensemblekit/ensemble/pkg/hooks"
	"github.com/ensemblekit/ensemble/pkg/masking"
	"github.com/ensemblekit/ensemble/pkg/metrics"
	"github.com/ensemblekit/ensemble/pkg/models"
	"github.com/ensemblekit/ensemble/pkg/prompt"
	"github.com/ensemblekit/ensemble/pkg/runner"
	"github.com/ensemblekit/ensemble/pkg/schema"
	"github.com/ensemblekit/ensemble/pkg/telemetry"
)

// Task failure codes carried in AGENT_ERROR records.
const (
	CodeRunnerFailure   = "RUNNER_FAILURE"
	CodeSchemaViolation = "SCHEMA_VALIDATION_FAILED"
	CodeInternal        = "INTERNAL"
)

// ErrHalted means the agent hit its iteration ceiling and refuses
// further execute_task triggers.
var ErrHalted = errors.New("agent halted at iteration ceiling")

// Deps wires a Runtime into its cluster.
type Deps struct {
	Bus     *bus.Bus
	Prompt  *prompt.Builder
	Hooks   *hooks.Runner
	Runner  runner.TaskRunner
	Masker  *masking.Masker
	Control hooks.ClusterControl
	// Settings is the read-through settings load, called once per task
	// spawn. Never cached across tasks.
	Settings       func() (models.Settings, error)
	ClusterCreated time.Time
}

type pendingExec struct {
	trigger models.TriggerDef
	index   int
	msg     models.Message
}

// Runtime is one live agent. It implements trigger.Target.
type Runtime struct {
	def    models.AgentDefinition
	deps   Deps
	logger *slog.Logger

	mu          sync.Mutex
	state       models.AgentState
	iteration   int
	lastTaskEnd *time.Time
	halted      bool
	pending     []pendingExec
	cancelTask  context.CancelFunc

	wg sync.WaitGroup
}

// New creates an idle Runtime for the given definition.
func New(def models.AgentDefinition, deps Deps) *Runtime {
	return &Runtime{
		def:    def,
		deps:   deps,
		state:  models.AgentStateIdle,
		logger: slog.With("component", "agent", "agent_id", def.ID),
	}
}

// ID implements trigger.Target.
func (r *Runtime) ID() string { return r.def.ID }

// Definition implements trigger.Target.
func (r *Runtime) Definition() models.AgentDefinition { return r.def }

// State returns the current lifecycle state.
func (r *Runtime) State() models.AgentState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Iteration returns the number of tasks started so far.
func (r *Runtime) Iteration() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.iteration
}

// LastTaskEnd returns the completion time of the newest finished task,
// or nil before the first completion.
func (r *Runtime) LastTaskEnd() *time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastTaskEnd
}

// SetCwd overrides the agent's working directory. The orchestrator uses
// it for the worktree default chain and for cwd repair on resume.
func (r *Runtime) SetCwd(cwd string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.def.Cwd = cwd
}

// Restore seeds iteration state reconstructed from the ledger. Only
// valid before the runtime receives its first trigger.
func (r *Runtime) Restore(iteration int, lastTaskEnd *time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.iteration = iteration
	r.lastTaskEnd = lastTaskEnd
}

// Snapshot is the cluster.getAgents() view of this agent.
func (r *Runtime) Snapshot() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return map[string]any{
		"id":        r.def.ID,
		"role":      r.def.Role,
		"state":     string(r.state),
		"iteration": r.iteration,
	}
}

// Cancel aborts the in-flight task, if any. Used by Kill and by stale
// handling; the execute path publishes the corresponding record.
func (r *Runtime) Cancel() {
	r.mu.Lock()
	cancel := r.cancelTask
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until no task is in flight.
func (r *Runtime) Wait() {
	r.wg.Wait()
}

// Deliver implements trigger.Target. execute_task serializes on the
// agent's single execution slot: triggers arriving while a task runs
// are queued and drained in arrival order.
func (r *Runtime) Deliver(ctx context.Context, trigger models.TriggerDef, index int, msg models.Message) error {
	switch trigger.Action {
	case models.ActionExecuteTask:
		return r.enqueueExecute(trigger, index, msg)
	case models.ActionPublishMessage:
		spec := trigger.ActionSpec()
		_, err := r.deps.Bus.Publish(ctx, bus.PublishRequest{
			Topic:    spec.Topic,
			Sender:   r.def.ID,
			Content:  contentFromMap(spec.Content),
			Metadata: spec.Metadata,
		})
		return err
	case models.ActionStopCluster:
		r.deps.Control.StopCluster(trigger.ActionSpec().Reason)
		return nil
	case models.ActionNoop:
		return nil
	default:
		return fmt.Errorf("unsupported trigger action %q", trigger.Action)
	}
}

func (r *Runtime) enqueueExecute(trigger models.TriggerDef, index int, msg models.Message) error {
	r.mu.Lock()
	if r.halted {
		r.mu.Unlock()
		return ErrHalted
	}
	if r.iteration >= r.def.MaxIterationsOrDefault() {
		r.halted = true
		iteration := r.iteration
		r.mu.Unlock()
		r.publishHalted(iteration)
		return ErrHalted
	}
	if r.state != models.AgentStateIdle {
		r.pending = append(r.pending, pendingExec{trigger: trigger, index: index, msg: msg})
		r.mu.Unlock()
		return nil
	}
	r.state = models.AgentStateExecuting
	r.iteration++
	iteration := r.iteration
	r.wg.Add(1)
	r.mu.Unlock()

	go r.execute(iteration, msg)
	return nil
}

// execute runs one task end to end, then drains the deferred queue.
func (r *Runtime) execute(iteration int, msg models.Message) {
	defer r.wg.Done()
	r.runTask(iteration, msg)

	now := time.Now()
	r.mu.Lock()
	r.lastTaskEnd = &now
	if len(r.pending) == 0 {
		r.state = models.AgentStateIdle
		r.mu.Unlock()
		return
	}
	if r.iteration >= r.def.MaxIterationsOrDefault() {
		r.halted = true
		r.pending = nil
		r.state = models.AgentStateIdle
		iteration := r.iteration
		r.mu.Unlock()
		r.publishHalted(iteration)
		return
	}
	next := r.pending[0]
	r.pending = r.pending[1:]
	r.iteration++
	nextIteration := r.iteration
	r.wg.Add(1)
	r.mu.Unlock()

	go r.execute(nextIteration, next.msg)
}

func (r *Runtime) runTask(iteration int, msg models.Message) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if timeout := r.def.Timeout(); timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	r.mu.Lock()
	r.cancelTask = cancel
	lastTaskEnd := r.lastTaskEnd
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.cancelTask = nil
		r.mu.Unlock()
	}()

	// The stale watchdog fires when the runner makes no progress for
	// the stale window; every streamed output line pushes it back.
	var staleFired bool
	var staleMu sync.Mutex
	watchdog := time.AfterFunc(r.def.StaleDuration(), func() {
		staleMu.Lock()
		staleFired = true
		staleMu.Unlock()
		r.publishLifecycle(models.TopicAgentStale, iteration, "task made no progress within the stale window")
		cancel()
	})
	defer watchdog.Stop()

	r.runHook(ctx, "onStart", hookSpec(r.def.Hooks, "onStart"), nil)

	settings, err := r.deps.Settings()
	if err != nil {
		r.failTask(ctx, iteration, CodeInternal, fmt.Errorf("failed to load settings: %w", err))
		return
	}
	choice, err := SelectModel(r.def, iteration, settings)
	if err != nil {
		code := CodeInternal
		switch {
		case errors.Is(err, ErrNoModelRule):
			code = CodeNoModelRule
		case errors.Is(err, ErrModelCeiling):
			code = CodeModelCeilingViolation
		}
		r.failTask(ctx, iteration, code, err)
		return
	}

	schemaMap, runnerFormat, strict := r.outputPolicy(settings)
	promptText, err := r.deps.Prompt.Build(ctx, prompt.Input{
		Definition:       r.def,
		Iteration:        iteration,
		ClusterCreated:   r.deps.ClusterCreated,
		LastTaskEnd:      lastTaskEnd,
		StreamWithSchema: schemaMap != nil,
		Schema:           schemaMap,
	})
	if err != nil {
		r.failTask(ctx, iteration, CodeInternal, fmt.Errorf("failed to build context: %w", err))
		return
	}

	taskID := uuid.NewString()
	started := time.Now()
	r.publishTaskStarted(ctx, taskID, iteration, choice.Model)
	metrics.TasksStarted.Inc()

	taskCtx, span := telemetry.StartTaskSpan(ctx, r.def.ID, choice.Model, iteration)
	result, runErr := r.deps.Runner.Run(taskCtx, runner.Options{
		AgentID:         r.def.ID,
		Prompt:          promptText,
		Model:           choice.Model,
		Provider:        settings.DefaultProvider,
		ReasoningEffort: choice.ReasoningEffort,
		Cwd:             r.def.Cwd,
		OutputFormat:    runnerFormat,
		JSONSchema:      schemaMap,
		StrictSchema:    strict,
		OnOutput: func(line string) {
			watchdog.Reset(r.def.StaleDuration())
			r.logger.Debug("Task output", "task_id", taskID, "line", line)
		},
	})
	watchdog.Stop()
	telemetry.EndTaskSpan(span, runErr == nil && result.Success, len(result.Output))
	metrics.TaskDuration.Observe(time.Since(started).Seconds())

	if runErr != nil {
		staleMu.Lock()
		stale := staleFired
		staleMu.Unlock()
		switch {
		case stale:
			// AGENT_STALE is already on the ledger.
		case errors.Is(runErr, context.DeadlineExceeded):
			r.publishLifecycle(models.TopicAgentTimeout, iteration, fmt.Sprintf("task exceeded timeout of %s", r.def.Timeout()))
		case errors.Is(runErr, context.Canceled):
			r.logger.Info("Task cancelled", "task_id", taskID, "iteration", iteration)
		default:
			r.publishAgentError(ctx, iteration, CodeRunnerFailure, runErr.Error())
		}
		r.publishTaskCompleted(taskID, iteration, choice.Model, false, started, "")
		metrics.TasksFailed.Inc()
		r.runHook(ctx, "onError", hookSpec(r.def.Hooks, "onError"), nil)
		return
	}
	if !result.Success {
		r.publishAgentError(ctx, iteration, CodeRunnerFailure, r.deps.Masker.Mask(result.Error))
		r.publishTaskCompleted(taskID, iteration, choice.Model, false, started, r.deps.Masker.Mask(result.Output))
		metrics.TasksFailed.Inc()
		r.runHook(ctx, "onError", hookSpec(r.def.Hooks, "onError"), nil)
		return
	}

	maskedOutput := r.deps.Masker.Mask(result.Output)
	var parsed map[string]any
	if schemaMap != nil {
		var parseErr error
		parsed, parseErr = schema.Parse(result.Output, schemaMap)
		if parseErr != nil {
			// A validator's verdict is only usable as structured data, so
			// a schema violation is fatal for it regardless of strictness.
			// Other roles degrade to a warning with text passthrough.
			if r.def.IsValidator() {
				r.publishAgentError(ctx, iteration, CodeSchemaViolation, parseErr.Error())
				r.publishTaskCompleted(taskID, iteration, choice.Model, false, started, maskedOutput)
				metrics.TasksFailed.Inc()
				r.runHook(ctx, "onError", hookSpec(r.def.Hooks, "onError"), nil)
				return
			}
			r.publishSchemaWarning(ctx, iteration, parseErr)
		}
		if parsed != nil {
			parsed = r.deps.Masker.MaskData(parsed).(map[string]any)
		}
	}

	r.publishTaskCompletedWithResult(taskID, iteration, choice.Model, started, maskedOutput, parsed)
	metrics.TasksCompleted.Inc()
	r.runHook(ctx, "onComplete", hookSpec(r.def.Hooks, "onComplete"), parsed)
}

// outputPolicy resolves the schema-vs-streaming decision: strict json
// keeps the runner in json mode; non-strict json with a schema streams
// for live logs and validates after the fact. Text output never parses.
func (r *Runtime) outputPolicy(settings models.Settings) (map[string]any, models.OutputFormat, bool) {
	format := r.def.EffectiveOutputFormat()
	if format == models.OutputFormatText {
		return nil, models.OutputFormatText, false
	}
	schemaMap := r.def.JSONSchema
	if schemaMap == nil {
		schemaMap = schema.Default()
	}
	strict := settings.StrictSchemaEnabled()
	if r.def.StrictSchema != nil {
		strict = *r.def.StrictSchema
	}
	if strict {
		return schemaMap, models.OutputFormatJSON, true
	}
	return schemaMap, models.OutputFormatStreamJSON, false
}

// failTask records a pre-runner failure: a task slot was consumed but
// no TASK_STARTED was published, so only AGENT_ERROR appears.
func (r *Runtime) failTask(ctx context.Context, iteration int, code string, cause error) {
	r.logger.Warn("Task failed before execution", "iteration", iteration, "code", code, "error", cause)
	r.publishAgentError(ctx, iteration, code, cause.Error())
	metrics.TasksFailed.Inc()
}

func (r *Runtime) runHook(ctx context.Context, name string, spec *models.ActionSpec, result map[string]any) {
	if spec == nil {
		return
	}
	if err := r.deps.Hooks.Run(ctx, r.def.ID, name, spec, result); err != nil {
		r.logger.Warn("Hook failed", "hook", name, "error", err)
	}
}

func hookSpec(set *models.HookSet, name string) *models.ActionSpec {
	if set == nil {
		return nil
	}
	switch name {
	case "onStart":
		return set.OnStart
	case "onComplete":
		return set.OnComplete
	case "onError":
		return set.OnError
	default:
		return nil
	}
}

func (r *Runtime) publishTaskStarted(ctx context.Context, taskID string, iteration int, model string) {
	_, err := r.deps.Bus.Publish(ctx, bus.PublishRequest{
		Topic:  models.TopicTaskStarted,
		Sender: r.def.ID,
		Content: models.Content{Data: map[string]any{
			"taskId":    taskID,
			"iteration": iteration,
			"model":     model,
		}},
	})
	if err != nil {
		r.logger.Error("Failed to publish TASK_STARTED", "error", err)
	}
}

func (r *Runtime) publishTaskCompleted(taskID string, iteration int, model string, success bool, started time.Time, output string) {
	r.publishCompletion(taskID, iteration, model, success, started, output, nil)
}

func (r *Runtime) publishTaskCompletedWithResult(taskID string, iteration int, model string, started time.Time, output string, result map[string]any) {
	r.publishCompletion(taskID, iteration, model, true, started, output, result)
}

func (r *Runtime) publishCompletion(taskID string, iteration int, model string, success bool, started time.Time, output string, result map[string]any) {
	data := map[string]any{
		"taskId":     taskID,
		"iteration":  iteration,
		"model":      model,
		"success":    success,
		"durationMs": time.Since(started).Milliseconds(),
	}
	if result != nil {
		data["result"] = result
	}
	// Completion records must land even when the task context is
	// already cancelled, so they publish on a fresh context.
	_, err := r.deps.Bus.Publish(context.Background(), bus.PublishRequest{
		Topic:   models.TopicTaskCompleted,
		Sender:  r.def.ID,
		Content: models.Content{Text: output, Data: data},
	})
	if err != nil {
		r.logger.Error("Failed to publish TASK_COMPLETED", "error", err)
	}
}

func (r *Runtime) publishAgentError(ctx context.Context, iteration int, code, detail string) {
	_, err := r.deps.Bus.Publish(ctx, bus.PublishRequest{
		Topic:  models.TopicAgentError,
		Sender: models.SenderSystem,
		Content: models.Content{
			Text: fmt.Sprintf("agent %s failed: %s", r.def.ID, detail),
			Data: map[string]any{
				"agent_id":  r.def.ID,
				"iteration": iteration,
				"code":      code,
				"error":     detail,
			},
		},
	})
	if err != nil {
		r.logger.Error("Failed to publish AGENT_ERROR", "error", err)
	}
}

func (r *Runtime) publishSchemaWarning(ctx context.Context, iteration int, cause error) {
	_, err := r.deps.Bus.Publish(ctx, bus.PublishRequest{
		Topic:  models.TopicAgentSchemaWarning,
		Sender: models.SenderSystem,
		Content: models.Content{
			Text: fmt.Sprintf("agent %s output failed schema validation; passing through as text", r.def.ID),
			Data: map[string]any{
				"agent_id":  r.def.ID,
				"iteration": iteration,
				"error":     cause.Error(),
			},
		},
	})
	if err != nil {
		r.logger.Error("Failed to publish AGENT_SCHEMA_WARNING", "error", err)
	}
}

func (r *Runtime) publishHalted(iteration int) {
	r.logger.Warn("Agent halted at iteration ceiling", "iteration", iteration)
	_, err := r.deps.Bus.Publish(context.Background(), bus.PublishRequest{
		Topic:  models.TopicAgentHalted,
		Sender: models.SenderSystem,
		Content: models.Content{
			Text: fmt.Sprintf("agent %s halted after %d iterations", r.def.ID, iteration),
			Data: map[string]any{"agent_id": r.def.ID, "iteration": iteration},
		},
	})
	if err != nil {
		r.logger.Error("Failed to publish AGENT_HALTED", "error", err)
	}
}

// publishLifecycle covers AGENT_STALE and AGENT_TIMEOUT, which may
// fire from watchdog goroutines with no live task context.
func (r *Runtime) publishLifecycle(topic string, iteration int, detail string) {
	_, err := r.deps.Bus.Publish(context.Background(), bus.PublishRequest{
		Topic:  topic,
		Sender: models.SenderSystem,
		Content: models.Content{
			Text: fmt.Sprintf("agent %s: %s", r.def.ID, detail),
			Data: map[string]any{"agent_id": r.def.ID, "iteration": iteration},
		},
	})
	if err != nil {
		r.logger.Error("Failed to publish lifecycle record", "topic", topic, "error", err)
	}
}

func contentFromMap(m map[string]any) models.Content {
	var content models.Content
	if text, ok := m["text"].(string); ok {
		content.Text = text
	}
	if data, ok := m["data"].(map[string]any); ok {
		content.Data = data
	}
	return content
}
