// Package trigger evaluates agent triggers against every published
// message. Predicates are CEL expressions compiled once and run in a
// frozen, read-only environment: they can query the ledger and inspect
// the cluster's agents, but cannot perform I/O or see the wall clock
// beyond the triggering message's own timestamp.
//
// Dispatch rules, in order: topic match, republish filter, idempotency
// (a trigger fires at most once per message id), predicate. The first
// matching trigger of an agent wins; later triggers are not evaluated
// for that message. What "fire" means is up to the Target: execute_task
// enqueues on the agent's serialized slot (deferring while a task is in
// flight), the other actions run immediately.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/ensemblekit/ensemble/pkg/bus"
	"github.com/ensemblekit/ensemble/pkg/ledger"
	"github.com/ensemblekit/ensemble/pkg/metrics"
	"github.com/ensemblekit/ensemble/pkg/models"
	"github.com/ensemblekit/ensemble/pkg/telemetry"
)

// logicBudget is the hard wall-time limit for one predicate evaluation.
// A variable so tests can shrink it.
var logicBudget = 1000 * time.Millisecond

// Target is one registered agent as the engine sees it.
type Target interface {
	ID() string
	Definition() models.AgentDefinition
	// Deliver performs the trigger's action. execute_task must queue
	// rather than overlap when the agent is busy; an error means the
	// action was refused (for example a halted agent).
	Deliver(ctx context.Context, trigger models.TriggerDef, index int, msg models.Message) error
}

// ClusterView exposes the agent table to cluster.getAgents().
type ClusterView interface {
	AgentSnapshots() []map[string]any
}

type firedKey struct {
	agentID string
	index   int
	msgID   string
}

// Engine evaluates triggers for one cluster.
type Engine struct {
	bus     *bus.Bus
	cluster ClusterView
	env     *cel.Env
	logger  *slog.Logger

	mu         sync.Mutex
	targets    map[string]Target
	order      []string
	subscribed map[string]func()
	fired      map[firedKey]struct{}
	programs   map[string]cel.Program

	// evalMu serializes predicate evaluation. CEL function bindings have
	// no context parameter; evalCtx is stable for the duration of one
	// predicate because only one evaluation runs at a time.
	evalMu  sync.Mutex
	evalCtx context.Context
}

// NewEngine builds the CEL environment and returns an engine bound to
// one cluster's bus.
func NewEngine(b *bus.Bus, cluster ClusterView) (*Engine, error) {
	e := &Engine{
		bus:        b,
		cluster:    cluster,
		logger:     slog.With("component", "trigger", "cluster_id", b.Ledger().ClusterID()),
		targets:    map[string]Target{},
		subscribed: map[string]func(){},
		fired:      map[firedKey]struct{}{},
		programs:   map[string]cel.Program{},
	}

	env, err := cel.NewEnv(
		cel.Variable("message", cel.MapType(cel.StringType, cel.DynType)),
		cel.Function("ledger.query",
			cel.Overload("ledger_query_map",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType)}, cel.ListType(cel.DynType),
				cel.UnaryBinding(e.celQuery))),
		cel.Function("ledger.findLast",
			cel.Overload("ledger_findlast_map",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType)}, cel.DynType,
				cel.UnaryBinding(e.celFindLast))),
		cel.Function("ledger.count",
			cel.Overload("ledger_count_map",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType)}, cel.IntType,
				cel.UnaryBinding(e.celCount))),
		cel.Function("cluster.getAgents",
			cel.Overload("cluster_getagents",
				nil, cel.ListType(cel.DynType),
				cel.FunctionBinding(func(...ref.Val) ref.Val { return e.celGetAgents() }))),
		cel.Function("helpers.allResponded",
			cel.Overload("helpers_allresponded",
				[]*cel.Type{cel.ListType(cel.DynType), cel.StringType, cel.IntType}, cel.BoolType,
				cel.FunctionBinding(e.celAllResponded))),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build trigger environment: %w", err)
	}
	e.env = env
	return e, nil
}

// Register adds an agent and subscribes the engine to any of its
// trigger topics not yet covered. Registering an id twice replaces the
// target (resume path).
func (e *Engine) Register(t Target) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.targets[t.ID()]; !exists {
		e.order = append(e.order, t.ID())
	}
	e.targets[t.ID()] = t

	for _, trig := range t.Definition().Triggers {
		topic := trig.Topic
		if _, ok := e.subscribed[topic]; ok {
			continue
		}
		e.subscribed[topic] = e.bus.SubscribeTopic(topic, func(msg models.Message) {
			e.OnMessage(context.Background(), msg)
		})
	}
}

// Unregister removes an agent. Topic subscriptions stay: an unmatched
// message is cheap and dynamic re-adds are common.
func (e *Engine) Unregister(agentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.targets, agentID)
	for i, id := range e.order {
		if id == agentID {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
}

// Close drops all subscriptions.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, unsubscribe := range e.subscribed {
		unsubscribe()
	}
	e.subscribed = map[string]func(){}
}

// OnMessage evaluates all agents' triggers against one published
// record. Evaluation is serialized, so agents observe messages in
// ledger order.
func (e *Engine) OnMessage(ctx context.Context, msg models.Message) {
	e.mu.Lock()
	targets := make([]Target, 0, len(e.order))
	for _, id := range e.order {
		if t, ok := e.targets[id]; ok {
			targets = append(targets, t)
		}
	}
	e.mu.Unlock()

	for _, t := range targets {
		if !msg.AddressedTo(t.ID()) {
			continue
		}
		e.evaluateAgent(ctx, t, msg)
	}
}

func (e *Engine) evaluateAgent(ctx context.Context, t Target, msg models.Message) {
	for i, trig := range t.Definition().Triggers {
		if trig.Topic != msg.Topic {
			continue
		}
		if trig.ExcludesRepublished() && msg.Republished() {
			continue
		}
		key := firedKey{agentID: t.ID(), index: i, msgID: msg.ID}
		e.mu.Lock()
		_, already := e.fired[key]
		e.mu.Unlock()
		if already {
			metrics.TriggersSkipped.Inc()
			continue
		}
		if !e.logicHolds(ctx, t.ID(), trig, msg) {
			metrics.TriggersSkipped.Inc()
			continue
		}

		e.mu.Lock()
		e.fired[key] = struct{}{}
		e.mu.Unlock()

		metrics.TriggersFired.Inc()
		spanCtx, span := telemetry.StartTriggerSpan(ctx, t.ID(), trig.Topic)
		err := t.Deliver(spanCtx, trig, i, msg)
		span.End()
		if err != nil {
			e.logger.Warn("Trigger delivery refused",
				"agent_id", t.ID(), "topic", trig.Topic, "action", trig.Action, "error", err)
		}
		// First match wins.
		return
	}
}

// logicHolds evaluates the trigger's predicate. No expression means
// true. Budget overrun logs one warning and yields false; any other
// failure yields false and publishes LOGIC_ERROR.
func (e *Engine) logicHolds(ctx context.Context, agentID string, trig models.TriggerDef, msg models.Message) bool {
	if trig.Logic == nil || trig.Logic.Expression == "" {
		return true
	}
	if ctx.Err() != nil {
		return false
	}

	e.mu.Lock()
	prg, err := e.compileLocked(trig.Logic.Expression)
	e.mu.Unlock()
	if err != nil {
		e.publishLogicError(agentID, trig, msg, err)
		return false
	}

	e.evalMu.Lock()
	evalCtx, cancel := context.WithTimeout(ctx, logicBudget)
	e.evalCtx = evalCtx
	out, _, err := prg.ContextEval(evalCtx, map[string]any{"message": msg.AsMap()})
	e.evalCtx = nil
	budgetExceeded := errors.Is(evalCtx.Err(), context.DeadlineExceeded)
	cancel()
	e.evalMu.Unlock()
	if err != nil {
		if budgetExceeded {
			e.logger.Warn("Trigger logic exceeded budget, treating as false",
				"agent_id", agentID, "topic", trig.Topic, "budget", logicBudget)
			return false
		}
		if ctx.Err() != nil {
			// Cluster cancellation aborts evaluation quietly.
			return false
		}
		e.publishLogicError(agentID, trig, msg, err)
		return false
	}

	truthy, ok := out.Value().(bool)
	if !ok {
		e.publishLogicError(agentID, trig, msg, fmt.Errorf("predicate returned %T, want bool", out.Value()))
		return false
	}
	return truthy
}

func (e *Engine) compileLocked(expression string) (cel.Program, error) {
	if prg, ok := e.programs[expression]; ok {
		return prg, nil
	}
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile trigger logic: %w", issues.Err())
	}
	prg, err := e.env.Program(ast, cel.InterruptCheckFrequency(1))
	if err != nil {
		return nil, fmt.Errorf("failed to build trigger program: %w", err)
	}
	e.programs[expression] = prg
	return prg, nil
}

func (e *Engine) publishLogicError(agentID string, trig models.TriggerDef, msg models.Message, cause error) {
	_, err := e.bus.Publish(context.Background(), bus.PublishRequest{
		Topic:  models.TopicLogicError,
		Sender: models.SenderSystem,
		Content: models.Content{
			Text: fmt.Sprintf("trigger logic failed for agent %s on topic %s: %v", agentID, trig.Topic, cause),
			Data: map[string]any{
				"agent_id":   agentID,
				"topic":      trig.Topic,
				"message_id": msg.ID,
				"expression": trig.Logic.Expression,
				"error":      cause.Error(),
			},
		},
	})
	if err != nil {
		e.logger.Error("Failed to publish LOGIC_ERROR", "agent_id", agentID, "error", err)
	}
}

// --- CEL bindings ---

// evalContext returns the context of the evaluation in progress. Called
// only from bindings, which run under mu via logicHolds.
func (e *Engine) evalContext() context.Context {
	if e.evalCtx != nil {
		return e.evalCtx
	}
	return context.Background()
}

func (e *Engine) celQuery(arg ref.Val) ref.Val {
	f, err := filterFromVal(arg)
	if err != nil {
		return types.NewErr("ledger.query: %v", err)
	}
	msgs, err := e.bus.Query(e.evalContext(), f)
	if err != nil {
		return types.NewErr("ledger.query: %v", err)
	}
	out := make([]any, len(msgs))
	for i, m := range msgs {
		out[i] = m.AsMap()
	}
	return types.DefaultTypeAdapter.NativeToValue(out)
}

func (e *Engine) celFindLast(arg ref.Val) ref.Val {
	f, err := filterFromVal(arg)
	if err != nil {
		return types.NewErr("ledger.findLast: %v", err)
	}
	msg, err := e.bus.FindLast(e.evalContext(), f)
	if err != nil {
		return types.NewErr("ledger.findLast: %v", err)
	}
	if msg == nil {
		return types.NullValue
	}
	return types.DefaultTypeAdapter.NativeToValue(msg.AsMap())
}

func (e *Engine) celCount(arg ref.Val) ref.Val {
	f, err := filterFromVal(arg)
	if err != nil {
		return types.NewErr("ledger.count: %v", err)
	}
	n, err := e.bus.Count(e.evalContext(), f)
	if err != nil {
		return types.NewErr("ledger.count: %v", err)
	}
	return types.Int(n)
}

func (e *Engine) celGetAgents() ref.Val {
	return types.DefaultTypeAdapter.NativeToValue(e.cluster.AgentSnapshots())
}

// celAllResponded reports whether every listed agent has published at
// least one record on the topic at or after since (Unix milliseconds).
func (e *Engine) celAllResponded(args ...ref.Val) ref.Val {
	if len(args) != 3 {
		return types.NewErr("helpers.allResponded: want 3 arguments, got %d", len(args))
	}
	agents, err := stringsFromVal(args[0])
	if err != nil {
		return types.NewErr("helpers.allResponded: %v", err)
	}
	topic, ok := args[1].Value().(string)
	if !ok {
		return types.NewErr("helpers.allResponded: topic must be a string")
	}
	since, ok := args[2].Value().(int64)
	if !ok {
		return types.NewErr("helpers.allResponded: since must be an int timestamp")
	}

	for _, agentID := range agents {
		n, err := e.bus.Count(e.evalContext(), ledger.Filter{Topic: topic, Sender: agentID, Since: since})
		if err != nil {
			return types.NewErr("helpers.allResponded: %v", err)
		}
		if n == 0 {
			return types.False
		}
	}
	return types.True
}

func filterFromVal(arg ref.Val) (ledger.Filter, error) {
	native, err := arg.ConvertToNative(reflect.TypeOf(map[string]any{}))
	if err != nil {
		return ledger.Filter{}, fmt.Errorf("filter must be a map: %w", err)
	}
	raw := native.(map[string]any)

	var f ledger.Filter
	for key, value := range raw {
		switch key {
		case "topic":
			f.Topic, _ = value.(string)
		case "sender":
			f.Sender, _ = value.(string)
		case "receiver":
			f.Receiver, _ = value.(string)
		case "since":
			f.Since, err = toInt64(value)
		case "before":
			f.Before, err = toInt64(value)
		case "limit":
			var n int64
			n, err = toInt64(value)
			f.Limit = int(n)
		default:
			return ledger.Filter{}, fmt.Errorf("unknown filter key %q", key)
		}
		if err != nil {
			return ledger.Filter{}, fmt.Errorf("filter key %q: %w", key, err)
		}
	}
	return f, nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case uint64:
		return int64(n), nil
	case float64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("want number, got %T", v)
	}
}

func stringsFromVal(arg ref.Val) ([]string, error) {
	native, err := arg.ConvertToNative(reflect.TypeOf([]any{}))
	if err != nil {
		return nil, fmt.Errorf("want a list: %w", err)
	}
	raw := native.([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("want a list of strings, got %T element", v)
		}
		out = append(out, s)
	}
	return out, nil
}
