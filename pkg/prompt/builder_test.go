package prompt

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ensemblekit/ensemble/pkg/ledger"
	"github.com/ensemblekit/ensemble/pkg/models"
)

func newTestLedger(t *testing.T) *ledger.Store {
	t.Helper()
	store, err := ledger.Open(t.TempDir(), "c1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func workerDef(sources ...models.ContextSource) models.AgentDefinition {
	return models.AgentDefinition{
		ID:              "worker",
		Prompt:          &models.PromptSpec{Static: "You are the worker."},
		ContextStrategy: &models.ContextStrategy{Sources: sources},
	}
}

func TestBuildRendersHeaderAndMessages(t *testing.T) {
	store := newTestLedger(t)
	ctx := context.Background()

	_, err := store.Append(ctx, models.Message{Topic: "ISSUE_OPENED", Sender: "user", Receiver: "broadcast",
		Content: models.Content{Text: "Implement X", Data: map[string]any{"priority": "high"}}})
	require.NoError(t, err)

	b := NewBuilder(store)
	out, err := b.Build(ctx, Input{
		Definition:     workerDef(models.ContextSource{Topic: "ISSUE_OPENED"}),
		Iteration:      1,
		ClusterCreated: time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)

	assert.Contains(t, out, "You are the worker.")
	assert.Contains(t, out, "Messages from topic: ISSUE_OPENED")
	assert.Contains(t, out, "user (")
	assert.Contains(t, out, "Implement X")
	assert.Contains(t, out, `"priority": "high"`)
}

func TestBuildLastTaskEndScopesOutOldMessages(t *testing.T) {
	store := newTestLedger(t)
	ctx := context.Background()

	early, err := store.Append(ctx, models.Message{Topic: "VALIDATION_RESULT", Sender: "validator", Receiver: "broadcast",
		Content: models.Content{Text: "error A"}})
	require.NoError(t, err)

	// Keep the two rejections on distinct timestamps so the cutoff can
	// fall between them.
	time.Sleep(5 * time.Millisecond)

	late, err := store.Append(ctx, models.Message{Topic: "VALIDATION_RESULT", Sender: "validator", Receiver: "broadcast",
		Content: models.Content{Text: "error B"}})
	require.NoError(t, err)
	require.Greater(t, late.Timestamp, early.Timestamp)
	cutoffBeforeB := time.UnixMilli(late.Timestamp)

	b := NewBuilder(store)
	out, err := b.Build(ctx, Input{
		Definition:     workerDef(models.ContextSource{Topic: "VALIDATION_RESULT", Since: models.SinceLastTaskEnd}),
		Iteration:      2,
		ClusterCreated: time.Now().Add(-time.Hour),
		LastTaskEnd:    &cutoffBeforeB,
	})
	require.NoError(t, err)

	assert.Contains(t, out, "error B")
	assert.NotContains(t, out, "error A")
}

func TestBuildLastTaskEndFallsBackToClusterStart(t *testing.T) {
	store := newTestLedger(t)
	ctx := context.Background()

	_, err := store.Append(ctx, models.Message{Topic: "A", Sender: "s", Receiver: "broadcast",
		Content: models.Content{Text: "first"}})
	require.NoError(t, err)

	b := NewBuilder(store)
	out, err := b.Build(ctx, Input{
		Definition:     workerDef(models.ContextSource{Topic: "A", Since: models.SinceLastTaskEnd}),
		Iteration:      1,
		ClusterCreated: time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)
	assert.Contains(t, out, "first")
}

func TestBuildPreservesSourceOrderAndRepetition(t *testing.T) {
	store := newTestLedger(t)
	ctx := context.Background()

	_, err := store.Append(ctx, models.Message{Topic: "A", Sender: "s", Receiver: "broadcast", Content: models.Content{Text: "payload"}})
	require.NoError(t, err)

	b := NewBuilder(store)
	out, err := b.Build(ctx, Input{
		Definition: workerDef(
			models.ContextSource{Topic: "B"},
			models.ContextSource{Topic: "A"},
			models.ContextSource{Topic: "A"},
		),
		Iteration:      1,
		ClusterCreated: time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)

	posB := strings.Index(out, "Messages from topic: B")
	posA := strings.Index(out, "Messages from topic: A")
	require.GreaterOrEqual(t, posB, 0)
	require.GreaterOrEqual(t, posA, 0)
	assert.Less(t, posB, posA)
	assert.Equal(t, 2, strings.Count(out, "Messages from topic: A"))
}

func TestBuildIterationMatchedSystemPrompt(t *testing.T) {
	store := newTestLedger(t)
	def := models.AgentDefinition{
		ID: "worker",
		Prompt: &models.PromptSpec{Iterations: []models.IterationPrompt{
			{Match: "1", System: "first run"},
			{Match: "2+", System: "follow-up run"},
		}},
	}

	b := NewBuilder(store)
	out, err := b.Build(context.Background(), Input{Definition: def, Iteration: 3, ClusterCreated: time.Now()})
	require.NoError(t, err)
	assert.Contains(t, out, "follow-up run")
	assert.NotContains(t, out, "first run")
}

func TestBuildAppendsOutputFormatBlockForStreaming(t *testing.T) {
	store := newTestLedger(t)
	b := NewBuilder(store)

	out, err := b.Build(context.Background(), Input{
		Definition:       workerDef(),
		Iteration:        1,
		ClusterCreated:   time.Now(),
		StreamWithSchema: true,
		Schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"summary": map[string]any{"type": "string"}},
		},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "OUTPUT FORMAT")
	assert.Contains(t, out, "exactly one JSON object")
	assert.Contains(t, out, `"summary"`)
}

func TestResolveSinceISO(t *testing.T) {
	ts, err := resolveSince("2026-08-25T10:00:00Z", time.Now(), nil)
	require.NoError(t, err)
	want, _ := time.Parse(time.RFC3339, "2026-08-25T10:00:00Z")
	assert.Equal(t, want.UnixMilli(), ts)

	_, err = resolveSince("yesterday", time.Now(), nil)
	assert.Error(t, err)
}
