package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ensemblekit/ensemble/pkg/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), "c1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendAssignsIDAndMonotonicTimestamp(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.Append(ctx, models.Message{Topic: "ISSUE_OPENED", Sender: "user", Receiver: "broadcast"})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.Positive(t, first.Timestamp)
	assert.Equal(t, "c1", first.ClusterID)

	second, err := s.Append(ctx, models.Message{Topic: "ISSUE_OPENED", Sender: "user", Receiver: "broadcast"})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, second.Timestamp, first.Timestamp)
	assert.Greater(t, second.Seq, first.Seq)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestQueryOrderAndFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, models.Message{Topic: "A", Sender: "alpha", Receiver: "broadcast"})
	require.NoError(t, err)
	_, err = s.Append(ctx, models.Message{Topic: "B", Sender: "beta", Receiver: "broadcast"})
	require.NoError(t, err)
	_, err = s.Append(ctx, models.Message{Topic: "A", Sender: "beta", Receiver: "worker"})
	require.NoError(t, err)

	all, err := s.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i := 1; i < len(all); i++ {
		assert.GreaterOrEqual(t, all[i].Timestamp, all[i-1].Timestamp)
		assert.Greater(t, all[i].Seq, all[i-1].Seq)
	}

	topicA, err := s.Query(ctx, Filter{Topic: "A"})
	require.NoError(t, err)
	require.Len(t, topicA, 2)

	fromBeta, err := s.Query(ctx, Filter{Topic: "A", Sender: "beta"})
	require.NoError(t, err)
	require.Len(t, fromBeta, 1)
	assert.Equal(t, "worker", fromBeta[0].Receiver)

	limited, err := s.Query(ctx, Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestQuerySinceIsInclusive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.Append(ctx, models.Message{Topic: "A", Sender: "x", Receiver: "broadcast"})
	require.NoError(t, err)

	got, err := s.Query(ctx, Filter{Since: first.Timestamp})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = s.Query(ctx, Filter{Since: first.Timestamp + 1})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFindLastReturnsNewestOrNil(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	none, err := s.FindLast(ctx, Filter{Topic: "MISSING"})
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = s.Append(ctx, models.Message{Topic: "V", Sender: "v1", Receiver: "broadcast",
		Content: models.Content{Data: map[string]any{"approved": false}}})
	require.NoError(t, err)
	last, err := s.Append(ctx, models.Message{Topic: "V", Sender: "v1", Receiver: "broadcast",
		Content: models.Content{Data: map[string]any{"approved": true}}})
	require.NoError(t, err)

	got, err := s.FindLast(ctx, Filter{Topic: "V"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, last.ID, got.ID)
	assert.Equal(t, true, got.Content.Data["approved"])
}

func TestCount(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Append(ctx, models.Message{Topic: "T", Sender: "s", Receiver: "broadcast"})
		require.NoError(t, err)
	}
	n, err := s.Count(ctx, Filter{Topic: "T"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = s.Count(ctx, Filter{Topic: "OTHER"})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestConcurrentAppendsStayMonotonic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, err := s.Append(ctx, models.Message{Topic: "T", Sender: "s", Receiver: "broadcast"})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	all, err := s.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 160)
	seen := map[string]bool{}
	for i, msg := range all {
		assert.False(t, seen[msg.ID], "duplicate id %s", msg.ID)
		seen[msg.ID] = true
		if i > 0 {
			assert.GreaterOrEqual(t, msg.Timestamp, all[i-1].Timestamp)
		}
	}
}

func TestReopenPreservesRecordsAndClock(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir, "c1")
	require.NoError(t, err)
	stored, err := s.Append(ctx, models.Message{Topic: "T", Sender: "s", Receiver: "broadcast",
		Content: models.Content{Text: "hello", Data: map[string]any{"k": "v"}},
		Metadata: map[string]any{"source": "text"}})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := Open(dir, "c1")
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	all, err := reopened.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, stored.ID, all[0].ID)
	assert.Equal(t, "hello", all[0].Content.Text)
	assert.Equal(t, "v", all[0].Content.Data["k"])
	assert.Equal(t, "text", all[0].Metadata["source"])

	next, err := reopened.Append(ctx, models.Message{Topic: "T", Sender: "s", Receiver: "broadcast"})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, next.Timestamp, stored.Timestamp)
}

func TestAppendBatchIsAtomic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	batch := []models.Message{
		{Topic: "CLUSTER_OPERATIONS", Sender: "conductor", Receiver: "broadcast"},
		{Topic: "ISSUE_OPENED", Sender: "system", Receiver: "broadcast",
			Metadata: map[string]any{"_republished": true}},
	}
	stored, err := s.AppendBatch(ctx, batch)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.GreaterOrEqual(t, stored[1].Timestamp, stored[0].Timestamp)

	all, err := s.Query(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.True(t, all[1].Republished())
}

func TestCorruptedPayloadPanicsWithPreview(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	stored, err := s.Append(ctx, models.Message{Topic: "T", Sender: "s", Receiver: "broadcast"})
	require.NoError(t, err)
	_, err = s.db.Exec(`UPDATE messages SET metadata = 'not json{{' WHERE id = ?`, stored.ID)
	require.NoError(t, err)

	var recovered any
	func() {
		defer func() { recovered = recover() }()
		_, _ = s.Query(ctx, Filter{})
	}()
	require.NotNil(t, recovered, "corrupted payload must panic")
	diag, ok := recovered.(string)
	require.True(t, ok)
	assert.Contains(t, diag, "ledger corruption")
	assert.Contains(t, diag, stored.ID)
	assert.Contains(t, diag, "not json{{")
}
