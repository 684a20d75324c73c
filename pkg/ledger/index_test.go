package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ensemblekit/ensemble/pkg/models"
)

func TestIndexStoreRoundTrip(t *testing.T) {
	ix, err := NewIndexStore(t.TempDir())
	require.NoError(t, err)

	cluster := models.Cluster{
		ID:           "c1",
		CreatedAt:    time.Now().UTC().Truncate(time.Millisecond),
		State:        models.ClusterStateRunning,
		WorktreePath: "/w/c1",
		Config: []models.AgentDefinition{
			{ID: "worker", Role: "worker", Cwd: "/w/c1"},
		},
	}
	require.NoError(t, ix.Put(cluster))

	got, err := ix.Get("c1")
	require.NoError(t, err)
	assert.Equal(t, cluster.ID, got.ID)
	assert.Equal(t, cluster.State, got.State)
	assert.Equal(t, cluster.WorktreePath, got.WorktreePath)
	require.Len(t, got.Config, 1)
	assert.Equal(t, "worker", got.Config[0].ID)

	list, err := ix.List()
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestIndexStoreMissingCluster(t *testing.T) {
	ix, err := NewIndexStore(t.TempDir())
	require.NoError(t, err)

	_, err = ix.Get("missing")
	assert.ErrorIs(t, err, ErrClusterNotFound)
	assert.ErrorIs(t, ix.Delete("missing"), ErrClusterNotFound)
}

func TestIndexStoreUpdateReplaces(t *testing.T) {
	ix, err := NewIndexStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, ix.Put(models.Cluster{ID: "c1", State: models.ClusterStateRunning, CreatedAt: time.Now()}))
	require.NoError(t, ix.Put(models.Cluster{ID: "c1", State: models.ClusterStateStopped, CreatedAt: time.Now()}))

	got, err := ix.Get("c1")
	require.NoError(t, err)
	assert.Equal(t, models.ClusterStateStopped, got.State)

	require.NoError(t, ix.Delete("c1"))
	list, err := ix.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}
