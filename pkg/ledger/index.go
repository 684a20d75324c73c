package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/ensemblekit/ensemble/pkg/models"
)

// ErrClusterNotFound means the index has no entry for the cluster id.
var ErrClusterNotFound = errors.New("cluster not found")

// IndexStore persists cluster metadata in <stateDir>/clusters.json.
// Every mutation rewrites the whole file atomically (temp file +
// rename) under the same lock discipline as the ledger databases.
type IndexStore struct {
	path string
}

// NewIndexStore creates the state dir if needed and returns the index.
func NewIndexStore(stateDir string) (*IndexStore, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state dir %s: %w", stateDir, err)
	}
	return &IndexStore{path: filepath.Join(stateDir, "clusters.json")}, nil
}

// List returns all persisted clusters sorted by creation time.
func (ix *IndexStore) List() ([]models.Cluster, error) {
	index, err := ix.load()
	if err != nil {
		return nil, err
	}
	out := make([]models.Cluster, 0, len(index))
	for _, c := range index {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Get returns one cluster's persisted metadata.
func (ix *IndexStore) Get(clusterID string) (models.Cluster, error) {
	index, err := ix.load()
	if err != nil {
		return models.Cluster{}, err
	}
	c, ok := index[clusterID]
	if !ok {
		return models.Cluster{}, fmt.Errorf("%w: %s", ErrClusterNotFound, clusterID)
	}
	return c, nil
}

// Put inserts or replaces a cluster entry.
func (ix *IndexStore) Put(cluster models.Cluster) error {
	return ix.update(func(index map[string]models.Cluster) error {
		index[cluster.ID] = cluster
		return nil
	})
}

// Delete removes a cluster entry. Deleting a missing entry returns
// ErrClusterNotFound so Purge can distinguish "already gone".
func (ix *IndexStore) Delete(clusterID string) error {
	return ix.update(func(index map[string]models.Cluster) error {
		if _, ok := index[clusterID]; !ok {
			return fmt.Errorf("%w: %s", ErrClusterNotFound, clusterID)
		}
		delete(index, clusterID)
		return nil
	})
}

func (ix *IndexStore) load() (map[string]models.Cluster, error) {
	data, err := os.ReadFile(ix.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]models.Cluster{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cluster index %s: %w", ix.path, err)
	}
	index := map[string]models.Cluster{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &index); err != nil {
			return nil, fmt.Errorf("failed to parse cluster index %s: %w", ix.path, err)
		}
	}
	return index, nil
}

func (ix *IndexStore) update(mutate func(map[string]models.Cluster) error) error {
	lock, err := AcquireLock(ix.path)
	if err != nil {
		return fmt.Errorf("failed to lock cluster index: %w", err)
	}
	defer func() { _ = lock.Release() }()

	index, err := ix.load()
	if err != nil {
		return err
	}
	if err := mutate(index); err != nil {
		return err
	}

	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cluster index: %w", err)
	}
	tmp := ix.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write cluster index: %w", err)
	}
	if err := os.Rename(tmp, ix.path); err != nil {
		return fmt.Errorf("failed to replace cluster index: %w", err)
	}
	return nil
}
