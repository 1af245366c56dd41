package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/soitun/effectai-engine/internal/model"
)

const workerHash = "worker"

// WorkerStore persists Worker identity/onboarding records under the
// worker/ key prefix. Connection state (Connected/Disconnected, queue
// membership) is NOT persisted here — it is in-memory registry state that
// is rebuilt on restart, per SPEC_FULL.md §5.1.
type WorkerStore struct {
	kv *KV
}

// NewWorkerStore wraps a shared KV store for worker persistence.
func NewWorkerStore(kv *KV) *WorkerStore {
	return &WorkerStore{kv: kv}
}

// Put serializes and stores a worker record, keyed by peer ID.
func (s *WorkerStore) Put(ctx context.Context, w *model.Worker) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("worker store: marshal %s: %w", w.PeerID, err)
	}
	return s.kv.set(ctx, workerHash, w.PeerID.String(), data)
}

// Get loads a worker record by peer ID string.
func (s *WorkerStore) Get(ctx context.Context, peerID string) (*model.Worker, error) {
	data, err := s.kv.get(ctx, workerHash, peerID)
	if err != nil {
		return nil, err
	}
	var w model.Worker
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("worker store: unmarshal %s: %w", peerID, err)
	}
	return &w, nil
}

// All loads every persisted worker record, used to rebuild the in-memory
// registry on restart.
func (s *WorkerStore) All(ctx context.Context) ([]*model.Worker, error) {
	raw, err := s.kv.values(ctx, workerHash)
	if err != nil {
		return nil, err
	}
	workers := make([]*model.Worker, 0, len(raw))
	for _, data := range raw {
		var w model.Worker
		if err := json.Unmarshal(data, &w); err != nil {
			continue
		}
		workers = append(workers, &w)
	}
	return workers, nil
}
