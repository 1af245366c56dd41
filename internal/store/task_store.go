package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/soitun/effectai-engine/internal/model"
)

const taskHash = "task"

// TaskStore persists Task records (including their event logs) under the
// task/ key prefix.
type TaskStore struct {
	kv *KV
}

// NewTaskStore wraps a shared KV store for task persistence.
func NewTaskStore(kv *KV) *TaskStore {
	return &TaskStore{kv: kv}
}

// Put serializes and stores a task, keyed by its ID.
func (s *TaskStore) Put(ctx context.Context, task *model.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("task store: marshal %s: %w", task.ID, err)
	}
	return s.kv.set(ctx, taskHash, task.ID, data)
}

// Get loads a task by ID.
func (s *TaskStore) Get(ctx context.Context, taskID string) (*model.Task, error) {
	data, err := s.kv.get(ctx, taskHash, taskID)
	if err != nil {
		return nil, err
	}
	var task model.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("task store: unmarshal %s: %w", taskID, err)
	}
	return &task, nil
}

// Exists reports whether a task with this ID has already been persisted.
func (s *TaskStore) Exists(ctx context.Context, taskID string) (bool, error) {
	return s.kv.exists(ctx, taskHash, taskID)
}

// All loads every persisted task, used for restart replay and admin reads.
func (s *TaskStore) All(ctx context.Context) ([]*model.Task, error) {
	raw, err := s.kv.values(ctx, taskHash)
	if err != nil {
		return nil, err
	}
	tasks := make([]*model.Task, 0, len(raw))
	for _, data := range raw {
		var task model.Task
		if err := json.Unmarshal(data, &task); err != nil {
			continue
		}
		tasks = append(tasks, &task)
	}
	return tasks, nil
}
