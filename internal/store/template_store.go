package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/soitun/effectai-engine/internal/model"
)

const templateHash = "template"

// TemplateStore persists immutable-after-registration Templates under the
// template/ key prefix.
type TemplateStore struct {
	kv *KV
}

// NewTemplateStore wraps a shared KV store for template persistence.
func NewTemplateStore(kv *KV) *TemplateStore {
	return &TemplateStore{kv: kv}
}

// Put stores a template, keyed by its ID. Callers must ensure a template is
// only ever written once (TaskEngine.RegisterTemplate checks Exists first).
func (s *TemplateStore) Put(ctx context.Context, t *model.Template) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("template store: marshal %s: %w", t.TemplateID, err)
	}
	return s.kv.set(ctx, templateHash, t.TemplateID, data)
}

// Get loads a template by ID.
func (s *TemplateStore) Get(ctx context.Context, templateID string) (*model.Template, error) {
	data, err := s.kv.get(ctx, templateHash, templateID)
	if err != nil {
		return nil, err
	}
	var t model.Template
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("template store: unmarshal %s: %w", templateID, err)
	}
	return &t, nil
}

// Exists reports whether a template with this ID has already been registered.
func (s *TemplateStore) Exists(ctx context.Context, templateID string) (bool, error) {
	return s.kv.exists(ctx, templateHash, templateID)
}
