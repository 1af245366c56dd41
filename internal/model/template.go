package model

import (
	"encoding/json"
	"time"
)

// Template is an immutable-after-registration task template.
type Template struct {
	TemplateID string          `json:"templateId"`
	Name       string          `json:"name"`
	CreatedAt  time.Time       `json:"createdAt"`
	Schema     json.RawMessage `json:"schema,omitempty"`
}
