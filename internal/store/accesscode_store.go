package store

import (
	"context"
	"time"
)

const accessCodeHash = "accesscode"

// AccessCodeStore tracks single-use onboarding access codes under the
// accesscode/ key prefix. A present field means the code is part of the
// whitelist; its value, once consumed, records when that happened.
type AccessCodeStore struct {
	kv *KV
}

// NewAccessCodeStore wraps a shared KV store for access-code tracking.
func NewAccessCodeStore(kv *KV) *AccessCodeStore {
	return &AccessCodeStore{kv: kv}
}

// Whitelist marks a code as valid but unconsumed.
func (s *AccessCodeStore) Whitelist(ctx context.Context, code string) error {
	return s.kv.set(ctx, accessCodeHash, code, []byte("unconsumed"))
}

// IsValid reports whether code is whitelisted and not yet consumed.
func (s *AccessCodeStore) IsValid(ctx context.Context, code string) (bool, error) {
	data, err := s.kv.get(ctx, accessCodeHash, code)
	if err != nil {
		if err == ErrNotFound {
			return false, nil
		}
		return false, err
	}
	return string(data) == "unconsumed", nil
}

// Consume marks a whitelisted code as used, recording the timestamp.
func (s *AccessCodeStore) Consume(ctx context.Context, code string) error {
	return s.kv.set(ctx, accessCodeHash, code, []byte("consumed@"+time.Now().UTC().Format(time.RFC3339)))
}
