// Package store provides the Manager's durable keyed persistence. Every
// subsystem gets its own disjoint key prefix in one shared Redis instance
// (task/, worker/, payment/, template/, accesscode/) so no cross-prefix
// transactions are ever required, matching spec.md §5's shared-resource
// model and §6's persisted key layout.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a key does not exist under a prefix.
var ErrNotFound = errors.New("store: key not found")

// KV is the minimal keyed-persistence surface every prefixed store is built
// on top of. A Redis hash backs each prefix: the hash name is the prefix,
// the field is the key suffix. This mirrors libs/queue/redis_queue.go's use
// of one Redis hash per logical collection.
type KV struct {
	client *redis.Client
	logger *zap.Logger
}

// Config configures the shared Redis connection backing every store.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// NewKV connects to Redis and verifies the connection with a Ping, exactly
// as NewRedisTaskQueue does.
func NewKV(ctx context.Context, cfg Config, logger *zap.Logger) (*KV, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: failed to connect to redis: %w", err)
	}

	logger.Info("connected to redis store", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB))

	return &KV{client: client, logger: logger}, nil
}

// NewKVFromClient wraps an existing *redis.Client, used by tests against
// a miniredis instance.
func NewKVFromClient(client *redis.Client, logger *zap.Logger) *KV {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KV{client: client, logger: logger}
}

func (kv *KV) set(ctx context.Context, hash, field string, value []byte) error {
	return kv.client.HSet(ctx, hash, field, value).Err()
}

func (kv *KV) get(ctx context.Context, hash, field string) ([]byte, error) {
	val, err := kv.client.HGet(ctx, hash, field).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return []byte(val), nil
}

func (kv *KV) exists(ctx context.Context, hash, field string) (bool, error) {
	return kv.client.HExists(ctx, hash, field).Result()
}

func (kv *KV) delete(ctx context.Context, hash, field string) error {
	return kv.client.HDel(ctx, hash, field).Err()
}

func (kv *KV) keys(ctx context.Context, hash string) ([]string, error) {
	return kv.client.HKeys(ctx, hash).Result()
}

func (kv *KV) values(ctx context.Context, hash string) ([][]byte, error) {
	raw, err := kv.client.HGetAll(ctx, hash).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(raw))
	for _, v := range raw {
		out = append(out, []byte(v))
	}
	return out, nil
}

// Close releases the underlying Redis client.
func (kv *KV) Close() error {
	return kv.client.Close()
}
