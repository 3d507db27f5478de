// Package verification holds short-lived cross-step state - registry
// verification results stashed between scans. The state lives in redis with
// a TTL, never in a process-local map, so it survives restarts & is shared
// across instances.
package verification

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/vitaltag/vitaltag/shared"
)

const keyPrefix = "verification:"

type Store struct {
	rdb *redis.Client
}

// NewStore connects to redis at config.Addr. An empty addr yields a
// disabled store: Get always misses & Put is a no-op, so callers keep
// working without a cache.
func NewStore(config shared.RedisConfig) *Store {
	if config.Addr == "" {
		return &Store{}
	}

	return &Store{rdb: redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})}
}

func (s *Store) Enabled() bool {
	return s.rdb != nil
}

func (s *Store) Put(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if s.rdb == nil {
		return nil
	}

	bytes, err := json.Marshal(value)
	if err != nil {
		return err
	}

	return s.rdb.Set(ctx, keyPrefix+key, bytes, ttl).Err()
}

// Get unmarshals the stored value into 'out' & reports whether the key was
// present.
func (s *Store) Get(ctx context.Context, key string, out interface{}) (bool, error) {
	if s.rdb == nil {
		return false, nil
	}

	bytes, err := s.rdb.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return true, json.Unmarshal(bytes, out)
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if s.rdb == nil {
		return nil
	}

	return s.rdb.Del(ctx, keyPrefix+key).Err()
}
