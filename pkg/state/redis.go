package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix is prepended to stream keys.
const DefaultRedisPrefix = "zammad:state:"

// RedisStore keeps checkpoints in Redis, one JSON encoded bookmark per key.
type RedisStore struct {
	redis  *redis.Client
	prefix string
}

// NewRedisStore creates a Redis backed store. An empty prefix uses
// DefaultRedisPrefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{redis: client, prefix: prefix}
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (Bookmark, bool, error) {
	data, err := s.redis.Get(ctx, s.prefix+key).Bytes()
	if err == redis.Nil {
		return Bookmark{}, false, nil
	}
	if err != nil {
		return Bookmark{}, false, fmt.Errorf("redis get %s: %w", key, err)
	}

	var b Bookmark
	if err := json.Unmarshal(data, &b); err != nil {
		return Bookmark{}, false, fmt.Errorf("decode bookmark %s: %w", key, err)
	}
	return b, true, nil
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, key string, b Bookmark) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode bookmark %s: %w", key, err)
	}
	if err := s.redis.Set(ctx, s.prefix+key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Snapshot implements Store.
func (s *RedisStore) Snapshot(ctx context.Context) (State, error) {
	out := State{Bookmarks: map[string]Bookmark{}}

	iter := s.redis.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := strings.TrimPrefix(iter.Val(), s.prefix)
		b, ok, err := s.Get(ctx, key)
		if err != nil {
			return State{}, err
		}
		if ok {
			out.Bookmarks[key] = b
		}
	}
	if err := iter.Err(); err != nil {
		return State{}, fmt.Errorf("redis scan: %w", err)
	}
	return out, nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.redis.Close()
}
