// Package state persists replication checkpoints between runs.
//
// A checkpoint is the largest replication value emitted for a stream. The
// layout matches the Singer state message, so a state file written by a run
// can be passed back to the next one:
//
//	{"bookmarks": {"tickets": {"replication_key": "updated_at",
//	                           "replication_key_value": "2024-03-01T10:15:30Z"}}}
package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnknownBackend is returned by New for unsupported backends.
var ErrUnknownBackend = errors.New("unknown state backend")

// Supported backends.
const (
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Bookmark is the checkpoint of one stream.
type Bookmark struct {
	ReplicationKey      string    `json:"replication_key"`
	ReplicationKeyValue time.Time `json:"replication_key_value"`
}

// State is the checkpoint set of all streams.
type State struct {
	Bookmarks map[string]Bookmark `json:"bookmarks"`
}

// Store reads and writes checkpoints.
type Store interface {
	// Get returns the bookmark for key; ok is false when none exists.
	Get(ctx context.Context, key string) (b Bookmark, ok bool, err error)

	// Set stores the bookmark for key.
	Set(ctx context.Context, key string, b Bookmark) error

	// Snapshot returns all bookmarks.
	Snapshot(ctx context.Context) (State, error)

	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Backend string

	// Path of the state file for the file backend.
	Path string

	// RedisURL for the redis backend, e.g. redis://localhost:6379/0.
	RedisURL string

	// RedisPrefix overrides DefaultRedisPrefix.
	RedisPrefix string
}

// New opens the configured store.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendFile:
		return NewFileStore(cfg.Path)
	case BackendRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		return NewRedisStore(client, cfg.RedisPrefix), nil
	case BackendMemory, "":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}
