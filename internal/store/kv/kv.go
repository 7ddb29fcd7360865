// Package kv defines the narrow key/value command set the treasury core
// depends on, with a Redis-backed driver for production and an in-memory
// driver for tests and local runs.
package kv

import (
	"context"
	"time"
)

// SetOptions mirror the SET command modifiers the core uses.
type SetOptions struct {
	// NX writes only if the key does not exist.
	NX bool
	// TTL expires the key after the given duration when > 0.
	TTL time.Duration
}

// Member is a sorted-set member with its score.
type Member struct {
	Score  float64
	Value  string
}

// Store is the command subset required by the treasury core. All writes are
// single-command atomic; Pipeline groups commands with preserved ordering
// but no cross-command atomicity.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, opts SetOptions) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error

	LPush(ctx context.Context, key string, values ...string) error
	RPush(ctx context.Context, key string, values ...string) error
	LPop(ctx context.Context, key string) (string, bool, error)
	LLen(ctx context.Context, key string) (int64, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LTrim(ctx context.Context, key string, start, stop int64) error

	ZAdd(ctx context.Context, key string, members ...Member) error
	ZRange(ctx context.Context, key string, start, stop int64, rev bool) ([]string, error)

	// Scan returns one batch of keys matching the glob pattern plus the next
	// cursor; iteration ends when the returned cursor is zero.
	Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error)

	// Pipeline runs the queued commands in order as a best-effort batch.
	Pipeline(ctx context.Context, build func(p Pipeliner)) error

	Close() error
}

// Pipeliner is the command subset available inside a pipeline.
type Pipeliner interface {
	Set(key, value string, opts SetOptions)
	Del(keys ...string)
	LPush(key string, values ...string)
	RPush(key string, values ...string)
	LTrim(key string, start, stop int64)
	Expire(key string, ttl time.Duration)
}
