// Package lock provides typed distributed locks over the KV store, keyed by
// operation and an optional identifier, with TTL and owner-token release.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/compusophy/GroupWallet/internal/store/kv"
)

// Operation tags the critical section a lock guards.
type Operation string

const (
	OpVote        Operation = "vote"
	OpTransaction Operation = "transaction"
	OpSettlement  Operation = "settlement"
	OpRebalance   Operation = "rebalance"
)

const (
	// RequestTTL bounds HTTP request-scoped critical sections.
	RequestTTL = 30 * time.Second
	// WorkerTTL bounds worker-scoped critical sections.
	WorkerTTL = 120 * time.Second
)

// Registry acquires and releases operation locks.
type Registry struct {
	store  kv.Store
	logger *slog.Logger
}

func NewRegistry(store kv.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: store, logger: logger.With("component", "lock")}
}

// Key builds the lock key for an operation and identifier. Identifiers are
// lowercased; an empty identifier maps to the global lock for the operation.
func Key(op Operation, id string) string {
	if id == "" {
		id = "global"
	}
	return fmt.Sprintf("lock:operation:%s:%s", op, strings.ToLower(id))
}

// Handle releases an acquired lock. Release is a no-op when acquisition
// failed, and only deletes the key while the stored value still equals the
// owner token.
type Handle struct {
	registry *Registry
	key      string
	token    string
	acquired bool
}

func (h *Handle) Acquired() bool {
	return h != nil && h.acquired
}

// Release deletes the lock if this handle still owns it. A lock lost to TTL
// expiry is left for its new owner.
func (h *Handle) Release(ctx context.Context) {
	if !h.Acquired() {
		return
	}
	current, ok, err := h.registry.store.Get(ctx, h.key)
	if err != nil {
		h.registry.logger.Warn("lock release read failed", "key", h.key, "error", err)
		return
	}
	if !ok || current != h.token {
		h.registry.logger.Warn("lock not owned at release", "key", h.key)
		return
	}
	if err := h.registry.store.Del(ctx, h.key); err != nil {
		h.registry.logger.Warn("lock release delete failed", "key", h.key, "error", err)
	}
}

// Acquire attempts a single SET NX EX acquisition.
func (r *Registry) Acquire(ctx context.Context, op Operation, id string, ttl time.Duration) (*Handle, error) {
	key := Key(op, id)
	token := fmt.Sprintf("%d-%06d", time.Now().UnixMilli(), rand.Intn(1_000_000))
	ok, err := r.store.Set(ctx, key, token, kv.SetOptions{NX: true, TTL: ttl})
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	return &Handle{registry: r, key: key, token: token, acquired: ok}, nil
}

// AcquireWithRetry busy-waits with a fixed delay between attempts.
func (r *Registry) AcquireWithRetry(ctx context.Context, op Operation, id string, ttl time.Duration, maxRetries int, delay time.Duration) (*Handle, error) {
	for attempt := 0; ; attempt++ {
		h, err := r.Acquire(ctx, op, id, ttl)
		if err != nil {
			return nil, err
		}
		if h.Acquired() || attempt >= maxRetries {
			return h, nil
		}
		select {
		case <-ctx.Done():
			return h, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// IsLocked reports whether the lock key currently exists.
func (r *Registry) IsLocked(ctx context.Context, op Operation, id string) (bool, error) {
	return r.store.Exists(ctx, Key(op, id))
}
