package kv

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store used by tests and local runs without a
// Redis. Semantics follow the Redis commands closely enough for the core:
// lazy TTL expiry, glob Scan, single-pass cursor.
type Memory struct {
	mu      sync.Mutex
	strings map[string]string
	hashes  map[string]map[string]string
	lists   map[string][]string
	zsets   map[string][]Member
	expiry  map[string]time.Time

	now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		strings: make(map[string]string),
		hashes:  make(map[string]map[string]string),
		lists:   make(map[string][]string),
		zsets:   make(map[string][]Member),
		expiry:  make(map[string]time.Time),
		now:     time.Now,
	}
}

// SetClock overrides the clock used for TTL expiry. Test hook.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) Close() error { return nil }

// expireLocked drops the key everywhere if its TTL has passed.
func (m *Memory) expireLocked(key string) {
	if at, ok := m.expiry[key]; ok && m.now().After(at) {
		m.deleteLocked(key)
	}
}

func (m *Memory) deleteLocked(key string) {
	delete(m.strings, key)
	delete(m.hashes, key)
	delete(m.lists, key)
	delete(m.zsets, key)
	delete(m.expiry, key)
}

func (m *Memory) existsLocked(key string) bool {
	m.expireLocked(key)
	if _, ok := m.strings[key]; ok {
		return true
	}
	if h, ok := m.hashes[key]; ok && len(h) > 0 {
		return true
	}
	if l, ok := m.lists[key]; ok && len(l) > 0 {
		return true
	}
	if z, ok := m.zsets[key]; ok && len(z) > 0 {
		return true
	}
	return false
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	v, ok := m.strings[key]
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, key, value string, opts SetOptions) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	if opts.NX {
		if _, exists := m.strings[key]; exists {
			return false, nil
		}
	}
	m.strings[key] = value
	if opts.TTL > 0 {
		m.expiry[key] = m.now().Add(opts.TTL)
	} else {
		delete(m.expiry, key)
	}
	return true, nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		m.deleteLocked(key)
	}
	return nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.existsLocked(key), nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.existsLocked(key) {
		m.expiry[key] = m.now().Add(ttl)
	}
	return nil
}

func (m *Memory) HSet(_ context.Context, key, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	h[field] = value
	return nil
}

func (m *Memory) HGet(_ context.Context, key, field string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	v, ok := m.hashes[key][field]
	return v, ok, nil
}

func (m *Memory) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	out := make(map[string]string, len(m.hashes[key]))
	for f, v := range m.hashes[key] {
		out[f] = v
	}
	return out, nil
}

func (m *Memory) HDel(_ context.Context, key string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	for _, f := range fields {
		delete(m.hashes[key], f)
	}
	return nil
}

func (m *Memory) LPush(_ context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	// LPUSH prepends values one at a time, so the last argument ends up at
	// the head.
	for _, v := range values {
		m.lists[key] = append([]string{v}, m.lists[key]...)
	}
	return nil
}

func (m *Memory) RPush(_ context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	m.lists[key] = append(m.lists[key], values...)
	return nil
}

func (m *Memory) LPop(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	l := m.lists[key]
	if len(l) == 0 {
		return "", false, nil
	}
	head := l[0]
	m.lists[key] = l[1:]
	return head, true, nil
}

func (m *Memory) LLen(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	return int64(len(m.lists[key])), nil
}

func (m *Memory) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	l := m.lists[key]
	n := int64(len(l))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || n == 0 {
		return []string{}, nil
	}
	out := make([]string, 0, stop-start+1)
	out = append(out, l[start:stop+1]...)
	return out, nil
}

func (m *Memory) LTrim(_ context.Context, key string, start, stop int64) error {
	kept, err := m.LRange(context.Background(), key, start, stop)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = kept
	return nil
}

func (m *Memory) ZAdd(_ context.Context, key string, members ...Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	set := m.zsets[key]
	for _, mem := range members {
		replaced := false
		for i := range set {
			if set[i].Value == mem.Value {
				set[i].Score = mem.Score
				replaced = true
				break
			}
		}
		if !replaced {
			set = append(set, mem)
		}
	}
	sort.SliceStable(set, func(i, j int) bool {
		if set[i].Score == set[j].Score {
			return set[i].Value < set[j].Value
		}
		return set[i].Score < set[j].Score
	})
	m.zsets[key] = set
	return nil
}

func (m *Memory) ZRange(_ context.Context, key string, start, stop int64, rev bool) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(key)
	set := m.zsets[key]
	values := make([]string, len(set))
	for i, mem := range set {
		values[i] = mem.Value
	}
	if rev {
		for i, j := 0, len(values)-1; i < j; i, j = i+1, j-1 {
			values[i], values[j] = values[j], values[i]
		}
	}
	n := int64(len(values))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || n == 0 {
		return []string{}, nil
	}
	return values[start : stop+1], nil
}

func (m *Memory) Scan(_ context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0)
	collect := func(key string) {
		m.expireLocked(key)
		if !m.existsLocked(key) {
			return
		}
		if match != "" {
			if ok, _ := path.Match(match, key); !ok {
				return
			}
		}
		keys = append(keys, key)
	}
	seen := make(map[string]bool)
	for key := range m.strings {
		if !seen[key] {
			seen[key] = true
			collect(key)
		}
	}
	for key := range m.hashes {
		if !seen[key] {
			seen[key] = true
			collect(key)
		}
	}
	for key := range m.lists {
		if !seen[key] {
			seen[key] = true
			collect(key)
		}
	}
	for key := range m.zsets {
		if !seen[key] {
			seen[key] = true
			collect(key)
		}
	}
	sort.Strings(keys)

	// Single-pass cursor: everything in one batch, next cursor zero.
	return keys, 0, nil
}

func (m *Memory) Pipeline(ctx context.Context, build func(p Pipeliner)) error {
	build(&memoryPipeliner{store: m, ctx: ctx})
	return nil
}

type memoryPipeliner struct {
	store *Memory
	ctx   context.Context
}

func (p *memoryPipeliner) Set(key, value string, opts SetOptions) {
	_, _ = p.store.Set(p.ctx, key, value, opts)
}

func (p *memoryPipeliner) Del(keys ...string) {
	_ = p.store.Del(p.ctx, keys...)
}

func (p *memoryPipeliner) LPush(key string, values ...string) {
	_ = p.store.LPush(p.ctx, key, values...)
}

func (p *memoryPipeliner) RPush(key string, values ...string) {
	_ = p.store.RPush(p.ctx, key, values...)
}

func (p *memoryPipeliner) LTrim(key string, start, stop int64) {
	_ = p.store.LTrim(p.ctx, key, start, stop)
}

func (p *memoryPipeliner) Expire(key string, ttl time.Duration) {
	_ = p.store.Expire(p.ctx, key, ttl)
}
