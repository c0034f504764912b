package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// 各类能力的缓存寿命。工具列表变化最频繁，取最短；
// 提示词与资源列表相对稳定，单条内容取中间值。
const (
	toolsTTL = 5 * time.Minute
	listTTL  = 60 * time.Minute
	fetchTTL = 30 * time.Minute
)

// CacheStore 抽象能力缓存的存取后端，进程内与 Redis 各有一个实现。
type CacheStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DeletePrefix(ctx context.Context, prefix string) error
	Close() error
}

// cached 先查缓存，未命中时调用 fetch 并把结果写回。
// 缓存的读写失败不会影响结果，只会退化为直连。
func cached[T any](ctx context.Context, store CacheStore, key string, ttl time.Duration, fetch func(context.Context) (T, error)) (T, error) {
	if raw, ok, err := store.Get(ctx, key); err == nil && ok {
		var value T
		if unmarshalErr := json.Unmarshal(raw, &value); unmarshalErr == nil {
			return value, nil
		}
	}

	value, err := fetch(ctx)
	if err != nil {
		return value, err
	}
	if raw, marshalErr := json.Marshal(value); marshalErr == nil {
		_ = store.Set(ctx, key, raw, ttl)
	}
	return value, nil
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCacheStore 是进程内的缓存实现，条目过期后在读取时惰性淘汰。
type MemoryCacheStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryCacheStore 创建进程内缓存。
func NewMemoryCacheStore() *MemoryCacheStore {
	return &MemoryCacheStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Get 读取缓存条目，过期条目视为未命中并删除。
func (s *MemoryCacheStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if s.now().After(entry.expiresAt) {
		delete(s.entries, key)
		return nil, false, nil
	}
	return entry.value, true, nil
}

// Set 写入缓存条目并记录过期时间。
func (s *MemoryCacheStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = memoryEntry{value: value, expiresAt: s.now().Add(ttl)}
	return nil
}

// DeletePrefix 删除所有以 prefix 开头的条目。
func (s *MemoryCacheStore) DeletePrefix(_ context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.entries {
		if strings.HasPrefix(key, prefix) {
			delete(s.entries, key)
		}
	}
	return nil
}

// Close 释放缓存占用的内存。
func (s *MemoryCacheStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]memoryEntry)
	return nil
}

var _ CacheStore = (*MemoryCacheStore)(nil)
