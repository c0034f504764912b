package mcp

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "OpenAgent-Core/internal/errors"
)

// RedisCacheStore 把能力缓存放进 Redis，多实例部署时可以共享
// 同一份工具清单，过期由 Redis 的键 TTL 负责。
type RedisCacheStore struct {
	client *redis.Client
	prefix string
}

// NewRedisCacheStore 连接 Redis 并验证可用性。
func NewRedisCacheStore(ctx context.Context, addr, password string, db int, prefix string) (*RedisCacheStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 Redis 缓存失败",
			xerrors.WithMetadata("addr", addr))
	}
	if prefix == "" {
		prefix = "openagent:mcp:"
	}
	return &RedisCacheStore{client: client, prefix: prefix}, nil
}

// Get 读取缓存条目，redis.Nil 视为未命中。
func (s *RedisCacheStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 缓存失败")
	}
	return raw, true, nil
}

// Set 写入缓存条目，过期交给 Redis 管理。
func (s *RedisCacheStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.prefix+key, value, ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 Redis 缓存失败")
	}
	return nil
}

// DeletePrefix 用 SCAN 游标遍历并删除匹配的键，避免 KEYS 阻塞服务。
func (s *RedisCacheStore) DeletePrefix(ctx context.Context, prefix string) error {
	iter := s.client.Scan(ctx, 0, s.prefix+prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除 Redis 缓存失败")
		}
	}
	if err := iter.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历 Redis 缓存失败")
	}
	return nil
}

// Close 关闭底层连接。
func (s *RedisCacheStore) Close() error {
	return s.client.Close()
}

var _ CacheStore = (*RedisCacheStore)(nil)
