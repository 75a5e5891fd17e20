package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// MemoryStore keeps entries in process. Values are stored serialised so
// callers never share maps with the cache.
type MemoryStore struct {
	cache *cache.Cache
}

func NewMemoryStore(defaultTTL time.Duration) *MemoryStore {
	// Purge expired items every 10 minutes
	return &MemoryStore{cache: cache.New(defaultTTL, 10*time.Minute)}
}

func (s *MemoryStore) Load(ctx context.Context, key string) (*Entry, error) {
	x, found := s.cache.Get(key)
	if !found {
		return nil, nil
	}
	var e Entry
	if err := json.Unmarshal(x.([]byte), &e); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	return &e, nil
}

func (s *MemoryStore) Save(ctx context.Context, key string, entry *Entry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if ttl <= 0 {
		ttl = cache.DefaultExpiration
	}
	s.cache.Set(key, data, ttl)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.cache.Delete(key)
	return nil
}

// RedisStore shares entries across instances and restarts.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "consultation:cache:"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) Load(ctx context.Context, key string) (*Entry, error) {
	data, err := s.rdb.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	return &e, nil
}

func (s *RedisStore) Save(ctx context.Context, key string, entry *Entry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := s.rdb.Set(ctx, s.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// TieredStore reads the fast tier first and backfills it from the durable
// tier. A failing durable tier degrades to the fast tier only.
type TieredStore struct {
	fast    Store
	durable Store
	logger  *zap.Logger
}

func NewTieredStore(fast, durable Store, logger *zap.Logger) *TieredStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TieredStore{fast: fast, durable: durable, logger: logger}
}

func (s *TieredStore) Load(ctx context.Context, key string) (*Entry, error) {
	e, err := s.fast.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	if e != nil {
		return e, nil
	}
	e, err = s.durable.Load(ctx, key)
	if err != nil {
		s.logger.Warn("durable cache tier unavailable", zap.Error(err))
		return nil, nil
	}
	if e != nil {
		ttl := time.Until(e.ExpiresAt)
		if ttl > 0 {
			_ = s.fast.Save(ctx, key, e, ttl)
		}
	}
	return e, nil
}

func (s *TieredStore) Save(ctx context.Context, key string, entry *Entry, ttl time.Duration) error {
	if err := s.fast.Save(ctx, key, entry, ttl); err != nil {
		return err
	}
	if err := s.durable.Save(ctx, key, entry, ttl); err != nil {
		s.logger.Warn("durable cache tier write failed", zap.String("key", key), zap.Error(err))
	}
	return nil
}

func (s *TieredStore) Delete(ctx context.Context, key string) error {
	if err := s.fast.Delete(ctx, key); err != nil {
		return err
	}
	if err := s.durable.Delete(ctx, key); err != nil {
		s.logger.Warn("durable cache tier delete failed", zap.String("key", key), zap.Error(err))
	}
	return nil
}
