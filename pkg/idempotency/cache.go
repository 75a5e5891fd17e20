// Package idempotency caches per-stage pipeline results under a hash of the
// consultation's immutable inputs, so an identical resubmission never pays
// for the same stage twice.
package idempotency

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"
	"time"

	"fengshui-report-be/pkg/metrics"

	"go.uber.org/zap"
)

// DefaultTTL is the retention window of a cache entry.
const DefaultTTL = 30 * 24 * time.Hour

// StageRecord is one cached stage result.
type StageRecord struct {
	Success        bool            `json:"success"`
	Payload        json.RawMessage `json:"payload"`
	ConversationID string          `json:"conversation_id,omitempty"`
	StoredAt       time.Time       `json:"stored_at"`
}

// Entry is everything cached for one owner. Only one input hash is live
// per owner at a time.
type Entry struct {
	Hash      string                 `json:"hash"`
	Stages    map[string]StageRecord `json:"stages"`
	ExpiresAt time.Time              `json:"expires_at"`
}

// Store persists entries by owner key. Load returns (nil, nil) on a miss.
type Store interface {
	Load(ctx context.Context, key string) (*Entry, error)
	Save(ctx context.Context, key string, entry *Entry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type Cache struct {
	store  Store
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
	locks  [64]sync.Mutex
}

func NewCache(store Store, ttl time.Duration, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{store: store, ttl: ttl, logger: logger, now: time.Now}
}

func (c *Cache) lock(owner string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(owner))
	return &c.locks[h.Sum32()%uint32(len(c.locks))]
}

// Get returns the cached record for (owner, hash, stage). Entries cached
// under a different hash and expired entries are misses; expired entries
// are purged.
func (c *Cache) Get(ctx context.Context, owner, hash, stage string) (*StageRecord, bool, error) {
	entry, err := c.load(ctx, owner)
	if err != nil {
		return nil, false, err
	}
	if entry == nil || entry.Hash != hash {
		metrics.CacheLookups.WithLabelValues(stage, "miss").Inc()
		return nil, false, nil
	}
	rec, ok := entry.Stages[stage]
	if !ok {
		metrics.CacheLookups.WithLabelValues(stage, "miss").Inc()
		return nil, false, nil
	}
	metrics.CacheLookups.WithLabelValues(stage, "hit").Inc()
	return &rec, true, nil
}

// Put stores rec for stage. A hash different from the cached one replaces
// the owner's whole entry.
func (c *Cache) Put(ctx context.Context, owner, hash, stage string, rec StageRecord) error {
	mu := c.lock(owner)
	mu.Lock()
	defer mu.Unlock()

	entry, err := c.load(ctx, owner)
	if err != nil {
		return err
	}
	if entry == nil || entry.Hash != hash {
		if entry != nil {
			c.logger.Debug("replacing cache entry for new inputs",
				zap.String("owner", owner),
				zap.String("old_hash", entry.Hash),
				zap.String("new_hash", hash))
		}
		entry = &Entry{Hash: hash, Stages: make(map[string]StageRecord)}
	}
	if rec.StoredAt.IsZero() {
		rec.StoredAt = c.now()
	}
	entry.Stages[stage] = rec
	entry.ExpiresAt = c.now().Add(c.ttl)
	return c.store.Save(ctx, owner, entry, c.ttl)
}

// Forget drops one stage, e.g. a cached failure the user wants to retry.
func (c *Cache) Forget(ctx context.Context, owner, hash, stage string) error {
	mu := c.lock(owner)
	mu.Lock()
	defer mu.Unlock()

	entry, err := c.load(ctx, owner)
	if err != nil || entry == nil || entry.Hash != hash {
		return err
	}
	if _, ok := entry.Stages[stage]; !ok {
		return nil
	}
	delete(entry.Stages, stage)
	return c.store.Save(ctx, owner, entry, entry.ExpiresAt.Sub(c.now()))
}

// Invalidate removes everything cached for owner.
func (c *Cache) Invalidate(ctx context.Context, owner string) error {
	return c.store.Delete(ctx, owner)
}

func (c *Cache) load(ctx context.Context, owner string) (*Entry, error) {
	entry, err := c.store.Load(ctx, owner)
	if err != nil || entry == nil {
		return nil, err
	}
	if !entry.ExpiresAt.IsZero() && !c.now().Before(entry.ExpiresAt) {
		if err := c.store.Delete(ctx, owner); err != nil {
			c.logger.Warn("failed to purge expired cache entry", zap.String("owner", owner), zap.Error(err))
		}
		return nil, nil
	}
	if entry.Stages == nil {
		entry.Stages = make(map[string]StageRecord)
	}
	return entry, nil
}
