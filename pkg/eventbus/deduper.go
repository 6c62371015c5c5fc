package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper remembers handled event ids so redelivered messages are skipped.
type Deduper interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	MarkSeen(ctx context.Context, eventID string) error
}

type MemoryDeduper struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
}

func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &MemoryDeduper{
		entries: make(map[string]time.Time),
		ttl:     ttl,
	}
}

func (d *MemoryDeduper) Seen(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	d.cleanupLocked(now)

	_, ok := d.entries[eventID]
	return ok, nil
}

func (d *MemoryDeduper) MarkSeen(ctx context.Context, eventID string) error {
	if eventID == "" {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.entries[eventID] = time.Now()
	return nil
}

func (d *MemoryDeduper) cleanupLocked(now time.Time) {
	for eventID, seenAt := range d.entries {
		if now.Sub(seenAt) > d.ttl {
			delete(d.entries, eventID)
		}
	}
}

const dedupeKeyPrefix = "finflow:dedupe:"

// RedisDeduper shares seen event ids across worker replicas.
type RedisDeduper struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisDeduper(client redis.UniversalClient, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDeduper{client: client, ttl: ttl}
}

func (d *RedisDeduper) Seen(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, nil
	}
	n, err := d.client.Exists(ctx, dedupeKeyPrefix+eventID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *RedisDeduper) MarkSeen(ctx context.Context, eventID string) error {
	if eventID == "" {
		return nil
	}
	return d.client.Set(ctx, dedupeKeyPrefix+eventID, time.Now().Unix(), d.ttl).Err()
}
