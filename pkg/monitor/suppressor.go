package monitor

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const suppressKeyPrefix = "finflow:monitor:alert:"

// Suppressor decides whether a finding may be emitted again. Release drops a
// claim whose alert could not be written.
type Suppressor interface {
	Allow(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// NewSuppressor returns a Redis-backed window when window is positive and a
// client is available; otherwise every finding is emitted on every run.
func NewSuppressor(client redis.UniversalClient, window time.Duration) Suppressor {
	if client == nil || window <= 0 {
		return emitAlways{}
	}
	return &RedisSuppressor{client: client, window: window}
}

type emitAlways struct{}

func (emitAlways) Allow(ctx context.Context, key string) (bool, error) {
	return true, nil
}

func (emitAlways) Release(ctx context.Context, key string) error { return nil }

// RedisSuppressor claims a key with SET NX EX; only the first claim inside
// the window is allowed.
type RedisSuppressor struct {
	client redis.UniversalClient
	window time.Duration
}

func (s *RedisSuppressor) Allow(ctx context.Context, key string) (bool, error) {
	return s.client.SetNX(ctx, suppressKeyPrefix+key, time.Now().Unix(), s.window).Result()
}

func (s *RedisSuppressor) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, suppressKeyPrefix+key).Err()
}
