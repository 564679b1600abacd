package session

import (
	"context"
	"time"

	"workstation-guard/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// SlotGuard extends the one-active-session rule across processes that
// share a backing store. The authority's in-process index is always checked
// first.
type SlotGuard interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) error
}

// LocalOnly relies on the in-process index alone.
type LocalOnly struct{}

func (LocalOnly) Acquire(context.Context, string, string, time.Duration) (bool, error) {
	return true, nil
}

func (LocalOnly) Release(context.Context, string, string) error { return nil }

// RedisSlotGuard holds one owner-tagged key per (identity, station).
type RedisSlotGuard struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisSlotGuard(rdb *redis.Client) *RedisSlotGuard {
	return &RedisSlotGuard{rdb: rdb, prefix: "wsg:slot:"}
}

func (g *RedisSlotGuard) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return utils.AcquireSlot(ctx, g.rdb, g.prefix+key, owner, ttl)
}

func (g *RedisSlotGuard) Release(ctx context.Context, key, owner string) error {
	return utils.ReleaseSlot(ctx, g.rdb, g.prefix+key, owner)
}
