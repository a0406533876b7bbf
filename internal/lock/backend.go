package lock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ronappleton/growth-orchestrator/internal/store"
)

// StoreBackend keeps locks in the persistence gateway's lock table.
type StoreBackend struct {
	gw store.Gateway
}

func NewStoreBackend(gw store.Gateway) *StoreBackend {
	return &StoreBackend{gw: gw}
}

func (b *StoreBackend) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	return b.gw.AcquireLock(ctx, key, holder, ttl)
}

func (b *StoreBackend) Release(ctx context.Context, key, holder string) error {
	return b.gw.ReleaseLock(ctx, key, holder)
}

// releaseScript deletes the key only while it still belongs to holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisBackend uses SET NX PX so expiry is enforced by redis itself.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisBackend(client redis.UniversalClient, prefix string) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	return b.client.SetNX(ctx, b.prefix+key, holder, ttl).Result()
}

func (b *RedisBackend) Release(ctx context.Context, key, holder string) error {
	return releaseScript.Run(ctx, b.client, []string{b.prefix + key}, holder).Err()
}
