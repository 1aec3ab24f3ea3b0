package lock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const lockKeyPrefix = "order_lock:"

// unlockScript deletes the lock only when the caller still holds it, so a
// slow acceptor cannot release a lock that expired and was re-acquired.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLock implements Manager with SET NX PX.
type RedisLock struct {
	client *redis.Client
}

func NewRedisLock(client *redis.Client) *RedisLock {
	return &RedisLock{client: client}
}

func (r *RedisLock) TryLock(ctx context.Context, orderID, holder string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, lockKeyPrefix+orderID, holder, ttl).Result()
}

func (r *RedisLock) Unlock(ctx context.Context, orderID, holder string) error {
	return unlockScript.Run(ctx, r.client, []string{lockKeyPrefix + orderID}, holder).Err()
}
