package state

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	notifiedKeyPrefix  = "order_notified_drivers:"
	blacklistKeyPrefix = "order_blacklist:"
	retryKeyPrefix     = "order_retry_info:"
	rejectKeyPrefix    = "driver_reject_count:"
	currentKeyPrefix   = "driver_current_order:"
	pendingOrdersKey   = "pending_orders"

	currentOrderTTL = 24 * time.Hour
)

// Redis implements Store on a shared Redis instance so that every node of
// the dispatch engine sees the same notified sets and locks arbitrate
// globally.
type Redis struct {
	client      *redis.Client
	notifiedTTL time.Duration
	pendingTTL  time.Duration
	rejectTTL   time.Duration
}

func NewRedis(client *redis.Client, notifiedTTL, pendingTTL, rejectTTL time.Duration) *Redis {
	return &Redis{client: client, notifiedTTL: notifiedTTL, pendingTTL: pendingTTL, rejectTTL: rejectTTL}
}

// AddNotified relies on SADD returning 1 only for the first insert; that
// return value is the entire dedupe protocol.
func (r *Redis) AddNotified(ctx context.Context, orderID, driverID string) (bool, error) {
	key := notifiedKeyPrefix + orderID
	added, err := r.client.SAdd(ctx, key, driverID).Result()
	if err != nil {
		return false, err
	}
	if added == 1 {
		r.client.Expire(ctx, key, r.notifiedTTL)
	}
	return added == 1, nil
}

func (r *Redis) WasNotified(ctx context.Context, orderID, driverID string) (bool, error) {
	return r.client.SIsMember(ctx, notifiedKeyPrefix+orderID, driverID).Result()
}

func (r *Redis) AddBlacklist(ctx context.Context, orderID, driverID string) error {
	key := blacklistKeyPrefix + orderID
	pipe := r.client.Pipeline()
	pipe.SAdd(ctx, key, driverID)
	pipe.Expire(ctx, key, r.notifiedTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Redis) IsBlacklisted(ctx context.Context, orderID, driverID string) (bool, error) {
	return r.client.SIsMember(ctx, blacklistKeyPrefix+orderID, driverID).Result()
}

func (r *Redis) AddPending(ctx context.Context, orderID string) error {
	return r.client.ZAddNX(ctx, pendingOrdersKey, redis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: orderID,
	}).Err()
}

func (r *Redis) RemovePending(ctx context.Context, orderID string) error {
	return r.client.ZRem(ctx, pendingOrdersKey, orderID).Err()
}

func (r *Redis) PendingOrders(ctx context.Context) ([]string, error) {
	cutoff := time.Now().Add(-r.pendingTTL).UnixMilli()
	if err := r.client.ZRemRangeByScore(ctx, pendingOrdersKey, "0", strconv.FormatInt(cutoff, 10)).Err(); err != nil {
		return nil, err
	}
	return r.client.ZRange(ctx, pendingOrdersKey, 0, -1).Result()
}

func (r *Redis) InitRetry(ctx context.Context, orderID string) error {
	key := retryKeyPrefix + orderID
	now := time.Now().UnixMilli()
	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"retry_count":     0,
		"create_time":     now,
		"last_retry_time": now,
	})
	pipe.Expire(ctx, key, r.notifiedTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Redis) RecordRetry(ctx context.Context, orderID string, round int) error {
	key := retryKeyPrefix + orderID
	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, "retry_count", round+1)
	pipe.HSet(ctx, key, "last_retry_time", time.Now().UnixMilli())
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Redis) ClearRetry(ctx context.Context, orderID string) error {
	return r.client.Del(ctx, retryKeyPrefix+orderID).Err()
}

func (r *Redis) IncrReject(ctx context.Context, driverID string) (int64, error) {
	key := rejectKeyPrefix + driverID
	n, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	r.client.Expire(ctx, key, r.rejectTTL)
	return n, nil
}

func (r *Redis) RejectCount(ctx context.Context, driverID string) (int64, error) {
	v, err := r.client.Get(ctx, rejectKeyPrefix+driverID).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

func (r *Redis) SetCurrentOrder(ctx context.Context, driverID, orderID string) error {
	return r.client.Set(ctx, currentKeyPrefix+driverID, orderID, currentOrderTTL).Err()
}

func (r *Redis) ClearCurrentOrder(ctx context.Context, driverID string) error {
	return r.client.Del(ctx, currentKeyPrefix+driverID).Err()
}

func (r *Redis) CurrentOrder(ctx context.Context, driverID string) (string, error) {
	v, err := r.client.Get(ctx, currentKeyPrefix+driverID).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

func (r *Redis) ClearOrder(ctx context.Context, orderID string) error {
	pipe := r.client.Pipeline()
	pipe.Del(ctx, notifiedKeyPrefix+orderID)
	pipe.Del(ctx, blacklistKeyPrefix+orderID)
	pipe.Del(ctx, retryKeyPrefix+orderID)
	pipe.ZRem(ctx, pendingOrdersKey, orderID)
	_, err := pipe.Exec(ctx)
	return err
}
