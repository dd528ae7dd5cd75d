package queue

import (
	"context"
	"fmt"
	"time"

	r "github.com/redis/go-redis/v9"
)

const (
	readyKey   = "workq:ready"
	delayedKey = "workq:delayed"
)

// RedisBroker dispatches through a Redis list (ready) and ZSET (delayed,
// scored by the unix time the id becomes due).
type RedisBroker struct{ rdb *r.Client }

func NewRedisBroker(rdb *r.Client) *RedisBroker { return &RedisBroker{rdb} }

func (b *RedisBroker) Push(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	pipe := b.rdb.TxPipeline()
	for _, id := range ids {
		pipe.LPush(ctx, readyKey, id)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (b *RedisBroker) Pop(ctx context.Context, block time.Duration) (string, error) {
	if block <= 0 {
		id, err := b.rdb.RPop(ctx, readyKey).Result()
		if err == r.Nil {
			return "", nil
		}
		return id, err
	}
	res, err := b.rdb.BRPop(ctx, block, readyKey).Result()
	if err == r.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if len(res) == 2 {
		return res[1], nil
	}
	return "", nil
}

func (b *RedisBroker) Delay(ctx context.Context, id string, at time.Time) error {
	return b.rdb.ZAdd(ctx, delayedKey, r.Z{Score: float64(at.Unix()), Member: id}).Err()
}

func (b *RedisBroker) MoveDue(ctx context.Context, now time.Time, batch int64) (int, error) {
	ids, err := b.rdb.ZRangeByScore(ctx, delayedKey, &r.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.Unix()), Offset: 0, Count: batch,
	}).Result()
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	pipe := b.rdb.TxPipeline()
	for _, id := range ids {
		pipe.LPush(ctx, readyKey, id)
		pipe.ZRem(ctx, delayedKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}
