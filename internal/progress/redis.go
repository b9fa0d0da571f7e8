package progress

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	progressKeyPrefix = "progress:"

	fieldUpload     = "upload"
	fieldConversion = "conversion"

	maxTxRetries = 16
)

// RedisRegistry は進捗を Redis のハッシュに保存します。
// API プロセスと asynq ワーカーの間で進捗を共有するために使用します。
type RedisRegistry struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewRedisRegistry は RedisRegistry を作成します。ttl が 0 の場合は期限なしです。
func NewRedisRegistry(rdb redis.UniversalClient, ttl time.Duration) *RedisRegistry {
	return &RedisRegistry{rdb: rdb, ttl: ttl}
}

func (r *RedisRegistry) StartUpload(ctx context.Context, key string) error {
	return r.set(ctx, key, fieldUpload, "0")
}

func (r *RedisRegistry) SetUpload(ctx context.Context, key string, pct float64) error {
	pct = clampPercent(pct)
	return r.update(ctx, key, fieldUpload, func(cur string, ok bool) (string, bool, error) {
		if ok {
			prev, err := strconv.ParseFloat(cur, 64)
			if err == nil && prev >= pct {
				return "", false, nil
			}
		}
		return strconv.FormatFloat(pct, 'f', -1, 64), true, nil
	})
}

func (r *RedisRegistry) Upload(ctx context.Context, key string) (float64, error) {
	raw, err := r.get(ctx, key, fieldUpload)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt upload progress for %s: %w", key, err)
	}
	return value, nil
}

func (r *RedisRegistry) StartConversion(ctx context.Context, key string) error {
	return r.set(ctx, key, fieldConversion, strconv.Itoa(ConversionQueued))
}

func (r *RedisRegistry) SetConversion(ctx context.Context, key string, pct int) error {
	return r.update(ctx, key, fieldConversion, func(cur string, ok bool) (string, bool, error) {
		var current *int
		if ok {
			v, err := strconv.Atoi(cur)
			if err != nil {
				return "", false, fmt.Errorf("corrupt conversion progress for %s: %w", key, err)
			}
			current = &v
		}
		if err := nextConversion(current, pct); err != nil {
			return "", false, err
		}
		return strconv.Itoa(pct), true, nil
	})
}

func (r *RedisRegistry) Conversion(ctx context.Context, key string) (int, error) {
	raw, err := r.get(ctx, key, fieldConversion)
	if err != nil {
		return 0, err
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("corrupt conversion progress for %s: %w", key, err)
	}
	return value, nil
}

func (r *RedisRegistry) get(ctx context.Context, key, field string) (string, error) {
	raw, err := r.rdb.HGet(ctx, progressKey(key), field).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", err
	}
	return raw, nil
}

func (r *RedisRegistry) set(ctx context.Context, key, field, value string) error {
	hk := progressKey(key)
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, hk, field, value)
		if r.ttl > 0 {
			pipe.Expire(ctx, hk, r.ttl)
		}
		return nil
	})
	return err
}

// update は WATCH による楽観的ロックで読み取り・検証・書き込みを行います。
// mutate が false を返した場合は書き込みを行いません。
func (r *RedisRegistry) update(ctx context.Context, key, field string, mutate func(cur string, ok bool) (string, bool, error)) error {
	hk := progressKey(key)
	txf := func(tx *redis.Tx) error {
		cur, err := tx.HGet(ctx, hk, field).Result()
		ok := true
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				return err
			}
			ok = false
		}
		next, write, err := mutate(cur, ok)
		if err != nil || !write {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, hk, field, next)
			if r.ttl > 0 {
				pipe.Expire(ctx, hk, r.ttl)
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.rdb.Watch(ctx, txf, hk)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("progress update for %s: too much contention", key)
}

func progressKey(key string) string {
	return progressKeyPrefix + key
}
