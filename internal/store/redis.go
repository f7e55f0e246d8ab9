package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// maxUpdateAttempts bounds optimistic retries when other writers keep
// changing a watched key.
const maxUpdateAttempts = 64

// ErrLockNotHeld is returned when refreshing a lock owned by someone else.
var ErrLockNotHeld = errors.New("lock not held")

// RedisStorage keeps queue values in Redis, for deployments where several
// server replicas share one queue. Updates use WATCH/MULTI and the flush
// lock is a SET NX key, so replicas never overwrite each other.
type RedisStorage struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStorage wraps client. Keys are stored as prefix + key.
func NewRedisStorage(client redis.UniversalClient, prefix string) *RedisStorage {
	return &RedisStorage{client: client, prefix: prefix}
}

// DialRedis parses a redis:// or rediss:// URL and verifies the connection.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (r *RedisStorage) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return value, true, nil
}

func (r *RedisStorage) Set(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, r.prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *RedisStorage) Remove(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// Update applies fn inside a WATCH/MULTI transaction, retrying when another
// client changes the key first.
func (r *RedisStorage) Update(ctx context.Context, key string, fn func(current []byte, found bool) ([]byte, error)) error {
	full := r.prefix + key

	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, full).Bytes()
		found := true
		if errors.Is(err, redis.Nil) {
			current, found = nil, false
		} else if err != nil {
			return err
		}

		next, err := fn(current, found)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, full)
			} else {
				pipe.Set(ctx, full, next, 0)
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		err := r.client.Watch(ctx, txf, full)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("redis update %s: %w", key, err)
		}
		return nil
	}
	return fmt.Errorf("redis update %s: %w", key, redis.TxFailedErr)
}

func (r *RedisStorage) lockKey(name string) string {
	return r.prefix + "lock:" + name
}

// TryLock sets the lock key to token unless it already exists.
func (r *RedisStorage) TryLock(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.lockKey(name), token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis lock %s: %w", name, err)
	}
	return ok, nil
}

// RefreshLock extends the lock's expiry if token still owns it.
func (r *RedisStorage) RefreshLock(ctx context.Context, name, token string, ttl time.Duration) error {
	key := r.lockKey(name)
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		owner, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) || (err == nil && owner != token) {
			return ErrLockNotHeld
		}
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.PExpire(ctx, key, ttl)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return fmt.Errorf("redis refresh lock %s: %w", name, err)
	}
	return nil
}

// Unlock deletes the lock key if token still owns it.
func (r *RedisStorage) Unlock(ctx context.Context, name, token string) error {
	key := r.lockKey(name)
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		owner, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) || (err == nil && owner != token) {
			return nil
		}
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return fmt.Errorf("redis unlock %s: %w", name, err)
	}
	return nil
}
