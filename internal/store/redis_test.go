package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maintdesk/go-ticket-server/internal/offlinequeue"
)

var (
	_ offlinequeue.Storage = (*RedisStorage)(nil)
	_ offlinequeue.Updater = (*RedisStorage)(nil)
	_ offlinequeue.Locker  = (*RedisStorage)(nil)
)

func TestRedisStorage(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	storage := NewRedisStorage(rdb, "maintdesk:")
	ctx := context.Background()

	mock.ExpectGet("maintdesk:offline_ticket_queue").RedisNil()
	_, ok, err := storage.Get(ctx, "offline_ticket_queue")
	require.NoError(t, err)
	assert.False(t, ok)

	payload := []byte(`[{"temporary_id":"tmp-1"}]`)
	mock.ExpectSet("maintdesk:offline_ticket_queue", payload, 0).SetVal("OK")
	require.NoError(t, storage.Set(ctx, "offline_ticket_queue", payload))

	mock.ExpectGet("maintdesk:offline_ticket_queue").SetVal(string(payload))
	value, ok, err := storage.Get(ctx, "offline_ticket_queue")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, payload, value)

	mock.ExpectDel("maintdesk:offline_ticket_queue").SetVal(1)
	require.NoError(t, storage.Remove(ctx, "offline_ticket_queue"))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStorageErrors(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	storage := NewRedisStorage(rdb, "")
	ctx := context.Background()

	mock.ExpectGet("k").SetErr(errors.New("i/o timeout"))
	_, _, err := storage.Get(ctx, "k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis get k")

	mock.ExpectSet("k", []byte("v"), 0).SetErr(errors.New("OOM command not allowed"))
	err = storage.Set(ctx, "k", []byte("v"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OOM")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStorageUpdateUsesTransaction(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	storage := NewRedisStorage(rdb, "maintdesk:")
	key := "maintdesk:offline_ticket_queue"

	mock.ExpectWatch(key)
	mock.ExpectGet(key).SetVal(`["a"]`)
	mock.ExpectTxPipeline()
	mock.ExpectSet(key, []byte(`["a","b"]`), 0).SetVal("OK")
	mock.ExpectTxPipelineExec()

	err := storage.Update(context.Background(), "offline_ticket_queue", func(current []byte, found bool) ([]byte, error) {
		assert.True(t, found)
		assert.Equal(t, `["a"]`, string(current))
		return []byte(`["a","b"]`), nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStorageUpdateRetriesOnConflict(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	storage := NewRedisStorage(rdb, "")

	// Another writer appends "x" between our read and our EXEC.
	mock.ExpectWatch("q")
	mock.ExpectGet("q").RedisNil()
	mock.ExpectTxPipeline()
	mock.ExpectSet("q", []byte(`["mine"]`), 0).SetVal("OK")
	mock.ExpectTxPipelineExec().SetErr(redis.TxFailedErr)

	mock.ExpectWatch("q")
	mock.ExpectGet("q").SetVal(`["x"]`)
	mock.ExpectTxPipeline()
	mock.ExpectSet("q", []byte(`["x","mine"]`), 0).SetVal("OK")
	mock.ExpectTxPipelineExec()

	calls := 0
	err := storage.Update(context.Background(), "q", func(current []byte, found bool) ([]byte, error) {
		calls++
		if !found {
			return []byte(`["mine"]`), nil
		}
		return []byte(`["x","mine"]`), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStorageUpdateRemovesOnNil(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	storage := NewRedisStorage(rdb, "")

	mock.ExpectWatch("q")
	mock.ExpectGet("q").SetVal(`["a"]`)
	mock.ExpectTxPipeline()
	mock.ExpectDel("q").SetVal(1)
	mock.ExpectTxPipelineExec()

	err := storage.Update(context.Background(), "q", func([]byte, bool) ([]byte, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStorageUpdateCallbackError(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	storage := NewRedisStorage(rdb, "")

	mock.ExpectWatch("q")
	mock.ExpectGet("q").RedisNil()

	boom := errors.New("encode failed")
	err := storage.Update(context.Background(), "q", func([]byte, bool) ([]byte, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStorageFlushLock(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	storage := NewRedisStorage(rdb, "maintdesk:")
	ctx := context.Background()
	key := "maintdesk:lock:flush"
	ttl := 25 * time.Second

	mock.ExpectSetNX(key, "tok-1", ttl).SetVal(true)
	ok, err := storage.TryLock(ctx, "flush", "tok-1", ttl)
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectSetNX(key, "tok-2", ttl).SetVal(false)
	ok, err = storage.TryLock(ctx, "flush", "tok-2", ttl)
	require.NoError(t, err)
	assert.False(t, ok)

	mock.ExpectWatch(key)
	mock.ExpectGet(key).SetVal("tok-1")
	mock.ExpectTxPipeline()
	mock.ExpectPExpire(key, ttl).SetVal(true)
	mock.ExpectTxPipelineExec()
	require.NoError(t, storage.RefreshLock(ctx, "flush", "tok-1", ttl))

	mock.ExpectWatch(key)
	mock.ExpectGet(key).SetVal("tok-1")
	err = storage.RefreshLock(ctx, "flush", "tok-2", ttl)
	require.ErrorIs(t, err, ErrLockNotHeld)

	mock.ExpectWatch(key)
	mock.ExpectGet(key).SetVal("tok-1")
	mock.ExpectTxPipeline()
	mock.ExpectDel(key).SetVal(1)
	mock.ExpectTxPipelineExec()
	require.NoError(t, storage.Unlock(ctx, "flush", "tok-1"))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStorageUnlockIgnoresForeignOwner(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	storage := NewRedisStorage(rdb, "")

	mock.ExpectWatch("lock:flush")
	mock.ExpectGet("lock:flush").SetVal("someone-else")
	require.NoError(t, storage.Unlock(context.Background(), "flush", "tok-1"))

	mock.ExpectWatch("lock:flush")
	mock.ExpectGet("lock:flush").RedisNil()
	require.NoError(t, storage.Unlock(context.Background(), "flush", "tok-1"))

	assert.NoError(t, mock.ExpectationsWereMet())
}
