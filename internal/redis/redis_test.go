package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cachedPrice struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

func TestCache_GetJSON(t *testing.T) {
	db, mock := redismock.NewClientMock()
	cache := NewCache(db, "rwaoracle:")
	ctx := context.Background()

	t.Run("命中", func(t *testing.T) {
		mock.ExpectGet("rwaoracle:price:AAPL").SetVal(`{"symbol":"AAPL","price":150}`)

		var got cachedPrice
		found, err := cache.GetJSON(ctx, "price:AAPL", &got)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, 150.0, got.Price)
	})

	t.Run("未命中", func(t *testing.T) {
		mock.ExpectGet("rwaoracle:price:XYZ").RedisNil()

		var got cachedPrice
		found, err := cache.GetJSON(ctx, "price:XYZ", &got)
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("Redis错误", func(t *testing.T) {
		mock.ExpectGet("rwaoracle:price:ERR").SetErr(redis.TxFailedErr)

		var got cachedPrice
		_, err := cache.GetJSON(ctx, "price:ERR", &got)
		assert.Error(t, err)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCache_SetJSONAndDelete(t *testing.T) {
	db, mock := redismock.NewClientMock()
	cache := NewCache(db, "rwaoracle:")
	ctx := context.Background()

	value := cachedPrice{Symbol: "AAPL", Price: 75}
	data, err := json.Marshal(value)
	require.NoError(t, err)

	mock.ExpectSet("rwaoracle:price:AAPL", data, time.Minute).SetVal("OK")
	mock.ExpectDel("rwaoracle:price:AAPL", "rwaoracle:corporate_actions:AAPL").SetVal(2)

	require.NoError(t, cache.SetJSON(ctx, "price:AAPL", value, time.Minute))
	require.NoError(t, cache.Delete(ctx, "price:AAPL", "corporate_actions:AAPL"))
	require.NoError(t, cache.Delete(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_TryLockAndRelease(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, "rwaoracle:")
	locker.newToken = func() string { return "token-1" }
	ctx := context.Background()

	mock.ExpectSetNX("rwaoracle:scheduler:tick", "token-1", time.Minute).SetVal(true)
	mock.ExpectEval(releaseScript, []string{"rwaoracle:scheduler:tick"}, "token-1").SetVal(int64(1))

	lock, err := locker.TryLock(ctx, "scheduler:tick", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Equal(t, "rwaoracle:scheduler:tick", lock.Key())

	released, err := lock.Release(ctx)
	require.NoError(t, err)
	assert.True(t, released)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_HeldElsewhere(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, "rwaoracle:")
	locker.newToken = func() string { return "token-2" }

	mock.ExpectSetNX("rwaoracle:scheduler:tick", "token-2", time.Minute).SetVal(false)

	lock, err := locker.TryLock(context.Background(), "scheduler:tick", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, lock)
	assert.NoError(t, mock.ExpectationsWereMet())
}
