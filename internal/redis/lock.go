package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds our token
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// Locker 分布式锁
type Locker struct {
	client    redis.Cmdable
	keyPrefix string
	newToken  func() string
}

// NewLocker 创建分布式锁
func NewLocker(client redis.Cmdable, keyPrefix string) *Locker {
	return &Locker{
		client:    client,
		keyPrefix: keyPrefix,
		newToken:  func() string { return uuid.NewString() },
	}
}

// Lock a held lock; Release is safe to call more than once
type Lock struct {
	locker *Locker
	key    string
	token  string
}

// TryLock 尝试获取锁. A nil Lock with a nil error means another holder owns it.
func (l *Locker) TryLock(ctx context.Context, name string, ttl time.Duration) (*Lock, error) {
	key := l.keyPrefix + name
	token := l.newToken()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("获取锁 %s 失败: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	return &Lock{locker: l, key: key, token: token}, nil
}

// Release 释放锁
func (k *Lock) Release(ctx context.Context) (bool, error) {
	result, err := k.locker.client.Eval(ctx, releaseScript, []string{k.key}, k.token).Int64()
	if err != nil {
		return false, fmt.Errorf("释放锁 %s 失败: %w", k.key, err)
	}
	return result == 1, nil
}

// Key 锁的完整键名
func (k *Lock) Key() string { return k.key }
