package redisdb

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	applog "searchweave/internal/platform/log"
)

// LockStore 基于 Redis 条件写的重建互斥锁。
// 获取走 SET NX EX（锁不存在或已过期才成功）；续期和释放都必须
// owner 匹配，通过 Lua 脚本保证 check-and-act 的原子性。
type LockStore struct {
	client *redis.Client
}

// NewLockStore 创建分布式锁存储
func NewLockStore(client *redis.Client) *LockStore {
	return &LockStore{client: client}
}

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Acquire 抢锁。并发调用恰好一个成功，其余立即得到 false。
func (l *LockStore) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	acquired, err := l.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		applog.Warn("[Lock] Failed to acquire", "key", key, "error", err)
		return false, fmt.Errorf("redis SETNX: %w", err)
	}

	if acquired {
		applog.Debug("[Lock] Acquired", "key", key, "owner", owner, "ttl", ttl.String())
	} else {
		applog.Debug("[Lock] Already held", "key", key)
	}
	return acquired, nil
}

// Refresh 续期。owner 不匹配（锁已易主或过期被抢）时返回 false。
func (l *LockStore) Refresh(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	n, err := refreshScript.Run(ctx, l.client, []string{key}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		applog.Warn("[Lock] Failed to refresh", "key", key, "error", err)
		return false, fmt.Errorf("redis refresh script: %w", err)
	}
	return n == 1, nil
}

// Release 释放。owner 不匹配时为 no-op，不会误删他人持有的锁。
func (l *LockStore) Release(ctx context.Context, key, owner string) error {
	n, err := releaseScript.Run(ctx, l.client, []string{key}, owner).Int()
	if err != nil {
		applog.Warn("[Lock] Failed to release", "key", key, "error", err)
		return fmt.Errorf("redis release script: %w", err)
	}

	if n == 1 {
		applog.Debug("[Lock] Released", "key", key, "owner", owner)
	} else {
		applog.Warn("[Lock] Release skipped, not the owner", "key", key, "owner", owner)
	}
	return nil
}
