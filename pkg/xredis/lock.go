package xredis

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// 续期：只有锁还是自己的才续
// KEYS[1]: 锁 key  ARGV[1]: token  ARGV[2]: ttl 毫秒
const renewScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("pexpire", KEYS[1], ARGV[2])
else
    return 0
end
`

// 释放：token 不匹配不删，防止误删别人的锁
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
else
    return 0
end
`

// LeaderLock 多实例部署时保证只有一个实例跑同步循环 (single writer)
type LeaderLock struct {
	rdb   *redis.Client
	key   string
	token string // 当前实例唯一标识
	ttl   time.Duration
}

func NewLeaderLock(rdb *redis.Client, key string, ttl time.Duration) *LeaderLock {
	return &LeaderLock{
		rdb:   rdb,
		key:   key,
		token: uuid.NewString(),
		ttl:   ttl,
	}
}

// Token 当前实例的锁标识
func (l *LeaderLock) Token() string { return l.token }

// TryAcquire 抢锁或续期，返回当前实例是否是 leader
func (l *LeaderLock) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}

	// 没抢到，看看是不是自己持有的，是就续期
	res, err := l.rdb.Eval(ctx, renewScript, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Release 主动释放 (优雅退出时调用)
func (l *LeaderLock) Release(ctx context.Context) (bool, error) {
	res, err := l.rdb.Eval(ctx, releaseScript, []string{l.key}, l.token).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}
