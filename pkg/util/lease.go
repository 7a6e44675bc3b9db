package util

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// 只有持有者才能释放，避免误删别人续上的锁
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease 基于 SETNX 的分布式租约
type Lease struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewLease(rdb *redis.Client, logger *zap.Logger) *Lease {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lease{rdb: rdb, logger: logger}
}

// Acquire tries to take key for ttl. When acquired is true the caller must
// call release once done. A Redis error is returned as-is so the caller can
// decide whether to proceed without the lease.
func (l *Lease) Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), acquired bool, err error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	release = func() {
		// 释放不受调用方 ctx 取消影响
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.rdb, []string{key}, token).Err(); err != nil {
			l.logger.Warn("Failed to release lease, it will expire",
				zap.String("key", key),
				zap.Duration("ttl", ttl),
				zap.Error(err),
			)
		}
	}
	return release, true, nil
}
