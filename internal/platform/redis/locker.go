// Package redis provides the scheduler fire lock backed by Redis.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces fire-time claims.
const KeyPrefix = "taskq:schedule:"

// Connect parses url, opens a client and verifies it with PING.
func Connect(ctx context.Context, url string) (*goredis.Client, error) {
	opt, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := goredis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// Locker claims keys with SET NX PX. Claims are never released; they expire
// after their TTL.
type Locker struct {
	rdb   goredis.Cmdable
	owner string
}

// NewLocker returns a Locker whose claims are tagged with a random owner id.
func NewLocker(rdb goredis.Cmdable) *Locker {
	return &Locker{rdb: rdb, owner: uuid.NewString()}
}

// Owner is the value written under every key this Locker claims.
func (l *Locker) Owner() string { return l.owner }

// TryLock reports whether this Locker won key for ttl.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, KeyPrefix+key, l.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	return ok, nil
}
