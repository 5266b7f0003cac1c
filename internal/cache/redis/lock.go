package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// unlockLua deletes a lock key only if its value matches the caller's token
// so one holder never releases another holder's lock.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// MarketLock serializes writers of one market across processes sharing the
// market store, such as a restarted instance overlapping one that is still
// draining. Pending computations and ledger balances stay in the process
// that owns them, so only one engine instance serves traffic at a time.
// It satisfies core.Locker: Lock blocks, polling SETNX, until the lock is
// taken or ctx is done.
type MarketLock struct {
	rdb      *redis.Client
	unlockSc *redis.Script
	ttl      time.Duration
	poll     time.Duration
}

// NewMarketLock creates a lock with the given TTL. The TTL bounds how long a
// crashed holder can block a market; it must exceed the longest operation.
func NewMarketLock(c *Client, ttl time.Duration) *MarketLock {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &MarketLock{
		rdb:      c.Underlying(),
		unlockSc: redis.NewScript(unlockLua),
		ttl:      ttl,
		poll:     10 * time.Millisecond,
	}
}

func lockKey(key string) string {
	return "pm:lock:market:" + key
}

func (l *MarketLock) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	lk := lockKey(key)

	for {
		ok, err := l.rdb.SetNX(ctx, lk, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("redis: acquire lock %s: %w", key, ctx.Err())
		case <-time.After(l.poll):
		}
	}

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			// Background context so unlock succeeds even if the caller's
			// context is already cancelled.
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = l.unlockSc.Run(unlockCtx, l.rdb, []string{lk}, token).Err()
		})
	}
	return unlock, nil
}
