package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const (
	lockTTL   = 30 * time.Second
	lockRetry = 50 * time.Millisecond
	lockWait  = 10 * time.Second
)

// releaseScript deletes the lock only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock takes a short-lived mutual-exclusion lock on key, retrying until the
// lock is free, ctx is done, or the wait budget runs out.
func (c *Client) Lock(ctx context.Context, key string) (func(), error) {
	if c == nil || c.inner == nil {
		return nil, errors.New("redis client not initialized")
	}
	key = "lock:" + key
	token := uuid.NewString()
	deadline := time.Now().Add(lockWait)
	for {
		ok, err := c.inner.SetNX(ctx, key, token, lockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("acquire %s: timed out", key)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetry):
		}
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		releaseScript.Run(releaseCtx, c.inner, []string{key}, token)
	}, nil
}
