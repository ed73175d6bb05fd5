package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lease key only when it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease implements a best-effort claim on a named resource via SETNX. It
// keeps overlapping sweep invocations from mutating the same records twice.
type Lease struct {
	client *redis.Client
}

// NewLease wraps a Redis client.
func NewLease(client *redis.Client) *Lease {
	return &Lease{client: client}
}

// Acquire attempts to claim the key for the given TTL. On success it returns
// a release func; when the key is already held it returns ok=false.
func (l *Lease) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err()
	}
	return release, true, nil
}
