package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/suPer8Hu/character-chat/internal/common"
)

// releaseScript deletes the key only if we still own it, so an expired lock that was
// taken over by another holder is never released by the previous owner.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker shared by every server instance pointing at the same Redis.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

// NewRedis returns a Locker whose locks expire after ttl if the holder dies.
func NewRedis(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl, retry: 25 * time.Millisecond}
}

func (r *Redis) key(k string) string {
	return fmt.Sprintf("%s:lock:%s", r.prefix, k)
}

func (r *Redis) unlocker(key, token string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = releaseScript.Run(ctx, r.client, []string{key}, token).Err()
		})
	}
}

func (r *Redis) TryLock(ctx context.Context, key string) (func(), bool, error) {
	token, err := common.NewULID()
	if err != nil {
		return nil, false, err
	}
	k := r.key(key)
	ok, err := r.client.SetNX(ctx, k, token, r.ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return r.unlocker(k, token), true, nil
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	t := time.NewTicker(r.retry)
	defer t.Stop()
	for {
		unlock, ok, err := r.TryLock(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			return unlock, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}
