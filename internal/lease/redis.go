package lease

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/p2psettle/internal/idgen"
	"github.com/mbd888/p2psettle/internal/keys"
)

// releaseScript deletes the key only while it still holds our token, so a
// holder whose lease expired cannot free a successor's lease.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// releaseTimeout bounds the release round trip; it runs after the job's
// context may already be cancelled.
const releaseTimeout = 5 * time.Second

// RedisLease is a Lease shared by every replica pointed at the same Redis.
type RedisLease struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisLease wraps an existing client.
func NewRedisLease(client *redis.Client, logger *slog.Logger) *RedisLease {
	return &RedisLease{client: client, logger: logger}
}

// DialRedis parses a redis:// URL and verifies the server is reachable.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (r *RedisLease) Acquire(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	if ttl <= 0 {
		return nil, false, ErrInvalidTTL
	}
	key := keys.SweepLeaseKey(name)
	token := idgen.Hex(16)

	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}

	return func() {
		rctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := releaseScript.Run(rctx, r.client, []string{key}, token).Err(); err != nil {
			r.logger.Warn("failed to release lease", "lease", name, "error", err)
		}
	}, true, nil
}

// Ping reports whether Redis is reachable.
func (r *RedisLease) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

var _ Lease = (*RedisLease)(nil)
