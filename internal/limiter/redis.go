package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the shared-store client. Timeouts and retries are
// kept tight on purpose: the limiter degrades to fail-open rather than
// queueing behind a slow store.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxRetries   int
}

// RedisStore implements Store on a Redis sorted set per consumer key.
// Each window event is one set member scored by its unix-seconds timestamp;
// the member carries a nanosecond timestamp plus a random token so events
// landing in the same second never collide. Purge+count+add run inside one
// Lua script, which Redis executes atomically, so concurrent instances
// cannot interleave between the count and the add.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

// checkAndConsumeScript purges expired markers, counts the window, and
// admits the request only when the count is under the limit. Denied
// requests leave no marker. The key TTL is refreshed to the window length
// on every admission, which is what bounds storage for idle consumers.
var checkAndConsumeScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]
redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
  return {0, count}
end
redis.call('ZADD', key, now, member)
redis.call('EXPIRE', key, window)
return {1, count + 1}
`)

// countScript is the read half of the algorithm: same purge, no add.
var countScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
return redis.call('ZCARD', key)
`)

// NewRedisStore creates a Redis-backed Store.
func NewRedisStore(opts RedisOptions) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:         opts.Addr,
			Password:     opts.Password,
			DB:           opts.DB,
			DialTimeout:  opts.DialTimeout,
			ReadTimeout:  opts.ReadTimeout,
			WriteTimeout: opts.WriteTimeout,
			MaxRetries:   opts.MaxRetries,
		}),
		now: time.Now,
	}
}

// CheckAndConsume implements Store.
func (s *RedisStore) CheckAndConsume(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	now := s.now()
	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString())
	windowSecs := int64(window.Seconds())
	if windowSecs < 1 {
		windowSecs = 1
	}

	res, err := checkAndConsumeScript.Run(ctx, s.client, []string{key}, now.Unix(), windowSecs, limit, member).Result()
	if err != nil {
		return false, 0, err
	}
	allowed, count, err := parseScriptPair(res)
	if err != nil {
		return false, 0, err
	}
	return allowed == 1, count, nil
}

// Count implements Store.
func (s *RedisStore) Count(ctx context.Context, key string, window time.Duration) (int64, error) {
	windowSecs := int64(window.Seconds())
	if windowSecs < 1 {
		windowSecs = 1
	}
	res, err := countScript.Run(ctx, s.client, []string{key}, s.now().Unix(), windowSecs).Result()
	if err != nil {
		return 0, err
	}
	count, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected redis script result: %v", res)
	}
	return count, nil
}

// Reset implements Store.
func (s *RedisStore) Reset(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

// ScanKeys implements Store. It walks the keyspace with cursor-based SCAN so
// a class with many consumers never blocks the store the way KEYS would.
func (s *RedisStore) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// PoolStats exposes connection pool statistics for monitoring.
func (s *RedisStore) PoolStats() *redis.PoolStats {
	return s.client.PoolStats()
}

func parseScriptPair(res interface{}) (int64, int64, error) {
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return 0, 0, fmt.Errorf("unexpected redis script result: %v", res)
	}
	first, ok1 := vals[0].(int64)
	second, ok2 := vals[1].(int64)
	if !ok1 || !ok2 {
		return 0, 0, fmt.Errorf("unexpected redis script result: %v", res)
	}
	return first, second, nil
}
