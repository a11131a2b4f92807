package broker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RetryTracker counts failed deliveries of a message across redeliveries.
type RetryTracker interface {
	// Incr records one more failure of key and returns the total.
	Incr(ctx context.Context, key string) (int, error)
	Reset(ctx context.Context, key string) error
}

const defaultRetryTTL = 24 * time.Hour

// MemoryRetryTracker keeps counters in process. They are lost on restart,
// which only resets the attempt budget of in-flight poison messages.
type MemoryRetryTracker struct {
	mu     sync.Mutex
	ttl    time.Duration
	counts map[string]retryEntry
}

type retryEntry struct {
	n       int
	expires time.Time
}

func NewMemoryRetryTracker(ttl time.Duration) *MemoryRetryTracker {
	if ttl <= 0 {
		ttl = defaultRetryTTL
	}
	return &MemoryRetryTracker{ttl: ttl, counts: make(map[string]retryEntry)}
}

func (m *MemoryRetryTracker) Incr(_ context.Context, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	entry := m.counts[key]
	if !entry.expires.IsZero() && now.After(entry.expires) {
		entry = retryEntry{}
	}
	if entry.n == 0 {
		entry.expires = now.Add(m.ttl)
	}
	entry.n++
	m.counts[key] = entry
	m.sweepLocked(now)
	return entry.n, nil
}

func (m *MemoryRetryTracker) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.counts, key)
	return nil
}

func (m *MemoryRetryTracker) sweepLocked(now time.Time) {
	if len(m.counts) < 1024 {
		return
	}
	for k, e := range m.counts {
		if now.After(e.expires) {
			delete(m.counts, k)
		}
	}
}

var retryIncrScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// RedisRetryTracker shares counters between replicas consuming the same queue.
type RedisRetryTracker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisRetryTracker(client redis.UniversalClient, prefix string, ttl time.Duration) (*RedisRetryTracker, error) {
	if client == nil {
		return nil, errors.New("retry tracker redis client required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "library:retries"
	}
	if ttl <= 0 {
		ttl = defaultRetryTTL
	}
	return &RedisRetryTracker{client: client, prefix: prefix, ttl: ttl}, nil
}

func (r *RedisRetryTracker) Incr(ctx context.Context, key string) (int, error) {
	n, err := retryIncrScript.Run(ctx, r.client, []string{r.key(key)}, r.ttl.Milliseconds()).Int()
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (r *RedisRetryTracker) Reset(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}

func (r *RedisRetryTracker) key(key string) string {
	return r.prefix + ":" + key
}
