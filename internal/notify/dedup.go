package notify

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Balghanimi/toosila/internal/models"
)

// DedupIndex answers "was this key seen within the window?" and records
// the key as seen when it was not. Check-and-set in one call keeps two
// racing notifies from both passing the check.
type DedupIndex interface {
	Seen(ctx context.Context, key string, window time.Duration) (bool, error)
}

// MemoryDedup is the single-process index. Entries expire lazily on the
// next lookup for the same key.
type MemoryDedup struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

func NewMemoryDedup() *MemoryDedup {
	return &MemoryDedup{seen: make(map[string]time.Time), now: time.Now}
}

// SetClock replaces the time source for tests.
func (m *MemoryDedup) SetClock(now func() time.Time) { m.now = now }

func (m *MemoryDedup) Seen(_ context.Context, key string, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if ts, ok := m.seen[key]; ok && now.Sub(ts) < window {
		return true, nil
	}
	m.seen[key] = now
	return false, nil
}

// RedisDedup shares the index across processes. SETNX with the window as
// TTL makes the check-and-set atomic on the server.
type RedisDedup struct {
	client *redis.Client
}

func NewRedisDedup(addr, password string) *RedisDedup {
	return &RedisDedup{client: redis.NewClient(&redis.Options{Addr: addr, Password: password})}
}

func (r *RedisDedup) Seen(ctx context.Context, key string, window time.Duration) (bool, error) {
	set, err := r.client.SetNX(ctx, "notify:dedup:"+key, 1, window).Result()
	if err != nil {
		return false, models.Unavailable(err, "redis dedup")
	}
	return !set, nil
}

func (r *RedisDedup) Close() error { return r.client.Close() }
