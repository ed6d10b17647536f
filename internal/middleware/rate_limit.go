package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Counter 为固定窗口计数，返回窗口内的计数值以及窗口剩余时间。
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

// RateLimit 限制同一调用方在窗口内的请求数量。已鉴权的请求按 owner 计数，否则按来源 IP。
// 计数器出错时放行请求。
func RateLimit(counter Counter, maxRequests int, window time.Duration, log logrus.FieldLogger) func(http.Handler) http.Handler {
	if counter == nil || maxRequests <= 0 || window <= 0 {
		return passthrough
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			count, ttl, err := counter.Incr(r.Context(), clientKey(r), window)
			if err != nil {
				log.WithError(err).Warn("rate limit counter unavailable")
				next.ServeHTTP(w, r)
				return
			}

			remaining := int64(maxRequests) - count
			if remaining < 0 {
				remaining = 0
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(maxRequests))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

			if count > int64(maxRequests) {
				seconds := int(ttl.Round(time.Second).Seconds())
				if seconds < 1 {
					seconds = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
				writeJSONError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func passthrough(next http.Handler) http.Handler {
	return next
}

// MemoryCounter 是单进程内的固定窗口计数器。
type MemoryCounter struct {
	mu      sync.Mutex
	clients map[string]*clientCounter
	now     func() time.Time
}

type clientCounter struct {
	count   int64
	expires time.Time
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{clients: make(map[string]*clientCounter), now: time.Now}
}

func (m *MemoryCounter) Incr(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.clients[key]
	if !ok || !now.Before(entry.expires) {
		entry = &clientCounter{expires: now.Add(window)}
		m.clients[key] = entry
	}
	entry.count++

	if len(m.clients) > 1024 {
		m.cleanupLocked(now)
	}
	return entry.count, entry.expires.Sub(now), nil
}

func (m *MemoryCounter) cleanupLocked(now time.Time) {
	for key, entry := range m.clients {
		if !now.Before(entry.expires) {
			delete(m.clients, key)
		}
	}
}

// incrScript 自增计数，第一次计数时设置窗口过期时间。
var incrScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {n, redis.call("PTTL", KEYS[1])}
`)

// RedisCounter 让多个实例共享同一个限流窗口。
type RedisCounter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisCounter(client redis.UniversalClient, prefix string) *RedisCounter {
	return &RedisCounter{client: client, prefix: prefix}
}

func (c *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	res, err := incrScript.Run(ctx, c.client, []string{c.prefix + ":ratelimit:" + key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("incr rate limit %s: %w", key, err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("incr rate limit %s: unexpected reply %v", key, res)
	}
	ttl := time.Duration(res[1]) * time.Millisecond
	if ttl < 0 {
		ttl = window
	}
	return res[0], ttl, nil
}

func clientKey(r *http.Request) string {
	if owner := GetOwnerID(r.Context()); owner != "" {
		return "owner:" + owner
	}

	xff := r.Header.Get("X-Forwarded-For")
	if xff != "" {
		parts := strings.Split(xff, ",")
		return "ip:" + strings.TrimSpace(parts[0])
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}
