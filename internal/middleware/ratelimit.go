package middleware

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Время передаётся аргументом, чтобы корзина не зависела от часов конкретного узла Redis.
const tokenBucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local data = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])

if tokens == nil then
  tokens = burst
else
  local delta = now - ts
  if delta < 0 then
    delta = 0
  end
  tokens = math.min(burst, tokens + (delta / 1000) * rate)
end

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", tostring(now))
redis.call("PEXPIRE", KEYS[1], ttl)

return {allowed, math.floor(tokens)}
`

// RateLimiter ограничивает частоту запросов алгоритмом token bucket в Redis.
type RateLimiter struct {
	client redis.UniversalClient
	script *redis.Script
	rate   float64
	burst  int
	prefix string
	logger *zap.Logger
	now    func() time.Time
}

// NewRateLimiter создаёт ограничитель: rate токенов в секунду, не больше burst в запасе.
// Для nil-клиента возвращает nil, и Middleware пропускает все запросы.
func NewRateLimiter(client redis.UniversalClient, rate float64, burst int, logger *zap.Logger) *RateLimiter {
	if client == nil || rate <= 0 || burst <= 0 {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		client: client,
		script: redis.NewScript(tokenBucketScript),
		rate:   rate,
		burst:  burst,
		prefix: "smm:rl:",
		logger: logger,
		now:    time.Now,
	}
}

// Allow забирает токен для ключа. Второе значение — число оставшихся токенов.
func (l *RateLimiter) Allow(ctx context.Context, key string) (bool, int, error) {
	if key == "" {
		return false, 0, errors.New("rate limiter key is empty")
	}

	res, err := l.script.Run(ctx, l.client, []string{l.prefix + key},
		l.rate,
		l.burst,
		bucketTTL(l.rate, l.burst).Milliseconds(),
		l.now().UnixMilli(),
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("token bucket %s: %w", key, err)
	}
	if len(res) < 2 {
		return false, 0, errors.New("invalid token bucket response")
	}
	return res[0] == 1, int(res[1]), nil
}

// Middleware применяет ограничение к запросу. Ключ — пользователь из контекста или адрес клиента.
// Ошибки Redis не блокируют запрос.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	if l == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := "ip:" + clientIP(r)
		if u, ok := GetUserFromContext(r.Context()); ok {
			key = "user:" + u.ID
		}

		allowed, remaining, err := l.Allow(r.Context(), key)
		if err != nil {
			l.logger.Warn("rate limiter unavailable", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.burst))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !allowed {
			retry := int(math.Ceil(1 / l.rate))
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bucketTTL(rate float64, burst int) time.Duration {
	seconds := math.Ceil(float64(burst) / rate * 2)
	if seconds < 1 {
		seconds = 1
	}
	return time.Duration(seconds) * time.Second
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
