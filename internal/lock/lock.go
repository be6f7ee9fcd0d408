// Package lock реализует распределённую блокировку на Redis.
// Используется для синхронизации каталога и статусов заказов, когда запущено несколько экземпляров сервиса.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var (
	// ErrNotConfigured возвращается, если клиент Redis не задан.
	ErrNotConfigured = errors.New("lock client not configured")
	// ErrEmptyKey возвращается для пустого ключа.
	ErrEmptyKey = errors.New("lock key is empty")
	// ErrInvalidTTL возвращается для неположительного времени жизни.
	ErrInvalidTTL = errors.New("lock ttl must be positive")
)

// Locker выдаёт блокировки по ключу с токеном владельца.
type Locker struct {
	client redis.UniversalClient
	prefix string
	script *redis.Script
}

// NewLocker создаёт блокировщик. Для nil-клиента возвращает nil.
func NewLocker(client redis.UniversalClient, prefix string) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{
		client: client,
		prefix: prefix,
		script: redis.NewScript(releaseScript),
	}
}

// TryLock пытается взять блокировку. Если ключ занят, возвращает пустой токен и false.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if l == nil || l.client == nil {
		return "", false, ErrNotConfigured
	}
	if key == "" {
		return "", false, ErrEmptyKey
	}
	if ttl <= 0 {
		return "", false, ErrInvalidTTL
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("setnx %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release снимает блокировку, только если она всё ещё принадлежит владельцу токена.
func (l *Locker) Release(ctx context.Context, key, token string) error {
	if l == nil || l.client == nil {
		return nil
	}
	if key == "" || token == "" {
		return nil
	}
	if err := l.script.Run(ctx, l.client, []string{l.prefix + key}, token).Err(); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}
