package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewLocker(client, "smm:lock:"), mr
}

func TestTryLockIsExclusive(t *testing.T) {
	l, mr := newTestLocker(t)
	ctx := context.Background()

	token, ok, err := l.TryLock(ctx, "orders-sync", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, token)
	assert.True(t, mr.Exists("smm:lock:orders-sync"))

	_, ok, err = l.TryLock(ctx, "orders-sync", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Release(ctx, "orders-sync", token))
	assert.False(t, mr.Exists("smm:lock:orders-sync"))

	_, ok, err = l.TryLock(ctx, "orders-sync", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseWithForeignTokenKeepsLock(t *testing.T) {
	l, mr := newTestLocker(t)
	ctx := context.Background()

	_, ok, err := l.TryLock(ctx, "catalog-sync", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.Release(ctx, "catalog-sync", "someone-else"))
	assert.True(t, mr.Exists("smm:lock:catalog-sync"))
}

func TestLockExpires(t *testing.T) {
	l, mr := newTestLocker(t)
	ctx := context.Background()

	_, ok, err := l.TryLock(ctx, "orders-sync", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	_, ok, err = l.TryLock(ctx, "orders-sync", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTryLockValidation(t *testing.T) {
	l, _ := newTestLocker(t)
	ctx := context.Background()

	_, _, err := l.TryLock(ctx, "", time.Second)
	assert.ErrorIs(t, err, ErrEmptyKey)

	_, _, err = l.TryLock(ctx, "k", 0)
	assert.ErrorIs(t, err, ErrInvalidTTL)

	var nilLocker *Locker
	_, _, err = nilLocker.TryLock(ctx, "k", time.Second)
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.NoError(t, nilLocker.Release(ctx, "k", "t"))
	assert.Nil(t, NewLocker(nil, ""))
}
