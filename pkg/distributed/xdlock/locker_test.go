package xdlock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omeyang/xlease/pkg/distributed/xdlock"
)

func TestNewLocker_RejectsLease(t *testing.T) {
	_, store := setupRedis(t)
	f := newFactory(t, store)

	_, err := xdlock.NewLocker(nil)
	assert.ErrorIs(t, err, xdlock.ErrNilMutex)

	leased := newMutex(t, f, "leased", xdlock.WithLease(time.Second))
	_, err = xdlock.NewLocker(leased)
	assert.ErrorIs(t, err, xdlock.ErrLeaseBound)

	_, err = f.NewLocker("leased", xdlock.WithLease(time.Second))
	assert.ErrorIs(t, err, xdlock.ErrLeaseBound)

	l, err := f.NewLocker("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", l.Mutex().Name())
}

func TestLocker_LockUnlock(t *testing.T) {
	_, store := setupRedis(t)
	f := newFactory(t, store)
	ctx := context.Background()

	l, err := f.NewLocker("generic")
	require.NoError(t, err)
	other, err := f.NewLocker("generic", xdlock.WithWaitCycle(5*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, l.Lock(ctx))
	ok, err := other.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = other.TryLockFor(ctx, 30*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, other.Unlock(ctx), xdlock.ErrNotHeld)
	require.NoError(t, l.Unlock(ctx))
	assert.ErrorIs(t, l.Unlock(ctx), xdlock.ErrNotHeld)

	require.NoError(t, other.LockInterruptibly(ctx))
	require.NoError(t, other.Unlock(ctx))
}

func TestLocker_NewCondUnsupported(t *testing.T) {
	_, store := setupRedis(t)
	f := newFactory(t, store)
	l, err := f.NewLocker("cond")
	require.NoError(t, err)

	c, err := l.NewCond()
	assert.Nil(t, c)
	assert.ErrorIs(t, err, xdlock.ErrCondUnsupported)
}

func TestLocker_Sync(t *testing.T) {
	mr, store := setupRedis(t)
	f := newFactory(t, store)
	l, err := f.NewLocker("sync")
	require.NoError(t, err)

	s := l.Sync()
	s.Lock()
	assert.True(t, mr.Exists(l.Mutex().Key()))
	assert.Panics(t, s.Lock, "relocking the same instance fails fast instead of spinning")
	s.Unlock()
	assert.False(t, mr.Exists(l.Mutex().Key()))

	assert.Panics(t, s.Unlock, "unlocking an unheld lock panics like sync.Mutex")
}

func TestWithLock(t *testing.T) {
	mr, store := setupRedis(t)
	f := newFactory(t, store)
	ctx := context.Background()
	l, err := f.NewLocker("scoped")
	require.NoError(t, err)

	assert.ErrorIs(t, xdlock.WithLock(ctx, nil, func(context.Context) error { return nil }), xdlock.ErrNilMutex)

	ran := false
	err = xdlock.WithLock(ctx, l, func(context.Context) error {
		ran = true
		assert.True(t, mr.Exists(l.Mutex().Key()))
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, mr.Exists(l.Mutex().Key()))

	errWork := errors.New("work failed")
	err = xdlock.WithLock(ctx, l, func(context.Context) error { return errWork })
	assert.ErrorIs(t, err, errWork)
	assert.False(t, mr.Exists(l.Mutex().Key()))

	assert.PanicsWithValue(t, "boom", func() {
		_ = xdlock.WithLock(ctx, l, func(context.Context) error { panic("boom") })
	})
	assert.False(t, mr.Exists(l.Mutex().Key()))
}
