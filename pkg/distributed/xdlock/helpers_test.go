package xdlock_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/omeyang/xlease/pkg/distributed/xdlock"
	"github.com/omeyang/xlease/pkg/util/xid"
)

var testGenerator = sync.OnceValue(func() *xid.Generator {
	gen, err := xid.NewGenerator(xid.WithMachineID(func() (uint16, error) { return 1, nil }))
	if err != nil {
		panic(err)
	}
	return gen
})

func setupRedis(t *testing.T) (*miniredis.Miniredis, *xdlock.RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store, err := xdlock.NewRedisStore(rdb)
	require.NoError(t, err)
	return mr, store
}

func newFactory(t *testing.T, store xdlock.Store, opts ...xdlock.Option) *xdlock.Factory {
	t.Helper()
	f, err := xdlock.NewFactory(store, append([]xdlock.Option{xdlock.WithGenerator(testGenerator())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.Close(ctx)
	})
	return f
}

func newMutex(t *testing.T, f *xdlock.Factory, name string, opts ...xdlock.MutexOption) *xdlock.Mutex {
	t.Helper()
	m, err := f.NewMutex(name, opts...)
	require.NoError(t, err)
	return m
}

// fakeClock 可手动推进的时钟。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// spyStore 统计每种存储调用的次数。
type spyStore struct {
	xdlock.Store
	setCalls     atomic.Int64
	getCalls     atomic.Int64
	cadCalls     atomic.Int64
	publishCalls atomic.Int64
}

func (s *spyStore) total() int64 {
	return s.setCalls.Load() + s.getCalls.Load() + s.cadCalls.Load() + s.publishCalls.Load()
}

func (s *spyStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.setCalls.Add(1)
	return s.Store.SetIfAbsent(ctx, key, value, ttl)
}

func (s *spyStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.getCalls.Add(1)
	return s.Store.Get(ctx, key)
}

func (s *spyStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	s.cadCalls.Add(1)
	return s.Store.CompareAndDelete(ctx, key, expected)
}

func (s *spyStore) Publish(ctx context.Context, channel, message string) error {
	s.publishCalls.Add(1)
	return s.Store.Publish(ctx, channel, message)
}
