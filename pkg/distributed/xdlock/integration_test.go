//go:build integration

package xdlock_test

import (
	"context"
	"math/rand/v2"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"golang.org/x/sync/errgroup"

	"github.com/omeyang/xlease/pkg/distributed/xdlock"
)

// startRedis 启动 Redis 容器或连接到已有 Redis。
// 设置了 XLEASE_REDIS_ADDR 时直接使用外部 Redis。
func startRedis(t *testing.T) xdlock.Store {
	t.Helper()
	ctx := context.Background()

	addr := os.Getenv("XLEASE_REDIS_ADDR")
	if addr == "" {
		container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForLog("Ready to accept connections"),
			},
			Started: true,
		})
		if err != nil {
			t.Skipf("无法启动 Redis 容器: %v", err)
		}
		t.Cleanup(func() { _ = container.Terminate(ctx) })

		if addr, err = container.Endpoint(ctx, ""); err != nil {
			t.Fatalf("获取 Redis 端点失败: %v", err)
		}
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("无法连接到 Redis %s: %v", addr, err)
	}
	store, err := xdlock.NewRedisStore(client)
	require.NoError(t, err)
	return store
}

// startEtcd 启动 etcd 容器或连接到已有 etcd。
// 设置了 XLEASE_ETCD_ENDPOINTS 时直接使用外部 etcd。
func startEtcd(t *testing.T) xdlock.Store {
	t.Helper()
	ctx := context.Background()

	endpoint := os.Getenv("XLEASE_ETCD_ENDPOINTS")
	if endpoint == "" {
		container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "quay.io/coreos/etcd:v3.5.17",
				ExposedPorts: []string{"2379/tcp"},
				Cmd: []string{
					"etcd",
					"--advertise-client-urls=http://0.0.0.0:2379",
					"--listen-client-urls=http://0.0.0.0:2379",
				},
				WaitingFor: wait.ForLog("ready to serve client requests"),
			},
			Started: true,
		})
		if err != nil {
			t.Skipf("无法启动 etcd 容器: %v", err)
		}
		t.Cleanup(func() { _ = container.Terminate(ctx) })

		hostPort, err := container.Endpoint(ctx, "")
		if err != nil {
			t.Fatalf("获取 etcd 端点失败: %v", err)
		}
		endpoint = "http://" + hostPort
	}

	client, err := xdlock.NewEtcdClient(xdlock.EtcdConfig{Endpoints: []string{endpoint}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := xdlock.NewEtcdStore(client)
	require.NoError(t, err)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		t.Skipf("etcd 健康检查失败 %s: %v", endpoint, err)
	}
	return store
}

func backends(t *testing.T) map[string]func(*testing.T) xdlock.Store {
	t.Helper()
	return map[string]func(*testing.T) xdlock.Store{
		"redis": startRedis,
		"etcd":  startEtcd,
	}
}

func TestIntegration_ExclusionAndRelease(t *testing.T) {
	for name, start := range backends(t) {
		t.Run(name, func(t *testing.T) {
			f := newFactory(t, start(t))
			ctx := context.Background()

			m1 := newMutex(t, f, "it:excl")
			m2 := newMutex(t, f, "it:excl", xdlock.WithWaitCycle(20*time.Millisecond))

			ok, err := m1.TryLock(ctx)
			require.NoError(t, err)
			require.True(t, ok)

			ok, err = m2.TryLockFor(ctx, 100*time.Millisecond)
			require.NoError(t, err)
			assert.False(t, ok)

			removed, err := m1.Unlock(ctx)
			require.NoError(t, err)
			assert.True(t, removed)

			ok, err = m2.TryLock(ctx)
			require.NoError(t, err)
			assert.True(t, ok)
			_, err = m2.Unlock(ctx)
			require.NoError(t, err)
		})
	}
}

func TestIntegration_StoreSideExpiry(t *testing.T) {
	for name, start := range backends(t) {
		t.Run(name, func(t *testing.T) {
			f := newFactory(t, start(t), xdlock.WithDefaults(xdlock.WithEnforcement(xdlock.EnforcementOff)))
			ctx := context.Background()

			// etcd lease 精度为秒
			m1 := newMutex(t, f, "it:expiry", xdlock.WithLease(time.Second))
			m2 := newMutex(t, f, "it:expiry", xdlock.WithWaitCycle(100*time.Millisecond))

			ok, err := m1.TryLock(ctx)
			require.NoError(t, err)
			require.True(t, ok)

			ok, err = m2.TryLockFor(ctx, 5*time.Second)
			require.NoError(t, err)
			assert.True(t, ok, "record must vanish once the lease runs out")
			assert.False(t, m1.IsLocked())

			removed, err := m1.Unlock(ctx)
			require.NoError(t, err)
			assert.False(t, removed, "stale holder must not remove the new owner")
			assert.True(t, m2.IsLocked())
			_, err = m2.Unlock(ctx)
			require.NoError(t, err)
		})
	}
}

func TestIntegration_NotifyWakesWaiter(t *testing.T) {
	for name, start := range backends(t) {
		t.Run(name, func(t *testing.T) {
			f := newFactory(t, start(t))
			ctx := context.Background()

			holder := newMutex(t, f, "it:notify", xdlock.WithNotify(true))
			waiter := newMutex(t, f, "it:notify", xdlock.WithNotify(true), xdlock.WithWaitCycle(10*time.Second))

			ok, err := holder.TryLock(ctx)
			require.NoError(t, err)
			require.True(t, ok)

			done := make(chan error, 1)
			go func() { done <- waiter.Lock(ctx) }()
			time.Sleep(500 * time.Millisecond)

			released := time.Now()
			_, err = holder.Unlock(ctx)
			require.NoError(t, err)

			select {
			case err := <-done:
				require.NoError(t, err)
				assert.Less(t, time.Since(released), 2*time.Second)
			case <-time.After(5 * time.Second):
				t.Fatal("waiter not woken by release notification")
			}
			_, err = waiter.Unlock(ctx)
			require.NoError(t, err)
		})
	}
}

// TestIntegration_LeaseScenario 三个持有者分别工作 1s、7s、3s，租约 5s。
// 第二个持有者在租约到期前被打断，任意时刻最多一个持有者。
func TestIntegration_LeaseScenario(t *testing.T) {
	if testing.Short() {
		t.Skip("long-running scenario")
	}
	f := newFactory(t, startRedis(t))
	ctx := context.Background()

	const lease = 5 * time.Second
	work := []time.Duration{time.Second, 7 * time.Second, 3 * time.Second}

	var (
		holder      atomic.Int32
		overlaps    atomic.Int32
		interrupted atomic.Int32
	)
	mutexes := make([]*xdlock.Mutex, len(work))
	for i := range mutexes {
		m, err := f.NewMutex("it:scenario", xdlock.WithLease(lease), xdlock.WithWaitCycle(50*time.Millisecond))
		require.NoError(t, err)
		mutexes[i] = m
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, i := range rand.Perm(len(work)) {
		id, d, m := int32(i+1), work[i], mutexes[i]
		g.Go(func() error {
			if err := m.Lock(gctx); err != nil {
				return err
			}
			if !holder.CompareAndSwap(0, id) {
				overlaps.Add(1)
			}
			hold := m.Context()
			select {
			case <-time.After(d):
			case <-hold.Done():
				interrupted.Add(1)
			}
			holder.CompareAndSwap(id, 0)
			_, err := m.Unlock(context.WithoutCancel(gctx))
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Zero(t, overlaps.Load())
	assert.Equal(t, int32(1), interrupted.Load())
	for i, m := range mutexes {
		assert.False(t, m.IsLocked(), "holder %d left locked", i+1)
	}
}
