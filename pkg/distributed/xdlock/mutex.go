package xdlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/omeyang/xlease/pkg/observability/xlog"
)

// cleanupTimeout 后台清理（Do 的解锁、取消后的补偿删除）使用的超时。
const cleanupTimeout = 5 * time.Second

// releasedCtx 未持有锁时 Context 返回的已取消 context。
var releasedCtx = func() context.Context {
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(ErrUnlocked)
	return ctx
}()

// Mutex 基于远端存储的分布式互斥锁。
//
// 每个实例持有一个在创建时生成的唯一 token，存储中记录的值等于该 token
// 当且仅当该实例持有锁。同一实例的 TryLock/Unlock/IsLocked 与执法器动作
// 由实例内的互斥量串行化，实例可以被多个 goroutine 共享，但锁的所有权属于实例而非 goroutine。
//
// 带租约时，本地在 now > TimeLimit 后视锁为已过期，并在下一次获取或状态查询时
// 惰性同步本地状态，不访问存储。
type Mutex struct {
	f     *Factory
	name  string
	key   string
	token string
	opts  mutexOptions

	mu          sync.Mutex
	locked      bool
	leaseMoment time.Time
	timeLimit   time.Time
	enf         *enforcer
	hold        context.Context
	holdCancel  context.CancelCauseFunc
}

// Name 返回锁名。
func (m *Mutex) Name() string { return m.name }

// Key 返回存储中的 key（前缀 + 锁名）。
func (m *Mutex) Key() string { return m.key }

// Token 返回该实例的所有权 token。
func (m *Mutex) Token() string { return m.token }

// Lease 返回租约时长，0 表示不过期。
func (m *Mutex) Lease() time.Duration { return m.opts.lease }

// TimeLimit 返回当前持有的本地到期时间，未持有或无租约时为零值。
func (m *Mutex) TimeLimit() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timeLimit
}

// TryLock 尝试一次获取锁，最多一次存储往返，不会等待。
//
// 已被本实例持有时直接返回 false，不访问存储。
func (m *Mutex) TryLock(ctx context.Context) (bool, error) {
	ok, err := m.tryLock(ctx)
	switch {
	case err != nil:
		m.f.tel.acquire(ctx, resultError)
	case ok:
		m.f.tel.acquire(ctx, resultAcquired)
	default:
		m.f.tel.acquire(ctx, resultBusy)
	}
	return ok, err
}

func (m *Mutex) tryLock(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := m.f.now()
	m.expireLocked(start)
	if m.locked {
		return false, nil
	}

	ok, err := m.f.store.SetIfAbsent(ctx, m.key, m.token, m.opts.lease)
	if err != nil {
		if ctx.Err() != nil {
			// 请求可能已在服务端生效，补偿删除避免遗留记录
			m.compensate(ctx)
		}
		return false, storeErr("set", err)
	}
	if !ok {
		return false, nil
	}

	if m.opts.verifyAfterSet {
		v, found, err := m.f.store.Get(ctx, m.key)
		if err != nil || !found || v != m.token {
			m.compensate(ctx)
			if err != nil {
				return false, storeErr("verify", err)
			}
			m.f.logger.Warn(ctx, "xdlock: record mismatch after set", xlog.Lock(m.name))
			return false, nil
		}
	}

	m.acquireLocked(ctx, start)
	return true, nil
}

// compensate 用分离的 context 删除可能由本实例写入的记录。
func (m *Mutex) compensate(ctx context.Context) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if _, err := m.f.store.CompareAndDelete(cctx, m.key, m.token); err != nil {
		m.f.logger.Warn(ctx, "xdlock: compensating delete failed", xlog.Lock(m.name), xlog.Err(err))
	}
}

// acquireLocked 进入 LOCKED 状态，必须持有 m.mu。
func (m *Mutex) acquireLocked(ctx context.Context, start time.Time) {
	m.locked = true
	m.leaseMoment = start
	if m.opts.lease > 0 {
		m.timeLimit = start.Add(m.opts.lease)
	}
	// 持有 context 继承调用方的值（如 trace span），但不随调用方取消
	m.hold, m.holdCancel = context.WithCancelCause(context.WithoutCancel(ctx))

	if m.opts.lease > 0 && m.opts.enforcement != EnforcementOff {
		m.enf = newEnforcer(m, start)
		m.f.startEnforcer(ctx, m.enf, m.opts.enforcement)
	}
}

// expireLocked 惰性过期检查，必须持有 m.mu。
func (m *Mutex) expireLocked(now time.Time) {
	if m.locked && m.opts.lease > 0 && now.After(m.timeLimit) {
		m.releaseLocked(ErrLeaseExpired)
	}
}

// releaseLocked 停止执法器并回到 UNLOCKED，必须持有 m.mu。
func (m *Mutex) releaseLocked(cause error) {
	if m.enf != nil {
		m.enf.halt()
		m.enf = nil
	}
	m.locked = false
	m.leaseMoment = time.Time{}
	m.timeLimit = time.Time{}
	if m.holdCancel != nil {
		m.holdCancel(cause)
		m.holdCancel = nil
	}
	m.hold = nil
}

// Unlock 以本实例的 token 比较并删除存储记录。
//
// 仅当记录确实被删除时才回到 UNLOCKED、取消持有 context 并（启用通知时）发布释放消息。
// 未持有时返回 (false, nil)，此时比较删除仍会发出但不会影响他人的锁。
func (m *Mutex) Unlock(ctx context.Context) (bool, error) {
	m.mu.Lock()
	removed, err := m.f.store.CompareAndDelete(ctx, m.key, m.token)
	if err != nil {
		m.mu.Unlock()
		m.f.tel.release(ctx, resultError)
		return false, storeErr("compare-and-delete", err)
	}
	if !removed {
		m.mu.Unlock()
		m.f.tel.release(ctx, resultNotHeld)
		return false, nil
	}
	m.releaseLocked(ErrUnlocked)
	m.mu.Unlock()

	m.f.tel.release(ctx, resultReleased)
	if m.opts.notify {
		if err := m.f.store.Publish(ctx, m.f.opts.channel, m.name); err != nil {
			m.f.logger.Warn(ctx, "xdlock: publish release failed", xlog.Lock(m.name), xlog.Err(err))
		}
	}
	return true, nil
}

// IsLocked 返回本实例是否持有锁。先做惰性过期检查，不访问存储。
func (m *Mutex) IsLocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(m.f.now())
	return m.locked
}

// Context 返回本次持有的 context。
//
// 执法器在租约即将到期时以 ErrLeaseExpired 取消它，Unlock 以 ErrUnlocked 取消它，
// 可通过 context.Cause 区分。未持有时返回已取消的 context。
func (m *Mutex) Context() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(m.f.now())
	if !m.locked {
		return releasedCtx
	}
	return m.hold
}

// Lock 阻塞直到获取锁。
//
// 两次尝试之间等待 WaitCycle，启用通知时收到释放消息会提前重试。
// ctx 取消时返回包装了 ctx.Err() 的 ErrCanceled，不会遗留存储记录。
// 存储错误立即返回，当前实例已持有时返回 ErrAlreadyHeld。
func (m *Mutex) Lock(ctx context.Context) error {
	ctx, span := m.f.tel.startSpan(ctx, spanNameLock, m.name)
	defer span.End()

	start := time.Now()
	err := m.acquire(ctx, false)
	m.recordWait(ctx, start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// LockInterruptibly 与 Lock 相同，但 ctx 已取消时不做任何尝试，
// 等待被打断时返回 ErrInterrupted 与取消原因的组合错误。
func (m *Mutex) LockInterruptibly(ctx context.Context) error {
	ctx, span := m.f.tel.startSpan(ctx, spanNameLock, m.name)
	defer span.End()

	start := time.Now()
	err := m.acquire(ctx, true)
	m.recordWait(ctx, start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// TryLockFor 在 timeout 内尝试获取锁，超时返回 (false, nil)。
// timeout <= 0 等价于 TryLock。调用方 ctx 取消返回错误。
func (m *Mutex) TryLockFor(ctx context.Context, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		return m.TryLock(ctx)
	}
	ctx, span := m.f.tel.startSpan(ctx, spanNameTryLockFor, m.name)
	defer span.End()

	start := time.Now()
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := m.acquire(tctx, false)
	if err != nil && ctx.Err() == nil && tctx.Err() != nil {
		m.f.tel.wait(ctx, resultTimeout, time.Since(start))
		return false, nil
	}
	m.recordWait(ctx, start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}
	return true, nil
}

func (m *Mutex) recordWait(ctx context.Context, start time.Time, err error) {
	result := resultAcquired
	switch {
	case errors.Is(err, ErrCanceled), errors.Is(err, ErrInterrupted):
		result = resultCanceled
	case err != nil:
		result = resultError
	}
	m.f.tel.wait(ctx, result, time.Since(start))
}

// acquire 轮询获取循环。
func (m *Mutex) acquire(ctx context.Context, interruptible bool) error {
	if interruptible && ctx.Err() != nil {
		return waitErr(ctx, true)
	}
	if m.IsLocked() {
		return ErrAlreadyHeld
	}

	var wake <-chan struct{}
	if m.opts.notify {
		if w := m.f.notifier.register(ctx, m.name, m.opts.waitCycle); w != nil {
			defer m.f.notifier.unregister(w)
			wake = w.wake
		}
	}

	timer := time.NewTimer(m.opts.waitCycle)
	defer timer.Stop()
	for {
		// 注册之后再尝试，避免错过注册前发出的释放消息
		ok, err := m.TryLock(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return waitErr(ctx, interruptible)
			}
			return err
		}
		if ok {
			return nil
		}

		timer.Reset(m.opts.waitCycle)
		select {
		case <-ctx.Done():
			return waitErr(ctx, interruptible)
		case <-timer.C:
		case <-wake:
			m.f.logger.Debug(ctx, "xdlock: woken by release notification", xlog.Lock(m.name))
		}
	}
}

func waitErr(ctx context.Context, interruptible bool) error {
	if interruptible {
		cause := context.Cause(ctx)
		if cause == nil || errors.Is(cause, ctx.Err()) {
			return errors.Join(ErrInterrupted, ctx.Err())
		}
		return errors.Join(ErrInterrupted, ctx.Err(), cause)
	}
	return fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
}

// Do 获取锁后执行 fn，并在任何退出路径（包括 panic）上释放锁。
//
// fn 收到的是持有 context，租约到期或锁被释放时会被取消。
// 解锁使用与 ctx 取消无关的 context，超时 5s。
func (m *Mutex) Do(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if err := m.Lock(ctx); err != nil {
		return err
	}
	hold := m.Context()

	defer func() {
		r := recover()
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if _, uerr := m.Unlock(uctx); uerr != nil {
			m.f.logger.Error(ctx, "xdlock: unlock after scoped section failed",
				xlog.Lock(m.name), xlog.Err(uerr), slog.Bool("panicked", r != nil))
			err = errors.Join(err, uerr)
		}
		if r != nil {
			panic(r)
		}
	}()
	return fn(hold)
}
