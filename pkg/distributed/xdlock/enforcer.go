package xdlock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v5"

	"github.com/omeyang/xlease/pkg/observability/xlog"
)

// 强制释放的重试参数
const (
	forceReleaseAttempts = 3
	forceReleaseDelay    = 50 * time.Millisecond
)

// enforcer 在租约到期前打断持有者，宽限期后强制删除记录。
//
// 每次获取对应一个新的 enforcer；halt 之后它不会再触碰 Mutex 的状态。
type enforcer struct {
	m           *Mutex
	leaseMoment time.Time
	stop        chan struct{}
	stopped     atomic.Bool
	once        sync.Once
	done        chan struct{}
}

func newEnforcer(m *Mutex, leaseMoment time.Time) *enforcer {
	return &enforcer{
		m:           m,
		leaseMoment: leaseMoment,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// halt 停止执法器，立即取消挂起的等待，可重复调用。
func (e *enforcer) halt() {
	e.once.Do(func() {
		e.stopped.Store(true)
		close(e.stop)
	})
}

// sleep 等待 d，被 halt 时返回 false。
func (e *enforcer) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-e.stop:
		return false
	case <-t.C:
		return !e.stopped.Load()
	}
}

// current 报告执法器是否仍然有效，必须持有 m.mu。
func (e *enforcer) current() bool {
	return !e.stopped.Load() && e.m.enf == e
}

func (e *enforcer) run() {
	defer close(e.done)
	m := e.m
	opts := m.opts

	sleepFor := e.leaseMoment.Add(opts.lease).Sub(m.f.now()) - opts.discount
	if sleepFor <= 0 {
		sleepFor = opts.minSleep
	}
	if !e.sleep(sleepFor) {
		return
	}

	m.mu.Lock()
	if !e.current() {
		m.mu.Unlock()
		return
	}
	hold := m.hold
	m.holdCancel(ErrLeaseExpired)
	m.mu.Unlock()

	m.f.tel.enforce(hold, actionInterrupt)
	m.f.logger.Info(hold, "xdlock: lease about to expire, holder interrupted",
		xlog.Lock(m.name), xlog.Lease(opts.lease))

	if !e.sleep(opts.grace) {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !e.current() {
		return
	}
	// 不论持有者是否已响应，都以自己的 token 强制删除
	if err := e.forceRelease(hold); err != nil {
		m.f.tel.enforce(hold, actionForceReleaseFailed)
		m.f.logger.Error(hold, "xdlock: force release failed, record left to expire",
			xlog.Lock(m.name), xlog.Err(err))
	} else {
		m.f.tel.enforce(hold, actionForceRelease)
		m.f.logger.Warn(hold, "xdlock: lease expired, lock force released", xlog.Lock(m.name))
	}
	if m.f.now().After(e.leaseMoment.Add(opts.lease)) {
		// 租约在强制释放前已到期，此时其他实例可能已经持有记录
		m.f.tel.enforce(hold, actionLate)
		m.f.logger.Warn(hold, "xdlock: enforcement ran past lease end",
			xlog.Lock(m.name), xlog.Lease(opts.lease))
	}
	m.releaseLocked(ErrLeaseExpired)
}

func (e *enforcer) forceRelease(ctx context.Context) error {
	m := e.m
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	return retry.New(
		retry.Context(ctx),
		retry.Attempts(forceReleaseAttempts),
		retry.Delay(forceReleaseDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	).Do(func() error {
		_, err := m.f.store.CompareAndDelete(ctx, m.key, m.token)
		return err
	})
}
