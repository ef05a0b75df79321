package xdlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/omeyang/xlease/pkg/observability/xlog"
	"github.com/omeyang/xlease/pkg/util/xid"
	"github.com/omeyang/xlease/pkg/util/xpool"
)

// Factory 创建共享同一存储、token 生成器、通知中心与执法 pool 的 Mutex。
//
// Factory 并发安全。Close 之后不能再创建 Mutex，已创建的 Mutex 仍可解锁。
type Factory struct {
	store    Store
	gen      *xid.Generator
	logger   xlog.Logger
	tel      *telemetry
	notifier *notifier
	opts     factoryOptions
	now      func() time.Time

	poolMu sync.Mutex
	pool   *xpool.Pool[*enforcer]
	closed atomic.Bool
}

// NewFactory 创建锁工厂。
func NewFactory(store Store, opts ...Option) (*Factory, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	o := defaultFactoryOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.channel == "" {
		return nil, fmt.Errorf("%w: empty release channel", ErrInvalidConfig)
	}
	if o.poolWorkers < 1 || o.poolQueue < 1 {
		return nil, fmt.Errorf("%w: pool workers and queue must be positive", ErrInvalidConfig)
	}
	// 默认选项也需要可用，提前暴露配置错误
	mo := defaultMutexOptions()
	for _, opt := range o.defaults {
		if opt != nil {
			opt(&mo)
		}
	}
	if err := mo.validate(); err != nil {
		return nil, err
	}

	gen := o.generator
	if gen == nil {
		var err error
		if gen, err = xid.Default(); err != nil {
			return nil, fmt.Errorf("%w: token generator: %w", ErrInvalidConfig, err)
		}
	}
	tel, err := newTelemetry(o.meterProvider, o.tracerProvider)
	if err != nil {
		return nil, fmt.Errorf("%w: telemetry: %w", ErrInvalidConfig, err)
	}

	return &Factory{
		store:    store,
		gen:      gen,
		logger:   o.logger,
		tel:      tel,
		notifier: newNotifier(store, o.channel, o.logger),
		opts:     o,
		now:      time.Now,
	}, nil
}

// NewMutex 为 name 创建 Mutex 并生成其所有权 token。
// 锁名不能为空白，长度不超过 512 字节。
func (f *Factory) NewMutex(name string, opts ...MutexOption) (*Mutex, error) {
	if f.closed.Load() {
		return nil, ErrFactoryClosed
	}
	if err := validateName(name); err != nil {
		return nil, err
	}

	mo := defaultMutexOptions()
	for _, opt := range f.opts.defaults {
		if opt != nil {
			opt(&mo)
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&mo)
		}
	}
	if err := mo.validate(); err != nil {
		return nil, err
	}

	// 时钟回拨时最多等待生成器的 MaxWait
	token, err := f.gen.TokenWithRetry(context.Background(), name)
	if err != nil {
		return nil, fmt.Errorf("xdlock: generate token: %w", err)
	}
	return &Mutex{
		f:     f,
		name:  name,
		key:   mo.keyPrefix + name,
		token: token,
		opts:  mo,
	}, nil
}

// NewLocker 创建不带租约的 Mutex 并包装为 Locker。
func (f *Factory) NewLocker(name string, opts ...MutexOption) (*Locker, error) {
	m, err := f.NewMutex(name, opts...)
	if err != nil {
		return nil, err
	}
	return NewLocker(m)
}

// Health 检查存储连通性。
func (f *Factory) Health(ctx context.Context) error {
	if f.closed.Load() {
		return ErrFactoryClosed
	}
	return storeErr("ping", f.store.Ping(ctx))
}

// Close 停止通知中心与执法 pool，可重复调用。
// pool 中仍在等待的执法任务会继续执行直到其租约结束，ctx 限定等待时间。
func (f *Factory) Close(ctx context.Context) error {
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	if err := f.notifier.close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("xdlock: close notifier: %w", err))
	}

	f.poolMu.Lock()
	pool := f.pool
	f.poolMu.Unlock()
	if pool != nil {
		if err := pool.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("xdlock: shutdown enforcer pool: %w", err))
		}
	}
	return errors.Join(errs...)
}

// startEnforcer 按策略启动执法器。
func (f *Factory) startEnforcer(ctx context.Context, e *enforcer, mode Enforcement) {
	if mode == EnforcementPooled {
		pool, err := f.enforcerPool()
		if err == nil {
			if err = pool.Submit(e); err == nil {
				return
			}
		}
		f.tel.enforce(ctx, actionPoolFallback)
		f.logger.Warn(ctx, "xdlock: enforcer pool unavailable, using dedicated goroutine",
			xlog.Lock(e.m.name), xlog.Err(err))
	}
	go e.run()
}

// enforcerPool 惰性创建执法 pool。
func (f *Factory) enforcerPool() (*xpool.Pool[*enforcer], error) {
	f.poolMu.Lock()
	defer f.poolMu.Unlock()
	if f.pool != nil {
		return f.pool, nil
	}
	if f.closed.Load() {
		return nil, ErrFactoryClosed
	}
	pool, err := xpool.New(f.opts.poolWorkers, f.opts.poolQueue,
		func(e *enforcer) { e.run() },
		xpool.WithName("xdlock-enforcer"),
		xpool.WithLogger(f.logger))
	if err != nil {
		return nil, err
	}
	f.pool = pool
	return pool, nil
}
