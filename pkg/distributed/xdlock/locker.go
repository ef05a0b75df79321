package xdlock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Lock 通用锁接口，适用于不关心租约细节的调用方。
type Lock interface {
	// Lock 阻塞直到获取锁或 ctx 取消。
	Lock(ctx context.Context) error

	// LockInterruptibly 阻塞直到获取锁，ctx 取消时返回 ErrInterrupted。
	LockInterruptibly(ctx context.Context) error

	// TryLock 尝试一次，不等待。
	TryLock(ctx context.Context) (bool, error)

	// TryLockFor 在 timeout 内尝试获取锁。
	TryLockFor(ctx context.Context, timeout time.Duration) (bool, error)

	// Unlock 释放锁，未持有时返回 ErrNotHeld。
	Unlock(ctx context.Context) error

	// NewCond 创建条件变量。
	NewCond() (*sync.Cond, error)
}

var _ Lock = (*Locker)(nil)

// Locker 将不带租约的 Mutex 适配为 Lock。
type Locker struct {
	m *Mutex
}

// NewLocker 包装 m。带租约的 Mutex 返回 ErrLeaseBound。
func NewLocker(m *Mutex) (*Locker, error) {
	if m == nil {
		return nil, ErrNilMutex
	}
	if m.Lease() > 0 {
		return nil, ErrLeaseBound
	}
	return &Locker{m: m}, nil
}

// Mutex 返回底层 Mutex。
func (l *Locker) Mutex() *Mutex { return l.m }

func (l *Locker) Lock(ctx context.Context) error {
	return l.m.Lock(ctx)
}

func (l *Locker) LockInterruptibly(ctx context.Context) error {
	return l.m.LockInterruptibly(ctx)
}

func (l *Locker) TryLock(ctx context.Context) (bool, error) {
	return l.m.TryLock(ctx)
}

func (l *Locker) TryLockFor(ctx context.Context, timeout time.Duration) (bool, error) {
	return l.m.TryLockFor(ctx, timeout)
}

func (l *Locker) Unlock(ctx context.Context) error {
	removed, err := l.m.Unlock(ctx)
	if err != nil {
		return err
	}
	if !removed {
		return ErrNotHeld
	}
	return nil
}

// NewCond 总是返回 ErrCondUnsupported。
func (l *Locker) NewCond() (*sync.Cond, error) {
	return nil, ErrCondUnsupported
}

// Sync 返回 sync.Locker 视图，供按标准库接口编写的代码使用。
// 使用 context.Background()，存储错误或未持有时解锁会 panic。
func (l *Locker) Sync() sync.Locker {
	return syncLocker{l: l}
}

type syncLocker struct {
	l *Locker
}

func (s syncLocker) Lock() {
	if err := s.l.Lock(context.Background()); err != nil {
		panic(err)
	}
}

func (s syncLocker) Unlock() {
	if err := s.l.Unlock(context.Background()); err != nil {
		panic(err)
	}
}

// WithLock 获取 l 后执行 fn，任何退出路径（包括 panic）都会释放锁。
func WithLock(ctx context.Context, l Lock, fn func(ctx context.Context) error) (err error) {
	if l == nil {
		return ErrNilMutex
	}
	if err := l.Lock(ctx); err != nil {
		return err
	}
	defer func() {
		r := recover()
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if uerr := l.Unlock(uctx); uerr != nil {
			err = errors.Join(err, uerr)
		}
		if r != nil {
			panic(r)
		}
	}()
	return fn(ctx)
}
