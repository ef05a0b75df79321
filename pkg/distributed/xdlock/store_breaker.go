package xdlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
)

// BreakerOptions BreakerStore 的熔断参数。
type BreakerOptions struct {
	// Name 熔断器名称，用于日志与状态回调。
	Name string

	// ConsecutiveFailures 连续失败多少次后熔断，默认 5。
	ConsecutiveFailures uint32

	// Timeout 熔断打开后多久进入半开状态，默认 10s。
	Timeout time.Duration

	// HalfOpenRequests 半开状态允许通过的探测请求数，默认 1。
	HalfOpenRequests uint32

	// OnStateChange 状态变化回调，可选。
	OnStateChange func(name string, from, to gobreaker.State)
}

var _ Store = (*BreakerStore)(nil)

// BreakerStore 为 Store 增加熔断保护。
//
// 熔断打开期间的调用直接返回 ErrStoreUnavailable，不会访问存储。
// context 取消不计为存储失败。Subscription 的消息流不受熔断影响，只有 Subscribe 调用本身受保护。
type BreakerStore struct {
	next Store
	cb   *gobreaker.CircuitBreaker[any]
}

// NewBreakerStore 用熔断器包装 next。
func NewBreakerStore(next Store, opts BreakerOptions) (*BreakerStore, error) {
	if next == nil {
		return nil, ErrNilStore
	}
	if opts.Name == "" {
		opts.Name = "xdlock-store"
	}
	if opts.ConsecutiveFailures == 0 {
		opts.ConsecutiveFailures = 5
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.HalfOpenRequests == 0 {
		opts.HalfOpenRequests = 1
	}

	threshold := opts.ConsecutiveFailures
	st := gobreaker.Settings{
		Name:        opts.Name,
		MaxRequests: opts.HalfOpenRequests,
		Timeout:     opts.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: opts.OnStateChange,
	}
	return &BreakerStore{next: next, cb: gobreaker.NewCircuitBreaker[any](st)}, nil
}

// State 返回熔断器当前状态。
func (s *BreakerStore) State() gobreaker.State {
	return s.cb.State()
}

func (s *BreakerStore) execute(fn func() (any, error)) (any, error) {
	v, err := s.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return v, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return v, err
}

func (s *BreakerStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	v, err := s.execute(func() (any, error) {
		return s.next.SetIfAbsent(ctx, key, value, ttl)
	})
	ok, _ := v.(bool)
	return ok, err
}

func (s *BreakerStore) Get(ctx context.Context, key string) (string, bool, error) {
	type result struct {
		value string
		ok    bool
	}
	v, err := s.execute(func() (any, error) {
		value, ok, err := s.next.Get(ctx, key)
		return result{value, ok}, err
	})
	r, _ := v.(result)
	return r.value, r.ok, err
}

func (s *BreakerStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	v, err := s.execute(func() (any, error) {
		return s.next.CompareAndDelete(ctx, key, expected)
	})
	ok, _ := v.(bool)
	return ok, err
}

func (s *BreakerStore) Publish(ctx context.Context, channel, message string) error {
	_, err := s.execute(func() (any, error) {
		return nil, s.next.Publish(ctx, channel, message)
	})
	return err
}

func (s *BreakerStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	v, err := s.execute(func() (any, error) {
		return s.next.Subscribe(ctx, channel)
	})
	if err != nil {
		return nil, err
	}
	sub, _ := v.(Subscription)
	return sub, nil
}

func (s *BreakerStore) Ping(ctx context.Context) error {
	_, err := s.execute(func() (any, error) {
		return nil, s.next.Ping(ctx)
	})
	return err
}
