package xdlock

import (
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/omeyang/xlease/pkg/observability/xlog"
	"github.com/omeyang/xlease/pkg/util/xid"
)

// 默认值
const (
	DefaultKeyPrefix   = "lock:"
	DefaultWaitCycle   = 300 * time.Millisecond
	DefaultDiscount    = 100 * time.Millisecond
	DefaultGrace       = 50 * time.Millisecond
	DefaultMinSleep    = 10 * time.Millisecond
	DefaultChannel     = "xdlock:release"
	DefaultPoolWorkers = 16
	DefaultPoolQueue   = 1024

	// maxNameLength 锁名最大长度（字节）。
	maxNameLength = 512
)

// Enforcement 租约到期执法策略。
type Enforcement string

const (
	// EnforcementOff 不主动执法，仅依赖存储端过期与本地惰性检查。
	EnforcementOff Enforcement = "off"

	// EnforcementDedicated 每次获取启动一个独立的执法 goroutine。
	EnforcementDedicated Enforcement = "dedicated"

	// EnforcementPooled 执法任务提交到工厂共享的 worker pool。
	// pool 饱和时执法可能晚于租约到期。
	EnforcementPooled Enforcement = "pooled"
)

func (e Enforcement) valid() bool {
	switch e {
	case EnforcementOff, EnforcementDedicated, EnforcementPooled:
		return true
	}
	return false
}

// =============================================================================
// Mutex 选项
// =============================================================================

// MutexOption 配置单个 Mutex。
type MutexOption func(*mutexOptions)

type mutexOptions struct {
	keyPrefix      string
	lease          time.Duration
	waitCycle      time.Duration
	enforcement    Enforcement
	discount       time.Duration
	grace          time.Duration
	minSleep       time.Duration
	notify         bool
	verifyAfterSet bool
}

func defaultMutexOptions() mutexOptions {
	return mutexOptions{
		keyPrefix:   DefaultKeyPrefix,
		waitCycle:   DefaultWaitCycle,
		enforcement: EnforcementDedicated,
		discount:    DefaultDiscount,
		grace:       DefaultGrace,
		minSleep:    DefaultMinSleep,
	}
}

func (o *mutexOptions) validate() error {
	switch {
	case o.lease < 0:
		return fmt.Errorf("%w: lease must be non-negative, got %s", ErrInvalidConfig, o.lease)
	case o.waitCycle <= 0:
		return fmt.Errorf("%w: wait cycle must be positive, got %s", ErrInvalidConfig, o.waitCycle)
	case !o.enforcement.valid():
		return fmt.Errorf("%w: unknown enforcement %q", ErrInvalidConfig, o.enforcement)
	case o.discount < 0 || o.grace < 0:
		return fmt.Errorf("%w: discount and grace must be non-negative", ErrInvalidConfig)
	case o.enforcement != EnforcementOff && o.grace >= o.discount:
		// 强制释放发生在 lease-discount+grace，必须早于租约结束
		return fmt.Errorf("%w: grace %s must be smaller than discount %s", ErrInvalidConfig, o.grace, o.discount)
	case o.minSleep <= 0:
		return fmt.Errorf("%w: min sleep must be positive, got %s", ErrInvalidConfig, o.minSleep)
	}
	return nil
}

// WithKeyPrefix 设置存储 key 前缀，默认 "lock:"。
func WithKeyPrefix(prefix string) MutexOption {
	return func(o *mutexOptions) {
		o.keyPrefix = prefix
	}
}

// WithLease 设置租约时长，0 表示不过期（默认）。
// 带租约的 Mutex 不能通过 NewLocker 包装为通用锁。
func WithLease(d time.Duration) MutexOption {
	return func(o *mutexOptions) {
		o.lease = d
	}
}

// WithWaitCycle 设置阻塞获取时两次尝试之间的间隔，默认 300ms。
func WithWaitCycle(d time.Duration) MutexOption {
	return func(o *mutexOptions) {
		o.waitCycle = d
	}
}

// WithEnforcement 设置租约执法策略，默认 EnforcementDedicated。
func WithEnforcement(e Enforcement) MutexOption {
	return func(o *mutexOptions) {
		o.enforcement = e
	}
}

// WithDiscount 执法器提前于租约到期多久唤醒，默认 100ms。
// 启用执法时必须大于 Grace。
func WithDiscount(d time.Duration) MutexOption {
	return func(o *mutexOptions) {
		o.discount = d
	}
}

// WithGrace 执法器打断持有者后等待多久再强制释放，默认 50ms。
func WithGrace(d time.Duration) MutexOption {
	return func(o *mutexOptions) {
		o.grace = d
	}
}

// WithMinSleep 计算出的休眠时间不为正时使用的最小休眠，默认 10ms。
func WithMinSleep(d time.Duration) MutexOption {
	return func(o *mutexOptions) {
		o.minSleep = d
	}
}

// WithNotify 启用释放通知：Unlock 发布锁名，本地等待者被唤醒后立即重试。
func WithNotify(enable bool) MutexOption {
	return func(o *mutexOptions) {
		o.notify = enable
	}
}

// WithVerifyAfterSet 写入成功后再读一次确认值为自己的 token。
func WithVerifyAfterSet(enable bool) MutexOption {
	return func(o *mutexOptions) {
		o.verifyAfterSet = enable
	}
}

// =============================================================================
// Factory 选项
// =============================================================================

// Option 配置 Factory。
type Option func(*factoryOptions)

type factoryOptions struct {
	logger         xlog.Logger
	generator      *xid.Generator
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	channel        string
	poolWorkers    int
	poolQueue      int
	defaults       []MutexOption
}

func defaultFactoryOptions() factoryOptions {
	return factoryOptions{
		logger:      xlog.Discard(),
		channel:     DefaultChannel,
		poolWorkers: DefaultPoolWorkers,
		poolQueue:   DefaultPoolQueue,
	}
}

// WithLogger 设置日志记录器，默认丢弃。nil 被忽略。
func WithLogger(l xlog.Logger) Option {
	return func(o *factoryOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithGenerator 设置 token 生成器，默认使用 xid.Default()。
func WithGenerator(g *xid.Generator) Option {
	return func(o *factoryOptions) {
		if g != nil {
			o.generator = g
		}
	}
}

// WithMeterProvider 设置 OpenTelemetry MeterProvider，默认使用全局 provider。
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *factoryOptions) {
		if mp != nil {
			o.meterProvider = mp
		}
	}
}

// WithTracerProvider 设置 OpenTelemetry TracerProvider，默认使用全局 provider。
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *factoryOptions) {
		if tp != nil {
			o.tracerProvider = tp
		}
	}
}

// WithChannel 设置释放通知的 channel，默认 "xdlock:release"。
func WithChannel(channel string) Option {
	return func(o *factoryOptions) {
		o.channel = channel
	}
}

// WithPool 设置 EnforcementPooled 使用的 worker 数与队列容量。
func WithPool(workers, queue int) Option {
	return func(o *factoryOptions) {
		o.poolWorkers = workers
		o.poolQueue = queue
	}
}

// WithDefaults 设置该工厂创建的所有 Mutex 的默认选项，NewMutex 的选项在其后应用。
func WithDefaults(opts ...MutexOption) Option {
	return func(o *factoryOptions) {
		o.defaults = append(o.defaults, opts...)
	}
}

func validateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrEmptyName
	}
	if len(name) > maxNameLength {
		return ErrNameTooLong
	}
	return nil
}
