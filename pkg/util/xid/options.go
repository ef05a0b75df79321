package xid

import "time"

// Option 定义 Generator 的配置选项。
type Option func(*options)

type options struct {
	machineID      func() (uint16, error)
	checkMachineID func(uint16) bool
	random         func() string
	nextID         func() (int64, error)

	maxWait       time.Duration
	maxWaitSet    bool
	retryInterval time.Duration
	retrySet      bool
}

// WithMachineID 设置机器 ID 获取函数。
// 默认使用 DefaultMachineID。
func WithMachineID(fn func() (uint16, error)) Option {
	return func(o *options) {
		o.machineID = fn
	}
}

// WithCheckMachineID 设置机器 ID 校验函数，返回 false 时 NewGenerator 失败。
func WithCheckMachineID(fn func(uint16) bool) Option {
	return func(o *options) {
		o.checkMachineID = fn
	}
}

// WithRandom 替换 token 中的随机分量生成函数。
// 仅用于测试，生产环境应使用默认的 UUID v4。
func WithRandom(fn func() string) Option {
	return func(o *options) {
		o.random = fn
	}
}

// WithNextID 替换 ID 分量的来源，设置后不再创建 sonyflake 实例。
// 仅用于测试，返回值必须为正且严格递增。
func WithNextID(fn func() (int64, error)) Option {
	return func(o *options) {
		o.nextID = fn
	}
}

// WithMaxWait 设置 TokenWithRetry 在时钟回拨时的最长等待时间。
// 默认 500ms，显式传入 0 表示不等待。
func WithMaxWait(d time.Duration) Option {
	return func(o *options) {
		o.maxWait = d
		o.maxWaitSet = true
	}
}

// WithRetryInterval 设置 TokenWithRetry 的重试间隔，默认 10ms。
func WithRetryInterval(d time.Duration) Option {
	return func(o *options) {
		o.retryInterval = d
		o.retrySet = true
	}
}
