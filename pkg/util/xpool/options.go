package xpool

import "github.com/omeyang/xlease/pkg/observability/xlog"

// Option 配置 Pool。
type Option func(*options)

type options struct {
	logger xlog.Logger
	name   string
}

// WithLogger 设置记录任务 panic 的日志器，默认 xlog.Default()。nil 被忽略。
func WithLogger(logger xlog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithName 设置池名称，作为日志中的 component 属性。
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}
