package xlog

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// 日志轮转默认值
const (
	DefaultMaxSizeMB  = 100
	DefaultMaxBackups = 7
	DefaultMaxAgeDays = 30
)

// Builder 日志配置构建器
type Builder struct {
	output    io.Writer
	levelVar  *slog.LevelVar
	format    string
	addSource bool
	enrich    bool
	onError   func(error)
	rotator   *lumberjack.Logger
	err       error
}

// RotationOption 日志轮转可选配置
type RotationOption func(*lumberjack.Logger)

// WithMaxSizeMB 单个日志文件最大大小（MB）
func WithMaxSizeMB(n int) RotationOption {
	return func(l *lumberjack.Logger) { l.MaxSize = n }
}

// WithMaxBackups 保留的备份文件数量，0 表示不限制
func WithMaxBackups(n int) RotationOption {
	return func(l *lumberjack.Logger) { l.MaxBackups = n }
}

// WithMaxAgeDays 保留备份的天数，0 表示不按天数清理
func WithMaxAgeDays(n int) RotationOption {
	return func(l *lumberjack.Logger) { l.MaxAge = n }
}

// WithCompress 是否 gzip 压缩备份文件
func WithCompress(enable bool) RotationOption {
	return func(l *lumberjack.Logger) { l.Compress = enable }
}

// New 创建配置构建器，默认输出到 stderr，Info 级别，text 格式，启用 enrich
func New() *Builder {
	levelVar := new(slog.LevelVar)
	levelVar.Set(slog.LevelInfo)
	return &Builder{
		output:   os.Stderr,
		levelVar: levelVar,
		format:   "text",
		enrich:   true,
	}
}

// SetOutput 设置输出目标
func (b *Builder) SetOutput(w io.Writer) *Builder {
	if w == nil {
		b.err = ErrNilOutput
		return b
	}
	b.output = w
	return b
}

// SetLevel 设置日志级别
func (b *Builder) SetLevel(level Level) *Builder {
	b.levelVar.Set(slog.Level(level))
	return b
}

// SetLevelString 通过字符串设置日志级别
func (b *Builder) SetLevelString(s string) *Builder {
	level, err := ParseLevel(s)
	if err != nil {
		b.err = err
		return b
	}
	return b.SetLevel(level)
}

// SetFormat 设置输出格式：text 或 json
func (b *Builder) SetFormat(format string) *Builder {
	f := strings.ToLower(strings.TrimSpace(format))
	switch f {
	case "text", "json":
		b.format = f
	default:
		b.err = fmt.Errorf("%w: %q", ErrInvalidFormat, format)
	}
	return b
}

// SetAddSource 是否记录源码位置
func (b *Builder) SetAddSource(enable bool) *Builder {
	b.addSource = enable
	return b
}

// SetEnrich 是否从 context 自动注入 trace_id/span_id
func (b *Builder) SetEnrich(enable bool) *Builder {
	b.enrich = enable
	return b
}

// SetOnError 设置 Handler.Handle 失败时的回调，回调在热路径同步执行
func (b *Builder) SetOnError(fn func(error)) *Builder {
	b.onError = fn
	return b
}

// SetRotation 输出到按大小轮转的日志文件
func (b *Builder) SetRotation(filename string, opts ...RotationOption) *Builder {
	if strings.TrimSpace(filename) == "" {
		b.err = fmt.Errorf("%w: empty filename", ErrInvalidRotation)
		return b
	}
	l := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    DefaultMaxSizeMB,
		MaxBackups: DefaultMaxBackups,
		MaxAge:     DefaultMaxAgeDays,
		Compress:   true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	if l.MaxSize <= 0 || l.MaxBackups < 0 || l.MaxAge < 0 {
		b.err = fmt.Errorf("%w: size=%d backups=%d age=%d", ErrInvalidRotation, l.MaxSize, l.MaxBackups, l.MaxAge)
		return b
	}
	b.rotator = l
	b.output = l
	return b
}

// Build 构建 Logger 实例
//
// 返回值：
//   - LoggerWithLevel: 日志实例，同时支持动态级别控制
//   - func() error: 清理函数，用于关闭轮转文件，可重复调用
//   - error: 配置错误
func (b *Builder) Build() (LoggerWithLevel, func() error, error) {
	if b.err != nil {
		return nil, nil, b.err
	}

	opts := &slog.HandlerOptions{
		Level:     b.levelVar,
		AddSource: b.addSource,
	}
	var handler slog.Handler
	if b.format == "json" {
		handler = slog.NewJSONHandler(b.output, opts)
	} else {
		handler = slog.NewTextHandler(b.output, opts)
	}
	if b.enrich {
		handler = &EnrichHandler{base: handler}
	}

	logger := &xlogger{
		handler:   handler,
		levelVar:  b.levelVar,
		addSource: b.addSource,
		onError:   b.onError,
	}

	var once sync.Once
	rotator := b.rotator
	cleanup := func() error {
		var err error
		once.Do(func() {
			if rotator != nil {
				err = rotator.Close()
			}
		})
		return err
	}
	return logger, cleanup, nil
}
