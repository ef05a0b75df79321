package xlog

import "errors"

var (
	// ErrInvalidLevel 无法识别的日志级别
	ErrInvalidLevel = errors.New("xlog: invalid level")

	// ErrInvalidFormat 无法识别的输出格式
	ErrInvalidFormat = errors.New("xlog: invalid format")

	// ErrNilOutput 输出目标为 nil
	ErrNilOutput = errors.New("xlog: nil output")

	// ErrInvalidRotation 日志轮转配置无效
	ErrInvalidRotation = errors.New("xlog: invalid rotation config")

	// ErrNilHandler NewEnrichHandler 的 base handler 为 nil
	ErrNilHandler = errors.New("xlog: base handler is nil")
)
