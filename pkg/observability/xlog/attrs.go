package xlog

import (
	"log/slog"
	"time"
)

// 常用属性 Key
const (
	KeyError     = "error"
	KeyDuration  = "duration"
	KeyComponent = "component"
	KeyLock      = "lock"
	KeyToken     = "token"
	KeyLease     = "lease"
)

// Err 创建错误属性，err 为 nil 时返回空属性（会被 slog 忽略）
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// Duration 创建耗时属性
func Duration(d time.Duration) slog.Attr {
	return slog.Duration(KeyDuration, d)
}

// Component 创建组件名称属性
func Component(name string) slog.Attr {
	return slog.String(KeyComponent, name)
}

// Lock 创建锁名属性
func Lock(name string) slog.Attr {
	return slog.String(KeyLock, name)
}

// Token 创建所有权 token 属性
func Token(token string) slog.Attr {
	return slog.String(KeyToken, token)
}

// Lease 创建租约时长属性
func Lease(d time.Duration) slog.Attr {
	return slog.Duration(KeyLease, d)
}
