// Package observability 提供可观测性相关的子包。
//
// 子包列表：
//   - xlog: 结构化日志，基于 log/slog 扩展，支持文件轮转
//
// 设计原则：
//   - 自动从 context 中提取追踪信息注入日志
//   - 支持动态级别控制
package observability
