// Package xpool 提供轻量级的泛型 worker pool。
//
// 主要用于承载大量短生命周期的后台任务（例如租约执法协程），
// 避免每个任务单独启动 goroutine。
//
//   - New 创建后自动启动 worker
//   - Submit 非阻塞，队列满返回 ErrQueueFull，已关闭返回 ErrPoolStopped
//   - Shutdown(ctx) 等待队列中剩余任务执行完毕，ctx 到期时提前返回
//   - 单个任务 panic 会被恢复并记录日志，不影响其他任务
//
// Close/Shutdown 不可在 handler 内调用，否则会死锁。
package xpool
