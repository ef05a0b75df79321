package xpool

import "errors"

var (
	// ErrNilHandler handler 为 nil。
	ErrNilHandler = errors.New("xpool: nil handler")

	// ErrInvalidSize worker 数或队列容量超出允许范围。
	ErrInvalidSize = errors.New("xpool: size out of range")

	// ErrPoolStopped 池已关闭，不再接收任务。
	ErrPoolStopped = errors.New("xpool: pool is stopped")

	// ErrQueueFull 队列已满，调用方自行决定降级方式。
	ErrQueueFull = errors.New("xpool: queue is full")

	ErrNilContext = errors.New("xpool: nil context")
)
