package xpool

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/omeyang/xlease/pkg/observability/xlog"
)

const (
	maxWorkers   = 1 << 16
	maxQueueSize = 1 << 24
)

var _ io.Closer = (*Pool[int])(nil)

// Pool 是一个泛型 worker pool。
type Pool[T any] struct {
	workers   int
	queueSize int
	handler   func(T)
	opts      options

	mu     sync.RWMutex
	closed bool
	queue  chan T

	wg   sync.WaitGroup
	done chan struct{}
	once sync.Once
}

// New 创建并启动 worker pool。
//
// workers 取值范围 [1, 65536]，queueSize 取值范围 [1, 16777216]。
func New[T any](workers, queueSize int, handler func(T), opts ...Option) (*Pool[T], error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	if workers < 1 || workers > maxWorkers {
		return nil, fmt.Errorf("%w: workers %d", ErrInvalidSize, workers)
	}
	if queueSize < 1 || queueSize > maxQueueSize {
		return nil, fmt.Errorf("%w: queue size %d", ErrInvalidSize, queueSize)
	}

	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.logger == nil {
		o.logger = xlog.Default()
	}

	p := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		handler:   handler,
		opts:      o,
		queue:     make(chan T, queueSize),
		done:      make(chan struct{}),
	}
	p.wg.Add(workers)
	for range workers {
		go p.worker()
	}
	go func() {
		p.wg.Wait()
		close(p.done)
	}()
	return p, nil
}

func (p *Pool[T]) worker() {
	defer p.wg.Done()
	for task := range p.queue {
		p.run(task)
	}
}

func (p *Pool[T]) run(task T) {
	defer func() {
		if r := recover(); r != nil {
			p.opts.logger.Error(context.Background(), "xpool: worker panic recovered",
				xlog.Component(p.opts.name),
				slog.String("task_type", fmt.Sprintf("%T", task)),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	p.handler(task)
}

// Submit 非阻塞地提交任务。
func (p *Pool[T]) Submit(task T) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolStopped
	}
	select {
	case p.queue <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown 停止接收新任务并等待已入队任务处理完成。
// ctx 到期时返回 ctx 错误，残留 worker 继续在后台消费队列，可通过 Done 等待。
func (p *Pool[T]) Shutdown(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
	})
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 等价于 Shutdown(context.Background())。
func (p *Pool[T]) Close() error {
	return p.Shutdown(context.Background())
}

// Done 返回在所有 worker 退出后关闭的 channel。
func (p *Pool[T]) Done() <-chan struct{} {
	return p.done
}

// Workers 返回 worker 数量。
func (p *Pool[T]) Workers() int {
	return p.workers
}

// QueueSize 返回队列容量。
func (p *Pool[T]) QueueSize() int {
	return p.queueSize
}
