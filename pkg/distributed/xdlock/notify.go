package xdlock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"

	"github.com/omeyang/xlease/pkg/observability/xlog"
)

// 重新订阅的退避参数
const (
	resubscribeDelay    = 100 * time.Millisecond
	resubscribeMaxDelay = 5 * time.Second
)

// waiter 一个在本进程内等待某个锁名的阻塞获取调用。
type waiter struct {
	name string
	wake chan struct{}
}

// notifier 工厂级的释放通知中心。
//
// 整个工厂共用一个订阅，首次有等待者注册时惰性启动。
// 收到锁名后按注册顺序唤醒该锁名的一个等待者，被唤醒者移到队尾。
type notifier struct {
	store   Store
	channel string
	logger  xlog.Logger

	mu      sync.Mutex
	waiters map[string][]*waiter
	started bool
	closed  bool

	ready     chan struct{}
	readyOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
}

func newNotifier(store Store, channel string, logger xlog.Logger) *notifier {
	ctx, cancel := context.WithCancel(context.Background())
	return &notifier{
		store:   store,
		channel: channel,
		logger:  logger,
		waiters: make(map[string][]*waiter),
		ready:   make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// register 注册等待者；必要时启动订阅并最多等待 confirmWait 让订阅确认。
// 通知中心已关闭时返回 nil，调用方退化为纯轮询。
func (n *notifier) register(ctx context.Context, name string, confirmWait time.Duration) *waiter {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	w := &waiter{name: name, wake: make(chan struct{}, 1)}
	n.waiters[name] = append(n.waiters[name], w)
	start := !n.started
	n.started = true
	n.mu.Unlock()

	if start {
		go n.run()
	}

	t := time.NewTimer(confirmWait)
	defer t.Stop()
	select {
	case <-n.ready:
	case <-ctx.Done():
	case <-t.C:
	}
	return w
}

func (n *notifier) unregister(w *waiter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	list := n.waiters[w.name]
	for i, x := range list {
		if x == w {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(n.waiters, w.name)
		return
	}
	n.waiters[w.name] = list
}

// notify 唤醒 name 的一个等待者。
func (n *notifier) notify(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	list := n.waiters[name]
	for i, w := range list {
		select {
		case w.wake <- struct{}{}:
			// 移到队尾，下一条消息交给其他等待者
			list = append(append(list[:i:i], list[i+1:]...), w)
			n.waiters[name] = list
			return
		default:
		}
	}
}

func (n *notifier) run() {
	defer close(n.done)
	for {
		var sub Subscription
		err := retry.New(
			retry.Context(n.ctx),
			retry.Attempts(0),
			retry.Delay(resubscribeDelay),
			retry.MaxDelay(resubscribeMaxDelay),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
		).Do(func() error {
			s, err := n.store.Subscribe(n.ctx, n.channel)
			if err != nil {
				n.logger.Warn(n.ctx, "xdlock: subscribe failed", slog.String("channel", n.channel), xlog.Err(err))
				return err
			}
			sub = s
			return nil
		})
		if err != nil {
			return
		}
		n.readyOnce.Do(func() { close(n.ready) })
		n.logger.Debug(n.ctx, "xdlock: release channel subscribed", slog.String("channel", n.channel))

		n.consume(sub)
		_ = sub.Close()
		if n.ctx.Err() != nil {
			return
		}
		n.logger.Warn(n.ctx, "xdlock: release subscription lost, resubscribing", slog.String("channel", n.channel))
	}
}

func (n *notifier) consume(sub Subscription) {
	msgs := sub.Messages()
	for {
		select {
		case <-n.ctx.Done():
			return
		case name, ok := <-msgs:
			if !ok {
				return
			}
			n.notify(name)
		}
	}
}

// close 停止订阅并等待后台 goroutine 退出。
func (n *notifier) close(ctx context.Context) error {
	n.mu.Lock()
	n.closed = true
	started := n.started
	n.mu.Unlock()

	n.cancel()
	if !started {
		return nil
	}
	select {
	case <-n.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
