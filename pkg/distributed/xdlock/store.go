package xdlock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Store 锁协议依赖的远端存储能力。
//
// 所有操作必须是单次原子操作；实现需并发安全。
// 存储错误应原样返回，由调用方统一包装为 ErrStore。
type Store interface {
	// SetIfAbsent 仅当 key 不存在时写入 value，ttl > 0 时设置过期时间。
	// 返回是否写入成功。
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Get 读取 key 的当前值，ok 为 false 表示 key 不存在。
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// CompareAndDelete 当 key 的当前值等于 expected 时删除 key，返回是否删除。
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)

	// Publish 向 channel 广播消息。
	Publish(ctx context.Context, channel, message string) error

	// Subscribe 订阅 channel。返回前订阅必须已被存储端确认，
	// 确认之后发布的消息不会丢失。
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Ping 检查存储连通性。
	Ping(ctx context.Context) error
}

// Subscription 一个已确认的订阅。
type Subscription interface {
	// Messages 返回消息 channel，订阅断开或 Close 后该 channel 被关闭。
	Messages() <-chan string

	// Close 取消订阅，可重复调用。
	Close() error
}

// storeErr 将存储返回的错误包装为 ErrStore。
// 熔断错误已是 ErrStoreUnavailable，同样归入 ErrStore 以便调用方统一判断。
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStore) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStore, op, err)
}
