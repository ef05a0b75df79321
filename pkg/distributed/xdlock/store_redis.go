package xdlock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// compareAndDeleteScript 仅当值匹配时删除，保证不会误删他人的锁。
var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// subscriptionBuffer 订阅消息缓冲大小。
const subscriptionBuffer = 64

var _ Store = (*RedisStore)(nil)

// RedisStore 基于 go-redis 的 Store 实现。
//
// 支持单机、哨兵与集群（redis.UniversalClient）。
// 连接池大小由调用方通过 redis.Options.PoolSize 控制，池耗尽时调用阻塞。
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore 创建 Redis 存储适配器。
func NewRedisStore(client redis.UniversalClient) (*RedisStore, error) {
	if client == nil {
		return nil, ErrNilStore
	}
	return &RedisStore{client: client}, nil
}

// SetIfAbsent 使用 SET key value NX PX ttl。
func (s *RedisStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

// Get 读取 key，redis.Nil 视为不存在。
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// CompareAndDelete 通过 Lua 脚本原子地比较并删除。
func (s *RedisStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	n, err := compareAndDeleteScript.Run(ctx, s.client, []string{key}, expected).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Publish 使用 PUBLISH。
func (s *RedisStore) Publish(ctx context.Context, channel, message string) error {
	return s.client.Publish(ctx, channel, message).Err()
}

// Subscribe 在独立的 pubsub 连接上 SUBSCRIBE，并等待服务端的订阅确认。
func (s *RedisStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := s.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		return nil, errors.Join(err, ps.Close())
	}

	sub := &redisSubscription{
		ps:   ps,
		out:  make(chan string, subscriptionBuffer),
		done: make(chan struct{}),
	}
	sub.wg.Add(1)
	go sub.forward(ps.Channel())
	return sub, nil
}

// Ping 使用 PING。
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

type redisSubscription struct {
	ps   *redis.PubSub
	out  chan string
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
	err  error
}

func (s *redisSubscription) forward(in <-chan *redis.Message) {
	defer s.wg.Done()
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.out <- msg.Payload:
			case <-s.done:
				return
			}
		}
	}
}

func (s *redisSubscription) Messages() <-chan string {
	return s.out
}

func (s *redisSubscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.err = s.ps.Close()
		s.wg.Wait()
	})
	return s.err
}
