package xdlock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

// DefaultEtcdChannelPrefix etcd 中模拟发布订阅所用 key 的前缀。
const DefaultEtcdChannelPrefix = "/xdlock/channel/"

// etcdClient 定义 EtcdStore 需要的 etcd 操作，*clientv3.Client 实现了此接口。
type etcdClient interface {
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
	Txn(ctx context.Context) clientv3.Txn
	Grant(ctx context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error)
	Revoke(ctx context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error)
	Watch(ctx context.Context, key string, opts ...clientv3.OpOption) clientv3.WatchChan
}

var (
	_ etcdClient = (*clientv3.Client)(nil)
	_ Store      = (*EtcdStore)(nil)
)

// EtcdStore 基于 etcd v3 的 Store 实现。
//
// 过期通过 etcd lease 实现，精度为秒：ttl 向上取整，最小 1 秒。
// 发布订阅通过对 channel key 的 Put 与 Watch 模拟，只传递 PUT 事件。
type EtcdStore struct {
	client        etcdClient
	channelPrefix string
}

// EtcdStoreOption EtcdStore 的可选配置。
type EtcdStoreOption func(*EtcdStore)

// WithEtcdChannelPrefix 设置 channel key 前缀。
func WithEtcdChannelPrefix(prefix string) EtcdStoreOption {
	return func(s *EtcdStore) {
		if prefix != "" {
			s.channelPrefix = prefix
		}
	}
}

// NewEtcdStore 创建 etcd 存储适配器。
func NewEtcdStore(client *clientv3.Client, opts ...EtcdStoreOption) (*EtcdStore, error) {
	if client == nil {
		return nil, ErrNilStore
	}
	return newEtcdStore(client, opts...), nil
}

func newEtcdStore(client etcdClient, opts ...EtcdStoreOption) *EtcdStore {
	s := &EtcdStore{client: client, channelPrefix: DefaultEtcdChannelPrefix}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// EtcdConfig etcd 客户端连接配置。
type EtcdConfig struct {
	Endpoints            []string      `koanf:"endpoints"`
	Username             string        `koanf:"username"`
	Password             string        `koanf:"password"`
	DialTimeout          time.Duration `koanf:"dialTimeout"`
	DialKeepAliveTime    time.Duration `koanf:"dialKeepAliveTime"`
	DialKeepAliveTimeout time.Duration `koanf:"dialKeepAliveTimeout"`
}

// NewEtcdClient 按配置创建 etcd 客户端。
// keepalive 参数通过 gRPC DialOptions 设置，空闲连接也会发送探测。
func NewEtcdClient(cfg EtcdConfig) (*clientv3.Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("%w: no etcd endpoints", ErrInvalidConfig)
	}
	for _, ep := range cfg.Endpoints {
		if strings.TrimSpace(ep) == "" {
			return nil, fmt.Errorf("%w: empty etcd endpoint", ErrInvalidConfig)
		}
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.DialKeepAliveTime <= 0 {
		cfg.DialKeepAliveTime = 10 * time.Second
	}
	if cfg.DialKeepAliveTimeout <= 0 {
		cfg.DialKeepAliveTimeout = 3 * time.Second
	}

	return clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DialTimeout: cfg.DialTimeout,
		DialOptions: []grpc.DialOption{
			grpc.WithKeepaliveParams(keepalive.ClientParameters{
				Time:                cfg.DialKeepAliveTime,
				Timeout:             cfg.DialKeepAliveTimeout,
				PermitWithoutStream: true,
			}),
		},
	})
}

// leaseSeconds 将 ttl 换算为 etcd lease 秒数。
func leaseSeconds(ttl time.Duration) int64 {
	secs := int64((ttl + time.Second - 1) / time.Second)
	return max(secs, 1)
}

// SetIfAbsent 在事务中比较 CreateRevision == 0 后写入，ttl > 0 时绑定新 lease。
func (s *EtcdStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var (
		putOpts []clientv3.OpOption
		leaseID clientv3.LeaseID
	)
	if ttl > 0 {
		grant, err := s.client.Grant(ctx, leaseSeconds(ttl))
		if err != nil {
			return false, err
		}
		leaseID = grant.ID
		putOpts = append(putOpts, clientv3.WithLease(leaseID))
	}

	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, value, putOpts...)).
		Commit()
	if err != nil || !resp.Succeeded {
		if leaseID != clientv3.NoLease {
			// 未使用的 lease 到期会自动回收，撤销失败可以忽略
			_, _ = s.client.Revoke(context.WithoutCancel(ctx), leaseID)
		}
		if err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// Get 读取 key。
func (s *EtcdStore) Get(ctx context.Context, key string) (string, bool, error) {
	resp, err := s.client.Get(ctx, key)
	if err != nil {
		return "", false, err
	}
	if len(resp.Kvs) == 0 {
		return "", false, nil
	}
	return string(resp.Kvs[0].Value), true, nil
}

// CompareAndDelete 在事务中比较 Value 后删除。
func (s *EtcdStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(key), "=", expected)).
		Then(clientv3.OpDelete(key)).
		Commit()
	if err != nil {
		return false, err
	}
	return resp.Succeeded, nil
}

// Publish 对 channel key 执行 Put。
func (s *EtcdStore) Publish(ctx context.Context, channel, message string) error {
	_, err := s.client.Put(ctx, s.channelPrefix+channel, message)
	return err
}

// Subscribe 对 channel key 建立 Watch，收到创建通知后返回。
// 订阅的生命周期独立于 ctx 的取消，由 Close 结束。
func (s *EtcdStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	wctx, cancel := context.WithCancel(clientv3.WithRequireLeader(context.WithoutCancel(ctx)))
	wch := s.client.Watch(wctx, s.channelPrefix+channel, clientv3.WithCreatedNotify())

	select {
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	case resp, ok := <-wch:
		if !ok {
			cancel()
			return nil, errors.New("watch channel closed before created notification")
		}
		if err := resp.Err(); err != nil {
			cancel()
			return nil, err
		}
	}

	sub := &etcdSubscription{
		cancel: cancel,
		out:    make(chan string, subscriptionBuffer),
	}
	sub.wg.Add(1)
	go sub.forward(wctx, wch)
	return sub, nil
}

// Ping 对 channel 前缀做一次只计数的读取。
func (s *EtcdStore) Ping(ctx context.Context) error {
	_, err := s.client.Get(ctx, s.channelPrefix, clientv3.WithCountOnly())
	return err
}

type etcdSubscription struct {
	cancel context.CancelFunc
	out    chan string
	once   sync.Once
	wg     sync.WaitGroup
}

func (s *etcdSubscription) forward(ctx context.Context, wch clientv3.WatchChan) {
	defer s.wg.Done()
	defer close(s.out)
	for resp := range wch {
		if resp.Err() != nil || resp.Canceled {
			return
		}
		for _, ev := range resp.Events {
			if ev.Type != mvccpb.PUT {
				continue
			}
			select {
			case s.out <- string(ev.Kv.Value):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *etcdSubscription) Messages() <-chan string {
	return s.out
}

func (s *etcdSubscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
	return nil
}
