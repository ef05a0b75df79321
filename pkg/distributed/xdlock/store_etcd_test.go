package xdlock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// fakeEtcd 内存版 etcdClient，只支持 EtcdStore 用到的比较与操作。
type fakeEtcd struct {
	mu      sync.Mutex
	kv      map[string]string
	grants  []int64
	revoked []clientv3.LeaseID
	nextID  clientv3.LeaseID
	watchCh chan clientv3.WatchResponse
	err     error
}

func newFakeEtcd() *fakeEtcd {
	return &fakeEtcd{kv: make(map[string]string), watchCh: make(chan clientv3.WatchResponse, 8)}
}

func (f *fakeEtcd) Get(_ context.Context, key string, _ ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	resp := &clientv3.GetResponse{}
	if v, ok := f.kv[key]; ok {
		resp.Kvs = []*mvccpb.KeyValue{{Key: []byte(key), Value: []byte(v)}}
	}
	return resp, nil
}

func (f *fakeEtcd) Put(_ context.Context, key, val string, _ ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.kv[key] = val
	return &clientv3.PutResponse{}, nil
}

func (f *fakeEtcd) Txn(context.Context) clientv3.Txn {
	return &fakeTxn{f: f}
}

func (f *fakeEtcd) Grant(_ context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.nextID++
	f.grants = append(f.grants, ttl)
	return &clientv3.LeaseGrantResponse{ID: f.nextID, TTL: ttl}, nil
}

func (f *fakeEtcd) Revoke(_ context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, id)
	return &clientv3.LeaseRevokeResponse{}, nil
}

// Watch 与真实客户端一致：ctx 取消或源关闭时关闭返回的 channel。
func (f *fakeEtcd) Watch(ctx context.Context, _ string, _ ...clientv3.OpOption) clientv3.WatchChan {
	out := make(chan clientv3.WatchResponse)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case resp, ok := <-f.watchCh:
				if !ok {
					return
				}
				select {
				case out <- resp:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

type fakeTxn struct {
	f    *fakeEtcd
	cmps []clientv3.Cmp
	ops  []clientv3.Op
}

func (t *fakeTxn) If(cs ...clientv3.Cmp) clientv3.Txn { t.cmps = append(t.cmps, cs...); return t }
func (t *fakeTxn) Then(ops ...clientv3.Op) clientv3.Txn { t.ops = append(t.ops, ops...); return t }
func (t *fakeTxn) Else(...clientv3.Op) clientv3.Txn { return t }

func (t *fakeTxn) Commit() (*clientv3.TxnResponse, error) {
	f := t.f
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	for i := range t.cmps {
		c := &t.cmps[i]
		v, exists := f.kv[string(c.KeyBytes())]
		switch c.Target {
		case pb.Compare_CREATE:
			if exists {
				return &clientv3.TxnResponse{Succeeded: false}, nil
			}
		case pb.Compare_VALUE:
			if !exists || v != string(c.ValueBytes()) {
				return &clientv3.TxnResponse{Succeeded: false}, nil
			}
		}
	}
	for _, op := range t.ops {
		switch {
		case op.IsPut():
			f.kv[string(op.KeyBytes())] = string(op.ValueBytes())
		case op.IsDelete():
			delete(f.kv, string(op.KeyBytes()))
		}
	}
	return &clientv3.TxnResponse{Succeeded: true}, nil
}

func TestLeaseSeconds(t *testing.T) {
	assert.Equal(t, int64(1), leaseSeconds(time.Millisecond))
	assert.Equal(t, int64(1), leaseSeconds(time.Second))
	assert.Equal(t, int64(2), leaseSeconds(1001*time.Millisecond))
	assert.Equal(t, int64(5), leaseSeconds(5*time.Second))
}

func TestEtcdStore_SetIfAbsent(t *testing.T) {
	fake := newFakeEtcd()
	s := newEtcdStore(fake)
	ctx := context.Background()

	ok, err := s.SetIfAbsent(ctx, "lock:a", "t1", 1500*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []int64{2}, fake.grants)

	ok, err = s.SetIfAbsent(ctx, "lock:a", "t2", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []clientv3.LeaseID{2}, fake.revoked, "unused lease is revoked")

	ok, err = s.SetIfAbsent(ctx, "lock:b", "t3", 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, fake.grants, 2, "no lease without ttl")

	v, found, err := s.Get(ctx, "lock:a")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "t1", v)

	_, found, err = s.Get(ctx, "lock:none")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestEtcdStore_CompareAndDelete(t *testing.T) {
	fake := newFakeEtcd()
	s := newEtcdStore(fake)
	ctx := context.Background()

	_, err := s.SetIfAbsent(ctx, "k", "mine", 0)
	require.NoError(t, err)

	removed, err := s.CompareAndDelete(ctx, "k", "theirs")
	require.NoError(t, err)
	assert.False(t, removed)

	removed, err = s.CompareAndDelete(ctx, "k", "mine")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.CompareAndDelete(ctx, "k", "mine")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestEtcdStore_Errors(t *testing.T) {
	fake := newFakeEtcd()
	fake.err = errors.New("etcdserver: request timed out")
	s := newEtcdStore(fake)
	ctx := context.Background()

	_, err := s.SetIfAbsent(ctx, "k", "v", time.Second)
	assert.Error(t, err)
	_, err = s.SetIfAbsent(ctx, "k", "v", 0)
	assert.Error(t, err)
	_, _, err = s.Get(ctx, "k")
	assert.Error(t, err)
	_, err = s.CompareAndDelete(ctx, "k", "v")
	assert.Error(t, err)
	assert.Error(t, s.Publish(ctx, "c", "m"))
	assert.Error(t, s.Ping(ctx))

	_, err = NewEtcdStore(nil)
	assert.ErrorIs(t, err, ErrNilStore)
}

func TestEtcdStore_PublishUsesChannelPrefix(t *testing.T) {
	fake := newFakeEtcd()
	s := newEtcdStore(fake, WithEtcdChannelPrefix("/app/ch/"))
	require.NoError(t, s.Publish(context.Background(), "release", "order:1"))
	assert.Equal(t, "order:1", fake.kv["/app/ch/release"])
	require.NoError(t, s.Ping(context.Background()))
}

func TestEtcdStore_Subscribe(t *testing.T) {
	fake := newFakeEtcd()
	s := newEtcdStore(fake)
	ctx := context.Background()

	fake.watchCh <- clientv3.WatchResponse{Created: true}
	sub, err := s.Subscribe(ctx, "release")
	require.NoError(t, err)

	fake.watchCh <- clientv3.WatchResponse{Events: []*clientv3.Event{
		{Type: mvccpb.DELETE, Kv: &mvccpb.KeyValue{Key: []byte("x")}},
		{Type: mvccpb.PUT, Kv: &mvccpb.KeyValue{Key: []byte("x"), Value: []byte("order:1")}},
	}}
	select {
	case msg := <-sub.Messages():
		assert.Equal(t, "order:1", msg)
	case <-time.After(time.Second):
		t.Fatal("message not forwarded")
	}

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	_, open := <-sub.Messages()
	assert.False(t, open)
}

func TestEtcdStore_SubscribeFailures(t *testing.T) {
	fake := newFakeEtcd()
	s := newEtcdStore(fake)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Subscribe(ctx, "release")
	assert.ErrorIs(t, err, context.Canceled)

	close(fake.watchCh)
	_, err = s.Subscribe(context.Background(), "release")
	assert.Error(t, err)
}

func TestNewEtcdClient_Validation(t *testing.T) {
	_, err := NewEtcdClient(EtcdConfig{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewEtcdClient(EtcdConfig{Endpoints: []string{" "}})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
