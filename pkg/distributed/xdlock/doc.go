// Package xdlock 提供基于共享存储的分布式互斥锁。
//
// 协议只依赖存储的四个原子能力：不存在时写入（带过期）、读取、比较并删除、发布订阅。
// 默认实现为 Redis（RedisStore），也提供 etcd 实现（EtcdStore）与熔断装饰器（BreakerStore）。
//
// # 基本用法
//
//	store, _ := xdlock.NewRedisStore(rdb)
//	factory, err := xdlock.NewFactory(store, xdlock.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	defer factory.Close(ctx)
//
//	m, err := factory.NewMutex("order:42", xdlock.WithLease(5*time.Second))
//	if err != nil {
//		return err
//	}
//	err = m.Do(ctx, func(ctx context.Context) error {
//		// ctx 在租约即将到期时被取消，context.Cause(ctx) == xdlock.ErrLeaseExpired
//		return process(ctx)
//	})
//
// # 所有权
//
// 每个 Mutex 在创建时生成唯一 token，存储中的值等于该 token 当且仅当该实例持有锁。
// 解锁只通过比较并删除完成，过期后被他人获取的锁不会被误删。
// 所有权属于 Mutex 实例而非 goroutine，同一实例重复获取不可重入。
//
// # 租约与执法
//
// 带租约时存储记录会自动过期。本地在 now > TimeLimit 后视锁为已过期，
// 并在下一次获取或 IsLocked 时惰性同步，不访问存储。
//
// 启用执法（默认 EnforcementDedicated）时，执法器在到期前 Discount 唤醒，
// 以 ErrLeaseExpired 取消持有 context（Mutex.Context），再等待 Grace 后强制删除记录。
// EnforcementPooled 把执法任务放入工厂共享的 worker pool，pool 饱和时执法可能延迟。
//
// # 释放通知
//
// WithNotify(true) 时 Unlock 会把锁名发布到释放 channel，
// 本进程内等待同名锁的一个调用会被立即唤醒重试；
// WaitCycle 轮询始终作为兜底，消息丢失只会增加等待时间。
//
// # 通用锁
//
// NewLocker 把不带租约的 Mutex 适配为 Lock 接口；带租约的 Mutex 返回 ErrLeaseBound，
// 因为租约到期会在持有者不知情时释放锁。条件变量不受支持。
//
// # 非目标
//
// 不提供多节点仲裁（Redlock），不保证等待者之间的公平性。
package xdlock
