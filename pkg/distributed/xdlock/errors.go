package xdlock

import "errors"

// 预定义错误。
// 使用 errors.Is 进行错误匹配，例如：
//
//	if errors.Is(err, xdlock.ErrStore) {
//	    // 存储不可达，可以稍后重试
//	}
var (
	// ErrStore 存储调用失败（网络、协议、脚本错误）。
	// 原始错误通过 %w 包装，可继续用 errors.Is/As 匹配底层错误。
	ErrStore = errors.New("xdlock: store failure")

	// ErrStoreUnavailable 存储被熔断，请求未发出。
	ErrStoreUnavailable = errors.New("xdlock: store unavailable")

	// ErrEmptyName 锁名为空或仅含空白。
	ErrEmptyName = errors.New("xdlock: name must not be empty")

	// ErrNameTooLong 锁名超过 512 字节。
	ErrNameTooLong = errors.New("xdlock: name exceeds maximum length of 512 bytes")

	// ErrNilStore 传入的 Store 为 nil。
	ErrNilStore = errors.New("xdlock: store is nil")

	// ErrNilMutex 传入的 Mutex 为 nil。
	ErrNilMutex = errors.New("xdlock: mutex is nil")

	// ErrLeaseBound 带租约的 Mutex 不能包装为通用锁。
	// 租约到期会在持有者不知情时释放锁，不满足通用锁的语义。
	ErrLeaseBound = errors.New("xdlock: lease-bound mutex cannot be used as a generic lock")

	// ErrCondUnsupported 不支持条件变量。
	ErrCondUnsupported = errors.New("xdlock: condition variables are not supported")

	// ErrNotHeld 解锁时发现锁不属于当前实例（未持有、已过期或已被他人获取）。
	ErrNotHeld = errors.New("xdlock: lock not held")

	// ErrAlreadyHeld 阻塞获取时当前实例已经持有锁，Mutex 不可重入。
	ErrAlreadyHeld = errors.New("xdlock: lock already held by this instance")

	// ErrCanceled 等待锁的过程中 context 被取消。
	ErrCanceled = errors.New("xdlock: wait canceled")

	// ErrInterrupted 可中断等待被打断。
	ErrInterrupted = errors.New("xdlock: wait interrupted")

	// ErrLeaseExpired 租约到期，作为持有 context 的取消原因。
	ErrLeaseExpired = errors.New("xdlock: lease expired")

	// ErrUnlocked 锁被主动释放，作为持有 context 的取消原因。
	ErrUnlocked = errors.New("xdlock: unlocked")

	// ErrFactoryClosed 工厂已关闭。
	ErrFactoryClosed = errors.New("xdlock: factory is closed")

	// ErrInvalidConfig 配置无效。
	ErrInvalidConfig = errors.New("xdlock: invalid config")
)
