package xdlock

import "time"

// SetClock 替换工厂的本地时钟，用于租约相关测试。
func SetClock(f *Factory, now func() time.Time) {
	f.now = now
}

// EnforcerDone 返回当前执法器退出时关闭的 channel，无执法器时返回 nil。
func EnforcerDone(m *Mutex) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enf == nil {
		return nil
	}
	return m.enf.done
}
