package xconf

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchCallback 配置文件变更后的回调，err 非 nil 表示重载失败（旧配置仍然有效）。
type WatchCallback func(cfg *Config, err error)

// Watch 监视配置文件并在变更后自动 Reload，阻塞直到 ctx 结束。
//
// 监视的是文件所在目录而非文件本身：编辑器和 K8s ConfigMap 更新通常以
// 先删除再创建（或替换符号链接）的方式写入，直接监视文件会丢失后续事件。
func Watch(ctx context.Context, cfg *Config, callback WatchCallback, opts ...WatchOption) error {
	if cfg == nil || cfg.path == "" {
		return ErrNotReloadable
	}
	if callback == nil {
		return ErrNilCallback
	}
	o := &watchOptions{debounce: DefaultDebounce}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("xconf: failed to create watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(cfg.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("xconf: failed to watch directory %s: %w", dir, err)
	}

	target := filepath.Clean(cfg.path)
	timer := time.NewTimer(o.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target && filepath.Base(ev.Name) != "..data" {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(o.debounce)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			callback(cfg, fmt.Errorf("%w: %w", ErrLoadFailed, err))

		case <-timer.C:
			callback(cfg, cfg.Reload())
		}
	}
}
