package xconf_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omeyang/xlease/pkg/config/xconf"
)

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", sampleYAML)
	cfg, err := xconf.New(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	reloaded := make(chan error, 8)
	done := make(chan error, 1)
	go func() {
		done <- xconf.Watch(ctx, cfg, func(_ *xconf.Config, err error) {
			reloaded <- err
		}, xconf.WithDebounce(20*time.Millisecond))
	}()

	// 等待 watcher 建立后再写入
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("lock:\n  lease: 7s\n"), 0o600)
		select {
		case err := <-reloaded:
			return err == nil
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "7s", cfg.Client().String("lock.lease"))

	cancel()
	require.NoError(t, <-done)
}

func TestWatch_InvalidArgs(t *testing.T) {
	ctx := context.Background()
	assert.ErrorIs(t, xconf.Watch(ctx, nil, func(*xconf.Config, error) {}), xconf.ErrNotReloadable)

	cfg, err := xconf.NewFromBytes(nil, xconf.FormatYAML)
	require.NoError(t, err)
	assert.ErrorIs(t, xconf.Watch(ctx, cfg, func(*xconf.Config, error) {}), xconf.ErrNotReloadable)

	path := writeFile(t, t.TempDir(), "config.yaml", sampleYAML)
	fileCfg, err := xconf.New(path)
	require.NoError(t, err)
	assert.ErrorIs(t, xconf.Watch(ctx, fileCfg, nil), xconf.ErrNilCallback)
}
