package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
	"github.com/urfave/cli/v3"

	"github.com/omeyang/xlease/pkg/config/xconf"
	"github.com/omeyang/xlease/pkg/distributed/xdlock"
	"github.com/omeyang/xlease/pkg/observability/xlog"
)

const defaultRedisAddr = "127.0.0.1:6379"

// appConfig 配置文件结构。
//
//	log:
//	  level: info
//	  format: text
//	redis:
//	  addr: 127.0.0.1:6379
//	etcd:
//	  endpoints: ["http://127.0.0.1:2379"]
//	breaker:
//	  consecutiveFailures: 5
//	  timeout: 10s
//	lock:
//	  lease: 5s
type appConfig struct {
	Log struct {
		Level  string `koanf:"level"`
		Format string `koanf:"format"`
		File   string `koanf:"file"`
	} `koanf:"log"`
	Redis struct {
		Addr     string `koanf:"addr"`
		Password string `koanf:"password"`
		DB       int    `koanf:"db"`
	} `koanf:"redis"`
	Etcd    xdlock.EtcdConfig `koanf:"etcd"`
	Breaker struct {
		ConsecutiveFailures uint32        `koanf:"consecutiveFailures"`
		Timeout             time.Duration `koanf:"timeout"`
	} `koanf:"breaker"`
}

// runtime 一次命令执行所需的依赖。
type runtime struct {
	logger  xlog.LoggerWithLevel
	conf    *xconf.Config
	breaker *xdlock.BreakerStore
	factory *xdlock.Factory
	timeout time.Duration

	closers   []func() error
	stopWatch context.CancelFunc
	watchWG   sync.WaitGroup
}

// withRuntime 为命令构建 runtime，命令结束后释放。
func withRuntime(fn func(ctx context.Context, cmd *cli.Command, rt *runtime) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		rt, err := newRuntime(ctx, cmd)
		if err != nil {
			return err
		}
		defer rt.close()
		return fn(ctx, cmd, rt)
	}
}

func newRuntime(ctx context.Context, cmd *cli.Command) (rt *runtime, err error) {
	rt = &runtime{timeout: cmd.Duration("timeout")}
	defer func() {
		if err != nil {
			rt.close()
		}
	}()

	var ac appConfig
	lockCfg := xdlock.DefaultConfig()
	if path := cmd.String("config"); path != "" {
		if rt.conf, err = xconf.New(path); err != nil {
			return nil, &usageError{msg: fmt.Sprintf("加载配置失败: %v", err)}
		}
		if err = rt.conf.Unmarshal("", &ac); err != nil {
			return nil, &usageError{msg: fmt.Sprintf("解析配置失败: %v", err)}
		}
		if lockCfg, err = xdlock.LoadConfig(rt.conf, "lock"); err != nil {
			return nil, &usageError{msg: err.Error()}
		}
	}

	if err = rt.buildLogger(cmd, ac); err != nil {
		return nil, &usageError{msg: err.Error()}
	}
	if err = rt.buildStore(cmd, ac); err != nil {
		return nil, err
	}

	opts := append(lockCfg.Options(), xdlock.WithLogger(rt.logger))
	if rt.factory, err = xdlock.NewFactory(rt.breaker, opts...); err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, func() error {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rt.timeout)
		defer cancel()
		return rt.factory.Close(cctx)
	})

	if rt.conf != nil {
		rt.watchLogLevel(ctx)
	}
	return rt, nil
}

// buildLogger 命令行参数优先于配置文件。
func (rt *runtime) buildLogger(cmd *cli.Command, ac appConfig) error {
	level := cmd.String("log-level")
	if !cmd.IsSet("log-level") && ac.Log.Level != "" {
		level = ac.Log.Level
	}
	b := xlog.New().SetLevelString(level)
	if ac.Log.Format != "" {
		b.SetFormat(ac.Log.Format)
	}
	file := cmd.String("log-file")
	if file == "" {
		file = ac.Log.File
	}
	if file != "" {
		b.SetRotation(file)
	}
	logger, cleanup, err := b.Build()
	if err != nil {
		return err
	}
	rt.logger = logger
	rt.closers = append(rt.closers, cleanup)
	return nil
}

func (rt *runtime) buildStore(cmd *cli.Command, ac appConfig) error {
	var next xdlock.Store
	endpoints := cmd.StringSlice("etcd")
	if len(endpoints) == 0 {
		endpoints = ac.Etcd.Endpoints
	}
	if len(endpoints) > 0 {
		ec := ac.Etcd
		ec.Endpoints = endpoints
		client, err := xdlock.NewEtcdClient(ec)
		if err != nil {
			return err
		}
		rt.closers = append(rt.closers, client.Close)
		if next, err = xdlock.NewEtcdStore(client); err != nil {
			return err
		}
		rt.logger.Debug(context.Background(), "using etcd store", slog.String("endpoints", strings.Join(endpoints, ",")))
	} else {
		addr := cmd.String("redis")
		if !cmd.IsSet("redis") && ac.Redis.Addr != "" {
			addr = ac.Redis.Addr
		}
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{addr},
			Password: ac.Redis.Password,
			DB:       ac.Redis.DB,
		})
		rt.closers = append(rt.closers, client.Close)
		var err error
		if next, err = xdlock.NewRedisStore(client); err != nil {
			return err
		}
		rt.logger.Debug(context.Background(), "using redis store", slog.String("addr", addr))
	}

	bs, err := xdlock.NewBreakerStore(next, xdlock.BreakerOptions{
		Name:                "xleasectl",
		ConsecutiveFailures: ac.Breaker.ConsecutiveFailures,
		Timeout:             ac.Breaker.Timeout,
		OnStateChange: func(name string, from, to gobreaker.State) {
			rt.logger.Warn(context.Background(), "store breaker state changed",
				slog.String("breaker", name), slog.String("from", from.String()), slog.String("to", to.String()))
		},
	})
	if err != nil {
		return err
	}
	rt.breaker = bs
	return nil
}

// watchLogLevel 配置文件中的 log.level 变化时动态调整级别。
func (rt *runtime) watchLogLevel(ctx context.Context) {
	wctx, cancel := context.WithCancel(ctx)
	rt.stopWatch = cancel
	rt.watchWG.Add(1)
	go func() {
		defer rt.watchWG.Done()
		err := xconf.Watch(wctx, rt.conf, func(c *xconf.Config, err error) {
			if err != nil {
				rt.logger.Warn(wctx, "config reload failed, keeping previous", xlog.Err(err))
				return
			}
			rt.applyLogLevel(wctx, c)
		})
		if err != nil {
			rt.logger.Warn(wctx, "config watch stopped", xlog.Err(err))
		}
	}()
}

func (rt *runtime) applyLogLevel(ctx context.Context, c *xconf.Config) {
	var lc struct {
		Level string `koanf:"level"`
	}
	if err := c.Unmarshal("log", &lc); err != nil || lc.Level == "" {
		return
	}
	level, err := xlog.ParseLevel(lc.Level)
	if err != nil {
		rt.logger.Warn(ctx, "ignoring invalid log level", slog.String("level", lc.Level))
		return
	}
	if level != rt.logger.GetLevel() {
		rt.logger.SetLevel(level)
		rt.logger.Info(ctx, "log level changed", slog.String("level", level.String()))
	}
}

// close 逆序释放资源，可重复调用。
func (rt *runtime) close() {
	if rt.stopWatch != nil {
		rt.stopWatch()
		rt.watchWG.Wait()
		rt.stopWatch = nil
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		_ = rt.closers[i]()
	}
	rt.closers = nil
}

// callCtx 单次存储调用的 context。
func (rt *runtime) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, rt.timeout)
}
