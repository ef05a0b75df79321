package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/omeyang/xlease/pkg/distributed/xdlock"
	"github.com/omeyang/xlease/pkg/observability/xlog"
	"github.com/omeyang/xlease/pkg/util/xid"
)

// exitError 命令已完成输出，只需设置非零退出码。
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// usageError 参数错误，退出码 2。
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

func lockName(cmd *cli.Command) (string, error) {
	if cmd.Args().Len() != 1 {
		return "", &usageError{msg: "需要且仅需要一个锁名参数"}
	}
	return cmd.Args().First(), nil
}

func leaseFlag() *cli.DurationFlag {
	return &cli.DurationFlag{
		Name:    "lease",
		Aliases: []string{"l"},
		Usage:   "租约时长，0 表示不过期",
	}
}

func mutexOptions(cmd *cli.Command) []xdlock.MutexOption {
	var opts []xdlock.MutexOption
	if cmd.IsSet("lease") {
		opts = append(opts, xdlock.WithLease(cmd.Duration("lease")))
	}
	if cmd.IsSet("notify") {
		opts = append(opts, xdlock.WithNotify(cmd.Bool("notify")))
	}
	return opts
}

func createTryCommand() *cli.Command {
	return &cli.Command{
		Name:      "try",
		Usage:     "尝试获取一次锁",
		ArgsUsage: "<name>",
		Flags: []cli.Flag{
			leaseFlag(),
			&cli.DurationFlag{
				Name:    "wait",
				Aliases: []string{"w"},
				Usage:   "最长等待时间，0 表示只尝试一次",
			},
			&cli.BoolFlag{
				Name:  "keep",
				Usage: "获取成功后不释放（依赖租约或手动删除）",
			},
		},
		Action: withRuntime(cmdTry),
	}
}

func cmdTry(ctx context.Context, cmd *cli.Command, rt *runtime) error {
	name, err := lockName(cmd)
	if err != nil {
		return err
	}
	m, err := rt.factory.NewMutex(name, mutexOptions(cmd)...)
	if err != nil {
		return &usageError{msg: err.Error()}
	}

	ok, err := m.TryLockFor(ctx, cmd.Duration("wait"))
	if err != nil {
		return err
	}
	w := cmd.Root().Writer
	if !ok {
		fmt.Fprintf(w, "锁 %s 已被占用\n", name)
		return &exitError{code: 1}
	}
	fmt.Fprintf(w, "已获取锁 %s\ntoken: %s\n", name, m.Token())
	if cmd.Bool("keep") {
		return nil
	}

	uctx, cancel := rt.callCtx(context.WithoutCancel(ctx))
	defer cancel()
	if _, err := m.Unlock(uctx); err != nil {
		return err
	}
	fmt.Fprintln(w, "已释放")
	return nil
}

func createHoldCommand() *cli.Command {
	return &cli.Command{
		Name:      "hold",
		Usage:     "获取锁并持有一段时间",
		ArgsUsage: "<name>",
		Flags: []cli.Flag{
			leaseFlag(),
			&cli.DurationFlag{
				Name:  "for",
				Usage: "持有时长",
				Value: 10 * time.Second,
			},
			&cli.BoolFlag{
				Name:  "notify",
				Usage: "等待时订阅释放通知，释放时发布通知",
			},
		},
		Action: withRuntime(cmdHold),
	}
}

func cmdHold(ctx context.Context, cmd *cli.Command, rt *runtime) error {
	name, err := lockName(cmd)
	if err != nil {
		return err
	}
	m, err := rt.factory.NewMutex(name, mutexOptions(cmd)...)
	if err != nil {
		return &usageError{msg: err.Error()}
	}

	w := cmd.Root().Writer
	start := time.Now()
	if err := m.LockInterruptibly(ctx); err != nil {
		if errors.Is(err, xdlock.ErrInterrupted) {
			fmt.Fprintln(w, "等待被中断")
			return &exitError{code: 1}
		}
		return err
	}
	fmt.Fprintf(w, "已获取锁 %s（等待 %s）\n", name, time.Since(start).Round(time.Millisecond))
	rt.logger.Info(ctx, "lock held", xlog.Lock(name), xlog.Token(m.Token()), xlog.Lease(m.Lease()))

	hold := m.Context()
	timer := time.NewTimer(cmd.Duration("for"))
	defer timer.Stop()

	code := 0
	select {
	case <-timer.C:
	case <-hold.Done():
		fmt.Fprintf(w, "持有被打断: %v\n", context.Cause(hold))
		code = 1
	case <-ctx.Done():
		fmt.Fprintln(w, "收到退出信号")
	}

	uctx, cancel := rt.callCtx(context.WithoutCancel(ctx))
	defer cancel()
	removed, err := m.Unlock(uctx)
	if err != nil {
		return err
	}
	if removed {
		fmt.Fprintln(w, "已释放")
	} else {
		fmt.Fprintln(w, "记录已不属于本实例（已过期或被强制释放）")
	}
	if code != 0 {
		return &exitError{code: code}
	}
	return nil
}

func createStatusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "检查存储连通性，或查看锁的当前持有者",
		ArgsUsage: "[name]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "prefix",
				Usage: "存储 key 前缀",
				Value: xdlock.DefaultKeyPrefix,
			},
		},
		Action: withRuntime(cmdStatus),
	}
}

func cmdStatus(ctx context.Context, cmd *cli.Command, rt *runtime) error {
	w := cmd.Root().Writer
	cctx, cancel := rt.callCtx(ctx)
	defer cancel()

	if err := rt.factory.Health(cctx); err != nil {
		fmt.Fprintf(w, "存储: 不可用\n详情: %v\n", err)
		return &exitError{code: 1}
	}
	fmt.Fprintf(w, "存储: 可用 (熔断器: %s)\n", rt.breaker.State())

	if cmd.Args().Len() == 0 {
		return nil
	}
	name := cmd.Args().First()
	key := cmd.String("prefix") + name
	token, found, err := rt.breaker.Get(cctx, key)
	if err != nil {
		return err
	}
	if !found {
		fmt.Fprintf(w, "锁 %s: 空闲\n", name)
		return nil
	}
	fmt.Fprintf(w, "锁 %s: 已占用\ntoken: %s\n", name, token)
	if _, id, err := xid.ParseToken(token); err == nil {
		fmt.Fprintf(w, "token id: %d\n", id)
	}
	return nil
}

// setupSignalHandler 第一次信号取消 ctx，第二次信号强制退出（130 = 128 + SIGINT）。
func setupSignalHandler(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()

		<-sigCh
		signal.Stop(sigCh)
		os.Exit(130)
	}()
}
