package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/omeyang/xlease/pkg/distributed/xdlock"
)

func createContendCommand() *cli.Command {
	return &cli.Command{
		Name:  "contend",
		Usage: "多个持有者竞争同一把锁，观察租约执法",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "name",
				Usage: "锁名",
				Value: "xleasectl:contend",
			},
			&cli.DurationFlag{
				Name:    "lease",
				Aliases: []string{"l"},
				Usage:   "租约时长",
				Value:   5 * time.Second,
			},
			&cli.StringFlag{
				Name:  "work",
				Usage: "每个持有者的工作时长，逗号分隔",
				Value: "1s,7s,3s",
			},
			&cli.BoolFlag{
				Name:  "notify",
				Usage: "使用释放通知唤醒等待者",
			},
		},
		Action: withRuntime(cmdContend),
	}
}

func cmdContend(ctx context.Context, cmd *cli.Command, rt *runtime) error {
	works, err := parseWorks(cmd.String("work"))
	if err != nil {
		return &usageError{msg: err.Error()}
	}
	lease := cmd.Duration("lease")
	if lease <= 0 {
		return &usageError{msg: "lease 必须为正"}
	}

	report, err := runContend(ctx, rt.factory, cmd.String("name"), lease, works,
		xdlock.WithNotify(cmd.Bool("notify")))
	if err != nil {
		return err
	}

	w := cmd.Root().Writer
	for _, ev := range report.Events {
		fmt.Fprintf(w, "%8s  #%d  %s\n", ev.At.Round(time.Millisecond), ev.ID, ev.What)
	}
	fmt.Fprintf(w, "被打断: %d  重叠持有: %d  残留持有: %d\n", report.Interrupted, report.Overlaps, report.Locked)
	if report.Overlaps > 0 || report.Locked > 0 {
		return &exitError{code: 1}
	}
	return nil
}

// parseWorks 解析逗号分隔的时长列表。
func parseWorks(s string) ([]time.Duration, error) {
	var works []time.Duration
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := time.ParseDuration(part)
		if err != nil {
			return nil, fmt.Errorf("invalid work duration %q: %w", part, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("work duration must be positive, got %s", d)
		}
		works = append(works, d)
	}
	if len(works) == 0 {
		return nil, errors.New("no work durations given")
	}
	return works, nil
}

type contendEvent struct {
	At   time.Duration
	ID   int
	What string
}

type contendReport struct {
	Events      []contendEvent
	Interrupted int
	Overlaps    int
	Locked      int
}

// runContend 每个持有者阻塞获取同名锁，工作 works[i] 或直到持有 context 被取消，然后释放。
// 记录同一时刻出现多个持有者的次数。
func runContend(ctx context.Context, f *xdlock.Factory, name string, lease time.Duration,
	works []time.Duration, opts ...xdlock.MutexOption) (contendReport, error) {
	var (
		mu          sync.Mutex
		events      []contendEvent
		holder      atomic.Int32
		overlaps    atomic.Int32
		interrupted atomic.Int32
	)
	start := time.Now()
	record := func(id int, format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, contendEvent{At: time.Since(start), ID: id, What: fmt.Sprintf(format, args...)})
	}

	mutexes := make([]*xdlock.Mutex, len(works))
	for i := range works {
		m, err := f.NewMutex(name, append([]xdlock.MutexOption{xdlock.WithLease(lease)}, opts...)...)
		if err != nil {
			return contendReport{}, err
		}
		mutexes[i] = m
	}

	// 以随机顺序启动持有者
	g, gctx := errgroup.WithContext(ctx)
	for _, i := range rand.Perm(len(works)) {
		id, work, m := i+1, works[i], mutexes[i]
		g.Go(func() error {
			record(id, "waiting (work %s)", work)
			if err := m.Lock(gctx); err != nil {
				return err
			}
			if !holder.CompareAndSwap(0, int32(id)) {
				overlaps.Add(1)
				record(id, "acquired while #%d still holds", holder.Load())
			} else {
				record(id, "acquired")
			}

			hold := m.Context()
			timer := time.NewTimer(work)
			defer timer.Stop()
			select {
			case <-timer.C:
				record(id, "work done")
			case <-hold.Done():
				interrupted.Add(1)
				record(id, "interrupted: %v", context.Cause(hold))
			case <-gctx.Done():
				record(id, "canceled")
			}
			holder.CompareAndSwap(int32(id), 0)

			uctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), defaultTimeout)
			defer cancel()
			removed, err := m.Unlock(uctx)
			if err != nil {
				return err
			}
			record(id, "unlock removed=%t", removed)
			return nil
		})
	}
	err := g.Wait()

	var locked int
	for i, m := range mutexes {
		if m.IsLocked() {
			locked++
			record(i+1, "still locked after join")
		}
	}

	sort.SliceStable(events, func(i, j int) bool { return events[i].At < events[j].At })
	return contendReport{
		Events:      events,
		Interrupted: int(interrupted.Load()),
		Overlaps:    int(overlaps.Load()),
		Locked:      locked,
	}, err
}
