package xdlock

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// instrumentationName Meter/Tracer 的 scope 名称。
const instrumentationName = "github.com/omeyang/xlease/pkg/distributed/xdlock"

const (
	metricNameAcquireTotal = "xdlock.acquire.total"
	metricNameReleaseTotal = "xdlock.release.total"
	metricNameEnforceTotal = "xdlock.enforce.total"
	metricNameWaitDuration = "xdlock.wait.duration"

	spanNameLock       = "xdlock.Lock"
	spanNameTryLockFor = "xdlock.TryLockFor"
)

// 指标属性取值
const (
	resultAcquired = "acquired"
	resultBusy     = "busy"
	resultError    = "error"
	resultReleased = "released"
	resultNotHeld  = "not_held"
	resultTimeout  = "timeout"
	resultCanceled = "canceled"

	actionInterrupt          = "interrupt"
	actionForceRelease       = "force_release"
	actionForceReleaseFailed = "force_release_failed"
	actionPoolFallback       = "pool_fallback"
	actionLate               = "late"
)

var (
	attrKeyResult = attribute.Key("result")
	attrKeyAction = attribute.Key("action")
	attrKeyLock   = attribute.Key("xdlock.name")
)

// waitBuckets 等待耗时直方图的桶边界（秒）
var waitBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.3, 0.5, 1, 2.5, 5, 10, 30}

// telemetry 指标与追踪。锁名基数不可控，只出现在 span 属性中，不作为指标标签。
type telemetry struct {
	acquireTotal metric.Int64Counter
	releaseTotal metric.Int64Counter
	enforceTotal metric.Int64Counter
	waitDuration metric.Float64Histogram
	tracer       trace.Tracer
}

func newTelemetry(mp metric.MeterProvider, tp trace.TracerProvider) (*telemetry, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	meter := mp.Meter(instrumentationName)

	t := &telemetry{tracer: tp.Tracer(instrumentationName)}
	var err error
	if t.acquireTotal, err = meter.Int64Counter(metricNameAcquireTotal,
		metric.WithDescription("锁获取尝试次数"), metric.WithUnit("{attempt}")); err != nil {
		return nil, err
	}
	if t.releaseTotal, err = meter.Int64Counter(metricNameReleaseTotal,
		metric.WithDescription("锁释放次数"), metric.WithUnit("{release}")); err != nil {
		return nil, err
	}
	if t.enforceTotal, err = meter.Int64Counter(metricNameEnforceTotal,
		metric.WithDescription("租约执法动作次数"), metric.WithUnit("{action}")); err != nil {
		return nil, err
	}
	if t.waitDuration, err = meter.Float64Histogram(metricNameWaitDuration,
		metric.WithDescription("阻塞获取锁的等待耗时"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(waitBuckets...)); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *telemetry) acquire(ctx context.Context, result string) {
	t.acquireTotal.Add(ctx, 1, metric.WithAttributes(attrKeyResult.String(result)))
}

func (t *telemetry) release(ctx context.Context, result string) {
	t.releaseTotal.Add(ctx, 1, metric.WithAttributes(attrKeyResult.String(result)))
}

func (t *telemetry) enforce(ctx context.Context, action string) {
	t.enforceTotal.Add(ctx, 1, metric.WithAttributes(attrKeyAction.String(action)))
}

func (t *telemetry) wait(ctx context.Context, result string, d time.Duration) {
	t.waitDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attrKeyResult.String(result)))
}

func (t *telemetry) startSpan(ctx context.Context, name, lock string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrKeyLock.String(lock)),
	)
}
