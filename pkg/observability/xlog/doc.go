// Package xlog 提供基于 log/slog 的结构化日志。
//
// 所有日志方法都要求传入 context.Context，并只接受 slog.Attr，
// 配合 EnrichHandler 可自动注入 OpenTelemetry 的 trace_id/span_id。
//
//	logger, cleanup, err := xlog.New().
//		SetLevelString("debug").
//		SetFormat("json").
//		SetRotation("/var/log/xlease/app.log").
//		Build()
//	if err != nil {
//		return err
//	}
//	defer cleanup()
//
//	logger.Info(ctx, "lock acquired", xlog.Lock("order:1"))
package xlog
