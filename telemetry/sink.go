package telemetry

import (
	"context"

	"github.com/wyfcoding/heimdall/logging"
)

// Sink 追踪事件的外部投递目标。
type Sink interface {
	Publish(ctx context.Context, ev TraceEvent) error
}

// SinkFunc 将函数适配为 Sink。
type SinkFunc func(ctx context.Context, ev TraceEvent) error

// Publish 实现 Sink。
func (f SinkFunc) Publish(ctx context.Context, ev TraceEvent) error { return f(ctx, ev) }

// Forward 订阅追踪日志并把事件逐条交给 sink，直到 ctx 结束。
// 投递较慢时事件在订阅缓冲处被丢弃，不会反压请求路径。返回的通道在转发协程退出后关闭。
func Forward(ctx context.Context, log *TraceLog, sink Sink, buffer int, logger *logging.Logger) <-chan struct{} {
	logger = logging.OrDefault(logger).Named("telemetry")
	events, cancel := log.Subscribe(buffer)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if err := sink.Publish(ctx, ev); err != nil {
					logger.WarnContext(ctx, "trace sink publish failed", "trace_id", ev.ID, "error", err)
				}
			}
		}
	}()
	return done
}
