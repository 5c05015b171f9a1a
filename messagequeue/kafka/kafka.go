// Package kafka 将追踪事件投递到 Kafka，供离线分析与告警消费。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/wyfcoding/heimdall/config"
	"github.com/wyfcoding/heimdall/logging"
	"github.com/wyfcoding/heimdall/metrics"
	"github.com/wyfcoding/heimdall/telemetry"
)

// ErrNoBrokers 未配置 Broker 地址。
var ErrNoBrokers = errors.New("kafka: no brokers configured")

// TracePublisher 实现 telemetry.Sink，按数据源分区写入追踪事件。
type TracePublisher struct {
	writer   *kafkago.Writer
	logger   *logging.Logger
	produced *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewTracePublisher 创建投递器。m 为 nil 时不注册指标。
func NewTracePublisher(cfg config.KafkaConfig, logger *logging.Logger, m *metrics.Metrics) (*TracePublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, ErrNoBrokers
	}
	topic := cfg.Topic
	if topic == "" {
		topic = "heimdall.traces"
	}
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		WriteTimeout: cfg.WriteTimeout,
		BatchSize:    cfg.BatchSize,
		BatchTimeout: 500 * time.Millisecond,
		MaxAttempts:  3,
		RequiredAcks: kafkago.RequireOne,
		Async:        cfg.Async,
	}
	p := &TracePublisher{writer: w, logger: logging.OrDefault(logger).Named("kafka")}
	if m != nil {
		p.produced = m.NewCounterVec(&prometheus.CounterOpts{
			Name: "heimdall_trace_events_published_total",
			Help: "Trace events written to Kafka by status",
		}, []string{"topic", "status"})
		p.duration = m.NewHistogramVec(&prometheus.HistogramOpts{
			Name:    "heimdall_trace_publish_duration_seconds",
			Help:    "Kafka trace publish latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"topic"})
	}
	return p, nil
}

// Message 将追踪事件编码为 Kafka 消息：键为数据源名，值为 JSON，头部携带链路上下文。
func Message(ctx context.Context, ev telemetry.TraceEvent) (kafkago.Message, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("encode trace event: %w", err)
	}
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	headers := make([]kafkago.Header, 0, len(carrier)+1)
	for k, v := range carrier {
		headers = append(headers, kafkago.Header{Key: k, Value: []byte(v)})
	}
	headers = append(headers, kafkago.Header{Key: "trace-event-id", Value: []byte(ev.ID)})

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return kafkago.Message{
		Key:     []byte(ev.Provider),
		Value:   value,
		Headers: headers,
		Time:    ts,
	}, nil
}

// Publish 实现 telemetry.Sink。
func (p *TracePublisher) Publish(ctx context.Context, ev telemetry.TraceEvent) error {
	start := time.Now()
	ctx, span := otel.Tracer("heimdall-kafka").Start(ctx, "Kafka.PublishTrace", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	msg, err := Message(ctx, ev)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	err = p.writer.WriteMessages(ctx, msg)
	if p.duration != nil {
		p.duration.WithLabelValues(p.writer.Topic).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		p.observe("failed")
		span.SetStatus(codes.Error, err.Error())
		p.logger.ErrorContext(ctx, "failed to publish trace event", "trace_id", ev.ID, "error", err)
		return fmt.Errorf("publish trace event: %w", err)
	}
	p.observe("success")
	return nil
}

func (p *TracePublisher) observe(status string) {
	if p.produced != nil {
		p.produced.WithLabelValues(p.writer.Topic, status).Inc()
	}
}

// Topic 返回目标主题。
func (p *TracePublisher) Topic() string { return p.writer.Topic }

// Close 刷新并关闭写入器。
func (p *TracePublisher) Close() error {
	if err := p.writer.Close(); err != nil {
		p.logger.Error("failed to close kafka writer", "error", err)
		return err
	}
	return nil
}
