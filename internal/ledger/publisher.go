package ledger

import (
	"context"
	"fmt"

	redisclient "github.com/fund/execution/pkg/redis"
	"github.com/fund/execution/pkg/tracing"
	"go.opentelemetry.io/otel/trace"
)

// StreamPublisher 把结算事件写入 Redis Stream，供下游消费
type StreamPublisher struct {
	stream  *redisclient.StreamClient
	name    string
	tracing bool
}

// NewStreamPublisher 创建发布器。name 为目标 Stream 名。
func NewStreamPublisher(stream *redisclient.StreamClient, name string) *StreamPublisher {
	return &StreamPublisher{stream: stream, name: name, tracing: true}
}

// PublishOrderEvent 发布结算事件
func (p *StreamPublisher) PublishOrderEvent(ctx context.Context, update *OrderUpdate) error {
	if p.tracing {
		var span trace.Span
		ctx, span = tracing.StartSpan(ctx, "ledger.PublishOrderEvent")
		defer span.End()
	}

	if _, err := p.stream.Publish(ctx, p.name, update); err != nil {
		tracing.SetError(ctx, err)
		return fmt.Errorf("publish %s event for %s/%s: %w", update.Kind, update.Venue, update.MakerAsset, err)
	}
	return nil
}

// MultiPublisher 把同一事件按序发给多个发布器。任一发布器出错不阻断其余，
// 返回第一个错误。
type MultiPublisher struct {
	publishers []eventPublisher
}

// NewMultiPublisher 组合多个发布器
func NewMultiPublisher(publishers ...eventPublisher) *MultiPublisher {
	return &MultiPublisher{publishers: publishers}
}

// PublishOrderEvent 逐个发布
func (m *MultiPublisher) PublishOrderEvent(ctx context.Context, update *OrderUpdate) error {
	var first error
	for _, p := range m.publishers {
		if err := p.PublishOrderEvent(ctx, update); err != nil && first == nil {
			first = err
		}
	}
	return first
}
