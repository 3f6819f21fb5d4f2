// internal/service/stock/infrastructure/kafka_consumer.go
package infrastructure

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"mall/internal/pkg/mq"
	"mall/internal/service/stock/application"
	"mall/internal/service/stock/domain"
)

// EventHandler 处理一条 Kafka 消息。返回的错误决定提交策略：
// 瞬时错误有限次退避重试，终态错误记录后提交。
type EventHandler func(ctx context.Context, msg kafka.Message) error

// retryPolicy 瞬时错误的重试参数。
type retryPolicy struct {
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{maxAttempts: 6, baseBackoff: time.Second, maxBackoff: 30 * time.Second}
}

// Consumer 是一个驱动适配器：监听单个主题并驱动应用服务。
// 使用 FetchMessage + CommitMessages 手动控制提交，实现 at-least-once。
// 分区之间并行、分区内严格串行：每个分区一个处理协程，位点按顺序提交，
// 不会出现后一条消息已提交、前一条还在处理的空洞。
type Consumer struct {
	reader   *kafka.Reader
	handler  EventHandler
	prefetch int // 每个分区通道的预取缓冲
	policy   retryPolicy
}

func NewConsumer(reader *kafka.Reader, handler EventHandler, prefetch int) *Consumer {
	if prefetch <= 0 {
		prefetch = 4
	}
	return &Consumer{
		reader:   reader,
		handler:  handler,
		prefetch: prefetch,
		policy:   defaultRetryPolicy(),
	}
}

// Run 阻塞消费直到 ctx 取消或某个分区的瞬时重试用尽。
// 后者让 Run 带错误返回，进程重启后从未提交的位点重投。
func (c *Consumer) Run(ctx context.Context) error {
	topic := c.reader.Config().Topic
	log.Info().Str("topic", topic).Msg("kafka consumer started")

	g, gctx := errgroup.WithContext(ctx)
	partitions := make(map[int]chan kafka.Message)

fetch:
	for {
		msg, err := c.reader.FetchMessage(gctx)
		if err != nil {
			if gctx.Err() != nil {
				break fetch
			}
			log.Error().Err(err).Str("topic", topic).Msg("could not fetch message, retrying")
			time.Sleep(time.Second) // 避免快速失败循环
			continue
		}

		ch, ok := partitions[msg.Partition]
		if !ok {
			ch = make(chan kafka.Message, c.prefetch)
			partitions[msg.Partition] = ch
			g.Go(func() error {
				return c.consumePartition(gctx, ch)
			})
		}
		select {
		case ch <- msg:
		case <-gctx.Done():
			break fetch
		}
	}

	for _, ch := range partitions {
		close(ch)
	}
	err := g.Wait()
	c.reader.Close()
	log.Info().Str("topic", topic).Msg("kafka consumer stopped")
	return err
}

// consumePartition 按到达顺序处理单个分区的消息并逐条提交位点。
// 串行消化保证已提交位点之前的消息全部处理完毕。
func (c *Consumer) consumePartition(ctx context.Context, ch <-chan kafka.Message) error {
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := handleWithRetry(ctx, c.handler, msg, c.policy); err != nil {
				// 位点留在原地，重启后这条及其后的消息重投
				log.Error().Err(err).Str("topic", msg.Topic).Int64("offset", msg.Offset).
					Msg("retries exhausted, leaving offset for redelivery")
				return err
			}
			if err := c.reader.CommitMessages(ctx, msg); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				// 提交失败会导致重投，幂等层兜底
				log.Error().Err(err).Str("topic", msg.Topic).Msg("failed to commit message")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// handleWithRetry 带退避地处理一条消息。
// 返回 nil 表示消息已消化（成功或终态失败），位点可以提交；
// 返回错误表示瞬时重试次数用尽或 ctx 取消，位点必须留在原地等重投。
func handleWithRetry(ctx context.Context, handler EventHandler, msg kafka.Message, policy retryPolicy) error {
	backoff := policy.baseBackoff
	var err error
	for attempt := 1; attempt <= policy.maxAttempts; attempt++ {
		err = handler(ctx, msg)
		if err == nil {
			return nil
		}
		if !domain.IsTransient(err) {
			// 终态错误：格式非法或状态前置条件被破坏。继续重投毫无意义，
			// 标记 dead_letter 提交掉，留给人工排查。
			log.Error().Err(err).Str("topic", msg.Topic).Int64("offset", msg.Offset).
				Bool("dead_letter", true).Msg("non-retriable failure, committing poison message")
			return nil
		}
		if attempt == policy.maxAttempts {
			break
		}
		log.Warn().Err(err).Str("topic", msg.Topic).Int64("offset", msg.Offset).
			Dur("backoff", backoff).Int("attempt", attempt).Msg("transient failure, will retry message")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		if backoff < policy.maxBackoff {
			backoff *= 2
		}
	}
	return fmt.Errorf("message at offset %d failed after %d attempts: %w", msg.Offset, policy.maxAttempts, err)
}

// StockEventHandlers 把四个入站主题的消息解码后分发给对应的引擎。
type StockEventHandlers struct {
	app    *application.StockApplicationService
	tracer trace.Tracer
}

func NewStockEventHandlers(app *application.StockApplicationService, tracer trace.Tracer) *StockEventHandlers {
	return &StockEventHandlers{app: app, tracer: tracer}
}

// startConsumerSpan 重建追踪上下文并开启消费侧 span。
func (h *StockEventHandlers) startConsumerSpan(ctx context.Context, msg kafka.Message, name string) (context.Context, trace.Span) {
	parentCtx := mq.ExtractTraceContext(ctx, msg.Headers)
	return h.tracer.Start(parentCtx, name,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
			attribute.String("messaging.kafka.message.key", string(msg.Key)),
		))
}

// HandleOrderCreated 订单创建 -> 冻结
func (h *StockEventHandlers) HandleOrderCreated(ctx context.Context, msg kafka.Message) error {
	var event domain.OrderCreatedEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return domain.NewValidationError("malformed order created event: " + err.Error())
	}
	ctx, span := h.startConsumerSpan(ctx, msg, "consumer.OrderCreated")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", event.OrderID))

	if err := h.app.Freeze(ctx, &event); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "freeze failed")
		return err
	}
	return nil
}

// HandleOrderCompleted 订单完成 -> 确认扣减（权威触发器）
func (h *StockEventHandlers) HandleOrderCompleted(ctx context.Context, msg kafka.Message) error {
	var event domain.OrderCompletedEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return domain.NewValidationError("malformed order completed event: " + err.Error())
	}
	ctx, span := h.startConsumerSpan(ctx, msg, "consumer.OrderCompleted")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", event.OrderID))

	if err := h.app.Confirm(ctx, event.OrderID, event.OrderNo, event.TraceID, event.OrderItems); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "confirm failed")
		return err
	}
	return nil
}

// HandleStockConfirm 显式确认事件，与订单完成走同一条路径、同一个幂等键。
func (h *StockEventHandlers) HandleStockConfirm(ctx context.Context, msg kafka.Message) error {
	var event domain.StockConfirmEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return domain.NewValidationError("malformed stock confirm event: " + err.Error())
	}
	ctx, span := h.startConsumerSpan(ctx, msg, "consumer.StockConfirm")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", event.OrderID))

	if err := h.app.Confirm(ctx, event.OrderID, event.OrderNo, event.TraceID, event.ConfirmItems); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "confirm failed")
		return err
	}
	return nil
}

// HandleStockRollback 取消/退款 -> 回滚
func (h *StockEventHandlers) HandleStockRollback(ctx context.Context, msg kafka.Message) error {
	var event domain.StockRollbackEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return domain.NewValidationError("malformed stock rollback event: " + err.Error())
	}
	ctx, span := h.startConsumerSpan(ctx, msg, "consumer.StockRollback")
	defer span.End()
	span.SetAttributes(
		attribute.String("order.id", event.OrderID),
		attribute.String("rollback.type", string(event.RollbackType)),
	)

	if err := h.app.Rollback(ctx, &event); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rollback failed")
		return err
	}
	return nil
}
