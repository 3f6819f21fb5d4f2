// internal/service/stock/infrastructure/kafka_notifier.go
package infrastructure

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"mall/internal/pkg/mq"
	"mall/internal/service/stock/domain"
)

// FreezeFailedKafkaNotifier 实现了 domain.FailureNotifier 接口。
// 冻结失败事件是这个服务对外唯一的显式失败信号，订单流程消费后关单。
type FreezeFailedKafkaNotifier struct {
	writer *kafka.Writer
}

func NewFreezeFailedKafkaNotifier(writer *kafka.Writer) *FreezeFailedKafkaNotifier {
	return &FreezeFailedKafkaNotifier{writer: writer}
}

func (n *FreezeFailedKafkaNotifier) FreezeFailed(ctx context.Context, event *domain.StockFreezeFailedEvent) error {
	eventBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal freeze failed event: %w", err)
	}
	// Key 用 orderId：同一订单的事件落同一分区，消费侧按序看到
	if err := mq.ProduceMessage(ctx, n.writer, []byte(event.OrderID), eventBytes); err != nil {
		return domain.NewStoreUnavailableError("notifier.freezeFailed", err)
	}
	return nil
}

// Close 关闭底层的 Kafka writer。
func (n *FreezeFailedKafkaNotifier) Close() error {
	return n.writer.Close()
}
