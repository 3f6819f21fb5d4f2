// internal/service/stock/domain/repository.go
package domain

import (
	"context"
	"time"
)

// 出站端口。应用层只依赖这些接口，具体实现在 infrastructure 下。

// StockRepository 持久化 StockRecord，Update 使用乐观版本号做原子写回。
type StockRepository interface {
	Get(ctx context.Context, productID int64) (*StockRecord, error)
	Create(ctx context.Context, record *StockRecord) error
	// Update 带版本校验写回。版本不匹配返回 StoreUnavailableError：
	// 在商品锁的保护下不应出现冲突，出现即说明有旁路写入，交给重投兜底。
	Update(ctx context.Context, record *StockRecord) error
}

// TicketRepository 持久化 ReservationTicket。
type TicketRepository interface {
	Find(ctx context.Context, orderID string) (*ReservationTicket, error)
	Save(ctx context.Context, ticket *ReservationTicket) error
}

// OperationLog 追加式审计流水的落库端口。
// 流水写失败只记日志不阻断主流程，审计缺一条好过库存卡死。
type OperationLog interface {
	Append(ctx context.Context, entry *StockOperationLogEntry) error
}

// IdempotencyLedger 已处理操作键的集合，带 TTL。
// 先查后写的窗口由商品锁关闭，账本本身不承担跨存储的原子性。
type IdempotencyLedger interface {
	IsProcessed(ctx context.Context, key string) (bool, error)
	MarkProcessed(ctx context.Context, key string, ttl time.Duration) error
}

// FailureNotifier 冻结失败时向订单流程发出补偿事件。
type FailureNotifier interface {
	FreezeFailed(ctx context.Context, event *StockFreezeFailedEvent) error
}
