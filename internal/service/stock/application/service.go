// internal/service/stock/application/service.go
package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"

	"mall/internal/pkg/lock"
	"mall/internal/service/stock/domain"
)

// StockApplicationService 编排库存的冻结、确认与回滚。
// 所有外部依赖都是抽象接口，由组装根注入。
type StockApplicationService struct {
	stocks   domain.StockRepository
	tickets  domain.TicketRepository
	oplog    domain.OperationLog
	ledger   domain.IdempotencyLedger
	notifier domain.FailureNotifier
	locker   lock.Coordinator
	tracer   trace.Tracer

	ledgerTTL time.Duration
	fairLocks bool // 写路径是否走公平锁（热点商品 FIFO）
}

// Options 应用服务的行为参数。
type Options struct {
	LedgerTTL time.Duration
	FairLocks bool
}

func NewStockApplicationService(
	stocks domain.StockRepository,
	tickets domain.TicketRepository,
	oplog domain.OperationLog,
	ledger domain.IdempotencyLedger,
	notifier domain.FailureNotifier,
	locker lock.Coordinator,
	tracer trace.Tracer,
	opts Options,
) *StockApplicationService {
	if opts.LedgerTTL <= 0 {
		opts.LedgerTTL = 24 * time.Hour
	}
	return &StockApplicationService{
		stocks:     stocks,
		tickets:    tickets,
		oplog:      oplog,
		ledger:     ledger,
		notifier:   notifier,
		locker:     locker,
		tracer:     tracer,
		ledgerTTL: opts.LedgerTTL,
		fairLocks: opts.FairLocks,
	}
}

// lockKeyFor 生成商品级锁键；不同商品完全并行，同一商品串行。
func lockKeyFor(productID int64) string {
	return fmt.Sprintf("stock:%d", productID)
}

func orderLockKeyFor(orderID string) string {
	return "order:" + orderID
}

// withOrderLock 把同一订单的并发投递串行化：幂等判定和状态变更
// 在同一把锁内完成，重复投递不会同时通过先查后改的窗口。
// 订单锁先于商品锁获取，且商品锁按 productId 升序，不存在环路。
func (s *StockApplicationService) withOrderLock(ctx context.Context, orderID string, fn func(ctx context.Context) error) error {
	err := s.locker.WithLock(ctx, orderLockKeyFor(orderID), fn)
	if errors.Is(err, lock.ErrNotAcquired) {
		lockTimeoutTotal.Inc()
		return fmt.Errorf("order %s: %w", orderID, domain.ErrLockNotAcquired)
	}
	return err
}

// withProductLock 在商品锁内执行 fn，锁超时统一转换成领域层的瞬时错误。
func (s *StockApplicationService) withProductLock(ctx context.Context, productID int64, fair bool, fn func(ctx context.Context) error) error {
	key := lockKeyFor(productID)
	start := time.Now()
	var err error
	if fair {
		err = s.locker.WithFairLock(ctx, key, fn)
	} else {
		err = s.locker.WithLock(ctx, key, fn)
	}
	lockWaitSeconds.Observe(time.Since(start).Seconds())
	if errors.Is(err, lock.ErrNotAcquired) {
		lockTimeoutTotal.Inc()
		return fmt.Errorf("product %d: %w", productID, domain.ErrLockNotAcquired)
	}
	return err
}

// appendLog 落一条操作流水。流水是只写审计，写失败不阻断主流程。
func (s *StockApplicationService) appendLog(ctx context.Context, productID int64, op domain.OperationType, before, after int64, orderID, orderNo, remark string) {
	entry := &domain.StockOperationLogEntry{
		ProductID:      productID,
		OperationType:  op,
		QuantityBefore: before,
		QuantityAfter:  after,
		OrderID:        orderID,
		OrderNo:        orderNo,
		Remark:         remark,
		Timestamp:      time.Now(),
	}
	if err := s.oplog.Append(ctx, entry); err != nil {
		log.Error().Err(err).
			Str("order_id", orderID).
			Int64("product_id", productID).
			Str("op", string(op)).
			Msg("failed to append stock operation log")
	}
}

func freezeKey(orderID string) string {
	return "freeze:" + orderID
}

func confirmKey(orderID string) string {
	return "confirm:" + orderID
}

func confirmItemKey(orderID string, productID int64) string {
	return fmt.Sprintf("confirm:%s:%d", orderID, productID)
}

func rollbackKey(rollbackType domain.RollbackType, orderID string) string {
	return fmt.Sprintf("rollback:%s:%s", rollbackType, orderID)
}

func rollbackItemKey(rollbackType domain.RollbackType, orderID string, productID int64) string {
	return fmt.Sprintf("rollback:%s:%s:%d", rollbackType, orderID, productID)
}
