// internal/service/stock/application/reservation.go
package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"mall/internal/service/stock/domain"
)

// Freeze 消费订单创建事件，将每个条目的数量从可用移入冻结，整单全部成功或全部不做。
//
// 幂等：orderId 已处理（账本命中或凭证已离开 PENDING）时直接返回，不再变更。
// 部分失败：本次调用内已冻结的条目先解冻回退，凭证转 FAILED 并发出补偿事件——
// 这是业务终态，返回 nil 让消息提交。
// 锁超时、存储不可用是瞬时错误：凭证保持 PENDING，错误向上抛，等消息重投。
func (s *StockApplicationService) Freeze(ctx context.Context, event *domain.OrderCreatedEvent) error {
	ctx, span := s.tracer.Start(ctx, "stock.Freeze")
	defer span.End()
	span.SetAttributes(
		attribute.String("order.id", event.OrderID),
		attribute.Int("item.count", len(event.Items)),
	)

	if event.OrderID == "" {
		return domain.NewValidationError("orderId is required")
	}

	// 幂等判定和状态变更在同一把订单锁内完成，
	// 同一订单的并发重复投递不会同时通过检查
	return s.withOrderLock(ctx, event.OrderID, func(ctx context.Context) error {
		// 1. 幂等账本快路径
		processed, err := s.ledger.IsProcessed(ctx, freezeKey(event.OrderID))
		if err != nil {
			span.RecordError(err)
			return err
		}
		if processed {
			log.Info().Str("order_id", event.OrderID).Msg("freeze already processed, skipping redelivery")
			freezeTotal.WithLabelValues("duplicate").Inc()
			return nil
		}

		// 2. 加载或创建凭证。凭证状态是幂等判定的权威来源，账本只是快路径。
		ticket, err := s.tickets.Find(ctx, event.OrderID)
		if errors.Is(err, domain.ErrTicketNotFound) {
			ticket, err = domain.NewReservationTicket(event.OrderID, event.OrderNo, event.EventID, event.Items)
			if err != nil {
				span.SetStatus(codes.Error, "invalid order created event")
				return err
			}
			if err := s.tickets.Save(ctx, ticket); err != nil {
				span.RecordError(err)
				return err
			}
		} else if err != nil {
			span.RecordError(err)
			return err
		}
		if ticket.State != domain.TicketPending {
			// 已冻结或已到终态的重投，无需再动
			log.Info().Str("order_id", event.OrderID).Str("state", string(ticket.State)).
				Msg("ticket already settled, redelivery is a no-op")
			freezeTotal.WithLabelValues("duplicate").Inc()
			return nil
		}

		// 3. 按 productId 升序逐个加锁冻结
		var frozenThisRun []int64
		var shortfall *domain.InsufficientStockError
		var transientErr error

		for _, productID := range ticket.SortedProductIDs() {
			qty := ticket.Items[productID]
			err := s.withProductLock(ctx, productID, s.fairLocks, func(ctx context.Context) error {
				record, err := s.stocks.Get(ctx, productID)
				if errors.Is(err, domain.ErrRecordNotFound) {
					// 没有库存记录等价于可用量为零
					return domain.NewInsufficientStockError(productID, qty, 0)
				}
				if err != nil {
					return err
				}
				before := record.Available
				// 锁内重新校验，防止基于过期读数做决定
				if err := record.Freeze(qty); err != nil {
					return err
				}
				if err := s.stocks.Update(ctx, record); err != nil {
					return err
				}
				s.appendLog(ctx, productID, domain.OpFreeze, before, record.Available,
					event.OrderID, event.OrderNo, fmt.Sprintf("freeze %d for order %s", qty, event.OrderID))
				return nil
			})
			if err == nil {
				frozenThisRun = append(frozenThisRun, productID)
				continue
			}
			if errors.As(err, &shortfall) {
				break
			}
			transientErr = err
			break
		}

		// 4. 任一条目失败：先把本次已冻结的条目回退，保持全有或全无
		if shortfall != nil || transientErr != nil {
			s.unwind(ctx, ticket, event, frozenThisRun)
		}

		if transientErr != nil {
			// 凭证保持 PENDING，交给消息重投
			span.RecordError(transientErr)
			span.SetStatus(codes.Error, "freeze hit transient failure, leaving ticket pending")
			return transientErr
		}

		if shortfall != nil {
			return s.failFreeze(ctx, ticket, event, shortfall)
		}

		// 5. 全部冻结成功
		if err := ticket.MarkFrozen(event.EventID); err != nil {
			return err
		}
		if err := s.tickets.Save(ctx, ticket); err != nil {
			span.RecordError(err)
			return err
		}
		if err := s.ledger.MarkProcessed(ctx, freezeKey(event.OrderID), s.ledgerTTL); err != nil {
			// 账本写失败不影响正确性：重投会被凭证状态挡住
			log.Warn().Err(err).Str("order_id", event.OrderID).Msg("failed to mark freeze in idempotency ledger")
		}
		freezeTotal.WithLabelValues("frozen").Inc()
		log.Info().Str("order_id", event.OrderID).Int("items", len(ticket.Items)).Msg("stock frozen")
		span.AddEvent("all items frozen")
		return nil
	})
}

// unwind 回退本次调用内已冻结的条目，逆序解锁解冻。
// 单条回退失败记 CRITICAL 并继续：流水里有完整轨迹，留给人工对账。
func (s *StockApplicationService) unwind(ctx context.Context, ticket *domain.ReservationTicket, event *domain.OrderCreatedEvent, productIDs []int64) {
	for i := len(productIDs) - 1; i >= 0; i-- {
		productID := productIDs[i]
		qty := ticket.Items[productID]
		err := s.withProductLock(ctx, productID, s.fairLocks, func(ctx context.Context) error {
			record, err := s.stocks.Get(ctx, productID)
			if err != nil {
				return err
			}
			before := record.Available
			if err := record.Unfreeze(qty); err != nil {
				return err
			}
			if err := s.stocks.Update(ctx, record); err != nil {
				return err
			}
			s.appendLog(ctx, productID, domain.OpUnfreeze, before, record.Available,
				event.OrderID, event.OrderNo, fmt.Sprintf("unwind freeze of %d for order %s", qty, event.OrderID))
			return nil
		})
		if err != nil {
			log.Error().Err(err).
				Str("order_id", event.OrderID).
				Int64("product_id", productID).
				Bool("needs_operator", true).
				Msg("CRITICAL: failed to unwind frozen stock")
		}
	}
}

// failFreeze 把库存不足固化为业务终态：凭证 FAILED + 补偿事件 + 账本标记。
func (s *StockApplicationService) failFreeze(ctx context.Context, ticket *domain.ReservationTicket, event *domain.OrderCreatedEvent, cause *domain.InsufficientStockError) error {
	// 先发补偿事件再落终态：事件发不出去就保持 PENDING 等重投，
	// 重投会重新冻结、再次失败、再次尝试发送。事件可能重复，订单侧按 orderId 去重。
	failure := &domain.StockFreezeFailedEvent{
		EventID:   uuid.New().String(),
		OrderID:   event.OrderID,
		OrderNo:   event.OrderNo,
		Reason:    cause.Error(),
		Timestamp: time.Now(),
	}
	if err := s.notifier.FreezeFailed(ctx, failure); err != nil {
		return err
	}

	if err := ticket.MarkFailed(event.EventID); err != nil {
		return err
	}
	if err := s.tickets.Save(ctx, ticket); err != nil {
		return err
	}

	if err := s.ledger.MarkProcessed(ctx, freezeKey(event.OrderID), s.ledgerTTL); err != nil {
		log.Warn().Err(err).Str("order_id", event.OrderID).Msg("failed to mark failed freeze in idempotency ledger")
	}
	freezeTotal.WithLabelValues("insufficient").Inc()
	log.Warn().Str("order_id", event.OrderID).Str("reason", cause.Error()).Msg("stock freeze failed, compensating event emitted")
	return nil
}
