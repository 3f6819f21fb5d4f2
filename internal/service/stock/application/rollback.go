// internal/service/stock/application/rollback.go
package application

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"mall/internal/service/stock/domain"
)

// Rollback 处理取消/退款：
//   - PRE_DEDUCT（确认前取消）：要求凭证 FROZEN，冻结量放回可用量；
//   - POST_DEDUCT（确认后退款）：要求凭证 CONFIRMED，总量和可用量一起回补。
//
// 按 (orderId, rollbackType) 幂等；每个条目的成功各自做幂等标记，
// 多条目部分失败重投时不会重放已成功的条目。
func (s *StockApplicationService) Rollback(ctx context.Context, event *domain.StockRollbackEvent) error {
	ctx, span := s.tracer.Start(ctx, "stock.Rollback")
	defer span.End()
	span.SetAttributes(
		attribute.String("order.id", event.OrderID),
		attribute.String("rollback.type", string(event.RollbackType)),
	)

	if event.OrderID == "" {
		return domain.NewValidationError("orderId is required")
	}
	if event.RollbackType != domain.RollbackPreDeduct && event.RollbackType != domain.RollbackPostDeduct {
		return domain.NewValidationError("unknown rollback type: " + string(event.RollbackType))
	}

	// 同一订单的回滚投递串行化，检查和回补不会并发穿插
	return s.withOrderLock(ctx, event.OrderID, func(ctx context.Context) error {
		mainKey := rollbackKey(event.RollbackType, event.OrderID)
		processed, err := s.ledger.IsProcessed(ctx, mainKey)
		if err != nil {
			span.RecordError(err)
			return err
		}
		if processed {
			log.Info().Str("order_id", event.OrderID).Str("type", string(event.RollbackType)).
				Msg("rollback already processed, skipping redelivery")
			return nil
		}

		ticket, err := s.tickets.Find(ctx, event.OrderID)
		if errors.Is(err, domain.ErrTicketNotFound) {
			span.SetStatus(codes.Error, "rollback for unknown order")
			return domain.NewPreconditionViolation("rollback received for unknown order " + event.OrderID)
		}
		if err != nil {
			span.RecordError(err)
			return err
		}

		required := domain.TicketFrozen
		if event.RollbackType == domain.RollbackPostDeduct {
			required = domain.TicketConfirmed
		}
		if ticket.State == domain.TicketRolledBack {
			log.Info().Str("order_id", event.OrderID).Msg("ticket already rolled back, redelivery is a no-op")
			return nil
		}
		if ticket.State != required {
			span.SetStatus(codes.Error, "rollback precondition violated")
			return domain.NewPreconditionViolation(
				fmt.Sprintf("%s rollback requires %s ticket for order %s, got %s",
					event.RollbackType, required, event.OrderID, ticket.State))
		}

		if err := checkClaimedItems(ticket, event.RollbackItems); err != nil {
			return err
		}

		// 逐条目回滚。单个条目失败只记录并中断，已成功条目的幂等标记保证重投安全。
		for _, productID := range ticket.SortedProductIDs() {
			qty := ticket.Items[productID]
			itemKey := rollbackItemKey(event.RollbackType, event.OrderID, productID)
			done, err := s.ledger.IsProcessed(ctx, itemKey)
			if err != nil {
				return err
			}
			if done {
				continue
			}
			err = s.withProductLock(ctx, productID, s.fairLocks, func(ctx context.Context) error {
				record, err := s.stocks.Get(ctx, productID)
				if err != nil {
					return err
				}
				before := record.Available
				if event.RollbackType == domain.RollbackPreDeduct {
					if err := record.Unfreeze(qty); err != nil {
						return err
					}
				} else {
					if err := record.Restore(qty); err != nil {
						return err
					}
				}
				if err := s.stocks.Update(ctx, record); err != nil {
					return err
				}
				op := domain.OpRelease
				remark := fmt.Sprintf("release frozen %d for cancelled order %s", qty, event.OrderID)
				if event.RollbackType == domain.RollbackPostDeduct {
					op = domain.OpRestore
					remark = fmt.Sprintf("restore %d for refunded order %s", qty, event.OrderID)
				}
				s.appendLog(ctx, productID, op, before, record.Available, event.OrderID, event.OrderNo, remark)
				return nil
			})
			if err != nil {
				log.Error().Err(err).Str("order_id", event.OrderID).Int64("product_id", productID).
					Str("type", string(event.RollbackType)).Msg("rollback item failed")
				span.RecordError(err)
				return err
			}
			if err := s.ledger.MarkProcessed(ctx, itemKey, s.ledgerTTL); err != nil {
				log.Warn().Err(err).Str("order_id", event.OrderID).Int64("product_id", productID).
					Msg("failed to mark rolled back item in idempotency ledger")
			}
		}

		if err := ticket.MarkRolledBack(event.RollbackType, event.TraceID); err != nil {
			return err
		}
		if err := s.tickets.Save(ctx, ticket); err != nil {
			span.RecordError(err)
			return err
		}
		if err := s.ledger.MarkProcessed(ctx, mainKey, s.ledgerTTL); err != nil {
			log.Warn().Err(err).Str("order_id", event.OrderID).Msg("failed to mark rollback in idempotency ledger")
		}
		rollbackTotal.WithLabelValues(string(event.RollbackType)).Inc()
		log.Info().Str("order_id", event.OrderID).Str("type", string(event.RollbackType)).Msg("stock rolled back")
		span.AddEvent("rollback applied")
		return nil
	})
}
