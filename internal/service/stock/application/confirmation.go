// internal/service/stock/application/confirmation.go
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

// Confirm 把冻结库存转为永久扣减：frozen -= qty，total -= qty。
// 订单完成事件是权威触发器；显式的 StockConfirm 事件走同一条路径、同一个幂等键。
//
// 扣减数量以存储的凭证为准，事件携带的条目只作校验——事件可能被伪造或被
// 上游错误填充，信任它会让记录失衡。
// 凭证缺失或不在 FROZEN：上游乱序，FAILED 级别的数据一致性问题，
// 返回 PreconditionViolation（不可重试），消费侧提交消息并告警。
func (s *StockApplicationService) Confirm(ctx context.Context, orderID, orderNo, eventID string, claimed map[int64]int64) error {
	ctx, span := s.tracer.Start(ctx, "stock.Confirm")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID))

	if orderID == "" {
		return domain.NewValidationError("orderId is required")
	}

	// 幂等判定和扣减同在订单锁内，并发重复投递只会扣一次
	return s.withOrderLock(ctx, orderID, func(ctx context.Context) error {
		processed, err := s.ledger.IsProcessed(ctx, confirmKey(orderID))
		if err != nil {
			span.RecordError(err)
			return err
		}
		if processed {
			log.Info().Str("order_id", orderID).Msg("confirm already processed, skipping redelivery")
			return nil
		}

		ticket, err := s.tickets.Find(ctx, orderID)
		if errors.Is(err, domain.ErrTicketNotFound) {
			span.SetStatus(codes.Error, "confirm for unknown order")
			return domain.NewPreconditionViolation("confirm received for unknown order " + orderID)
		}
		if err != nil {
			span.RecordError(err)
			return err
		}

		switch ticket.State {
		case domain.TicketConfirmed:
			// 重投打在已确认的凭证上，无事发生
			log.Info().Str("order_id", orderID).Msg("ticket already confirmed, redelivery is a no-op")
			return nil
		case domain.TicketFrozen:
			// 正常路径
		default:
			span.SetStatus(codes.Error, "confirm precondition violated")
			return domain.NewPreconditionViolation(
				fmt.Sprintf("confirm requires FROZEN ticket for order %s, got %s", orderID, ticket.State))
		}

		if err := checkClaimedItems(ticket, claimed); err != nil {
			return err
		}

		// 逐条目确认，每个条目单独做幂等标记：部分失败重投时已成功的条目不会二次扣减。
		for _, productID := range ticket.SortedProductIDs() {
			qty := ticket.Items[productID]
			itemKey := confirmItemKey(orderID, productID)
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
				if err := record.Confirm(qty); err != nil {
					return err
				}
				if err := s.stocks.Update(ctx, record); err != nil {
					return err
				}
				s.appendLog(ctx, productID, domain.OpConfirm, before, record.Available,
					orderID, orderNo, fmt.Sprintf("confirm deduction of %d for order %s", qty, orderID))
				return nil
			})
			if err != nil {
				span.RecordError(err)
				return err
			}
			if err := s.ledger.MarkProcessed(ctx, itemKey, s.ledgerTTL); err != nil {
				log.Warn().Err(err).Str("order_id", orderID).Int64("product_id", productID).
					Msg("failed to mark confirmed item in idempotency ledger")
			}
		}

		if err := ticket.MarkConfirmed(eventID); err != nil {
			return err
		}
		if err := s.tickets.Save(ctx, ticket); err != nil {
			span.RecordError(err)
			return err
		}
		if err := s.ledger.MarkProcessed(ctx, confirmKey(orderID), s.ledgerTTL); err != nil {
			log.Warn().Err(err).Str("order_id", orderID).Msg("failed to mark confirm in idempotency ledger")
		}
		confirmTotal.Inc()
		log.Info().Str("order_id", orderID).Msg("frozen stock confirmed as permanent deduction")
		span.AddEvent("reservation confirmed")
		return nil
	})
}

// checkClaimedItems 校验事件携带的条目与凭证一致。事件不带条目时跳过。
func checkClaimedItems(ticket *domain.ReservationTicket, claimed map[int64]int64) error {
	if len(claimed) == 0 {
		return nil
	}
	for productID, qty := range claimed {
		stored, ok := ticket.Items[productID]
		if !ok || stored != qty {
			return domain.NewPreconditionViolation(
				fmt.Sprintf("event items disagree with ticket %s on product %d", ticket.OrderID, productID))
		}
	}
	return nil
}
