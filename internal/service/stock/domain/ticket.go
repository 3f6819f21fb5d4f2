// internal/service/stock/domain/ticket.go
package domain

import (
	"sort"
	"time"
)

// TicketState 定义了预占凭证的生命周期状态
type TicketState string

const (
	TicketPending    TicketState = "PENDING"     // 已收到订单创建事件，库存尚未全部冻结
	TicketFrozen     TicketState = "FROZEN"      // 所有条目冻结成功，等待确认或回滚
	TicketConfirmed  TicketState = "CONFIRMED"   // 冻结已转为永久扣减
	TicketRolledBack TicketState = "ROLLED_BACK" // 冻结已释放或扣减已回补
	TicketFailed     TicketState = "FAILED"      // 冻结失败，已发出补偿事件
)

// Terminal 判断状态是否为终态。
// CONFIRMED 虽然还允许 POST_DEDUCT 回滚这一条出边，但对重复的冻结/确认事件而言同样是终态。
func (s TicketState) Terminal() bool {
	switch s {
	case TicketConfirmed, TicketRolledBack, TicketFailed:
		return true
	}
	return false
}

// RollbackType 区分两种回滚语义
type RollbackType string

const (
	RollbackPreDeduct  RollbackType = "PRE_DEDUCT"  // 确认前取消：释放冻结
	RollbackPostDeduct RollbackType = "POST_DEDUCT" // 确认后退款：回补库存
)

// ReservationTicket 是一笔订单的预占凭证，orderId 即幂等键。
// 状态只会单向流转，任何状态都不会回到 PENDING。
type ReservationTicket struct {
	OrderID     string
	OrderNo     string
	Items       map[int64]int64 // productId -> qty，键唯一
	State       TicketState
	LastEventID string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewReservationTicket 在首个订单创建事件到达时生成 PENDING 凭证。
func NewReservationTicket(orderID, orderNo, eventID string, items map[int64]int64) (*ReservationTicket, error) {
	if orderID == "" {
		return nil, NewValidationError("orderId is required")
	}
	if len(items) == 0 {
		return nil, NewValidationError("order has no items")
	}
	copied := make(map[int64]int64, len(items))
	for productID, qty := range items {
		if productID <= 0 || qty <= 0 {
			return nil, NewValidationError("items must carry positive productId and quantity")
		}
		copied[productID] = qty
	}
	now := time.Now()
	return &ReservationTicket{
		OrderID:     orderID,
		OrderNo:     orderNo,
		Items:       copied,
		State:       TicketPending,
		LastEventID: eventID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// MarkFrozen 冻结成功: PENDING -> FROZEN
func (t *ReservationTicket) MarkFrozen(eventID string) error {
	if t.State != TicketPending {
		return NewPreconditionViolation("ticket " + t.OrderID + " cannot be frozen from state " + string(t.State))
	}
	t.State = TicketFrozen
	t.LastEventID = eventID
	t.UpdatedAt = time.Now()
	return nil
}

// MarkFailed 冻结失败: PENDING -> FAILED
func (t *ReservationTicket) MarkFailed(eventID string) error {
	if t.State != TicketPending {
		return NewPreconditionViolation("ticket " + t.OrderID + " cannot fail from state " + string(t.State))
	}
	t.State = TicketFailed
	t.LastEventID = eventID
	t.UpdatedAt = time.Now()
	return nil
}

// MarkConfirmed 确认扣减: FROZEN -> CONFIRMED
func (t *ReservationTicket) MarkConfirmed(eventID string) error {
	if t.State != TicketFrozen {
		return NewPreconditionViolation("ticket " + t.OrderID + " cannot be confirmed from state " + string(t.State))
	}
	t.State = TicketConfirmed
	t.LastEventID = eventID
	t.UpdatedAt = time.Now()
	return nil
}

// MarkRolledBack 回滚: PRE_DEDUCT 要求 FROZEN，POST_DEDUCT 要求 CONFIRMED。
func (t *ReservationTicket) MarkRolledBack(rollbackType RollbackType, eventID string) error {
	switch rollbackType {
	case RollbackPreDeduct:
		if t.State != TicketFrozen {
			return NewPreconditionViolation("pre-deduct rollback requires FROZEN ticket, got " + string(t.State))
		}
	case RollbackPostDeduct:
		if t.State != TicketConfirmed {
			return NewPreconditionViolation("post-deduct rollback requires CONFIRMED ticket, got " + string(t.State))
		}
	default:
		return NewValidationError("unknown rollback type: " + string(rollbackType))
	}
	t.State = TicketRolledBack
	t.LastEventID = eventID
	t.UpdatedAt = time.Now()
	return nil
}

// SortedProductIDs 返回按 productId 升序排列的条目键。
// 多条目操作按这个顺序逐个加锁，避免与其它订单交叉死锁。
func (t *ReservationTicket) SortedProductIDs() []int64 {
	ids := make([]int64, 0, len(t.Items))
	for id := range t.Items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
