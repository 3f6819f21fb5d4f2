// internal/service/stock/domain/event.go
package domain

import "time"

// OrderCreatedEvent 订单创建事件，触发库存冻结。
type OrderCreatedEvent struct {
	TraceID string          `json:"traceId"`
	EventID string          `json:"eventId"`
	OrderID string          `json:"orderId"`
	OrderNo string          `json:"orderNo"`
	UserID  string          `json:"userId"`
	Items   map[int64]int64 `json:"items"` // productId -> qty
}

// OrderCompletedEvent 订单完成事件，是库存确认的权威触发器。
type OrderCompletedEvent struct {
	TraceID    string          `json:"traceId"`
	OrderID    string          `json:"orderId"`
	OrderNo    string          `json:"orderNo"`
	OrderItems map[int64]int64 `json:"orderItems,omitempty"`
}

// StockConfirmEvent 显式的库存确认事件（运维补发/重放通道），
// 与订单完成事件汇入同一条确认路径和同一个幂等键。
type StockConfirmEvent struct {
	TraceID      string          `json:"traceId"`
	OrderID      string          `json:"orderId"`
	OrderNo      string          `json:"orderNo"`
	ConfirmItems map[int64]int64 `json:"confirmItems,omitempty"`
}

// StockRollbackEvent 取消/退款触发的回滚事件。
type StockRollbackEvent struct {
	TraceID       string          `json:"traceId"`
	OrderID       string          `json:"orderId"`
	OrderNo       string          `json:"orderNo"`
	RollbackType  RollbackType    `json:"rollbackType"`
	RollbackItems map[int64]int64 `json:"rollbackItems,omitempty"`
}

// StockFreezeFailedEvent 冻结失败时发出的补偿事件，订单侧消费后走订单关闭流程。
// 没有失败事件即代表冻结成功，不需要显式的成功事件。
type StockFreezeFailedEvent struct {
	EventID   string    `json:"eventId"`
	OrderID   string    `json:"orderId"`
	OrderNo   string    `json:"orderNo"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// StockSnapshot 是同步查询接口返回的库存快照。
type StockSnapshot struct {
	ProductID   int64  `json:"productId"`
	ProductName string `json:"productName"`
	Available   int64  `json:"availableQuantity"`
	Frozen      int64  `json:"frozenQuantity"`
	Total       int64  `json:"totalQuantity"`
}
