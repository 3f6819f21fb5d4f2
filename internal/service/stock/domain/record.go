// internal/service/stock/domain/record.go
package domain

import (
	"fmt"
	"time"
)

// StockRecord 是库存聚合的根实体，每个商品一条记录。
// 不变式: TotalQuantity == AvailableQuantity + FrozenQuantity，且两个分量永远 >= 0。
// 所有数量变更必须通过下面的方法完成，保证不变式在每次提交后都成立。
type StockRecord struct {
	ProductID   int64
	ProductName string
	Total       int64
	Available   int64
	Frozen      int64
	Version     int64 // 乐观锁版本号
	UpdatedAt   time.Time
}

// NewStockRecord 在商品注册时创建库存记录，初始库存全部可用。
func NewStockRecord(productID int64, name string, total int64) (*StockRecord, error) {
	if productID <= 0 {
		return nil, NewValidationError("productId must be positive")
	}
	if total < 0 {
		return nil, NewValidationError("total quantity cannot be negative")
	}
	return &StockRecord{
		ProductID:   productID,
		ProductName: name,
		Total:       total,
		Available:   total,
		Frozen:      0,
		UpdatedAt:   time.Now(),
	}, nil
}

// Freeze 将 qty 从可用库存移入冻结库存（预占）。
// 可用量不足时返回 ErrInsufficientStock，记录保持不变。
func (r *StockRecord) Freeze(qty int64) error {
	if qty <= 0 {
		return NewValidationError("freeze quantity must be positive")
	}
	if r.Available < qty {
		return NewInsufficientStockError(r.ProductID, qty, r.Available)
	}
	r.Available -= qty
	r.Frozen += qty
	r.UpdatedAt = time.Now()
	return nil
}

// Unfreeze 是 Freeze 的逆操作，用于同一次预占内的回退（解冻）。
func (r *StockRecord) Unfreeze(qty int64) error {
	if qty <= 0 {
		return NewValidationError("unfreeze quantity must be positive")
	}
	if r.Frozen < qty {
		return NewPreconditionViolation(
			fmt.Sprintf("cannot unfreeze %d, only %d frozen for product %d", qty, r.Frozen, r.ProductID))
	}
	r.Frozen -= qty
	r.Available += qty
	r.UpdatedAt = time.Now()
	return nil
}

// Confirm 将冻结库存转为永久扣减：冻结量和总量同时减少。
func (r *StockRecord) Confirm(qty int64) error {
	if qty <= 0 {
		return NewValidationError("confirm quantity must be positive")
	}
	if r.Frozen < qty {
		return NewPreconditionViolation(
			fmt.Sprintf("cannot confirm %d, only %d frozen for product %d", qty, r.Frozen, r.ProductID))
	}
	r.Frozen -= qty
	r.Total -= qty
	r.UpdatedAt = time.Now()
	return nil
}

// Restore 在退款后回补库存：总量和可用量同时增加。
func (r *StockRecord) Restore(qty int64) error {
	if qty <= 0 {
		return NewValidationError("restore quantity must be positive")
	}
	r.Total += qty
	r.Available += qty
	r.UpdatedAt = time.Now()
	return nil
}

// Sufficient 判断可用库存是否满足 qty。
func (r *StockRecord) Sufficient(qty int64) bool {
	return r.Available >= qty
}

// CheckInvariant 校验记录的核心不变式，持久化层在写回前调用。
func (r *StockRecord) CheckInvariant() error {
	if r.Available < 0 || r.Frozen < 0 {
		return NewPreconditionViolation(
			fmt.Sprintf("negative quantity on product %d: available=%d frozen=%d", r.ProductID, r.Available, r.Frozen))
	}
	if r.Total != r.Available+r.Frozen {
		return NewPreconditionViolation(
			fmt.Sprintf("invariant broken on product %d: total=%d available=%d frozen=%d",
				r.ProductID, r.Total, r.Available, r.Frozen))
	}
	return nil
}
