// internal/service/stock/domain/errors.go
package domain

import (
	"errors"
	"fmt"
)

// 错误分为两类：
//   - 业务失败（库存不足、事件非法、状态前置条件不满足）：终态错误，
//     由引擎转化为凭证状态和补偿事件，消息会被提交，不再重投。
//   - 基础设施失败（锁等待超时、存储不可用）：瞬时错误，向上抛出，
//     由消息传输层重投整个事件。
// 消费者通过 IsTransient 决定提交还是重投。

// InsufficientStockError 可用库存不足，业务失败，驱动补偿事件。
type InsufficientStockError struct {
	ProductID int64
	Requested int64
	Available int64
}

func NewInsufficientStockError(productID, requested, available int64) *InsufficientStockError {
	return &InsufficientStockError{ProductID: productID, Requested: requested, Available: available}
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

// ValidationError 事件格式非法，业务失败。
type ValidationError struct {
	Reason string
}

func NewValidationError(reason string) *ValidationError {
	return &ValidationError{Reason: reason}
}

func (e *ValidationError) Error() string {
	return "invalid event: " + e.Reason
}

// PreconditionViolation 凭证不处于请求变更所要求的状态。
// 这是上游乱序或数据不一致的信号，不可重试，需要人工介入，
// 区别于瞬时错误以免被无限重投。
type PreconditionViolation struct {
	Reason string
}

func NewPreconditionViolation(reason string) *PreconditionViolation {
	return &PreconditionViolation{Reason: reason}
}

func (e *PreconditionViolation) Error() string {
	return "precondition violated: " + e.Reason
}

// ErrLockNotAcquired 在 waitTime 内未能拿到锁，瞬时错误，等待重投。
var ErrLockNotAcquired = errors.New("lock not acquired within wait time")

// ErrRecordNotFound 商品库存记录不存在。
var ErrRecordNotFound = errors.New("stock record not found")

// ErrTicketNotFound 订单预占凭证不存在。
var ErrTicketNotFound = errors.New("reservation ticket not found")

// StoreUnavailableError 底层存储暂时不可用，瞬时错误。
type StoreUnavailableError struct {
	Op  string
	Err error
}

func NewStoreUnavailableError(op string, err error) *StoreUnavailableError {
	return &StoreUnavailableError{Op: op, Err: err}
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error {
	return e.Err
}

// IsTransient 报告错误是否应交给消息队列重投。
// 业务失败和前置条件违例都是终态错误，提交消息后不再重试。
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrLockNotAcquired) {
		return true
	}
	var unavailable *StoreUnavailableError
	return errors.As(err, &unavailable)
}

// IsBusinessFailure 报告错误是否为库存不足这类业务失败。
func IsBusinessFailure(err error) bool {
	var insufficient *InsufficientStockError
	return errors.As(err, &insufficient)
}
