// internal/service/stock/domain/oplog.go
package domain

import "time"

// OperationType 标识一次库存变更的类型，写入操作流水。
type OperationType string

const (
	OpCreate   OperationType = "CREATE"   // 商品注册，建立库存记录
	OpFreeze   OperationType = "FREEZE"   // 可用 -> 冻结
	OpUnfreeze OperationType = "UNFREEZE" // 同一次冻结内的回退
	OpConfirm  OperationType = "CONFIRM"  // 冻结 -> 永久扣减
	OpRelease  OperationType = "RELEASE"  // PRE_DEDUCT 回滚，冻结 -> 可用
	OpRestore  OperationType = "RESTORE"  // POST_DEDUCT 回滚，回补总量
)

// StockOperationLogEntry 追加式审计流水，每次变更落一条。
// 引擎只写不读，Before/After 记录的是可用量。
type StockOperationLogEntry struct {
	ProductID      int64
	OperationType  OperationType
	QuantityBefore int64
	QuantityAfter  int64
	OrderID        string
	OrderNo        string
	Remark         string
	Timestamp      time.Time
}
