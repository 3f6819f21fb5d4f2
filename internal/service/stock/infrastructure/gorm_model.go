// internal/service/stock/infrastructure/gorm_model.go
package infrastructure

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"mall/internal/service/stock/domain"
)

// ItemMap 是 productId -> qty 的 JSON 列类型。
type ItemMap map[int64]int64

func (m ItemMap) Value() (driver.Value, error) {
	return json.Marshal(m)
}

func (m *ItemMap) Scan(value interface{}) error {
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into ItemMap", value)
	}
	return json.Unmarshal(bytes, m)
}

// StockRecordModel 对应数据库中的 stock_record 表
type StockRecordModel struct {
	ID          uint   `gorm:"primaryKey"`
	ProductID   int64  `gorm:"uniqueIndex;not null"`
	ProductName string `gorm:"type:varchar(255)"`
	Total       int64  `gorm:"not null"`
	Available   int64  `gorm:"not null"`
	Frozen      int64  `gorm:"not null"`
	Version     int64  `gorm:"not null;default:0"` // 乐观锁版本号
	UpdatedAt   time.Time
}

func (StockRecordModel) TableName() string {
	return "stock_record"
}

// ReservationTicketModel 对应数据库中的 reservation_ticket 表
type ReservationTicketModel struct {
	ID          uint    `gorm:"primaryKey"`
	OrderID     string  `gorm:"type:varchar(64);uniqueIndex;not null"`
	OrderNo     string  `gorm:"type:varchar(64);index"`
	Items       ItemMap `gorm:"type:text;not null"`
	State       string  `gorm:"type:varchar(16);not null"`
	LastEventID string  `gorm:"type:varchar(64)"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (ReservationTicketModel) TableName() string {
	return "reservation_ticket"
}

// StockOperationLogModel 对应数据库中的 stock_operation_log 表，只插入不更新。
type StockOperationLogModel struct {
	ID             uint   `gorm:"primaryKey"`
	ProductID      int64  `gorm:"index;not null"`
	OperationType  string `gorm:"type:varchar(16);not null"`
	QuantityBefore int64
	QuantityAfter  int64
	OrderID        string `gorm:"type:varchar(64);index"`
	OrderNo        string `gorm:"type:varchar(64)"`
	Remark         string `gorm:"type:varchar(512)"`
	Timestamp      time.Time
}

func (StockOperationLogModel) TableName() string {
	return "stock_operation_log"
}

// ToDomainStockRecord 将数据库模型转换为领域模型
func ToDomainStockRecord(m *StockRecordModel) *domain.StockRecord {
	return &domain.StockRecord{
		ProductID:   m.ProductID,
		ProductName: m.ProductName,
		Total:       m.Total,
		Available:   m.Available,
		Frozen:      m.Frozen,
		Version:     m.Version,
		UpdatedAt:   m.UpdatedAt,
	}
}

// ToDomainTicket 将数据库模型转换为领域模型
func ToDomainTicket(m *ReservationTicketModel) *domain.ReservationTicket {
	items := make(map[int64]int64, len(m.Items))
	for productID, qty := range m.Items {
		items[productID] = qty
	}
	return &domain.ReservationTicket{
		OrderID:     m.OrderID,
		OrderNo:     m.OrderNo,
		Items:       items,
		State:       domain.TicketState(m.State),
		LastEventID: m.LastEventID,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}
