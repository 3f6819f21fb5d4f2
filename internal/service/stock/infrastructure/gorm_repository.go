// internal/service/stock/infrastructure/gorm_repository.go
package infrastructure

import (
	"context"
	stderrors "errors"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"mall/internal/service/stock/domain"
)

// GormStockRepository 是 domain.StockRepository 的 GORM 实现。
type GormStockRepository struct {
	db *gorm.DB
}

func NewGormStockRepository(db *gorm.DB) *GormStockRepository {
	return &GormStockRepository{db: db}
}

func (r *GormStockRepository) Get(ctx context.Context, productID int64) (*domain.StockRecord, error) {
	var model StockRecordModel
	err := r.db.WithContext(ctx).Where("product_id = ?", productID).First(&model).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrRecordNotFound
		}
		return nil, domain.NewStoreUnavailableError("stock.get", errors.Wrapf(err, "product %d", productID))
	}
	return ToDomainStockRecord(&model), nil
}

func (r *GormStockRepository) Create(ctx context.Context, record *domain.StockRecord) error {
	model := StockRecordModel{
		ProductID:   record.ProductID,
		ProductName: record.ProductName,
		Total:       record.Total,
		Available:   record.Available,
		Frozen:      record.Frozen,
		Version:     0,
		UpdatedAt:   record.UpdatedAt,
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.NewStoreUnavailableError("stock.create", errors.Wrapf(err, "product %d", record.ProductID))
	}
	return nil
}

// Update 带版本号的原子写回：UPDATE ... WHERE product_id = ? AND version = ?。
// 在商品锁的保护下版本不会冲突；冲突说明有旁路写入，当作瞬时错误交给重投，
// 绝不带着过期数据硬写。
func (r *GormStockRepository) Update(ctx context.Context, record *domain.StockRecord) error {
	if err := record.CheckInvariant(); err != nil {
		return err
	}
	result := r.db.WithContext(ctx).Model(&StockRecordModel{}).
		Where("product_id = ? AND version = ?", record.ProductID, record.Version).
		Updates(map[string]interface{}{
			"total":      record.Total,
			"available":  record.Available,
			"frozen":     record.Frozen,
			"version":    record.Version + 1,
			"updated_at": record.UpdatedAt,
		})
	if result.Error != nil {
		return domain.NewStoreUnavailableError("stock.update", errors.Wrapf(result.Error, "product %d", record.ProductID))
	}
	if result.RowsAffected == 0 {
		return domain.NewStoreUnavailableError("stock.update",
			errors.Errorf("optimistic version conflict on product %d at version %d", record.ProductID, record.Version))
	}
	record.Version++
	return nil
}

// GormTicketRepository 是 domain.TicketRepository 的 GORM 实现。
type GormTicketRepository struct {
	db *gorm.DB
}

func NewGormTicketRepository(db *gorm.DB) *GormTicketRepository {
	return &GormTicketRepository{db: db}
}

func (r *GormTicketRepository) Find(ctx context.Context, orderID string) (*domain.ReservationTicket, error) {
	var model ReservationTicketModel
	err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&model).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrTicketNotFound
		}
		return nil, domain.NewStoreUnavailableError("ticket.find", errors.Wrapf(err, "order %s", orderID))
	}
	return ToDomainTicket(&model), nil
}

// Save 插入或按 order_id 更新。order_id 上的唯一索引兜底并发重复插入。
func (r *GormTicketRepository) Save(ctx context.Context, ticket *domain.ReservationTicket) error {
	items := make(ItemMap, len(ticket.Items))
	for productID, qty := range ticket.Items {
		items[productID] = qty
	}

	var existing ReservationTicketModel
	err := r.db.WithContext(ctx).Where("order_id = ?", ticket.OrderID).First(&existing).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		model := ReservationTicketModel{
			OrderID:     ticket.OrderID,
			OrderNo:     ticket.OrderNo,
			Items:       items,
			State:       string(ticket.State),
			LastEventID: ticket.LastEventID,
			CreatedAt:   ticket.CreatedAt,
			UpdatedAt:   ticket.UpdatedAt,
		}
		if cerr := r.db.WithContext(ctx).Create(&model).Error; cerr != nil {
			return domain.NewStoreUnavailableError("ticket.create", errors.Wrapf(cerr, "order %s", ticket.OrderID))
		}
		return nil
	}
	if err != nil {
		return domain.NewStoreUnavailableError("ticket.save", errors.Wrapf(err, "order %s", ticket.OrderID))
	}

	uerr := r.db.WithContext(ctx).Model(&ReservationTicketModel{}).
		Where("order_id = ?", ticket.OrderID).
		Updates(map[string]interface{}{
			"state":         string(ticket.State),
			"last_event_id": ticket.LastEventID,
			"updated_at":    ticket.UpdatedAt,
		}).Error
	if uerr != nil {
		return domain.NewStoreUnavailableError("ticket.update", errors.Wrapf(uerr, "order %s", ticket.OrderID))
	}
	return nil
}

// GormOperationLog 是 domain.OperationLog 的 GORM 实现，追加式审计流水。
type GormOperationLog struct {
	db *gorm.DB
}

func NewGormOperationLog(db *gorm.DB) *GormOperationLog {
	return &GormOperationLog{db: db}
}

func (l *GormOperationLog) Append(ctx context.Context, entry *domain.StockOperationLogEntry) error {
	model := StockOperationLogModel{
		ProductID:      entry.ProductID,
		OperationType:  string(entry.OperationType),
		QuantityBefore: entry.QuantityBefore,
		QuantityAfter:  entry.QuantityAfter,
		OrderID:        entry.OrderID,
		OrderNo:        entry.OrderNo,
		Remark:         entry.Remark,
		Timestamp:      entry.Timestamp,
	}
	if err := l.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.NewStoreUnavailableError("oplog.append", errors.Wrap(err, "append operation log"))
	}
	return nil
}
