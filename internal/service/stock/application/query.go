// internal/service/stock/application/query.go
package application

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"mall/internal/service/stock/domain"
)

// GetStock 返回单个商品的库存快照。
// 走读写锁的读端：读者之间不互斥，但与冻结/确认的写临界区互斥，
// 保证快照里 total == available + frozen 恒成立。
func (s *StockApplicationService) GetStock(ctx context.Context, productID int64) (*domain.StockSnapshot, error) {
	ctx, span := s.tracer.Start(ctx, "stock.GetStock")
	defer span.End()
	span.SetAttributes(attribute.Int64("product.id", productID))

	var snapshot *domain.StockSnapshot
	err := s.locker.WithReadLock(ctx, lockKeyFor(productID), func(ctx context.Context) error {
		record, err := s.stocks.Get(ctx, productID)
		if err != nil {
			return err
		}
		snapshot = &domain.StockSnapshot{
			ProductID:   record.ProductID,
			ProductName: record.ProductName,
			Available:   record.Available,
			Frozen:      record.Frozen,
			Total:       record.Total,
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return snapshot, nil
}

// CheckSufficient 判断可用库存是否满足 qty。
func (s *StockApplicationService) CheckSufficient(ctx context.Context, productID, qty int64) (bool, error) {
	snapshot, err := s.GetStock(ctx, productID)
	if err != nil {
		return false, err
	}
	return snapshot.Available >= qty, nil
}

// CreateStockRecord 商品注册时建立库存记录，初始库存全部可用。
func (s *StockApplicationService) CreateStockRecord(ctx context.Context, productID int64, name string, total int64) error {
	ctx, span := s.tracer.Start(ctx, "stock.CreateStockRecord")
	defer span.End()

	record, err := domain.NewStockRecord(productID, name, total)
	if err != nil {
		return err
	}
	return s.locker.WithLock(ctx, lockKeyFor(productID), func(ctx context.Context) error {
		if err := s.stocks.Create(ctx, record); err != nil {
			return err
		}
		s.appendLog(ctx, productID, domain.OpCreate, 0, record.Available, "", "", "stock record created")
		return nil
	})
}
