package application

import (
	"context"
	"errors"
	"testing"

	"mall/internal/service/stock/domain"
)

func TestGetStockSnapshot(t *testing.T) {
	env := newTestEnv()
	env.stocks.seed(1001, 50)
	freezeOrder(t, env, "order-1", map[int64]int64{1001: 3})

	snapshot, err := env.service.GetStock(context.Background(), 1001)
	if err != nil {
		t.Fatalf("GetStock: %v", err)
	}
	if snapshot.Available != 47 || snapshot.Frozen != 3 || snapshot.Total != 50 {
		t.Errorf("unexpected snapshot: %+v", snapshot)
	}
	if snapshot.Total != snapshot.Available+snapshot.Frozen {
		t.Error("snapshot violates the stock invariant")
	}
}

func TestGetStockUnknownProduct(t *testing.T) {
	env := newTestEnv()
	if _, err := env.service.GetStock(context.Background(), 9999); !errors.Is(err, domain.ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestCheckSufficient(t *testing.T) {
	env := newTestEnv()
	env.stocks.seed(1001, 10)

	ok, err := env.service.CheckSufficient(context.Background(), 1001, 10)
	if err != nil || !ok {
		t.Errorf("CheckSufficient(10) = %v, %v, want true", ok, err)
	}
	ok, err = env.service.CheckSufficient(context.Background(), 1001, 11)
	if err != nil || ok {
		t.Errorf("CheckSufficient(11) = %v, %v, want false", ok, err)
	}
}

func TestCreateStockRecord(t *testing.T) {
	env := newTestEnv()
	if err := env.service.CreateStockRecord(context.Background(), 1001, "widget", 50); err != nil {
		t.Fatalf("CreateStockRecord: %v", err)
	}
	record := env.stocks.snapshot(1001)
	if record.Available != 50 || record.ProductName != "widget" {
		t.Errorf("unexpected record: %+v", record)
	}
	if got := env.oplog.countOf(domain.OpCreate); got != 1 {
		t.Errorf("create oplog entries = %d, want 1", got)
	}

	if err := env.service.CreateStockRecord(context.Background(), 1001, "widget", 50); err == nil {
		t.Error("duplicate create must fail")
	}
	var validation *domain.ValidationError
	if err := env.service.CreateStockRecord(context.Background(), -1, "x", 10); !errors.As(err, &validation) {
		t.Errorf("expected ValidationError, got %v", err)
	}
}
