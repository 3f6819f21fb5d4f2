package domain

import (
	"errors"
	"testing"
)

func mustRecord(t *testing.T, productID int64, total int64) *StockRecord {
	t.Helper()
	record, err := NewStockRecord(productID, "sku", total)
	if err != nil {
		t.Fatalf("NewStockRecord: %v", err)
	}
	return record
}

func assertInvariant(t *testing.T, r *StockRecord) {
	t.Helper()
	if err := r.CheckInvariant(); err != nil {
		t.Fatalf("invariant broken: %v", err)
	}
}

func TestNewStockRecord(t *testing.T) {
	record := mustRecord(t, 1001, 50)
	if record.Available != 50 || record.Frozen != 0 || record.Total != 50 {
		t.Fatalf("unexpected initial quantities: %+v", record)
	}
	assertInvariant(t, record)

	if _, err := NewStockRecord(0, "x", 10); err == nil {
		t.Error("expected error for non-positive productId")
	}
	if _, err := NewStockRecord(1, "x", -1); err == nil {
		t.Error("expected error for negative total")
	}
}

func TestFreezeMovesAvailableIntoFrozen(t *testing.T) {
	record := mustRecord(t, 1001, 50)
	if err := record.Freeze(30); err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	if record.Available != 20 || record.Frozen != 30 || record.Total != 50 {
		t.Fatalf("unexpected quantities after freeze: %+v", record)
	}
	assertInvariant(t, record)
}

func TestFreezeInsufficientLeavesRecordUntouched(t *testing.T) {
	record := mustRecord(t, 1001, 10)
	err := record.Freeze(11)

	var insufficient *InsufficientStockError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if insufficient.ProductID != 1001 || insufficient.Requested != 11 || insufficient.Available != 10 {
		t.Errorf("unexpected error detail: %+v", insufficient)
	}
	if record.Available != 10 || record.Frozen != 0 {
		t.Errorf("record changed despite rejection: %+v", record)
	}
	if IsTransient(err) {
		t.Error("insufficient stock must be a terminal failure")
	}
}

func TestUnfreezeRestoresAvailable(t *testing.T) {
	record := mustRecord(t, 1001, 50)
	record.Freeze(30)
	if err := record.Unfreeze(30); err != nil {
		t.Fatalf("Unfreeze: %v", err)
	}
	if record.Available != 50 || record.Frozen != 0 {
		t.Fatalf("unexpected quantities after unfreeze: %+v", record)
	}
	assertInvariant(t, record)

	var precondition *PreconditionViolation
	if err := record.Unfreeze(1); !errors.As(err, &precondition) {
		t.Errorf("expected PreconditionViolation for unfreezing more than frozen, got %v", err)
	}
}

func TestConfirmDeductsFrozenAndTotal(t *testing.T) {
	record := mustRecord(t, 1001, 50)
	record.Freeze(30)
	if err := record.Confirm(30); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if record.Total != 20 || record.Available != 20 || record.Frozen != 0 {
		t.Fatalf("unexpected quantities after confirm: %+v", record)
	}
	assertInvariant(t, record)

	var precondition *PreconditionViolation
	if err := record.Confirm(1); !errors.As(err, &precondition) {
		t.Errorf("expected PreconditionViolation for confirming more than frozen, got %v", err)
	}
}

func TestRestoreIncreasesTotalAndAvailable(t *testing.T) {
	record := mustRecord(t, 1001, 50)
	record.Freeze(30)
	record.Confirm(30)
	if err := record.Restore(30); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if record.Total != 50 || record.Available != 50 || record.Frozen != 0 {
		t.Fatalf("unexpected quantities after restore: %+v", record)
	}
	assertInvariant(t, record)
}

func TestCheckInvariantDetectsDrift(t *testing.T) {
	record := mustRecord(t, 1001, 50)
	record.Frozen = 5 // 旁路写坏
	if err := record.CheckInvariant(); err == nil {
		t.Error("expected invariant violation for total != available + frozen")
	}

	record = mustRecord(t, 1001, 50)
	record.Available = -1
	if err := record.CheckInvariant(); err == nil {
		t.Error("expected invariant violation for negative available")
	}
}

func TestQuantityArgumentsMustBePositive(t *testing.T) {
	record := mustRecord(t, 1001, 50)
	for name, fn := range map[string]func(int64) error{
		"Freeze":   record.Freeze,
		"Unfreeze": record.Unfreeze,
		"Confirm":  record.Confirm,
		"Restore":  record.Restore,
	} {
		var validation *ValidationError
		if err := fn(0); !errors.As(err, &validation) {
			t.Errorf("%s(0): expected ValidationError, got %v", name, err)
		}
		if err := fn(-3); !errors.As(err, &validation) {
			t.Errorf("%s(-3): expected ValidationError, got %v", name, err)
		}
	}
}
