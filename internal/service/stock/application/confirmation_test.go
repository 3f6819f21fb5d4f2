package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mall/internal/service/stock/domain"
)

func freezeOrder(t *testing.T, env *testEnv, orderID string, items map[int64]int64) {
	t.Helper()
	if err := env.service.Freeze(context.Background(), orderCreated(orderID, items)); err != nil {
		t.Fatalf("Freeze(%s): %v", orderID, err)
	}
	if got := env.tickets.state(orderID); got != domain.TicketFrozen {
		t.Fatalf("ticket %s = %s, want FROZEN", orderID, got)
	}
}

func TestConfirmTurnsFreezeIntoDeduction(t *testing.T) {
	env := newTestEnv()
	env.stocks.seed(1001, 50)
	env.stocks.seed(1002, 20)
	freezeOrder(t, env, "order-1", map[int64]int64{1001: 3, 1002: 2})

	if err := env.service.Confirm(context.Background(), "order-1", "NO-order-1", "evt-c", nil); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	r1 := env.stocks.snapshot(1001)
	if r1.Total != 47 || r1.Available != 47 || r1.Frozen != 0 {
		t.Errorf("product 1001 after confirm: %+v", r1)
	}
	r2 := env.stocks.snapshot(1002)
	if r2.Total != 18 || r2.Available != 18 || r2.Frozen != 0 {
		t.Errorf("product 1002 after confirm: %+v", r2)
	}
	if got := env.tickets.state("order-1"); got != domain.TicketConfirmed {
		t.Errorf("ticket state = %s, want CONFIRMED", got)
	}
	if got := env.oplog.countOf(domain.OpConfirm); got != 2 {
		t.Errorf("confirm oplog entries = %d, want 2", got)
	}
}

func TestConfirmRedeliveryIsNoOp(t *testing.T) {
	env := newTestEnv()
	env.stocks.seed(1001, 50)
	freezeOrder(t, env, "order-1", map[int64]int64{1001: 3})

	for i := 0; i < 3; i++ {
		if err := env.service.Confirm(context.Background(), "order-1", "NO-order-1", "evt-c", nil); err != nil {
			t.Fatalf("Confirm #%d: %v", i+1, err)
		}
	}
	record := env.stocks.snapshot(1001)
	if record.Total != 47 || record.Available != 47 {
		t.Errorf("redelivery double-deducted: %+v", record)
	}

	// 账本过期后重投，凭证的 CONFIRMED 状态兜底
	env.ledger.forget("confirm:order-1")
	if err := env.service.Confirm(context.Background(), "order-1", "NO-order-1", "evt-c", nil); err != nil {
		t.Fatalf("Confirm after ledger expiry: %v", err)
	}
	record = env.stocks.snapshot(1001)
	if record.Total != 47 {
		t.Errorf("expired ledger entry let a confirm through: %+v", record)
	}
}

func TestConfirmForUnknownOrder(t *testing.T) {
	env := newTestEnv()
	var precondition *domain.PreconditionViolation
	err := env.service.Confirm(context.Background(), "ghost", "NO-ghost", "evt-c", nil)
	if !errors.As(err, &precondition) {
		t.Fatalf("expected PreconditionViolation, got %v", err)
	}
	if domain.IsTransient(err) {
		t.Error("unknown order must not be retried")
	}
}

func TestConfirmBeforeFreezeIsRejected(t *testing.T) {
	env := newTestEnv()
	env.stocks.seed(1001, 1)
	// 库存不足 -> FAILED 凭证
	if err := env.service.Freeze(context.Background(), orderCreated("order-1", map[int64]int64{1001: 5})); err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	var precondition *domain.PreconditionViolation
	if err := env.service.Confirm(context.Background(), "order-1", "NO-order-1", "evt-c", nil); !errors.As(err, &precondition) {
		t.Errorf("confirm on FAILED ticket: expected PreconditionViolation, got %v", err)
	}
}

func TestConfirmChecksClaimedItemsAgainstTicket(t *testing.T) {
	env := newTestEnv()
	env.stocks.seed(1001, 50)
	freezeOrder(t, env, "order-1", map[int64]int64{1001: 3})

	var precondition *domain.PreconditionViolation
	err := env.service.Confirm(context.Background(), "order-1", "NO-order-1", "evt-c",
		map[int64]int64{1001: 99})
	if !errors.As(err, &precondition) {
		t.Fatalf("expected PreconditionViolation on quantity mismatch, got %v", err)
	}
	record := env.stocks.snapshot(1001)
	if record.Total != 50 || record.Frozen != 3 {
		t.Errorf("mismatching event still changed stock: %+v", record)
	}

	// 数量一致的事件正常通过
	if err := env.service.Confirm(context.Background(), "order-1", "NO-order-1", "evt-c",
		map[int64]int64{1001: 3}); err != nil {
		t.Fatalf("Confirm with matching items: %v", err)
	}
}

func TestConfirmPartialFailureRetryDoesNotDoubleDeduct(t *testing.T) {
	env := newTestEnv()
	env.stocks.seed(1001, 50)
	env.stocks.seed(1002, 20)
	freezeOrder(t, env, "order-1", map[int64]int64{1001: 3, 1002: 2})

	// 第二个条目写回时存储抖一下
	env.stocks.updateHook = func(record *domain.StockRecord) error {
		if record.ProductID == 1002 {
			return domain.NewStoreUnavailableError("update", errors.New("connection reset"))
		}
		return nil
	}
	err := env.service.Confirm(context.Background(), "order-1", "NO-order-1", "evt-c", nil)
	if err == nil || !domain.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if got := env.tickets.state("order-1"); got != domain.TicketFrozen {
		t.Errorf("ticket state = %s, want FROZEN until all items confirm", got)
	}

	// 重投：条目 1001 有幂等标记，不会二次扣减
	env.stocks.updateHook = nil
	if err := env.service.Confirm(context.Background(), "order-1", "NO-order-1", "evt-c", nil); err != nil {
		t.Fatalf("redelivered Confirm: %v", err)
	}
	r1 := env.stocks.snapshot(1001)
	if r1.Total != 47 || r1.Available != 47 {
		t.Errorf("product 1001 double-deducted: %+v", r1)
	}
	r2 := env.stocks.snapshot(1002)
	if r2.Total != 18 || r2.Available != 18 {
		t.Errorf("product 1002 after retry: %+v", r2)
	}
	if got := env.tickets.state("order-1"); got != domain.TicketConfirmed {
		t.Errorf("ticket state = %s, want CONFIRMED", got)
	}
}

func TestConcurrentDuplicateConfirmDeductsOnce(t *testing.T) {
	// 并发重复的确认投递被订单锁串行化，总量只被永久扣减一次
	env := newTestEnv()
	env.stocks.seed(1001, 50)
	freezeOrder(t, env, "order-1", map[int64]int64{1001: 3})
	env.tickets.findDelay = 10 * time.Millisecond

	const deliveries = 4
	var wg sync.WaitGroup
	errs := make([]error, deliveries)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = env.service.Confirm(context.Background(), "order-1", "NO-order-1", "evt-c", nil)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("delivery #%d: %v", i+1, err)
		}
	}

	record := env.stocks.snapshot(1001)
	if record.Total != 47 || record.Available != 47 || record.Frozen != 0 {
		t.Errorf("duplicate confirms deducted more than once: %+v", record)
	}
	if got := env.oplog.countOf(domain.OpConfirm); got != 1 {
		t.Errorf("confirm oplog entries = %d, want 1", got)
	}
}

func TestFairLockOptionCoversAllWritePaths(t *testing.T) {
	// 公平锁开启后，冻结、确认、回滚的商品锁都走公平变体，
	// 不会被普通获取方插队破坏 FIFO
	env := newTestEnvWith(Options{FairLocks: true})
	env.stocks.seed(1001, 50)
	key := "stock:1001"

	freezeOrder(t, env, "order-1", map[int64]int64{1001: 3})
	if err := env.service.Confirm(context.Background(), "order-1", "NO-order-1", "evt-c", nil); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if err := env.service.Rollback(context.Background(), rollbackEvent("order-1", domain.RollbackPostDeduct)); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	if got := env.locker.fairCount(key); got != 3 {
		t.Errorf("fair acquisitions on %s = %d, want 3", key, got)
	}
	if got := env.locker.plainCount(key); got != 0 {
		t.Errorf("plain acquisitions on %s = %d, want 0", key, got)
	}
}
