package application

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"mall/internal/pkg/lock"
	"mall/internal/service/stock/domain"
)

// 进程内的端口实现，语义对齐真实适配器：
// 仓储返回副本、带版本 CAS，锁提供真实互斥，方便直接跑并发场景。

type memStocks struct {
	mu      sync.Mutex
	records map[int64]*domain.StockRecord

	// updateHook 在写回前调用，用于注入存储故障
	updateHook func(record *domain.StockRecord) error
}

func newMemStocks() *memStocks {
	return &memStocks{records: make(map[int64]*domain.StockRecord)}
}

func (m *memStocks) seed(productID int64, total int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, _ := domain.NewStockRecord(productID, "sku", total)
	m.records[productID] = record
}

func (m *memStocks) snapshot(productID int64) domain.StockRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.records[productID]
}

func (m *memStocks) Get(_ context.Context, productID int64) (*domain.StockRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[productID]
	if !ok {
		return nil, domain.ErrRecordNotFound
	}
	copied := *record
	return &copied, nil
}

func (m *memStocks) Create(_ context.Context, record *domain.StockRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[record.ProductID]; ok {
		return domain.NewStoreUnavailableError("create", errors.New("duplicate product"))
	}
	copied := *record
	m.records[record.ProductID] = &copied
	return nil
}

func (m *memStocks) Update(_ context.Context, record *domain.StockRecord) error {
	if err := record.CheckInvariant(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateHook != nil {
		if err := m.updateHook(record); err != nil {
			return err
		}
	}
	stored, ok := m.records[record.ProductID]
	if !ok {
		return domain.ErrRecordNotFound
	}
	if stored.Version != record.Version {
		return domain.NewStoreUnavailableError("update", errors.New("optimistic version conflict"))
	}
	copied := *record
	copied.Version++
	m.records[record.ProductID] = &copied
	record.Version++
	return nil
}

type memTickets struct {
	mu      sync.Mutex
	tickets map[string]*domain.ReservationTicket

	// findDelay 拉长读取窗口，放大并发投递的交错
	findDelay time.Duration
}

func newMemTickets() *memTickets {
	return &memTickets{tickets: make(map[string]*domain.ReservationTicket)}
}

func (m *memTickets) Find(_ context.Context, orderID string) (*domain.ReservationTicket, error) {
	if m.findDelay > 0 {
		time.Sleep(m.findDelay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ticket, ok := m.tickets[orderID]
	if !ok {
		return nil, domain.ErrTicketNotFound
	}
	copied := *ticket
	copied.Items = make(map[int64]int64, len(ticket.Items))
	for k, v := range ticket.Items {
		copied.Items[k] = v
	}
	return &copied, nil
}

func (m *memTickets) Save(_ context.Context, ticket *domain.ReservationTicket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *ticket
	copied.Items = make(map[int64]int64, len(ticket.Items))
	for k, v := range ticket.Items {
		copied.Items[k] = v
	}
	m.tickets[ticket.OrderID] = &copied
	return nil
}

func (m *memTickets) state(orderID string) domain.TicketState {
	m.mu.Lock()
	defer m.mu.Unlock()
	ticket, ok := m.tickets[orderID]
	if !ok {
		return ""
	}
	return ticket.State
}

type memLedger struct {
	mu   sync.Mutex
	keys map[string]bool

	markErr error // 注入账本写失败
}

func newMemLedger() *memLedger {
	return &memLedger{keys: make(map[string]bool)}
}

func (m *memLedger) IsProcessed(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keys[key], nil
}

func (m *memLedger) MarkProcessed(_ context.Context, key string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markErr != nil {
		return m.markErr
	}
	m.keys[key] = true
	return nil
}

func (m *memLedger) forget(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
}

type memOplog struct {
	mu      sync.Mutex
	entries []*domain.StockOperationLogEntry
}

func (m *memOplog) Append(_ context.Context, entry *domain.StockOperationLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memOplog) countOf(op domain.OperationType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.OperationType == op {
			n++
		}
	}
	return n
}

type notifierRecorder struct {
	mu     sync.Mutex
	events []*domain.StockFreezeFailedEvent

	failErr error // 注入发送失败
}

func (n *notifierRecorder) FreezeFailed(_ context.Context, event *domain.StockFreezeFailedEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failErr != nil {
		return n.failErr
	}
	n.events = append(n.events, event)
	return nil
}

func (n *notifierRecorder) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

// keyedLocker 按键互斥的进程内锁，failKeys 里的键直接判超时。
// 按变体计数，便于断言调用方走的是公平还是普通路径。
type keyedLocker struct {
	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	failKeys map[string]bool

	plainCalls map[string]int
	fairCalls  map[string]int
}

func newKeyedLocker() *keyedLocker {
	return &keyedLocker{
		locks:      make(map[string]*sync.Mutex),
		failKeys:   make(map[string]bool),
		plainCalls: make(map[string]int),
		fairCalls:  make(map[string]int),
	}
}

func (l *keyedLocker) lockFor(key string) (*sync.Mutex, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failKeys[key] {
		return nil, false
	}
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	return m, true
}

func (l *keyedLocker) do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	m, ok := l.lockFor(key)
	if !ok {
		return lock.ErrNotAcquired
	}
	m.Lock()
	defer m.Unlock()
	return fn(ctx)
}

func (l *keyedLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	l.plainCalls[key]++
	l.mu.Unlock()
	return l.do(ctx, key, fn)
}

func (l *keyedLocker) WithFairLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	l.fairCalls[key]++
	l.mu.Unlock()
	return l.do(ctx, key, fn)
}

func (l *keyedLocker) WithReadLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return l.do(ctx, key, fn)
}

func (l *keyedLocker) fairCount(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fairCalls[key]
}

func (l *keyedLocker) plainCount(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.plainCalls[key]
}

type testEnv struct {
	stocks   *memStocks
	tickets  *memTickets
	oplog    *memOplog
	ledger   *memLedger
	notifier *notifierRecorder
	locker   *keyedLocker
	service  *StockApplicationService
}

func newTestEnv() *testEnv {
	return newTestEnvWith(Options{})
}

func newTestEnvWith(opts Options) *testEnv {
	env := &testEnv{
		stocks:   newMemStocks(),
		tickets:  newMemTickets(),
		oplog:    &memOplog{},
		ledger:   newMemLedger(),
		notifier: &notifierRecorder{},
		locker:   newKeyedLocker(),
	}
	env.service = NewStockApplicationService(
		env.stocks, env.tickets, env.oplog, env.ledger, env.notifier,
		env.locker, otel.Tracer("test"), opts,
	)
	return env
}

func orderCreated(orderID string, items map[int64]int64) *domain.OrderCreatedEvent {
	return &domain.OrderCreatedEvent{
		EventID: "evt-" + orderID,
		OrderID: orderID,
		OrderNo: "NO-" + orderID,
		Items:   items,
	}
}
