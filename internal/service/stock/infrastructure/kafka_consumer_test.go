package infrastructure

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"

	"mall/internal/service/stock/domain"
)

func testPolicy(maxAttempts int) retryPolicy {
	return retryPolicy{maxAttempts: maxAttempts, baseBackoff: time.Millisecond, maxBackoff: 4 * time.Millisecond}
}

// 瞬时失败的重试必须有上限：重试用尽返回错误、不提交位点，
// 这条消息留给传输层重投，而不是在进程内无限占着分区。
func TestHandleWithRetryExhaustsTransientFailures(t *testing.T) {
	attempts := 0
	handler := func(ctx context.Context, msg kafka.Message) error {
		attempts++
		return domain.NewStoreUnavailableError("update", errors.New("connection refused"))
	}
	msg := kafka.Message{Topic: "t", Offset: 3}

	err := handleWithRetry(context.Background(), handler, msg, testPolicy(4))
	if err == nil {
		t.Fatal("expected error after exhausting transient retries")
	}
	if attempts != 4 {
		t.Errorf("attempts = %d, want 4", attempts)
	}
}

func TestHandleWithRetryRecoversBeforeExhaustion(t *testing.T) {
	attempts := 0
	handler := func(ctx context.Context, msg kafka.Message) error {
		attempts++
		if attempts < 3 {
			return domain.NewStoreUnavailableError("update", errors.New("connection refused"))
		}
		return nil
	}

	if err := handleWithRetry(context.Background(), handler, kafka.Message{Topic: "t"}, testPolicy(4)); err != nil {
		t.Fatalf("expected success once the store recovers, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

// 终态错误不重试：消息已消化（dead letter），位点可以提交。
func TestHandleWithRetryCommitsTerminalFailures(t *testing.T) {
	attempts := 0
	handler := func(ctx context.Context, msg kafka.Message) error {
		attempts++
		return domain.NewValidationError("malformed payload")
	}

	if err := handleWithRetry(context.Background(), handler, kafka.Message{Topic: "t"}, testPolicy(4)); err != nil {
		t.Fatalf("terminal failure must not block the partition, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retry on terminal errors)", attempts)
	}
}

func TestHandleWithRetryStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	handler := func(ctx context.Context, msg kafka.Message) error {
		cancel()
		return domain.NewStoreUnavailableError("update", errors.New("connection refused"))
	}

	err := handleWithRetry(ctx, handler, kafka.Message{Topic: "t"}, testPolicy(4))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

// 坏消息必须归类为终态错误，否则会卡住分区无限重投。
// 解码失败在触达应用服务之前就返回，这里不需要真实的依赖。
func TestMalformedEventsAreTerminal(t *testing.T) {
	handlers := NewStockEventHandlers(nil, otel.Tracer("test"))
	msg := kafka.Message{Topic: "t", Value: []byte("{not json")}

	cases := map[string]EventHandler{
		"order created":   handlers.HandleOrderCreated,
		"order completed": handlers.HandleOrderCompleted,
		"stock confirm":   handlers.HandleStockConfirm,
		"stock rollback":  handlers.HandleStockRollback,
	}
	for name, handler := range cases {
		err := handler(context.Background(), msg)
		if err == nil {
			t.Errorf("%s: expected error for malformed payload", name)
			continue
		}
		if domain.IsTransient(err) {
			t.Errorf("%s: malformed payload classified as transient: %v", name, err)
		}
	}
}
