// internal/service/stock/infrastructure/redis_ledger.go
package infrastructure

import (
	"context"
	"time"

	pkgredis "mall/internal/pkg/redis"
	"mall/internal/service/stock/domain"
)

const ledgerPrefix = "mall:stock:processed:"

// RedisLedger 是 domain.IdempotencyLedger 的 Redis 实现：
// 一个操作键一个带 TTL 的 string。先查后写的竞态窗口由商品锁关闭，
// 账本自己不需要原子的 check-and-set。
type RedisLedger struct {
	client *pkgredis.Client
}

func NewRedisLedger(client *pkgredis.Client) *RedisLedger {
	return &RedisLedger{client: client}
}

func (l *RedisLedger) IsProcessed(ctx context.Context, key string) (bool, error) {
	n, err := l.client.GetClient().Exists(ctx, ledgerPrefix+key).Result()
	if err != nil {
		return false, domain.NewStoreUnavailableError("ledger.isProcessed", err)
	}
	return n > 0, nil
}

func (l *RedisLedger) MarkProcessed(ctx context.Context, key string, ttl time.Duration) error {
	// 值存处理时间，排障时能看出一条消息是什么时候被消化的
	err := l.client.GetClient().Set(ctx, ledgerPrefix+key, time.Now().Format(time.RFC3339), ttl).Err()
	if err != nil {
		return domain.NewStoreUnavailableError("ledger.markProcessed", err)
	}
	return nil
}
