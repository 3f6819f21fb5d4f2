// internal/pkg/lock/lock.go
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrNotAcquired 在 waitTime 内没有拿到锁。
// 这是瞬时错误：调用方保持现场不动，交给消息重投再来一次。
var ErrNotAcquired = errors.New("lock: not acquired within wait time")

// Coordinator 提供按资源键的互斥，把临界区做成显式的高阶函数，
// 锁的边界在调用点一眼可见。fn 在持锁期间执行，任何退出路径都保证释放；
// 持有者崩溃时租约到期自动解锁，把脏持有时间限制在 leaseTime 内。
type Coordinator interface {
	// WithLock 可重入排他锁（默认变体）。
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
	// WithFairLock 公平排他锁，等待者按 FIFO 顺序获得锁。
	WithFairLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
	// WithReadLock 读写锁的读端：读读共享，读写互斥。
	// 用于需要一致快照的查询，不阻塞其它读者。
	WithReadLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// Options 锁的等待与租约参数，由启动配置注入。
type Options struct {
	WaitTime  time.Duration // 获取锁的最长等待时间
	LeaseTime time.Duration // 租约时长，持有者崩溃后的自动过期兜底
	Retry     time.Duration // 等待期间的轮询间隔
}

// DefaultOptions 秒级等待、短租约，临界区本身是一次单行读写，耗时毫秒级。
func DefaultOptions() Options {
	return Options{
		WaitTime:  3 * time.Second,
		LeaseTime: 10 * time.Second,
		Retry:     50 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.WaitTime <= 0 {
		o.WaitTime = d.WaitTime
	}
	if o.LeaseTime <= 0 {
		o.LeaseTime = d.LeaseTime
	}
	if o.Retry <= 0 {
		o.Retry = d.Retry
	}
	return o
}
