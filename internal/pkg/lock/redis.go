// internal/pkg/lock/redis.go
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	pkgredis "mall/internal/pkg/redis"
)

const (
	acquireWriteScript = "lock_acquire_write"
	releaseWriteScript = "lock_release_write"
	acquireReadScript  = "lock_acquire_read"
	releaseReadScript  = "lock_release_read"
)

type ownerKey struct{}

// ownerFromContext 返回当前调用链的持有者标识。
// 同一条调用链内嵌套的 WithLock 复用同一个标识，这就是重入的依据。
func ownerFromContext(ctx context.Context) (string, context.Context) {
	if owner, ok := ctx.Value(ownerKey{}).(string); ok {
		return owner, ctx
	}
	owner := uuid.New().String()
	return owner, context.WithValue(ctx, ownerKey{}, owner)
}

// RedisCoordinator 基于 Redis Lua 脚本的锁协调器。
// 锁是一个 hash：mode=write 时记录持有者和重入计数，mode=read 时记录读者数。
// 每次成功的获取都会刷新租约，持有者崩溃后锁随租约过期。
type RedisCoordinator struct {
	client *pkgredis.Client
	opts   Options
}

// NewRedisCoordinator 创建协调器并预注册全部 Lua 脚本。
func NewRedisCoordinator(client *pkgredis.Client, opts Options) (*RedisCoordinator, error) {
	scripts := map[string]string{
		acquireWriteScript: luaAcquireWrite,
		releaseWriteScript: luaReleaseWrite,
		acquireReadScript:  luaAcquireRead,
		releaseReadScript:  luaReleaseRead,
	}
	for name, content := range scripts {
		if err := client.LoadScriptFromContent(name, content); err != nil {
			return nil, fmt.Errorf("failed to load lock script %s: %w", name, err)
		}
	}
	return &RedisCoordinator{client: client, opts: opts.withDefaults()}, nil
}

func lockKey(key string) string {
	// hashtag 保证 cluster 模式下同一把锁的所有操作落在同一个 slot
	return fmt.Sprintf("mall:lock:{%s}", key)
}

func queueKey(key string) string {
	return fmt.Sprintf("mall:lock:queue:{%s}", key)
}

// WithLock 可重入排他锁。
func (c *RedisCoordinator) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	owner, ctx := ownerFromContext(ctx)
	if err := c.acquire(ctx, acquireWriteScript, key, owner); err != nil {
		return err
	}
	defer c.releaseWrite(key, owner)
	return fn(ctx)
}

// WithFairLock 公平变体：先在等待队列排号，队首才去竞争锁本体。
func (c *RedisCoordinator) WithFairLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	owner, ctx := ownerFromContext(ctx)
	rdb := c.client.GetClient()
	qk := queueKey(key)

	if err := rdb.RPush(ctx, qk, owner).Err(); err != nil {
		return fmt.Errorf("lock: failed to join wait queue for %s: %w", key, err)
	}
	// 队列兜底过期，避免崩溃的等待者永久占号
	rdb.PExpire(ctx, qk, c.opts.WaitTime*4)

	deadline := time.Now().Add(c.opts.WaitTime)
	for {
		head, err := rdb.LIndex(ctx, qk, 0).Result()
		if err == nil && head == owner {
			if ok, aerr := c.tryAcquire(ctx, acquireWriteScript, key, owner); aerr != nil {
				rdb.LRem(ctx, qk, 1, owner)
				return aerr
			} else if ok {
				rdb.LPop(ctx, qk)
				defer c.releaseWrite(key, owner)
				return fn(ctx)
			}
		}
		if time.Now().After(deadline) {
			rdb.LRem(ctx, qk, 1, owner)
			return ErrNotAcquired
		}
		select {
		case <-ctx.Done():
			rdb.LRem(ctx, qk, 1, owner)
			return ctx.Err()
		case <-time.After(c.opts.Retry):
		}
	}
}

// WithReadLock 读写锁的读端。写锁持有者可以重入读。
func (c *RedisCoordinator) WithReadLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	owner, ctx := ownerFromContext(ctx)
	if err := c.acquire(ctx, acquireReadScript, key, owner); err != nil {
		return err
	}
	defer c.releaseRead(key, owner)
	return fn(ctx)
}

// acquire 在 WaitTime 内轮询获取，超时返回 ErrNotAcquired。
func (c *RedisCoordinator) acquire(ctx context.Context, script, key, owner string) error {
	deadline := time.Now().Add(c.opts.WaitTime)
	for {
		ok, err := c.tryAcquire(ctx, script, key, owner)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrNotAcquired
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.opts.Retry):
		}
	}
}

func (c *RedisCoordinator) tryAcquire(ctx context.Context, script, key, owner string) (bool, error) {
	result, err := c.client.RunScript(ctx, script, []string{lockKey(key)}, owner, c.opts.LeaseTime.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("lock: script %s failed for %s: %w", script, key, err)
	}
	code, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("lock: unexpected result type %T from %s", result, script)
	}
	return code == 1, nil
}

// releaseWrite 在独立的后台上下文里释放，调用方的 ctx 取消不能阻止解锁。
func (c *RedisCoordinator) releaseWrite(key, owner string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := c.client.RunScript(ctx, releaseWriteScript, []string{lockKey(key)}, owner)
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("failed to release write lock, lease expiry will reclaim it")
		return
	}
	if code, ok := result.(int64); ok && code == -1 {
		// 锁已经不属于我们：租约先一步过期了。记下来，租约时长可能配小了。
		log.Warn().Str("key", key).Msg("write lock lease expired before release")
	}
}

func (c *RedisCoordinator) releaseRead(key, owner string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := c.client.RunScript(ctx, releaseReadScript, []string{lockKey(key)}, owner); err != nil {
		log.Error().Err(err).Str("key", key).Msg("failed to release read lock, lease expiry will reclaim it")
	}
}

var luaAcquireWrite = `
-- KEYS[1]: 锁的 hash key
-- ARGV[1]: 持有者标识
-- ARGV[2]: 租约毫秒数
local mode = redis.call('hget', KEYS[1], 'mode')
if mode == false then
    redis.call('hset', KEYS[1], 'mode', 'write', 'owner', ARGV[1], 'count', 1)
    redis.call('pexpire', KEYS[1], ARGV[2])
    return 1
end
if mode == 'write' and redis.call('hget', KEYS[1], 'owner') == ARGV[1] then
    -- 同一持有者重入，计数加一并续租
    redis.call('hincrby', KEYS[1], 'count', 1)
    redis.call('pexpire', KEYS[1], ARGV[2])
    return 1
end
return 0
`

var luaReleaseWrite = `
-- 只有持有者本人能释放；重入计数归零才真正删除锁
if redis.call('hget', KEYS[1], 'mode') ~= 'write' or redis.call('hget', KEYS[1], 'owner') ~= ARGV[1] then
    return -1
end
local count = redis.call('hincrby', KEYS[1], 'count', -1)
if count <= 0 then
    redis.call('del', KEYS[1])
    return 1
end
return 0
`

var luaAcquireRead = `
-- 读读共享：无锁或已是读模式时直接加读者计数
local mode = redis.call('hget', KEYS[1], 'mode')
if mode == false then
    redis.call('hset', KEYS[1], 'mode', 'read', 'readers', 1)
    redis.call('pexpire', KEYS[1], ARGV[2])
    return 1
end
if mode == 'read' then
    redis.call('hincrby', KEYS[1], 'readers', 1)
    redis.call('pexpire', KEYS[1], ARGV[2])
    return 1
end
if redis.call('hget', KEYS[1], 'owner') == ARGV[1] then
    return 1
end
return 0
`

var luaReleaseRead = `
-- 写持有者的读重入不占读者计数，这里直接返回
if redis.call('hget', KEYS[1], 'mode') ~= 'read' then
    return 0
end
local readers = redis.call('hincrby', KEYS[1], 'readers', -1)
if readers <= 0 then
    redis.call('del', KEYS[1])
    return 1
end
return 0
`
