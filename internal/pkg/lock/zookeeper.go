// internal/pkg/lock/zookeeper.go
package lock

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/rs/zerolog/log"
)

const (
	zkLockRoot  = "/mall_locks" // 所有分布式锁的根节点
	writePrefix = "write-"
	readPrefix  = "read-"
)

// ZKCoordinator 基于 ZooKeeper 临时顺序节点的锁协调器。
// 顺序节点天然按创建顺序排队，所以这个后端的排他锁本身就是公平锁。
// 租约由会话超时承担：持有者崩溃后会话失效，临时节点自动删除。
// 不支持重入计数，嵌套获取同一把锁会排在自己后面死等，调用方需避免。
type ZKCoordinator struct {
	conn *zk.Conn
	opts Options
}

// NewZKCoordinator 连接 ZooKeeper 集群并确保锁根节点存在。
func NewZKCoordinator(servers []string, sessionTimeout time.Duration, opts Options) (*ZKCoordinator, error) {
	conn, _, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("lock: failed to connect zookeeper: %w", err)
	}
	c := &ZKCoordinator{conn: conn, opts: opts.withDefaults()}
	if err := c.ensurePath(zkLockRoot); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// Close 关闭会话，所有持有的临时节点随之删除。
func (c *ZKCoordinator) Close() {
	c.conn.Close()
}

func (c *ZKCoordinator) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return c.withNode(ctx, key, writePrefix, fn)
}

// WithFairLock 与 WithLock 相同：顺序节点协议本身就是 FIFO。
func (c *ZKCoordinator) WithFairLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return c.withNode(ctx, key, writePrefix, fn)
}

func (c *ZKCoordinator) WithReadLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return c.withNode(ctx, key, readPrefix, fn)
}

// withNode 实现经典的 ZooKeeper 锁配方：
// 在锁路径下创建临时顺序节点，读节点只需等待序号更小的写节点，
// 写节点等待任何序号更小的节点；等待时只 watch 最近的前驱，避免惊群。
func (c *ZKCoordinator) withNode(ctx context.Context, key, prefix string, fn func(ctx context.Context) error) error {
	lockPath := zkLockRoot + "/" + key
	if err := c.ensurePath(lockPath); err != nil {
		return err
	}

	nodePath, err := c.conn.CreateProtectedEphemeralSequential(lockPath+"/"+prefix, []byte(""), zk.WorldACL(zk.PermAll))
	if err != nil {
		return fmt.Errorf("lock: failed to create sequential node: %w", err)
	}
	defer func() {
		if derr := c.conn.Delete(nodePath, -1); derr != nil && derr != zk.ErrNoNode {
			log.Error().Err(derr).Str("node", nodePath).Msg("failed to delete lock node, session expiry will reclaim it")
		}
	}()

	deadline := time.Now().Add(c.opts.WaitTime)
	myName := strings.TrimPrefix(nodePath, lockPath+"/")
	mySeq := seqOf(myName)

	for {
		children, _, err := c.conn.Children(lockPath)
		if err != nil {
			return fmt.Errorf("lock: failed to list children of %s: %w", lockPath, err)
		}
		sort.Slice(children, func(i, j int) bool { return seqOf(children[i]) < seqOf(children[j]) })

		// 找到需要等待的最近前驱
		var waitFor string
		for _, child := range children {
			if seqOf(child) >= mySeq {
				break
			}
			if prefix == readPrefix && !strings.Contains(child, writePrefix) {
				continue // 读锁不等别的读者
			}
			waitFor = child
		}
		if waitFor == "" {
			return fn(ctx)
		}

		exists, _, eventChan, err := c.conn.ExistsW(lockPath + "/" + waitFor)
		if err != nil {
			return fmt.Errorf("lock: failed to watch predecessor: %w", err)
		}
		if !exists {
			continue // 前驱在 watch 建立前就释放了，重新检查
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrNotAcquired
		}
		select {
		case <-eventChan:
			// 前驱变化（通常是删除），回到循环重新竞争
		case <-time.After(remaining):
			return ErrNotAcquired
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ensurePath 逐级创建持久父节点，生产环境通常由初始化脚本完成。
func (c *ZKCoordinator) ensurePath(path string) error {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	current := ""
	for _, part := range parts {
		current += "/" + part
		exists, _, err := c.conn.Exists(current)
		if err != nil {
			return fmt.Errorf("lock: failed to check node %s: %w", current, err)
		}
		if exists {
			continue
		}
		if _, err := c.conn.Create(current, []byte(""), 0, zk.WorldACL(zk.PermAll)); err != nil && err != zk.ErrNodeExists {
			return fmt.Errorf("lock: failed to create node %s: %w", current, err)
		}
	}
	return nil
}

// seqOf 取出顺序节点名末尾的 10 位序号。protected 节点的名字形如
// _c_<guid>-write-0000000003。
func seqOf(name string) int {
	if len(name) < 10 {
		return -1
	}
	seq, err := strconv.Atoi(name[len(name)-10:])
	if err != nil {
		return -1
	}
	return seq
}
