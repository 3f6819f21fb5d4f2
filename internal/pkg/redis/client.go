// internal/pkg/redis/client.go
package redis

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client 封装了 go-redis 客户端和一组按名字注册的 Lua 脚本。
// addrs 传多个地址时走 cluster 模式，单个地址走普通模式。
type Client struct {
	rdb redis.UniversalClient

	mu      sync.RWMutex
	scripts map[string]*redis.Script
}

// NewClient 创建客户端并验证连通性。addrs 格式为 "ip1:port1,ip2:port2"。
func NewClient(addrs string) (*Client, error) {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: strings.Split(addrs, ","),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addrs, err)
	}

	return &Client{
		rdb:     client,
		scripts: make(map[string]*redis.Script),
	}, nil
}

// LoadScriptFromContent 注册一段 Lua 脚本。脚本按内容寻址（EVALSHA），
// 首次执行时自动加载到服务端。
func (c *Client) LoadScriptFromContent(name, content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("script %q is empty", name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripts[name] = redis.NewScript(content)
	return nil
}

// RunScript 执行先前注册的脚本。
func (c *Client) RunScript(ctx context.Context, name string, keys []string, args ...interface{}) (interface{}, error) {
	c.mu.RLock()
	script, ok := c.scripts[name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("script %q is not loaded", name)
	}
	return script.Run(ctx, c.rdb, keys, args...).Result()
}

// GetClient 暴露底层客户端，给需要 pipeline 等原生能力的调用方。
func (c *Client) GetClient() redis.UniversalClient {
	return c.rdb
}

// Close 关闭底层连接。
func (c *Client) Close() error {
	return c.rdb.Close()
}
