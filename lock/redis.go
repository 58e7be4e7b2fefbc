package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLock Redis 分布式锁实现（SETNX + token 校验）
type RedisLock struct {
	client *redis.Client
	prefix string

	mu     sync.Mutex
	tokens map[string]string // key -> 本实例持有的 token
}

// NewRedisLock 创建 Redis 分布式锁
func NewRedisLock(client *redis.Client, prefix string) *RedisLock {
	return &RedisLock{
		client: client,
		prefix: prefix,
		tokens: make(map[string]string),
	}
}

// generateToken 为每次加锁生成唯一 token
func generateToken() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// Lock 获取锁，阻塞直到成功或 ctx 取消
func (r *RedisLock) Lock(ctx context.Context, key string, ttl time.Duration) error {
	// 先立即尝试一次，失败后轮询
	if ok, err := r.TryLock(ctx, key, ttl); err != nil || ok {
		return err
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			ok, err := r.TryLock(ctx, key, ttl)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
		}
	}
}

// TryLock 尝试获取锁，立即返回
func (r *RedisLock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	token := generateToken()

	ok, err := r.client.SetNX(ctx, r.prefix+key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx 失败: %w", err)
	}

	if ok {
		r.mu.Lock()
		r.tokens[key] = token
		r.mu.Unlock()
	}
	return ok, nil
}

// unlockScript 只有持有 token 的实例才能删除锁
var unlockScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Unlock 释放锁
func (r *RedisLock) Unlock(ctx context.Context, key string) error {
	r.mu.Lock()
	token, exists := r.tokens[key]
	r.mu.Unlock()
	if !exists {
		return fmt.Errorf("未持有锁: %s", key)
	}

	result, err := unlockScript.Run(ctx, r.client, []string{r.prefix + key}, token).Result()
	if err != nil {
		return fmt.Errorf("redis eval 失败: %w", err)
	}

	r.mu.Lock()
	delete(r.tokens, key)
	r.mu.Unlock()

	if result.(int64) == 0 {
		return fmt.Errorf("锁已过期或被他人持有: %s", key)
	}
	return nil
}

// extendScript 只有持有 token 的实例才能延期
var extendScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("expire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// Extend 延长锁的过期时间
func (r *RedisLock) Extend(ctx context.Context, key string, ttl time.Duration) error {
	r.mu.Lock()
	token, exists := r.tokens[key]
	r.mu.Unlock()
	if !exists {
		return fmt.Errorf("未持有锁: %s", key)
	}

	result, err := extendScript.Run(ctx, r.client, []string{r.prefix + key}, token, int(ttl.Seconds())).Result()
	if err != nil {
		return fmt.Errorf("redis eval 失败: %w", err)
	}

	if result.(int64) == 0 {
		return fmt.Errorf("锁已过期或被他人持有: %s", key)
	}
	return nil
}

// Close 关闭 Redis 连接
func (r *RedisLock) Close() error {
	return r.client.Close()
}

// Ping 检查 Redis 连接
func (r *RedisLock) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
