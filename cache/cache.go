// Package cache 按 key（通常是 URL）存取完整字节块的持久缓存。
// 只作为性能优化：缓存整体不可用时调用方必须仍然正确。
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrMiss 缓存未命中
var ErrMiss = errors.New("cache miss")

type Store interface {
	// Get 未命中时返回 ErrMiss
	Get(ctx context.Context, key string) ([]byte, error)
	// Put 一次写入完整数据，同 key 并发写入后写覆盖先写
	Put(ctx context.Context, key string, data []byte) error
}

// Nop 永远未命中、写入丢弃
type Nop struct{}

func (Nop) Get(context.Context, string) ([]byte, error) { return nil, ErrMiss }

func (Nop) Put(context.Context, string, []byte) error { return nil }

// Digest 把任意 key 变成定长的内容地址
func Digest(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
