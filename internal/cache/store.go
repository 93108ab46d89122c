package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/quran-companion/shell-cache/internal/fetch"
)

// Store 管理按 generation 命名的缓存分区。布局由具体驱动决定，例如 fs 驱动：
//
//	<StoragePath>/<partition>/<sha1(key)>.entry
//
// 所有实现都必须支持并发调用。
type Store interface {
	// Open 返回指定名称的分区，不存在时创建。
	Open(ctx context.Context, name string) (Partition, error)

	// Has 判断分区是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Keys 返回所有分区名称（升序）。
	Keys(ctx context.Context) ([]string, error)

	// Delete 删除整个分区及其条目，分区不存在时返回 false。
	Delete(ctx context.Context, name string) (bool, error)

	Close() error
}

// Partition 是单个 generation 的 request → response 映射。
type Partition interface {
	Name() string

	// Match 精确匹配 method+URL，未命中返回 ErrNotFound。
	Match(ctx context.Context, req *fetch.Request) (*fetch.Response, error)

	// Put 消费 resp.Body 并写入单个条目；同键后写覆盖先写。
	Put(ctx context.Context, req *fetch.Request, resp *fetch.Response) error

	// PutAll 批量写入，驱动在能力范围内保证要么全部可见、要么全部不可见。
	PutAll(ctx context.Context, entries []*Entry) error

	// Delete 删除单个条目，不存在时返回 false。
	Delete(ctx context.Context, req *fetch.Request) (bool, error)

	// Keys 返回分区内所有请求键。
	Keys(ctx context.Context) ([]string, error)
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidPartition 表示分区名称非法。
	ErrInvalidPartition = errors.New("invalid partition name")
)

// ValidatePartitionName 拒绝空名称以及包含路径分隔符/控制字符的名称。
func ValidatePartitionName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPartition)
	}
	if name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidPartition, name)
	}
	for _, r := range name {
		if r == '/' || r == '\\' || r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: %q", ErrInvalidPartition, name)
		}
	}
	return nil
}
