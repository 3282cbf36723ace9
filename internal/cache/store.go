package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// Storage 对应平台的 CacheStorage：按名称打开、枚举、删除分区。
type Storage interface {
	// Open 打开名为 name 的分区，不存在时创建。
	Open(ctx context.Context, name string) (Partition, error)

	// Names 按创建顺序返回所有分区名称。
	Names(ctx context.Context) ([]string, error)

	// Delete 整体删除分区，返回该分区此前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Match 按创建顺序在所有分区中查找 key，均未命中时返回 ErrNotFound。
	Match(ctx context.Context, key Key) (*Response, error)

	Close() error
}

// Partition 是一个命名的请求 → 响应存储。
type Partition interface {
	Name() string

	// Match 返回 key 对应响应的独立副本；不存在时返回 ErrNotFound。
	Match(ctx context.Context, key Key) (*Response, error)

	// Put 以 key 覆盖写入响应（后写者胜出）。206 响应会被拒绝。
	Put(ctx context.Context, key Key, resp *Response) error

	// PutAll 批量写入：要么全部可见，要么全部不写。
	PutAll(ctx context.Context, entries []Entry) error

	// Keys 返回分区内全部条目的 key，顺序不作保证。
	Keys(ctx context.Context) ([]Key, error)
}

// Entry 是 PutAll 的写入单元。
type Entry struct {
	Key      Key
	Response *Response
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidPartitionName 表示分区名包含非法字符。
	ErrInvalidPartitionName = errors.New("invalid partition name")
	// ErrPartialContent 表示尝试写入 206 响应。
	ErrPartialContent = errors.New("partial content responses cannot be stored")
)

var partitionNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidatePartitionName 校验分区名，磁盘驱动直接把它用作目录名。
func ValidatePartitionName(name string) error {
	if !partitionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidPartitionName, name)
	}
	return nil
}

func validateEntry(key Key, resp *Response) error {
	if key.URL == "" {
		return errors.New("cache key url required")
	}
	if resp == nil {
		return errors.New("cache response required")
	}
	if resp.StatusCode == http.StatusPartialContent {
		return ErrPartialContent
	}
	return nil
}

// matchAll 是各驱动共享的跨分区查找实现。
func matchAll(ctx context.Context, s Storage, key Key) (*Response, error) {
	names, err := s.Names(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		part, err := s.Open(ctx, name)
		if err != nil {
			return nil, err
		}
		resp, err := part.Match(ctx, key)
		switch {
		case err == nil:
			return resp, nil
		case errors.Is(err, ErrNotFound):
			continue
		default:
			return nil, err
		}
	}
	return nil, ErrNotFound
}

// NewStorage 根据驱动名称构建存储实例，path 对 memory 驱动无意义。
func NewStorage(driver, path string) (Storage, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverFile:
		return NewFileStorage(path)
	case DriverSQLite:
		return NewSQLiteStorage(path)
	case DriverMemory:
		return NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
}

// 支持的存储驱动。
const (
	DriverFile   = "file"
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)
