package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound 表示对象不存在。
var ErrNotFound = errors.New("storage: object not found")

// Writer 定义对象存储写接口，支持流式写入。
type Writer interface {
	Write(ctx context.Context, key string, r io.Reader) (Location, error)
}

// Reader 定义对象存储读接口，支持流式读取。
type Reader interface {
	Read(ctx context.Context, key string) (io.ReadCloser, error)
}

// Deleter 删除对象；对象不存在时视为成功。
type Deleter interface {
	Delete(ctx context.Context, key string) error
}

// Stater 查询对象元信息，不存在时返回 ErrNotFound。
type Stater interface {
	Stat(ctx context.Context, key string) (ObjectInfo, error)
}

// Storage 组合了读、写、删除与元信息查询的完整存储接口。
type Storage interface {
	Writer
	Reader
	Deleter
	Stater
}

// Location 描述已经写入对象的可访问信息。
type Location struct {
	Path string
	URL  string
	Size int64
}

// ObjectInfo 是 Stat 返回的对象元信息。
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}
