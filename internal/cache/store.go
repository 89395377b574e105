package cache

import (
	"context"
	"io"
	"time"

	"go.trai.ch/zerr"
)

// MetadataFile 是快照文件名，与内容文件位于同一目录。
const MetadataFile = "cache.metadata"

// FileSuffix 为所有内容文件的统一后缀。
const FileSuffix = ".cache"

// Store 负责管理磁盘缓存目录。目录布局是扁平的：
//
//	<CacheDir>/cache.metadata             # 元数据快照
//	<CacheDir>/<prefix>.<random>.cache    # 内容文件
//
// prefix 用于识别写入方（模块名片段、压缩、格式转换）。
type Store interface {
	// Dir 返回缓存目录的绝对路径。
	Dir() string

	// Create 以随机文件名写入新的内容文件，通过临时文件 + rename 保证原子性。
	Create(ctx context.Context, prefix string, body io.Reader) (*File, error)

	// WriteFile 以固定文件名原子替换文件，用于元数据快照。
	WriteFile(ctx context.Context, name string, body io.Reader) (*File, error)

	// Open 返回一个可流式读取的文件。若不存在则返回 ErrNotFound。
	Open(name string) (*ReadResult, error)

	// ReadFile 读取完整文件内容。
	ReadFile(name string) ([]byte, error)

	// Remove 删除文件，文件不存在视为成功。
	Remove(name string) error

	// List 返回目录下全部内容文件。
	List() ([]File, error)

	// Wipe 清空目录下的全部文件，包括元数据快照与残留临时文件。
	Wipe() error
}

// File 描述磁盘上的一个文件。
type File struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	ModTime   time.Time `json:"mod_time"`
}

// ReadResult 组合 File 与正文 Reader，便于上层直接流式返回。
type ReadResult struct {
	File   File
	Reader io.ReadSeekCloser
}

var (
	// ErrNotFound 表示缓存文件不存在。
	ErrNotFound = zerr.New("cache file not found")
	// ErrInvalidName 表示文件名包含路径分隔符或为空。
	ErrInvalidName = zerr.New("invalid cache file name")
	// ErrPersistFailed 表示异步持久化失败，内存中的结果不受影响。
	ErrPersistFailed = zerr.New("cache persistence failed")
	// ErrClosed 表示后台设施已关闭。
	ErrClosed = zerr.New("cache executors closed")
)
