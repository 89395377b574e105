package derived

import (
	"context"
	"encoding/json"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"go.trai.ch/zerr"

	"github.com/bundle-hub/bundle-hub/internal/cache"
)

var (
	// ErrUnsupportedConversion is returned when no converter is registered for the source extension.
	ErrUnsupportedConversion = zerr.New("unsupported conversion")
	// ErrInvalidSource is returned when a converter rejects the source content.
	ErrInvalidSource = zerr.New("invalid conversion source")
)

// Source 是转换输入的只读句柄。
type Source interface {
	LastModified() (time.Time, error)
	Open() (io.ReadCloser, error)
}

// ConvertFunc 将 name 对应的源内容转换为目标格式。
type ConvertFunc func(name string, src []byte) ([]byte, error)

// Converter 按源文件扩展名选择转换函数，结果以目标路径为键缓存。
type Converter struct {
	res *cache.Resource

	mu    sync.RWMutex
	funcs map[string]ConvertFunc
}

// NewConverter 注册内置的 text→js 与 json→js 转换。
func NewConverter(res *cache.Resource) *Converter {
	c := &Converter{res: res, funcs: make(map[string]ConvertFunc)}
	c.Register(".txt", TextModule)
	c.Register(".html", TextModule)
	c.Register(".json", JSONModule)
	return c
}

// Register 为扩展名注册转换函数，重复注册会覆盖。
func (c *Converter) Register(ext string, fn ConvertFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.funcs[strings.ToLower(ext)] = fn
}

// Extensions returns the registered source extensions in sorted order.
func (c *Converter) Extensions() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.funcs))
	for ext := range c.funcs {
		out = append(out, ext)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Supports reports whether a converter exists for the name's extension.
func (c *Converter) Supports(name string) bool {
	_, ok := c.lookup(name)
	return ok
}

func (c *Converter) lookup(name string) (ConvertFunc, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn, ok := c.funcs[strings.ToLower(path.Ext(name))]
	return fn, ok
}

// Convert 返回 target 的转换结果，源文件修改时间变化时重新转换。
func (c *Converter) Convert(ctx context.Context, target, name string, src Source) ([]byte, error) {
	fn, ok := c.lookup(name)
	if !ok {
		return nil, zerr.Wrap(ErrUnsupportedConversion, name)
	}
	lastModified, err := src.LastModified()
	if err != nil {
		return nil, zerr.Wrap(err, "stat conversion source")
	}
	return c.res.Fetch(ctx, target, cache.ModTimeFingerprint(lastModified), func(context.Context) ([]byte, error) {
		rc, err := src.Open()
		if err != nil {
			return nil, zerr.Wrap(err, "open conversion source")
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, zerr.Wrap(err, "read conversion source")
		}
		return fn(name, data)
	})
}

// TextModule 把任意文本包装为默认导出字符串的 JS 模块。
func TextModule(_ string, src []byte) ([]byte, error) {
	quoted, err := json.Marshal(string(src))
	if err != nil {
		return nil, err
	}
	return append(append([]byte("export default "), quoted...), ";\n"...), nil
}

// JSONModule 校验 JSON 并包装为默认导出对象的 JS 模块。
func JSONModule(name string, src []byte) ([]byte, error) {
	if !json.Valid(src) {
		return nil, zerr.Wrap(ErrInvalidSource, name)
	}
	out := append([]byte("export default "), strings.TrimSpace(string(src))...)
	return append(out, ";\n"...), nil
}
