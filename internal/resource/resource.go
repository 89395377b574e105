// Package resource 将模块路径解析为模块根目录下的只读文件句柄。
package resource

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.trai.ch/zerr"

	"github.com/bundle-hub/bundle-hub/internal/build"
)

var (
	// ErrOutsideRoot 表示模块路径越过了根目录。
	ErrOutsideRoot = zerr.New("resource path escapes module root")
	// ErrEmptyPath 表示模块未声明源文件路径。
	ErrEmptyPath = zerr.New("module path is empty")
)

// Factory 以 Root 为基准定位模块源文件，实现 build.ResourceFactory。
type Factory struct {
	root string
}

// NewFactory 创建文件资源工厂，root 会被转换为绝对路径。
func NewFactory(root string) (*Factory, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, zerr.Wrap(err, "resolve module root")
	}
	return &Factory{root: abs}, nil
}

// Root returns the absolute module root directory.
func (f *Factory) Root() string {
	return f.root
}

// Resource 解析模块路径；返回的句柄每次访问都会重新读取文件状态。
func (f *Factory) Resource(mod *build.Module) (build.Resource, error) {
	if mod == nil || strings.TrimSpace(mod.Path) == "" {
		return nil, ErrEmptyPath
	}
	path, err := f.Path(mod.Path)
	if err != nil {
		return nil, err
	}
	return &File{path: path}, nil
}

// Path 将相对路径拼接到根目录下，拒绝 ".." 越界。
func (f *Factory) Path(rel string) (string, error) {
	clean := filepath.Clean("/" + filepath.ToSlash(rel))
	full := filepath.Join(f.root, filepath.FromSlash(clean))
	if full != f.root && !strings.HasPrefix(full, f.root+string(filepath.Separator)) {
		return "", zerr.Wrap(ErrOutsideRoot, rel)
	}
	return full, nil
}

// File 是磁盘上的模块源文件。
type File struct {
	path string
}

// NewFile wraps an absolute path as a build resource.
func NewFile(path string) *File {
	return &File{path: path}
}

func (f *File) URI() string {
	return "file://" + filepath.ToSlash(f.path)
}

// LastModified 返回文件 mtime（UTC）。
func (f *File) LastModified() (time.Time, error) {
	info, err := os.Stat(f.path)
	if err != nil {
		return time.Time{}, zerr.Wrap(err, "stat "+f.path)
	}
	return info.ModTime().UTC(), nil
}

func (f *File) Open() (io.ReadCloser, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return nil, zerr.Wrap(err, "open "+f.path)
	}
	return file, nil
}
