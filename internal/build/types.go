package build

import (
	"context"
	"io"
	"time"

	"github.com/bundle-hub/bundle-hub/internal/keygen"
	"github.com/bundle-hub/bundle-hub/internal/request"
)

// Module 描述一个可独立构建的源模块。
type Module struct {
	ID       string
	Path     string
	Builder  string
	Features []string
	Locales  []string
}

// Resource 是模块源文件的只读句柄。
type Resource interface {
	URI() string
	LastModified() (time.Time, error)
	Open() (io.ReadCloser, error)
}

// ResourceFactory 将模块解析为源文件句柄。
type ResourceFactory interface {
	Resource(mod *Module) (Resource, error)
}

// Output 是一次模块构建的结果。输入的生成器列表为 provisional 时，
// Generators 必须是检查内容后得到的 final 列表，且与输入等长、类型一一对应。
type Output struct {
	Content    []byte
	IsError    bool
	Generators keygen.List
}

// Builder 是模块构建器，缓存引擎只通过该接口调用具体的转换逻辑。
type Builder interface {
	// InitialKeyGenerators 返回仅依据请求信息构造的生成器列表，可以是 provisional。
	InitialKeyGenerators(mod *Module, req *request.Context) keygen.List
	// Build 构建模块内容。
	Build(ctx context.Context, mod *Module, res Resource, req *request.Context, gens keygen.List) (*Output, error)
}

// BuilderResolver 根据模块声明选择构建器。
type BuilderResolver interface {
	Builder(mod *Module) (Builder, error)
}

// Transport 为层贡献键片段与输出分帧。
type Transport interface {
	KeyFragment(req *request.Context) string
	LayerPrologue(req *request.Context, ids []string) []byte
	LayerEpilogue(req *request.Context) []byte
	ModuleFraming(id string, req *request.Context) (prefix, suffix []byte)
}
