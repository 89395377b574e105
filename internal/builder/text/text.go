// Package text 原样输出模块源文件，不依赖任何请求参数。
package text

import (
	"context"

	"github.com/bundle-hub/bundle-hub/internal/build"
	"github.com/bundle-hub/bundle-hub/internal/builder"
	"github.com/bundle-hub/bundle-hub/internal/keygen"
	"github.com/bundle-hub/bundle-hub/internal/request"
)

const Key = "text"

func init() {
	builder.MustRegister(builder.Metadata{
		Key:         Key,
		Description: "verbatim module content, independent of the request",
		Factory:     New,
	})
}

// Builder 实现 build.Builder。
type Builder struct{}

func New(builder.Settings) build.Builder {
	return Builder{}
}

func (Builder) InitialKeyGenerators(*build.Module, *request.Context) keygen.List {
	return keygen.List{}
}

func (Builder) Build(_ context.Context, _ *build.Module, res build.Resource, _ *request.Context, _ keygen.List) (*build.Output, error) {
	src, err := builder.ReadSource(res)
	if err != nil {
		return nil, err
	}
	return &build.Output{Content: src}, nil
}
