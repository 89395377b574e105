// Package js 构建带特性分支的脚本模块：has("x") 在构建期按请求特性替换为字面量，
// 请求要求导出模块名时为匿名 define 调用补上模块 ID。
package js

import (
	"context"
	"regexp"
	"sort"
	"strconv"

	"github.com/bundle-hub/bundle-hub/internal/build"
	"github.com/bundle-hub/bundle-hub/internal/builder"
	"github.com/bundle-hub/bundle-hub/internal/keygen"
	"github.com/bundle-hub/bundle-hub/internal/request"
)

const Key = "js"

var (
	hasPattern    = regexp.MustCompile(`\bhas\(\s*["']([A-Za-z0-9_.\-]+)["']\s*\)`)
	definePattern = regexp.MustCompile(`\bdefine\(\s*`)
)

func init() {
	builder.MustRegister(builder.Metadata{
		Key:         Key,
		Description: "script module with build-time has() branching and named define",
		Generators:  []string{keygen.KindExportNames, keygen.KindFeatureSet},
		Factory:     New,
	})
}

// Builder 实现 build.Builder。初始特性集为依赖图声明的全部特性（provisional），
// 构建后收敛为源码中实际引用且已声明的特性。
type Builder struct {
	features builder.FeatureSource
	coerce   bool
}

// New 创建脚本构建器。
func New(s builder.Settings) build.Builder {
	return &Builder{features: s.Features, coerce: s.CoerceUndefined}
}

func (b *Builder) declared(mod *build.Module) []string {
	if b.features != nil {
		if names := b.features.DependentFeatures(mod.ID); len(names) > 0 {
			return names
		}
	}
	return mod.Features
}

func (b *Builder) InitialKeyGenerators(mod *build.Module, _ *request.Context) keygen.List {
	return keygen.List{
		keygen.NewExportNames(),
		keygen.NewFeatureSet(b.declared(mod), true, b.coerce),
	}
}

func (b *Builder) Build(_ context.Context, mod *build.Module, res build.Resource, req *request.Context, gens keygen.List) (*build.Output, error) {
	src, err := builder.ReadSource(res)
	if err != nil {
		return nil, err
	}

	features := b.declared(mod)
	if len(gens) == 2 {
		if fs, ok := gens[1].(*keygen.FeatureSet); ok && !fs.Provisional() {
			features = fs.Features()
		}
	}
	referenced := Referenced(src, features)

	out := b.substitute(src, referenced, req)
	if req.ExportNames {
		out = nameDefine(out, mod.ID)
	}

	result := &build.Output{Content: out}
	if gens.Provisional() {
		result.Generators = keygen.List{
			keygen.NewExportNames(),
			keygen.NewFeatureSet(referenced, false, b.coerce),
		}
	}
	return result, nil
}

// Referenced 返回源码中 has() 引用且属于 declared 的特性，按名称排序。
func Referenced(src []byte, declared []string) []string {
	allowed := make(map[string]struct{}, len(declared))
	for _, name := range declared {
		allowed[name] = struct{}{}
	}
	seen := map[string]struct{}{}
	out := []string{}
	for _, m := range hasPattern.FindAllSubmatch(src, -1) {
		name := string(m[1])
		if _, ok := allowed[name]; !ok {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (b *Builder) substitute(src []byte, features []string, req *request.Context) []byte {
	if len(features) == 0 {
		return append([]byte(nil), src...)
	}
	allowed := make(map[string]struct{}, len(features))
	for _, name := range features {
		allowed[name] = struct{}{}
	}
	return hasPattern.ReplaceAllFunc(src, func(match []byte) []byte {
		name := string(hasPattern.FindSubmatch(match)[1])
		if _, ok := allowed[name]; !ok {
			return match
		}
		value, ok := req.Feature(name)
		if !ok {
			if !b.coerce {
				return match
			}
			value = false
		}
		return []byte(strconv.FormatBool(value))
	})
}

// nameDefine 为第一个匿名 define( 调用补上模块 ID，已命名的保持不变。
func nameDefine(src []byte, id string) []byte {
	loc := definePattern.FindIndex(src)
	if loc == nil {
		return src
	}
	if rest := src[loc[1]:]; len(rest) > 0 && (rest[0] == '"' || rest[0] == '\'') {
		return src
	}
	out := make([]byte, 0, len(src)+len(id)+4)
	out = append(out, src[:loc[1]]...)
	out = append(out, strconv.Quote(id)...)
	out = append(out, ", "...)
	out = append(out, src[loc[1]:]...)
	return out
}
