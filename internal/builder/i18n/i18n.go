// Package i18n 构建语言资源包：源文件是以语言为键的 JSON 对象，输出只保留请求解析出的语言。
package i18n

import (
	"context"
	"encoding/json"
	"strings"

	"go.trai.ch/zerr"

	"github.com/bundle-hub/bundle-hub/internal/build"
	"github.com/bundle-hub/bundle-hub/internal/builder"
	"github.com/bundle-hub/bundle-hub/internal/keygen"
	"github.com/bundle-hub/bundle-hub/internal/request"
)

const (
	Key        = "i18n"
	eyecatcher = "i18n"
)

// ErrInvalidBundle 表示源文件不是以语言为键的 JSON 对象。
var ErrInvalidBundle = zerr.New("invalid locale bundle")

func init() {
	builder.MustRegister(builder.Metadata{
		Key:         Key,
		Description: "locale bundle filtered by the negotiated locale list",
		Generators:  []string{keygen.KindComposite, keygen.KindLocaleSet},
		Factory:     New,
	})
}

// Builder 实现 build.Builder。
type Builder struct {
	available []string
}

// New 创建语言资源构建器，模块未声明 Locales 时使用全局可用语言。
func New(s builder.Settings) build.Builder {
	return &Builder{available: s.AvailableLocales}
}

func (b *Builder) locales(mod *build.Module) []string {
	if len(mod.Locales) > 0 {
		return mod.Locales
	}
	return b.available
}

func (b *Builder) InitialKeyGenerators(mod *build.Module, _ *request.Context) keygen.List {
	return keygen.List{
		keygen.NewComposite(eyecatcher, keygen.NewLocaleSet(b.locales(mod), false)),
	}
}

func (b *Builder) Build(_ context.Context, mod *build.Module, res build.Resource, req *request.Context, gens keygen.List) (*build.Output, error) {
	src, err := builder.ReadSource(res)
	if err != nil {
		return nil, err
	}
	var bundle map[string]json.RawMessage
	if err := json.Unmarshal(src, &bundle); err != nil {
		return nil, zerr.Wrap(ErrInvalidBundle, mod.ID+": "+err.Error())
	}

	set := localeSet(gens, req)
	if set == nil {
		set = keygen.NewLocaleSet(b.locales(mod), false)
	}

	selected := make(map[string]json.RawMessage)
	resolved := set.Resolve(req)
	if len(resolved) == 1 && resolved[0] == "*" {
		for loc, msgs := range bundle {
			selected[normalize(loc)] = msgs
		}
	} else {
		byLocale := make(map[string]json.RawMessage, len(bundle))
		for loc, msgs := range bundle {
			byLocale[normalize(loc)] = msgs
		}
		for _, loc := range resolved {
			if msgs, ok := byLocale[loc]; ok {
				selected[loc] = msgs
			}
		}
	}

	out, err := json.Marshal(selected)
	if err != nil {
		return nil, zerr.Wrap(err, "encode locale bundle "+mod.ID)
	}
	return &build.Output{Content: out}, nil
}

func localeSet(gens keygen.List, req *request.Context) *keygen.LocaleSet {
	for _, g := range keygen.Constituents(gens, req) {
		if ls, ok := g.(*keygen.LocaleSet); ok {
			return ls
		}
	}
	return nil
}

func normalize(loc string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(loc)), "_", "-")
}
