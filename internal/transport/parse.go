// Package transport 负责 HTTP 请求与构建引擎之间的转换：解析查询参数为 request.Context，
// 并为层输出提供分帧与键片段。
package transport

import (
	"sort"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/bundle-hub/bundle-hub/internal/request"
)

// 查询参数名。
const (
	ParamModules  = "modules"
	ParamFeatures = "has"
	ParamLocales  = "locales"
	ParamExport   = "expn"
	ParamNoCache  = "nocache"
)

// ParseOptions 是解析请求时使用的服务端设置。
type ParseOptions struct {
	Development bool
}

// FromFiber 从 fiber 请求解析构建上下文；未显式传入 locales 时回退到 Accept-Language。
func FromFiber(c fiber.Ctx, opts ParseOptions) *request.Context {
	req := &request.Context{
		Features:    ParseFeatures(c.Query(ParamFeatures)),
		Locales:     ParseList(c.Query(ParamLocales)),
		ExportNames: parseFlag(c.Query(ParamExport)),
		NoCache:     parseFlag(c.Query(ParamNoCache)),
		Development: opts.Development,
	}
	if len(req.Locales) == 0 {
		req.Locales = ParseAcceptLanguage(c.Get(fiber.HeaderAcceptLanguage))
	}
	return req
}

// ModuleIDs 返回 modules 参数中的模块 ID，保持请求顺序并去重。
func ModuleIDs(c fiber.Ctx) []string {
	return ParseList(c.Query(ParamModules))
}

// ParseFeatures 解析 has=f1*!f2 形式的特性表，"!" 前缀表示 false。
func ParseFeatures(raw string) map[string]bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	out := make(map[string]bool)
	for _, part := range strings.Split(raw, "*") {
		part = strings.TrimSpace(part)
		value := true
		if strings.HasPrefix(part, "!") {
			value = false
			part = strings.TrimSpace(part[1:])
		}
		if part == "" {
			continue
		}
		out[part] = value
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// ParseList 解析逗号分隔的列表，保持顺序并去掉空项与重复项。
func ParseList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	seen := map[string]struct{}{}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if _, dup := seen[part]; dup {
			continue
		}
		seen[part] = struct{}{}
		out = append(out, part)
	}
	return out
}

// ParseAcceptLanguage 按 q 值降序返回语言列表，q=0 的项被丢弃，同权重保持出现顺序。
func ParseAcceptLanguage(header string) []string {
	type weighted struct {
		tag string
		q   float64
	}
	var items []weighted
	for _, part := range strings.Split(header, ",") {
		fields := strings.Split(part, ";")
		tag := strings.TrimSpace(fields[0])
		if tag == "" {
			continue
		}
		q := 1.0
		for _, param := range fields[1:] {
			param = strings.TrimSpace(param)
			if v, ok := strings.CutPrefix(param, "q="); ok {
				if parsed, err := strconv.ParseFloat(v, 64); err == nil {
					q = parsed
				}
			}
		}
		if q <= 0 {
			continue
		}
		items = append(items, weighted{tag: tag, q: q})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].q > items[j].q })

	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.tag)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func parseFlag(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
