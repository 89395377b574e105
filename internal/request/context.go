// Package request 描述一次构建请求携带的上下文（特性开关、语言列表、输出选项），
// 缓存键生成器只允许读取这里的字段，保证键是请求上下文的纯函数。
package request

import (
	"sort"
	"strings"
)

// Context 是 transport 层解析后的请求参数，构建过程中只读。
type Context struct {
	// Features 记录请求声明的特性开关，缺失的键表示未声明。
	Features map[string]bool
	// Locales 保持请求顺序，例如 Accept-Language 解析后的列表。
	Locales []string
	// ExportNames 要求构建结果带上模块名称。
	ExportNames bool
	// NoCache 表示本次请求不应写入磁盘缓存。
	NoCache bool
	// Development 为开发模式，构建错误会以内联诊断形式输出。
	Development bool
}

// Feature 返回特性值以及请求中是否声明了该特性。
func (c *Context) Feature(name string) (value bool, ok bool) {
	if c == nil || c.Features == nil {
		return false, false
	}
	value, ok = c.Features[name]
	return value, ok
}

// Clone 深拷贝上下文，供后台构建协程脱离请求生命周期使用。
func (c *Context) Clone() *Context {
	if c == nil {
		return &Context{}
	}
	out := *c
	if c.Features != nil {
		out.Features = make(map[string]bool, len(c.Features))
		for k, v := range c.Features {
			out.Features[k] = v
		}
	}
	out.Locales = append([]string(nil), c.Locales...)
	return &out
}

// String renders the context in a stable order for logs.
func (c *Context) String() string {
	if c == nil {
		return "{}"
	}
	names := make([]string, 0, len(c.Features))
	for name := range c.Features {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("{has:")
	for i, name := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		if !c.Features[name] {
			b.WriteByte('!')
		}
		b.WriteString(name)
	}
	b.WriteString(" loc:")
	b.WriteString(strings.Join(c.Locales, ","))
	if c.ExportNames {
		b.WriteString(" expn")
	}
	if c.NoCache {
		b.WriteString(" nocache")
	}
	if c.Development {
		b.WriteString(" dev")
	}
	b.WriteByte('}')
	return b.String()
}
