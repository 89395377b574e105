package keygen

import (
	"fmt"
	"strings"

	"github.com/bundle-hub/bundle-hub/internal/request"
)

// Generator 从请求上下文生成缓存键片段。实现必须是不可变的指针类型，
// Combine 依赖指针相等判断“未发生变化”。
type Generator interface {
	// Key 生成 eyecatcher + 载荷，只能读取 req 与自身状态。
	Key(req *request.Context) string
	// Combine 返回对两者适用范围并集都有效的生成器；无变化时返回接收者本身。
	// 两个 provisional 生成器相互合并属于编程错误，会 panic。
	Combine(other Generator) Generator
	// Provisional 表示该生成器仅依据请求信息构造，尚未经过内容检查。
	Provisional() bool
	// Constituents 将组合生成器拆解为有序的身份生成器列表。
	Constituents(req *request.Context) []Generator
	String() string
}

// List 是绑定到单个模块或层贡献的有序生成器序列。
type List []Generator

// Key 以 ";" 连接各生成器输出，跳过空键。
func (l List) Key(req *request.Context) string {
	if len(l) == 0 {
		return ""
	}
	parts := make([]string, 0, len(l))
	for _, g := range l {
		if g == nil {
			continue
		}
		if key := g.Key(req); key != "" {
			parts = append(parts, key)
		}
	}
	return strings.Join(parts, ";")
}

// Provisional 只要有一个元素仍是 provisional 即返回 true。
func (l List) Provisional() bool {
	for _, g := range l {
		if g != nil && g.Provisional() {
			return true
		}
	}
	return false
}

// Same reports whether both lists hold the identical generator instances.
func (l List) Same(other List) bool {
	if len(l) != len(other) {
		return false
	}
	for i := range l {
		if l[i] != other[i] {
			return false
		}
	}
	return true
}

func (l List) String() string {
	parts := make([]string, len(l))
	for i, g := range l {
		if g == nil {
			parts[i] = "<nil>"
			continue
		}
		parts[i] = g.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// CombineLists 按位置合并两个等长列表。没有任何元素发生变化时返回 a 本身，
// 调用方可以据此判断是否需要替换模块当前的生成器列表。
func CombineLists(a, b List) List {
	if b == nil {
		return a
	}
	if a == nil {
		return b
	}
	if len(a) != len(b) {
		panic(fmt.Sprintf("keygen: cannot combine lists of different length (%d vs %d)", len(a), len(b)))
	}

	var out List
	for i := range a {
		combined := combineOne(a[i], b[i])
		if combined == a[i] {
			continue
		}
		if out == nil {
			out = make(List, len(a))
			copy(out, a)
		}
		out[i] = combined
	}
	if out == nil {
		return a
	}
	return out
}

func combineOne(a, b Generator) Generator {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	default:
		return a.Combine(b)
	}
}

// Constituents 展开整个列表的身份生成器，供层聚合按类型两两合并。
func Constituents(l List, req *request.Context) []Generator {
	var out []Generator
	for _, g := range l {
		if g == nil {
			continue
		}
		out = append(out, g.Constituents(req)...)
	}
	return out
}

// mustSameType 校验 Combine 的前置条件：两个操作数必须是同一具体类型。
func mustSameType[T Generator](recv T, other Generator) T {
	typed, ok := other.(T)
	if !ok {
		panic(fmt.Sprintf("keygen: cannot combine %T with %T", recv, other))
	}
	return typed
}

func panicBothProvisional(g Generator) {
	panic(fmt.Sprintf("keygen: cannot combine two provisional generators (%s)", g))
}
