// Package deps 提供模块依赖图：每个模块依赖的特性是自身声明与传递依赖声明的并集。
package deps

import (
	"sort"
	"strings"
	"time"

	"go.trai.ch/zerr"
)

// ErrUnknownDependency 表示 Requires 指向了未声明的模块。
var ErrUnknownDependency = zerr.New("unknown module dependency")

// Node 是依赖图中的一个模块声明。
type Node struct {
	ID       string
	Features []string
	Requires []string
}

// Graph 是只读的依赖图，构造后不再变化；配置变化时整体重建。
type Graph struct {
	nodes    map[string]Node
	resolved map[string][]string
	modified time.Time
}

// NewGraph 构建依赖图并预先计算每个模块的特性闭包。modified 参与缓存指纹。
func NewGraph(nodes []Node, modified time.Time) (*Graph, error) {
	g := &Graph{
		nodes:    make(map[string]Node, len(nodes)),
		resolved: make(map[string][]string, len(nodes)),
		modified: modified.UTC(),
	}
	for _, n := range nodes {
		g.nodes[n.ID] = n
	}
	for _, n := range nodes {
		for _, req := range n.Requires {
			if _, ok := g.nodes[req]; !ok {
				return nil, zerr.Wrap(ErrUnknownDependency, n.ID+" -> "+req)
			}
		}
	}
	for id := range g.nodes {
		g.resolved[id] = g.closure(id)
	}
	return g, nil
}

// closure 深度优先收集特性，visited 保证环依赖也能终止。
func (g *Graph) closure(id string) []string {
	visited := map[string]struct{}{}
	set := map[string]struct{}{}
	var walk func(string)
	walk = func(cur string) {
		if _, ok := visited[cur]; ok {
			return
		}
		visited[cur] = struct{}{}
		n := g.nodes[cur]
		for _, f := range n.Features {
			if f = strings.TrimSpace(f); f != "" {
				set[f] = struct{}{}
			}
		}
		for _, req := range n.Requires {
			walk(req)
		}
	}
	walk(id)

	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// DependentFeatures 返回模块及其传递依赖声明的全部特性，按名称排序。
func (g *Graph) DependentFeatures(id string) []string {
	if g == nil {
		return nil
	}
	return append([]string(nil), g.resolved[id]...)
}

// Requires returns the direct dependencies of a module.
func (g *Graph) Requires(id string) []string {
	if g == nil {
		return nil
	}
	return append([]string(nil), g.nodes[id].Requires...)
}

// LastModified 返回依赖图的修改时间。
func (g *Graph) LastModified() time.Time {
	if g == nil {
		return time.Time{}
	}
	return g.modified
}
