package server

import (
	"errors"
	"fmt"
	"sort"

	"github.com/bundle-hub/bundle-hub/internal/builder"
	"github.com/bundle-hub/bundle-hub/internal/config"
	"github.com/bundle-hub/bundle-hub/internal/deps"
)

// ModuleRoute 将模块配置与构建器元数据、依赖特性聚合在一起，供诊断接口直接复用。
type ModuleRoute struct {
	// Config 是 [[Module]] 表的副本，避免外部修改。
	Config config.ModuleConfig
	// Builder 是模块选用的构建器元数据。
	Builder builder.Metadata
	// Features 是依赖图解析出的全部依赖特性。
	Features []string
}

// ModuleRegistry 提供模块名称到 ModuleRoute 的查询能力，配置重新加载时整体重建。
type ModuleRegistry struct {
	routes  map[string]*ModuleRoute
	ordered []*ModuleRoute
}

// NewModuleRegistry 根据配置与依赖图构建模块表。
func NewModuleRegistry(cfg *config.Config, graph *deps.Graph) (*ModuleRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	registry := &ModuleRegistry{
		routes: make(map[string]*ModuleRoute, len(cfg.Modules)),
	}
	for _, mod := range cfg.Modules {
		if _, exists := registry.routes[mod.Name]; exists {
			return nil, fmt.Errorf("module %s 重复", mod.Name)
		}
		meta, ok := builder.Resolve(mod.Builder)
		if !ok {
			return nil, fmt.Errorf("module %s: builder %s is not registered", mod.Name, mod.Builder)
		}
		route := &ModuleRoute{
			Config:   mod,
			Builder:  meta,
			Features: graph.DependentFeatures(mod.Name),
		}
		registry.routes[mod.Name] = route
		registry.ordered = append(registry.ordered, route)
	}
	return registry, nil
}

// Lookup 根据模块名称返回 ModuleRoute。
func (r *ModuleRegistry) Lookup(name string) (*ModuleRoute, bool) {
	if r == nil {
		return nil, false
	}
	route, ok := r.routes[name]
	return route, ok
}

// List 返回按模块名排序的副本，供诊断接口输出。
func (r *ModuleRegistry) List() []ModuleRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}
	result := make([]ModuleRoute, 0, len(r.ordered))
	for _, route := range r.ordered {
		result = append(result, *route)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Config.Name < result[j].Config.Name
	})
	return result
}
