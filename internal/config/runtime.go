package config

import (
	"github.com/bundle-hub/bundle-hub/internal/build"
	"github.com/bundle-hub/bundle-hub/internal/builder"
	"github.com/bundle-hub/bundle-hub/internal/cachemgr"
	"github.com/bundle-hub/bundle-hub/internal/deps"
)

// BuildModules 将 [[Module]] 表转换为构建引擎使用的模块描述。
func (c *Config) BuildModules() []*build.Module {
	mods := make([]*build.Module, 0, len(c.Modules))
	for _, m := range c.Modules {
		mods = append(mods, &build.Module{
			ID:       m.Name,
			Path:     m.Path,
			Builder:  m.Builder,
			Features: append([]string(nil), m.Features...),
			Locales:  append([]string(nil), m.Locales...),
		})
	}
	return mods
}

// DependencyGraph 由模块声明构建依赖图，配置文件的修改时间作为图的时间戳。
func (c *Config) DependencyGraph() (*deps.Graph, error) {
	nodes := make([]deps.Node, 0, len(c.Modules))
	for _, m := range c.Modules {
		nodes = append(nodes, deps.Node{
			ID:       m.Name,
			Features: m.Features,
			Requires: m.Requires,
		})
	}
	return deps.NewGraph(nodes, c.ModTime)
}

// BuilderSettings 返回构建器共享的运行参数。
func (c *Config) BuilderSettings(graph *deps.Graph) builder.Settings {
	return builder.Settings{
		Features:         graph,
		CoerceUndefined:  c.Global.CoerceUndefinedToFalse,
		AvailableLocales: append([]string(nil), c.Global.AvailableLocales...),
	}
}

// Fingerprints 计算缓存指纹；raw 为配置文件原始内容。
func (c *Config) Fingerprints(raw []byte, graph *deps.Graph) cachemgr.Fingerprints {
	return cachemgr.ComputeFingerprints(raw, graph.LastModified(), c.Global.Options, c.Global.CacheBust)
}

// ManagerOptions 返回缓存管理器参数。
func (c *Config) ManagerOptions() cachemgr.Options {
	return cachemgr.Options{
		Dir:              c.Global.CacheDir,
		CreateWorkers:    c.Global.CreateWorkers,
		DeleteDelay:      c.Global.DeleteDelay.DurationValue(),
		SnapshotSchedule: c.Global.SnapshotSchedule,
	}
}
