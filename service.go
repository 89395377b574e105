package main

import (
	"io"
	"os"
	"regexp"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/bundle-hub/bundle-hub/internal/build"
	"github.com/bundle-hub/bundle-hub/internal/builder"
	"github.com/bundle-hub/bundle-hub/internal/cachemgr"
	"github.com/bundle-hub/bundle-hub/internal/config"
	"github.com/bundle-hub/bundle-hub/internal/deps"
	"github.com/bundle-hub/bundle-hub/internal/derived"
	"github.com/bundle-hub/bundle-hub/internal/logging"
	"github.com/bundle-hub/bundle-hub/internal/resource"
	"github.com/bundle-hub/bundle-hub/internal/server"
	"github.com/bundle-hub/bundle-hub/internal/transport"
	"github.com/bundle-hub/bundle-hub/internal/version"
)

// service 持有缓存管理器与当前配置派生出的运行时对象。配置重新加载时只替换
// 构建缓存容器与模块表；监听端口、缓存目录等启动参数需要重启生效。
type service struct {
	logger  *logrus.Logger
	manager *cachemgr.Manager

	compressor *derived.Compressor
	converter  *derived.Converter
	resources  *resource.Factory

	mu       sync.Mutex
	cfg      *config.Config
	registry atomic.Pointer[server.ModuleRegistry]
}

// runtimeState 是由一份配置推导出的全部对象。
type runtimeState struct {
	graph     *deps.Graph
	registry  *server.ModuleRegistry
	container *build.Cache
	fp        cachemgr.Fingerprints
}

func newService(cfg *config.Config, logger *logrus.Logger) (*service, error) {
	manager, err := cachemgr.New(cfg.ManagerOptions(), logging.Component(logger, "cachemgr"))
	if err != nil {
		return nil, err
	}
	compressor, err := derived.NewCompressor(manager.Resource("gzip", "gzip"), manager.Resource("zstd", "zstd"))
	if err != nil {
		_ = manager.Close()
		return nil, err
	}
	resources, err := resource.NewFactory(cfg.Global.ModuleRoot)
	if err != nil {
		_ = manager.Close()
		return nil, err
	}

	s := &service{
		logger:     logger,
		manager:    manager,
		compressor: compressor,
		converter:  derived.NewConverter(manager.Resource("convert", "conv")),
		resources:  resources,
		cfg:        cfg,
	}

	state, err := s.prepare(cfg)
	if err != nil {
		_ = manager.Close()
		return nil, err
	}
	restored, err := manager.Start(state.fp, state.container)
	if err != nil {
		_ = manager.Close()
		return nil, err
	}
	s.registry.Store(state.registry)

	fields := logging.BaseFields("cache_start", cfg.Path)
	fields["restored"] = restored
	fields["cache_dir"] = cfg.Global.CacheDir
	logger.WithFields(fields).Info("cache_ready")
	return s, nil
}

// prepare 由配置构建依赖图、模块表与新的构建缓存容器，并计算指纹。
func (s *service) prepare(cfg *config.Config) (*runtimeState, error) {
	raw, err := os.ReadFile(cfg.Path)
	if err != nil {
		return nil, err
	}
	graph, err := cfg.DependencyGraph()
	if err != nil {
		return nil, err
	}
	registry, err := server.NewModuleRegistry(cfg, graph)
	if err != nil {
		return nil, err
	}
	resources, err := resource.NewFactory(cfg.Global.ModuleRoot)
	if err != nil {
		return nil, err
	}
	container, err := build.NewCache(build.Options{
		Modules:         cfg.BuildModules(),
		Builders:        builder.NewResolver(cfg.BuilderSettings(graph)),
		Resources:       resources,
		Transport:       transport.Framing{},
		Executors:       s.manager.Executors(),
		BuildWorkers:    cfg.Global.BuildWorkers,
		MaxLayerEntries: cfg.Global.MaxLayerEntries,
		Logger:          logging.Component(s.logger, "build"),
	})
	if err != nil {
		return nil, err
	}

	fp := cfg.Fingerprints(raw, graph)
	fp.CacheBust = cfg.Global.CacheBust + "|" + version.CacheToken()
	return &runtimeState{graph: graph, registry: registry, container: container, fp: fp}, nil
}

// Reload 重新读取配置，指纹变化时以新容器全量清空缓存。
func (s *service) Reload() error {
	s.mu.Lock()
	path := s.cfg.Path
	s.mu.Unlock()

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	state, err := s.prepare(cfg)
	if err != nil {
		return err
	}
	changed, err := s.manager.Refresh(state.fp, func() (*build.Cache, error) {
		return state.container, nil
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.registry.Store(state.registry)

	fields := logging.BaseFields("config_reload", path)
	fields["cache_cleared"] = changed
	fields["modules"] = len(cfg.Modules)
	s.logger.WithFields(fields).Info("config_reloaded")
	return nil
}

// Reset 以当前配置构建新容器并全量清空缓存。
func (s *service) Reset() error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	state, err := s.prepare(cfg)
	if err != nil {
		return err
	}
	s.manager.Clear(state.container)
	s.registry.Store(state.registry)
	return nil
}

func (s *service) Dump(w io.Writer, filter *regexp.Regexp) error {
	return s.manager.Dump(w, filter)
}

// Registry 返回当前模块表。
func (s *service) Registry() *server.ModuleRegistry {
	return s.registry.Load()
}

func (s *service) Close() error {
	return s.manager.Close()
}
