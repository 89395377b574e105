package build

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.trai.ch/zerr"
	"golang.org/x/sync/semaphore"

	"github.com/bundle-hub/bundle-hub/internal/cache"
	"github.com/bundle-hub/bundle-hub/internal/keygen"
	"github.com/bundle-hub/bundle-hub/internal/request"
)

// ModuleBuilds 缓存单个模块在不同请求上下文下的构建结果。
type ModuleBuilds struct {
	module    *Module
	builder   Builder
	resources ResourceFactory
	exec      cache.Executors
	pool      *semaphore.Weighted
	log       logrus.FieldLogger
	prefix    string

	index atomic.Pointer[Index]
}

func newModuleBuilds(mod *Module, builder Builder, resources ResourceFactory, exec cache.Executors, pool *semaphore.Weighted, log logrus.FieldLogger) *ModuleBuilds {
	return &ModuleBuilds{
		module:    mod,
		builder:   builder,
		resources: resources,
		exec:      exec,
		pool:      pool,
		log:       log.WithField("module", mod.ID),
		prefix:    cache.SanitizePrefix(mod.ID),
	}
}

// Module returns the module descriptor.
func (m *ModuleBuilds) Module() *Module {
	return m.module
}

// Index returns the current index, nil before the first request.
func (m *ModuleBuilds) Index() *Index {
	return m.index.Load()
}

// current 读取源文件修改时间，必要时整体替换索引并重新获取初始生成器列表。
func (m *ModuleBuilds) current(req *request.Context) (*Index, Resource, error) {
	res, err := m.resources.Resource(m.module)
	if err != nil {
		return nil, nil, zerr.Wrap(err, "resolve module resource")
	}
	lastModified, err := res.LastModified()
	if err != nil {
		return nil, nil, zerr.Wrap(err, "stat module resource")
	}

	for {
		idx := m.index.Load()
		if idx != nil && idx.LastModified().Equal(lastModified) {
			return idx, res, nil
		}
		fresh := NewIndex(lastModified, m.builder.InitialKeyGenerators(m.module, req))
		if !m.index.CompareAndSwap(idx, fresh) {
			continue
		}
		if idx != nil {
			m.retireIndex(idx)
			m.log.WithFields(logrus.Fields{
				"previous": idx.LastModified(),
				"current":  lastModified,
			}).Info("module_index_replaced")
		}
		return fresh, res, nil
	}
}

func (m *ModuleBuilds) retireIndex(idx *Index) {
	for _, file := range idx.retireAll() {
		m.exec.ScheduleDelete(file)
	}
}

// Key 返回该模块在 req 下的当前键，以及键是否来自 provisional 生成器。
func (m *ModuleBuilds) Key(req *request.Context) (key string, provisional bool, lastModified time.Time, err error) {
	idx, _, err := m.current(req)
	if err != nil {
		return "", false, time.Time{}, err
	}
	gens := idx.Generators()
	return gens.Key(req), gens.Provisional(), idx.LastModified(), nil
}

// Get 返回模块构建结果的异步句柄。命中时句柄已完成；未命中时只有发布占位符的
// 请求会触发构建，其余请求等待同一条目。
func (m *ModuleBuilds) Get(ctx context.Context, req *request.Context) *Future {
	idx, res, err := m.current(req)
	if err != nil {
		return failedFuture(err)
	}
	gens := idx.Generators()
	key := gens.Key(req)

	if r := m.hit(idx, key); r != nil {
		return completedFuture(r)
	}

	e, loaded := idx.LoadOrStore(key, newEntry(key))
	if loaded {
		return pendingFuture(e, m.exec.Store())
	}
	go m.run(ctx, idx, e, res, req.Clone(), gens)
	return pendingFuture(e, m.exec.Store())
}

// hit 无阻塞地查找已完成的条目；文件已丢失的条目会被移出索引。
func (m *ModuleBuilds) hit(idx *Index, key string) *Reader {
	return lookupHit(idx, key, m.exec, m.log)
}

func lookupHit(idx *Index, key string, exec cache.Executors, log logrus.FieldLogger) *Reader {
	e := idx.Load(key)
	if e == nil || !e.Done() || e.failure() != nil {
		return nil
	}
	r, err := e.reader(exec.Store(), true)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			log.WithError(err).WithField("key", key).Warn("cache_read_failed")
		}
		if idx.Delete(key, e) {
			exec.ScheduleDelete(e.retire())
		}
		return nil
	}
	return r
}

func (m *ModuleBuilds) run(ctx context.Context, idx *Index, e *Entry, res Resource, req *request.Context, gens keygen.List) {
	ctx = context.WithoutCancel(ctx)
	e.buildMu.Lock()
	defer e.buildMu.Unlock()
	if e.Done() {
		return
	}

	if err := m.pool.Acquire(ctx, 1); err != nil {
		idx.Delete(e.Key(), e)
		e.fail(err)
		return
	}
	start := time.Now()
	out, err := m.builder.Build(ctx, m.module, res, req, gens)
	m.pool.Release(1)

	if err != nil {
		m.log.WithError(err).WithField("key", e.Key()).Error("module_build_failed")
		if !req.Development {
			idx.Delete(e.Key(), e)
			e.fail(errors.Join(ErrBuildFailed, zerr.Wrap(err, "build module "+m.module.ID)))
			return
		}
		out = &Output{Content: inlineDiagnostic(m.module.ID, err), IsError: true}
	}
	if out == nil {
		out = &Output{}
	}

	key := e.Key()
	indexed := true
	if gens.Provisional() && !out.IsError {
		key, indexed = m.promote(idx, e, req, out.Generators)
	}
	e.complete(out.Content, out.IsError)

	m.log.WithFields(logrus.Fields{
		"key":         key,
		"is_error":    out.IsError,
		"size":        len(out.Content),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("module_build_complete")

	switch {
	case out.IsError, req.NoCache:
		idx.Delete(key, e)
	case !indexed:
	default:
		persistEntry(m.exec, m.prefix, idx, e)
	}
}

// promote 将 provisional 键下的条目迁移到 final 键，返回最终键以及条目是否仍被索引引用。
func (m *ModuleBuilds) promote(idx *Index, e *Entry, req *request.Context, refined keygen.List) (string, bool) {
	from := e.Key()
	if refined == nil {
		m.log.WithField("key", from).Warn("module_generators_not_refined")
		return from, true
	}
	if refined.Provisional() {
		panic(fmt.Sprintf("build: builder for module %s returned provisional generators %s", m.module.ID, refined))
	}
	to := idx.Refine(refined).Key(req)
	if to == from {
		return from, true
	}
	moved := idx.Relocate(from, to, e)
	m.log.WithFields(logrus.Fields{"from": from, "to": to, "moved": moved}).Debug("module_key_promoted")
	if !moved {
		return from, false
	}
	return to, true
}

// persistEntry 异步落盘；写入失败时条目移出索引，不再占用内存，下一次请求重新构建。
func persistEntry(exec cache.Executors, prefix string, idx *Index, e *Entry) {
	exec.Persist(prefix, e.bytes(), func(file cache.File, err error) {
		if err != nil {
			idx.Delete(e.Key(), e)
			return
		}
		if !e.attach(file.Name) {
			exec.ScheduleDelete(file.Name)
		}
	})
}

// inlineDiagnostic 在开发模式下把构建错误渲染为注释，使响应的其余部分仍然可用。
func inlineDiagnostic(id string, err error) []byte {
	msg := strings.ReplaceAll(err.Error(), "*/", "* /")
	return []byte(fmt.Sprintf("/* bundle-hub build error in module %q: %s */\n", id, msg))
}
