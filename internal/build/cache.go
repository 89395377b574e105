package build

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.trai.ch/zerr"
	"golang.org/x/sync/semaphore"

	"github.com/bundle-hub/bundle-hub/internal/cache"
	"github.com/bundle-hub/bundle-hub/internal/keygen"
	"github.com/bundle-hub/bundle-hub/internal/request"
)

// Options 描述构建缓存容器的依赖与容量。
type Options struct {
	Modules         []*Module
	Builders        BuilderResolver
	Resources       ResourceFactory
	Transport       Transport
	Executors       cache.Executors
	BuildWorkers    int
	MaxLayerEntries int
	Logger          logrus.FieldLogger
}

// Cache 组合全部模块索引与层索引，附带创建时间与由缓存管理器使用的控制令牌。
// 模块集合在构造后不再变化，配置变化时由缓存管理器整体替换容器。
type Cache struct {
	created time.Time
	token   string

	modules map[string]*ModuleBuilds
	order   []string
	layers  *LayerBuilds
	exec    cache.Executors
	log     logrus.FieldLogger
}

// NewCache 为每个模块解析构建器并创建共享的构建池。
func NewCache(opts Options) (*Cache, error) {
	if opts.Executors == nil {
		return nil, zerr.New("cache executors required")
	}
	if opts.Transport == nil {
		opts.Transport = NopTransport{}
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	workers := opts.BuildWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	pool := semaphore.NewWeighted(int64(workers))

	c := &Cache{
		created: time.Now().UTC(),
		token:   uuid.NewString(),
		modules: make(map[string]*ModuleBuilds, len(opts.Modules)),
		exec:    opts.Executors,
		log:     log,
	}
	for _, mod := range opts.Modules {
		if _, dup := c.modules[mod.ID]; dup {
			return nil, zerr.Wrap(ErrDuplicateModule, mod.ID)
		}
		builder, err := opts.Builders.Builder(mod)
		if err != nil {
			return nil, zerr.Wrap(err, "resolve builder for module "+mod.ID)
		}
		c.modules[mod.ID] = newModuleBuilds(mod, builder, opts.Resources, opts.Executors, pool, log)
		c.order = append(c.order, mod.ID)
	}
	sort.Strings(c.order)
	c.layers = newLayerBuilds(c, opts.Transport, opts.Executors, opts.MaxLayerEntries, log)
	return c, nil
}

// Token 返回控制令牌，缓存管理器据此识别快照属于哪一个容器。
func (c *Cache) Token() string { return c.token }

// Modules returns the configured module ids in sorted order.
func (c *Cache) Modules() []string {
	return append([]string(nil), c.order...)
}

func (c *Cache) Module(id string) (*ModuleBuilds, error) {
	mod, ok := c.modules[id]
	if !ok {
		return nil, zerr.Wrap(ErrModuleNotFound, id)
	}
	return mod, nil
}

// ModuleBuild 返回单个模块的构建句柄。
func (c *Cache) ModuleBuild(ctx context.Context, id string, req *request.Context) *Future {
	mod, err := c.Module(id)
	if err != nil {
		return failedFuture(err)
	}
	return mod.Get(ctx, req)
}

// LayerBuild 返回层的构建句柄。
func (c *Cache) LayerBuild(ctx context.Context, ids []string, req *request.Context) *Future {
	return c.layers.Get(ctx, ids, req)
}

func (c *Cache) Layers() *LayerBuilds { return c.layers }

// Retire 退役容器内全部条目并把文件交给延迟删除，用于全量清空。
func (c *Cache) Retire() int {
	count := 0
	schedule := func(idx *Index) {
		if idx == nil {
			return
		}
		for _, file := range idx.retireAll() {
			c.exec.ScheduleDelete(file)
			count++
		}
	}
	for _, id := range c.order {
		schedule(c.modules[id].Index())
	}
	for _, id := range c.layers.Layers() {
		schedule(c.layers.layerIndex(id))
	}
	return count
}

// Snapshot 是容器的可序列化副本。
type Snapshot struct {
	Created time.Time              `json:"created"`
	Token   string                 `json:"token"`
	Modules map[string]IndexRecord `json:"modules"`
	Layers  map[string]IndexRecord `json:"layers"`
}

// IndexRecord 记录一个索引的修改时间、源指纹、生成器列表以及已落盘条目的 key → 文件映射。
type IndexRecord struct {
	LastModified time.Time         `json:"last_modified"`
	Fingerprint  string            `json:"fingerprint"`
	Generators   []keygen.Record   `json:"generators,omitempty"`
	Entries      map[string]string `json:"entries"`
}

// Snapshot 生成尽力而为的深拷贝：逐个索引加锁复制，不同索引之间不保证原子性，
// 复制期间并发发生的构建可能只有一部分可见。仅落盘的条目会被记录。
func (c *Cache) Snapshot() Snapshot {
	snap := Snapshot{
		Created: c.created,
		Token:   c.token,
		Modules: make(map[string]IndexRecord),
		Layers:  make(map[string]IndexRecord),
	}
	for _, id := range c.order {
		if rec, ok := c.indexRecord(c.modules[id].Index()); ok {
			snap.Modules[id] = rec
		}
	}
	for _, id := range c.layers.Layers() {
		if rec, ok := c.indexRecord(c.layers.layerIndex(id)); ok {
			snap.Layers[id] = rec
		}
	}
	return snap
}

func (c *Cache) indexRecord(idx *Index) (IndexRecord, bool) {
	if idx == nil {
		return IndexRecord{}, false
	}
	gens, err := keygen.EncodeList(idx.Generators())
	if err != nil {
		c.log.WithError(err).Warn("snapshot_generators_skipped")
		return IndexRecord{}, false
	}
	rec := IndexRecord{
		LastModified: idx.LastModified(),
		Fingerprint:  idx.Fingerprint(),
		Generators:   gens,
		Entries:      make(map[string]string),
	}
	for key, e := range idx.Entries() {
		if file := e.File(); file != "" && e.State() == StateDisk {
			rec.Entries[key] = file
		}
	}
	return rec, true
}

// Restore 从快照恢复索引，返回恢复的条目数量。未配置的模块与无法解码的索引会被跳过。
func (c *Cache) Restore(snap Snapshot) int {
	if !snap.Created.IsZero() {
		c.created = snap.Created
	}
	if snap.Token != "" {
		c.token = snap.Token
	}
	restored := 0
	for id, rec := range snap.Modules {
		mod, ok := c.modules[id]
		if !ok {
			continue
		}
		idx, err := restoreIndex(rec)
		if err != nil {
			c.log.WithError(err).WithField("module", id).Warn("snapshot_index_skipped")
			continue
		}
		if mod.index.CompareAndSwap(nil, idx) {
			restored += idx.Len()
		}
	}
	for id, rec := range snap.Layers {
		ids := strings.Split(id, ",")
		if _, err := c.layers.resolve(ids); err != nil {
			continue
		}
		idx, err := restoreIndex(rec)
		if err != nil {
			c.log.WithError(err).WithField("layer", id).Warn("snapshot_index_skipped")
			continue
		}
		if c.layers.state(ids).index.CompareAndSwap(nil, idx) {
			restored += idx.Len()
		}
	}
	return restored
}

func restoreIndex(rec IndexRecord) (*Index, error) {
	gens, err := keygen.DecodeList(rec.Generators)
	if err != nil {
		return nil, err
	}
	fingerprint := rec.Fingerprint
	if fingerprint == "" {
		fingerprint = cache.ModTimeFingerprint(rec.LastModified)
	}
	idx := newIndex(fingerprint, rec.LastModified, gens)
	for key, file := range rec.Entries {
		e := restoredEntry(key, file)
		e.fingerprint = fingerprint
		idx.entries[key] = e
	}
	return idx, nil
}

// Dump 以文本形式输出所有键，filter 非空时只输出匹配的键。
func (c *Cache) Dump(w io.Writer, filter *regexp.Regexp) error {
	dump := func(kind, id string, idx *Index) error {
		if idx == nil {
			return nil
		}
		entries := idx.Entries()
		for _, key := range idx.Keys() {
			if filter != nil && !filter.MatchString(key) {
				continue
			}
			e := entries[key]
			if e == nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", kind, id, key, e.State(), e.File()); err != nil {
				return err
			}
		}
		return nil
	}
	for _, id := range c.order {
		if err := dump("module", id, c.modules[id].Index()); err != nil {
			return err
		}
	}
	for _, id := range c.layers.Layers() {
		if err := dump("layer", id, c.layers.layerIndex(id)); err != nil {
			return err
		}
	}
	return nil
}

// NopTransport 不贡献键片段与分帧。
type NopTransport struct{}

func (NopTransport) KeyFragment(*request.Context) string { return "" }

func (NopTransport) LayerPrologue(*request.Context, []string) []byte { return nil }

func (NopTransport) LayerEpilogue(*request.Context) []byte { return nil }

func (NopTransport) ModuleFraming(string, *request.Context) (prefix, suffix []byte) {
	return nil, nil
}
