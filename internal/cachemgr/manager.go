package cachemgr

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mileusna/crontab"
	"github.com/sirupsen/logrus"
	"go.trai.ch/zerr"

	"github.com/bundle-hub/bundle-hub/internal/build"
	"github.com/bundle-hub/bundle-hub/internal/cache"
)

// DefaultSnapshotSchedule 每 10 分钟保存一次快照。
const DefaultSnapshotSchedule = "*/10 * * * *"

// Options 控制缓存目录与后台设施。
type Options struct {
	Dir              string
	CreateWorkers    int
	DeleteDelay      time.Duration
	SnapshotSchedule string
}

// Manager 持有缓存目录、文件创建池、延迟删除调度器与定时快照任务，
// 并以原子指针持有当前的构建缓存容器。
type Manager struct {
	store    cache.Store
	bg       *cache.Background
	log      logrus.FieldLogger
	schedule string
	cron     *crontab.Crontab

	current atomic.Pointer[build.Cache]

	mu           sync.Mutex
	fingerprints Fingerprints
	resources    map[string]*cache.Resource
	started      bool
	closed       bool

	// saveMu 串行化快照写入。
	saveMu sync.Mutex
}

// New 打开缓存目录并启动后台设施。
func New(opts Options, log logrus.FieldLogger) (*Manager, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	store, err := cache.NewStore(opts.Dir)
	if err != nil {
		return nil, err
	}
	schedule := opts.SnapshotSchedule
	if schedule == "" {
		schedule = DefaultSnapshotSchedule
	}
	log = log.WithField("component", "cachemgr")
	return &Manager{
		store:     store,
		bg:        cache.NewBackground(store, cache.BackgroundOptions{CreateWorkers: opts.CreateWorkers, DeleteDelay: opts.DeleteDelay}, log),
		log:       log,
		schedule:  schedule,
		resources: make(map[string]*cache.Resource),
	}, nil
}

// Executors 返回供各缓存组件使用的后台设施。
func (m *Manager) Executors() cache.Executors {
	return m.bg
}

func (m *Manager) Store() cache.Store {
	return m.store
}

// Resource 注册（或返回已注册的）派生缓存，使其参与快照与全量清空。
func (m *Manager) Resource(name, prefix string) *cache.Resource {
	m.mu.Lock()
	defer m.mu.Unlock()
	if res, ok := m.resources[name]; ok {
		return res
	}
	res := cache.NewResource(name, prefix, m.bg, m.log)
	m.resources[name] = res
	return res
}

// Cache 返回当前容器。请求处理应在每次请求开始时读取一次。
func (m *Manager) Cache() *build.Cache {
	return m.current.Load()
}

func (m *Manager) Fingerprints() Fingerprints {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fingerprints
}

// Start 尝试加载上次的快照：读取失败、版本不兼容或任一指纹不一致时清空目录冷启动。
// 随后安装容器并注册定时快照任务。返回是否从快照恢复。
func (m *Manager) Start(fp Fingerprints, c *build.Cache) (bool, error) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return false, zerr.New("cache manager already started")
	}
	m.started = true
	m.fingerprints = fp
	resources := m.resourceList()
	m.mu.Unlock()

	restored := m.restore(fp, c, resources)
	m.current.Store(c)

	m.cron = crontab.New()
	if err := m.cron.AddJob(m.schedule, m.snapshotJob); err != nil {
		return restored, zerr.Wrap(err, "schedule snapshot job")
	}
	return restored, nil
}

func (m *Manager) restore(fp Fingerprints, c *build.Cache, resources []*cache.Resource) bool {
	snap, err := readSnapshot(m.store)
	switch {
	case err != nil && isMissing(err):
		m.log.Info("cache_snapshot_absent")
	case err != nil:
		m.log.WithError(err).Warn("cache_snapshot_unreadable")
	case snap.Fingerprints != fp:
		m.log.WithFields(logrus.Fields{
			"previous": fmt.Sprintf("%+v", snap.Fingerprints),
			"current":  fmt.Sprintf("%+v", fp),
		}).Info("cache_fingerprint_mismatch")
	default:
		entries := c.Restore(snap.Cache)
		for _, res := range resources {
			records := snap.Resources[res.Name()]
			res.Restore(records)
			entries += len(records)
		}
		m.log.WithFields(logrus.Fields{
			"entries":  entries,
			"orphans":  m.sweepOrphans(c, resources),
			"saved_at": snap.SavedAt,
		}).Info("cache_snapshot_restored")
		return true
	}

	if err := m.store.Wipe(); err != nil {
		m.log.WithError(err).Warn("cache_wipe_failed")
	}
	return false
}

// sweepOrphans 把恢复后没有任何条目引用的内容文件交给延迟删除，返回文件数量。
// 这类文件来自上次快照之后才落盘、或恢复时被丢弃的条目。
func (m *Manager) sweepOrphans(c *build.Cache, resources []*cache.Resource) int {
	files, err := m.store.List()
	if err != nil {
		m.log.WithError(err).Warn("cache_orphan_scan_failed")
		return 0
	}
	live := make(map[string]struct{})
	snap := c.Snapshot()
	for _, records := range []map[string]build.IndexRecord{snap.Modules, snap.Layers} {
		for _, rec := range records {
			for _, file := range rec.Entries {
				live[file] = struct{}{}
			}
		}
	}
	for _, res := range resources {
		for _, rec := range res.Records() {
			live[rec.File] = struct{}{}
		}
	}
	orphans := 0
	for _, file := range files {
		if _, ok := live[file.Name]; ok {
			continue
		}
		m.bg.ScheduleDelete(file.Name)
		orphans++
	}
	return orphans
}

func (m *Manager) resourceList() []*cache.Resource {
	names := make([]string, 0, len(m.resources))
	for name := range m.resources {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*cache.Resource, len(names))
	for i, name := range names {
		out[i] = m.resources[name]
	}
	return out
}

// Refresh 比较新指纹，任一不一致时用 next 构造的新容器执行全量清空。
func (m *Manager) Refresh(fp Fingerprints, next func() (*build.Cache, error)) (bool, error) {
	m.mu.Lock()
	same := m.fingerprints == fp
	m.mu.Unlock()
	if same {
		return false, nil
	}
	c, err := next()
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	m.fingerprints = fp
	m.mu.Unlock()
	m.log.WithField("fingerprints", fmt.Sprintf("%+v", fp)).Info("cache_fingerprint_changed")
	m.Clear(c)
	return true, nil
}

// Clear 以 next 替换当前容器并清空全部派生缓存，旧文件全部交给延迟删除，
// 随后立即写入新的快照。
func (m *Manager) Clear(next *build.Cache) {
	old := m.current.Swap(next)
	retired := 0
	if old != nil {
		retired = old.Retire()
	}
	m.mu.Lock()
	resources := m.resourceList()
	m.mu.Unlock()
	for _, res := range resources {
		res.Clear()
	}
	m.log.WithField("retired_files", retired).Info("cache_cleared")
	if err := m.SaveSnapshot(context.Background()); err != nil {
		m.log.WithError(err).Warn("cache_snapshot_failed")
	}
}

// SaveSnapshot 写入当前状态的快照。复制过程是尽力而为的，不阻塞正在进行的请求。
func (m *Manager) SaveSnapshot(ctx context.Context) error {
	c := m.current.Load()
	if c == nil {
		return nil
	}
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	m.mu.Lock()
	fp := m.fingerprints
	resources := m.resourceList()
	m.mu.Unlock()

	snap := &Snapshot{
		Version:      FormatVersion,
		SavedAt:      time.Now().UTC(),
		Fingerprints: fp,
		Cache:        c.Snapshot(),
		Resources:    make(map[string][]cache.ResourceRecord, len(resources)),
	}
	for _, res := range resources {
		snap.Resources[res.Name()] = res.Records()
	}
	return writeSnapshot(ctx, m.store, snap)
}

func (m *Manager) snapshotJob() {
	start := time.Now()
	if err := m.SaveSnapshot(context.Background()); err != nil {
		m.log.WithError(err).Warn("cache_snapshot_failed")
		return
	}
	m.log.WithField("duration_ms", time.Since(start).Milliseconds()).Debug("cache_snapshot_saved")
}

// Dump 输出所有缓存键，filter 非空时只输出匹配的键。
func (m *Manager) Dump(w io.Writer, filter *regexp.Regexp) error {
	if c := m.current.Load(); c != nil {
		if err := c.Dump(w, filter); err != nil {
			return err
		}
	}
	m.mu.Lock()
	resources := m.resourceList()
	m.mu.Unlock()
	for _, res := range resources {
		for _, key := range res.Keys() {
			if filter != nil && !filter.MatchString(key) {
				continue
			}
			if _, err := fmt.Fprintf(w, "resource\t%s\t%s\n", res.Name(), key); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close 停止定时任务，写入最终快照并排空后台设施。
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	if m.cron != nil {
		m.cron.Shutdown()
	}
	// 先排空写入队列，使最终快照包含全部已落盘条目。
	m.bg.Close()
	return m.SaveSnapshot(context.Background())
}
