package build

import (
	"bytes"
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"
	"go.trai.ch/zerr"
	"golang.org/x/sync/errgroup"

	"github.com/bundle-hub/bundle-hub/internal/cache"
	"github.com/bundle-hub/bundle-hub/internal/request"
)

const layerPrefix = "layer"

// ModuleSource 按 id 查找模块缓存。
type ModuleSource interface {
	Module(id string) (*ModuleBuilds, error)
}

// LayerBuilds 缓存由多个模块拼接而成的层。层身份是有序的模块 id 列表，
// 层键由各模块当前键与传输层键片段组成。
type LayerBuilds struct {
	modules    ModuleSource
	transport  Transport
	exec       cache.Executors
	maxEntries int
	log        logrus.FieldLogger

	// mu 串行化容量检查与新键发布。
	mu     sync.Mutex
	layers map[string]*layerState
}

type layerState struct {
	ids   []string
	index atomic.Pointer[Index]
}

func newLayerBuilds(modules ModuleSource, transport Transport, exec cache.Executors, maxEntries int, log logrus.FieldLogger) *LayerBuilds {
	return &LayerBuilds{
		modules:    modules,
		transport:  transport,
		exec:       exec,
		maxEntries: maxEntries,
		log:        log.WithField("component", "layer"),
		layers:     make(map[string]*layerState),
	}
}

// LayerID 返回层身份的字符串形式。
func LayerID(ids []string) string {
	return strings.Join(ids, ",")
}

func (l *LayerBuilds) state(ids []string) *layerState {
	id := LayerID(ids)
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.layers[id]
	if st == nil {
		st = &layerState{ids: append([]string(nil), ids...)}
		l.layers[id] = st
	}
	return st
}

// current 返回与 lk 指纹一致的层索引。指纹覆盖每个成员的源文件时间，
// 任一成员变化（即使不是最新的那个）都会整体替换索引。
func (l *LayerBuilds) current(st *layerState, lk layerKey) *Index {
	for {
		idx := st.index.Load()
		if idx != nil && idx.Fingerprint() == lk.fingerprint {
			return idx
		}
		fresh := newIndex(lk.fingerprint, lk.lastModified, nil)
		if !st.index.CompareAndSwap(idx, fresh) {
			continue
		}
		if idx != nil {
			for _, file := range idx.retireAll() {
				l.exec.ScheduleDelete(file)
			}
			l.log.WithField("layer", LayerID(st.ids)).Info("layer_index_replaced")
		}
		return fresh
	}
}

// Len 返回所有层当前索引中的条目总数。
func (l *LayerBuilds) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lenLocked()
}

func (l *LayerBuilds) lenLocked() int {
	total := 0
	for _, st := range l.layers {
		if idx := st.index.Load(); idx != nil {
			total += idx.Len()
		}
	}
	return total
}

type layerKey struct {
	key          string
	provisional  bool
	lastModified time.Time
	fingerprint  string
}

func (l *LayerBuilds) key(mods []*ModuleBuilds, req *request.Context) (layerKey, error) {
	var out layerKey
	parts := make([]string, len(mods))
	digest := xxhash.New()
	for i, mod := range mods {
		key, provisional, lastModified, err := mod.Key(req)
		if err != nil {
			return layerKey{}, err
		}
		parts[i] = key
		out.provisional = out.provisional || provisional
		if lastModified.After(out.lastModified) {
			out.lastModified = lastModified
		}
		_, _ = digest.WriteString(mod.module.ID)
		_, _ = digest.WriteString("@")
		_, _ = digest.WriteString(strconv.FormatInt(lastModified.UnixNano(), 10))
		_, _ = digest.WriteString("\n")
	}
	out.key = strings.Join(parts, ";") + "|" + l.transport.KeyFragment(req)
	out.fingerprint = strconv.FormatUint(digest.Sum64(), 16)
	return out, nil
}

func (l *LayerBuilds) resolve(ids []string) ([]*ModuleBuilds, error) {
	if len(ids) == 0 {
		return nil, ErrEmptyLayer
	}
	mods := make([]*ModuleBuilds, len(ids))
	for i, id := range ids {
		mod, err := l.modules.Module(id)
		if err != nil {
			return nil, err
		}
		mods[i] = mod
	}
	return mods, nil
}

// Get 返回层构建结果的异步句柄。已存在的键始终可以命中；
// 全新的键在条目总数达到上限时直接失败，不做任何淘汰。
func (l *LayerBuilds) Get(ctx context.Context, ids []string, req *request.Context) *Future {
	mods, err := l.resolve(ids)
	if err != nil {
		return failedFuture(err)
	}
	lk, err := l.key(mods, req)
	if err != nil {
		return failedFuture(err)
	}
	st := l.state(ids)
	idx := l.current(st, lk)

	if r := lookupHit(idx, lk.key, l.exec, l.log); r != nil {
		return completedFuture(r)
	}

	l.mu.Lock()
	if l.maxEntries > 0 && idx.Load(lk.key) == nil && l.lenLocked() >= l.maxEntries {
		l.mu.Unlock()
		l.log.WithFields(logrus.Fields{
			"layer": LayerID(ids),
			"limit": l.maxEntries,
		}).Warn("layer_capacity_exceeded")
		return failedFuture(zerr.Wrap(ErrCapacityExceeded, "layer "+LayerID(ids)))
	}
	e, loaded := idx.LoadOrStore(lk.key, newEntry(lk.key))
	l.mu.Unlock()

	if !loaded {
		go l.run(ctx, idx, e, mods, req.Clone(), lk.provisional)
	}
	return pendingFuture(e, l.exec.Store())
}

func (l *LayerBuilds) run(ctx context.Context, idx *Index, e *Entry, mods []*ModuleBuilds, req *request.Context, provisional bool) {
	ctx = context.WithoutCancel(ctx)
	e.buildMu.Lock()
	defer e.buildMu.Unlock()
	if e.Done() {
		return
	}

	outputs := make([][]byte, len(mods))
	failed := make([]bool, len(mods))
	g, gctx := errgroup.WithContext(ctx)
	for i, mod := range mods {
		g.Go(func() error {
			r, err := mod.Get(gctx, req).Wait(gctx)
			if err != nil {
				return err
			}
			data, err := r.Bytes()
			if err != nil {
				return err
			}
			outputs[i] = data
			failed[i] = r.IsError
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		idx.Delete(e.Key(), e)
		e.fail(err)
		return
	}

	ids := make([]string, len(mods))
	for i, mod := range mods {
		ids[i] = mod.module.ID
	}

	var buf bytes.Buffer
	isError := false
	buf.Write(l.transport.LayerPrologue(req, ids))
	for i, id := range ids {
		prefix, suffix := l.transport.ModuleFraming(id, req)
		buf.Write(prefix)
		buf.Write(outputs[i])
		buf.Write(suffix)
		isError = isError || failed[i]
	}
	buf.Write(l.transport.LayerEpilogue(req))

	key := e.Key()
	indexed := true
	if provisional && !isError {
		if lk, err := l.key(mods, req); err == nil && lk.key != key {
			indexed = idx.Relocate(key, lk.key, e)
			if indexed {
				key = lk.key
			}
		}
	}
	e.complete(buf.Bytes(), isError)

	switch {
	case isError, req.NoCache:
		idx.Delete(key, e)
	case !indexed:
	default:
		persistEntry(l.exec, layerPrefix, idx, e)
	}
}

// Layers returns the identities of every layer seen so far, in sorted order.
func (l *LayerBuilds) Layers() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.layers))
	for id := range l.layers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (l *LayerBuilds) layerIndex(id string) *Index {
	l.mu.Lock()
	st := l.layers[id]
	l.mu.Unlock()
	if st == nil {
		return nil
	}
	return st.index.Load()
}
