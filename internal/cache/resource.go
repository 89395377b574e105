package cache

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// ComputeFunc 计算一次派生内容。返回的字节在所有等待者之间共享，调用方不得修改。
type ComputeFunc func(ctx context.Context) ([]byte, error)

// ModTimeFingerprint 将源文件修改时间转换为指纹。
func ModTimeFingerprint(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// ResourceRecord 是磁盘上一个派生内容条目的快照形式，仅包含已落盘的条目。
type ResourceRecord struct {
	Key         string `json:"key"`
	File        string `json:"file"`
	Fingerprint string `json:"fingerprint"`
}

// Resource 对同一 key + 源指纹只计算一次：结果先驻留内存并立即返回，
// 随后在文件创建池中异步落盘，落盘成功后释放内存副本。计算或落盘失败都不会留下条目。
type Resource struct {
	name   string
	prefix string
	exec   Executors
	log    logrus.FieldLogger

	mu      sync.RWMutex
	entries map[string]*resourceEntry

	group singleflight.Group
}

type resourceEntry struct {
	fingerprint string

	mu         sync.Mutex
	data       []byte
	file       string
	superseded bool
}

// flightResult 记录一次计算所针对的指纹，等待者据此判断结果是否适用于自己。
type flightResult struct {
	data        []byte
	fingerprint string
	err         error
}

// NewResource 构造派生内容缓存，prefix 作为内容文件名前缀。
func NewResource(name, prefix string, exec Executors, log logrus.FieldLogger) *Resource {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Resource{
		name:    name,
		prefix:  prefix,
		exec:    exec,
		log:     log.WithField("resource", name),
		entries: make(map[string]*resourceEntry),
	}
}

// Name returns the identifier used in snapshots and dumps.
func (r *Resource) Name() string {
	return r.name
}

// Fetch 返回 key 对应的内容；fingerprint 与记录不一致时重新计算。
// 同一 key 任意时刻至多一个计算，等待者拿到的结果指纹与自己不同时重新发起。
// 计算使用脱离调用方取消信号的 ctx，已开始的计算不会被中断。
func (r *Resource) Fetch(ctx context.Context, key, fingerprint string, compute ComputeFunc) ([]byte, error) {
	for {
		if data, ok := r.lookup(key, fingerprint); ok {
			return data, nil
		}

		value, _, _ := r.group.Do(key, func() (any, error) {
			if data, ok := r.lookup(key, fingerprint); ok {
				return flightResult{data: data, fingerprint: fingerprint}, nil
			}
			data, err := compute(context.WithoutCancel(ctx))
			if err != nil {
				return flightResult{fingerprint: fingerprint, err: err}, nil
			}
			if data == nil {
				data = []byte{}
			}
			r.publish(key, fingerprint, data)
			return flightResult{data: data, fingerprint: fingerprint}, nil
		})
		result := value.(flightResult)
		if result.fingerprint != fingerprint {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			continue
		}
		if result.err != nil {
			return nil, result.err
		}
		return result.data, nil
	}
}

func (r *Resource) lookup(key, fingerprint string) ([]byte, bool) {
	r.mu.RLock()
	entry := r.entries[key]
	r.mu.RUnlock()
	if entry == nil || entry.fingerprint != fingerprint {
		return nil, false
	}

	entry.mu.Lock()
	data, file := entry.data, entry.file
	entry.mu.Unlock()
	if data != nil {
		return data, true
	}
	if file == "" {
		return nil, false
	}

	data, err := r.exec.Store().ReadFile(file)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			r.log.WithError(err).WithField("key", key).Warn("cache_read_failed")
		}
		r.drop(key, entry)
		return nil, false
	}
	return data, true
}

func (r *Resource) publish(key, fingerprint string, data []byte) {
	entry := &resourceEntry{fingerprint: fingerprint, data: data}

	r.mu.Lock()
	old := r.entries[key]
	r.entries[key] = entry
	r.mu.Unlock()

	if old != nil {
		r.retire(old)
	}

	r.exec.Persist(r.prefix, data, func(file File, err error) {
		if err != nil {
			// 落盘失败的条目不再驻留内存，下一次请求重新计算。
			r.log.WithError(err).WithField("key", key).Warn("resource_persist_failed")
			r.drop(key, entry)
			return
		}
		entry.mu.Lock()
		defer entry.mu.Unlock()
		if entry.superseded {
			r.exec.ScheduleDelete(file.Name)
			return
		}
		entry.file = file.Name
		entry.data = nil
	})
}

// retire 标记条目已被替换，并把已落盘的文件交给延迟删除。
func (r *Resource) retire(entry *resourceEntry) {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.superseded = true
	if entry.file != "" {
		r.exec.ScheduleDelete(entry.file)
		entry.file = ""
	}
}

func (r *Resource) drop(key string, entry *resourceEntry) {
	r.mu.Lock()
	if r.entries[key] == entry {
		delete(r.entries, key)
	}
	r.mu.Unlock()
	r.retire(entry)
}

// Remove 删除单个条目，文件延迟删除。
func (r *Resource) Remove(key string) {
	r.mu.RLock()
	entry := r.entries[key]
	r.mu.RUnlock()
	if entry != nil {
		r.drop(key, entry)
	}
}

// Clear 丢弃全部条目。
func (r *Resource) Clear() {
	r.mu.Lock()
	old := r.entries
	r.entries = make(map[string]*resourceEntry)
	r.mu.Unlock()
	for _, entry := range old {
		r.retire(entry)
	}
}

// Len returns the number of live entries.
func (r *Resource) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Keys returns the live keys in sorted order.
func (r *Resource) Keys() []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.entries))
	for key := range r.entries {
		keys = append(keys, key)
	}
	r.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Records 返回已落盘条目的快照。遍历期间的并发修改可能部分可见。
func (r *Resource) Records() []ResourceRecord {
	r.mu.RLock()
	entries := make(map[string]*resourceEntry, len(r.entries))
	for key, entry := range r.entries {
		entries[key] = entry
	}
	r.mu.RUnlock()

	out := make([]ResourceRecord, 0, len(entries))
	for key, entry := range entries {
		entry.mu.Lock()
		file := entry.file
		entry.mu.Unlock()
		if file == "" {
			continue
		}
		out = append(out, ResourceRecord{Key: key, File: file, Fingerprint: entry.fingerprint})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Restore 从快照恢复已落盘的条目，已存在的 key 不会被覆盖。
func (r *Resource) Restore(records []ResourceRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		if rec.Key == "" || rec.File == "" {
			continue
		}
		if _, ok := r.entries[rec.Key]; ok {
			continue
		}
		r.entries[rec.Key] = &resourceEntry{fingerprint: rec.Fingerprint, file: rec.File}
	}
}
