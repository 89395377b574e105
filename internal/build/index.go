package build

import (
	"sort"
	"sync"
	"time"

	"github.com/bundle-hub/bundle-hub/internal/cache"
	"github.com/bundle-hub/bundle-hub/internal/keygen"
)

// Index 是一个模块或一个层的 key → Entry 映射，绑定到源的某个指纹。
// 源变化时由持有者整体替换为新的 Index，旧 Index 只用于排队删除文件。
type Index struct {
	lastModified time.Time
	fingerprint  string

	mu      sync.RWMutex
	entries map[string]*Entry
	gens    keygen.List
}

// NewIndex creates an empty index for the given source modification time.
func NewIndex(lastModified time.Time, gens keygen.List) *Index {
	return newIndex(cache.ModTimeFingerprint(lastModified), lastModified, gens)
}

func newIndex(fingerprint string, lastModified time.Time, gens keygen.List) *Index {
	return &Index{
		lastModified: lastModified,
		fingerprint:  fingerprint,
		entries:      make(map[string]*Entry),
		gens:         gens,
	}
}

func (x *Index) LastModified() time.Time {
	return x.lastModified
}

// Fingerprint 返回索引绑定的源指纹。模块索引由源文件时间导出，层索引覆盖全部成员。
func (x *Index) Fingerprint() string {
	return x.fingerprint
}

// Generators 返回当前生成器列表。
func (x *Index) Generators() keygen.List {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.gens
}

// Refine 将构建器返回的 final 列表合并进当前列表，返回合并后的列表。
func (x *Index) Refine(refined keygen.List) keygen.List {
	x.mu.Lock()
	defer x.mu.Unlock()
	combined := keygen.CombineLists(x.gens, refined)
	if !combined.Same(x.gens) {
		x.gens = combined
	}
	return x.gens
}

func (x *Index) Load(key string) *Entry {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.entries[key]
}

// LoadOrStore 在 key 不存在时发布 e；返回实际生效的条目以及是否已存在。
func (x *Index) LoadOrStore(key string, e *Entry) (*Entry, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if existing, ok := x.entries[key]; ok {
		return existing, true
	}
	e.fingerprint = x.fingerprint
	x.entries[key] = e
	return e, false
}

// Delete 仅当 key 仍指向 e 时删除映射。
func (x *Index) Delete(key string, e *Entry) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.entries[key] != e {
		return false
	}
	delete(x.entries, key)
	return true
}

// Relocate 将 e 从 from 迁移到 to：先在 to 下 insert-if-absent，再删除 from 的映射。
// to 已被其他条目占用时返回 false，此时 e 不再被索引引用。
func (x *Index) Relocate(from, to string, e *Entry) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	moved := false
	if _, exists := x.entries[to]; !exists {
		x.entries[to] = e
		moved = true
	}
	if x.entries[from] == e {
		delete(x.entries, from)
	}
	if moved {
		e.setKey(to)
	}
	return moved
}

func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

// Keys returns the published keys in sorted order.
func (x *Index) Keys() []string {
	x.mu.RLock()
	keys := make([]string, 0, len(x.entries))
	for key := range x.entries {
		keys = append(keys, key)
	}
	x.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Entries 返回映射的浅拷贝，遍历期间不持有锁。
func (x *Index) Entries() map[string]*Entry {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make(map[string]*Entry, len(x.entries))
	for key, e := range x.entries {
		out[key] = e
	}
	return out
}

// retireAll 退役全部条目并返回需要延迟删除的文件。
func (x *Index) retireAll() []string {
	var files []string
	for _, e := range x.Entries() {
		if file := e.retire(); file != "" {
			files = append(files, file)
		}
	}
	return files
}
