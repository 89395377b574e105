package build

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/bundle-hub/bundle-hub/internal/cache"
)

// Entry states reported by State.
const (
	StateBuilding = "building"
	StateMemory   = "memory"
	StateDisk     = "disk"
	StateFailed   = "failed"
	StateRetired  = "retired"
)

// Entry 是索引中的单个构建结果。内存内容与磁盘文件互斥：落盘成功后释放内存副本。
// ready 关闭之前条目处于构建中，等待者阻塞在 ready 上。
type Entry struct {
	// buildMu 由占位符持有者在构建期间独占。
	buildMu sync.Mutex

	ready chan struct{}

	// fingerprint 是条目发布时所在索引的源指纹，发布后不再变化。
	fingerprint string

	mu      sync.Mutex
	key     string
	content []byte
	file    string
	isError bool
	err     error
	retired bool
	builtAt time.Time
}

func newEntry(key string) *Entry {
	return &Entry{key: key, ready: make(chan struct{})}
}

// restoredEntry 构造一个已落盘的条目，用于快照恢复。
func restoredEntry(key, file string) *Entry {
	e := &Entry{key: key, file: file, ready: make(chan struct{})}
	close(e.ready)
	return e
}

// Key returns the key the entry is currently published under.
func (e *Entry) Key() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.key
}

// Done reports whether the build for this entry has finished.
func (e *Entry) Done() bool {
	select {
	case <-e.ready:
		return true
	default:
		return false
	}
}

// File returns the persisted file name, empty while the content is in memory.
func (e *Entry) File() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.file
}

func (e *Entry) State() string {
	if !e.Done() {
		return StateBuilding
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.err != nil:
		return StateFailed
	case e.retired:
		return StateRetired
	case e.file != "":
		return StateDisk
	default:
		return StateMemory
	}
}

func (e *Entry) setKey(key string) {
	e.mu.Lock()
	e.key = key
	e.mu.Unlock()
}

func (e *Entry) complete(content []byte, isError bool) {
	e.mu.Lock()
	e.content = content
	e.isError = isError
	e.builtAt = time.Now()
	e.mu.Unlock()
	close(e.ready)
}

// fail 将错误临时附着在条目上，供已在等待的请求观察。
func (e *Entry) fail(err error) {
	e.mu.Lock()
	e.err = err
	e.mu.Unlock()
	close(e.ready)
}

func (e *Entry) failure() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *Entry) bytes() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.content
}

// attach 记录落盘文件并释放内存副本；条目已退役时返回 false，由调用方删除文件。
func (e *Entry) attach(file string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.retired {
		return false
	}
	e.file = file
	e.content = nil
	return true
}

// retire 标记条目被替换，返回需要延迟删除的文件。内存内容保留给仍持有条目的读者。
func (e *Entry) retire() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.retired = true
	file := e.file
	return file
}

// reader 打开条目内容。读者拿到的是当前内容的独立视图，后续落盘或退役不影响它。
func (e *Entry) reader(store cache.Store, hit bool) (*Reader, error) {
	e.mu.Lock()
	content, file, isError, key := e.content, e.file, e.isError, e.key
	e.mu.Unlock()

	if content != nil || file == "" {
		return &Reader{
			ReadCloser:  io.NopCloser(bytes.NewReader(content)),
			Key:         key,
			Fingerprint: e.fingerprint,
			IsError:     isError,
			Hit:         hit,
			Size:        int64(len(content)),
		}, nil
	}

	result, err := store.Open(file)
	if err != nil {
		return nil, err
	}
	return &Reader{
		ReadCloser:  result.Reader,
		Key:         key,
		Fingerprint: e.fingerprint,
		IsError:     isError,
		Hit:         hit,
		Size:        result.File.SizeBytes,
	}, nil
}
