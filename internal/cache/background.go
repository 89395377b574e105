package cache

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.trai.ch/zerr"
)

const (
	defaultCreateWorkers = 4
	createQueueSize      = 256
)

// Executors 是各缓存组件依赖的后台设施：异步创建文件与延迟删除文件。
type Executors interface {
	// Store 返回共享的缓存目录。
	Store() Store
	// Persist 在文件创建池中写入 data，完成后调用 done（成功时 err 为 nil）。
	Persist(prefix string, data []byte, done func(file File, err error))
	// ScheduleDelete 在延迟到期后删除文件，绝不同步删除。
	ScheduleDelete(name string)
}

// BackgroundOptions 控制后台设施的规模。
type BackgroundOptions struct {
	CreateWorkers int
	DeleteDelay   time.Duration
}

// Background 实现 Executors：固定数量的写入协程 + 基于定时器的延迟删除。
type Background struct {
	store Store
	log   logrus.FieldLogger
	delay time.Duration

	mu      sync.RWMutex
	closed  bool
	jobs    chan persistJob
	workers sync.WaitGroup

	deleteMu sync.Mutex
	timers   map[string]*time.Timer
	deletes  sync.WaitGroup
}

type persistJob struct {
	prefix string
	data   []byte
	done   func(File, error)
}

// NewBackground 启动文件创建池。
func NewBackground(store Store, opts BackgroundOptions, log logrus.FieldLogger) *Background {
	workers := opts.CreateWorkers
	if workers <= 0 {
		workers = defaultCreateWorkers
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	b := &Background{
		store:  store,
		log:    log,
		delay:  opts.DeleteDelay,
		jobs:   make(chan persistJob, createQueueSize),
		timers: make(map[string]*time.Timer),
	}
	for i := 0; i < workers; i++ {
		b.workers.Add(1)
		go b.run()
	}
	return b
}

func (b *Background) Store() Store {
	return b.store
}

func (b *Background) Persist(prefix string, data []byte, done func(File, error)) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		if done != nil {
			done(File{}, ErrClosed)
		}
		return
	}
	b.jobs <- persistJob{prefix: prefix, data: data, done: done}
}

func (b *Background) run() {
	defer b.workers.Done()
	for job := range b.jobs {
		file, err := b.store.Create(context.Background(), job.prefix, bytes.NewReader(job.data))
		if err != nil {
			err = zerr.Wrap(ErrPersistFailed, err.Error())
			b.log.WithError(err).WithField("prefix", job.prefix).Warn("cache_persist_failed")
		}
		if job.done == nil {
			continue
		}
		if err != nil {
			job.done(File{}, err)
			continue
		}
		job.done(*file, nil)
	}
}

func (b *Background) ScheduleDelete(name string) {
	if name == "" {
		return
	}
	b.deleteMu.Lock()
	defer b.deleteMu.Unlock()
	if _, ok := b.timers[name]; ok {
		return
	}
	b.deletes.Add(1)
	b.timers[name] = time.AfterFunc(b.delay, func() {
		b.deleteMu.Lock()
		_, pending := b.timers[name]
		delete(b.timers, name)
		b.deleteMu.Unlock()
		if pending {
			b.remove(name)
			b.deletes.Done()
		}
	})
}

// PendingDeletes 返回尚未执行的延迟删除数量。
func (b *Background) PendingDeletes() int {
	b.deleteMu.Lock()
	defer b.deleteMu.Unlock()
	return len(b.timers)
}

func (b *Background) remove(name string) {
	if err := b.store.Remove(name); err != nil {
		b.log.WithError(err).WithField("file", name).Warn("cache_delete_failed")
	}
}

// Close 停止接收新的写入任务并等待队列排空，随后立即执行所有未到期的删除。
func (b *Background) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.jobs)
	b.mu.Unlock()
	b.workers.Wait()

	b.deleteMu.Lock()
	pending := make([]string, 0, len(b.timers))
	for name, timer := range b.timers {
		if timer.Stop() {
			pending = append(pending, name)
			delete(b.timers, name)
		}
	}
	b.deleteMu.Unlock()
	for _, name := range pending {
		b.remove(name)
		b.deletes.Done()
	}
	b.deletes.Wait()
}
