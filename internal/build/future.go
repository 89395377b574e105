package build

import (
	"context"
	"io"

	"github.com/bundle-hub/bundle-hub/internal/cache"
)

// Reader 是构建结果的只读视图。IsError 为 true 时响应不可缓存。
// Fingerprint 标识产生该内容的源版本，派生缓存以它判断是否过期。
type Reader struct {
	io.ReadCloser
	Key         string
	Fingerprint string
	IsError     bool
	Hit         bool
	Size        int64
}

// Bytes reads the whole content and closes the reader.
func (r *Reader) Bytes() ([]byte, error) {
	defer r.Close()
	return io.ReadAll(r)
}

// Future 是对构建结果的异步句柄。命中时已完成，否则在构建结束后完成。
type Future struct {
	entry *Entry
	store cache.Store
	hit   bool

	reader *Reader
	err    error
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func completedFuture(r *Reader) *Future {
	return &Future{reader: r, hit: r.Hit}
}

func failedFuture(err error) *Future {
	return &Future{err: err}
}

func pendingFuture(e *Entry, store cache.Store) *Future {
	return &Future{entry: e, store: store}
}

// Done 在结果可用时关闭。
func (f *Future) Done() <-chan struct{} {
	if f.entry == nil {
		return closedChan
	}
	return f.entry.ready
}

// Wait 阻塞直到结果可用。ctx 只影响等待本身，不会取消进行中的构建。
func (f *Future) Wait(ctx context.Context) (*Reader, error) {
	if f.entry == nil {
		return f.reader, f.err
	}
	select {
	case <-f.entry.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := f.entry.failure(); err != nil {
		return nil, err
	}
	return f.entry.reader(f.store, f.hit)
}
