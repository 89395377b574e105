package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const defaultWatchDebounce = 200 * time.Millisecond

// Watcher 监听配置文件变化。监听的是所在目录，编辑器以重命名方式替换文件时也能收到事件。
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	path      string
	debounce  time.Duration
	logger    logrus.FieldLogger
}

// NewWatcher 为配置文件创建监听器，debounce<=0 时使用默认值。
func NewWatcher(path string, debounce time.Duration, logger logrus.FieldLogger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, err
	}
	if debounce <= 0 {
		debounce = defaultWatchDebounce
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Watcher{fsWatcher: fw, path: abs, debounce: debounce, logger: logger}, nil
}

// Run 阻塞直到 ctx 结束或监听器关闭；连续事件在 debounce 窗口内合并为一次 onChange。
func (w *Watcher) Run(ctx context.Context, onChange func()) {
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			onChange()
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.WithFields(logrus.Fields{
				"action": "config_watch",
				"path":   w.path,
			}).WithError(err).Warn("config_watch_error")
		}
	}
}

// Close 停止监听并释放资源。
func (w *Watcher) Close() error {
	return w.fsWatcher.Close()
}
