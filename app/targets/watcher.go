package targets

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"story-vault/app/logger"

	"github.com/fsnotify/fsnotify"
)

// Watcher 监听目标配置文件变化并触发重载
type Watcher struct {
	logger  *logger.Logger
	store   *Store
	watcher *fsnotify.Watcher

	mu          sync.Mutex
	debounceMap map[string]*time.Timer
	wg          sync.WaitGroup
}

// NewWatcher 创建文件监听器
func NewWatcher(store *Store, log *logger.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		logger:      log,
		store:       store,
		watcher:     fw,
		debounceMap: make(map[string]*time.Timer),
	}, nil
}

// Start 开始监听，监听目录以兼容编辑器的原子替换写入
func (w *Watcher) Start(ctx context.Context) error {
	dir := filepath.Dir(w.store.path)
	if err := w.watcher.Add(dir); err != nil {
		return err
	}

	w.wg.Add(1)
	go w.loop(ctx)

	w.logger.Infof("开始监听目标配置: %s", w.store.path)
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	target := filepath.Clean(w.store.path)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.debounce(event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Errorf("文件监听错误: %v", err)
		}
	}
}

// debounce 编辑器保存会触发多个事件，合并处理
func (w *Watcher) debounce(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.debounceMap[name]; ok {
		timer.Stop()
	}
	w.debounceMap[name] = time.AfterFunc(500*time.Millisecond, func() {
		w.logger.Infof("目标配置发生变化，重新加载")
		if err := w.store.Reload(); err != nil {
			w.logger.Errorf("重载目标配置失败: %v", err)
		}

		w.mu.Lock()
		delete(w.debounceMap, name)
		w.mu.Unlock()
	})
}

// Close 停止监听
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}
