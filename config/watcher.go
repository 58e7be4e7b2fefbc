package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"coinpilot/logger"
)

// 编辑器原子写入会触发连续多个事件，去抖后只重载一次
const reloadDebounce = 500 * time.Millisecond

// Watcher 配置文件热重载
type Watcher struct {
	path     string
	provider *Provider
	watcher  *fsnotify.Watcher
}

// NewWatcher 监听配置文件变更并刷新快照提供者
func NewWatcher(path string, provider *Provider) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// 监听目录而非文件：rename+create 的原子替换不会丢事件
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}

	return &Watcher{path: path, provider: provider, watcher: fw}, nil
}

// Run 事件循环，ctx 取消后退出
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	var timer *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return

		case evt, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(evt.Name) != filepath.Clean(w.path) {
				continue
			}
			if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("⚠️ 配置监听错误: %v", err)

		case <-reload:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		logger.Error("❌ 配置热重载失败（保留当前版本）: %v", err)
		return
	}
	snap := w.provider.Update(cfg)
	logger.Info("✅ 配置已热重载: version=%d buy=%.2f sell=%.2f",
		snap.Version, snap.BuyThreshold, snap.SellThreshold)
}
