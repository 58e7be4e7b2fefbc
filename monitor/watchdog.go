package monitor

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"coinpilot/logger"
	"coinpilot/storage"

	"github.com/shirou/gopsutil/v3/process"
)

// 告警阈值
const (
	watchdogCPUWarn    = 80.0   // CPU 占用（%）
	watchdogMemoryWarn = 1024.0 // 内存占用（MB）
)

// Watchdog 进程看门狗
// 周期采样自身进程的 CPU/内存并落库，超阈值时告警
type Watchdog struct {
	store    *storage.Store
	interval time.Duration
	proc     *process.Process

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatchdog 创建看门狗
func NewWatchdog(store *storage.Store, interval time.Duration) (*Watchdog, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	return &Watchdog{
		store:    store,
		interval: interval,
		proc:     proc,
	}, nil
}

// Start 启动看门狗
func (w *Watchdog) Start(ctx context.Context) {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.run()
	logger.Info("🐶 看门狗已启动，采样间隔: %v", w.interval)
}

// Stop 停止看门狗
func (w *Watchdog) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *Watchdog) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.sample()
		}
	}
}

// sample 采样一次并落库
func (w *Watchdog) sample() {
	cpuPercent, err := w.proc.CPUPercent()
	if err != nil {
		logger.Debug("看门狗 CPU 采样失败: %v", err)
		return
	}

	memInfo, err := w.proc.MemoryInfo()
	if err != nil {
		logger.Debug("看门狗内存采样失败: %v", err)
		return
	}
	memoryMB := float64(memInfo.RSS) / 1024 / 1024
	goroutines := runtime.NumGoroutine()

	if cpuPercent > watchdogCPUWarn {
		logger.Warn("⚠️ CPU 占用过高: %.1f%%", cpuPercent)
	}
	if memoryMB > watchdogMemoryWarn {
		logger.Warn("⚠️ 内存占用过高: %.1f MB", memoryMB)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = w.store.CreateSystemMetrics(ctx, &storage.SystemMetrics{
		CPUPercent: cpuPercent,
		MemoryMB:   memoryMB,
		Goroutines: goroutines,
		CreatedAt:  time.Now(),
	})
	if err != nil {
		logger.Debug("看门狗采样落库失败: %v", err)
	}
}
