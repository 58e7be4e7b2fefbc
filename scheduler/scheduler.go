package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"coinpilot/logger"
	"coinpilot/utils"
)

// TaskFunc 任务函数
type TaskFunc func(ctx context.Context) error

type task struct {
	name     string
	interval time.Duration // 间隔任务
	dailyAt  string        // "HH:MM"，按配置时区的每日任务
	fn       TaskFunc
}

// Scheduler 定时任务调度器
// 每个任务独立 goroutine，panic 被隔离不影响其他任务
type Scheduler struct {
	mu      sync.Mutex
	tasks   []*task
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New 创建调度器
func New() *Scheduler {
	return &Scheduler{}
}

// Every 注册间隔任务
func (s *Scheduler) Every(name string, interval time.Duration, fn TaskFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, &task{name: name, interval: interval, fn: fn})
}

// DailyAt 注册每日定时任务，t 格式 "HH:MM"（配置时区）
func (s *Scheduler) DailyAt(name, t string, fn TaskFunc) error {
	if _, err := time.Parse("15:04", t); err != nil {
		return fmt.Errorf("无效的时间格式 %q: %w", t, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, &task{name: name, dailyAt: t, fn: fn})
	return nil
}

// Start 启动全部任务
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.runTask(runCtx, t)
	}
	logger.Info("✅ 调度器已启动: %d 个任务", len(s.tasks))
}

// Stop 停止全部任务并等待退出
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()
	logger.Info("⏹️ 调度器已停止")
}

func (s *Scheduler) runTask(ctx context.Context, t *task) {
	defer s.wg.Done()

	if t.dailyAt != "" {
		s.runDaily(ctx, t)
		return
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.invoke(ctx, t)
		}
	}
}

// runDaily 每日任务：按配置时区计算下一次触发点
func (s *Scheduler) runDaily(ctx context.Context, t *task) {
	for {
		wait := untilNext(t.dailyAt)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			s.invoke(ctx, t)
		}
	}
}

// invoke 执行任务，panic 隔离
func (s *Scheduler) invoke(ctx context.Context, t *task) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("❌ 任务 %s panic: %v", t.name, r)
		}
	}()

	if err := t.fn(ctx); err != nil {
		logger.Error("❌ 任务 %s 失败: %v", t.name, err)
	}
}

// untilNext 距下一次 HH:MM（配置时区）的等待时长
func untilNext(at string) time.Duration {
	target, _ := time.Parse("15:04", at)

	now := utils.ToConfiguredTimezone(time.Now())
	next := time.Date(now.Year(), now.Month(), now.Day(),
		target.Hour(), target.Minute(), 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next.Sub(now)
}
