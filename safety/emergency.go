package safety

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"coinpilot/event"
	"coinpilot/exchange"
	"coinpilot/logger"
	"coinpilot/metrics"
)

// 紧急暂停参数
const (
	failureThreshold = 3 // 连续失败次数达到后进入暂停
	initialBackoff   = 5 * time.Second
	maxBackoff       = 5 * time.Minute
)

// EmergencyGuard 交易所不可达时的紧急暂停开关
// 暂停标志由各分片在周期顶端检查；恢复探测指数退避
type EmergencyGuard struct {
	ex  exchange.IExchange
	bus *event.EventBus

	paused     atomic.Bool
	failures   atomic.Int32
	recoverMu  sync.Mutex
	recovering bool
}

// NewEmergencyGuard 创建紧急暂停守卫
func NewEmergencyGuard(ex exchange.IExchange, bus *event.EventBus) *EmergencyGuard {
	return &EmergencyGuard{ex: ex, bus: bus}
}

// Paused 当前是否处于紧急暂停
func (g *EmergencyGuard) Paused() bool {
	return g.paused.Load()
}

// ReportFailure 上报一次交易所调用失败
// 连续失败达到阈值后触发暂停并启动恢复探测
func (g *EmergencyGuard) ReportFailure(ctx context.Context, err error) {
	failures := g.failures.Add(1)
	if failures < failureThreshold || g.paused.Load() {
		return
	}

	g.paused.Store(true)
	metrics.EmergencyPauses.Inc()
	logger.Error("🚨 连续 %d 次交易所调用失败，进入紧急暂停: %v", failures, err)
	g.bus.Publish(event.New(event.EventTypeEmergencyPause, map[string]interface{}{
		"failures": failures,
		"error":    err.Error(),
	}))

	g.startRecovery(ctx)
}

// ReportSuccess 上报一次成功调用，清零失败计数
func (g *EmergencyGuard) ReportSuccess() {
	g.failures.Store(0)
}

// startRecovery 启动恢复探测（单飞）
func (g *EmergencyGuard) startRecovery(ctx context.Context) {
	g.recoverMu.Lock()
	if g.recovering {
		g.recoverMu.Unlock()
		return
	}
	g.recovering = true
	g.recoverMu.Unlock()

	go g.recoveryLoop(ctx)
}

// recoveryLoop 指数退避探测交易所连通性，恢复后解除暂停
func (g *EmergencyGuard) recoveryLoop(ctx context.Context) {
	defer func() {
		g.recoverMu.Lock()
		g.recovering = false
		g.recoverMu.Unlock()
	}()

	backoff := initialBackoff
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := g.ex.Ping(pingCtx)
		cancel()

		if err == nil {
			g.failures.Store(0)
			g.paused.Store(false)
			logger.Info("🟢 交易所连通性恢复，解除紧急暂停")
			g.bus.Publish(event.New(event.EventTypeEmergencyResume, nil))
			return
		}

		logger.Warn("⚠️ 恢复探测失败，%s 后重试: %v", backoff, err)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
