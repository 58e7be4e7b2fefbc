package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"coinpilot/config"
	"coinpilot/event"
	"coinpilot/exchange"
	"coinpilot/lock"
	"coinpilot/logger"
	"coinpilot/metrics"
	"coinpilot/monitor"
	"coinpilot/safety"
	"coinpilot/signal"
	"coinpilot/storage"
	"coinpilot/trading"
)

// 心跳超过此时长只告警不判死：瞬时卡顿与真正崩溃的处置不对称
const staleHeartbeat = 5 * time.Minute

var (
	ErrAlreadyRunning = errors.New("引擎已在运行")
	ErrMonitorTimeout = errors.New("行情监控就绪超时")
)

// Manager 工作器池管理器
// 负责市场分片、分片生命周期、健康检查与停机清仓
type Manager struct {
	cfg         *config.Config
	cfgProvider *config.Provider

	store    *storage.Store
	ex       exchange.IExchange
	registry *lock.Registry
	mon      *monitor.MarketMonitor
	tm       *trading.Manager
	provider signal.Provider
	guard    *safety.EmergencyGuard
	bus      *event.EventBus

	exchangeName string

	mu      sync.Mutex
	workers []*Worker
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	stopOnce sync.Once
	running  bool
}

// NewManager 创建引擎管理器
func NewManager(cfg *config.Config, cfgProvider *config.Provider, store *storage.Store,
	ex exchange.IExchange, registry *lock.Registry, mon *monitor.MarketMonitor,
	tm *trading.Manager, provider signal.Provider, guard *safety.EmergencyGuard,
	bus *event.EventBus) *Manager {
	return &Manager{
		cfg:          cfg,
		cfgProvider:  cfgProvider,
		store:        store,
		ex:           ex,
		registry:     registry,
		mon:          mon,
		tm:           tm,
		provider:     provider,
		guard:        guard,
		bus:          bus,
		exchangeName: ex.GetName(),
	}
}

// Start 启动引擎：分片市场、等待行情监控就绪、拉起全部分片
func (m *Manager) Start(ctx context.Context, markets []string) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.running = true
	m.mu.Unlock()

	if len(markets) == 0 {
		return fmt.Errorf("无可分配的市场")
	}

	// 上一次运行残留的心跳记录作废
	if err := m.store.DeleteAllThreadStatuses(ctx); err != nil {
		return fmt.Errorf("清理分片状态失败: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	m.mon.Start(runCtx)

	// 行情监控未就绪前不允许任何交易决策
	readyTimeout := time.Duration(m.cfg.Trading.MonitorReadyTimeoutMinutes) * time.Minute
	if err := m.mon.WaitReady(runCtx, readyTimeout); err != nil {
		logger.Error("❌ 行情监控就绪超时 (%s)，中止启动", readyTimeout)
		m.bus.Publish(event.New(event.EventTypeMonitorNotReady, map[string]interface{}{
			"timeout": readyTimeout.String(),
		}))
		m.StopAll()
		return fmt.Errorf("%w: %v", ErrMonitorTimeout, err)
	}

	shardCount := m.cfg.Trading.ShardCount
	parts := partitionMarkets(markets, shardCount)

	m.mu.Lock()
	m.workers = make([]*Worker, shardCount)
	for i := 0; i < shardCount; i++ {
		fastTier := i < m.cfg.Trading.FastShardCount
		cycle := time.Duration(m.cfg.Trading.SlowCycleSeconds) * time.Second
		if fastTier {
			cycle = time.Duration(m.cfg.Trading.FastCycleSeconds) * time.Second
		}

		w := NewWorker(i, fastTier, cycle, parts[i],
			m.ex, m.store, m.registry, m.mon, m.tm, m.provider, m.guard, m.cfgProvider)
		m.workers[i] = w

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			w.Run(runCtx)
		}()
	}
	m.mu.Unlock()

	logger.Info("✅ 引擎已启动: 市场=%d 分片=%d (快速=%d)",
		len(markets), shardCount, m.cfg.Trading.FastShardCount)
	m.bus.Publish(event.New(event.EventTypeSystemStart, map[string]interface{}{
		"markets": len(markets),
		"shards":  shardCount,
	}))
	return nil
}

// StopAll 停机：取消全部分片、清仓、盈亏入账、重置组合
// 幂等，重复调用只生效一次
func (m *Manager) StopAll() {
	m.stopOnce.Do(func() {
		logger.Info("⏹️ 引擎停机开始")

		m.mu.Lock()
		if m.cancel != nil {
			m.cancel()
		}
		m.mu.Unlock()

		m.wg.Wait()
		m.mon.Stop()

		// 分片全部退出后清仓，避免与决策路径竞争
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		m.liquidateAll(ctx)
		m.foldProfitAndReset(ctx)

		if err := m.store.DeleteAllTroughs(ctx, m.exchangeName); err != nil {
			logger.Warn("⚠️ 清理波谷记录失败: %v", err)
		}
		if err := m.store.DeleteAllThreadStatuses(ctx); err != nil {
			logger.Warn("⚠️ 清理分片状态失败: %v", err)
		}

		m.mu.Lock()
		m.running = false
		m.mu.Unlock()

		m.bus.Publish(event.New(event.EventTypeSystemStop, nil))
		logger.Info("✅ 引擎停机完成")
	})
}

// liquidateAll 强制平掉全部未平仓持仓（含已转长期），每单之间固定间隔
func (m *Manager) liquidateAll(ctx context.Context) {
	trades, err := m.store.ListOpenTrades(ctx, m.exchangeName)
	if err != nil {
		logger.Error("❌ 读取未平仓交易失败: %v", err)
		return
	}
	if len(trades) == 0 {
		return
	}

	delay := time.Duration(m.cfg.Trading.LiquidationDelaySeconds) * time.Second
	logger.Info("💰 停机清仓: %d 笔持仓", len(trades))

	for i, trade := range trades {
		if err := m.tm.ClosePosition(ctx, &trading.CloseRequest{
			Market: trade.Market,
			Reason: "停机清仓",
		}); err != nil {
			logger.Error("❌ 清仓失败 [%s]: %v", trade.Market, err)
			continue
		}
		metrics.Liquidations.Inc()

		if i < len(trades)-1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}

	m.bus.Publish(event.New(event.EventTypeLiquidation, map[string]interface{}{
		"count": len(trades),
	}))
}

// foldProfitAndReset 已实现收益滚入总限额，组合按 80/20 重置
func (m *Manager) foldProfitAndReset(ctx context.Context) {
	err := m.store.Transaction(ctx, func(tx *storage.Store) error {
		p, err := tx.GetPortfolio(ctx, m.exchangeName)
		if err != nil {
			return err
		}
		sc, err := tx.GetSystemConfig(ctx, m.exchangeName)
		if err != nil {
			return err
		}

		if p.ProfitEarned != 0 {
			sc.TotalMaxInvestment += p.ProfitEarned
			logger.Info("💰 收益滚入总限额: %.2f → 新限额 %.2f", p.ProfitEarned, sc.TotalMaxInvestment)
		}
		sc.ReserveAmount = sc.TotalMaxInvestment * 0.2
		if err := tx.SaveSystemConfig(ctx, sc); err != nil {
			return err
		}

		p.CurrentAmount = sc.TotalMaxInvestment * 0.8
		p.AvailableInvestment = sc.TotalMaxInvestment * 0.8
		p.ReserveAmount = sc.TotalMaxInvestment * 0.2
		p.ProfitEarned = 0
		p.MarketList = "[]"
		p.UpdatedAt = time.Now()
		return tx.SavePortfolio(ctx, p)
	})
	if err != nil {
		logger.Error("❌ 组合重置失败: %v", err)
	}
}

// Redistribute 重新分片并原子替换各分片的市场列表，不重启分片
func (m *Manager) Redistribute(markets []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.workers) == 0 || len(markets) == 0 {
		return
	}

	parts := partitionMarkets(markets, len(m.workers))
	for i, w := range m.workers {
		w.SetMarkets(parts[i])
	}
	logger.Info("📊 市场重新分配完成: 市场=%d 分片=%d", len(markets), len(m.workers))
}

// CheckHealth 分片健康检查
// 缺失或非活跃判失败；心跳陈旧只告警
func (m *Manager) CheckHealth(ctx context.Context) error {
	statuses, err := m.store.ListThreadStatuses(ctx)
	if err != nil {
		return err
	}

	byID := make(map[int]*storage.ThreadStatus, len(statuses))
	for _, ts := range statuses {
		byID[ts.ThreadID] = ts
	}

	m.mu.Lock()
	count := len(m.workers)
	m.mu.Unlock()

	for i := 0; i < count; i++ {
		ts, ok := byID[i]
		if !ok {
			m.bus.Publish(event.New(event.EventTypeWorkerUnhealthy, map[string]interface{}{
				"thread_id": i, "reason": "missing",
			}))
			return fmt.Errorf("分片 %d 无心跳记录", i)
		}
		if !ts.IsActive {
			m.bus.Publish(event.New(event.EventTypeWorkerUnhealthy, map[string]interface{}{
				"thread_id": i, "reason": "inactive",
			}))
			return fmt.Errorf("分片 %d 已停止", i)
		}

		age := time.Since(ts.LastUpdated)
		metrics.WorkerHeartbeatAge.WithLabelValues(strconv.Itoa(i)).Set(age.Seconds())
		if age > staleHeartbeat {
			logger.Warn("⚠️ 分片 %d 心跳陈旧: %s 未更新", i, age.Round(time.Second))
		}
	}
	return nil
}

// Running 引擎是否在运行
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// partitionMarkets 连续切片分配，余数由前面的分片各多承担一个
// 市场数少于分片数时前面的分片每片一个，不会出现单片独占全部市场
func partitionMarkets(markets []string, n int) [][]string {
	parts := make([][]string, n)
	if n == 0 {
		return parts
	}

	per := len(markets) / n
	rem := len(markets) % n
	offset := 0
	for i := 0; i < n; i++ {
		size := per
		if i < rem {
			size++
		}
		parts[i] = markets[offset : offset+size]
		offset += size
	}
	return parts
}
