package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"coinpilot/config"
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

// 分片层级对应的K线时间框架
var (
	fastIntervals = []string{"1m", "15m", "240m"}
	slowIntervals = []string{"15m", "240m"}
)

// Worker 市场分片工作器
// 快速分片短周期高频轮询，慢速分片长周期低频轮询
type Worker struct {
	id       int
	fastTier bool
	cycle    time.Duration

	ex          exchange.IExchange
	store       *storage.Store
	registry    *lock.Registry
	mon         *monitor.MarketMonitor
	tm          *trading.Manager
	provider    signal.Provider
	guard       *safety.EmergencyGuard
	cfgProvider *config.Provider

	exchangeName string

	mu      sync.RWMutex
	markets []string
}

// NewWorker 创建分片工作器
func NewWorker(id int, fastTier bool, cycle time.Duration, markets []string,
	ex exchange.IExchange, store *storage.Store, registry *lock.Registry,
	mon *monitor.MarketMonitor, tm *trading.Manager, provider signal.Provider,
	guard *safety.EmergencyGuard, cfgProvider *config.Provider) *Worker {
	return &Worker{
		id:           id,
		fastTier:     fastTier,
		cycle:        cycle,
		markets:      markets,
		ex:           ex,
		store:        store,
		registry:     registry,
		mon:          mon,
		tm:           tm,
		provider:     provider,
		guard:        guard,
		cfgProvider:  cfgProvider,
		exchangeName: ex.GetName(),
	}
}

// SetMarkets 原子替换分配的市场（重分配时调用，不重启工作器）
func (w *Worker) SetMarkets(markets []string) {
	w.mu.Lock()
	w.markets = markets
	w.mu.Unlock()
}

// Markets 当前分配的市场
func (w *Worker) Markets() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, len(w.markets))
	copy(out, w.markets)
	return out
}

// Run 分片主循环
// 周期顶端拉取一次配置快照，整轮使用同一版本
func (w *Worker) Run(ctx context.Context) {
	// 错峰启动，避免所有分片同时打满API额度
	stagger := time.Duration(w.id) * 2 * time.Second
	select {
	case <-ctx.Done():
		return
	case <-time.After(stagger):
	}

	logger.Info("🟢 分片 %d 启动: tier=%s cycle=%s markets=%d",
		w.id, w.tierName(), w.cycle, len(w.markets))

	for {
		select {
		case <-ctx.Done():
			w.markInactive()
			logger.Info("⏹️ 分片 %d 退出", w.id)
			return
		default:
		}

		start := time.Now()
		w.runCycle(ctx)
		metrics.WorkerCycles.WithLabelValues(strconv.Itoa(w.id)).Inc()

		// 补足剩余周期时间
		if elapsed := time.Since(start); elapsed < w.cycle {
			select {
			case <-ctx.Done():
			case <-time.After(w.cycle - elapsed):
			}
		}
	}
}

func (w *Worker) runCycle(ctx context.Context) {
	if w.guard.Paused() {
		logger.Warn("⚠️ 分片 %d: 紧急暂停中，跳过本轮", w.id)
		w.heartbeat(ctx, "")
		return
	}

	snap := w.cfgProvider.Current()
	markets := w.Markets()

	for _, market := range markets {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := w.processMarket(ctx, market, snap); err != nil {
			logger.Error("❌ 分片 %d 处理 %s 失败: %v", w.id, market, err)
		}
		w.heartbeat(ctx, market)
	}
	if len(markets) == 0 {
		w.heartbeat(ctx, "")
	}
}

// processMarket 单市场完整决策流程
// K线锁 → 拉取与信号评估 → 市场条件门控 → 交易锁 → 决策 → 执行
func (w *Worker) processMarket(ctx context.Context, market string, snap *config.Snapshot) error {
	started := time.Now()
	defer func() {
		metrics.DecisionLatency.Observe(time.Since(started).Seconds())
	}()

	owner := fmt.Sprintf("worker-%d:%s", w.id, market)

	// 1. K线拉取（candle_data 锁域内）
	candles, err := w.fetchCandles(ctx, market, owner, snap)
	if err != nil {
		if errors.Is(err, exchange.ErrInsufficientData) {
			metrics.MarketsSkipped.WithLabelValues("insufficient_data").Inc()
			logger.Debug("🔍 %s K线不足，跳过", market)
			return nil
		}
		w.guard.ReportFailure(ctx, err)
		return err
	}
	w.guard.ReportSuccess()

	// 2. 信号与趋势
	vector, err := w.provider.Evaluate(market, candles)
	if err != nil {
		return fmt.Errorf("信号评估失败: %w", err)
	}
	trends := signal.AnalyzeTimeframes(candles)

	// 3. 市场条件评估
	marketSnap := w.mon.Snapshot()
	cond := monitor.AssessCondition(marketSnap, market)

	// 4. 策略参数（本轮快照版本）
	strategy := trading.NewStrategy(
		snap.BuyThreshold, snap.SellThreshold,
		snap.MaxThreadInvestment*0.25, snap.MaxThreadInvestment*0.5, snap.MinTradeAmount,
	)
	thresholds := strategy.AdjustThresholds(cond, trends)
	proposed := strategy.PositionSize(cond, trends)

	shortCandles := candles[w.shortInterval()]

	// 5. 交易锁域内：刷新持仓、决策、执行
	return w.registry.WithRetry(ctx, lock.DomainTrade, owner, func() error {
		open, err := w.store.GetOpenTrade(ctx, market, w.exchangeName)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		var trade *storage.Trade
		if open != nil {
			// 已转长期的市场由长期持仓管理器接管
			if open.Status == storage.TradeStatusConverted {
				metrics.MarketsSkipped.WithLabelValues("long_term").Inc()
				return nil
			}
			trade = open

			price, err := w.ex.GetCurrentPrice(ctx, market)
			if err != nil {
				w.guard.ReportFailure(ctx, err)
				return err
			}
			if err := w.tm.RefreshPrice(ctx, trade, price); err != nil {
				return err
			}
		}

		// 不可交易状态下只评估已有持仓的卖出路径
		if trade == nil && !cond.Tradeable {
			metrics.MarketsSkipped.WithLabelValues("market_condition").Inc()
			logger.Debug("🔍 %s 市场条件不可交易: %s", market, cond.Message)
			return nil
		}

		threadInvestment, err := w.store.SumThreadInvestment(ctx, w.exchangeName, w.id)
		if err != nil {
			return err
		}
		withinLimit, err := w.tm.CheckInvestmentLimit(ctx)
		if err != nil {
			return err
		}

		trough := w.maintainTrough(ctx, market, trade, vector, thresholds, shortCandles)

		act := trading.Decide(&trading.DecisionInputs{
			Market:           market,
			FastTier:         w.fastTier,
			Trade:            trade,
			Vector:           vector,
			Trends:           trends,
			Condition:        cond,
			Snapshot:         marketSnap,
			Thresholds:       thresholds,
			ThreadInvestment: threadInvestment,
			ThreadCap:        snap.MaxThreadInvestment,
			WithinLimit:      withinLimit,
			MinTradeAmount:   snap.MinTradeAmount,
			ProposedAmount:   proposed,
			Trough:           trough,
			ShortCandles:     shortCandles,
		})

		return w.execute(ctx, market, act, vector, thresholds, cond)
	})
}

// fetchCandles 锁域内拉取全部时间框架的K线
func (w *Worker) fetchCandles(ctx context.Context, market, owner string, snap *config.Snapshot) (map[string][]exchange.Candle, error) {
	candles := make(map[string][]exchange.Candle)

	err := w.registry.WithRetry(ctx, lock.DomainCandleData, owner, func() error {
		for _, interval := range w.intervals() {
			series, err := w.ex.GetCandles(ctx, market, interval, snap.CandleCount)
			if err != nil {
				return err
			}
			if len(series) < snap.MinCandleCount {
				return exchange.ErrInsufficientData
			}
			candles[interval] = series
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return candles, nil
}

// maintainTrough 无持仓时维护信号波谷记录
func (w *Worker) maintainTrough(ctx context.Context, market string, trade *storage.Trade,
	vector *signal.Vector, thresholds trading.Thresholds, shortCandles []exchange.Candle) *storage.SignalTrough {
	trough, err := w.store.GetTrough(ctx, market, w.exchangeName)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.Warn("⚠️ 读取波谷记录失败 [%s]: %v", market, err)
		return nil
	}

	if trade != nil || len(shortCandles) == 0 {
		return trough
	}

	// 信号弱于买入阈值且创出新低时记录
	if vector.OverallSignal < thresholds.Buy &&
		(trough == nil || vector.OverallSignal < trough.LowestSignal) {
		updated := &storage.SignalTrough{
			Market:       market,
			Exchange:     w.exchangeName,
			LowestSignal: vector.OverallSignal,
			LowestPrice:  shortCandles[len(shortCandles)-1].Close,
			Timestamp:    time.Now(),
		}
		if err := w.store.UpsertTrough(ctx, updated); err != nil {
			logger.Warn("⚠️ 更新波谷记录失败 [%s]: %v", market, err)
			return trough
		}
		return updated
	}
	return trough
}

// execute 执行决策动作
func (w *Worker) execute(ctx context.Context, market string, act *trading.Action,
	vector *signal.Vector, thresholds trading.Thresholds, cond *monitor.Condition) error {
	switch act.Type {
	case trading.ActionBuy:
		snapshot, _ := json.Marshal(map[string]float64{
			"buy_threshold":  thresholds.Buy,
			"sell_threshold": thresholds.Sell,
			"risk_level":     cond.RiskLevel,
			"signal":         vector.OverallSignal,
		})
		_, err := w.tm.OpenPosition(ctx, &trading.OpenRequest{
			Market:         market,
			ThreadID:       w.id,
			SignalStrength: vector.OverallSignal,
			Amount:         act.Amount,
			Reason:         act.Reason(),
			Snapshot:       string(snapshot),
		})
		if err != nil {
			return err
		}
		if act.ResetTrough {
			if err := w.store.DeleteTrough(ctx, market, w.exchangeName); err != nil {
				logger.Warn("⚠️ 重置波谷记录失败 [%s]: %v", market, err)
			}
		}
		return nil

	case trading.ActionAverageDown:
		_, err := w.tm.OpenPosition(ctx, &trading.OpenRequest{
			Market:         market,
			ThreadID:       w.id,
			SignalStrength: vector.OverallSignal,
			Amount:         act.Amount,
			Reason:         act.Reason(),
			AveragingDown:  true,
		})
		return err

	case trading.ActionSell:
		return w.tm.ClosePosition(ctx, &trading.CloseRequest{
			Market:         market,
			ThreadID:       w.id,
			SignalStrength: vector.OverallSignal,
			Reason:         act.Reason(),
		})
	}
	return nil
}

// heartbeat 心跳上报
func (w *Worker) heartbeat(ctx context.Context, lastMarket string) {
	assigned, _ := json.Marshal(w.Markets())
	err := w.store.UpsertThreadStatus(ctx, &storage.ThreadStatus{
		ThreadID:        w.id,
		AssignedMarkets: string(assigned),
		LastMarket:      lastMarket,
		IsActive:        true,
		LastUpdated:     time.Now(),
	})
	if err != nil {
		logger.Warn("⚠️ 分片 %d 心跳上报失败: %v", w.id, err)
	}
}

// markInactive 退出前标记非活跃
func (w *Worker) markInactive() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	assigned, _ := json.Marshal(w.Markets())
	_ = w.store.UpsertThreadStatus(ctx, &storage.ThreadStatus{
		ThreadID:        w.id,
		AssignedMarkets: string(assigned),
		IsActive:        false,
		LastUpdated:     time.Now(),
	})
}

func (w *Worker) intervals() []string {
	if w.fastTier {
		return fastIntervals
	}
	return slowIntervals
}

func (w *Worker) shortInterval() string {
	if w.fastTier {
		return "1m"
	}
	return "15m"
}

func (w *Worker) tierName() string {
	if w.fastTier {
		return "fast"
	}
	return "slow"
}
