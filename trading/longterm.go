package trading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"coinpilot/event"
	"coinpilot/exchange"
	"coinpilot/lock"
	"coinpilot/logger"
	"coinpilot/metrics"
	"coinpilot/monitor"
	"coinpilot/signal"
	"coinpilot/storage"
)

// 长期持仓参数
const (
	conversionLossThreshold = -3.0 // 转换触发亏损率（%）
	conversionMinAverages   = 2    // 转换前至少经历的摊平次数

	longTermBaseTarget  = 3.0             // 基础目标收益率（%）
	longTermMinTarget   = 0.5             // 目标收益率下限（%）
	longTermStopLoss    = -25.0           // 长期持仓硬止损（%）
	addPositionCooldown = 1 * time.Hour   // 加仓冷却
	addPositionLoss     = -5.0            // 加仓触发亏损率（%）
)

// LongTermManager 长期持仓管理器
// 深度亏损的短线仓位转入长期账本，以成交量加权均价为基准
// 逢低加仓、按持有时长与风险衰减目标收益率择机退出
type LongTermManager struct {
	store    *storage.Store
	manager  *Manager
	ex       exchange.IExchange
	registry *lock.Registry
	mon      *monitor.MarketMonitor
	bus      *event.EventBus

	exchangeName   string
	minTradeAmount float64
	threadCap      float64
}

// NewLongTermManager 创建长期持仓管理器
func NewLongTermManager(store *storage.Store, manager *Manager, ex exchange.IExchange,
	registry *lock.Registry, mon *monitor.MarketMonitor, bus *event.EventBus,
	minTradeAmount, threadCap float64) *LongTermManager {
	return &LongTermManager{
		store:          store,
		manager:        manager,
		ex:             ex,
		registry:       registry,
		mon:            mon,
		bus:            bus,
		exchangeName:   ex.GetName(),
		minTradeAmount: minTradeAmount,
		threadCap:      threadCap,
	}
}

// SweepConversions 巡检活跃交易，把符合条件的深亏仓位转为长期持仓
// 条件：亏损超3%、已摊平多次、长周期趋势未崩塌且波动平稳
func (lm *LongTermManager) SweepConversions(ctx context.Context) error {
	trades, err := lm.store.ListTradesByStatus(ctx, lm.exchangeName, storage.TradeStatusActive)
	if err != nil {
		return fmt.Errorf("读取活跃交易失败: %w", err)
	}

	for _, trade := range trades {
		if trade.ProfitRate > conversionLossThreshold {
			continue
		}
		if trade.AveragingDownCount < conversionMinAverages {
			continue
		}

		stable, err := lm.longTrendStable(ctx, trade.Market)
		if err != nil {
			logger.Warn("⚠️ 转换评估跳过 [%s]: %v", trade.Market, err)
			continue
		}
		if !stable {
			continue
		}

		if err := lm.convert(ctx, trade); err != nil {
			logger.Error("❌ 长期转换失败 [%s]: %v", trade.Market, err)
			continue
		}
	}
	return nil
}

// longTrendStable 长周期趋势未崩塌：240m 趋势 > -0.3 且波动率 < 0.8
func (lm *LongTermManager) longTrendStable(ctx context.Context, market string) (bool, error) {
	candles, err := lm.ex.GetCandles(ctx, market, "240m", 60)
	if err != nil {
		return false, err
	}
	if len(candles) < 2 {
		return false, nil
	}
	stats := signal.CalcTrendAndVolatility(candles)
	return stats.Trend > -0.3 && stats.Volatility < 0.8, nil
}

// convert 事务内完成短线转长期：建长期账本、标记原交易、写审计记录
func (lm *LongTermManager) convert(ctx context.Context, trade *storage.Trade) error {
	err := lm.registry.WithRetry(ctx, lock.DomainLongTerm, trade.Market, func() error {
		return lm.store.Transaction(ctx, func(tx *storage.Store) error {
			// 复核状态，避免并发决策已平仓或已转换
			fresh, err := tx.GetActiveTrade(ctx, trade.Market, lm.exchangeName)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return nil
				}
				return err
			}

			lt := &storage.LongTermTrade{
				Market:             fresh.Market,
				Exchange:           lm.exchangeName,
				ThreadID:           fresh.ThreadID,
				Status:             "active",
				TotalInvestment:    fresh.InvestmentAmount,
				TotalVolume:        fresh.ExecutedVolume,
				TargetProfitRate:   longTermBaseTarget,
				LastInvestmentTime: fresh.EntryTimestamp,
				OriginalTradeID:    fresh.ID,
			}
			if lt.TotalVolume > 0 {
				lt.AveragePrice = lt.TotalInvestment / lt.TotalVolume
			}
			if err := tx.CreateLongTermTrade(ctx, lt); err != nil {
				return err
			}

			// 原始持仓作为种子仓位入账
			pos := &storage.LongTermPosition{
				LongTermTradeID: lt.ID,
				Price:           fresh.EntryPrice,
				Amount:          fresh.InvestmentAmount,
				ExecutedVolume:  fresh.ExecutedVolume,
				Timestamp:       fresh.EntryTimestamp,
			}
			if err := tx.AppendLongTermPosition(ctx, pos); err != nil {
				return err
			}

			// 原交易降级为只读审计行
			fresh.Status = storage.TradeStatusConverted
			fresh.IsLongTerm = true
			if err := tx.UpdateTrade(ctx, fresh); err != nil {
				return err
			}

			return tx.CreateConversionRecord(ctx, &storage.ConversionRecord{
				Market:          fresh.Market,
				Exchange:        lm.exchangeName,
				OriginalTradeID: fresh.ID,
				LongTermTradeID: lt.ID,
				LossRate:        fresh.ProfitRate,
				Reason:          "深度亏损转长期持有",
			})
		})
	})
	if err != nil {
		return err
	}

	metrics.Conversions.Inc()
	lm.bus.Publish(event.New(event.EventTypeConversion, map[string]interface{}{
		"market":    trade.Market,
		"loss_rate": trade.ProfitRate,
	}))
	logger.Info("🔄 已转为长期持仓: %s 亏损率=%.2f%%", trade.Market, trade.ProfitRate)
	return nil
}

// ProcessHourly 长期持仓的小时级维护：逢低加仓与目标收益退出
func (lm *LongTermManager) ProcessHourly(ctx context.Context) error {
	longTerms, err := lm.store.ListLongTermTrades(ctx, lm.exchangeName)
	if err != nil {
		return fmt.Errorf("读取长期持仓失败: %w", err)
	}

	for _, lt := range longTerms {
		if lt.Status != "active" {
			continue
		}
		if err := lm.processOne(ctx, lt); err != nil {
			logger.Error("❌ 长期持仓维护失败 [%s]: %v", lt.Market, err)
		}
	}
	return nil
}

func (lm *LongTermManager) processOne(ctx context.Context, lt *storage.LongTermTrade) error {
	price, err := lm.ex.GetCurrentPrice(ctx, lt.Market)
	if err != nil {
		return err
	}
	if lt.AveragePrice == 0 {
		return nil
	}
	profitRate := (price - lt.AveragePrice) / lt.AveragePrice * 100

	risk := 0.5
	if snap := lm.mon.Snapshot(); snap != nil {
		cond := monitor.AssessCondition(snap, lt.Market)
		risk = cond.RiskLevel
	}

	// 1. 目标收益退出（目标随持有时长与风险衰减）
	target := lm.adaptiveTarget(lt, risk)
	if profitRate >= target {
		logger.Info("🟢 长期持仓达标退出: %s 收益=%.2f%% 目标=%.2f%%", lt.Market, profitRate, target)
		return lm.manager.ClosePosition(ctx, &CloseRequest{
			Market: lt.Market,
			Reason: "长期持仓目标达成",
		})
	}

	// 2. 风险驱动的提前退出：高风险下小赚即走，深亏硬止损
	if (risk >= 0.8 && profitRate > 0.3) || profitRate <= longTermStopLoss {
		logger.Info("⚠️ 长期持仓风险退出: %s 收益=%.2f%% 风险=%.2f", lt.Market, profitRate, risk)
		return lm.manager.ClosePosition(ctx, &CloseRequest{
			Market: lt.Market,
			Reason: "长期持仓风险退出",
		})
	}

	// 3. 逢低加仓：亏损扩大、冷却期已过、额度允许、风险可接受
	if profitRate <= addPositionLoss &&
		time.Since(lt.LastInvestmentTime) >= addPositionCooldown &&
		risk < 0.7 &&
		lt.TotalInvestment < lm.threadCap {
		amount := lt.TotalInvestment * 0.3
		if room := lm.threadCap - lt.TotalInvestment; amount > room {
			amount = room
		}
		if amount >= lm.minTradeAmount {
			logger.Info("💰 长期持仓加仓: %s 亏损=%.2f%% 金额=%.2f", lt.Market, profitRate, amount)
			_, err := lm.manager.OpenPosition(ctx, &OpenRequest{
				Market:   lt.Market,
				ThreadID: lt.ThreadID,
				Amount:   amount,
				Reason:   "长期持仓加仓",
			})
			return err
		}
	}

	return nil
}

// adaptiveTarget 自适应目标收益率
// 每持有一周衰减0.5个百分点，高风险时再压低，下限0.5%
func (lm *LongTermManager) adaptiveTarget(lt *storage.LongTermTrade, risk float64) float64 {
	target := lt.TargetProfitRate
	if target == 0 {
		target = longTermBaseTarget
	}

	weeks := time.Since(lt.CreatedAt).Hours() / (24 * 7)
	target -= weeks * 0.5

	if risk > 0.6 {
		target -= (risk - 0.6) * 2
	}

	if target < longTermMinTarget {
		target = longTermMinTarget
	}
	return target
}
