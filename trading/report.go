package trading

import (
	"context"
	"fmt"
	"time"

	"coinpilot/event"
	"coinpilot/logger"
	"coinpilot/storage"
	"coinpilot/utils"
)

// Reporter 周期报告生成器
type Reporter struct {
	store        *storage.Store
	bus          *event.EventBus
	exchangeName string
}

// NewReporter 创建报告生成器
func NewReporter(store *storage.Store, bus *event.EventBus, exchangeName string) *Reporter {
	return &Reporter{store: store, bus: bus, exchangeName: exchangeName}
}

// ReportSummary 报告汇总数据
type ReportSummary struct {
	Period       string
	ClosedTrades int
	WinTrades    int
	TotalProfit  float64
	TotalFee     float64
	OpenTrades   int64
	OpenAmount   float64
	ProfitEarned float64
}

// GenerateHourlyReport 小时报告：最近一小时的平仓汇总与当前持仓概况
func (r *Reporter) GenerateHourlyReport(ctx context.Context) error {
	summary, err := r.buildSummary(ctx, "小时", time.Now().Add(-time.Hour))
	if err != nil {
		return err
	}

	r.publish(summary)
	logger.Info("📊 小时报告: 平仓=%d 胜=%d 盈亏=%.2f 持仓=%d",
		summary.ClosedTrades, summary.WinTrades, summary.TotalProfit, summary.OpenTrades)
	return nil
}

// GenerateDailyReport 日报：近24小时汇总，并把未入账的盈亏滚入系统总限额
func (r *Reporter) GenerateDailyReport(ctx context.Context) error {
	summary, err := r.buildSummary(ctx, "每日", time.Now().Add(-24*time.Hour))
	if err != nil {
		return err
	}

	// 未入账盈亏滚入总限额，随后标记已入账
	// 组合侧同步结清 ProfitEarned，同一笔收益不会在停机入账时再次滚入
	err = r.store.Transaction(ctx, func(tx *storage.Store) error {
		profit, _, err := tx.SumUnreported(ctx, r.exchangeName)
		if err != nil {
			return err
		}
		if profit != 0 {
			sc, err := tx.GetSystemConfig(ctx, r.exchangeName)
			if err != nil {
				return err
			}
			sc.TotalMaxInvestment += profit
			if err := tx.SaveSystemConfig(ctx, sc); err != nil {
				return err
			}

			p, err := tx.GetPortfolio(ctx, r.exchangeName)
			if err != nil {
				return err
			}
			p.ProfitEarned -= profit
			p.UpdatedAt = time.Now()
			if err := tx.SavePortfolio(ctx, p); err != nil {
				return err
			}
			logger.Info("💰 盈亏滚入总限额: %.2f → 新限额 %.2f", profit, sc.TotalMaxInvestment)
		}
		return tx.MarkReported(ctx, r.exchangeName)
	})
	if err != nil {
		return fmt.Errorf("盈亏入账失败: %w", err)
	}

	r.publish(summary)
	logger.Info("📊 日报 (%s): 平仓=%d 胜=%d 盈亏=%.2f 手续费=%.2f 累计收益=%.2f",
		utils.ToConfiguredTimezone(time.Now()).Format("2006-01-02"),
		summary.ClosedTrades, summary.WinTrades, summary.TotalProfit,
		summary.TotalFee, summary.ProfitEarned)
	return nil
}

func (r *Reporter) buildSummary(ctx context.Context, period string, since time.Time) (*ReportSummary, error) {
	history, err := r.store.ListHistorySince(ctx, r.exchangeName, since)
	if err != nil {
		return nil, fmt.Errorf("读取交易历史失败: %w", err)
	}

	summary := &ReportSummary{Period: period}
	for _, h := range history {
		summary.ClosedTrades++
		summary.TotalProfit += h.RealizedProfit
		summary.TotalFee += h.FeeAmount
		if h.RealizedProfit > 0 {
			summary.WinTrades++
		}
	}

	summary.OpenTrades, err = r.store.CountOpenTrades(ctx, r.exchangeName)
	if err != nil {
		return nil, err
	}
	summary.OpenAmount, err = r.store.SumOpenInvestment(ctx, r.exchangeName)
	if err != nil {
		return nil, err
	}

	if p, err := r.store.GetPortfolio(ctx, r.exchangeName); err == nil {
		summary.ProfitEarned = p.ProfitEarned
	}

	return summary, nil
}

func (r *Reporter) publish(summary *ReportSummary) {
	r.bus.Publish(event.New(event.EventTypeReport, map[string]interface{}{
		"period":        summary.Period,
		"closed_trades": summary.ClosedTrades,
		"win_trades":    summary.WinTrades,
		"total_profit":  summary.TotalProfit,
		"total_fee":     summary.TotalFee,
		"open_trades":   summary.OpenTrades,
		"open_amount":   summary.OpenAmount,
		"profit_earned": summary.ProfitEarned,
	}))
}
