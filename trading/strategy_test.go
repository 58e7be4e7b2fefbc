package trading

import (
	"testing"

	"coinpilot/monitor"
	"coinpilot/signal"
)

func almostEqual(a, b float64) bool {
	diff := a - b
	return diff < 1e-9 && diff > -1e-9
}

func TestAdjustThresholds(t *testing.T) {
	s := NewStrategy(0.65, 0.45, 10000, 20000, 5000)
	trends := map[string]signal.TimeframeStats{"1m": {}, "15m": {}, "240m": {}}

	// 中性风险、无趋势：买入阈值抬高50%，卖出阈值压低50%
	th := s.AdjustThresholds(&monitor.Condition{RiskLevel: 0.5}, trends)
	if !almostEqual(th.Buy, 0.65*1.5) {
		t.Fatalf("买入阈值 = %.4f, 期望 %.4f", th.Buy, 0.65*1.5)
	}
	if !almostEqual(th.Sell, 0.45*0.5) {
		t.Fatalf("卖出阈值 = %.4f, 期望 %.4f", th.Sell, 0.45*0.5)
	}

	// 风险升高：买入更严格、卖出更宽松
	high := s.AdjustThresholds(&monitor.Condition{RiskLevel: 0.8}, trends)
	if high.Buy <= th.Buy {
		t.Fatalf("高风险买入阈值 %.4f 应高于 %.4f", high.Buy, th.Buy)
	}
	if high.Sell >= th.Sell {
		t.Fatalf("高风险卖出阈值 %.4f 应低于 %.4f", high.Sell, th.Sell)
	}

	// 强趋势：买入阈值回落
	strongTrends := map[string]signal.TimeframeStats{
		"1m": {Trend: 0.8}, "15m": {Trend: 0.8}, "240m": {Trend: 0.8},
	}
	strong := s.AdjustThresholds(&monitor.Condition{RiskLevel: 0.5}, strongTrends)
	if strong.Buy >= th.Buy {
		t.Fatalf("强趋势买入阈值 %.4f 应低于 %.4f", strong.Buy, th.Buy)
	}
}

func TestPositionSizeBounds(t *testing.T) {
	s := NewStrategy(0.65, 0.45, 10000, 20000, 5000)

	// 低风险强趋势：仓位不超过上限
	calm := map[string]signal.TimeframeStats{
		"1m": {Trend: 1}, "15m": {Trend: 1}, "240m": {Trend: 1},
	}
	size := s.PositionSize(&monitor.Condition{RiskLevel: 0.1, CoinFearGreed: 50}, calm)
	if size > 20000 {
		t.Fatalf("仓位 = %.2f, 超过上限 20000", size)
	}
	if size <= 10000 {
		t.Fatalf("低风险强趋势仓位 = %.2f, 应高于基础仓位", size)
	}

	// 高风险高波动 + 极端恐惧：仓位压到下限
	storm := map[string]signal.TimeframeStats{
		"1m": {Trend: -1, Volatility: 1}, "15m": {Trend: -1, Volatility: 1}, "240m": {Trend: -1},
	}
	size = s.PositionSize(&monitor.Condition{RiskLevel: 0.9, CoinFearGreed: 10}, storm)
	if size != 5000 {
		t.Fatalf("极端行情仓位 = %.2f, 期望下限 5000", size)
	}
}

func TestRiskFactorExtremes(t *testing.T) {
	// 极度恐惧额外压缩
	fear := riskFactor(&monitor.Condition{RiskLevel: 0.5, CoinFearGreed: 10})
	normal := riskFactor(&monitor.Condition{RiskLevel: 0.5, CoinFearGreed: 50})
	if fear >= normal {
		t.Fatalf("极度恐惧因子 %.4f 应低于中性 %.4f", fear, normal)
	}

	// 最高风险叠加极度恐惧：(1-0.5)×0.7 = 0.35
	if got := riskFactor(&monitor.Condition{RiskLevel: 1.0, CoinFearGreed: 10}); !almostEqual(got, 0.35) {
		t.Fatalf("极端因子 = %.4f, 期望 0.35", got)
	}
	if got := riskFactor(&monitor.Condition{RiskLevel: 0, CoinFearGreed: 50}); got != 1.0 {
		t.Fatalf("上限 = %.4f, 期望 1.0", got)
	}
}
