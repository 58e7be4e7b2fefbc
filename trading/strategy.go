package trading

import (
	"coinpilot/monitor"
	"coinpilot/signal"
)

// Thresholds 动态调整后的买卖阈值
type Thresholds struct {
	Buy  float64
	Sell float64
}

// Strategy 策略参数与动态调整
type Strategy struct {
	BaseBuyThreshold  float64
	BaseSellThreshold float64

	BasePositionSize float64 // 基础仓位（计价币）
	MaxPositionSize  float64
	MinPositionSize  float64
}

// NewStrategy 创建策略
func NewStrategy(buyThreshold, sellThreshold, baseSize, maxSize, minSize float64) *Strategy {
	return &Strategy{
		BaseBuyThreshold:  buyThreshold,
		BaseSellThreshold: sellThreshold,
		BasePositionSize:  baseSize,
		MaxPositionSize:   maxSize,
		MinPositionSize:   minSize,
	}
}

// AdjustThresholds 按市场风险与趋势强度调整买卖阈值
// 风险越高买入越严格、卖出越宽松；趋势越强反向放宽
func (s *Strategy) AdjustThresholds(cond *monitor.Condition, trends map[string]signal.TimeframeStats) Thresholds {
	risk := 0.5
	if cond != nil {
		risk = cond.RiskLevel
	}
	strength := trendStrength(trends)

	return Thresholds{
		Buy:  s.BaseBuyThreshold * (1 + risk) * (1 - strength*0.2),
		Sell: s.BaseSellThreshold * (1 - risk) * (1 + strength*0.2),
	}
}

// PositionSize 按风险、趋势、波动率动态计算仓位
func (s *Strategy) PositionSize(cond *monitor.Condition, trends map[string]signal.TimeframeStats) float64 {
	size := s.BasePositionSize *
		riskFactor(cond) *
		trendFactor(trends) *
		volatilityFactor(trends)

	if size > s.MaxPositionSize {
		size = s.MaxPositionSize
	}
	if size < s.MinPositionSize {
		size = s.MinPositionSize
	}
	return size
}

// riskFactor 风险越高仓位越小，极端情绪进一步压缩
func riskFactor(cond *monitor.Condition) float64 {
	if cond == nil {
		return 0.75
	}

	factor := 1 - cond.RiskLevel*0.5
	if cond.CoinFearGreed < 20 {
		factor *= 0.7
	} else if cond.CoinFearGreed > 80 {
		factor *= 0.8
	}

	return clampF(factor, 0.3, 1.0)
}

// trendFactor 趋势越强仓位越大
func trendFactor(trends map[string]signal.TimeframeStats) float64 {
	weighted := trends["1m"].Trend*0.2 +
		trends["15m"].Trend*0.5 +
		trends["240m"].Trend*0.3

	return clampF(1+weighted*0.3, 0.7, 1.5)
}

// volatilityFactor 波动率越高仓位越小
func volatilityFactor(trends map[string]signal.TimeframeStats) float64 {
	weighted := trends["1m"].Volatility*0.3 +
		trends["15m"].Volatility*0.7

	return clampF(1-weighted*0.4, 0.6, 1.0)
}

// trendStrength 多时间框架趋势强度（绝对值加权）
func trendStrength(trends map[string]signal.TimeframeStats) float64 {
	abs := func(v float64) float64 {
		if v < 0 {
			return -v
		}
		return v
	}
	return abs(trends["1m"].Trend)*0.2 +
		abs(trends["15m"].Trend)*0.5 +
		abs(trends["240m"].Trend)*0.3
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
