package signal

import (
	"math"

	"coinpilot/exchange"
)

// TimeframeStats 单一时间框架的趋势统计
type TimeframeStats struct {
	Trend      float64 // 加权近期涨跌 [-1,1]，正为上涨
	Volatility float64 // 标准差/均值 [0,1]
	MA20       float64 // 20周期移动平均，数据不足时为0
	PriceVsMA  float64 // 现价相对 MA20 的偏离（%）
}

// AnalyzeTimeframes 计算各时间框架的趋势与波动率
func AnalyzeTimeframes(candlesByInterval map[string][]exchange.Candle) map[string]TimeframeStats {
	trends := make(map[string]TimeframeStats, len(candlesByInterval))
	for interval, candles := range candlesByInterval {
		trends[interval] = CalcTrendAndVolatility(candles)
	}
	return trends
}

// CalcTrendAndVolatility 单一时间框架的趋势与波动率
// 趋势：最近至多19个涨跌幅按 1/i 加权平均，放大10倍后夹到 [-1,1]；
// 波动率：最近20根收盘价的标准差/均值，放大10倍后夹到 [0,1]
func CalcTrendAndVolatility(candles []exchange.Candle) TimeframeStats {
	if len(candles) < 2 {
		return TimeframeStats{}
	}

	prices := make([]float64, len(candles))
	for i, c := range candles {
		prices[i] = c.Close
	}
	n := len(prices)

	stats := TimeframeStats{}

	// MA20 与价格偏离
	if n >= 20 {
		sum := 0.0
		for _, p := range prices[n-20:] {
			sum += p
		}
		stats.MA20 = sum / 20
		if stats.MA20 > 0 {
			stats.PriceVsMA = (prices[n-1] - stats.MA20) / stats.MA20 * 100
		}
	}

	// 加权趋势：越近的涨跌幅权重越大（1/i）
	var weightedSum, weightSum float64
	for i := 1; i < 20 && i < n; i++ {
		prev := prices[n-i-1]
		if prev == 0 {
			continue
		}
		change := (prices[n-i] - prev) / prev
		w := 1.0 / float64(i)
		weightedSum += change * w
		weightSum += w
	}
	if weightSum > 0 {
		stats.Trend = clamp(weightedSum/weightSum*10, -1, 1)
	}

	// 波动率：最近20根的变异系数
	window := prices
	if n > 20 {
		window = prices[n-20:]
	}
	mean := 0.0
	for _, p := range window {
		mean += p
	}
	mean /= float64(len(window))

	if mean > 0 {
		variance := 0.0
		for _, p := range window {
			variance += (p - mean) * (p - mean)
		}
		variance /= float64(len(window))
		stats.Volatility = math.Min(math.Sqrt(variance)/mean*10, 1)
	}

	return stats
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
