package monitor

// Condition 市场状态评估结果
type Condition struct {
	Tradeable     bool    // 是否允许开新仓
	Trend         int     // 市场趋势 -1:下跌 0:中性 1:上涨
	RiskLevel     float64 // 风险度 [0,1]
	CoinFearGreed float64 // 该市场的恐惧贪婪指数
	Message       string
}

// AssessCondition 基于快照评估市场状态
// 极端情绪与急剧资金流出直接禁止交易，连续涨跌历史决定趋势
func AssessCondition(snap *Snapshot, market string) *Condition {
	result := &Condition{
		Tradeable:     true,
		Trend:         0,
		RiskLevel:     0.5,
		CoinFearGreed: snap.MarketFearGreed(market),
		Message:       "正常",
	}

	// 1. 恐惧贪婪指数
	if snap.GlobalFearGreed < 20 {
		result.Tradeable = false
		result.RiskLevel = 0.9
		result.Message = "极度恐惧"
		return result
	}
	if snap.GlobalFearGreed > 80 {
		result.Tradeable = false
		result.RiskLevel = 0.8
		result.Message = "极度贪婪"
		return result
	}

	// 2. AFR 变化
	if len(snap.AFRHistory) >= 2 {
		prev := snap.AFRHistory[len(snap.AFRHistory)-2]
		if prev != 0 {
			afrChange := (snap.AFR - prev) / prev * 100
			if afrChange < -5 {
				result.Tradeable = false
				result.Trend = -1
				result.RiskLevel = 0.7
				result.Message = "资金急剧流出"
				return result
			}
			if afrChange > 5 {
				result.Trend = 1
				result.RiskLevel = 0.6
			}
		}
	}

	// 3. 当前涨跌幅
	if snap.CurrentChange < -3 {
		result.Tradeable = false
		result.Trend = -1
		result.RiskLevel = 0.7
		result.Message = "市场大幅下跌"
		return result
	}

	// 4. 涨跌历史趋势：最近5次中4次以上同向
	if len(snap.ChangeHistory) >= 5 {
		recent := snap.ChangeHistory[len(snap.ChangeHistory)-5:]
		negCount := 0
		for _, c := range recent {
			if c < 0 {
				negCount++
			}
		}
		if negCount >= 4 {
			result.Trend = -1
			result.RiskLevel = 0.6
			result.Message = "持续下跌趋势"
		} else if negCount <= 1 {
			result.Trend = 1
			result.RiskLevel = 0.4
			result.Message = "持续上涨趋势"
		}
	}

	return result
}
