package trading

import (
	"testing"
	"time"

	"coinpilot/exchange"
	"coinpilot/monitor"
	"coinpilot/signal"
	"coinpilot/storage"
)

// baseInputs 中性市场下的决策输入骨架
func baseInputs() *DecisionInputs {
	return &DecisionInputs{
		Market:   "BTCUSDT",
		FastTier: true,
		Vector:   &signal.Vector{OverallSignal: 0.5},
		Trends: map[string]signal.TimeframeStats{
			"1m":   {},
			"15m":  {},
			"240m": {},
		},
		Condition: &monitor.Condition{
			Tradeable:     true,
			RiskLevel:     0.5,
			CoinFearGreed: 50,
		},
		Snapshot:       &monitor.Snapshot{GlobalFearGreed: 50, AFR: 0.0001},
		Thresholds:     Thresholds{Buy: 0.65, Sell: 0.45},
		ThreadCap:      20000,
		WithinLimit:    true,
		MinTradeAmount: 5000,
		ProposedAmount: 8000,
	}
}

func activeTrade(profitRate float64) *storage.Trade {
	return &storage.Trade{
		Market:           "BTCUSDT",
		Exchange:         "fake",
		Status:           storage.TradeStatusActive,
		EntryPrice:       50000,
		CurrentPrice:     50000 * (1 + profitRate/100),
		InvestmentAmount: 10000,
		ProfitRate:       profitRate,
	}
}

func TestDecideNoSignalNoAction(t *testing.T) {
	in := baseInputs()
	act := Decide(in)
	if act.Type != ActionNone {
		t.Fatalf("中性市场动作 = %s, 期望 none", act.Type)
	}
}

func TestDecideRegularBuy(t *testing.T) {
	in := baseInputs()
	in.Vector.OverallSignal = 0.8
	in.Trends["1m"] = signal.TimeframeStats{Trend: 0.2}
	in.Trends["15m"] = signal.TimeframeStats{Trend: 0.1}

	act := Decide(in)
	if act.Type != ActionBuy {
		t.Fatalf("动作 = %s, 期望 buy", act.Type)
	}
	if act.Amount != 8000 {
		t.Fatalf("买入金额 = %.2f, 期望 8000", act.Amount)
	}
}

func TestDecideBuyBlockedByLimit(t *testing.T) {
	in := baseInputs()
	in.Vector.OverallSignal = 0.9
	in.Trends["1m"] = signal.TimeframeStats{Trend: 0.2}
	in.Trends["15m"] = signal.TimeframeStats{Trend: 0.1}
	in.WithinLimit = false

	if act := Decide(in); act.Type != ActionNone {
		t.Fatalf("超限时动作 = %s, 期望 none", act.Type)
	}

	// 分片额度用满80%同样阻断
	in.WithinLimit = true
	in.ThreadInvestment = 16000
	if act := Decide(in); act.Type != ActionNone {
		t.Fatalf("分片额度耗尽时动作 = %s, 期望 none", act.Type)
	}
}

func TestDecideBuyBelowMinTrade(t *testing.T) {
	in := baseInputs()
	in.Vector.OverallSignal = 0.9
	in.Trends["1m"] = signal.TimeframeStats{Trend: 0.2}
	in.Trends["15m"] = signal.TimeframeStats{Trend: 0.1}
	// 剩余额度不足一笔最小下单
	in.ThreadInvestment = 15500
	in.ProposedAmount = 8000

	if act := Decide(in); act.Type != ActionNone {
		t.Fatalf("额度不足最小下单时动作 = %s, 期望 none", act.Type)
	}
}

func TestDecideSellWinsOverAverageDown(t *testing.T) {
	// 亏损3.5%：摊平条件成立，但高风险止损同时触发 → 卖出优先
	in := baseInputs()
	in.Trade = activeTrade(-3.5)
	in.Condition.RiskLevel = 0.65

	act := Decide(in)
	if act.Type != ActionSell {
		t.Fatalf("动作 = %s, 期望 sell（卖出优先于摊平）", act.Type)
	}
}

func TestDecideAverageDown(t *testing.T) {
	in := baseInputs()
	in.Trade = activeTrade(-2.5)
	in.Condition.RiskLevel = 0.4
	in.Trends["1m"] = signal.TimeframeStats{Trend: -0.1, Volatility: 0.2}
	in.Trends["15m"] = signal.TimeframeStats{Trend: 0.05}

	act := Decide(in)
	if act.Type != ActionAverageDown {
		t.Fatalf("动作 = %s, 期望 average_down", act.Type)
	}
	// 现有仓位的50%
	if act.Amount != 5000 {
		t.Fatalf("摊平金额 = %.2f, 期望 5000", act.Amount)
	}
}

func TestDecideAverageDownBlockedByCount(t *testing.T) {
	in := baseInputs()
	in.Trade = activeTrade(-2.5)
	in.Trade.AveragingDownCount = 3
	in.Condition.RiskLevel = 0.4

	if act := Decide(in); act.Type != ActionNone {
		t.Fatalf("摊平次数达上限时动作 = %s, 期望 none", act.Type)
	}
}

func TestDecideProfitTakingOnWeakTrend(t *testing.T) {
	in := baseInputs()
	in.Trade = activeTrade(4)
	in.Trends["1m"] = signal.TimeframeStats{Trend: 0.02}

	act := Decide(in)
	if act.Type != ActionSell {
		t.Fatalf("动作 = %s, 期望 sell", act.Type)
	}
}

func TestDecideUserCallSell(t *testing.T) {
	in := baseInputs()
	in.Trade = activeTrade(0.5)
	in.Trade.UserCall = true

	act := Decide(in)
	if act.Type != ActionSell {
		t.Fatalf("动作 = %s, 期望 sell", act.Type)
	}
	if act.Reason() != "用户指令卖出" {
		t.Fatalf("理由 = %s, 期望 用户指令卖出", act.Reason())
	}
}

func TestDecideTroughRebound(t *testing.T) {
	in := baseInputs()
	in.Condition.RiskLevel = 0.4
	in.Trends["1m"] = signal.TimeframeStats{Trend: 0.3, Volatility: 0.2}
	in.Vector.OverallSignal = 0.5
	in.Trough = &storage.SignalTrough{
		Market:       "BTCUSDT",
		LowestSignal: 0.4,
		LowestPrice:  49000,
		Timestamp:    time.Now().Add(-time.Hour),
	}
	// 信号回升25%、价格回升约1%
	in.ShortCandles = []exchange.Candle{{Close: 49500}}

	act := Decide(in)
	if act.Type != ActionBuy {
		t.Fatalf("动作 = %s, 期望 buy", act.Type)
	}
	if !act.ResetTrough {
		t.Fatal("波谷反弹买入后应重置波谷记录")
	}
}

func TestDecideTroughReboundBlockedByRisk(t *testing.T) {
	in := baseInputs()
	in.Condition.RiskLevel = 0.7
	in.Trends["1m"] = signal.TimeframeStats{Trend: 0.3, Volatility: 0.2}
	in.Trough = &storage.SignalTrough{LowestSignal: 0.4, LowestPrice: 49000}
	in.ShortCandles = []exchange.Candle{{Close: 49500}}

	if act := Decide(in); act.Type != ActionNone {
		t.Fatalf("高风险下波谷反弹动作 = %s, 期望 none", act.Type)
	}
}

func TestBuyThresholdMultiplier(t *testing.T) {
	in := baseInputs()

	// 中性市场、中性币种
	if got := buyThresholdMultiplier(in); got != 1.0 {
		t.Fatalf("中性乘数 = %.2f, 期望 1.0", got)
	}

	// 恐惧市场 + 恐惧币种：1.05 + 0.1
	in.Snapshot.GlobalFearGreed = 40
	in.Condition.CoinFearGreed = 25
	if got := buyThresholdMultiplier(in); got < 1.1499 || got > 1.1501 {
		t.Fatalf("恐惧乘数 = %.4f, 期望 1.15", got)
	}

	// 贪婪市场 + 贪婪币种：0.95 - 0.15
	in.Snapshot.GlobalFearGreed = 60
	in.Condition.CoinFearGreed = 70
	if got := buyThresholdMultiplier(in); got < 0.7999 || got > 0.8001 {
		t.Fatalf("贪婪乘数 = %.4f, 期望 0.8", got)
	}
}

func TestStagnationDip(t *testing.T) {
	in := baseInputs()
	in.Trade = activeTrade(0.5)
	// 连续横盘后最后一根转跌
	in.ShortCandles = []exchange.Candle{
		{Close: 50000}, {Close: 50010}, {Close: 49990},
	}

	act := Decide(in)
	if act.Type != ActionSell {
		t.Fatalf("横盘后回落动作 = %s, 期望 sell", act.Type)
	}
}
