package trading

import (
	"strings"

	"coinpilot/exchange"
	"coinpilot/monitor"
	"coinpilot/signal"
	"coinpilot/storage"
)

// ActionType 决策动作类型
type ActionType int

const (
	ActionNone ActionType = iota
	ActionBuy
	ActionSell
	ActionAverageDown
)

func (a ActionType) String() string {
	switch a {
	case ActionBuy:
		return "buy"
	case ActionSell:
		return "sell"
	case ActionAverageDown:
		return "average_down"
	default:
		return "none"
	}
}

// Action 单轮决策结果
type Action struct {
	Type        ActionType
	Reasons     []string
	Amount      float64 // 买入/摊平金额（计价币）
	ResetTrough bool    // 反弹买入触发后重置波谷记录
}

// Reason 合并决策理由
func (a *Action) Reason() string {
	return strings.Join(a.Reasons, ", ")
}

// DecisionInputs 决策输入（一轮周期内的只读快照）
type DecisionInputs struct {
	Market   string
	FastTier bool // 快速分片（短周期K线）

	Trade  *storage.Trade // nil 表示无持仓
	Vector *signal.Vector
	Trends map[string]signal.TimeframeStats

	Condition *monitor.Condition
	Snapshot  *monitor.Snapshot

	Thresholds Thresholds

	// 投资额度状态（持锁前读取，开仓时在事务内复核）
	ThreadInvestment float64
	ThreadCap        float64
	WithinLimit      bool // 全局投资限额检查结果
	MinTradeAmount   float64
	ProposedAmount   float64 // 策略计算的仓位金额

	Trough       *storage.SignalTrough // 信号波谷记录，可为 nil
	ShortCandles []exchange.Candle     // 短周期K线（横盘检测）
}

// shortTF / longTF 分片层级对应的两个时间框架
func (in *DecisionInputs) shortTF() signal.TimeframeStats {
	if in.FastTier {
		return in.Trends["1m"]
	}
	return in.Trends["15m"]
}

func (in *DecisionInputs) longTF() signal.TimeframeStats {
	if in.FastTier {
		return in.Trends["15m"]
	}
	return in.Trends["240m"]
}

// Decide 每轮决策状态机（纯函数）
// 有持仓时评估卖出与摊平（卖出优先），无持仓时评估各买入路径
func Decide(in *DecisionInputs) *Action {
	if in.Trade != nil {
		return decideWithPosition(in)
	}
	return decideNoPosition(in)
}

// decideWithPosition 持仓路径：卖出与摊平互斥，同时满足时卖出优先
func decideWithPosition(in *DecisionInputs) *Action {
	sellReasons := sellConditions(in)
	if len(sellReasons) > 0 {
		return &Action{Type: ActionSell, Reasons: sellReasons}
	}

	if amount, ok := averageDownCondition(in); ok {
		return &Action{Type: ActionAverageDown, Reasons: []string{"摊平买入"}, Amount: amount}
	}

	return &Action{Type: ActionNone}
}

// sellConditions 按优先级评估所有卖出条件，返回全部命中的理由
func sellConditions(in *DecisionInputs) []string {
	var reasons []string

	profit := in.Trade.ProfitRate
	short := in.shortTF()
	long := in.longTF()
	riskLevel := in.Condition.RiskLevel

	// 1. 多周期急转下跌且波动剧烈
	if short.Trend < -0.1 && long.Trend < -0.07 && short.Volatility > 0.3 {
		reasons = append(reasons, "多周期急转下跌")
	}

	// 2. 两个时间框架确认的持续亏损
	if profit <= -2 && short.Trend < 0 && long.Trend < 0 {
		reasons = append(reasons, "持续亏损确认")
	}

	// 3. 获利后趋势走弱
	if profit > 3 && short.Trend < 0.07 {
		reasons = append(reasons, "获利回吐")
	}

	// 4. 亏损叠加高风险
	if profit < -3 && riskLevel > 0.6 {
		reasons = append(reasons, "高风险止损")
	}

	// 5. 盈利时波动率飙升
	if profit > 2 && short.Volatility > 0.5 {
		reasons = append(reasons, "波动率飙升")
	}

	// 6. 超额收益且大盘走平或下跌
	if profit > 10 && priceVsEntry(in.Trade) > 10 && in.Condition.Trend <= 0 {
		reasons = append(reasons, "超额收益兑现")
	}

	// 7. 信号跌破卖出阈值且仍在盈利、风险偏高
	if in.Vector.OverallSignal <= in.Thresholds.Sell && profit > 0 && riskLevel >= 0.6 {
		reasons = append(reasons, "信号跌破卖出阈值")
	}

	// 8. 恐慌情绪下落袋为安
	if profit > 0.15 && in.Snapshot != nil &&
		in.Snapshot.GlobalFearGreed < 25 && in.Condition.CoinFearGreed < 30 {
		reasons = append(reasons, "恐慌情绪避险")
	}

	// 9. 资金费率急剧转负且币种情绪疲弱
	if profit > 0.15 && in.Snapshot != nil &&
		in.Snapshot.AFRChange < -20 && in.Condition.CoinFearGreed < 40 {
		reasons = append(reasons, "资金费率急剧转负")
	}

	// 10. 横盘后回落
	if stagnationDip(in, profit, short) {
		reasons = append(reasons, "横盘后回落")
	}

	// 11. 跌破 MA20 超过 15%
	if long.MA20 > 0 && long.PriceVsMA <= -15 {
		reasons = append(reasons, "跌破MA20超15%")
	}

	// 12. 用户指令
	if in.Trade.UserCall {
		reasons = append(reasons, "用户指令卖出")
	}

	return reasons
}

// stagnationDip 横盘后回落检测
// 盈利但价格已横住，且最近一根K线转跌或短周期趋势转弱
func stagnationDip(in *DecisionInputs, profit float64, short signal.TimeframeStats) bool {
	if profit < 0.15 || len(in.ShortCandles) < 3 {
		return false
	}

	n := len(in.ShortCandles)
	recent := in.ShortCandles[n-3:]

	stagnant := true
	for i := 1; i < len(recent); i++ {
		prev := recent[i-1].Close
		if prev == 0 {
			return false
		}
		change := (recent[i].Close - prev) / prev * 100
		if change > 0.08 || change < -0.08 {
			stagnant = false
			break
		}
	}
	if !stagnant {
		return false
	}

	lastPrev := recent[len(recent)-2].Close
	latestChange := (recent[len(recent)-1].Close - lastPrev) / lastPrev * 100
	return latestChange < -0.02 || short.Trend < -0.05
}

// averageDownCondition 摊平条件
// 亏损超2%、分片额度未用满80%、摊平次数未达上限、风险与情绪可接受、趋势未崩塌
func averageDownCondition(in *DecisionInputs) (float64, bool) {
	profit := in.Trade.ProfitRate
	short := in.shortTF()
	long := in.longTF()

	ok := profit <= -2 &&
		in.ThreadInvestment < in.ThreadCap*0.8 &&
		in.Trade.AveragingDownCount < 3 &&
		in.Condition.RiskLevel < 0.7 &&
		in.Condition.CoinFearGreed > 20 &&
		short.Trend > -0.5 &&
		short.Volatility < 0.8 &&
		long.Trend > -0.3 &&
		in.Vector.OverallSignal >= in.Thresholds.Sell*0.3
	if !ok {
		return 0, false
	}

	// 现有仓位的50%，受分片剩余额度约束
	amount := in.Trade.InvestmentAmount * 0.5
	if room := in.ThreadCap - in.ThreadInvestment; amount > room {
		amount = room
	}
	if amount < in.MinTradeAmount {
		return 0, false
	}
	return amount, true
}

// decideNoPosition 无持仓路径：常规买入、恐慌反转、MA回调、波谷反弹
func decideNoPosition(in *DecisionInputs) *Action {
	if !in.WithinLimit || in.ThreadInvestment >= in.ThreadCap*0.8 {
		return &Action{Type: ActionNone}
	}

	short := in.shortTF()
	long := in.longTF()
	adjusted := in.Thresholds.Buy * buyThresholdMultiplier(in)

	// 1. 常规买入：信号过阈值且两个时间框架同时向上
	if in.Vector.OverallSignal >= adjusted &&
		short.Trend > 0.05 && long.Trend > 0.02 &&
		in.Condition.CoinFearGreed > 25 {
		return buyAction(in, "常规买入")
	}

	// 2. 恐慌反转买入：极度恐惧中短周期刚转正且波动收敛
	if in.Condition.CoinFearGreed <= 25 &&
		short.Trend > 0 && short.Trend < 0.3 &&
		short.Volatility < 0.4 {
		return buyAction(in, "恐慌反转买入")
	}

	// 3. MA 回调买入：价格回踩 MA20 下方 8%~15% 区间
	if long.MA20 > 0 && long.PriceVsMA > -15 && long.PriceVsMA <= -8 &&
		in.Condition.RiskLevel < 0.7 {
		return buyAction(in, "MA回调买入")
	}

	// 4. 波谷反弹买入：信号较波谷回升20%以上且价格回升0.8%以上
	if act := troughReboundAction(in, short); act != nil {
		return act
	}

	return &Action{Type: ActionNone}
}

// buyThresholdMultiplier 情绪驱动的买入阈值乘数
// 恐惧抬高门槛，贪婪降低门槛；币种级情绪叠加修正
func buyThresholdMultiplier(in *DecisionInputs) float64 {
	multiplier := 1.0

	marketFG := 50.0
	if in.Snapshot != nil {
		marketFG = in.Snapshot.GlobalFearGreed
	}
	if marketFG <= 45 {
		multiplier = 1.05
	} else if marketFG >= 55 {
		multiplier = 0.95
	}

	coinFG := in.Condition.CoinFearGreed
	switch {
	case coinFG <= 30:
		multiplier += 0.1
	case coinFG <= 45:
		multiplier += 0.05
	case coinFG >= 61:
		multiplier -= 0.15
	}

	return multiplier
}

// troughReboundAction 波谷反弹入场
func troughReboundAction(in *DecisionInputs, short signal.TimeframeStats) *Action {
	if in.Trough == nil || in.Trough.LowestSignal == 0 || in.Trough.LowestPrice == 0 {
		return nil
	}
	if in.Condition.RiskLevel >= 0.6 {
		return nil
	}
	if in.Snapshot == nil || in.Snapshot.AFR <= 0 {
		return nil
	}

	signalIncrease := (in.Vector.OverallSignal - in.Trough.LowestSignal) / abs(in.Trough.LowestSignal) * 100
	currentPrice := 0.0
	if n := len(in.ShortCandles); n > 0 {
		currentPrice = in.ShortCandles[n-1].Close
	}
	if currentPrice == 0 {
		return nil
	}
	priceIncrease := (currentPrice - in.Trough.LowestPrice) / abs(in.Trough.LowestPrice) * 100

	if signalIncrease >= 20 && priceIncrease >= 0.8 &&
		short.Trend > 0.2 && short.Volatility < 0.5 {
		act := buyAction(in, "波谷反弹买入")
		act.ResetTrough = true
		return act
	}
	return nil
}

// buyAction 生成买入动作，金额受分片剩余额度约束
func buyAction(in *DecisionInputs, reason string) *Action {
	amount := in.ProposedAmount
	if room := in.ThreadCap - in.ThreadInvestment; amount > room {
		amount = room
	}
	if amount < in.MinTradeAmount {
		return &Action{Type: ActionNone}
	}
	return &Action{Type: ActionBuy, Reasons: []string{reason}, Amount: amount}
}

// priceVsEntry 现价相对入场价的涨幅（%）
func priceVsEntry(trade *storage.Trade) float64 {
	if trade.EntryPrice == 0 {
		return 0
	}
	return (trade.CurrentPrice - trade.EntryPrice) / trade.EntryPrice * 100
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
