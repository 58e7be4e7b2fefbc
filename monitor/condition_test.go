package monitor

import (
	"testing"
)

func baseSnapshot() *Snapshot {
	return &Snapshot{
		AFR:             0.0001,
		GlobalFearGreed: 50,
		CurrentChange:   0.5,
		PerMarket:       map[string]float64{"BTCUSDT": 60},
		AFRHistory:      []float64{0.0001, 0.0001},
		ChangeHistory:   []float64{0.5, 0.3, -0.2, 0.4, 0.1},
	}
}

func TestAssessConditionNormal(t *testing.T) {
	cond := AssessCondition(baseSnapshot(), "BTCUSDT")

	if !cond.Tradeable {
		t.Error("正常市场应允许交易")
	}
	if cond.Trend != 1 {
		// 最近5次仅1次下跌 -> 持续上涨趋势
		t.Errorf("趋势 = %d, 期望 1", cond.Trend)
	}
	if cond.CoinFearGreed != 60 {
		t.Errorf("币种恐贪 = %.1f, 期望 60", cond.CoinFearGreed)
	}
}

func TestAssessConditionExtremeFear(t *testing.T) {
	snap := baseSnapshot()
	snap.GlobalFearGreed = 15

	cond := AssessCondition(snap, "BTCUSDT")
	if cond.Tradeable {
		t.Error("极度恐惧时应禁止交易")
	}
	if cond.RiskLevel != 0.9 {
		t.Errorf("风险度 = %.1f, 期望 0.9", cond.RiskLevel)
	}
}

func TestAssessConditionExtremeGreed(t *testing.T) {
	snap := baseSnapshot()
	snap.GlobalFearGreed = 85

	cond := AssessCondition(snap, "BTCUSDT")
	if cond.Tradeable {
		t.Error("极度贪婪时应禁止交易")
	}
	if cond.RiskLevel != 0.8 {
		t.Errorf("风险度 = %.1f, 期望 0.8", cond.RiskLevel)
	}
}

func TestAssessConditionAFRCrash(t *testing.T) {
	snap := baseSnapshot()
	snap.AFRHistory = []float64{0.0001, 0.0001}
	snap.AFR = 0.00009 // 相对上一次 -10%

	cond := AssessCondition(snap, "BTCUSDT")
	if cond.Tradeable {
		t.Error("AFR 急跌时应禁止交易")
	}
	if cond.Trend != -1 {
		t.Errorf("趋势 = %d, 期望 -1", cond.Trend)
	}
}

func TestAssessConditionMarketDrop(t *testing.T) {
	snap := baseSnapshot()
	snap.CurrentChange = -4

	cond := AssessCondition(snap, "BTCUSDT")
	if cond.Tradeable {
		t.Error("市场大幅下跌时应禁止交易")
	}
	if cond.RiskLevel != 0.7 {
		t.Errorf("风险度 = %.1f, 期望 0.7", cond.RiskLevel)
	}
}

func TestAssessConditionDowntrendHistory(t *testing.T) {
	snap := baseSnapshot()
	snap.ChangeHistory = []float64{-0.5, -0.3, -0.2, 0.4, -0.1} // 5次中4次下跌

	cond := AssessCondition(snap, "BTCUSDT")
	// 仍可交易但标记下跌趋势
	if !cond.Tradeable {
		t.Error("持续下跌趋势本身不禁止交易")
	}
	if cond.Trend != -1 {
		t.Errorf("趋势 = %d, 期望 -1", cond.Trend)
	}
	if cond.RiskLevel != 0.6 {
		t.Errorf("风险度 = %.1f, 期望 0.6", cond.RiskLevel)
	}
}

func TestAssessConditionUnknownMarketNeutralFG(t *testing.T) {
	cond := AssessCondition(baseSnapshot(), "UNKNOWNUSDT")
	if cond.CoinFearGreed != 50 {
		t.Errorf("缺失市场的恐贪 = %.1f, 期望中性 50", cond.CoinFearGreed)
	}
}

func TestChangeToFearGreedClamps(t *testing.T) {
	if got := changeToFearGreed(-20); got != 0 {
		t.Errorf("changeToFearGreed(-20) = %.1f, 期望 0", got)
	}
	if got := changeToFearGreed(20); got != 100 {
		t.Errorf("changeToFearGreed(20) = %.1f, 期望 100", got)
	}
	if got := changeToFearGreed(0); got != 50 {
		t.Errorf("changeToFearGreed(0) = %.1f, 期望 50", got)
	}
}
