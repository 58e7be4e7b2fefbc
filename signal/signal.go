package signal

import (
	"coinpilot/exchange"
)

// Vector 市场信号向量
// OverallSignal 为 [0,1] 区间的综合信号强度，0.5 为中性
type Vector struct {
	OverallSignal float64
	Raw           map[string]float64 // 各子策略原始信号（仅诊断用）
}

// Provider 信号提供者接口
// 指标计算由外部协作方实现，引擎只消费综合信号
type Provider interface {
	Evaluate(market string, candlesByInterval map[string][]exchange.Candle) (*Vector, error)
}

// NeutralProvider 恒定中性信号（测试与降级兜底）
type NeutralProvider struct{}

func (NeutralProvider) Evaluate(market string, candlesByInterval map[string][]exchange.Candle) (*Vector, error) {
	return &Vector{OverallSignal: 0.5}, nil
}
