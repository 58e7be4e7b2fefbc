package config

import (
	"sync/atomic"
)

// Snapshot 运行期可调参数的不可变快照
// 分片在每轮周期顶端拉取一次，整轮使用同一版本，避免轮内参数漂移
type Snapshot struct {
	Version int64

	BuyThreshold  float64
	SellThreshold float64

	CandleCount    int
	MinCandleCount int

	MinTradeAmount      float64
	MaxThreadInvestment float64
	FeeRate             float64

	FastCycleSeconds int
	SlowCycleSeconds int
}

// Provider 配置快照提供者
// 热重载通过整体替换指针完成，读取方无锁
type Provider struct {
	current atomic.Pointer[Snapshot]
	version atomic.Int64
}

// NewProvider 从初始配置创建快照提供者
func NewProvider(cfg *Config) *Provider {
	p := &Provider{}
	p.Update(cfg)
	return p
}

// Current 返回当前快照
func (p *Provider) Current() *Snapshot {
	return p.current.Load()
}

// Update 用新配置生成下一版本快照并原子替换
func (p *Provider) Update(cfg *Config) *Snapshot {
	snap := &Snapshot{
		Version:             p.version.Add(1),
		BuyThreshold:        cfg.Trading.BuyThreshold,
		SellThreshold:       cfg.Trading.SellThreshold,
		CandleCount:         cfg.Trading.CandleCount,
		MinCandleCount:      cfg.Trading.MinCandleCount,
		MinTradeAmount:      cfg.Investment.MinTradeAmount,
		MaxThreadInvestment: cfg.Investment.MaxThreadInvestment,
		FeeRate:             cfg.Trading.FeeRate,
		FastCycleSeconds:    cfg.Trading.FastCycleSeconds,
		SlowCycleSeconds:    cfg.Trading.SlowCycleSeconds,
	}
	p.current.Store(snap)
	return snap
}
