package storage

import (
	"time"
)

// 交易状态
const (
	TradeStatusActive    = "active"    // 活跃短线持仓
	TradeStatusConverted = "converted" // 已转为长期持仓（只读审计）
	TradeStatusClosed    = "closed"    // 已平仓
)

// Trade 短线交易记录
// 同一 (market, exchange) 最多存在一条 active 记录，
// 由 trade 锁域 + 事务内防护性插入共同保证
type Trade struct {
	ID       uint   `gorm:"primaryKey"`
	Market   string `gorm:"index:idx_trade_market_exchange"`
	Exchange string `gorm:"index:idx_trade_market_exchange"`
	ThreadID int

	EntryPrice       float64
	ExecutedVolume   float64 // 扣除手续费后的实际持有数量
	InvestmentAmount float64
	FeeAmount        float64

	CurrentPrice float64
	ProfitRate   float64

	Status             string `gorm:"index"`
	AveragingDownCount int
	IsLongTerm         bool
	UserCall           bool // 运维人员请求卖出标记

	EntrySignalStrength float64
	StrategySnapshot    string // 入场时的策略参数（JSON）

	EntryTimestamp time.Time
	ExitPrice      float64
	ExitTimestamp  *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// LongTermTrade 长期持仓（转换后的权威账本）
type LongTermTrade struct {
	ID       uint   `gorm:"primaryKey"`
	Market   string `gorm:"index:idx_lt_market_exchange"`
	Exchange string `gorm:"index:idx_lt_market_exchange"`
	ThreadID int
	Status   string `gorm:"index"` // active / closed

	Positions []LongTermPosition `gorm:"foreignKey:LongTermTradeID"`

	TotalInvestment  float64
	TotalVolume      float64
	AveragePrice     float64 // 成交量加权均价，追加仓位后重算
	TargetProfitRate float64

	LastInvestmentTime time.Time // 加仓冷却基准
	OriginalTradeID    uint

	CreatedAt   time.Time
	LastUpdated time.Time `gorm:"autoUpdateTime"`
}

// LongTermPosition 长期持仓的单笔买入（只追加）
type LongTermPosition struct {
	ID              uint `gorm:"primaryKey"`
	LongTermTradeID uint `gorm:"index"`
	Price           float64
	Amount          float64
	ExecutedVolume  float64
	Timestamp       time.Time
}

// Portfolio 投资组合（每个交易所一行）
type Portfolio struct {
	ID                  uint   `gorm:"primaryKey"`
	Exchange            string `gorm:"uniqueIndex"`
	CurrentAmount       float64
	AvailableInvestment float64
	ReserveAmount       float64
	ProfitEarned        float64
	MarketList          string // 当前持仓市场摘要（JSON）
	UpdatedAt           time.Time
}

// SystemConfig 系统投资配置（每个交易所一行）
type SystemConfig struct {
	ID                  uint   `gorm:"primaryKey"`
	Exchange            string `gorm:"uniqueIndex"`
	TotalMaxInvestment  float64
	MinTradeAmount      float64
	MaxThreadInvestment float64
	ReserveAmount       float64
	TestMode            bool
	UpdatedAt           time.Time
}

// ThreadStatus 分片心跳状态
type ThreadStatus struct {
	ID              uint `gorm:"primaryKey"`
	ThreadID        int  `gorm:"uniqueIndex"`
	AssignedMarkets string // 分配到的市场列表（JSON）
	LastMarket      string // 最近处理的市场
	IsActive        bool
	LastUpdated     time.Time
}

// TradeHistory 平仓归档记录
type TradeHistory struct {
	ID       uint   `gorm:"primaryKey"`
	Market   string `gorm:"index"`
	Exchange string `gorm:"index"`
	ThreadID int

	EntryPrice       float64
	ExitPrice        float64
	ExecutedVolume   float64
	InvestmentAmount float64
	RealizedProfit   float64 // 已扣除买卖手续费
	FeeAmount        float64
	ProfitRate       float64
	Reason           string

	EntryTimestamp time.Time
	ExitTimestamp  time.Time

	Reported  bool `gorm:"index"` // 是否已计入日报汇总
	CreatedAt time.Time
}

// SignalTrough 信号波谷记录（反弹入场基准）
type SignalTrough struct {
	ID           uint   `gorm:"primaryKey"`
	Market       string `gorm:"index:idx_trough_market_exchange,unique"`
	Exchange     string `gorm:"index:idx_trough_market_exchange,unique"`
	LowestSignal float64
	LowestPrice  float64
	Timestamp    time.Time
}

// MarketSnapshot 市场情绪/资金费率快照
type MarketSnapshot struct {
	ID            uint   `gorm:"primaryKey"`
	Exchange      string `gorm:"index"`
	AFR           float64 // 平均资金费率
	AFRChange     float64 // 相对上次快照的变化（%）
	FearGreed     float64 // 全市场恐惧贪婪指数
	CurrentChange float64 // 主流市场24小时涨跌均值（%）
	PerMarket     string  // 各市场恐惧贪婪明细（JSON）
	CreatedAt     time.Time `gorm:"index"`
}

// ConversionRecord 短线转长期的审计记录
type ConversionRecord struct {
	ID              uint `gorm:"primaryKey"`
	Market          string
	Exchange        string
	OriginalTradeID uint
	LongTermTradeID uint
	LossRate        float64
	Reason          string
	CreatedAt       time.Time
}

// SystemMetrics 看门狗进程采样
type SystemMetrics struct {
	ID         uint `gorm:"primaryKey"`
	CPUPercent float64
	MemoryMB   float64
	Goroutines int
	CreatedAt  time.Time `gorm:"index"`
}
