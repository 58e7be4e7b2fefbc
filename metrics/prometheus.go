package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 交易指标
var (
	TradesOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coinpilot_trades_opened_total",
		Help: "开仓次数（按入场原因）",
	}, []string{"reason"})

	TradesClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coinpilot_trades_closed_total",
		Help: "平仓次数（按出场原因）",
	}, []string{"reason"})

	TradesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coinpilot_trades_failed_total",
		Help: "交易失败次数",
	})

	AveragingDowns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coinpilot_averaging_down_total",
		Help: "摊平买入次数",
	})

	Conversions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coinpilot_conversions_total",
		Help: "短线转长期持仓次数",
	})

	Liquidations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coinpilot_liquidations_total",
		Help: "停机清仓笔数",
	})

	RealizedProfit = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coinpilot_realized_profit_total",
		Help: "累计已实现收益（计价币，可为负时单独累计亏损）",
	})

	RealizedLoss = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coinpilot_realized_loss_total",
		Help: "累计已实现亏损（计价币，绝对值）",
	})
)

// 组合指标
var (
	PortfolioCurrentAmount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coinpilot_portfolio_current_amount",
		Help: "组合当前投入金额",
	})

	PortfolioAvailable = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coinpilot_portfolio_available_investment",
		Help: "组合可用投资额度",
	})

	PortfolioReserve = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coinpilot_portfolio_reserve_amount",
		Help: "组合储备金",
	})

	ActiveTrades = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coinpilot_active_trades",
		Help: "未平仓交易数量",
	})
)

// 引擎指标
var (
	WorkerHeartbeatAge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "coinpilot_worker_heartbeat_age_seconds",
		Help: "分片心跳距今秒数",
	}, []string{"thread_id"})

	WorkerCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coinpilot_worker_cycles_total",
		Help: "分片完成的轮询次数",
	}, []string{"thread_id"})

	LockRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coinpilot_lock_retries_total",
		Help: "锁域获取失败（重试耗尽）次数",
	}, []string{"domain"})

	DecisionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "coinpilot_decision_latency_seconds",
		Help:    "单市场完整决策周期耗时",
		Buckets: prometheus.DefBuckets,
	})

	MarketsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coinpilot_markets_skipped_total",
		Help: "市场被跳过次数（按原因）",
	}, []string{"reason"})

	EmergencyPauses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coinpilot_emergency_pauses_total",
		Help: "紧急暂停触发次数",
	})
)

// RecordRealized 记录已实现盈亏
func RecordRealized(profit float64) {
	if profit >= 0 {
		RealizedProfit.Add(profit)
	} else {
		RealizedLoss.Add(-profit)
	}
}
