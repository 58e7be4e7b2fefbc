package exchange

import (
	"context"
	"fmt"
	"time"
)

// 哨兵错误
var (
	// ErrOrderExecution 下单失败（未产生任何本地状态变更）
	ErrOrderExecution = fmt.Errorf("订单执行失败")
	// ErrInsufficientData K线数据不足，跳过该市场
	ErrInsufficientData = fmt.Errorf("K线数据不足")
)

// OrderSide 订单方向
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderStatus 订单状态
type OrderStatus string

const (
	OrderStatusNew      OrderStatus = "new"
	OrderStatusFilled   OrderStatus = "filled"
	OrderStatusPartial  OrderStatus = "partial"
	OrderStatusCanceled OrderStatus = "canceled"
	OrderStatusRejected OrderStatus = "rejected"
	OrderStatusUnknown  OrderStatus = "unknown"
)

// Candle K线数据
type Candle struct {
	Market    string
	Interval  string // "1m", "15m", "240m"
	OpenTime  time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime time.Time
}

// MarketInfo 可交易市场信息（按24小时成交额排序）
type MarketInfo struct {
	Symbol      string  // 如 "BTCUSDT"
	BaseAsset   string  // 如 "BTC"
	QuoteAsset  string  // 如 "USDT"
	QuoteVolume float64 // 24小时成交额（计价币种）
	LastPrice   float64
	Change24h   float64 // 24小时涨跌幅（%）
}

// OrderRequest 下单请求
type OrderRequest struct {
	Market string
	Side   OrderSide
	Amount float64 // 买入时的计价金额（市价买）
	Volume float64 // 卖出时的基础币数量（市价卖）
}

// OrderResult 下单结果
type OrderResult struct {
	OrderID        string
	Market         string
	Side           OrderSide
	Price          float64 // 成交均价
	ExecutedVolume float64 // 成交数量（基础币）
	Amount         float64 // 成交金额（计价币）
	Fee            float64
	Status         OrderStatus
	Timestamp      time.Time
}

// Balance 账户余额
type Balance struct {
	Asset  string
	Free   float64
	Locked float64
}

// FundingRate 资金费率
type FundingRate struct {
	Symbol    string
	Rate      float64
	Timestamp time.Time
}

// IExchange 交易所网关接口
// 所有阻塞调用都接受 context，实现方负责超时与重试语义
type IExchange interface {
	// GetName 返回交易所名称（如 "binance"）
	GetName() string

	// ListTradableMarkets 返回可交易市场，按24小时成交额降序
	ListTradableMarkets(ctx context.Context) ([]MarketInfo, error)

	// GetCandles 获取K线，interval 使用分钟表示（"1m"/"15m"/"240m"）
	GetCandles(ctx context.Context, market, interval string, count int) ([]Candle, error)

	// GetCurrentPrice 获取当前价格
	GetCurrentPrice(ctx context.Context, market string) (float64, error)

	// PlaceOrder 市价下单
	PlaceOrder(ctx context.Context, req *OrderRequest) (*OrderResult, error)

	// GetOrderStatus 查询订单状态
	GetOrderStatus(ctx context.Context, market, orderID string) (OrderStatus, error)

	// GetBalance 查询指定币种余额
	GetBalance(ctx context.Context, asset string) (*Balance, error)

	// GetFundingRates 获取全市场资金费率（用于AFR计算）
	GetFundingRates(ctx context.Context) ([]FundingRate, error)

	// Ping 连通性检查
	Ping(ctx context.Context) error
}
