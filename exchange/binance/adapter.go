package binance

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"coinpilot/exchange"
	"coinpilot/logger"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
)

// Adapter 币安现货适配器
// 资金费率取自 U 本位合约的溢价指数（现货无资金费率）
type Adapter struct {
	client  *binance.Client
	futures *futures.Client

	testMode   bool // 测试模式：模拟成交，不下真实订单
	useTestnet bool

	simOrderSeq int64 // 模拟订单ID序号
}

// NewAdapter 创建币安适配器
func NewAdapter(apiKey, secretKey string, useTestnet, testMode bool) (*Adapter, error) {
	if !testMode && (apiKey == "" || secretKey == "") {
		return nil, fmt.Errorf("Binance API 配置不完整")
	}

	// 测试网模式必须在创建客户端之前设置
	binance.UseTestnet = useTestnet
	futures.UseTestnet = useTestnet
	if useTestnet {
		logger.Info("🌐 [Binance] 使用测试网模式")
	}

	client := binance.NewClient(apiKey, secretKey)
	fclient := futures.NewClient(apiKey, secretKey)

	// 同步服务器时间，避免签名时间戳偏差
	client.NewSetServerTimeService().Do(context.Background())

	return &Adapter{
		client:   client,
		futures:  fclient,
		testMode: testMode,
	}, nil
}

// GetName 获取交易所名称
func (a *Adapter) GetName() string {
	return "binance"
}

// ListTradableMarkets 返回 USDT 现货市场，按24小时成交额降序
func (a *Adapter) ListTradableMarkets(ctx context.Context) ([]exchange.MarketInfo, error) {
	info, err := a.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取交易所信息失败: %w", err)
	}

	// 只保留可现货交易的 USDT 交易对
	tradable := make(map[string]binance.Symbol)
	for _, s := range info.Symbols {
		if s.Status == "TRADING" && s.QuoteAsset == "USDT" && s.IsSpotTradingAllowed {
			tradable[s.Symbol] = s
		}
	}

	stats, err := a.client.NewListPriceChangeStatsService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取24小时行情失败: %w", err)
	}

	markets := make([]exchange.MarketInfo, 0, len(tradable))
	for _, st := range stats {
		sym, ok := tradable[st.Symbol]
		if !ok {
			continue
		}
		quoteVolume, _ := strconv.ParseFloat(st.QuoteVolume, 64)
		lastPrice, _ := strconv.ParseFloat(st.LastPrice, 64)
		change, _ := strconv.ParseFloat(st.PriceChangePercent, 64)

		markets = append(markets, exchange.MarketInfo{
			Symbol:      st.Symbol,
			BaseAsset:   sym.BaseAsset,
			QuoteAsset:  sym.QuoteAsset,
			QuoteVolume: quoteVolume,
			LastPrice:   lastPrice,
			Change24h:   change,
		})
	}

	sort.Slice(markets, func(i, j int) bool {
		return markets[i].QuoteVolume > markets[j].QuoteVolume
	})

	return markets, nil
}

// intervalToBinance 分钟表示转换为币安区间（"240m" -> "4h"）
func intervalToBinance(interval string) string {
	switch interval {
	case "1m", "3m", "5m", "15m", "30m":
		return interval
	case "60m":
		return "1h"
	case "240m":
		return "4h"
	case "1440m":
		return "1d"
	default:
		return interval
	}
}

// GetCandles 获取K线
func (a *Adapter) GetCandles(ctx context.Context, market, interval string, count int) ([]exchange.Candle, error) {
	klines, err := a.client.NewKlinesService().
		Symbol(market).
		Interval(intervalToBinance(interval)).
		Limit(count).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取K线失败 [%s %s]: %w", market, interval, err)
	}

	candles := make([]exchange.Candle, 0, len(klines))
	for _, k := range klines {
		open, _ := strconv.ParseFloat(k.Open, 64)
		high, _ := strconv.ParseFloat(k.High, 64)
		low, _ := strconv.ParseFloat(k.Low, 64)
		closePrice, _ := strconv.ParseFloat(k.Close, 64)
		volume, _ := strconv.ParseFloat(k.Volume, 64)

		candles = append(candles, exchange.Candle{
			Market:    market,
			Interval:  interval,
			OpenTime:  time.UnixMilli(k.OpenTime),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closePrice,
			Volume:    volume,
			CloseTime: time.UnixMilli(k.CloseTime),
		})
	}

	return candles, nil
}

// GetCurrentPrice 获取当前价格
func (a *Adapter) GetCurrentPrice(ctx context.Context, market string) (float64, error) {
	prices, err := a.client.NewListPricesService().Symbol(market).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("获取价格失败 [%s]: %w", market, err)
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("未找到价格: %s", market)
	}

	price, err := strconv.ParseFloat(prices[0].Price, 64)
	if err != nil {
		return 0, fmt.Errorf("价格解析失败 [%s]: %s", market, prices[0].Price)
	}
	return price, nil
}

// PlaceOrder 市价下单
// 测试模式下按当前报价模拟成交，不触发真实订单
func (a *Adapter) PlaceOrder(ctx context.Context, req *exchange.OrderRequest) (*exchange.OrderResult, error) {
	if a.testMode {
		return a.simulateOrder(ctx, req)
	}

	svc := a.client.NewCreateOrderService().
		Symbol(req.Market).
		Type(binance.OrderTypeMarket)

	switch req.Side {
	case exchange.SideBuy:
		if req.Amount <= 0 {
			return nil, fmt.Errorf("%w: 买入金额必须大于0", exchange.ErrOrderExecution)
		}
		svc = svc.Side(binance.SideTypeBuy).
			QuoteOrderQty(strconv.FormatFloat(req.Amount, 'f', -1, 64))
	case exchange.SideSell:
		if req.Volume <= 0 {
			return nil, fmt.Errorf("%w: 卖出数量必须大于0", exchange.ErrOrderExecution)
		}
		svc = svc.Side(binance.SideTypeSell).
			Quantity(strconv.FormatFloat(req.Volume, 'f', -1, 64))
	default:
		return nil, fmt.Errorf("%w: 未知订单方向 %s", exchange.ErrOrderExecution, req.Side)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", exchange.ErrOrderExecution, err)
	}

	executedVolume, _ := strconv.ParseFloat(resp.ExecutedQuantity, 64)
	quoteAmount, _ := strconv.ParseFloat(resp.CummulativeQuoteQuantity, 64)

	// 成交均价与手续费从成交明细汇总
	var fee float64
	for _, fill := range resp.Fills {
		commission, _ := strconv.ParseFloat(fill.Commission, 64)
		// 手续费币种可能是基础币或BNB，统一折算需要额外行情；
		// USDT 计价的手续费直接累加，其余记0交由上层按费率估算
		if strings.EqualFold(fill.CommissionAsset, "USDT") {
			fee += commission
		}
	}

	avgPrice := 0.0
	if executedVolume > 0 {
		avgPrice = quoteAmount / executedVolume
	}

	return &exchange.OrderResult{
		OrderID:        strconv.FormatInt(resp.OrderID, 10),
		Market:         req.Market,
		Side:           req.Side,
		Price:          avgPrice,
		ExecutedVolume: executedVolume,
		Amount:         quoteAmount,
		Fee:            fee,
		Status:         convertOrderStatus(resp.Status),
		Timestamp:      time.UnixMilli(resp.TransactTime),
	}, nil
}

// simulateOrder 测试模式模拟成交
func (a *Adapter) simulateOrder(ctx context.Context, req *exchange.OrderRequest) (*exchange.OrderResult, error) {
	price, err := a.GetCurrentPrice(ctx, req.Market)
	if err != nil {
		return nil, fmt.Errorf("%w: 模拟成交获取价格失败: %v", exchange.ErrOrderExecution, err)
	}

	a.simOrderSeq++
	result := &exchange.OrderResult{
		OrderID:   fmt.Sprintf("sim-%d", a.simOrderSeq),
		Market:    req.Market,
		Side:      req.Side,
		Price:     price,
		Status:    exchange.OrderStatusFilled,
		Timestamp: time.Now(),
	}

	if req.Side == exchange.SideBuy {
		result.Amount = req.Amount
		result.ExecutedVolume = req.Amount / price
	} else {
		result.ExecutedVolume = req.Volume
		result.Amount = req.Volume * price
	}

	logger.Debug("🧪 [Binance] 模拟成交 %s %s: 价格=%.8f 数量=%.8f 金额=%.2f",
		req.Market, req.Side, result.Price, result.ExecutedVolume, result.Amount)
	return result, nil
}

// convertOrderStatus 币安订单状态转换
func convertOrderStatus(status binance.OrderStatusType) exchange.OrderStatus {
	switch status {
	case binance.OrderStatusTypeNew:
		return exchange.OrderStatusNew
	case binance.OrderStatusTypePartiallyFilled:
		return exchange.OrderStatusPartial
	case binance.OrderStatusTypeFilled:
		return exchange.OrderStatusFilled
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeExpired:
		return exchange.OrderStatusCanceled
	case binance.OrderStatusTypeRejected:
		return exchange.OrderStatusRejected
	default:
		return exchange.OrderStatusUnknown
	}
}

// GetOrderStatus 查询订单状态
func (a *Adapter) GetOrderStatus(ctx context.Context, market, orderID string) (exchange.OrderStatus, error) {
	// 模拟订单视为已成交
	if strings.HasPrefix(orderID, "sim-") {
		return exchange.OrderStatusFilled, nil
	}

	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return exchange.OrderStatusUnknown, fmt.Errorf("无效的订单ID: %s", orderID)
	}

	order, err := a.client.NewGetOrderService().
		Symbol(market).
		OrderID(id).
		Do(ctx)
	if err != nil {
		return exchange.OrderStatusUnknown, fmt.Errorf("查询订单失败 [%s/%s]: %w", market, orderID, err)
	}

	return convertOrderStatus(order.Status), nil
}

// GetBalance 查询指定币种余额
func (a *Adapter) GetBalance(ctx context.Context, asset string) (*exchange.Balance, error) {
	account, err := a.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("查询账户失败: %w", err)
	}

	for _, b := range account.Balances {
		if strings.EqualFold(b.Asset, asset) {
			free, _ := strconv.ParseFloat(b.Free, 64)
			locked, _ := strconv.ParseFloat(b.Locked, 64)
			return &exchange.Balance{Asset: asset, Free: free, Locked: locked}, nil
		}
	}

	return &exchange.Balance{Asset: asset}, nil
}

// GetFundingRates 获取全市场资金费率（U本位合约溢价指数）
func (a *Adapter) GetFundingRates(ctx context.Context) ([]exchange.FundingRate, error) {
	premiums, err := a.futures.NewPremiumIndexService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取资金费率失败: %w", err)
	}

	rates := make([]exchange.FundingRate, 0, len(premiums))
	for _, p := range premiums {
		rate, err := strconv.ParseFloat(p.LastFundingRate, 64)
		if err != nil {
			continue
		}
		rates = append(rates, exchange.FundingRate{
			Symbol:    p.Symbol,
			Rate:      rate,
			Timestamp: time.UnixMilli(p.Time),
		})
	}

	return rates, nil
}

// Ping 连通性检查
func (a *Adapter) Ping(ctx context.Context) error {
	if err := a.client.NewPingService().Do(ctx); err != nil {
		return fmt.Errorf("binance ping 失败: %w", err)
	}
	return nil
}
