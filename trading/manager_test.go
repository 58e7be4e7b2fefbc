package trading

import (
	"context"
	"errors"
	"testing"
	"time"

	"coinpilot/event"
	"coinpilot/exchange"
	"coinpilot/lock"
	"coinpilot/storage"
)

// fakeExchange 确定性成交的内存交易所
type fakeExchange struct {
	prices    map[string]float64
	orders    []*exchange.OrderRequest
	failOrder bool
	orderSeq  int
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{prices: map[string]float64{"BTCUSDT": 50000, "ETHUSDT": 2500}}
}

func (f *fakeExchange) GetName() string { return "fake" }

func (f *fakeExchange) ListTradableMarkets(ctx context.Context) ([]exchange.MarketInfo, error) {
	return nil, nil
}

func (f *fakeExchange) GetCandles(ctx context.Context, market, interval string, count int) ([]exchange.Candle, error) {
	return nil, nil
}

func (f *fakeExchange) GetCurrentPrice(ctx context.Context, market string) (float64, error) {
	return f.prices[market], nil
}

func (f *fakeExchange) PlaceOrder(ctx context.Context, req *exchange.OrderRequest) (*exchange.OrderResult, error) {
	if f.failOrder {
		return nil, errors.New("模拟下单失败")
	}
	f.orders = append(f.orders, req)
	f.orderSeq++

	price := f.prices[req.Market]
	result := &exchange.OrderResult{
		OrderID:   "fake-1",
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
	return result, nil
}

func (f *fakeExchange) GetOrderStatus(ctx context.Context, market, orderID string) (exchange.OrderStatus, error) {
	return exchange.OrderStatusFilled, nil
}

func (f *fakeExchange) GetBalance(ctx context.Context, asset string) (*exchange.Balance, error) {
	return &exchange.Balance{Asset: asset, Free: 1000000}, nil
}

func (f *fakeExchange) GetFundingRates(ctx context.Context) ([]exchange.FundingRate, error) {
	return nil, nil
}

func (f *fakeExchange) Ping(ctx context.Context) error { return nil }

// newTestManager 内存存储 + 确定性交易所，总限额10万/储备2万/最小下单5千
func newTestManager(t *testing.T) (*Manager, *fakeExchange, *storage.Store) {
	t.Helper()
	ctx := context.Background()

	store, err := storage.NewStore(&storage.DBConfig{
		Type:     "sqlite",
		DSN:      ":memory:",
		LogLevel: "silent",
	})
	if err != nil {
		t.Fatalf("创建测试存储失败: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.SaveSystemConfig(ctx, &storage.SystemConfig{
		Exchange:            "fake",
		TotalMaxInvestment:  100000,
		MinTradeAmount:      5000,
		MaxThreadInvestment: 20000,
		ReserveAmount:       20000,
	}); err != nil {
		t.Fatalf("写入系统配置失败: %v", err)
	}
	if err := store.SavePortfolio(ctx, &storage.Portfolio{
		Exchange:            "fake",
		CurrentAmount:       80000,
		AvailableInvestment: 80000,
		ReserveAmount:       20000,
	}); err != nil {
		t.Fatalf("写入组合失败: %v", err)
	}

	fx := newFakeExchange()
	registry := lock.NewRegistry(lock.NewNopLock(), time.Minute)
	bus := event.NewEventBus(100)
	t.Cleanup(func() { registry.Close() })

	return NewManager(store, fx, registry, bus, 0), fx, store
}

func TestInvestmentLimitBoundary(t *testing.T) {
	m, _, store := newTestManager(t)
	ctx := context.Background()

	// 已投入75000：75000 + 20000储备 + 5000最小下单 = 100000，恰好在限额内
	if err := store.CreateTradeGuarded(ctx, &storage.Trade{
		Market: "BTCUSDT", Exchange: "fake", Status: storage.TradeStatusActive,
		InvestmentAmount: 75000, EntryTimestamp: time.Now(),
	}); err != nil {
		t.Fatalf("插入交易失败: %v", err)
	}

	ok, err := m.CheckInvestmentLimit(ctx)
	if err != nil {
		t.Fatalf("限额检查失败: %v", err)
	}
	if !ok {
		t.Fatal("投入75000时应在限额内")
	}

	// 再追加1000：76000 + 20000 + 5000 > 100000，越界
	if err := store.CreateTradeGuarded(ctx, &storage.Trade{
		Market: "ETHUSDT", Exchange: "fake", Status: storage.TradeStatusActive,
		InvestmentAmount: 1000, EntryTimestamp: time.Now(),
	}); err != nil {
		t.Fatalf("插入交易失败: %v", err)
	}

	ok, err = m.CheckInvestmentLimit(ctx)
	if err != nil {
		t.Fatalf("限额检查失败: %v", err)
	}
	if ok {
		t.Fatal("投入76000时应超出限额")
	}
}

func TestOpenPositionOverLimit(t *testing.T) {
	m, fx, store := newTestManager(t)
	ctx := context.Background()

	if err := store.CreateTradeGuarded(ctx, &storage.Trade{
		Market: "ETHUSDT", Exchange: "fake", Status: storage.TradeStatusActive,
		InvestmentAmount: 76000, EntryTimestamp: time.Now(),
	}); err != nil {
		t.Fatalf("插入交易失败: %v", err)
	}

	_, err := m.OpenPosition(ctx, &OpenRequest{Market: "BTCUSDT", Amount: 5000, Reason: "常规买入"})
	if !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("err = %v, 期望 ErrLimitExceeded", err)
	}
	if len(fx.orders) != 0 {
		t.Fatal("超限时不应产生真实订单")
	}
}

func TestOpenPositionOrderFailureNoMutation(t *testing.T) {
	m, fx, store := newTestManager(t)
	ctx := context.Background()
	fx.failOrder = true

	_, err := m.OpenPosition(ctx, &OpenRequest{Market: "BTCUSDT", Amount: 10000, Reason: "常规买入"})
	if !errors.Is(err, exchange.ErrOrderExecution) {
		t.Fatalf("err = %v, 期望 ErrOrderExecution", err)
	}

	// 下单失败不得留下任何本地状态
	count, err := store.CountOpenTrades(ctx, "fake")
	if err != nil {
		t.Fatalf("统计交易失败: %v", err)
	}
	if count != 0 {
		t.Fatalf("交易数 = %d, 期望 0", count)
	}
	p, err := store.GetPortfolio(ctx, "fake")
	if err != nil {
		t.Fatalf("读取组合失败: %v", err)
	}
	if p.CurrentAmount != 80000 {
		t.Fatalf("现金余额 = %.2f, 期望 80000", p.CurrentAmount)
	}
}

func TestOpenPositionUnwindsOnLedgerFailure(t *testing.T) {
	m, fx, store := newTestManager(t)
	ctx := context.Background()

	// 已有活跃交易：防护性插入在事务内失败，但此时买单已成交
	if err := store.CreateTradeGuarded(ctx, &storage.Trade{
		Market: "BTCUSDT", Exchange: "fake", Status: storage.TradeStatusActive,
		EntryPrice: 50000, ExecutedVolume: 0.1, InvestmentAmount: 5000,
		EntryTimestamp: time.Now(),
	}); err != nil {
		t.Fatalf("插入交易失败: %v", err)
	}

	_, err := m.OpenPosition(ctx, &OpenRequest{Market: "BTCUSDT", Amount: 10000, Reason: "常规买入"})
	if err == nil {
		t.Fatal("重复开仓应失败")
	}

	// 成交的买入被反向冲销：买单 + 冲销卖单
	if len(fx.orders) != 2 {
		t.Fatalf("订单数 = %d, 期望 2 (买入+冲销)", len(fx.orders))
	}
	unwind := fx.orders[1]
	if unwind.Side != exchange.SideSell {
		t.Fatalf("冲销方向 = %s, 期望卖出", unwind.Side)
	}
	if unwind.Volume != 0.2 {
		t.Fatalf("冲销数量 = %.4f, 期望 0.2", unwind.Volume)
	}

	// 本地状态零变更
	count, _ := store.CountOpenTrades(ctx, "fake")
	if count != 1 {
		t.Fatalf("交易数 = %d, 期望 1 (仅原有持仓)", count)
	}
	p, _ := store.GetPortfolio(ctx, "fake")
	if p.CurrentAmount != 80000 {
		t.Fatalf("现金余额 = %.2f, 期望 80000", p.CurrentAmount)
	}
}

func TestOpenClosePortfolioRoundTrip(t *testing.T) {
	m, _, store := newTestManager(t)
	ctx := context.Background()

	// 零手续费下买入后卖出，价格不变，组合应完全复原
	tradeID, err := m.OpenPosition(ctx, &OpenRequest{
		Market: "BTCUSDT", ThreadID: 1, Amount: 10000, SignalStrength: 0.8, Reason: "常规买入",
	})
	if err != nil {
		t.Fatalf("开仓失败: %v", err)
	}
	if tradeID == 0 {
		t.Fatal("开仓应返回交易ID")
	}

	// 开仓从现金余额扣减，可用额度是推导值不随交易变化
	p, _ := store.GetPortfolio(ctx, "fake")
	if p.CurrentAmount != 70000 {
		t.Fatalf("开仓后现金余额 = %.2f, 期望 70000", p.CurrentAmount)
	}
	if p.AvailableInvestment != 80000 {
		t.Fatalf("开仓后可用额度 = %.2f, 期望 80000", p.AvailableInvestment)
	}

	if err := m.ClosePosition(ctx, &CloseRequest{Market: "BTCUSDT", Reason: "获利回吐"}); err != nil {
		t.Fatalf("平仓失败: %v", err)
	}

	// 净回款回补现金余额
	p, _ = store.GetPortfolio(ctx, "fake")
	if p.CurrentAmount != 80000 {
		t.Fatalf("平仓后现金余额 = %.2f, 期望 80000", p.CurrentAmount)
	}
	if p.AvailableInvestment != 80000 {
		t.Fatalf("平仓后可用额度 = %.2f, 期望 80000", p.AvailableInvestment)
	}
	if p.ProfitEarned != 0 {
		t.Fatalf("价格不变时盈亏 = %.2f, 期望 0", p.ProfitEarned)
	}

	// 归档记录已落库
	history, err := store.ListHistorySince(ctx, "fake", time.Now().Add(-time.Minute))
	if err != nil || len(history) != 1 {
		t.Fatalf("归档记录数 = %d (err=%v), 期望 1", len(history), err)
	}
	if history[0].Reason != "获利回吐" {
		t.Fatalf("归档原因 = %s, 期望 获利回吐", history[0].Reason)
	}
}

func TestClosePositionNoActiveTrade(t *testing.T) {
	m, fx, _ := newTestManager(t)
	ctx := context.Background()

	err := m.ClosePosition(ctx, &CloseRequest{Market: "BTCUSDT", Reason: "信号跌破卖出阈值"})
	if !errors.Is(err, ErrNoActiveTrade) {
		t.Fatalf("err = %v, 期望 ErrNoActiveTrade", err)
	}
	if len(fx.orders) != 0 {
		t.Fatal("无持仓时不应产生真实订单")
	}
}

func TestAveragingDownRecalculatesEntry(t *testing.T) {
	m, fx, store := newTestManager(t)
	ctx := context.Background()

	// 50000 买入 10000
	if _, err := m.OpenPosition(ctx, &OpenRequest{
		Market: "BTCUSDT", ThreadID: 1, Amount: 10000, Reason: "常规买入",
	}); err != nil {
		t.Fatalf("开仓失败: %v", err)
	}

	// 价格跌到 40000 后摊平 5000
	fx.prices["BTCUSDT"] = 40000
	if _, err := m.OpenPosition(ctx, &OpenRequest{
		Market: "BTCUSDT", ThreadID: 1, Amount: 5000, AveragingDown: true, Reason: "摊平买入",
	}); err != nil {
		t.Fatalf("摊平失败: %v", err)
	}

	trade, err := store.GetActiveTrade(ctx, "BTCUSDT", "fake")
	if err != nil {
		t.Fatalf("读取交易失败: %v", err)
	}
	if trade.AveragingDownCount != 1 {
		t.Fatalf("摊平次数 = %d, 期望 1", trade.AveragingDownCount)
	}
	if trade.InvestmentAmount != 15000 {
		t.Fatalf("总投入 = %.2f, 期望 15000", trade.InvestmentAmount)
	}

	// 均价 = 15000 / (10000/50000 + 5000/40000) = 15000 / 0.325
	wantEntry := 15000.0 / 0.325
	if diff := trade.EntryPrice - wantEntry; diff > 0.01 || diff < -0.01 {
		t.Fatalf("摊平后均价 = %.4f, 期望 %.4f", trade.EntryPrice, wantEntry)
	}
}

func TestConvertedTradeMergesIntoLongTerm(t *testing.T) {
	m, fx, store := newTestManager(t)
	ctx := context.Background()

	// 已转长期的市场：存在 converted 交易与长期账本
	if err := store.CreateTradeGuarded(ctx, &storage.Trade{
		Market: "BTCUSDT", Exchange: "fake", ThreadID: 1,
		Status: storage.TradeStatusConverted, IsLongTerm: true,
		EntryPrice: 50000, ExecutedVolume: 0.2, InvestmentAmount: 10000,
		EntryTimestamp: time.Now(),
	}); err != nil {
		t.Fatalf("插入交易失败: %v", err)
	}
	if err := store.CreateLongTermTrade(ctx, &storage.LongTermTrade{
		Market: "BTCUSDT", Exchange: "fake", ThreadID: 1, Status: "active",
		TotalInvestment: 10000, TotalVolume: 0.2, AveragePrice: 50000,
	}); err != nil {
		t.Fatalf("插入长期持仓失败: %v", err)
	}

	// 40000 加仓 4000 → 并入长期账本并重算加权均价
	fx.prices["BTCUSDT"] = 40000
	if _, err := m.OpenPosition(ctx, &OpenRequest{
		Market: "BTCUSDT", ThreadID: 1, Amount: 4000, Reason: "长期持仓加仓",
	}); err != nil {
		t.Fatalf("加仓失败: %v", err)
	}

	lt, err := store.GetLongTermTrade(ctx, "BTCUSDT", "fake")
	if err != nil {
		t.Fatalf("读取长期持仓失败: %v", err)
	}
	if lt.TotalInvestment != 14000 {
		t.Fatalf("总投入 = %.2f, 期望 14000", lt.TotalInvestment)
	}

	// 加权均价 = 14000 / (0.2 + 4000/40000) = 14000 / 0.3
	wantAvg := 14000.0 / 0.3
	if diff := lt.AveragePrice - wantAvg; diff > 0.01 || diff < -0.01 {
		t.Fatalf("加权均价 = %.4f, 期望 %.4f", lt.AveragePrice, wantAvg)
	}
	if len(lt.Positions) != 1 {
		t.Fatalf("追加仓位数 = %d, 期望 1", len(lt.Positions))
	}

	// 平仓按长期账本的持有量与成本结算
	if err := m.ClosePosition(ctx, &CloseRequest{Market: "BTCUSDT", Reason: "长期持仓目标达成"}); err != nil {
		t.Fatalf("平仓失败: %v", err)
	}
	sellOrder := fx.orders[len(fx.orders)-1]
	if diff := sellOrder.Volume - 0.3; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("卖出数量 = %.6f, 期望 0.3", sellOrder.Volume)
	}
}

func TestRequestUserSell(t *testing.T) {
	m, _, store := newTestManager(t)
	ctx := context.Background()

	if err := m.RequestUserSell(ctx, "BTCUSDT"); !errors.Is(err, ErrNoActiveTrade) {
		t.Fatalf("err = %v, 期望 ErrNoActiveTrade", err)
	}

	if _, err := m.OpenPosition(ctx, &OpenRequest{
		Market: "BTCUSDT", Amount: 10000, Reason: "常规买入",
	}); err != nil {
		t.Fatalf("开仓失败: %v", err)
	}
	if err := m.RequestUserSell(ctx, "BTCUSDT"); err != nil {
		t.Fatalf("标记卖出请求失败: %v", err)
	}

	trade, _ := store.GetActiveTrade(ctx, "BTCUSDT", "fake")
	if !trade.UserCall {
		t.Fatal("UserCall 标记未生效")
	}
}
