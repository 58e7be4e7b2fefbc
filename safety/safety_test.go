package safety

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"coinpilot/event"
	"coinpilot/exchange"
	"coinpilot/lock"
	"coinpilot/storage"
)

// stubExchange 可控的内存交易所：余额与连通性均可注入
type stubExchange struct {
	mu       sync.Mutex
	balances map[string]float64
	pingErr  error
}

func newStubExchange() *stubExchange {
	return &stubExchange{balances: make(map[string]float64)}
}

func (f *stubExchange) setBalance(asset string, free float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[asset] = free
}

func (f *stubExchange) GetName() string { return "fake" }

func (f *stubExchange) ListTradableMarkets(ctx context.Context) ([]exchange.MarketInfo, error) {
	return nil, nil
}

func (f *stubExchange) GetCandles(ctx context.Context, market, interval string, count int) ([]exchange.Candle, error) {
	return nil, nil
}

func (f *stubExchange) GetCurrentPrice(ctx context.Context, market string) (float64, error) {
	return 0, nil
}

func (f *stubExchange) PlaceOrder(ctx context.Context, req *exchange.OrderRequest) (*exchange.OrderResult, error) {
	return nil, errors.New("不支持")
}

func (f *stubExchange) GetOrderStatus(ctx context.Context, market, orderID string) (exchange.OrderStatus, error) {
	return exchange.OrderStatusFilled, nil
}

func (f *stubExchange) GetBalance(ctx context.Context, asset string) (*exchange.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &exchange.Balance{Asset: asset, Free: f.balances[asset]}, nil
}

func (f *stubExchange) GetFundingRates(ctx context.Context) ([]exchange.FundingRate, error) {
	return nil, nil
}

func (f *stubExchange) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func TestEmergencyPauseAfterConsecutiveFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := newStubExchange()
	fx.pingErr = errors.New("网络不可达")
	bus := event.NewEventBus(100)
	guard := NewEmergencyGuard(fx, bus)

	failure := errors.New("请求超时")
	guard.ReportFailure(ctx, failure)
	guard.ReportFailure(ctx, failure)
	if guard.Paused() {
		t.Fatal("两次失败不应触发暂停")
	}

	guard.ReportFailure(ctx, failure)
	if !guard.Paused() {
		t.Fatal("三次连续失败应触发暂停")
	}

	// 暂停事件已发布
	select {
	case evt := <-bus.Subscribe():
		if evt.Type != event.EventTypeEmergencyPause {
			t.Fatalf("事件类型 = %s, 期望 emergency_pause", evt.Type)
		}
	default:
		t.Fatal("应发布紧急暂停事件")
	}

	// 交易所仍不可达时取消上下文，暂停状态保持
	cancel()
	time.Sleep(50 * time.Millisecond)
	if !guard.Paused() {
		t.Fatal("恢复探测未成功前应保持暂停")
	}
}

func TestEmergencySuccessResetsCounter(t *testing.T) {
	ctx := context.Background()
	fx := newStubExchange()
	bus := event.NewEventBus(100)
	guard := NewEmergencyGuard(fx, bus)

	failure := errors.New("请求超时")
	guard.ReportFailure(ctx, failure)
	guard.ReportFailure(ctx, failure)
	guard.ReportSuccess()
	guard.ReportFailure(ctx, failure)
	guard.ReportFailure(ctx, failure)

	if guard.Paused() {
		t.Fatal("成功调用应清零失败计数，不应触发暂停")
	}
}

func newTestReconciler(t *testing.T) (*Reconciler, *stubExchange, *storage.Store, *event.EventBus) {
	t.Helper()

	store, err := storage.NewStore(&storage.DBConfig{
		Type:     "sqlite",
		DSN:      ":memory:",
		LogLevel: "silent",
	})
	if err != nil {
		t.Fatalf("创建测试存储失败: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	registry := lock.NewRegistry(lock.NewNopLock(), time.Minute)
	t.Cleanup(func() { registry.Close() })

	fx := newStubExchange()
	bus := event.NewEventBus(100)
	return NewReconciler(store, fx, registry, bus), fx, store, bus
}

func TestReconcilerForceClosesMissingPosition(t *testing.T) {
	r, fx, store, bus := newTestReconciler(t)
	ctx := context.Background()

	if err := store.CreateTradeGuarded(ctx, &storage.Trade{
		Market: "BTCUSDT", Exchange: "fake",
		Status: storage.TradeStatusActive,
		EntryPrice: 50000, ExecutedVolume: 0.2, InvestmentAmount: 10000,
		EntryTimestamp: time.Now(),
	}); err != nil {
		t.Fatalf("插入交易失败: %v", err)
	}

	// 交易所余额为零：卖出已成交但本地提交失败
	fx.setBalance("BTC", 0)
	if err := r.Run(ctx); err != nil {
		t.Fatalf("对账失败: %v", err)
	}

	count, _ := store.CountOpenTrades(ctx, "fake")
	if count != 0 {
		t.Fatalf("对账后未平仓数 = %d, 期望 0", count)
	}

	select {
	case evt := <-bus.Subscribe():
		if evt.Type != event.EventTypeReconcileFix {
			t.Fatalf("事件类型 = %s, 期望 reconcile_fix", evt.Type)
		}
	default:
		t.Fatal("应发布对账修复事件")
	}
}

func TestReconcilerToleratesFeeRounding(t *testing.T) {
	r, fx, store, _ := newTestReconciler(t)
	ctx := context.Background()

	if err := store.CreateTradeGuarded(ctx, &storage.Trade{
		Market: "ETHUSDT", Exchange: "fake",
		Status: storage.TradeStatusActive,
		EntryPrice: 2500, ExecutedVolume: 4, InvestmentAmount: 10000,
		EntryTimestamp: time.Now(),
	}); err != nil {
		t.Fatalf("插入交易失败: %v", err)
	}

	// 余额略低于本地持有量但在千分之一容差内
	fx.setBalance("ETH", 3.998)
	if err := r.Run(ctx); err != nil {
		t.Fatalf("对账失败: %v", err)
	}

	count, _ := store.CountOpenTrades(ctx, "fake")
	if count != 1 {
		t.Fatalf("容差内持仓数 = %d, 期望 1", count)
	}
}

func TestReconcilerThrottlesPerMarket(t *testing.T) {
	r, _, _, _ := newTestReconciler(t)

	if !r.shouldCheck("BTCUSDT") {
		t.Fatal("首次检查应放行")
	}
	if r.shouldCheck("BTCUSDT") {
		t.Fatal("最小间隔内重复检查应拦截")
	}
	if !r.shouldCheck("ETHUSDT") {
		t.Fatal("节流按市场独立计算")
	}
}

func TestBaseAsset(t *testing.T) {
	cases := []struct {
		market string
		want   string
	}{
		{"BTCUSDT", "BTC"},
		{"ETHBUSD", "ETH"},
		{"SOLUSDC", "SOL"},
		{"ETHBTC", "ETH"},
		{"USDT", ""},
		{"FOO", ""},
	}
	for _, tc := range cases {
		if got := baseAsset(tc.market); got != tc.want {
			t.Fatalf("baseAsset(%s) = %q, 期望 %q", tc.market, got, tc.want)
		}
	}
}
