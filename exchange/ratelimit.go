package exchange

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitedExchange 限速网关包装器
// 在粗粒度 API 串行化锁之下再加一层令牌桶，防止突发请求触发交易所限频
type RateLimitedExchange struct {
	inner       IExchange
	limiter     *rate.Limiter
	callTimeout time.Duration
}

// NewRateLimitedExchange 包装交易所网关
// rps 为每秒请求数上限，burst 为突发容量
func NewRateLimitedExchange(inner IExchange, rps float64, burst int, callTimeout time.Duration) *RateLimitedExchange {
	if rps <= 0 {
		rps = 8
	}
	if burst <= 0 {
		burst = 4
	}
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	return &RateLimitedExchange{
		inner:       inner,
		limiter:     rate.NewLimiter(rate.Limit(rps), burst),
		callTimeout: callTimeout,
	}
}

// wait 等待令牌并派生带超时的 ctx
func (r *RateLimitedExchange) wait(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	return callCtx, cancel, nil
}

func (r *RateLimitedExchange) GetName() string {
	return r.inner.GetName()
}

func (r *RateLimitedExchange) ListTradableMarkets(ctx context.Context) ([]MarketInfo, error) {
	callCtx, cancel, err := r.wait(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	return r.inner.ListTradableMarkets(callCtx)
}

func (r *RateLimitedExchange) GetCandles(ctx context.Context, market, interval string, count int) ([]Candle, error) {
	callCtx, cancel, err := r.wait(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	return r.inner.GetCandles(callCtx, market, interval, count)
}

func (r *RateLimitedExchange) GetCurrentPrice(ctx context.Context, market string) (float64, error) {
	callCtx, cancel, err := r.wait(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	return r.inner.GetCurrentPrice(callCtx, market)
}

func (r *RateLimitedExchange) PlaceOrder(ctx context.Context, req *OrderRequest) (*OrderResult, error) {
	callCtx, cancel, err := r.wait(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	return r.inner.PlaceOrder(callCtx, req)
}

func (r *RateLimitedExchange) GetOrderStatus(ctx context.Context, market, orderID string) (OrderStatus, error) {
	callCtx, cancel, err := r.wait(ctx)
	if err != nil {
		return OrderStatusUnknown, err
	}
	defer cancel()
	return r.inner.GetOrderStatus(callCtx, market, orderID)
}

func (r *RateLimitedExchange) GetBalance(ctx context.Context, asset string) (*Balance, error) {
	callCtx, cancel, err := r.wait(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	return r.inner.GetBalance(callCtx, asset)
}

func (r *RateLimitedExchange) GetFundingRates(ctx context.Context) ([]FundingRate, error) {
	callCtx, cancel, err := r.wait(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	return r.inner.GetFundingRates(callCtx)
}

func (r *RateLimitedExchange) Ping(ctx context.Context) error {
	callCtx, cancel, err := r.wait(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return r.inner.Ping(callCtx)
}
