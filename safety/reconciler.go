package safety

import (
	"context"
	"strings"
	"sync"
	"time"

	"coinpilot/event"
	"coinpilot/exchange"
	"coinpilot/lock"
	"coinpilot/logger"
	"coinpilot/storage"
)

// 同一市场两次对账之间的最小间隔
const reconcileMinInterval = 10 * time.Minute

// Reconciler 本地持仓与交易所实际状态的对账器
// 本地记录为持仓但交易所已无对应资产时，判定为状态不一致并强制关闭本地记录
type Reconciler struct {
	store    *storage.Store
	ex       exchange.IExchange
	registry *lock.Registry
	bus      *event.EventBus

	exchangeName string

	mu      sync.Mutex
	lastRun map[string]time.Time
}

// NewReconciler 创建对账器
func NewReconciler(store *storage.Store, ex exchange.IExchange, registry *lock.Registry, bus *event.EventBus) *Reconciler {
	return &Reconciler{
		store:        store,
		ex:           ex,
		registry:     registry,
		bus:          bus,
		exchangeName: ex.GetName(),
		lastRun:      make(map[string]time.Time),
	}
}

// Run 对全部未平仓交易执行一轮对账
func (r *Reconciler) Run(ctx context.Context) error {
	trades, err := r.store.ListOpenTrades(ctx, r.exchangeName)
	if err != nil {
		return err
	}

	for _, trade := range trades {
		if !r.shouldCheck(trade.Market) {
			continue
		}
		if err := r.reconcileOne(ctx, trade); err != nil {
			logger.Warn("⚠️ 对账失败 [%s]: %v", trade.Market, err)
		}
	}
	return nil
}

// shouldCheck 最小间隔节流
func (r *Reconciler) shouldCheck(market string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if last, ok := r.lastRun[market]; ok && time.Since(last) < reconcileMinInterval {
		return false
	}
	r.lastRun[market] = time.Now()
	return true
}

// reconcileOne 单个市场对账
// 本地持仓但交易所余额为零：卖出已在交易所成交而本地提交失败，强制关闭本地记录
func (r *Reconciler) reconcileOne(ctx context.Context, trade *storage.Trade) error {
	asset := baseAsset(trade.Market)
	if asset == "" {
		return nil
	}

	balance, err := r.ex.GetBalance(ctx, asset)
	if err != nil {
		return err
	}

	// 余额覆盖本地持有量（留千分之一容差，吸收手续费取整）
	if balance.Free+balance.Locked >= trade.ExecutedVolume*0.999 {
		return nil
	}

	logger.Warn("🔍 状态不一致 [%s]: 本地持有 %.8f，交易所余额 %.8f，强制关闭本地记录",
		trade.Market, trade.ExecutedVolume, balance.Free+balance.Locked)

	err = r.registry.WithRetry(ctx, lock.DomainTrade, "reconciler:"+trade.Market, func() error {
		return r.store.Transaction(ctx, func(tx *storage.Store) error {
			fresh, err := tx.GetOpenTrade(ctx, trade.Market, r.exchangeName)
			if err != nil {
				return nil // 已被其他路径关闭
			}
			now := time.Now()
			fresh.Status = storage.TradeStatusClosed
			fresh.ExitTimestamp = &now
			return tx.UpdateTrade(ctx, fresh)
		})
	})
	if err != nil {
		return err
	}

	r.bus.Publish(event.New(event.EventTypeReconcileFix, map[string]interface{}{
		"market": trade.Market,
		"volume": trade.ExecutedVolume,
	}))
	return nil
}

// baseAsset 从市场符号推导基础币种（如 BTCUSDT → BTC）
func baseAsset(market string) string {
	for _, quote := range []string{"USDT", "BUSD", "USDC", "BTC"} {
		if strings.HasSuffix(market, quote) && len(market) > len(quote) {
			return strings.TrimSuffix(market, quote)
		}
	}
	return ""
}
