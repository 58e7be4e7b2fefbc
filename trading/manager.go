package trading

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"coinpilot/event"
	"coinpilot/exchange"
	"coinpilot/lock"
	"coinpilot/logger"
	"coinpilot/metrics"
	"coinpilot/storage"
)

// 哨兵错误
var (
	ErrLimitExceeded     = errors.New("超出投资限额")
	ErrNoActiveTrade     = errors.New("无活跃交易")
	ErrInsufficientFunds = errors.New("可用资金不足")
)

// Manager 交易管理器
// 所有状态变更在 Position Store 事务内完成；真实下单先于任何本地变更
type Manager struct {
	store    *storage.Store
	ex       exchange.IExchange
	registry *lock.Registry
	bus      *event.EventBus

	exchangeName string
	feeRate      float64
}

// NewManager 创建交易管理器
func NewManager(store *storage.Store, ex exchange.IExchange, registry *lock.Registry, bus *event.EventBus, feeRate float64) *Manager {
	return &Manager{
		store:        store,
		ex:           ex,
		registry:     registry,
		bus:          bus,
		exchangeName: ex.GetName(),
		feeRate:      feeRate,
	}
}

// Store 暴露底层存储（引擎与调度任务复用）
func (m *Manager) Store() *storage.Store {
	return m.store
}

// ExchangeName 当前交易所名称
func (m *Manager) ExchangeName() string {
	return m.exchangeName
}

// OpenRequest 开仓/摊平请求
type OpenRequest struct {
	Market         string
	ThreadID       int
	SignalStrength float64
	Amount         float64 // 计价币投入金额
	Reason         string
	AveragingDown  bool
	Snapshot       string // 入场时的策略上下文（JSON）
}

// CheckInvestmentLimit 只读投资限额检查
// 未平仓投入 + 储备金 + 一笔最小下单额仍需在总限额之内
func (m *Manager) CheckInvestmentLimit(ctx context.Context) (bool, error) {
	return m.checkLimitWith(ctx, m.store, 0)
}

// checkLimitWith 限额检查，extra 为本次准备追加的投入
func (m *Manager) checkLimitWith(ctx context.Context, s *storage.Store, extra float64) (bool, error) {
	sc, err := s.GetSystemConfig(ctx, m.exchangeName)
	if err != nil {
		return false, fmt.Errorf("读取系统配置失败: %w", err)
	}

	invested, err := s.SumOpenInvestment(ctx, m.exchangeName)
	if err != nil {
		return false, fmt.Errorf("汇总投资额失败: %w", err)
	}

	return invested+extra+sc.ReserveAmount+sc.MinTradeAmount <= sc.TotalMaxInvestment, nil
}

// OpenPosition 开仓（或摊平、或并入长期持仓）
// 下单成功后才进入事务；事务内重新复核限额与活跃交易唯一性
func (m *Manager) OpenPosition(ctx context.Context, req *OpenRequest) (uint, error) {
	// 1. 乐观限额检查，避免无谓下单
	ok, err := m.checkLimitWith(ctx, m.store, req.Amount)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: %s 追加 %.2f", ErrLimitExceeded, req.Market, req.Amount)
	}

	// 2. 真实下单（买入操作全局串行化）
	var order *exchange.OrderResult
	err = m.registry.WithAPILock("buy", func() error {
		var placeErr error
		order, placeErr = m.ex.PlaceOrder(ctx, &exchange.OrderRequest{
			Market: req.Market,
			Side:   exchange.SideBuy,
			Amount: req.Amount,
		})
		return placeErr
	})
	if err != nil {
		m.publishFailure(req.Market, "buy", err)
		return 0, fmt.Errorf("%w: %v", exchange.ErrOrderExecution, err)
	}

	// 3. 手续费修正后的实际持有数量
	fee := order.Fee
	if fee == 0 {
		fee = order.Amount * m.feeRate
	}
	executedVolume := order.ExecutedVolume
	if order.Fee == 0 && order.Price > 0 {
		// 交易所未返回手续费时按费率折减持有量
		executedVolume = (order.Amount - fee) / order.Price
	}

	var tradeID uint
	err = m.store.Transaction(ctx, func(tx *storage.Store) error {
		// 事务内复核限额（陈旧读取后的最终裁决）
		ok, err := m.checkLimitWith(ctx, tx, 0)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: 事务内复核失败 %s", ErrLimitExceeded, req.Market)
		}

		// 已转换为长期持仓的市场：并入长期账本
		if converted, err := tx.GetOpenTrade(ctx, req.Market, m.exchangeName); err == nil &&
			converted.Status == storage.TradeStatusConverted {
			return m.mergeIntoLongTerm(ctx, tx, converted, order, fee)
		}

		if req.AveragingDown {
			return m.applyAveragingDown(ctx, tx, req, order, fee, &tradeID)
		}

		// 防护性插入新活跃交易
		trade := &storage.Trade{
			Market:              req.Market,
			Exchange:            m.exchangeName,
			ThreadID:            req.ThreadID,
			EntryPrice:          order.Price,
			ExecutedVolume:      executedVolume,
			InvestmentAmount:    order.Amount,
			FeeAmount:           fee,
			CurrentPrice:        order.Price,
			Status:              storage.TradeStatusActive,
			EntrySignalStrength: req.SignalStrength,
			StrategySnapshot:    req.Snapshot,
			EntryTimestamp:      order.Timestamp,
		}
		if err := tx.CreateTradeGuarded(ctx, trade); err != nil {
			return err
		}
		tradeID = trade.ID

		return m.debitPortfolio(ctx, tx, req.Market, order.Amount)
	})
	if err != nil {
		// 交易所已成交但本地入账失败：反向冲销，不留无主持仓
		m.unwindFill(ctx, req.Market, executedVolume)
		m.publishFailure(req.Market, "buy", err)
		return 0, err
	}

	eventType := event.EventTypeTradeOpened
	if req.AveragingDown {
		eventType = event.EventTypeAveragingDown
		metrics.AveragingDowns.Inc()
	} else {
		metrics.TradesOpened.WithLabelValues(req.Reason).Inc()
	}
	m.bus.Publish(event.New(eventType, map[string]interface{}{
		"market": req.Market,
		"price":  order.Price,
		"amount": order.Amount,
		"signal": req.SignalStrength,
		"reason": req.Reason,
	}))

	logger.Info("💰 买入成交: %s 价格=%.8f 金额=%.2f 理由=%s", req.Market, order.Price, order.Amount, req.Reason)
	return tradeID, nil
}

// applyAveragingDown 摊平：均价重算、投入与持有量累加、计数加一
func (m *Manager) applyAveragingDown(ctx context.Context, tx *storage.Store, req *OpenRequest, order *exchange.OrderResult, fee float64, tradeID *uint) error {
	trade, err := tx.GetActiveTrade(ctx, req.Market, m.exchangeName)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: 摊平目标 %s", ErrNoActiveTrade, req.Market)
		}
		return err
	}

	newVolume := trade.ExecutedVolume + order.ExecutedVolume
	newInvestment := trade.InvestmentAmount + order.Amount
	if newVolume > 0 {
		trade.EntryPrice = newInvestment / newVolume
	}
	trade.ExecutedVolume = newVolume
	trade.InvestmentAmount = newInvestment
	trade.FeeAmount += fee
	trade.AveragingDownCount++
	trade.CurrentPrice = order.Price
	if trade.EntryPrice > 0 {
		trade.ProfitRate = (order.Price - trade.EntryPrice) / trade.EntryPrice * 100
	}

	if err := tx.UpdateTrade(ctx, trade); err != nil {
		return err
	}
	*tradeID = trade.ID

	return m.debitPortfolio(ctx, tx, req.Market, order.Amount)
}

// mergeIntoLongTerm 市场已转长期：追加仓位并重算成交量加权均价
func (m *Manager) mergeIntoLongTerm(ctx context.Context, tx *storage.Store, converted *storage.Trade, order *exchange.OrderResult, fee float64) error {
	lt, err := tx.GetLongTermTrade(ctx, converted.Market, m.exchangeName)
	if err != nil {
		return fmt.Errorf("长期持仓缺失 [%s]: %w", converted.Market, err)
	}

	pos := &storage.LongTermPosition{
		LongTermTradeID: lt.ID,
		Price:           order.Price,
		Amount:          order.Amount,
		ExecutedVolume:  order.ExecutedVolume,
		Timestamp:       order.Timestamp,
	}
	if err := tx.AppendLongTermPosition(ctx, pos); err != nil {
		return err
	}

	lt.TotalInvestment += order.Amount
	lt.TotalVolume += order.ExecutedVolume
	if lt.TotalVolume > 0 {
		lt.AveragePrice = lt.TotalInvestment / lt.TotalVolume
	}
	lt.LastInvestmentTime = order.Timestamp
	if err := tx.UpdateLongTermTrade(ctx, lt); err != nil {
		return err
	}

	return m.debitPortfolio(ctx, tx, converted.Market, order.Amount)
}

// debitPortfolio 现金账本扣减并追加持仓市场
// CurrentAmount 是剩余现金；AvailableInvestment 由总限额减储备推导，不随单笔交易变更
func (m *Manager) debitPortfolio(ctx context.Context, tx *storage.Store, market string, amount float64) error {
	p, err := tx.GetPortfolio(ctx, m.exchangeName)
	if err != nil {
		return fmt.Errorf("读取组合失败: %w", err)
	}

	p.CurrentAmount -= amount
	p.MarketList = addToMarketList(p.MarketList, market)
	p.UpdatedAt = time.Now()

	if err := tx.SavePortfolio(ctx, p); err != nil {
		return err
	}

	metrics.PortfolioCurrentAmount.Set(p.CurrentAmount)
	metrics.PortfolioAvailable.Set(p.AvailableInvestment)
	return nil
}

// unwindFill 买入已成交但本地入账失败时的反向冲销卖出
func (m *Manager) unwindFill(ctx context.Context, market string, volume float64) {
	if volume <= 0 {
		return
	}
	err := m.registry.WithAPILock("sell", func() error {
		_, sellErr := m.ex.PlaceOrder(ctx, &exchange.OrderRequest{
			Market: market,
			Side:   exchange.SideSell,
			Volume: volume,
		})
		return sellErr
	})
	if err != nil {
		logger.Error("🚨 冲销失败 [%s]: 交易所持有 %.8f 无本地记录: %v", market, volume, err)
		return
	}
	logger.Warn("⚠️ 本地入账失败，已冲销买入: %s %.8f", market, volume)
}

// CloseRequest 平仓请求
type CloseRequest struct {
	Market         string
	ThreadID       int
	SignalStrength float64
	Reason         string
}

// ClosePosition 平仓
// 要求存在未平仓交易；已实现收益扣除买卖双向手续费；无交易时零变更失败
func (m *Manager) ClosePosition(ctx context.Context, req *CloseRequest) error {
	trade, err := m.store.GetOpenTrade(ctx, req.Market, m.exchangeName)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNoActiveTrade, req.Market)
		}
		return err
	}

	// 已转长期的市场以长期账本的持有量与成本为准
	sellVolume := trade.ExecutedVolume
	costBasis := trade.InvestmentAmount
	entryFee := trade.FeeAmount
	if trade.Status == storage.TradeStatusConverted {
		lt, ltErr := m.store.GetLongTermTrade(ctx, req.Market, m.exchangeName)
		if ltErr != nil {
			return fmt.Errorf("长期持仓缺失 [%s]: %w", req.Market, ltErr)
		}
		sellVolume = lt.TotalVolume
		costBasis = lt.TotalInvestment
	}

	// 真实卖出（先下单后变更）
	var order *exchange.OrderResult
	err = m.registry.WithAPILock("sell", func() error {
		var placeErr error
		order, placeErr = m.ex.PlaceOrder(ctx, &exchange.OrderRequest{
			Market: req.Market,
			Side:   exchange.SideSell,
			Volume: sellVolume,
		})
		return placeErr
	})
	if err != nil {
		m.publishFailure(req.Market, "sell", err)
		return fmt.Errorf("%w: %v", exchange.ErrOrderExecution, err)
	}

	exitFee := order.Fee
	if exitFee == 0 {
		exitFee = order.Amount * m.feeRate
	}
	proceeds := order.Amount - exitFee
	realized := proceeds - costBasis
	profitRate := 0.0
	if costBasis > 0 {
		profitRate = realized / costBasis * 100
	}

	err = m.store.Transaction(ctx, func(tx *storage.Store) error {
		now := time.Now()

		// 归档
		history := &storage.TradeHistory{
			Market:           trade.Market,
			Exchange:         m.exchangeName,
			ThreadID:         trade.ThreadID,
			EntryPrice:       trade.EntryPrice,
			ExitPrice:        order.Price,
			ExecutedVolume:   sellVolume,
			InvestmentAmount: costBasis,
			RealizedProfit:   realized,
			FeeAmount:        entryFee + exitFee,
			ProfitRate:       profitRate,
			Reason:           req.Reason,
			EntryTimestamp:   trade.EntryTimestamp,
			ExitTimestamp:    now,
		}
		if err := tx.CreateTradeHistory(ctx, history); err != nil {
			return err
		}

		// 关闭实时交易行
		trade.Status = storage.TradeStatusClosed
		trade.ExitPrice = order.Price
		trade.ExitTimestamp = &now
		if err := tx.UpdateTrade(ctx, trade); err != nil {
			return err
		}

		// 长期账本一并移除
		if lt, err := tx.GetLongTermTrade(ctx, req.Market, m.exchangeName); err == nil {
			lt.Status = "closed"
			if err := tx.UpdateLongTermTrade(ctx, lt); err != nil {
				return err
			}
		}

		// 净回款计入现金账本
		p, err := tx.GetPortfolio(ctx, m.exchangeName)
		if err != nil {
			return fmt.Errorf("读取组合失败: %w", err)
		}
		p.CurrentAmount += proceeds
		p.ProfitEarned += realized
		p.MarketList = removeFromMarketList(p.MarketList, req.Market)
		p.UpdatedAt = now
		return tx.SavePortfolio(ctx, p)
	})
	if err != nil {
		return err
	}

	metrics.TradesClosed.WithLabelValues(req.Reason).Inc()
	metrics.RecordRealized(realized)
	m.bus.Publish(event.New(event.EventTypeTradeClosed, map[string]interface{}{
		"market":      req.Market,
		"exit_price":  order.Price,
		"profit":      realized,
		"profit_rate": profitRate,
		"reason":      req.Reason,
	}))

	logger.Info("✅ 卖出成交: %s 价格=%.8f 盈亏=%.2f (%.2f%%) 理由=%s",
		req.Market, order.Price, realized, profitRate, req.Reason)
	return nil
}

// RefreshPrice 周期性刷新活跃交易的现价与收益率
func (m *Manager) RefreshPrice(ctx context.Context, trade *storage.Trade, currentPrice float64) error {
	trade.CurrentPrice = currentPrice
	if trade.EntryPrice > 0 {
		trade.ProfitRate = (currentPrice - trade.EntryPrice) / trade.EntryPrice * 100
	}
	return m.store.UpdateTradePrice(ctx, trade.ID, trade.CurrentPrice, trade.ProfitRate)
}

// RequestUserSell 标记运维卖出请求，下一轮决策时执行
func (m *Manager) RequestUserSell(ctx context.Context, market string) error {
	if err := m.store.SetUserCall(ctx, market, m.exchangeName); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNoActiveTrade, market)
		}
		return err
	}
	logger.Info("🔔 已标记用户卖出请求: %s", market)
	return nil
}

// publishFailure 发布交易失败事件
func (m *Manager) publishFailure(market, side string, err error) {
	metrics.TradesFailed.Inc()
	m.bus.Publish(event.New(event.EventTypeTradeFailed, map[string]interface{}{
		"market": market,
		"side":   side,
		"error":  err.Error(),
	}))
}

// addToMarketList 市场列表（JSON数组）追加去重
func addToMarketList(listJSON, market string) string {
	var markets []string
	if listJSON != "" {
		json.Unmarshal([]byte(listJSON), &markets)
	}
	for _, mk := range markets {
		if mk == market {
			out, _ := json.Marshal(markets)
			return string(out)
		}
	}
	markets = append(markets, market)
	out, _ := json.Marshal(markets)
	return string(out)
}

// removeFromMarketList 市场列表移除
func removeFromMarketList(listJSON, market string) string {
	var markets []string
	if listJSON != "" {
		json.Unmarshal([]byte(listJSON), &markets)
	}
	filtered := markets[:0]
	for _, mk := range markets {
		if mk != market {
			filtered = append(filtered, mk)
		}
	}
	out, _ := json.Marshal(filtered)
	return string(out)
}
