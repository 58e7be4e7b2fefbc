package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(&DBConfig{
		Type:     "sqlite",
		DSN:      ":memory:",
		LogLevel: "silent",
	})
	if err != nil {
		t.Fatalf("创建测试存储失败: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateTradeGuarded(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	trade := &Trade{
		Market:         "BTCUSDT",
		Exchange:       "binance",
		Status:         TradeStatusActive,
		EntryPrice:     50000,
		EntryTimestamp: time.Now(),
	}
	if err := store.CreateTradeGuarded(ctx, trade); err != nil {
		t.Fatalf("首次插入失败: %v", err)
	}

	// 同一市场的第二条活跃交易必须被拒绝
	dup := &Trade{Market: "BTCUSDT", Exchange: "binance", Status: TradeStatusActive}
	err := store.CreateTradeGuarded(ctx, dup)
	if !errors.Is(err, ErrDuplicateActiveTrade) {
		t.Fatalf("err = %v, 期望 ErrDuplicateActiveTrade", err)
	}

	// converted 状态同样占据市场
	trade.Status = TradeStatusConverted
	if err := store.UpdateTrade(ctx, trade); err != nil {
		t.Fatalf("更新状态失败: %v", err)
	}
	err = store.CreateTradeGuarded(ctx, dup)
	if !errors.Is(err, ErrDuplicateActiveTrade) {
		t.Fatalf("converted 状态下 err = %v, 期望 ErrDuplicateActiveTrade", err)
	}

	// 平仓后可以重新开仓
	trade.Status = TradeStatusClosed
	if err := store.UpdateTrade(ctx, trade); err != nil {
		t.Fatalf("平仓失败: %v", err)
	}
	if err := store.CreateTradeGuarded(ctx, dup); err != nil {
		t.Fatalf("平仓后插入失败: %v", err)
	}

	// 其他市场不受影响
	other := &Trade{Market: "ETHUSDT", Exchange: "binance", Status: TradeStatusActive}
	if err := store.CreateTradeGuarded(ctx, other); err != nil {
		t.Fatalf("其他市场插入失败: %v", err)
	}
}

func TestSingleActiveTradeUnderConcurrency(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// N 个并发买入同一市场：最终只能有一条活跃交易
	// sqlite 串行化写入，事务内的防护性检查保证语义
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			store.Transaction(ctx, func(tx *Store) error {
				return tx.CreateTradeGuarded(ctx, &Trade{
					Market:   "BTCUSDT",
					Exchange: "binance",
					Status:   TradeStatusActive,
					ThreadID: n,
				})
			})
		}(i)
	}
	wg.Wait()

	count, err := store.CountOpenTrades(ctx, "binance")
	if err != nil {
		t.Fatalf("统计失败: %v", err)
	}
	if count != 1 {
		t.Errorf("并发插入后活跃交易数 = %d, 期望 1", count)
	}
}

func TestSumInvestment(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	trades := []*Trade{
		{Market: "BTCUSDT", Exchange: "binance", Status: TradeStatusActive, ThreadID: 0, InvestmentAmount: 30000},
		{Market: "ETHUSDT", Exchange: "binance", Status: TradeStatusConverted, ThreadID: 0, InvestmentAmount: 25000},
		{Market: "XRPUSDT", Exchange: "binance", Status: TradeStatusClosed, ThreadID: 1, InvestmentAmount: 99999},
		{Market: "SOLUSDT", Exchange: "binance", Status: TradeStatusActive, ThreadID: 1, InvestmentAmount: 20000},
	}
	for _, tr := range trades {
		if err := store.CreateTradeGuarded(ctx, tr); err != nil {
			t.Fatalf("插入失败: %v", err)
		}
	}

	total, err := store.SumOpenInvestment(ctx, "binance")
	if err != nil {
		t.Fatalf("汇总失败: %v", err)
	}
	// closed 不计入
	if total != 75000 {
		t.Errorf("未平仓投资总额 = %.0f, 期望 75000", total)
	}

	thread0, err := store.SumThreadInvestment(ctx, "binance", 0)
	if err != nil {
		t.Fatalf("分片汇总失败: %v", err)
	}
	if thread0 != 55000 {
		t.Errorf("分片0投资总额 = %.0f, 期望 55000", thread0)
	}
}

func TestTransactionRollback(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	wantErr := errors.New("模拟失败")
	err := store.Transaction(ctx, func(tx *Store) error {
		if err := tx.CreateTradeGuarded(ctx, &Trade{
			Market: "BTCUSDT", Exchange: "binance", Status: TradeStatusActive,
		}); err != nil {
			return err
		}
		if err := tx.SavePortfolio(ctx, &Portfolio{
			Exchange: "binance", CurrentAmount: 100000,
		}); err != nil {
			return err
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("事务应返回业务错误: %v", err)
	}

	// 两张表都不应有残留
	if _, err := store.GetActiveTrade(ctx, "BTCUSDT", "binance"); !errors.Is(err, ErrNotFound) {
		t.Errorf("回滚后交易仍存在: %v", err)
	}
	if _, err := store.GetPortfolio(ctx, "binance"); !errors.Is(err, ErrNotFound) {
		t.Errorf("回滚后组合仍存在: %v", err)
	}
}

func TestThreadStatusUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ts := &ThreadStatus{ThreadID: 3, AssignedMarkets: `["BTCUSDT"]`, IsActive: true, LastUpdated: time.Now()}
	if err := store.UpsertThreadStatus(ctx, ts); err != nil {
		t.Fatalf("首次 upsert 失败: %v", err)
	}

	// 同一 thread_id 再次 upsert 覆盖而不是新增
	ts2 := &ThreadStatus{ThreadID: 3, AssignedMarkets: `["ETHUSDT"]`, IsActive: true, LastMarket: "ETHUSDT", LastUpdated: time.Now()}
	if err := store.UpsertThreadStatus(ctx, ts2); err != nil {
		t.Fatalf("二次 upsert 失败: %v", err)
	}

	statuses, err := store.ListThreadStatuses(ctx)
	if err != nil {
		t.Fatalf("列出失败: %v", err)
	}
	if len(statuses) != 1 {
		t.Fatalf("心跳行数 = %d, 期望 1", len(statuses))
	}
	if statuses[0].LastMarket != "ETHUSDT" {
		t.Errorf("LastMarket = %q, 期望 ETHUSDT", statuses[0].LastMarket)
	}
}

func TestTroughLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	trough := &SignalTrough{Market: "BTCUSDT", Exchange: "binance", LowestSignal: 0.3, LowestPrice: 48000, Timestamp: time.Now()}
	if err := store.UpsertTrough(ctx, trough); err != nil {
		t.Fatalf("插入波谷失败: %v", err)
	}

	// 更低的信号覆盖旧记录
	lower := &SignalTrough{Market: "BTCUSDT", Exchange: "binance", LowestSignal: 0.25, LowestPrice: 47000, Timestamp: time.Now()}
	if err := store.UpsertTrough(ctx, lower); err != nil {
		t.Fatalf("更新波谷失败: %v", err)
	}

	got, err := store.GetTrough(ctx, "BTCUSDT", "binance")
	if err != nil {
		t.Fatalf("读取波谷失败: %v", err)
	}
	if got.LowestSignal != 0.25 {
		t.Errorf("LowestSignal = %.2f, 期望 0.25", got.LowestSignal)
	}

	// 触发后重置
	if err := store.DeleteTrough(ctx, "BTCUSDT", "binance"); err != nil {
		t.Fatalf("删除波谷失败: %v", err)
	}
	if _, err := store.GetTrough(ctx, "BTCUSDT", "binance"); !errors.Is(err, ErrNotFound) {
		t.Errorf("删除后仍能读到波谷: %v", err)
	}
}

func TestLongTermTradeWithPositions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	lt := &LongTermTrade{
		Market: "BTCUSDT", Exchange: "binance", Status: "active",
		TotalInvestment: 10000, TotalVolume: 0.2, AveragePrice: 50000,
	}
	if err := store.CreateLongTermTrade(ctx, lt); err != nil {
		t.Fatalf("创建长期持仓失败: %v", err)
	}

	for i := 0; i < 2; i++ {
		pos := &LongTermPosition{
			LongTermTradeID: lt.ID,
			Price:           50000 - float64(i)*1000,
			Amount:          5000,
			ExecutedVolume:  0.1,
			Timestamp:       time.Now(),
		}
		if err := store.AppendLongTermPosition(ctx, pos); err != nil {
			t.Fatalf("追加仓位失败: %v", err)
		}
	}

	got, err := store.GetLongTermTrade(ctx, "BTCUSDT", "binance")
	if err != nil {
		t.Fatalf("读取长期持仓失败: %v", err)
	}
	if len(got.Positions) != 2 {
		t.Errorf("仓位明细数 = %d, 期望 2", len(got.Positions))
	}

	if err := store.DeleteLongTermTrade(ctx, lt.ID); err != nil {
		t.Fatalf("删除长期持仓失败: %v", err)
	}
	if _, err := store.GetLongTermTrade(ctx, "BTCUSDT", "binance"); !errors.Is(err, ErrNotFound) {
		t.Errorf("删除后仍能读到长期持仓: %v", err)
	}
}

func TestUnreportedAggregation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		h := &TradeHistory{
			Market:         fmt.Sprintf("M%dUSDT", i),
			Exchange:       "binance",
			RealizedProfit: 100,
			FeeAmount:      10,
			ExitTimestamp:  time.Now(),
		}
		if err := store.CreateTradeHistory(ctx, h); err != nil {
			t.Fatalf("写入归档失败: %v", err)
		}
	}

	profit, fee, err := store.SumUnreported(ctx, "binance")
	if err != nil {
		t.Fatalf("汇总失败: %v", err)
	}
	if profit != 300 || fee != 30 {
		t.Errorf("未报告汇总 = (%.0f, %.0f), 期望 (300, 30)", profit, fee)
	}

	if err := store.MarkReported(ctx, "binance"); err != nil {
		t.Fatalf("标记失败: %v", err)
	}
	profit, fee, err = store.SumUnreported(ctx, "binance")
	if err != nil {
		t.Fatalf("二次汇总失败: %v", err)
	}
	if profit != 0 || fee != 0 {
		t.Errorf("标记后汇总 = (%.0f, %.0f), 期望 (0, 0)", profit, fee)
	}
}
