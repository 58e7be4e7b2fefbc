package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"coinpilot/exchange"
	"coinpilot/logger"
	"coinpilot/storage"
)

// historyLimit 内存中保留的历史快照数量
const historyLimit = 100

// Snapshot 市场情绪/资金费率快照
type Snapshot struct {
	AFR             float64            // 全市场平均资金费率
	AFRChange       float64            // 相对上次快照的变化（%）
	GlobalFearGreed float64            // 全市场恐惧贪婪指数 [0,100]
	CurrentChange   float64            // 主流市场24小时涨跌均值（%）
	PerMarket       map[string]float64 // 各市场恐惧贪婪指数

	AFRHistory       []float64
	ChangeHistory    []float64
	FearGreedHistory []float64

	Timestamp time.Time
}

// MarketFearGreed 返回指定市场的恐惧贪婪指数，缺失时返回中性50
func (s *Snapshot) MarketFearGreed(market string) float64 {
	if s == nil || s.PerMarket == nil {
		return 50
	}
	if v, ok := s.PerMarket[market]; ok {
		return v
	}
	return 50
}

// MarketMonitor 市场情绪监控
// 后台按固定周期拉取资金费率与24小时行情，生成快照并落库；
// 工作池启动前必须等待首次快照就绪
type MarketMonitor struct {
	ex       exchange.IExchange
	store    *storage.Store
	interval time.Duration
	symbols  map[string]bool // 资金费率过滤币种，空表示不过滤
	topN     int             // 参与涨跌均值的市场数量

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	snapshot *Snapshot

	ready     chan struct{}
	readyOnce sync.Once
}

// NewMarketMonitor 创建市场监控
func NewMarketMonitor(ex exchange.IExchange, store *storage.Store, interval time.Duration, symbols []string) *MarketMonitor {
	filter := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		filter[s] = true
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &MarketMonitor{
		ex:       ex,
		store:    store,
		interval: interval,
		symbols:  filter,
		topN:     20,
		ready:    make(chan struct{}),
	}
}

// Start 启动监控
func (m *MarketMonitor) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)

	// 从历史快照恢复趋势判断所需的序列
	m.seedFromStore()

	m.wg.Add(1)
	go m.run()

	logger.Info("📊 市场监控已启动，刷新间隔: %v", m.interval)
}

// Stop 停止监控
func (m *MarketMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	logger.Info("⏹️ 市场监控已停止")
}

// run 监控主循环
func (m *MarketMonitor) run() {
	defer m.wg.Done()

	// 启动后立即刷新一次
	if err := m.refresh(); err != nil {
		logger.Error("❌ 市场快照刷新失败: %v", err)
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if err := m.refresh(); err != nil {
				logger.Error("❌ 市场快照刷新失败: %v", err)
			}
		}
	}
}

// WaitReady 等待首次快照就绪
// 超时返回错误，调用方应中止启动流程
func (m *MarketMonitor) WaitReady(ctx context.Context, timeout time.Duration) error {
	select {
	case <-m.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return fmt.Errorf("等待市场监控就绪超时 (%v)", timeout)
	}
}

// Snapshot 返回当前快照，未就绪时返回 nil
func (m *MarketMonitor) Snapshot() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// seedFromStore 从落库快照恢复历史序列（重启恢复）
func (m *MarketMonitor) seedFromStore() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rows, err := m.store.ListRecentSnapshots(ctx, m.ex.GetName(), historyLimit)
	if err != nil || len(rows) == 0 {
		return
	}

	snap := &Snapshot{PerMarket: make(map[string]float64)}
	// rows 新的在前，历史序列按时间升序排列
	for i := len(rows) - 1; i >= 0; i-- {
		snap.AFRHistory = append(snap.AFRHistory, rows[i].AFR)
		snap.ChangeHistory = append(snap.ChangeHistory, rows[i].CurrentChange)
		snap.FearGreedHistory = append(snap.FearGreedHistory, rows[i].FearGreed)
	}

	latest := rows[0]
	snap.AFR = latest.AFR
	snap.AFRChange = latest.AFRChange
	snap.GlobalFearGreed = latest.FearGreed
	snap.CurrentChange = latest.CurrentChange
	snap.Timestamp = latest.CreatedAt
	if latest.PerMarket != "" {
		json.Unmarshal([]byte(latest.PerMarket), &snap.PerMarket)
	}

	m.mu.Lock()
	m.snapshot = snap
	m.mu.Unlock()
	logger.Info("🔄 已从数据库恢复 %d 条市场快照历史", len(rows))
}

// refresh 拉取数据并生成新快照
func (m *MarketMonitor) refresh() error {
	ctx, cancel := context.WithTimeout(m.ctx, 30*time.Second)
	defer cancel()

	// 1. 平均资金费率
	rates, err := m.ex.GetFundingRates(ctx)
	if err != nil {
		return fmt.Errorf("获取资金费率失败: %w", err)
	}
	afr := averageFundingRate(rates, m.symbols)

	// 2. 头部市场的24小时涨跌
	markets, err := m.ex.ListTradableMarkets(ctx)
	if err != nil {
		return fmt.Errorf("获取市场列表失败: %w", err)
	}
	top := markets
	if len(top) > m.topN {
		top = top[:m.topN]
	}

	perMarket := make(map[string]float64, len(top))
	changeSum := 0.0
	fgSum := 0.0
	for _, mk := range top {
		changeSum += mk.Change24h
		fg := changeToFearGreed(mk.Change24h)
		perMarket[mk.Symbol] = fg
		fgSum += fg
	}
	currentChange := 0.0
	globalFG := 50.0
	if len(top) > 0 {
		currentChange = changeSum / float64(len(top))
		globalFG = fgSum / float64(len(top))
	}

	// 3. 组装快照，延续历史序列
	m.mu.Lock()
	prev := m.snapshot
	snap := &Snapshot{
		AFR:             afr,
		GlobalFearGreed: globalFG,
		CurrentChange:   currentChange,
		PerMarket:       perMarket,
		Timestamp:       time.Now(),
	}
	if prev != nil {
		snap.AFRHistory = appendCapped(prev.AFRHistory, afr)
		snap.ChangeHistory = appendCapped(prev.ChangeHistory, currentChange)
		snap.FearGreedHistory = appendCapped(prev.FearGreedHistory, globalFG)
		if n := len(prev.AFRHistory); n > 0 && prev.AFRHistory[n-1] != 0 {
			last := prev.AFRHistory[n-1]
			snap.AFRChange = (afr - last) / last * 100
		}
	} else {
		snap.AFRHistory = []float64{afr}
		snap.ChangeHistory = []float64{currentChange}
		snap.FearGreedHistory = []float64{globalFG}
	}
	m.snapshot = snap
	m.mu.Unlock()

	// 4. 落库
	perMarketJSON, _ := json.Marshal(perMarket)
	row := &storage.MarketSnapshot{
		Exchange:      m.ex.GetName(),
		AFR:           afr,
		AFRChange:     snap.AFRChange,
		FearGreed:     globalFG,
		CurrentChange: currentChange,
		PerMarket:     string(perMarketJSON),
		CreatedAt:     time.Now(),
	}
	if err := m.store.CreateSnapshot(ctx, row); err != nil {
		logger.Warn("⚠️ 市场快照落库失败: %v", err)
	}

	m.readyOnce.Do(func() { close(m.ready) })
	logger.Debug("📊 市场快照: AFR=%.6f (%.2f%%) 恐贪=%.1f 涨跌=%.2f%%",
		afr, snap.AFRChange, globalFG, currentChange)
	return nil
}

// averageFundingRate 计算平均资金费率，可按币种过滤
func averageFundingRate(rates []exchange.FundingRate, filter map[string]bool) float64 {
	sum := 0.0
	count := 0
	for _, r := range rates {
		if len(filter) > 0 && !filter[r.Symbol] {
			continue
		}
		sum += r.Rate
		count++
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// changeToFearGreed 将24小时涨跌幅映射到 [0,100] 的情绪指数
// -10% 及以下为0（极度恐惧），+10% 及以上为100（极度贪婪）
func changeToFearGreed(change float64) float64 {
	fg := 50 + change*5
	if fg < 0 {
		return 0
	}
	if fg > 100 {
		return 100
	}
	return fg
}

// appendCapped 追加并保留最近 historyLimit 个
func appendCapped(history []float64, v float64) []float64 {
	out := append(append([]float64(nil), history...), v)
	if len(out) > historyLimit {
		out = out[len(out)-historyLimit:]
	}
	return out
}
