package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// 哨兵错误
var (
	ErrNotFound             = errors.New("记录不存在")
	ErrDuplicateActiveTrade = errors.New("市场已存在活跃交易")
)

// DBConfig 数据库配置
type DBConfig struct {
	Type            string // sqlite, postgres, mysql
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	LogLevel        string // silent, error, warn, info
}

// Store 持仓存储（GORM 实现）
type Store struct {
	db *gorm.DB
}

// NewStore 创建持仓存储
func NewStore(config *DBConfig) (*Store, error) {
	var dialector gorm.Dialector

	switch config.Type {
	case "sqlite":
		dialector = sqlite.Open(config.DSN)
	case "postgres", "postgresql":
		dialector = postgres.Open(config.DSN)
	case "mysql":
		dialector = mysql.Open(config.DSN)
	default:
		return nil, fmt.Errorf("不支持的数据库类型: %s", config.Type)
	}

	logLevel := gormlogger.Silent
	switch config.LogLevel {
	case "error":
		logLevel = gormlogger.Error
	case "warn":
		logLevel = gormlogger.Warn
	case "info":
		logLevel = gormlogger.Info
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取底层连接失败: %w", err)
	}
	if config.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	if err := db.AutoMigrate(
		&Trade{},
		&LongTermTrade{},
		&LongTermPosition{},
		&Portfolio{},
		&SystemConfig{},
		&ThreadStatus{},
		&TradeHistory{},
		&SignalTrough{},
		&MarketSnapshot{},
		&ConversionRecord{},
		&SystemMetrics{},
	); err != nil {
		return nil, fmt.Errorf("自动迁移失败: %w", err)
	}

	return &Store{db: db}, nil
}

// NewStoreFromDB 从已有连接创建（事务内部使用）
func NewStoreFromDB(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Transaction 在单个数据库事务内执行 fn
// fn 收到的 Store 绑定到事务连接，fn 返回错误时整体回滚
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewStoreFromDB(tx))
	})
}

// ========== Trade ==========

// CreateTradeGuarded 防护性插入：同一市场已有未平仓交易时拒绝
// 必须在 Transaction 内部调用，配合 trade 锁域保证唯一性
func (s *Store) CreateTradeGuarded(ctx context.Context, trade *Trade) error {
	var count int64
	err := s.db.WithContext(ctx).Model(&Trade{}).
		Where("market = ? AND exchange = ? AND status IN ?",
			trade.Market, trade.Exchange, []string{TradeStatusActive, TradeStatusConverted}).
		Count(&count).Error
	if err != nil {
		return fmt.Errorf("检查活跃交易失败: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("%w: %s/%s", ErrDuplicateActiveTrade, trade.Exchange, trade.Market)
	}
	return s.db.WithContext(ctx).Create(trade).Error
}

// GetActiveTrade 获取市场的活跃交易
func (s *Store) GetActiveTrade(ctx context.Context, market, exchange string) (*Trade, error) {
	var trade Trade
	err := s.db.WithContext(ctx).
		Where("market = ? AND exchange = ? AND status = ?", market, exchange, TradeStatusActive).
		First(&trade).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &trade, nil
}

// GetOpenTrade 获取市场的未平仓交易（active 或 converted）
func (s *Store) GetOpenTrade(ctx context.Context, market, exchange string) (*Trade, error) {
	var trade Trade
	err := s.db.WithContext(ctx).
		Where("market = ? AND exchange = ? AND status IN ?",
			market, exchange, []string{TradeStatusActive, TradeStatusConverted}).
		First(&trade).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &trade, nil
}

// ListOpenTrades 列出所有未平仓交易
func (s *Store) ListOpenTrades(ctx context.Context, exchange string) ([]*Trade, error) {
	var trades []*Trade
	err := s.db.WithContext(ctx).
		Where("exchange = ? AND status IN ?", exchange, []string{TradeStatusActive, TradeStatusConverted}).
		Order("entry_timestamp ASC").
		Find(&trades).Error
	return trades, err
}

// ListTradesByStatus 按状态列出交易
func (s *Store) ListTradesByStatus(ctx context.Context, exchange, status string) ([]*Trade, error) {
	var trades []*Trade
	err := s.db.WithContext(ctx).
		Where("exchange = ? AND status = ?", exchange, status).
		Find(&trades).Error
	return trades, err
}

// UpdateTrade 保存交易变更
func (s *Store) UpdateTrade(ctx context.Context, trade *Trade) error {
	return s.db.WithContext(ctx).Save(trade).Error
}

// UpdateTradePrice 更新交易的现价与收益率
func (s *Store) UpdateTradePrice(ctx context.Context, id uint, currentPrice, profitRate float64) error {
	return s.db.WithContext(ctx).Model(&Trade{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"current_price": currentPrice,
			"profit_rate":   profitRate,
		}).Error
}

// SetUserCall 设置运维卖出标记
func (s *Store) SetUserCall(ctx context.Context, market, exchange string) error {
	result := s.db.WithContext(ctx).Model(&Trade{}).
		Where("market = ? AND exchange = ? AND status = ?", market, exchange, TradeStatusActive).
		Update("user_call", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SumOpenInvestment 未平仓投资总额（active + converted）
func (s *Store) SumOpenInvestment(ctx context.Context, exchange string) (float64, error) {
	var total float64
	err := s.db.WithContext(ctx).Model(&Trade{}).
		Where("exchange = ? AND status IN ?", exchange, []string{TradeStatusActive, TradeStatusConverted}).
		Select("COALESCE(SUM(investment_amount), 0)").
		Scan(&total).Error
	return total, err
}

// SumThreadInvestment 指定分片的未平仓投资总额
func (s *Store) SumThreadInvestment(ctx context.Context, exchange string, threadID int) (float64, error) {
	var total float64
	err := s.db.WithContext(ctx).Model(&Trade{}).
		Where("exchange = ? AND thread_id = ? AND status IN ?",
			exchange, threadID, []string{TradeStatusActive, TradeStatusConverted}).
		Select("COALESCE(SUM(investment_amount), 0)").
		Scan(&total).Error
	return total, err
}

// CountOpenTrades 未平仓交易数量
func (s *Store) CountOpenTrades(ctx context.Context, exchange string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Trade{}).
		Where("exchange = ? AND status IN ?", exchange, []string{TradeStatusActive, TradeStatusConverted}).
		Count(&count).Error
	return count, err
}

// ========== LongTermTrade ==========

// GetLongTermTrade 获取市场的长期持仓（含仓位明细）
func (s *Store) GetLongTermTrade(ctx context.Context, market, exchange string) (*LongTermTrade, error) {
	var lt LongTermTrade
	err := s.db.WithContext(ctx).
		Preload("Positions").
		Where("market = ? AND exchange = ? AND status = ?", market, exchange, "active").
		First(&lt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &lt, nil
}

// ListLongTermTrades 列出所有活跃长期持仓
func (s *Store) ListLongTermTrades(ctx context.Context, exchange string) ([]*LongTermTrade, error) {
	var trades []*LongTermTrade
	err := s.db.WithContext(ctx).
		Preload("Positions").
		Where("exchange = ? AND status = ?", exchange, "active").
		Find(&trades).Error
	return trades, err
}

// CreateLongTermTrade 创建长期持仓
func (s *Store) CreateLongTermTrade(ctx context.Context, lt *LongTermTrade) error {
	return s.db.WithContext(ctx).Create(lt).Error
}

// UpdateLongTermTrade 保存长期持仓变更
func (s *Store) UpdateLongTermTrade(ctx context.Context, lt *LongTermTrade) error {
	return s.db.WithContext(ctx).Save(lt).Error
}

// AppendLongTermPosition 追加仓位明细
func (s *Store) AppendLongTermPosition(ctx context.Context, pos *LongTermPosition) error {
	return s.db.WithContext(ctx).Create(pos).Error
}

// DeleteLongTermTrade 删除长期持仓（平仓时，明细一并删除）
func (s *Store) DeleteLongTermTrade(ctx context.Context, id uint) error {
	if err := s.db.WithContext(ctx).
		Where("long_term_trade_id = ?", id).
		Delete(&LongTermPosition{}).Error; err != nil {
		return err
	}
	return s.db.WithContext(ctx).Delete(&LongTermTrade{}, id).Error
}

// ========== Portfolio ==========

// GetPortfolio 获取交易所的投资组合
func (s *Store) GetPortfolio(ctx context.Context, exchange string) (*Portfolio, error) {
	var p Portfolio
	err := s.db.WithContext(ctx).Where("exchange = ?", exchange).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// SavePortfolio 保存投资组合
func (s *Store) SavePortfolio(ctx context.Context, p *Portfolio) error {
	return s.db.WithContext(ctx).Save(p).Error
}

// ========== SystemConfig ==========

// GetSystemConfig 获取系统投资配置
func (s *Store) GetSystemConfig(ctx context.Context, exchange string) (*SystemConfig, error) {
	var sc SystemConfig
	err := s.db.WithContext(ctx).Where("exchange = ?", exchange).First(&sc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sc, nil
}

// SaveSystemConfig 保存系统投资配置
func (s *Store) SaveSystemConfig(ctx context.Context, sc *SystemConfig) error {
	return s.db.WithContext(ctx).Save(sc).Error
}

// ========== ThreadStatus ==========

// UpsertThreadStatus 更新或插入分片心跳
func (s *Store) UpsertThreadStatus(ctx context.Context, ts *ThreadStatus) error {
	var existing ThreadStatus
	err := s.db.WithContext(ctx).Where("thread_id = ?", ts.ThreadID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.db.WithContext(ctx).Create(ts).Error
	}
	if err != nil {
		return err
	}

	ts.ID = existing.ID
	return s.db.WithContext(ctx).Save(ts).Error
}

// ListThreadStatuses 列出所有分片心跳
func (s *Store) ListThreadStatuses(ctx context.Context) ([]*ThreadStatus, error) {
	var statuses []*ThreadStatus
	err := s.db.WithContext(ctx).Order("thread_id ASC").Find(&statuses).Error
	return statuses, err
}

// GetThreadStatus 获取单个分片心跳
func (s *Store) GetThreadStatus(ctx context.Context, threadID int) (*ThreadStatus, error) {
	var ts ThreadStatus
	err := s.db.WithContext(ctx).Where("thread_id = ?", threadID).First(&ts).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ts, nil
}

// DeleteAllThreadStatuses 清空分片心跳（启动/停止时）
func (s *Store) DeleteAllThreadStatuses(ctx context.Context) error {
	return s.db.WithContext(ctx).Where("1 = 1").Delete(&ThreadStatus{}).Error
}

// ========== TradeHistory ==========

// CreateTradeHistory 写入平仓归档
func (s *Store) CreateTradeHistory(ctx context.Context, h *TradeHistory) error {
	return s.db.WithContext(ctx).Create(h).Error
}

// ListHistorySince 列出指定时间之后的归档记录
func (s *Store) ListHistorySince(ctx context.Context, exchange string, since time.Time) ([]*TradeHistory, error) {
	var histories []*TradeHistory
	err := s.db.WithContext(ctx).
		Where("exchange = ? AND exit_timestamp >= ?", exchange, since).
		Order("exit_timestamp ASC").
		Find(&histories).Error
	return histories, err
}

// SumUnreported 未计入日报的已实现收益与手续费合计
func (s *Store) SumUnreported(ctx context.Context, exchange string) (profit, fee float64, err error) {
	row := struct {
		Profit float64
		Fee    float64
	}{}
	err = s.db.WithContext(ctx).Model(&TradeHistory{}).
		Where("exchange = ? AND reported = ?", exchange, false).
		Select("COALESCE(SUM(realized_profit), 0) AS profit, COALESCE(SUM(fee_amount), 0) AS fee").
		Scan(&row).Error
	return row.Profit, row.Fee, err
}

// MarkReported 将未报告的归档记录标记为已报告
func (s *Store) MarkReported(ctx context.Context, exchange string) error {
	return s.db.WithContext(ctx).Model(&TradeHistory{}).
		Where("exchange = ? AND reported = ?", exchange, false).
		Update("reported", true).Error
}

// ========== SignalTrough ==========

// GetTrough 获取市场的信号波谷
func (s *Store) GetTrough(ctx context.Context, market, exchange string) (*SignalTrough, error) {
	var trough SignalTrough
	err := s.db.WithContext(ctx).
		Where("market = ? AND exchange = ?", market, exchange).
		First(&trough).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &trough, nil
}

// UpsertTrough 更新或插入信号波谷
func (s *Store) UpsertTrough(ctx context.Context, trough *SignalTrough) error {
	var existing SignalTrough
	err := s.db.WithContext(ctx).
		Where("market = ? AND exchange = ?", trough.Market, trough.Exchange).
		First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.db.WithContext(ctx).Create(trough).Error
	}
	if err != nil {
		return err
	}

	trough.ID = existing.ID
	return s.db.WithContext(ctx).Save(trough).Error
}

// DeleteTrough 删除市场的信号波谷（反弹入场触发后重置）
func (s *Store) DeleteTrough(ctx context.Context, market, exchange string) error {
	return s.db.WithContext(ctx).
		Where("market = ? AND exchange = ?", market, exchange).
		Delete(&SignalTrough{}).Error
}

// DeleteAllTroughs 清空信号波谷（StopAll / 定时重置）
func (s *Store) DeleteAllTroughs(ctx context.Context, exchange string) error {
	return s.db.WithContext(ctx).Where("exchange = ?", exchange).Delete(&SignalTrough{}).Error
}

// ========== MarketSnapshot ==========

// CreateSnapshot 写入市场快照
func (s *Store) CreateSnapshot(ctx context.Context, snap *MarketSnapshot) error {
	return s.db.WithContext(ctx).Create(snap).Error
}

// ListRecentSnapshots 最近 limit 条快照，新的在前
func (s *Store) ListRecentSnapshots(ctx context.Context, exchange string, limit int) ([]*MarketSnapshot, error) {
	var snaps []*MarketSnapshot
	err := s.db.WithContext(ctx).
		Where("exchange = ?", exchange).
		Order("created_at DESC").
		Limit(limit).
		Find(&snaps).Error
	return snaps, err
}

// CleanupSnapshots 删除指定时间之前的快照
func (s *Store) CleanupSnapshots(ctx context.Context, before time.Time) error {
	return s.db.WithContext(ctx).
		Where("created_at < ?", before).
		Delete(&MarketSnapshot{}).Error
}

// ========== ConversionRecord ==========

// CreateConversionRecord 写入转换审计记录
func (s *Store) CreateConversionRecord(ctx context.Context, rec *ConversionRecord) error {
	return s.db.WithContext(ctx).Create(rec).Error
}

// ========== SystemMetrics ==========

// CreateSystemMetrics 写入看门狗采样
func (s *Store) CreateSystemMetrics(ctx context.Context, m *SystemMetrics) error {
	return s.db.WithContext(ctx).Create(m).Error
}

// CleanupSystemMetrics 删除指定时间之前的采样
func (s *Store) CleanupSystemMetrics(ctx context.Context, before time.Time) error {
	return s.db.WithContext(ctx).
		Where("created_at < ?", before).
		Delete(&SystemMetrics{}).Error
}
