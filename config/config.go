package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ExchangeConfig 交易所 API 配置
type ExchangeConfig struct {
	APIKey    string `yaml:"api_key"`
	SecretKey string `yaml:"secret_key"`
	Testnet   bool   `yaml:"testnet"`
}

// Config 自动交易系统配置
type Config struct {
	// 应用配置
	App struct {
		CurrentExchange string `yaml:"current_exchange"` // 当前使用的交易所
		TestMode        bool   `yaml:"test_mode"`        // 测试模式（模拟成交，不下真实订单）
	} `yaml:"app"`

	// 多交易所配置
	Exchanges map[string]ExchangeConfig `yaml:"exchanges"`

	Trading struct {
		ShardCount       int `yaml:"shard_count"`        // 分片数量（默认10）
		FastShardCount   int `yaml:"fast_shard_count"`   // 快速分片数量（短周期K线，默认4）
		FastCycleSeconds int `yaml:"fast_cycle_seconds"` // 快速分片轮询周期（秒，默认40）
		SlowCycleSeconds int `yaml:"slow_cycle_seconds"` // 慢速分片轮询周期（秒，默认300）
		CandleCount      int `yaml:"candle_count"`       // 每次拉取的K线数量（默认300）
		MinCandleCount   int `yaml:"min_candle_count"`   // 指标预热所需的最小K线数量（默认100）

		BuyThreshold     float64 `yaml:"buy_threshold"`      // 基础买入信号阈值（默认0.65）
		SellThreshold    float64 `yaml:"sell_threshold"`     // 基础卖出信号阈值（默认0.45）
		MaxAveragingDown int     `yaml:"max_averaging_down"` // 最大摊平次数（默认3）
		FeeRate          float64 `yaml:"fee_rate"`           // 手续费率（默认0.0005）

		LiquidationDelaySeconds    int `yaml:"liquidation_delay_seconds"`     // 清仓时每单之间的等待时间（秒，默认1）
		MonitorReadyTimeoutMinutes int `yaml:"monitor_ready_timeout_minutes"` // 等待行情监控就绪的超时（分钟，默认5）
		RedistributeIntervalHours  int `yaml:"redistribute_interval_hours"`   // 市场重新分配间隔（小时，默认4）
	} `yaml:"trading"`

	// 投资限额配置（落库后以 system_configs 表为准，此处为初始值）
	Investment struct {
		TotalMaxInvestment  float64 `yaml:"total_max_investment"`  // 总投资上限
		MinTradeAmount      float64 `yaml:"min_trade_amount"`      // 最小下单金额
		MaxThreadInvestment float64 `yaml:"max_thread_investment"` // 单分片投资上限
		ReserveRatio        float64 `yaml:"reserve_ratio"`         // 储备金比例（默认0.2）
	} `yaml:"investment"`

	// 行情/情绪监控配置
	Monitor struct {
		SnapshotIntervalMinutes int      `yaml:"snapshot_interval_minutes"` // 快照刷新间隔（分钟，默认5）
		Symbols                 []string `yaml:"symbols"`                   // 资金费率监控币种（为空时使用主流币种）
	} `yaml:"monitor"`

	System struct {
		LogLevel string `yaml:"log_level"`
		Timezone string `yaml:"timezone"` // 时区，如 "Asia/Seoul"
	} `yaml:"system"`

	// 数据库配置（支持 SQLite、PostgreSQL、MySQL）
	Database struct {
		Type            string `yaml:"type"`              // 数据库类型: sqlite, postgres, mysql，默认 sqlite
		DSN             string `yaml:"dsn"`               // 数据源名称，默认 ./data/coinpilot.db
		MaxOpenConns    int    `yaml:"max_open_conns"`    // 最大打开连接数，默认100
		MaxIdleConns    int    `yaml:"max_idle_conns"`    // 最大空闲连接数，默认10
		ConnMaxLifetime int    `yaml:"conn_max_lifetime"` // 连接最大生命周期（秒），默认3600
		LogLevel        string `yaml:"log_level"`         // 日志级别: silent, error, warn, info，默认 error
	} `yaml:"database"`

	// 分布式锁配置（多实例部署）
	DistributedLock struct {
		Enabled    bool   `yaml:"enabled"`     // 是否启用分布式锁，默认false（单实例模式）
		Type       string `yaml:"type"`        // 锁类型: redis，默认 redis
		Prefix     string `yaml:"prefix"`      // 锁键前缀，默认 "coinpilot:lock:"
		DefaultTTL int    `yaml:"default_ttl"` // 默认锁过期时间（秒），默认5

		Redis struct {
			Addr     string `yaml:"addr"`      // Redis 地址，默认 localhost:6379
			Password string `yaml:"password"`  // Redis 密码，默认为空
			DB       int    `yaml:"db"`        // Redis 数据库，默认0
			PoolSize int    `yaml:"pool_size"` // 连接池大小，默认10
		} `yaml:"redis"`
	} `yaml:"distributed_lock"`

	// 通知配置
	Notifications struct {
		Enabled bool `yaml:"enabled"`

		Slack struct {
			Enabled bool   `yaml:"enabled"`
			Webhook string `yaml:"webhook"`
		} `yaml:"slack"`

		Email struct {
			Enabled  bool     `yaml:"enabled"`
			SMTPHost string   `yaml:"smtp_host"`
			SMTPPort int      `yaml:"smtp_port"`
			Username string   `yaml:"username"`
			Password string   `yaml:"password"`
			From     string   `yaml:"from"`
			To       []string `yaml:"to"`
		} `yaml:"email"`

		Webhook struct {
			Enabled bool   `yaml:"enabled"`
			URL     string `yaml:"url"`
		} `yaml:"webhook"`

		Rules struct {
			TradeOpened bool `yaml:"trade_opened"`
			TradeClosed bool `yaml:"trade_closed"`
			TradeFailed bool `yaml:"trade_failed"`
			Emergency   bool `yaml:"emergency"`
			Report      bool `yaml:"report"`
		} `yaml:"rules"`
	} `yaml:"notifications"`

	// Web 运维接口配置
	Web struct {
		Enabled bool   `yaml:"enabled"`
		Listen  string `yaml:"listen"` // 监听地址，默认 ":8080"
	} `yaml:"web"`

	// 看门狗配置
	Watchdog struct {
		Enabled               bool `yaml:"enabled"`
		SampleIntervalSeconds int  `yaml:"sample_interval_seconds"` // 采样间隔（秒，默认120）
	} `yaml:"watchdog"`

	// 定时任务配置
	Scheduler struct {
		DailyReportTime string `yaml:"daily_report_time"` // 日报生成时间（HH:MM，默认 "09:00"）
	} `yaml:"scheduler"`
}

// Load 加载配置文件
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults 补齐默认值
func (c *Config) applyDefaults() {
	if c.App.CurrentExchange == "" {
		c.App.CurrentExchange = "binance"
	}
	if c.Trading.ShardCount <= 0 {
		c.Trading.ShardCount = 10
	}
	if c.Trading.FastShardCount <= 0 {
		c.Trading.FastShardCount = 4
	}
	if c.Trading.FastCycleSeconds <= 0 {
		c.Trading.FastCycleSeconds = 40
	}
	if c.Trading.SlowCycleSeconds <= 0 {
		c.Trading.SlowCycleSeconds = 300
	}
	if c.Trading.CandleCount <= 0 {
		c.Trading.CandleCount = 300
	}
	if c.Trading.MinCandleCount <= 0 {
		c.Trading.MinCandleCount = 100
	}
	if c.Trading.BuyThreshold <= 0 {
		c.Trading.BuyThreshold = 0.65
	}
	if c.Trading.SellThreshold <= 0 {
		c.Trading.SellThreshold = 0.45
	}
	if c.Trading.MaxAveragingDown <= 0 {
		c.Trading.MaxAveragingDown = 3
	}
	if c.Trading.FeeRate <= 0 {
		c.Trading.FeeRate = 0.0005
	}
	if c.Trading.LiquidationDelaySeconds <= 0 {
		c.Trading.LiquidationDelaySeconds = 1
	}
	if c.Trading.MonitorReadyTimeoutMinutes <= 0 {
		c.Trading.MonitorReadyTimeoutMinutes = 5
	}
	if c.Trading.RedistributeIntervalHours <= 0 {
		c.Trading.RedistributeIntervalHours = 4
	}
	if c.Investment.TotalMaxInvestment <= 0 {
		c.Investment.TotalMaxInvestment = 1000000
	}
	if c.Investment.MinTradeAmount <= 0 {
		c.Investment.MinTradeAmount = 5000
	}
	if c.Investment.MaxThreadInvestment <= 0 {
		c.Investment.MaxThreadInvestment = c.Investment.TotalMaxInvestment * 0.1
	}
	if c.Investment.ReserveRatio <= 0 {
		c.Investment.ReserveRatio = 0.2
	}
	if c.Monitor.SnapshotIntervalMinutes <= 0 {
		c.Monitor.SnapshotIntervalMinutes = 5
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "info"
	}
	if c.System.Timezone == "" {
		c.System.Timezone = "Asia/Seoul"
	}
	if c.Database.Type == "" {
		c.Database.Type = "sqlite"
	}
	if c.Database.DSN == "" {
		c.Database.DSN = "./data/coinpilot.db"
	}
	if c.Database.MaxOpenConns <= 0 {
		c.Database.MaxOpenConns = 100
	}
	if c.Database.MaxIdleConns <= 0 {
		c.Database.MaxIdleConns = 10
	}
	if c.Database.ConnMaxLifetime <= 0 {
		c.Database.ConnMaxLifetime = 3600
	}
	if c.Database.LogLevel == "" {
		c.Database.LogLevel = "error"
	}
	if c.DistributedLock.Type == "" {
		c.DistributedLock.Type = "redis"
	}
	if c.DistributedLock.Prefix == "" {
		c.DistributedLock.Prefix = "coinpilot:lock:"
	}
	if c.DistributedLock.DefaultTTL <= 0 {
		c.DistributedLock.DefaultTTL = 5
	}
	if c.DistributedLock.Redis.Addr == "" {
		c.DistributedLock.Redis.Addr = "localhost:6379"
	}
	if c.DistributedLock.Redis.PoolSize <= 0 {
		c.DistributedLock.Redis.PoolSize = 10
	}
	if c.Web.Listen == "" {
		c.Web.Listen = ":8080"
	}
	if c.Watchdog.SampleIntervalSeconds <= 0 {
		c.Watchdog.SampleIntervalSeconds = 120
	}
	if c.Scheduler.DailyReportTime == "" {
		c.Scheduler.DailyReportTime = "09:00"
	}
}

// Validate 校验配置合法性
func (c *Config) Validate() error {
	if c.Trading.FastShardCount > c.Trading.ShardCount {
		return fmt.Errorf("快速分片数量 (%d) 不能超过分片总数 (%d)",
			c.Trading.FastShardCount, c.Trading.ShardCount)
	}
	if c.Investment.ReserveRatio >= 1 {
		return fmt.Errorf("储备金比例必须小于1: %.2f", c.Investment.ReserveRatio)
	}
	if c.Trading.BuyThreshold <= c.Trading.SellThreshold {
		return fmt.Errorf("买入阈值 (%.2f) 必须大于卖出阈值 (%.2f)",
			c.Trading.BuyThreshold, c.Trading.SellThreshold)
	}
	if !c.App.TestMode {
		ex, ok := c.Exchanges[c.App.CurrentExchange]
		if !ok || ex.APIKey == "" || ex.SecretKey == "" {
			return fmt.Errorf("交易所 %s 的 API 配置不完整", c.App.CurrentExchange)
		}
	}
	return nil
}
