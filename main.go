package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"coinpilot/config"
	"coinpilot/engine"
	"coinpilot/event"
	"coinpilot/exchange"
	"coinpilot/exchange/binance"
	"coinpilot/lock"
	"coinpilot/logger"
	"coinpilot/monitor"
	"coinpilot/notify"
	"coinpilot/safety"
	"coinpilot/scheduler"
	"coinpilot/signal"
	"coinpilot/storage"
	"coinpilot/trading"
	"coinpilot/utils"
	"coinpilot/web"
)

// Version 版本号
var Version = "1.2.0"

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-version" || os.Args[1] == "--version") {
		fmt.Printf("CoinPilot 自动交易系统\n")
		fmt.Printf("Version: %s\n", Version)
		os.Exit(0)
	}

	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	logger.Info("🚀 CoinPilot 自动交易系统启动...")
	logger.Info("📦 版本号: %s", Version)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("❌ 加载配置失败: %v", err)
	}

	if err := utils.SetLocation(cfg.System.Timezone); err != nil {
		logger.Warn("⚠️ 加载时区 %s 失败: %v，将使用默认时区", cfg.System.Timezone, err)
	}
	logger.SetLevel(logger.ParseLogLevel(cfg.System.LogLevel))

	// 1. 存储层
	store, err := storage.NewStore(&storage.DBConfig{
		Type:            cfg.Database.Type,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
		LogLevel:        cfg.Database.LogLevel,
	})
	if err != nil {
		logger.Fatal("❌ 初始化数据库失败: %v", err)
	}
	defer store.Close()
	logger.Info("✅ 数据库已就绪: %s", cfg.Database.Type)

	// 2. 锁域注册表（可选分布式锁）
	distLock, err := lock.NewDistributedLock(&lock.Config{
		Enabled:    cfg.DistributedLock.Enabled,
		Type:       cfg.DistributedLock.Type,
		Prefix:     cfg.DistributedLock.Prefix,
		DefaultTTL: time.Duration(cfg.DistributedLock.DefaultTTL) * time.Second,
		Redis: lock.RedisConfig{
			Addr:     cfg.DistributedLock.Redis.Addr,
			Password: cfg.DistributedLock.Redis.Password,
			DB:       cfg.DistributedLock.Redis.DB,
			PoolSize: cfg.DistributedLock.Redis.PoolSize,
		},
	})
	if err != nil {
		logger.Fatal("❌ 初始化分布式锁失败: %v", err)
	}
	registry := lock.NewRegistry(distLock, time.Duration(cfg.DistributedLock.DefaultTTL)*time.Second)
	defer registry.Close()

	// 3. 交易所网关（限速包装）
	exCfg := cfg.Exchanges[cfg.App.CurrentExchange]
	adapter, err := binance.NewAdapter(exCfg.APIKey, exCfg.SecretKey, exCfg.Testnet, cfg.App.TestMode)
	if err != nil {
		logger.Fatal("❌ 初始化交易所失败: %v", err)
	}
	var ex exchange.IExchange = exchange.NewRateLimitedExchange(adapter, 8, 4, 10*time.Second)
	if cfg.App.TestMode {
		logger.Info("🧪 测试模式已启用：订单将被模拟成交")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ex.Ping(ctx); err != nil {
		logger.Fatal("❌ 交易所连通性检查失败: %v", err)
	}

	// 4. 初始投资配置与组合落库
	if err := seedInvestment(ctx, store, cfg, ex.GetName()); err != nil {
		logger.Fatal("❌ 初始化投资配置失败: %v", err)
	}

	// 5. 事件总线与通知
	bus := event.NewEventBus(1000)
	notifier := notify.NewNotificationService(cfg)
	go notifier.Run(bus)

	// 6. 行情监控与看门狗
	mon := monitor.NewMarketMonitor(ex, store,
		time.Duration(cfg.Monitor.SnapshotIntervalMinutes)*time.Minute, cfg.Monitor.Symbols)

	if cfg.Watchdog.Enabled {
		wd, err := monitor.NewWatchdog(store, time.Duration(cfg.Watchdog.SampleIntervalSeconds)*time.Second)
		if err != nil {
			logger.Warn("⚠️ 初始化看门狗失败: %v", err)
		} else {
			wd.Start(ctx)
		}
	}

	// 7. 配置快照与热重载
	cfgProvider := config.NewProvider(cfg)
	if watcher, err := config.NewWatcher(configPath, cfgProvider); err != nil {
		logger.Warn("⚠️ 配置热重载不可用: %v", err)
	} else {
		go watcher.Run(ctx)
	}

	// 8. 交易管理
	tm := trading.NewManager(store, ex, registry, bus, cfg.Trading.FeeRate)
	ltm := trading.NewLongTermManager(store, tm, ex, registry, mon, bus,
		cfg.Investment.MinTradeAmount, cfg.Investment.MaxThreadInvestment)
	reporter := trading.NewReporter(store, bus, ex.GetName())
	reconciler := safety.NewReconciler(store, ex, registry, bus)
	guard := safety.NewEmergencyGuard(ex, bus)

	// 9. 引擎
	eng := engine.NewManager(cfg, cfgProvider, store, ex, registry, mon, tm,
		signal.NeutralProvider{}, guard, bus)

	// 10. 定时任务
	sched := scheduler.New()
	registerJobs(sched, cfg, store, ex, eng, ltm, reporter, reconciler)

	startTrading := func(startCtx context.Context) error {
		markets, err := tradableMarkets(startCtx, ex, cfg)
		if err != nil {
			return fmt.Errorf("获取可交易市场失败: %w", err)
		}
		return eng.Start(ctx, markets)
	}

	// 11. 运维接口
	srv := web.NewServer(cfg.Web.Listen, store, tm, reporter, eng, web.Controls{
		StartTrading: startTrading,
		StopTrading:  eng.StopAll,
	})
	if cfg.Web.Enabled {
		go func() {
			if err := srv.Run(); err != nil {
				logger.Error("❌ 运维接口异常退出: %v", err)
			}
		}()
	}

	// 12. 启动
	sched.Start(ctx)
	if err := startTrading(ctx); err != nil {
		if errors.Is(err, engine.ErrMonitorTimeout) {
			logger.Fatal("❌ 启动中止: %v", err)
		}
		logger.Fatal("❌ 引擎启动失败: %v", err)
	}

	// 13. 信号处理：优雅停机（含清仓）
	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("⏹️ 收到信号 %v，开始优雅停机...", sig)

	eng.StopAll()
	sched.Stop()
	cancel()

	if cfg.Web.Enabled {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("⚠️ 运维接口关闭失败: %v", err)
		}
	}

	logger.Info("✅ CoinPilot 已退出")
	logger.Close()
}

// seedInvestment 首次启动时按配置落库投资限额与组合
func seedInvestment(ctx context.Context, store *storage.Store, cfg *config.Config, exchangeName string) error {
	if _, err := store.GetSystemConfig(ctx, exchangeName); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		total := cfg.Investment.TotalMaxInvestment
		if err := store.SaveSystemConfig(ctx, &storage.SystemConfig{
			Exchange:            exchangeName,
			TotalMaxInvestment:  total,
			MinTradeAmount:      cfg.Investment.MinTradeAmount,
			MaxThreadInvestment: cfg.Investment.MaxThreadInvestment,
			ReserveAmount:       total * cfg.Investment.ReserveRatio,
			TestMode:            cfg.App.TestMode,
		}); err != nil {
			return err
		}
		logger.Info("✅ 投资配置已初始化: 总限额=%.2f 储备=%.2f",
			total, total*cfg.Investment.ReserveRatio)
	}

	if _, err := store.GetPortfolio(ctx, exchangeName); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		total := cfg.Investment.TotalMaxInvestment
		reserve := total * cfg.Investment.ReserveRatio
		if err := store.SavePortfolio(ctx, &storage.Portfolio{
			Exchange:            exchangeName,
			CurrentAmount:       total - reserve,
			AvailableInvestment: total - reserve,
			ReserveAmount:       reserve,
			MarketList:          "[]",
			UpdatedAt:           time.Now(),
		}); err != nil {
			return err
		}
	}
	return nil
}

// tradableMarkets 交易市场集合：配置指定优先，否则取成交额前20
func tradableMarkets(ctx context.Context, ex exchange.IExchange, cfg *config.Config) ([]string, error) {
	if len(cfg.Monitor.Symbols) > 0 {
		return cfg.Monitor.Symbols, nil
	}

	infos, err := ex.ListTradableMarkets(ctx)
	if err != nil {
		return nil, err
	}
	limit := 20
	if len(infos) < limit {
		limit = len(infos)
	}
	markets := make([]string, 0, limit)
	for _, info := range infos[:limit] {
		markets = append(markets, info.Symbol)
	}
	return markets, nil
}

// registerJobs 注册全部定时任务
func registerJobs(sched *scheduler.Scheduler, cfg *config.Config, store *storage.Store,
	ex exchange.IExchange, eng *engine.Manager, ltm *trading.LongTermManager,
	reporter *trading.Reporter, reconciler *safety.Reconciler) {

	exchangeName := ex.GetName()

	sched.Every("hourly-report", time.Hour, reporter.GenerateHourlyReport)

	if err := sched.DailyAt("daily-report", cfg.Scheduler.DailyReportTime, reporter.GenerateDailyReport); err != nil {
		logger.Warn("⚠️ 注册日报任务失败: %v", err)
	}

	sched.Every("long-term-sweep", time.Hour, func(ctx context.Context) error {
		if err := ltm.SweepConversions(ctx); err != nil {
			return err
		}
		return ltm.ProcessHourly(ctx)
	})

	sched.Every("health-check", time.Minute, eng.CheckHealth)

	sched.Every("reconcile", 10*time.Minute, reconciler.Run)

	// 每小时检查，到达间隔边界才执行重分配
	redistributeInterval := time.Duration(cfg.Trading.RedistributeIntervalHours) * time.Hour
	lastRedistribute := time.Now()
	sched.Every("redistribute-check", time.Hour, func(ctx context.Context) error {
		if time.Since(lastRedistribute) < redistributeInterval {
			return nil
		}
		markets, err := tradableMarkets(ctx, ex, cfg)
		if err != nil {
			return err
		}
		eng.Redistribute(markets)
		lastRedistribute = time.Now()
		return nil
	})

	if err := sched.DailyAt("trough-reset", "00:00", func(ctx context.Context) error {
		return store.DeleteAllTroughs(ctx, exchangeName)
	}); err != nil {
		logger.Warn("⚠️ 注册波谷重置任务失败: %v", err)
	}

	sched.Every("cleanup", 24*time.Hour, func(ctx context.Context) error {
		cutoff := time.Now().Add(-7 * 24 * time.Hour)
		if err := store.CleanupSnapshots(ctx, cutoff); err != nil {
			return err
		}
		return store.CleanupSystemMetrics(ctx, cutoff)
	})
}
