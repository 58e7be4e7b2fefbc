package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"coinpilot/engine"
	"coinpilot/logger"
	"coinpilot/storage"
	"coinpilot/trading"
)

// Controls 引擎生命周期回调（由组装方注入）
type Controls struct {
	StartTrading func(ctx context.Context) error
	StopTrading  func()
}

// Server 运维 HTTP 接口
type Server struct {
	store    *storage.Store
	tm       *trading.Manager
	reporter *trading.Reporter
	eng      *engine.Manager
	controls Controls

	exchangeName string
	srv          *http.Server
}

// NewServer 创建运维接口服务
func NewServer(listen string, store *storage.Store, tm *trading.Manager,
	reporter *trading.Reporter, eng *engine.Manager, controls Controls) *Server {
	s := &Server{
		store:        store,
		tm:           tm,
		reporter:     reporter,
		eng:          eng,
		controls:     controls,
		exchangeName: tm.ExchangeName(),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.POST("/trading/start", s.handleStart)
		api.POST("/trading/stop", s.handleStop)
		api.POST("/trades/:market/sell", s.handleUserSell)
		api.GET("/trades", s.handleTrades)
		api.GET("/report/hourly", s.handleHourlyReport)
		api.GET("/report/daily", s.handleDailyReport)
	}
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws/status", s.handleWebSocket)

	s.srv = &http.Server{Addr: listen, Handler: router}
	return s
}

// Run 启动服务（阻塞直到 Shutdown）
func (s *Server) Run() error {
	logger.Info("✅ 运维接口已启动: %s", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// statusPayload 聚合当前系统状态
func (s *Server) statusPayload(ctx context.Context) gin.H {
	activeCount, _ := s.store.CountOpenTrades(ctx, s.exchangeName)
	invested, _ := s.store.SumOpenInvestment(ctx, s.exchangeName)

	threads := []gin.H{}
	if statuses, err := s.store.ListThreadStatuses(ctx); err == nil {
		for _, ts := range statuses {
			threads = append(threads, gin.H{
				"thread_id":     ts.ThreadID,
				"is_active":     ts.IsActive,
				"last_market":   ts.LastMarket,
				"heartbeat_age": time.Since(ts.LastUpdated).Round(time.Second).String(),
			})
		}
	}

	payload := gin.H{
		"running":       s.eng.Running(),
		"active_trades": activeCount,
		"invested":      invested,
		"threads":       threads,
	}
	if p, err := s.store.GetPortfolio(ctx, s.exchangeName); err == nil {
		payload["portfolio"] = gin.H{
			"current_amount": p.CurrentAmount,
			"available":      p.AvailableInvestment,
			"reserve":        p.ReserveAmount,
			"profit_earned":  p.ProfitEarned,
		}
	}
	return payload
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.statusPayload(c.Request.Context()))
}

func (s *Server) handleStart(c *gin.Context) {
	if s.controls.StartTrading == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "启动回调未配置"})
		return
	}
	if err := s.controls.StartTrading(c.Request.Context()); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "started"})
}

func (s *Server) handleStop(c *gin.Context) {
	if s.controls.StopTrading == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "停止回调未配置"})
		return
	}
	// 停机含清仓，异步执行避免请求超时
	go s.controls.StopTrading()
	c.JSON(http.StatusAccepted, gin.H{"status": "stopping"})
}

func (s *Server) handleUserSell(c *gin.Context) {
	market := c.Param("market")
	if err := s.tm.RequestUserSell(c.Request.Context(), market); err != nil {
		if errors.Is(err, trading.ErrNoActiveTrade) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sell_requested", "market": market})
}

func (s *Server) handleTrades(c *gin.Context) {
	trades, err := s.store.ListOpenTrades(c.Request.Context(), s.exchangeName)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) handleHourlyReport(c *gin.Context) {
	if err := s.reporter.GenerateHourlyReport(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "generated"})
}

func (s *Server) handleDailyReport(c *gin.Context) {
	if err := s.reporter.GenerateDailyReport(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "generated"})
}
