package web

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"coinpilot/logger"
)

const statusPushInterval = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 运维接口仅限内网部署，不做来源校验
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket 状态推送：连接后周期性下发系统状态快照
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("⚠️ WebSocket 升级失败: %v", err)
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()

	// 读循环只用于感知客户端断开
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	ticker := time.NewTicker(statusPushInterval)
	defer ticker.Stop()

	// 连接建立后立即推送一次
	if err := conn.WriteJSON(s.statusPayload(ctx)); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(s.statusPayload(ctx)); err != nil {
				return
			}
		}
	}
}
