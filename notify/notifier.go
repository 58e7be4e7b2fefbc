package notify

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"coinpilot/config"
	"coinpilot/event"
	"coinpilot/logger"
	"coinpilot/utils"
)

// Notifier 通知接口
type Notifier interface {
	Send(evt *event.Event) error
	Name() string
}

// NotificationService 通知服务
// 按规则过滤事件并异步扇出到所有启用的渠道
type NotificationService struct {
	notifiers []Notifier
	cfg       *config.Config
}

// NewNotificationService 创建通知服务
func NewNotificationService(cfg *config.Config) *NotificationService {
	ns := &NotificationService{cfg: cfg}

	if cfg.Notifications.Enabled {
		if cfg.Notifications.Slack.Enabled && cfg.Notifications.Slack.Webhook != "" {
			slackNotifier, err := NewSlackNotifier(cfg)
			if err != nil {
				logger.Warn("⚠️ 初始化 Slack 通知失败: %v", err)
			} else {
				ns.notifiers = append(ns.notifiers, slackNotifier)
				logger.Info("✅ Slack 通知已启用")
			}
		}

		if cfg.Notifications.Email.Enabled {
			emailNotifier, err := NewEmailNotifier(cfg)
			if err != nil {
				logger.Warn("⚠️ 初始化邮件通知失败: %v", err)
			} else {
				ns.notifiers = append(ns.notifiers, emailNotifier)
				logger.Info("✅ 邮件通知已启用")
			}
		}

		if cfg.Notifications.Webhook.Enabled && cfg.Notifications.Webhook.URL != "" {
			webhookNotifier, err := NewWebhookNotifier(cfg)
			if err != nil {
				logger.Warn("⚠️ 初始化 Webhook 通知失败: %v", err)
			} else {
				ns.notifiers = append(ns.notifiers, webhookNotifier)
				logger.Info("✅ Webhook 通知已启用")
			}
		}
	}

	return ns
}

// shouldNotify 检查事件类型是否需要通知
func (ns *NotificationService) shouldNotify(eventType event.EventType) bool {
	if !ns.cfg.Notifications.Enabled {
		return false
	}

	rules := ns.cfg.Notifications.Rules
	switch eventType {
	case event.EventTypeTradeOpened, event.EventTypeAveragingDown:
		return rules.TradeOpened
	case event.EventTypeTradeClosed, event.EventTypeLiquidation, event.EventTypeConversion:
		return rules.TradeClosed
	case event.EventTypeTradeFailed:
		return rules.TradeFailed
	case event.EventTypeEmergencyPause, event.EventTypeEmergencyResume:
		return rules.Emergency
	case event.EventTypeReport:
		return rules.Report
	default:
		// 系统级事件默认通知
		return true
	}
}

// Send 发送通知（异步，不阻塞调用方）
func (ns *NotificationService) Send(evt *event.Event) {
	if evt == nil || !ns.shouldNotify(evt.Type) {
		return
	}

	go func() {
		var wg sync.WaitGroup
		for _, notifier := range ns.notifiers {
			wg.Add(1)
			go func(n Notifier) {
				defer wg.Done()
				if err := n.Send(evt); err != nil {
					logger.Warn("⚠️ [%s] 通知发送失败: %v", n.Name(), err)
				}
			}(notifier)
		}
		wg.Wait()
	}()
}

// Run 订阅事件总线并持续转发
func (ns *NotificationService) Run(bus *event.EventBus) {
	go func() {
		for evt := range bus.Subscribe() {
			ns.Send(evt)
		}
	}()
}

// formatMessage 将事件渲染成可读文本
func formatMessage(evt *event.Event) string {
	var title string
	switch evt.Type {
	case event.EventTypeTradeOpened:
		title = "💰 买入成交"
	case event.EventTypeTradeClosed:
		title = "✅ 卖出成交"
	case event.EventTypeTradeFailed:
		title = "❌ 交易失败"
	case event.EventTypeAveragingDown:
		title = "📉 摊平买入"
	case event.EventTypeConversion:
		title = "🔄 转为长期持仓"
	case event.EventTypeLiquidation:
		title = "⏹️ 清仓"
	case event.EventTypeEmergencyPause:
		title = "🚨 紧急暂停"
	case event.EventTypeEmergencyResume:
		title = "🟢 恢复交易"
	case event.EventTypeWorkerUnhealthy:
		title = "⚠️ 分片异常"
	case event.EventTypeReport:
		title = "📊 交易报告"
	case event.EventTypeSystemStart:
		title = "🚀 系统启动"
	case event.EventTypeSystemStop:
		title = "⏹️ 系统停止"
	default:
		title = string(evt.Type)
	}

	var sb strings.Builder
	sb.WriteString(title)
	sb.WriteString("\n时间: ")
	sb.WriteString(utils.ToConfiguredTimezone(evt.Timestamp).Format("2006-01-02 15:04:05"))

	if len(evt.Data) > 0 {
		keys := make([]string, 0, len(evt.Data))
		for k := range evt.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sb.WriteString(fmt.Sprintf("\n%s: %v", k, evt.Data[k]))
		}
	}

	return sb.String()
}
