package notify

import (
	"fmt"
	"net/smtp"
	"strings"

	"coinpilot/config"
	"coinpilot/event"
)

// EmailNotifier SMTP 邮件通知器
type EmailNotifier struct {
	host     string
	port     int
	username string
	password string
	from     string
	to       []string
}

// NewEmailNotifier 创建邮件通知器
func NewEmailNotifier(cfg *config.Config) (*EmailNotifier, error) {
	email := cfg.Notifications.Email
	if email.SMTPHost == "" || len(email.To) == 0 {
		return nil, fmt.Errorf("邮件配置不完整")
	}

	from := email.From
	if from == "" {
		from = email.Username
	}

	return &EmailNotifier{
		host:     email.SMTPHost,
		port:     email.SMTPPort,
		username: email.Username,
		password: email.Password,
		from:     from,
		to:       email.To,
	}, nil
}

// Name 返回通知器名称
func (en *EmailNotifier) Name() string {
	return "Email"
}

// Send 发送通知
func (en *EmailNotifier) Send(evt *event.Event) error {
	body := formatMessage(evt)
	subject := strings.SplitN(body, "\n", 2)[0]

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		en.from, strings.Join(en.to, ","), subject, body)

	addr := fmt.Sprintf("%s:%d", en.host, en.port)
	auth := smtp.PlainAuth("", en.username, en.password, en.host)

	if err := smtp.SendMail(addr, auth, en.from, en.to, []byte(msg)); err != nil {
		return fmt.Errorf("发送邮件失败: %w", err)
	}
	return nil
}
