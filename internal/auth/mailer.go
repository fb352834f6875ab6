package auth

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"
)

// Mailer はメール送信のインターフェース。
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SMTPConfig はSMTPサーバーへの接続設定。
type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
}

// SMTPMailer は暗黙的TLS（ポート465）でSMTPサーバーに接続してメールを送信する。
type SMTPMailer struct {
	config SMTPConfig
	dialer *net.Dialer
}

// NewSMTPMailer はSMTPMailerを生成する。Fromが空の場合はUsernameを送信元にする。
func NewSMTPMailer(config SMTPConfig) *SMTPMailer {
	if config.From == "" {
		config.From = config.Username
	}
	return &SMTPMailer{
		config: config,
		dialer: &net.Dialer{Timeout: 10 * time.Second},
	}
}

// Send はプレーンテキストのメールを送信する。
func (m *SMTPMailer) Send(ctx context.Context, to, subject, body string) error {
	if strings.ContainsAny(to, "\r\n") || strings.ContainsAny(subject, "\r\n") {
		return fmt.Errorf("invalid mail header value")
	}

	msg := []byte(
		fmt.Sprintf("From: %s\r\n", m.config.From) +
			fmt.Sprintf("To: %s\r\n", to) +
			fmt.Sprintf("Subject: %s\r\n", subject) +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/plain; charset=\"utf-8\"\r\n" +
			"\r\n" +
			body,
	)

	tlsDialer := &tls.Dialer{
		NetDialer: m.dialer,
		Config:    &tls.Config{ServerName: m.config.Host},
	}
	conn, err := tlsDialer.DialContext(ctx, "tcp", net.JoinHostPort(m.config.Host, m.config.Port))
	if err != nil {
		return fmt.Errorf("failed to connect to smtp server: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, m.config.Host)
	if err != nil {
		return fmt.Errorf("failed to create smtp client: %w", err)
	}
	defer client.Quit()

	if m.config.Username != "" {
		auth := smtp.PlainAuth("", m.config.Username, m.config.Password, m.config.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth failed: %w", err)
		}
	}

	if err := client.Mail(m.config.From); err != nil {
		return fmt.Errorf("smtp MAIL FROM failed: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("smtp RCPT TO failed: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA failed: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("failed to write mail body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finish mail body: %w", err)
	}

	return nil
}

// LogMailer はメールを送信せずにログへ出力する。SMTP未設定の開発環境で使用する。
type LogMailer struct {
	logger *slog.Logger
}

// NewLogMailer はLogMailerを生成する。loggerがnilの場合はslog.Default()を使用する。
func NewLogMailer(logger *slog.Logger) *LogMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMailer{logger: logger}
}

// Send はメールの内容をログに出力する。
func (m *LogMailer) Send(_ context.Context, to, subject, body string) error {
	m.logger.Info("mail not sent (no SMTP configured)",
		slog.String("to", to),
		slog.String("subject", subject),
		slog.String("body", body),
	)
	return nil
}

// compile-time interface check
var (
	_ Mailer = (*SMTPMailer)(nil)
	_ Mailer = (*LogMailer)(nil)
)
