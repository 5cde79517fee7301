package mail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"net/textproto"

	"github.com/hitoshi/xmppaccount/internal/model"
)

// Sender はメールを送信する。
type Sender interface {
	Send(ctx context.Context, msg *Message) error
}

// SMTPSender はSMTPサーバー経由でメールを送信する。
// サーバーが対応していればSTARTTLSを使い、認証情報があればPLAIN認証を行う。
type SMTPSender struct {
	addr     string
	username string
	password string
	logger   *slog.Logger
}

// NewSMTPSender はSMTPSenderの新しいインスタンスを生成する。
func NewSMTPSender(addr, username, password string, logger *slog.Logger) *SMTPSender {
	return &SMTPSender{addr: addr, username: username, password: password, logger: logger}
}

// Send はメールを送信する。
// 接続エラーと4xx応答は再試行可能な*model.TemporaryErrorとして返す。
func (s *SMTPSender) Send(ctx context.Context, msg *Message) error {
	if err := s.send(ctx, msg); err != nil {
		if isTemporarySMTP(err) {
			return &model.TemporaryError{Op: "smtp send", Err: err}
		}
		return fmt.Errorf("メールの送信に失敗しました: %w", err)
	}
	s.logger.Info("メールを送信しました",
		slog.String("to", msg.To()),
		slog.String("content_type", msg.ContentType()),
	)
	return nil
}

func (s *SMTPSender) send(ctx context.Context, msg *Message) error {
	host, _, err := net.SplitHostPort(s.addr)
	if err != nil {
		return fmt.Errorf("SMTPアドレスが不正です: %w", err)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return err
		}
	}
	if s.username != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(smtp.PlainAuth("", s.username, s.password, host)); err != nil {
				return err
			}
		}
	}

	if err := c.Mail(envelopeAddress(msg.From())); err != nil {
		return err
	}
	if err := c.Rcpt(envelopeAddress(msg.To())); err != nil {
		return err
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg.Bytes()); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

// isTemporarySMTP は再試行で成功しうるエラーかを判定する。
func isTemporarySMTP(err error) bool {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code >= 400 && tpErr.Code < 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// LogSender はメールを送信せずにログへ出力する。開発環境用。
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender はLogSenderの新しいインスタンスを生成する。
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// Send はメールの概要と本文をログに出力する。
func (s *LogSender) Send(_ context.Context, msg *Message) error {
	s.logger.Info("メール（未送信）",
		slog.String("from", msg.From()),
		slog.String("to", msg.To()),
		slog.String("subject", msg.Subject()),
		slog.String("content_type", msg.ContentType()),
		slog.String("body", string(msg.Bytes())),
	)
	return nil
}

var (
	_ Sender = (*SMTPSender)(nil)
	_ Sender = (*LogSender)(nil)
)
