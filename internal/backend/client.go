package backend

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hitoshi/xmppaccount/internal/jid"
	"github.com/hitoshi/xmppaccount/internal/metrics"
	"github.com/hitoshi/xmppaccount/internal/model"
)

// 呼び出し結果のメトリクスラベル
const (
	outcomeOK           = "ok"
	outcomeUserExists   = "user_exists"
	outcomeUserNotFound = "user_not_found"
	outcomeBackendError = "backend_error"
	outcomeTemporary    = "temporary"
	outcomeError        = "error"
)

// Client はBackendをラップし、任意機能の既定動作とログ・メトリクス記録を提供する。
// 上位のワークフローは具体的なバックエンド実装ではなくClientのみを利用する。
type Client struct {
	backend Backend
	logger  *slog.Logger
	metrics metrics.MetricsCollector
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(b Backend, logger *slog.Logger, m metrics.MetricsCollector) *Client {
	if m == nil {
		m = metrics.Nop{}
	}
	return &Client{backend: b, logger: logger, metrics: m}
}

// Backend はラップしている実装を返す。
func (c *Client) Backend() Backend {
	return c.backend
}

func outcomeOf(err error) string {
	var be *model.BackendError
	switch {
	case err == nil:
		return outcomeOK
	case errors.Is(err, model.ErrUserExists):
		return outcomeUserExists
	case errors.Is(err, model.ErrUserNotFound):
		return outcomeUserNotFound
	case model.IsTemporary(err):
		return outcomeTemporary
	case errors.As(err, &be):
		return outcomeBackendError
	default:
		return outcomeError
	}
}

// observe は操作の所要時間と結果を記録する。
func (c *Client) observe(op string, j jid.JID, start time.Time, err error) {
	elapsed := time.Since(start)
	outcome := outcomeOf(err)
	c.metrics.RecordBackendCall(op, outcome, elapsed)

	switch outcome {
	case outcomeOK, outcomeUserExists, outcomeUserNotFound:
		c.logger.Debug("バックエンド操作を実行しました",
			slog.String("op", op),
			slog.String("jid", j.String()),
			slog.String("outcome", outcome),
			slog.Duration("elapsed", elapsed),
		)
	default:
		c.logger.Warn("バックエンド操作に失敗しました",
			slog.String("op", op),
			slog.String("jid", j.String()),
			slog.String("outcome", outcome),
			slog.String("error", err.Error()),
		)
	}
}

// Exists はアカウントが存在するかを返す。
func (c *Client) Exists(ctx context.Context, j jid.JID) (exists bool, err error) {
	defer func(start time.Time) { c.observe("exists", j, start, err) }(time.Now())
	return c.backend.Exists(ctx, j)
}

// Create はアカウントを作成する。passwordが空の場合は予約状態で作成される。
func (c *Client) Create(ctx context.Context, j jid.JID, password, email string) (err error) {
	defer func(start time.Time) { c.observe("create", j, start, err) }(time.Now())
	return c.backend.Create(ctx, j, password, email)
}

// Reserve はユーザー名を確保する。既定動作はパスワードなしのCreate。
func (c *Client) Reserve(ctx context.Context, j jid.JID, email string) (err error) {
	defer func(start time.Time) { c.observe("reserve", j, start, err) }(time.Now())
	if r, ok := c.backend.(Reserver); ok {
		return r.Reserve(ctx, j, email)
	}
	return c.backend.Create(ctx, j, "", email)
}

// CheckPassword はパスワードが一致するかを返す。
func (c *Client) CheckPassword(ctx context.Context, j jid.JID, password string) (ok bool, err error) {
	defer func(start time.Time) { c.observe("check_password", j, start, err) }(time.Now())
	return c.backend.CheckPassword(ctx, j, password)
}

// SetPassword はパスワードを変更する。
func (c *Client) SetPassword(ctx context.Context, j jid.JID, password string) (err error) {
	defer func(start time.Time) { c.observe("set_password", j, start, err) }(time.Now())
	return c.backend.SetPassword(ctx, j, password)
}

// SetUnusablePassword はログインできない状態にする。
// 既定動作はランダムなパスワードへの変更。
func (c *Client) SetUnusablePassword(ctx context.Context, j jid.JID) (err error) {
	defer func(start time.Time) { c.observe("set_unusable_password", j, start, err) }(time.Now())
	if s, ok := c.backend.(UnusablePasswordSetter); ok {
		return s.SetUnusablePassword(ctx, j)
	}
	return c.backend.SetPassword(ctx, j, randomPassword())
}

// HasUsablePassword はパスワードでログイン可能かを返す。
// 判定できないバックエンドでは常にtrue。
func (c *Client) HasUsablePassword(ctx context.Context, j jid.JID) (usable bool, err error) {
	defer func(start time.Time) { c.observe("has_usable_password", j, start, err) }(time.Now())
	if u, ok := c.backend.(UsablePasswordChecker); ok {
		return u.HasUsablePassword(ctx, j)
	}
	return true, nil
}

// SetEmail はメールアドレスを設定する。
func (c *Client) SetEmail(ctx context.Context, j jid.JID, email string) (err error) {
	defer func(start time.Time) { c.observe("set_email", j, start, err) }(time.Now())
	return c.backend.SetEmail(ctx, j, email)
}

// CheckEmail はメールアドレスが一致するかを返す。
func (c *Client) CheckEmail(ctx context.Context, j jid.JID, email string) (ok bool, err error) {
	defer func(start time.Time) { c.observe("check_email", j, start, err) }(time.Now())
	return c.backend.CheckEmail(ctx, j, email)
}

// Expire は確認期限が切れた予約を処理する。既定動作はRemove。
func (c *Client) Expire(ctx context.Context, j jid.JID) (err error) {
	defer func(start time.Time) { c.observe("expire", j, start, err) }(time.Now())
	if e, ok := c.backend.(Expirer); ok {
		return e.Expire(ctx, j)
	}
	return c.backend.Remove(ctx, j)
}

// Message はアカウントへメッセージを送信する。
// 送信に対応しないバックエンドでは何もしない。
func (c *Client) Message(ctx context.Context, j jid.JID, subject, body string) (err error) {
	defer func(start time.Time) { c.observe("message", j, start, err) }(time.Now())
	if m, ok := c.backend.(Messenger); ok {
		return m.Message(ctx, j, subject, body)
	}
	return nil
}

// AllUsers はドメインの全ユーザーのnode部を返す。
func (c *Client) AllUsers(ctx context.Context, domain string) (users []string, err error) {
	defer func(start time.Time) { c.observe("all_users", jid.JID{Domain: domain}, start, err) }(time.Now())
	return c.backend.AllUsers(ctx, domain)
}

// Remove はアカウントを削除する。
func (c *Client) Remove(ctx context.Context, j jid.JID) (err error) {
	defer func(start time.Time) { c.observe("remove", j, start, err) }(time.Now())
	return c.backend.Remove(ctx, j)
}
