package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/xmppaccount/internal/jid"
	"github.com/hitoshi/xmppaccount/internal/model"
)

const (
	defaultAPITimeout = 10 * time.Second
	// maxResponseSize はAPIレスポンスの最大サイズ（ユーザー一覧を考慮して大きめに取る）。
	maxResponseSize = 16 * 1024 * 1024
	userAgent       = "xmppaccount/1.0"
)

// apiErrorBody はejabberd HTTP APIのエラーレスポンス。
type apiErrorBody struct {
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// EjabberdAPI はejabberdのHTTP API（mod_http_api）を呼び出すRPCバックエンド。
// 各コマンドは POST {url}/api/{command} にJSON引数を送信し、結果コードを返す。
type EjabberdAPI struct {
	endpoint   string
	user       string
	password   string
	timeout    time.Duration
	httpClient *http.Client
	limiter    *rate.Limiter
	policy     ReservePolicy
	logger     *slog.Logger
	now        func() time.Time
}

// NewEjabberdAPI はEjabberdAPIの新しいインスタンスを生成する。
// rateLimitは1秒あたりのリクエスト数で、0以下の場合は制限しない。
func NewEjabberdAPI(endpoint, user, password string, timeout time.Duration, rateLimit float64, policy ReservePolicy, httpClient *http.Client, logger *slog.Logger) (*EjabberdAPI, error) {
	endpoint = strings.TrimSuffix(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		return nil, errors.New("ejabberd APIのURLが設定されていません")
	}
	if timeout <= 0 {
		timeout = defaultAPITimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if rateLimit > 0 {
		burst := int(rateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rateLimit), burst)
	}

	return &EjabberdAPI{
		endpoint:   endpoint,
		user:       user,
		password:   password,
		timeout:    timeout,
		httpClient: httpClient,
		limiter:    limiter,
		policy:     policyOrDefault(policy),
		logger:     logger,
		now:        time.Now,
	}, nil
}

// call はコマンドを実行して生のJSON結果を返す。
// 通信エラー・タイムアウト・5xxはTemporaryError、その他の4xxはBackendError（CodeはHTTPステータス）。
func (b *EjabberdAPI) call(ctx context.Context, command string, args any) (json.RawMessage, error) {
	op := "ejabberd_api " + command

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	if err := b.limiter.Wait(ctx); err != nil {
		return nil, &model.TemporaryError{Op: op, Err: err}
	}

	body, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("%s: 引数のエンコードに失敗しました: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint+"/api/"+command, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: HTTPリクエストの作成に失敗しました: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if b.user != "" {
		req.SetBasicAuth(b.user, b.password)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		b.logger.Warn("ejabberd APIの呼び出しに失敗しました",
			slog.String("command", command),
			slog.String("error", err.Error()),
		)
		return nil, &model.TemporaryError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &model.TemporaryError{Op: op, Err: err}
	}

	switch {
	case resp.StatusCode >= 500:
		b.logger.Warn("ejabberd APIがエラーステータスを返しました",
			slog.String("command", command),
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, &model.TemporaryError{Op: op, Err: fmt.Errorf("ステータス %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		var apiErr apiErrorBody
		message := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Message != "" {
			message = apiErr.Message
		}
		return nil, &model.BackendError{Op: command, Code: resp.StatusCode, Message: message}
	}

	return json.RawMessage(raw), nil
}

// resultCode は結果コードを取り出す。
// 文字列を返すコマンドは成功時のみ200を返すため、数値でない結果は0として扱う。
func resultCode(raw json.RawMessage) int {
	var code int
	if err := json.Unmarshal(raw, &code); err != nil {
		return 0
	}
	return code
}

type userArgs struct {
	User string `json:"user"`
	Host string `json:"host"`
}

func argsFor(j jid.JID) userArgs {
	return userArgs{User: j.Node, Host: j.Domain}
}

// requireAccount はアカウントが存在しない場合にmodel.ErrUserNotFoundを返す。
// ejabberdは存在しないユーザーへの変更系コマンドでも成功を返すことがあるため、事前に確認する。
func (b *EjabberdAPI) requireAccount(ctx context.Context, j jid.JID) error {
	exists, err := b.Exists(ctx, j)
	if err != nil {
		return err
	}
	if !exists {
		return model.ErrUserNotFound
	}
	return nil
}

func (b *EjabberdAPI) Exists(ctx context.Context, j jid.JID) (bool, error) {
	raw, err := b.call(ctx, "check_account", argsFor(j))
	if err != nil {
		return false, err
	}
	switch code := resultCode(raw); code {
	case 0:
		return true, nil
	case 1:
		return false, nil
	default:
		return false, &model.BackendError{Op: "check_account", Code: code}
	}
}

// Create はregisterコマンドでアカウントを作成し、最終ログイン時刻を登録時刻で記録する。
func (b *EjabberdAPI) Create(ctx context.Context, j jid.JID, password, email string) error {
	if done, err := completeReservation(ctx, b, b.policy, j, password, email); done || err != nil {
		return err
	}

	// 予約はランダムなパスワードで作るだけにする。banは完了時のchange_passwordで解除されない
	if password == "" {
		password = randomPassword()
	}

	raw, err := b.call(ctx, "register", struct {
		userArgs
		Password string `json:"password"`
	}{argsFor(j), password})
	var be *model.BackendError
	if errors.As(err, &be) && be.Code == http.StatusConflict {
		return model.ErrUserExists
	}
	if err != nil {
		return err
	}
	switch code := resultCode(raw); code {
	case 0:
	case 1:
		return model.ErrUserExists
	default:
		return &model.BackendError{Op: "register", Code: code}
	}

	b.stampLastActivity(ctx, j)
	return nil
}

// stampLastActivity はアイドルアカウントの掃除対象にならないよう最終活動時刻を記録する。
// 失敗してもアカウント作成自体は成功しているためログのみ出力する。
func (b *EjabberdAPI) stampLastActivity(ctx context.Context, j jid.JID) {
	_, err := b.call(ctx, "set_last", struct {
		userArgs
		Timestamp int64  `json:"timestamp"`
		Status    string `json:"status"`
	}{argsFor(j), b.now().Unix(), "Registered"})
	if err != nil {
		b.logger.Warn("最終活動時刻の記録に失敗しました",
			slog.String("jid", j.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (b *EjabberdAPI) CheckPassword(ctx context.Context, j jid.JID, password string) (bool, error) {
	raw, err := b.call(ctx, "check_password", struct {
		userArgs
		Password string `json:"password"`
	}{argsFor(j), password})
	if err != nil {
		return false, err
	}
	switch code := resultCode(raw); code {
	case 0:
		return true, nil
	case 1:
		return false, nil
	default:
		return false, &model.BackendError{Op: "check_password", Code: code}
	}
}

func (b *EjabberdAPI) SetPassword(ctx context.Context, j jid.JID, password string) error {
	if err := b.requireAccount(ctx, j); err != nil {
		return err
	}
	raw, err := b.call(ctx, "change_password", struct {
		userArgs
		NewPass string `json:"newpass"`
	}{argsFor(j), password})
	if err != nil {
		return err
	}
	if code := resultCode(raw); code != 0 {
		return &model.BackendError{Op: "change_password", Code: code}
	}
	return nil
}

// SetUnusablePassword はban_accountでログインを無効にする。
func (b *EjabberdAPI) SetUnusablePassword(ctx context.Context, j jid.JID) error {
	if err := b.requireAccount(ctx, j); err != nil {
		return err
	}
	return b.banAccount(ctx, j)
}

func (b *EjabberdAPI) banAccount(ctx context.Context, j jid.JID) error {
	raw, err := b.call(ctx, "ban_account", struct {
		userArgs
		Reason string `json:"reason"`
	}{argsFor(j), banReason})
	if err != nil {
		return err
	}
	if code := resultCode(raw); code != 0 {
		return &model.BackendError{Op: "ban_account", Code: code}
	}
	return nil
}

// SetEmail はejabberdにメールアドレスを保持しないため何もしない。
func (b *EjabberdAPI) SetEmail(context.Context, jid.JID, string) error {
	return nil
}

// CheckEmail は判定できないため常にfalse。
func (b *EjabberdAPI) CheckEmail(context.Context, jid.JID, string) (bool, error) {
	return false, nil
}

func (b *EjabberdAPI) AllUsers(ctx context.Context, domain string) ([]string, error) {
	raw, err := b.call(ctx, "registered_users", struct {
		Host string `json:"host"`
	}{domain})
	if err != nil {
		return nil, err
	}
	var users []string
	if err := json.Unmarshal(raw, &users); err != nil {
		return nil, fmt.Errorf("registered_usersのレスポンスのパースに失敗しました: %w", err)
	}
	if users == nil {
		users = make([]string, 0)
	}
	return users, nil
}

func (b *EjabberdAPI) Remove(ctx context.Context, j jid.JID) error {
	if err := b.requireAccount(ctx, j); err != nil {
		return err
	}
	raw, err := b.call(ctx, "unregister", argsFor(j))
	if err != nil {
		return err
	}
	if code := resultCode(raw); code != 0 {
		return &model.BackendError{Op: "unregister", Code: code}
	}
	return nil
}

// Message はサーバーJIDからheadlineメッセージを送信する。
func (b *EjabberdAPI) Message(ctx context.Context, j jid.JID, subject, body string) error {
	raw, err := b.call(ctx, "send_message", struct {
		Type    string `json:"type"`
		From    string `json:"from"`
		To      string `json:"to"`
		Subject string `json:"subject"`
		Body    string `json:"body"`
	}{"headline", j.Domain, j.String(), subject, body})
	if err != nil {
		return err
	}
	if code := resultCode(raw); code != 0 {
		return &model.BackendError{Op: "send_message", Code: code}
	}
	return nil
}

var (
	_ Backend                = (*EjabberdAPI)(nil)
	_ UnusablePasswordSetter = (*EjabberdAPI)(nil)
	_ Messenger              = (*EjabberdAPI)(nil)
)
