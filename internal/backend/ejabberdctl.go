package backend

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/hitoshi/xmppaccount/internal/jid"
	"github.com/hitoshi/xmppaccount/internal/model"
)

const (
	defaultCtlPath    = "/usr/sbin/ejabberdctl"
	defaultCtlTimeout = 10 * time.Second
	// banReason はログイン不能化の際にejabberdへ渡す理由。
	banReason = "Reserved by xmppaccount"
)

// runFunc は外部コマンドを実行し、終了コードと出力を返す。
type runFunc func(ctx context.Context, path string, args ...string) (int, []byte, error)

// Ejabberdctl は操作ごとにejabberdctlコマンドを起動するバックエンド。
// パスワードがコマンドライン引数として渡るため、同一ホストの他ユーザーから
// プロセス一覧で参照できる点に注意する。
type Ejabberdctl struct {
	path    string
	timeout time.Duration
	policy  ReservePolicy
	logger  *slog.Logger
	run     runFunc
}

// NewEjabberdctl はEjabberdctlの新しいインスタンスを生成する。
func NewEjabberdctl(path string, timeout time.Duration, policy ReservePolicy, logger *slog.Logger) *Ejabberdctl {
	if path == "" {
		path = defaultCtlPath
	}
	if timeout <= 0 {
		timeout = defaultCtlTimeout
	}
	return &Ejabberdctl{
		path:    path,
		timeout: timeout,
		policy:  policyOrDefault(policy),
		logger:  logger,
		run:     execCommand,
	}
}

// execCommand はexec.CommandContextでコマンドを実行する。
// 終了コードが0以外でもプロセスが起動できていればエラーにはしない。
func execCommand(ctx context.Context, path string, args ...string) (int, []byte, error) {
	cmd := exec.CommandContext(ctx, path, args...)
	out, err := cmd.CombinedOutput()
	if err == nil {
		return 0, out, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		return exitErr.ExitCode(), out, nil
	}
	return -1, out, err
}

// ctl はコマンドを実行して終了コードと出力を返す。
// タイムアウトと起動失敗はTemporaryErrorとする。
func (b *Ejabberdctl) ctl(ctx context.Context, command string, args ...string) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	code, out, err := b.run(ctx, b.path, append([]string{command}, args...)...)
	if err != nil {
		return code, out, &model.TemporaryError{Op: "ejabberdctl " + command, Err: err}
	}
	if ctx.Err() != nil {
		return code, out, &model.TemporaryError{Op: "ejabberdctl " + command, Err: ctx.Err()}
	}
	// 引数にはパスワードが含まれるためコマンド名のみ記録する
	b.logger.Debug("ejabberdctlを実行しました",
		slog.String("command", command),
		slog.Int("exit_code", code),
	)
	return code, out, nil
}

func ctlError(command string, code int, out []byte) error {
	return &model.BackendError{
		Op:      command,
		Code:    code,
		Message: strings.TrimSpace(string(out)),
	}
}

func (b *Ejabberdctl) Exists(ctx context.Context, j jid.JID) (bool, error) {
	code, out, err := b.ctl(ctx, "check_account", j.Node, j.Domain)
	if err != nil {
		return false, err
	}
	switch code {
	case 0:
		return true, nil
	case 1:
		return false, nil
	default:
		return false, ctlError("check_account", code, out)
	}
}

// Create はregisterコマンドでアカウントを作成する。
// ejabberdctlはメールアドレスを保持できないためemailは予約完了時以外使わない。
func (b *Ejabberdctl) Create(ctx context.Context, j jid.JID, password, email string) error {
	if done, err := completeReservation(ctx, b, b.policy, j, password, email); done || err != nil {
		return err
	}

	if password == "" {
		password = randomPassword()
	}

	code, out, err := b.ctl(ctx, "register", j.Node, j.Domain, password)
	if err != nil {
		return err
	}
	switch code {
	case 0:
	case 1:
		return model.ErrUserExists
	default:
		return ctlError("register", code, out)
	}
	return nil
}

func (b *Ejabberdctl) CheckPassword(ctx context.Context, j jid.JID, password string) (bool, error) {
	code, out, err := b.ctl(ctx, "check_password", j.Node, j.Domain, password)
	if err != nil {
		return false, err
	}
	switch code {
	case 0:
		return true, nil
	case 1:
		return false, nil
	default:
		return false, ctlError("check_password", code, out)
	}
}

func (b *Ejabberdctl) SetPassword(ctx context.Context, j jid.JID, password string) error {
	code, out, err := b.ctl(ctx, "change_password", j.Node, j.Domain, password)
	if err != nil {
		return err
	}
	switch code {
	case 0:
		return nil
	case 1:
		return model.ErrUserNotFound
	default:
		return ctlError("change_password", code, out)
	}
}

// SetUnusablePassword はban_accountでログインを無効にする。
func (b *Ejabberdctl) SetUnusablePassword(ctx context.Context, j jid.JID) error {
	code, out, err := b.ctl(ctx, "ban_account", j.Node, j.Domain, banReason)
	if err != nil {
		return err
	}
	switch code {
	case 0:
		return nil
	case 1:
		return model.ErrUserNotFound
	default:
		return ctlError("ban_account", code, out)
	}
}

// SetEmail はejabberdctlでは何もしない。
func (b *Ejabberdctl) SetEmail(context.Context, jid.JID, string) error {
	return nil
}

// CheckEmail はejabberdctlでは判定できないため常にfalse。
func (b *Ejabberdctl) CheckEmail(context.Context, jid.JID, string) (bool, error) {
	return false, nil
}

func (b *Ejabberdctl) AllUsers(ctx context.Context, domain string) ([]string, error) {
	code, out, err := b.ctl(ctx, "registered_users", domain)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, ctlError("registered_users", code, out)
	}

	users := make([]string, 0)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			users = append(users, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("registered_usersの出力の読み取りに失敗しました: %w", err)
	}
	return users, nil
}

func (b *Ejabberdctl) Remove(ctx context.Context, j jid.JID) error {
	code, out, err := b.ctl(ctx, "unregister", j.Node, j.Domain)
	if err != nil {
		return err
	}
	switch code {
	case 0:
		return nil
	case 1:
		return model.ErrUserNotFound
	default:
		return ctlError("unregister", code, out)
	}
}

var (
	_ Backend                = (*Ejabberdctl)(nil)
	_ UnusablePasswordSetter = (*Ejabberdctl)(nil)
)
