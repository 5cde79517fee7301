package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/xmppaccount/internal/config"
	"github.com/hitoshi/xmppaccount/internal/mail"
	"github.com/hitoshi/xmppaccount/internal/metrics"
	"github.com/hitoshi/xmppaccount/internal/model"
	"github.com/hitoshi/xmppaccount/internal/repository"
)

// ErrNoRecipient はメールの宛先が決まらないことを示す。再試行しても解決しない。
var ErrNoRecipient = errors.New("no recipient email address")

// ConfirmationGetter はIDから有効な確認トークンを取得する。confirm.Storeが実装する。
type ConfirmationGetter interface {
	Get(ctx context.Context, id string) (*model.Confirmation, error)
}

// Builder はメールを構築する。mail.Pipelineが実装する。
type Builder interface {
	Build(ctx context.Context, req mail.Request) (*mail.Result, error)
}

// Options はサイト全体の送信設定。
type Options struct {
	DefaultFrom  string
	ForceSigning bool // FORCE_GPG_SIGNING
}

// Notifier は通知タスクから確認メールを組み立てて送信する。
// 同期送信とワーカーの両方から使われ、どちらもトークンをIDで再取得する。
type Notifier struct {
	confirmations ConfirmationGetter
	accounts      repository.AccountRepository
	hosts         *config.Hosts
	renderer      *Renderer
	builder       Builder
	sender        mail.Sender
	opts          Options
	ttl           string
	metrics       metrics.MetricsCollector
	logger        *slog.Logger
}

// NewNotifier はNotifierの新しいインスタンスを生成する。
func NewNotifier(
	confirmations ConfirmationGetter,
	accounts repository.AccountRepository,
	hosts *config.Hosts,
	renderer *Renderer,
	builder Builder,
	sender mail.Sender,
	opts Options,
	ttl string,
	m metrics.MetricsCollector,
	logger *slog.Logger,
) *Notifier {
	if m == nil {
		m = metrics.Nop{}
	}
	return &Notifier{
		confirmations: confirmations,
		accounts:      accounts,
		hosts:         hosts,
		renderer:      renderer,
		builder:       builder,
		sender:        sender,
		opts:          opts,
		ttl:           ttl,
		metrics:       m,
		logger:        logger,
	}
}

// Send はタスクに対応する確認メールを送信する。
// トークンが既に使用済み・期限切れの場合やアカウントが削除済みの場合は何もせずnilを返す。
func (n *Notifier) Send(ctx context.Context, task *model.NotificationTask) error {
	c, err := n.confirmations.Get(ctx, task.ConfirmationID)
	if err != nil {
		return fmt.Errorf("failed to load confirmation: %w", err)
	}
	if c == nil {
		n.logger.Info("確認トークンが存在しないため送信を省略します",
			slog.String("confirmation_id", task.ConfirmationID),
		)
		return nil
	}

	account, err := n.accounts.FindByID(ctx, c.AccountID)
	if err != nil {
		return fmt.Errorf("failed to load account: %w", err)
	}
	if account == nil {
		n.logger.Info("アカウントが存在しないため送信を省略します",
			slog.String("confirmation_id", c.ID),
		)
		return nil
	}

	domain := task.Domain
	if domain == "" {
		domain = account.JID.Domain
	}
	host, _ := n.hosts.Lookup(domain)

	to := c.Payload.Email
	if to == "" {
		to = account.Email
	}
	if to == "" {
		n.metrics.RecordMailFailure("no_recipient")
		return fmt.Errorf("%w: %s", ErrNoRecipient, account.JID)
	}

	rendered, err := n.renderer.Render(c.Purpose, Data{
		JID:        account.JID.String(),
		Domain:     domain,
		URI:        task.CallbackURI,
		ExpiresIn:  n.ttl,
		ContactURL: host.ContactURL,
	})
	if err != nil {
		return err
	}

	from := host.FromEmail
	if from == "" {
		from = n.opts.DefaultFrom
	}

	// 署名を強制するドメインでは暗号処理の失敗を平文送信で代替しない
	forceSigning := host.ForceSigning || n.opts.ForceSigning
	result, err := n.builder.Build(ctx, mail.Request{
		From:                from,
		To:                  to,
		Subject:             rendered.Subject,
		Text:                rendered.Text,
		HTML:                rendered.HTML,
		SignerFingerprint:   host.GPGFingerprint,
		ForceSigning:        forceSigning,
		Payload:             c.Payload,
		FallbackFingerprint: account.GPGFingerprint,
		Strict:              forceSigning,
	})
	if err != nil {
		n.metrics.RecordMailFailure("build")
		return err
	}

	if err := n.sender.Send(ctx, result.Message); err != nil {
		n.metrics.RecordMailFailure("send")
		return err
	}
	n.metrics.RecordMailSent(string(result.Mode))

	n.logger.Info("確認メールを送信しました",
		slog.String("jid", account.JID.String()),
		slog.String("purpose", string(c.Purpose)),
		slog.String("mode", string(result.Mode)),
	)
	return nil
}
