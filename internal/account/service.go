// Package account は登録・パスワード再設定・メールアドレス変更・削除の各手続きを提供する。
// どの手続きも、要求時に確認トークンを発行してメールを送り、
// トークンの引き換え時に初めてバックエンドへ変更を適用する二段階の流れを取る。
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	netmail "net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/xmppaccount/internal/config"
	"github.com/hitoshi/xmppaccount/internal/dispatch"
	"github.com/hitoshi/xmppaccount/internal/gpg"
	"github.com/hitoshi/xmppaccount/internal/jid"
	"github.com/hitoshi/xmppaccount/internal/model"
	"github.com/hitoshi/xmppaccount/internal/repository"
)

// XMPPBackend はワークフローが使うバックエンド操作。backend.Clientが実装する。
type XMPPBackend interface {
	Exists(ctx context.Context, j jid.JID) (bool, error)
	Create(ctx context.Context, j jid.JID, password, email string) error
	Reserve(ctx context.Context, j jid.JID, email string) error
	CheckPassword(ctx context.Context, j jid.JID, password string) (bool, error)
	SetPassword(ctx context.Context, j jid.JID, password string) error
	SetEmail(ctx context.Context, j jid.JID, email string) error
	Expire(ctx context.Context, j jid.JID) error
	Message(ctx context.Context, j jid.JID, subject, body string) error
	AllUsers(ctx context.Context, domain string) ([]string, error)
	Remove(ctx context.Context, j jid.JID) error
}

// Confirmations は確認トークンの発行と引き換え。confirm.Storeが実装する。
type Confirmations interface {
	Issue(ctx context.Context, account *model.Account, purpose model.Purpose, payload model.Payload) (*model.Confirmation, error)
	Confirm(ctx context.Context, key string, purpose model.Purpose, fn func(c *model.Confirmation) error) error
	TTL() time.Duration
}

// Options はサイト全体の設定。
type Options struct {
	BaseURL        string
	CryptoEnabled  bool
	WelcomeSubject string
	WelcomeMessage string // {jid} {node} {domain} {base_url} を置換する

	// ReminderSubject とReminderMessage はメールアドレス未設定のアカウントへの催促。置換はWelcomeと同じ。
	ReminderSubject string
	ReminderMessage string
}

// Request は各手続きの要求フェーズの入力。
type Request struct {
	Username       string
	Domain         string
	Email          string
	Password       string
	GPGFingerprint string
	GPGKey         string
	Address        string // 要求元のIPアドレス
	Lang           string
}

// Service はアカウント手続きのワークフローを実装する。
type Service struct {
	accounts      repository.AccountRepository
	activities    repository.ActivityRepository
	backend       XMPPBackend
	confirmations Confirmations
	dispatcher    dispatch.Dispatcher
	hosts         *config.Hosts
	opts          Options
	logger        *slog.Logger
	now           func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	accounts repository.AccountRepository,
	activities repository.ActivityRepository,
	backend XMPPBackend,
	confirmations Confirmations,
	dispatcher dispatch.Dispatcher,
	hosts *config.Hosts,
	opts Options,
	logger *slog.Logger,
) *Service {
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Service{
		accounts:      accounts,
		activities:    activities,
		backend:       backend,
		confirmations: confirmations,
		dispatcher:    dispatcher,
		hosts:         hosts,
		opts:          opts,
		logger:        logger,
		now:           time.Now,
	}
}

// ConfirmURI は確認リンクのURLを返す。
func (s *Service) ConfirmURI(purpose model.Purpose, key string) string {
	return s.opts.BaseURL + "/" + string(purpose) + "/confirm/" + key
}

// Register は新規登録を受け付け、registerトークンを発行して確認メールを送る。
// RESERVEポリシーのドメインでは、この時点でユーザー名をバックエンドに予約する。
func (s *Service) Register(ctx context.Context, req Request) error {
	j, host, err := s.resolve(req.Username, req.Domain)
	if err != nil {
		return err
	}
	if !host.Registration {
		return model.ErrRegistrationClosed
	}
	email, err := validateEmail(req.Email)
	if err != nil {
		return err
	}
	payload, err := s.gpgPayload(req)
	if err != nil {
		return err
	}
	payload.Email = email

	existing, err := s.accounts.FindByJID(ctx, j)
	if err != nil {
		return err
	}
	if existing != nil {
		return model.ErrUserExists
	}
	exists, err := s.backend.Exists(ctx, j)
	if err != nil {
		return err
	}
	if exists {
		return model.ErrUserExists
	}

	if host.Reserve {
		// 同時に同じ名前を予約しようとした場合はバックエンドの一意性で片方がUserExistsになる
		if err := s.backend.Reserve(ctx, j, email); err != nil {
			return err
		}
	}

	account := &model.Account{
		ID:                 uuid.New().String(),
		JID:                j,
		Email:              email,
		RegistrationMethod: model.RegistrationWebsite,
		RegisteredAt:       s.now(),
	}
	if err := s.accounts.Create(ctx, account); err != nil {
		s.abandonRegistration(ctx, j, nil, host.Reserve)
		return err
	}

	if err := s.issue(ctx, account, model.PurposeRegister, payload, req); err != nil {
		// 確認メールを送れなかった登録を残すと、再試行がUserExistsで拒否され続ける
		s.abandonRegistration(ctx, j, account, host.Reserve)
		return err
	}
	return nil
}

// abandonRegistration は途中で失敗した登録の記録と予約を取り消す。
// 失敗はログに残し、期限切れの掃除に任せる。
func (s *Service) abandonRegistration(ctx context.Context, j jid.JID, account *model.Account, reserved bool) {
	if account != nil {
		if err := s.accounts.DeleteByID(ctx, account.ID); err != nil {
			s.logger.Warn("失敗した登録の記録を削除できませんでした",
				slog.String("jid", j.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	if !reserved {
		return
	}
	if err := s.backend.Expire(ctx, j); err != nil && !errors.Is(err, model.ErrUserNotFound) {
		s.logger.Warn("失敗した登録の予約を取り消せませんでした",
			slog.String("jid", j.String()),
			slog.String("error", err.Error()),
		)
	}
}

// ConfirmRegistration はregisterトークンを引き換え、パスワードを設定してアカウントを作成する。
// 予約済みのアカウントはパスワードとメールアドレスの更新で作成を完了する。
func (s *Service) ConfirmRegistration(ctx context.Context, key, password, passwordConfirm string) error {
	if err := validatePassword(password, passwordConfirm); err != nil {
		return err
	}

	var created *model.Account
	err := s.confirmations.Confirm(ctx, key, model.PurposeRegister, func(c *model.Confirmation) error {
		account, err := s.load(ctx, c)
		if err != nil {
			return err
		}
		email := c.Payload.Email
		if email == "" {
			email = account.Email
		}

		if err := s.backend.Create(ctx, account.JID, password, email); err != nil {
			return err
		}
		if err := s.applyConfirmedEmail(account, email, c.Payload); err != nil {
			return err
		}
		if err := s.accounts.Update(ctx, account); err != nil {
			return err
		}
		created = account
		return nil
	})
	if err != nil {
		return err
	}

	s.welcome(ctx, created)
	return nil
}

// RequestPasswordReset はset-passwordトークンを発行し、確認済みのメールアドレスへ送る。
func (s *Service) RequestPasswordReset(ctx context.Context, req Request) error {
	account, err := s.manageable(ctx, req)
	if err != nil {
		return err
	}
	if !account.HasEmail() {
		return model.ErrUserNotFound
	}
	return s.issue(ctx, account, model.PurposeSetPassword, model.Payload{}, req)
}

// ConfirmPasswordReset はset-passwordトークンを引き換えてパスワードを設定する。
func (s *Service) ConfirmPasswordReset(ctx context.Context, key, password, passwordConfirm string) error {
	if err := validatePassword(password, passwordConfirm); err != nil {
		return err
	}
	return s.confirmations.Confirm(ctx, key, model.PurposeSetPassword, func(c *model.Confirmation) error {
		account, err := s.load(ctx, c)
		if err != nil {
			return err
		}
		return s.backend.SetPassword(ctx, account.JID, password)
	})
}

// RequestEmailChange は新しいメールアドレス宛てにset-emailトークンを送る。
// In-Band登録などでこのサービスに記録のないアカウントは、ここで記録を作成する。
func (s *Service) RequestEmailChange(ctx context.Context, req Request) error {
	j, host, err := s.resolve(req.Username, req.Domain)
	if err != nil {
		return err
	}
	if !host.Manage {
		return model.ErrManageDisabled
	}
	email, err := validateEmail(req.Email)
	if err != nil {
		return err
	}
	payload, err := s.gpgPayload(req)
	if err != nil {
		return err
	}
	payload.Email = email

	exists, err := s.backend.Exists(ctx, j)
	if err != nil {
		return err
	}
	if !exists {
		return model.ErrUserNotFound
	}

	account, err := s.accounts.FindByJID(ctx, j)
	if err != nil {
		return err
	}
	if account == nil {
		account = &model.Account{
			ID:                 uuid.New().String(),
			JID:                j,
			RegistrationMethod: model.RegistrationUnknown,
			RegisteredAt:       s.now(),
		}
		if err := s.accounts.Create(ctx, account); err != nil {
			return err
		}
	}

	return s.issue(ctx, account, model.PurposeSetEmail, payload, req)
}

// ConfirmEmailChange はパスワードを確認したうえでset-emailトークンを引き換え、
// メールアドレスとGPGフィンガープリントを更新する。
// パスワードが誤っている場合はmodel.ErrUserNotFoundを返し、トークンは残る。
func (s *Service) ConfirmEmailChange(ctx context.Context, key, password string) error {
	return s.confirmations.Confirm(ctx, key, model.PurposeSetEmail, func(c *model.Confirmation) error {
		account, err := s.load(ctx, c)
		if err != nil {
			return err
		}
		if err := s.checkPassword(ctx, account.JID, password); err != nil {
			return err
		}
		if err := s.backend.SetEmail(ctx, account.JID, c.Payload.Email); err != nil {
			return err
		}
		account.GPGFingerprint = ""
		if err := s.applyConfirmedEmail(account, c.Payload.Email, c.Payload); err != nil {
			return err
		}
		return s.accounts.Update(ctx, account)
	})
}

// RequestDelete はパスワードを確認し、deleteトークンを確認済みのメールアドレスへ送る。
func (s *Service) RequestDelete(ctx context.Context, req Request) error {
	account, err := s.manageable(ctx, req)
	if err != nil {
		return err
	}
	if !account.HasEmail() {
		return model.ErrUserNotFound
	}
	if err := s.checkPassword(ctx, account.JID, req.Password); err != nil {
		return err
	}
	return s.issue(ctx, account, model.PurposeDelete, model.Payload{}, req)
}

// ConfirmDelete はパスワードを確認したうえでdeleteトークンを引き換え、アカウントを削除する。
// パスワードが誤っている場合はmodel.ErrUserNotFoundを返し、トークンとアカウントは残る。
func (s *Service) ConfirmDelete(ctx context.Context, key, password string) error {
	var removed *model.Account
	err := s.confirmations.Confirm(ctx, key, model.PurposeDelete, func(c *model.Confirmation) error {
		account, err := s.load(ctx, c)
		if err != nil {
			return err
		}
		if err := s.checkPassword(ctx, account.JID, password); err != nil {
			return err
		}
		if err := s.backend.Remove(ctx, account.JID); err != nil && !errors.Is(err, model.ErrUserNotFound) {
			return err
		}
		removed = account
		return nil
	})
	if err != nil {
		return err
	}

	// トークンはアカウントにCASCADEで紐づくため、引き換えのトランザクションが終わってから消す
	if err := s.accounts.DeleteByID(ctx, removed.ID); err != nil {
		return fmt.Errorf("アカウント記録の削除に失敗しました: %w", err)
	}
	s.logger.Info("アカウントを削除しました", slog.String("jid", removed.JID.String()))
	return nil
}

// Available はユーザー名が登録可能かを返す。
func (s *Service) Available(ctx context.Context, username, domain string) (bool, error) {
	j, _, err := s.resolve(username, domain)
	if err != nil {
		return false, err
	}
	account, err := s.accounts.FindByJID(ctx, j)
	if err != nil {
		return false, err
	}
	if account != nil {
		return false, nil
	}
	exists, err := s.backend.Exists(ctx, j)
	if err != nil {
		return false, err
	}
	return !exists, nil
}

// resolve はユーザー名とドメインを検証してJIDとドメインのポリシーを返す。
func (s *Service) resolve(username, domain string) (jid.JID, config.Host, error) {
	j, err := jid.New(username, domain)
	if err != nil {
		if strings.TrimSpace(domain) == "" {
			return jid.JID{}, config.Host{}, model.NewInvalidInputError("domain", "ドメインを指定してください。")
		}
		return jid.JID{}, config.Host{}, model.NewInvalidJIDError(err.Error())
	}
	host, ok := s.hosts.Lookup(j.Domain)
	if !ok {
		return jid.JID{}, config.Host{}, model.NewInvalidInputError("domain", fmt.Sprintf("このサイトでは扱っていないドメインです: %s", j.Domain))
	}
	return j, host, nil
}

// manageable はMANAGEポリシーを確認し、バックエンドに存在するアカウントの記録を返す。
func (s *Service) manageable(ctx context.Context, req Request) (*model.Account, error) {
	j, host, err := s.resolve(req.Username, req.Domain)
	if err != nil {
		return nil, err
	}
	if !host.Manage {
		return nil, model.ErrManageDisabled
	}
	account, err := s.accounts.FindByJID(ctx, j)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, model.ErrUserNotFound
	}
	exists, err := s.backend.Exists(ctx, j)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, model.ErrUserNotFound
	}
	return account, nil
}

// load はトークンの持ち主のアカウントを取得する。記録が消えている場合はトークンも無効として扱う。
func (s *Service) load(ctx context.Context, c *model.Confirmation) (*model.Account, error) {
	account, err := s.accounts.FindByID(ctx, c.AccountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, model.ErrConfirmationNotFound
	}
	return account, nil
}

// checkPassword はパスワードが一致しない場合にmodel.ErrUserNotFoundを返す。
func (s *Service) checkPassword(ctx context.Context, j jid.JID, password string) error {
	if password == "" {
		return model.ErrUserNotFound
	}
	ok, err := s.backend.CheckPassword(ctx, j, password)
	if err != nil {
		return err
	}
	if !ok {
		return model.ErrUserNotFound
	}
	return nil
}

// applyConfirmedEmail は確認済みのメールアドレスとペイロードのGPG鍵をアカウントに反映する。
func (s *Service) applyConfirmedEmail(account *model.Account, email string, payload model.Payload) error {
	if err := account.Confirm(email, s.now()); err != nil {
		return err
	}
	switch {
	case payload.GPGKey != "":
		fpr, err := gpg.KeyFingerprint(payload.GPGKey)
		if err != nil {
			return err
		}
		account.GPGFingerprint = fpr
	case payload.GPGFingerprint != "":
		account.GPGFingerprint = payload.GPGFingerprint
	}
	return nil
}

// gpgPayload は要求に含まれるGPGフィンガープリントと鍵を検証する。
func (s *Service) gpgPayload(req Request) (model.Payload, error) {
	var payload model.Payload
	if req.GPGFingerprint == "" && strings.TrimSpace(req.GPGKey) == "" {
		return payload, nil
	}
	if !s.opts.CryptoEnabled {
		field := model.FieldGPGFingerprint
		if req.GPGFingerprint == "" {
			field = model.FieldGPGKey
		}
		return payload, &model.GpgError{Field: field, Message: "このサイトではGPGを利用できません"}
	}

	if req.GPGFingerprint != "" {
		fpr, err := gpg.NormalizeFingerprint(req.GPGFingerprint)
		if err != nil {
			return payload, model.NewGpgFingerprintError(err.Error(), err)
		}
		payload.GPGFingerprint = fpr
	}
	if key := strings.TrimSpace(req.GPGKey); key != "" {
		if _, err := gpg.KeyFingerprint(key); err != nil {
			return payload, err
		}
		payload.GPGKey = key
	}
	return payload, nil
}

// issue はIPアクティビティを記録し、トークンを発行して確認メールを送る。
func (s *Service) issue(ctx context.Context, account *model.Account, purpose model.Purpose, payload model.Payload, req Request) error {
	s.recordActivity(ctx, account, purpose, req.Address)

	c, err := s.confirmations.Issue(ctx, account, purpose, payload)
	if err != nil {
		return err
	}
	task := &model.NotificationTask{
		ConfirmationID: c.ID,
		CallbackURI:    s.ConfirmURI(purpose, c.Key),
		Domain:         account.JID.Domain,
		Lang:           req.Lang,
	}
	return s.dispatcher.Dispatch(ctx, task)
}

// recordActivity は要求元のアドレスを記録する。記録に失敗しても手続きは続ける。
func (s *Service) recordActivity(ctx context.Context, account *model.Account, purpose model.Purpose, address string) {
	if address == "" {
		return
	}
	err := s.activities.Create(ctx, &model.IPActivity{
		ID:        uuid.New().String(),
		Address:   address,
		AccountID: account.ID,
		Purpose:   purpose,
		CreatedAt: s.now(),
	})
	if err != nil {
		s.logger.Warn("IPアクティビティの記録に失敗しました",
			slog.String("jid", account.JID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// welcome は登録完了後のウェルカムメッセージをXMPPで送る。失敗しても登録は成功として扱う。
func (s *Service) welcome(ctx context.Context, account *model.Account) {
	if s.opts.WelcomeMessage == "" {
		return
	}
	r := s.placeholders(account.JID)
	if err := s.backend.Message(ctx, account.JID, r.Replace(s.opts.WelcomeSubject), r.Replace(s.opts.WelcomeMessage)); err != nil {
		s.logger.Warn("ウェルカムメッセージの送信に失敗しました",
			slog.String("jid", account.JID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// placeholders はXMPPで送るメッセージのテンプレートの置換を返す。
func (s *Service) placeholders(j jid.JID) *strings.Replacer {
	return strings.NewReplacer(
		"{jid}", j.String(),
		"{node}", j.Node,
		"{domain}", j.Domain,
		"{base_url}", s.opts.BaseURL,
	)
}

func validateEmail(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", model.NewInvalidInputError("email", "メールアドレスを入力してください。")
	}
	addr, err := netmail.ParseAddress(raw)
	if err != nil || addr.Address != raw {
		return "", model.NewInvalidInputError("email", "メールアドレスの形式が正しくありません。")
	}
	return addr.Address, nil
}

func validatePassword(password, confirmation string) error {
	if password == "" {
		return model.NewInvalidInputError("password", "パスワードを入力してください。")
	}
	if password != confirmation {
		return model.NewInvalidInputError("password2", "確認用のパスワードが一致しません。")
	}
	return nil
}
