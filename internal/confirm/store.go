// Package confirm は確認トークンの発行・検証・消費・期限切れ削除を提供する。
// トークンはメールアドレスの所有確認を経るまでアカウントへの変更を保留するために使う。
package confirm

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/xmppaccount/internal/metrics"
	"github.com/hitoshi/xmppaccount/internal/model"
	"github.com/hitoshi/xmppaccount/internal/repository"
)

const (
	// saltSize はキー導出ごとに付与するランダムソルトのバイト数。
	saltSize = 32
	// KeyLength はトークンキーの文字数（SHA-256の16進表現）。
	KeyLength = 64
)

// 引き換え結果のメトリクスラベル
const (
	outcomeRedeemed = "redeemed"
	outcomeNotFound = "not_found"
	outcomeRejected = "rejected"
)

var keyPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ValidKey はキーが発行しうる形式かを返す。形式外のキーはストアを参照せずに未検出として扱う。
func ValidKey(key string) bool {
	return keyPattern.MatchString(key)
}

// Store は確認トークンのストア。
type Store struct {
	repo    repository.ConfirmationRepository
	secret  []byte
	ttl     time.Duration
	metrics metrics.MetricsCollector
	logger  *slog.Logger
	now     func() time.Time
}

// NewStore はStoreの新しいインスタンスを生成する。
func NewStore(repo repository.ConfirmationRepository, secret string, ttl time.Duration, m metrics.MetricsCollector, logger *slog.Logger) *Store {
	if m == nil {
		m = metrics.Nop{}
	}
	return &Store{
		repo:    repo,
		secret:  []byte(secret),
		ttl:     ttl,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// TTL はトークンの有効期間を返す。
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// cutoff はこの時刻以前に作成されたトークンを無効とみなす境界。
func (s *Store) cutoff() time.Time {
	return s.now().Add(-s.ttl)
}

// deriveKey はシークレットと呼び出しごとのランダムソルトを鍵にしたHMAC-SHA256でキーを導出する。
// アカウントの公開情報だけからは予測できない。
func (s *Store) deriveKey(account *model.Account, email string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("ソルトの生成に失敗しました: %w", err)
	}

	key := make([]byte, 0, len(s.secret)+saltSize)
	key = append(key, s.secret...)
	key = append(key, salt...)

	mac := hmac.New(sha256.New, key)
	fmt.Fprintf(mac, "%s-%s-%s", email, account.JID.Node, account.JID.Domain)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Issue はアカウントとpurposeに対する新しいトークンを発行する。
// 同じアカウント・purposeの未使用トークンは残し、並行して有効なまま扱う。
func (s *Store) Issue(ctx context.Context, account *model.Account, purpose model.Purpose, payload model.Payload) (*model.Confirmation, error) {
	email := payload.Email
	if email == "" {
		email = account.Email
	}

	key, err := s.deriveKey(account, email)
	if err != nil {
		return nil, err
	}

	c := &model.Confirmation{
		ID:        uuid.New().String(),
		Key:       key,
		AccountID: account.ID,
		Purpose:   purpose,
		Payload:   payload,
		CreatedAt: s.now(),
	}
	if err := s.repo.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("確認トークンの保存に失敗しました: %w", err)
	}

	s.metrics.RecordConfirmationIssued(string(purpose))
	s.logger.Info("確認トークンを発行しました",
		slog.String("jid", account.JID.String()),
		slog.String("purpose", string(purpose)),
		slog.String("confirmation_id", c.ID),
	)
	return c, nil
}

// Redeem はキーとpurposeが一致し、有効期限内のトークンを返す。
// 存在しない・purposeが異なる・期限切れはすべてmodel.ErrConfirmationNotFoundとなり区別しない。
// トークンは削除しないため、変更の適用後にConsumeを呼ぶ必要がある。
func (s *Store) Redeem(ctx context.Context, key string, purpose model.Purpose) (*model.Confirmation, error) {
	if !ValidKey(key) {
		return nil, model.ErrConfirmationNotFound
	}
	c, err := s.repo.FindValid(ctx, key, purpose, s.cutoff())
	if err != nil {
		return nil, fmt.Errorf("確認トークンの検索に失敗しました: %w", err)
	}
	if c == nil {
		return nil, model.ErrConfirmationNotFound
	}
	return c, nil
}

// Consume はトークンと、同じアカウント・purposeの他のトークンをすべて削除する。
func (s *Store) Consume(ctx context.Context, c *model.Confirmation) error {
	if _, err := s.repo.DeleteByAccountAndPurpose(ctx, c.AccountID, c.Purpose); err != nil {
		return fmt.Errorf("確認トークンの削除に失敗しました: %w", err)
	}
	return nil
}

// Confirm はトークンを排他的に引き換えてfnを実行し、成功した場合のみ消費する。
// 同じキーに対する並行したConfirmのうちfnが成功するのは1回だけで、
// 後続はmodel.ErrConfirmationNotFoundとなる。fnが失敗した場合はトークンが残り再試行できる。
func (s *Store) Confirm(ctx context.Context, key string, purpose model.Purpose, fn func(c *model.Confirmation) error) error {
	if !ValidKey(key) {
		s.metrics.RecordConfirmationRedeemed(string(purpose), outcomeNotFound)
		return model.ErrConfirmationNotFound
	}

	err := s.repo.Redeem(ctx, key, purpose, s.cutoff(), fn)
	switch {
	case err == nil:
		s.metrics.RecordConfirmationRedeemed(string(purpose), outcomeRedeemed)
	case errors.Is(err, model.ErrConfirmationNotFound):
		s.metrics.RecordConfirmationRedeemed(string(purpose), outcomeNotFound)
	default:
		s.metrics.RecordConfirmationRedeemed(string(purpose), outcomeRejected)
	}
	return err
}

// Sweep は有効期限を過ぎたトークンを削除し、削除件数を返す。
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	n, err := s.repo.DeleteCreatedBefore(ctx, s.cutoff())
	if err != nil {
		return 0, fmt.Errorf("期限切れトークンの削除に失敗しました: %w", err)
	}
	if n > 0 {
		s.logger.Info("期限切れの確認トークンを削除しました", slog.Int64("count", n))
	}
	return n, nil
}

// Get はIDでトークンを取得する。消費済みまたは期限切れの場合はnilを返す。
// 非同期送信のワーカーがタスク処理時に再取得するために使う。
func (s *Store) Get(ctx context.Context, id string) (*model.Confirmation, error) {
	c, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("確認トークンの取得に失敗しました: %w", err)
	}
	if c == nil || !c.ValidAt(s.now(), s.ttl) {
		return nil, nil
	}
	return c, nil
}
