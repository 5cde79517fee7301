package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/xmppaccount/internal/jid"
	"github.com/hitoshi/xmppaccount/internal/model"
)

// ExpireReservations は確認期限を過ぎても確認されなかったWeb登録を取り消す。
// このサービスの記録を削除し、RESERVEポリシーのドメインでは予約したバックエンドのアカウントにExpireを呼ぶ（既定はRemove）。
// それ以外のドメインではこのサービスがバックエンドのアカウントを作っていないため、バックエンドには触れない。
// 一時的なエラーのアカウントは次回に持ち越す。
func (s *Service) ExpireReservations(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.confirmations.TTL())
	accounts, err := s.accounts.ListUnconfirmedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("期限切れ登録の取得に失敗しました: %w", err)
	}

	expired := 0
	var errs []error
	for _, a := range accounts {
		var err error
		if host, ok := s.hosts.Lookup(a.JID.Domain); ok && host.Reserve {
			err = s.backend.Expire(ctx, a.JID)
		}
		if err != nil && !errors.Is(err, model.ErrUserNotFound) {
			s.logger.Warn("予約の取り消しに失敗しました",
				slog.String("jid", a.JID.String()),
				slog.String("error", err.Error()),
			)
			if !model.IsTemporary(err) {
				errs = append(errs, err)
			}
			continue
		}
		if err := s.accounts.DeleteByID(ctx, a.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		expired++
	}

	if expired > 0 {
		s.logger.Info("期限切れの登録を取り消しました", slog.Int("count", expired))
	}
	return expired, errors.Join(errs...)
}

// reminderGrace は登録直後のアカウントにメールアドレス設定の催促を送らない猶予。
const reminderGrace = 6 * time.Hour

// NotifyUnconfirmed は確認済みメールアドレスを持たないアカウントに、
// メールアドレスの設定を促すメッセージをXMPPで送る。送信した件数を返す。
// Web管理が許可されていないドメインや、バックエンドから消えたアカウントは対象外。
func (s *Service) NotifyUnconfirmed(ctx context.Context) (int, error) {
	if s.opts.ReminderMessage == "" {
		return 0, nil
	}
	since := s.now().Add(-s.confirmations.TTL() - reminderGrace)
	accounts, err := s.accounts.ListWithoutEmailBefore(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("メールアドレス未設定のアカウントの取得に失敗しました: %w", err)
	}

	sent := 0
	var errs []error
	for _, a := range accounts {
		if host, ok := s.hosts.Lookup(a.JID.Domain); !ok || !host.Manage {
			continue
		}
		exists, err := s.backend.Exists(ctx, a.JID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !exists {
			continue
		}

		r := s.placeholders(a.JID)
		if err := s.backend.Message(ctx, a.JID, r.Replace(s.opts.ReminderSubject), r.Replace(s.opts.ReminderMessage)); err != nil {
			s.logger.Warn("メールアドレス設定の催促に失敗しました",
				slog.String("jid", a.JID.String()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
			continue
		}
		sent++
	}

	s.logger.Info("メールアドレス設定を催促しました",
		slog.Int("candidates", len(accounts)),
		slog.Int("sent", sent),
	)
	return sent, errors.Join(errs...)
}

// Sync はバックエンドに存在するがこのサービスに記録のないアカウント（In-Band登録など）を取り込む。
// domainが空の場合は設定済みの全ドメインを対象にする。取り込んだ件数を返す。
func (s *Service) Sync(ctx context.Context, domain string) (int, error) {
	domains := s.hosts.Domains()
	if domain != "" {
		d, err := jid.NormalizeDomain(domain)
		if err != nil {
			return 0, model.NewInvalidInputError("domain", err.Error())
		}
		if _, ok := s.hosts.Lookup(d); !ok {
			return 0, model.NewInvalidInputError("domain", fmt.Sprintf("このサイトでは扱っていないドメインです: %s", d))
		}
		domains = []string{d}
	}

	imported := 0
	for _, d := range domains {
		n, err := s.syncDomain(ctx, d)
		imported += n
		if err != nil {
			return imported, err
		}
	}
	return imported, nil
}

func (s *Service) syncDomain(ctx context.Context, domain string) (int, error) {
	users, err := s.backend.AllUsers(ctx, domain)
	if err != nil {
		return 0, err
	}
	known, err := s.accounts.ListNodesByDomain(ctx, domain)
	if err != nil {
		return 0, err
	}
	slices.Sort(known)

	imported := 0
	for _, node := range users {
		j, err := jid.New(node, domain)
		if err != nil {
			s.logger.Warn("取り込めないユーザー名をスキップしました",
				slog.String("domain", domain),
				slog.String("node", node),
			)
			continue
		}
		if _, found := slices.BinarySearch(known, j.Node); found {
			continue
		}
		err = s.accounts.Create(ctx, &model.Account{
			ID:                 uuid.New().String(),
			JID:                j,
			RegistrationMethod: model.RegistrationInband,
			RegisteredAt:       s.now(),
		})
		if err != nil && !errors.Is(err, model.ErrUserExists) {
			return imported, err
		}
		if err == nil {
			imported++
		}
	}

	s.logger.Info("バックエンドのアカウントを取り込みました",
		slog.String("domain", domain),
		slog.Int("backend_users", len(users)),
		slog.Int("imported", imported),
	)
	return imported, nil
}
