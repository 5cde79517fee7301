// Package backend はXMPPサーバー（アカウントの認証情報を保持する外部ディレクトリ）への
// 操作を抽象化する。実装を差し替えても上位のワークフローが同じ契約とエラー分類で動作するように、
// 全実装は model.ErrUserExists / model.ErrUserNotFound / *model.BackendError /
// *model.TemporaryError のいずれかでエラーを返す。
package backend

import (
	"context"
	"crypto/rand"

	"github.com/hitoshi/xmppaccount/internal/jid"
)

// Backend は全実装が提供するアカウント操作の契約。
// passwordが空文字列の場合は「パスワードなし」を意味する。
type Backend interface {
	// Exists はアカウントが存在するかを返す。
	Exists(ctx context.Context, j jid.JID) (bool, error)
	// Create はアカウントを作成する。passwordが空の場合は内部で生成したパスワードを設定し、
	// 誰もログインできない予約状態にする。予約ポリシーのドメインで既に予約済みの場合は
	// パスワードとメールアドレスの更新のみを行う。既存の場合はmodel.ErrUserExistsを返す。
	Create(ctx context.Context, j jid.JID, password, email string) error
	// CheckPassword はパスワードが一致するかを返す。アカウントが存在しない場合はfalse。
	CheckPassword(ctx context.Context, j jid.JID, password string) (bool, error)
	// SetPassword はパスワードを変更する。
	SetPassword(ctx context.Context, j jid.JID, password string) error
	// SetEmail はメールアドレスを設定する。書き込みのみ対応するバックエンドでは何もしない。
	SetEmail(ctx context.Context, j jid.JID, email string) error
	// CheckEmail はメールアドレスが一致するかを返す。
	CheckEmail(ctx context.Context, j jid.JID, email string) (bool, error)
	// AllUsers はドメインに登録された全ユーザーのnode部を返す。
	AllUsers(ctx context.Context, domain string) ([]string, error)
	// Remove はアカウントを削除する。
	Remove(ctx context.Context, j jid.JID) error
}

// Reserver はログイン不能な予約を独自に実装するバックエンド。
type Reserver interface {
	Reserve(ctx context.Context, j jid.JID, email string) error
}

// Expirer は確認期限切れの予約を独自に処理するバックエンド。
type Expirer interface {
	Expire(ctx context.Context, j jid.JID) error
}

// UnusablePasswordSetter はログイン不能なパスワード状態を独自に設定できるバックエンド。
type UnusablePasswordSetter interface {
	SetUnusablePassword(ctx context.Context, j jid.JID) error
}

// UsablePasswordChecker はパスワードが利用可能かを判定できるバックエンド。
type UsablePasswordChecker interface {
	HasUsablePassword(ctx context.Context, j jid.JID) (bool, error)
}

// Messenger はアカウントへ帯域外のメッセージを送信できるバックエンド。
type Messenger interface {
	Message(ctx context.Context, j jid.JID, subject, body string) error
}

// ReservePolicy はドメインごとの予約（二段階作成）ポリシーを返す。
// config.Hosts が実装する。
type ReservePolicy interface {
	Reserves(domain string) bool
}

// noReserve は予約ポリシーを持たないドメイン設定。
type noReserve struct{}

func (noReserve) Reserves(string) bool { return false }

func policyOrDefault(p ReservePolicy) ReservePolicy {
	if p == nil {
		return noReserve{}
	}
	return p
}

// randomPassword は予約やログイン不能化に使う推測不能なパスワードを生成する。
func randomPassword() string {
	return rand.Text() + rand.Text()[:6]
}

// completeReservation は予約ドメインでパスワード付きのCreateが呼ばれた際に、
// 予約済みアカウントのパスワードとメールアドレスを更新する。
// 処理した場合はtrueを返し、呼び出し元は通常の作成を行わない。
// アカウントがまだ存在しない場合は通常の作成にフォールバックさせる。
func completeReservation(ctx context.Context, b Backend, policy ReservePolicy, j jid.JID, password, email string) (bool, error) {
	if password == "" || !policy.Reserves(j.Domain) {
		return false, nil
	}

	exists, err := b.Exists(ctx, j)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}

	if err := b.SetPassword(ctx, j, password); err != nil {
		return true, err
	}
	if err := b.SetEmail(ctx, j, email); err != nil {
		return true, err
	}
	return true, nil
}
