// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/xmppaccount/internal/jid"
	"github.com/hitoshi/xmppaccount/internal/model"
)

// AccountRepository はアカウント補助情報の永続化インターフェース。
// パスワードや存在の真の状態はバックエンドが保持する。
type AccountRepository interface {
	// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Account, error)

	// FindByJID はJIDでアカウントを検索する。見つからない場合はnilを返す。
	FindByJID(ctx context.Context, j jid.JID) (*model.Account, error)

	// Create はアカウントを作成する。同じJIDが既に存在する場合はmodel.ErrUserExistsを返す。
	Create(ctx context.Context, account *model.Account) error

	// Update はメールアドレス・フィンガープリント・確認日時・登録経路を更新する。
	Update(ctx context.Context, account *model.Account) error

	// DeleteByID は指定IDのアカウントを削除する。
	// 関連するconfirmations、ip_activitiesはCASCADE削除される。
	DeleteByID(ctx context.Context, id string) error

	// ListUnconfirmedBefore は指定日時より前にWebから登録され、未確認のままのアカウントを返す。
	ListUnconfirmedBefore(ctx context.Context, before time.Time) ([]*model.Account, error)

	// ListWithoutEmailBefore は指定日時より前に登録され、確認済みメールアドレスを持たない
	// Web登録以外のアカウントを返す。
	ListWithoutEmailBefore(ctx context.Context, before time.Time) ([]*model.Account, error)

	// ListNodesByDomain はドメインに登録済みのノード名を返す。
	ListNodesByDomain(ctx context.Context, domain string) ([]string, error)
}

// ConfirmationRepository は確認トークンの永続化インターフェース。
type ConfirmationRepository interface {
	// Create はトークンを保存する。
	Create(ctx context.Context, c *model.Confirmation) error

	// FindByID は指定IDのトークンを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Confirmation, error)

	// FindValid はキーとpurposeが一致し、createdAfterより後に作成されたトークンを返す。
	// 見つからない場合はnilを返す。
	FindValid(ctx context.Context, key string, purpose model.Purpose, createdAfter time.Time) (*model.Confirmation, error)

	// Redeem はトークンを排他的にロックした状態でfnを実行し、
	// 成功した場合は同じアカウント・purposeのトークンをすべて削除する。
	// fnがエラーを返した場合はトークンを残す。
	// 有効なトークンが見つからない場合はmodel.ErrConfirmationNotFoundを返す。
	Redeem(ctx context.Context, key string, purpose model.Purpose, createdAfter time.Time, fn func(c *model.Confirmation) error) error

	// DeleteByAccountAndPurpose は指定アカウント・purposeのトークンをすべて削除する。
	DeleteByAccountAndPurpose(ctx context.Context, accountID string, purpose model.Purpose) (int64, error)

	// DeleteCreatedBefore は指定日時より前に作成されたトークンを削除する。
	DeleteCreatedBefore(ctx context.Context, before time.Time) (int64, error)
}

// ActivityRepository はIPアクティビティの永続化インターフェース。
type ActivityRepository interface {
	// Create はアクティビティを記録する。
	Create(ctx context.Context, activity *model.IPActivity) error

	// DeleteCreatedBefore は指定日時より前のアクティビティを削除する。
	DeleteCreatedBefore(ctx context.Context, before time.Time) (int64, error)
}

// TaskRepository は通知タスクキューの永続化インターフェース。
type TaskRepository interface {
	// Create はタスクを登録する。
	Create(ctx context.Context, task *model.NotificationTask) error

	// ClaimDue は実行予定時刻を過ぎた保留中タスクを最大limit件取得し、実行中に遷移させる。
	// 複数ワーカー間で同じタスクを重複取得しないようFOR UPDATE SKIP LOCKEDを使う。
	ClaimDue(ctx context.Context, limit int) ([]*model.NotificationTask, error)

	// Complete は送信済み（または送信不要）のタスクを削除する。
	Complete(ctx context.Context, id string) error

	// Reschedule はタスクを保留中に戻し、次回実行時刻とエラー内容を記録する。
	Reschedule(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, lastError string) error

	// MarkFailed はタスクを恒久的な失敗として記録する。
	MarkFailed(ctx context.Context, id string, attempts int, lastError string) error

	// ReleaseStale は指定日時より前から実行中のままのタスクを保留中に戻す。
	ReleaseStale(ctx context.Context, before time.Time) (int64, error)

	// DeleteFailedBefore は指定日時より前に作成された失敗タスクを削除する。
	DeleteFailedBefore(ctx context.Context, before time.Time) (int64, error)
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
