package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/xmppaccount/internal/model"
)

// PostgresTaskRepo はPostgreSQLを使用した通知タスクキュー。
type PostgresTaskRepo struct {
	db *sql.DB
}

// NewPostgresTaskRepo はPostgresTaskRepoを生成する。
func NewPostgresTaskRepo(db *sql.DB) *PostgresTaskRepo {
	return &PostgresTaskRepo{db: db}
}

const taskColumns = `id, confirmation_id, callback_uri, domain, lang, status, attempts, last_error, next_attempt_at, created_at`

// Create はタスクを登録する。
func (r *PostgresTaskRepo) Create(ctx context.Context, t *model.NotificationTask) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO notification_tasks (id, confirmation_id, callback_uri, domain, lang, status, attempts, next_attempt_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, t.ConfirmationID, t.CallbackURI, t.Domain, t.Lang,
		string(t.Status), t.Attempts, t.NextAttemptAt, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("通知タスクの登録に失敗しました: %w", err)
	}
	return nil
}

// ClaimDue は実行予定時刻を過ぎた保留中タスクを取得し、実行中に遷移させる。
// FOR UPDATE SKIP LOCKEDにより複数ワーカーが同じタスクを取得することはない。
func (r *PostgresTaskRepo) ClaimDue(ctx context.Context, limit int) ([]*model.NotificationTask, error) {
	rows, err := r.db.QueryContext(ctx,
		`UPDATE notification_tasks SET status = 'running', next_attempt_at = now()
		 WHERE id IN (
		     SELECT id FROM notification_tasks
		     WHERE status = 'pending' AND next_attempt_at <= now()
		     ORDER BY next_attempt_at ASC
		     LIMIT $1
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+taskColumns,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("実行対象タスクの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var tasks []*model.NotificationTask
	for rows.Next() {
		t := &model.NotificationTask{}
		var status string
		var lastError sql.NullString
		if err := rows.Scan(
			&t.ID, &t.ConfirmationID, &t.CallbackURI, &t.Domain, &t.Lang,
			&status, &t.Attempts, &lastError, &t.NextAttemptAt, &t.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("実行対象タスクの読み取りに失敗しました: %w", err)
		}
		t.Status = model.TaskStatus(status)
		t.LastError = nullStringValue(lastError)
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("実行対象タスクの読み取りに失敗しました: %w", err)
	}
	return tasks, nil
}

// Complete は送信済みのタスクを削除する。
func (r *PostgresTaskRepo) Complete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM notification_tasks WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("通知タスクの完了処理に失敗しました: %w", err)
	}
	return nil
}

// Reschedule はタスクを保留中に戻し、次回実行時刻を設定する。
func (r *PostgresTaskRepo) Reschedule(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, lastError string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE notification_tasks
		 SET status = 'pending', attempts = $2, next_attempt_at = $3, last_error = $4
		 WHERE id = $1`,
		id, attempts, nextAttemptAt, nullString(lastError),
	)
	if err != nil {
		return fmt.Errorf("通知タスクの再スケジュールに失敗しました: %w", err)
	}
	return nil
}

// MarkFailed はタスクを恒久的な失敗として記録する。
func (r *PostgresTaskRepo) MarkFailed(ctx context.Context, id string, attempts int, lastError string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE notification_tasks
		 SET status = 'failed', attempts = $2, last_error = $3
		 WHERE id = $1`,
		id, attempts, nullString(lastError),
	)
	if err != nil {
		return fmt.Errorf("通知タスクの失敗記録に失敗しました: %w", err)
	}
	return nil
}

// ReleaseStale はワーカー停止などで実行中のまま残ったタスクを保留中に戻す。
func (r *PostgresTaskRepo) ReleaseStale(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE notification_tasks SET status = 'pending'
		 WHERE status = 'running' AND next_attempt_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("滞留タスクの解放に失敗しました: %w", err)
	}
	return result.RowsAffected()
}

// DeleteFailedBefore は指定日時より前に作成された失敗タスクを削除する。
func (r *PostgresTaskRepo) DeleteFailedBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM notification_tasks WHERE status = 'failed' AND created_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("失敗タスクの削除に失敗しました: %w", err)
	}
	return result.RowsAffected()
}

// compile-time interface check
var _ TaskRepository = (*PostgresTaskRepo)(nil)
