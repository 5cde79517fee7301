// Package dispatch は確認メールをその場で送信するか、キューに積んでワーカーに任せるかを切り替える。
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/xmppaccount/internal/model"
	"github.com/hitoshi/xmppaccount/internal/repository"
)

// Dispatcher は通知タスクを受け付ける。
type Dispatcher interface {
	Dispatch(ctx context.Context, task *model.NotificationTask) error
}

// TaskSender は通知タスクを処理してメールを送信する。notify.Notifierが実装する。
type TaskSender interface {
	Send(ctx context.Context, task *model.NotificationTask) error
}

// Inline はリクエストを処理しているgoroutineでそのまま送信する。
// 送信が終わるまで呼び出し元はブロックされる。
type Inline struct {
	sender TaskSender
}

// NewInline はInlineの新しいインスタンスを生成する。
func NewInline(sender TaskSender) *Inline {
	return &Inline{sender: sender}
}

// Dispatch はタスクを即座に送信する。
func (d *Inline) Dispatch(ctx context.Context, task *model.NotificationTask) error {
	return d.sender.Send(ctx, task)
}

// Queue はタスクを永続化し、worker/dispatchのRunnerに送信を任せる。
type Queue struct {
	repo   repository.TaskRepository
	logger *slog.Logger
	now    func() time.Time
}

// NewQueue はQueueの新しいインスタンスを生成する。
func NewQueue(repo repository.TaskRepository, logger *slog.Logger) *Queue {
	return &Queue{repo: repo, logger: logger, now: time.Now}
}

// Dispatch はタスクを保留状態で登録する。
func (d *Queue) Dispatch(ctx context.Context, task *model.NotificationTask) error {
	now := d.now()
	task.ID = uuid.New().String()
	task.Status = model.TaskStatusPending
	task.Attempts = 0
	task.NextAttemptAt = now
	task.CreatedAt = now
	if task.Lang == "" {
		task.Lang = "en"
	}

	if err := d.repo.Create(ctx, task); err != nil {
		return fmt.Errorf("通知タスクの登録に失敗しました: %w", err)
	}
	d.logger.Debug("通知タスクを登録しました",
		slog.String("task_id", task.ID),
		slog.String("confirmation_id", task.ConfirmationID),
	)
	return nil
}

var (
	_ Dispatcher = (*Inline)(nil)
	_ Dispatcher = (*Queue)(nil)
)
