package model

import "time"

// TaskStatus は通知タスクの状態を表す。
type TaskStatus string

const (
	// TaskStatusPending は送信待ち。
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusRunning はワーカーが処理中。
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusFailed はリトライ上限に達したタスク。
	TaskStatusFailed TaskStatus = "failed"
)

// NotificationTask は確認メールの非同期送信タスク。
// ワーカーはConfirmationIDからトークンを再取得し、メッセージを組み立て直して送信する。
type NotificationTask struct {
	ID             string
	ConfirmationID string
	CallbackURI    string
	Domain         string // サイト設定（XMPP_HOSTS）のキー
	Lang           string
	Status         TaskStatus
	Attempts       int
	LastError      string
	NextAttemptAt  time.Time
	CreatedAt      time.Time
}
