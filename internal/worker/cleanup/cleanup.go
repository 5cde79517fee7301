// Package cleanup は定期実行の後片付けジョブを提供する。
// 期限切れの予約の取り消し、未使用の確認トークンの削除、
// 保持期間を過ぎたIPアクティビティと失敗タスクの削除を行う。
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// ReservationExpirer は確認されないまま期限を過ぎた登録を取り消す。account.Serviceが実装する。
type ReservationExpirer interface {
	ExpireReservations(ctx context.Context) (int, error)
}

// TokenSweeper は期限切れの確認トークンを削除する。confirm.Storeが実装する。
type TokenSweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

// ActivityPruner は古いIPアクティビティを削除する。
type ActivityPruner interface {
	DeleteCreatedBefore(ctx context.Context, before time.Time) (int64, error)
}

// FailedTaskPruner は古い失敗タスクを削除する。
type FailedTaskPruner interface {
	DeleteFailedBefore(ctx context.Context, before time.Time) (int64, error)
}

// CleanupJob は後片付けのバッチジョブ。
// 各ステップは冪等で、1つが失敗しても残りのステップは実行する。
type CleanupJob struct {
	reservations ReservationExpirer
	tokens       TokenSweeper
	activities   ActivityPruner
	tasks        FailedTaskPruner // 非同期送信を使わない構成ではnil
	logger       *slog.Logger
	now          func() time.Time

	ActivityRetention   time.Duration // IPアクティビティの保持期間（デフォルト: 31日）
	FailedTaskRetention time.Duration // 失敗タスクの保持期間（デフォルト: 30日）
}

// NewCleanupJob は新しいCleanupJobを生成する。tasksはnilでもよい。
func NewCleanupJob(
	reservations ReservationExpirer,
	tokens TokenSweeper,
	activities ActivityPruner,
	tasks FailedTaskPruner,
	logger *slog.Logger,
) *CleanupJob {
	return &CleanupJob{
		reservations:        reservations,
		tokens:              tokens,
		activities:          activities,
		tasks:               tasks,
		logger:              logger,
		now:                 time.Now,
		ActivityRetention:   744 * time.Hour,
		FailedTaskRetention: 720 * time.Hour,
	}
}

// Run は全ステップを1回実行する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := j.now()
	var errs []error

	expired, err := j.reservations.ExpireReservations(ctx)
	if err != nil {
		j.logger.Error("期限切れ登録の取り消しに失敗しました", slog.String("error", err.Error()))
		errs = append(errs, fmt.Errorf("予約の取り消し: %w", err))
	}

	swept, err := j.tokens.Sweep(ctx)
	if err != nil {
		j.logger.Error("確認トークンの削除に失敗しました", slog.String("error", err.Error()))
		errs = append(errs, fmt.Errorf("トークンの削除: %w", err))
	}

	pruned, err := j.activities.DeleteCreatedBefore(ctx, start.Add(-j.ActivityRetention))
	if err != nil {
		j.logger.Error("IPアクティビティの削除に失敗しました", slog.String("error", err.Error()))
		errs = append(errs, fmt.Errorf("アクティビティの削除: %w", err))
	}

	var failed int64
	if j.tasks != nil {
		failed, err = j.tasks.DeleteFailedBefore(ctx, start.Add(-j.FailedTaskRetention))
		if err != nil {
			j.logger.Error("失敗タスクの削除に失敗しました", slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("失敗タスクの削除: %w", err))
		}
	}

	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int("expired_reservations", expired),
		slog.Int64("deleted_confirmations", swept),
		slog.Int64("deleted_activities", pruned),
		slog.Int64("deleted_failed_tasks", failed),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return errors.Join(errs...)
}

// ParseSchedule は標準のcron式（@dailyなどの記述子を含む）を解析する。
func ParseSchedule(expr string) (cron.Schedule, error) {
	s, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("クリーンアップのスケジュールが不正です %q: %w", expr, err)
	}
	return s, nil
}

// Schedule はexprに従ってRunを繰り返し実行する。
// コンテキストがキャンセルされると実行中のジョブの終了を待って戻る。
func (j *CleanupJob) Schedule(ctx context.Context, expr string) error {
	schedule, err := ParseSchedule(expr)
	if err != nil {
		return err
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(schedule, cron.FuncJob(func() {
		if err := j.Run(ctx); err != nil {
			j.logger.Error("クリーンアップジョブの実行に失敗しました", slog.String("error", err.Error()))
		}
	}))
	c.Start()

	j.logger.Info("クリーンアップジョブをスケジュールしました",
		slog.String("schedule", expr),
		slog.Time("next", schedule.Next(j.now())),
	)

	<-ctx.Done()
	<-c.Stop().Done()
	j.logger.Info("クリーンアップジョブを停止しました")
	return nil
}
