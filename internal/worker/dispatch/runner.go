// Package dispatch はキューに積まれた通知タスクをバックグラウンドで送信する。
// ランナー、リトライ/バックオフ戦略を含む。
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/xmppaccount/internal/metrics"
	"github.com/hitoshi/xmppaccount/internal/model"
	"github.com/hitoshi/xmppaccount/internal/repository"
)

// TaskSender は通知タスクを送信する。notify.Notifierが実装する。
type TaskSender interface {
	Send(ctx context.Context, task *model.NotificationTask) error
}

// Runner は通知タスクのポーリングと並列制御を行う。
// ティッカーで期限の来たタスクを取得し、
// semaphoreパターンで最大並列数を制御しながら送信を実行する。
type Runner struct {
	tasks          repository.TaskRepository
	sender         TaskSender
	metrics        metrics.MetricsCollector
	logger         *slog.Logger
	maxConcurrency int
	maxAttempts    int
	batchSize      int
	// staleAfter を過ぎても実行中のタスクはワーカーが落ちたものとみなして戻す
	staleAfter time.Duration
	now        func() time.Time
}

// NewRunner はRunnerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合は4、maxAttemptsが0以下の場合は8を使用する。
func NewRunner(
	tasks repository.TaskRepository,
	sender TaskSender,
	m metrics.MetricsCollector,
	logger *slog.Logger,
	maxConcurrency int,
	maxAttempts int,
) *Runner {
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	if maxAttempts <= 0 {
		maxAttempts = 8
	}
	if m == nil {
		m = metrics.Nop{}
	}
	return &Runner{
		tasks:          tasks,
		sender:         sender,
		metrics:        m,
		logger:         logger,
		maxConcurrency: maxConcurrency,
		maxAttempts:    maxAttempts,
		batchSize:      maxConcurrency * 4,
		staleAfter:     10 * time.Minute,
		now:            time.Now,
	}
}

// Start はinterval間隔のティッカーでランナーを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (r *Runner) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("通知ワーカーを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", r.maxConcurrency),
		slog.Int("max_attempts", r.maxAttempts),
	)

	// 起動直後に1回実行
	if err := r.RunOnce(ctx); err != nil {
		r.logger.Error("通知サイクルの実行に失敗しました", slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("通知ワーカーを停止しました")
			return
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				r.logger.Error("通知サイクルの実行に失敗しました", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce は期限の来たタスクを1回取得し、並列で送信する。
func (r *Runner) RunOnce(ctx context.Context) error {
	start := r.now()

	released, err := r.tasks.ReleaseStale(ctx, start.Add(-r.staleAfter))
	if err != nil {
		return err
	}
	if released > 0 {
		r.logger.Warn("実行中のまま残っていたタスクを戻しました", slog.Int64("count", released))
	}

	// FOR UPDATE SKIP LOCKEDで取得するため複数ワーカーでも重複しない
	due, err := r.tasks.ClaimDue(ctx, r.batchSize)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	sem := make(chan struct{}, r.maxConcurrency)
	var wg sync.WaitGroup

	for _, task := range due {
		wg.Add(1)
		sem <- struct{}{}

		go func(t *model.NotificationTask) {
			defer wg.Done()
			defer func() { <-sem }()
			r.process(ctx, t)
		}(task)
	}

	wg.Wait()

	r.logger.Info("通知サイクルが完了しました",
		slog.Int("task_count", len(due)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// process はタスク1件を送信し、結果に応じて削除・再スケジュール・失敗記録を行う。
func (r *Runner) process(ctx context.Context, t *model.NotificationTask) {
	sendErr := r.sender.Send(ctx, t)
	attempts := t.Attempts + 1
	outcome := Classify(sendErr, attempts, r.maxAttempts)
	r.metrics.RecordTaskOutcome(string(outcome))

	var err error
	switch outcome {
	case OutcomeSent:
		err = r.tasks.Complete(ctx, t.ID)
	case OutcomeRetry:
		delay := CalculateBackoff(attempts-1, sendErr)
		r.logger.Warn("通知の送信を再試行します",
			slog.String("task_id", t.ID),
			slog.Int("attempts", attempts),
			slog.Duration("delay", delay),
			slog.String("error", sendErr.Error()),
		)
		err = r.tasks.Reschedule(ctx, t.ID, attempts, r.now().Add(delay), sendErr.Error())
	case OutcomeFailed:
		r.logger.Error("通知の送信に失敗しました",
			slog.String("task_id", t.ID),
			slog.String("confirmation_id", t.ConfirmationID),
			slog.Int("attempts", attempts),
			slog.String("error", sendErr.Error()),
		)
		err = r.tasks.MarkFailed(ctx, t.ID, attempts, sendErr.Error())
	}
	if err != nil {
		r.logger.Error("タスク状態の更新に失敗しました",
			slog.String("task_id", t.ID),
			slog.String("error", err.Error()),
		)
	}
}
