package dispatch

import (
	"time"

	"github.com/hitoshi/xmppaccount/internal/model"
)

const (
	// initialBackoff は指数バックオフの初回遅延（30秒）。
	initialBackoff = 30 * time.Second
	// maxBackoff は指数バックオフの最大遅延（1時間）。
	maxBackoff = time.Hour
)

// CalculateBackoff は失敗回数に基づいて指数バックオフ遅延を計算する。
// 初回30秒、2倍ずつ増加、最大1時間。
// TemporaryErrorがRetryAfterを持つ場合はそれより短くしない。
func CalculateBackoff(failures int, err error) time.Duration {
	delay := initialBackoff
	for i := 0; i < failures; i++ {
		delay *= 2
		if delay > maxBackoff {
			delay = maxBackoff
			break
		}
	}
	if after := model.RetryAfter(err); after > delay {
		delay = min(after, maxBackoff)
	}
	return delay
}

// Outcome はタスク1件の処理結果。
type Outcome string

const (
	OutcomeSent   Outcome = "sent"
	OutcomeRetry  Outcome = "retry"
	OutcomeFailed Outcome = "failed"
)

// Classify は送信エラーと試行回数から次の扱いを決める。
// 再試行するのは一時的なエラーだけで、試行回数がmaxAttemptsに達したら失敗とする。
func Classify(err error, attempts, maxAttempts int) Outcome {
	switch {
	case err == nil:
		return OutcomeSent
	case model.IsTemporary(err) && attempts < maxAttempts:
		return OutcomeRetry
	default:
		return OutcomeFailed
	}
}
