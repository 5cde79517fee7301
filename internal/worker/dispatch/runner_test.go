package dispatch

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/xmppaccount/internal/model"
)

// --- モック定義 ---

// mockTaskRepo はTaskRepositoryのテスト用モック。
type mockTaskRepo struct {
	mu sync.Mutex

	claimDueFunc     func(ctx context.Context, limit int) ([]*model.NotificationTask, error)
	releaseStaleFunc func(ctx context.Context, before time.Time) (int64, error)

	completed   []string
	rescheduled map[string]time.Time
	failed      map[string]int
	lastErrors  map[string]string
}

func newMockTaskRepo() *mockTaskRepo {
	return &mockTaskRepo{
		rescheduled: map[string]time.Time{},
		failed:      map[string]int{},
		lastErrors:  map[string]string{},
	}
}

func (m *mockTaskRepo) Create(ctx context.Context, task *model.NotificationTask) error { return nil }

func (m *mockTaskRepo) ClaimDue(ctx context.Context, limit int) ([]*model.NotificationTask, error) {
	if m.claimDueFunc != nil {
		return m.claimDueFunc(ctx, limit)
	}
	return nil, nil
}

func (m *mockTaskRepo) Complete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed = append(m.completed, id)
	return nil
}

func (m *mockTaskRepo) Reschedule(ctx context.Context, id string, attempts int, next time.Time, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rescheduled[id] = next
	m.lastErrors[id] = lastError
	return nil
}

func (m *mockTaskRepo) MarkFailed(ctx context.Context, id string, attempts int, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed[id] = attempts
	m.lastErrors[id] = lastError
	return nil
}

func (m *mockTaskRepo) ReleaseStale(ctx context.Context, before time.Time) (int64, error) {
	if m.releaseStaleFunc != nil {
		return m.releaseStaleFunc(ctx, before)
	}
	return 0, nil
}

func (m *mockTaskRepo) DeleteFailedBefore(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

// mockSender はTaskSenderのテスト用モック。
type mockSender struct {
	sendFunc func(ctx context.Context, task *model.NotificationTask) error
}

func (m *mockSender) Send(ctx context.Context, task *model.NotificationTask) error {
	if m.sendFunc != nil {
		return m.sendFunc(ctx, task)
	}
	return nil
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func tasks(ids ...string) []*model.NotificationTask {
	out := make([]*model.NotificationTask, 0, len(ids))
	for _, id := range ids {
		out = append(out, &model.NotificationTask{ID: id, ConfirmationID: "c-" + id, Status: model.TaskStatusRunning})
	}
	return out
}

// --- テスト ---

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 30 * time.Second},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{5, 16 * time.Minute},
		{7, time.Hour},
		{20, time.Hour},
	}
	for _, tt := range tests {
		if got := CalculateBackoff(tt.failures, nil); got != tt.want {
			t.Errorf("CalculateBackoff(%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}

func TestCalculateBackoff_RespectsRetryAfter(t *testing.T) {
	err := &model.TemporaryError{Op: "lock", RetryAfter: 2 * time.Minute}
	if got := CalculateBackoff(0, err); got != 2*time.Minute {
		t.Errorf("got %v, want 2m", got)
	}
	err.RetryAfter = 5 * time.Hour
	if got := CalculateBackoff(0, err); got != time.Hour {
		t.Errorf("got %v, want capped 1h", got)
	}
}

func TestClassify(t *testing.T) {
	temp := &model.TemporaryError{Op: "smtp send", Err: errors.New("451")}
	perm := errors.New("550 no such user")

	tests := []struct {
		name     string
		err      error
		attempts int
		want     Outcome
	}{
		{"成功", nil, 1, OutcomeSent},
		{"一時的エラーは再試行", temp, 1, OutcomeRetry},
		{"上限到達で失敗", temp, 8, OutcomeFailed},
		{"恒久的エラーは即失敗", perm, 1, OutcomeFailed},
		{"GPGエラーは即失敗", model.NewGpgKeyError("bad key", nil), 1, OutcomeFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err, tt.attempts, 8); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRunner_RunOnce_NoTasks(t *testing.T) {
	var buf bytes.Buffer
	repo := newMockTaskRepo()
	var called atomic.Bool
	sender := &mockSender{sendFunc: func(ctx context.Context, task *model.NotificationTask) error {
		called.Store(true)
		return nil
	}}

	r := NewRunner(repo, sender, nil, newTestLogger(&buf), 2, 3)
	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}
	if called.Load() {
		t.Error("タスクがない場合は送信してはならない")
	}
}

func TestRunner_RunOnce_HandlesOutcomes(t *testing.T) {
	var buf bytes.Buffer
	repo := newMockTaskRepo()
	repo.claimDueFunc = func(ctx context.Context, limit int) ([]*model.NotificationTask, error) {
		ts := tasks("ok", "temp", "perm", "exhausted")
		ts[3].Attempts = 2
		return ts, nil
	}
	sender := &mockSender{sendFunc: func(ctx context.Context, task *model.NotificationTask) error {
		switch task.ID {
		case "temp", "exhausted":
			return &model.TemporaryError{Op: "smtp send", Err: errors.New("421 busy")}
		case "perm":
			return errors.New("550 rejected")
		}
		return nil
	}}

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r := NewRunner(repo, sender, nil, newTestLogger(&buf), 2, 3)
	r.now = func() time.Time { return now }

	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}

	if len(repo.completed) != 1 || repo.completed[0] != "ok" {
		t.Errorf("completed = %v, want [ok]", repo.completed)
	}
	next, ok := repo.rescheduled["temp"]
	if !ok {
		t.Fatal("一時的エラーのタスクが再スケジュールされていない")
	}
	if want := now.Add(30 * time.Second); !next.Equal(want) {
		t.Errorf("next attempt = %v, want %v", next, want)
	}
	if repo.failed["perm"] != 1 {
		t.Errorf("perm attempts = %d, want 1", repo.failed["perm"])
	}
	if repo.failed["exhausted"] != 3 {
		t.Errorf("exhausted attempts = %d, want 3", repo.failed["exhausted"])
	}
	if repo.lastErrors["perm"] != "550 rejected" {
		t.Errorf("last error = %q", repo.lastErrors["perm"])
	}
}

func TestRunner_RunOnce_LimitsConcurrency(t *testing.T) {
	var buf bytes.Buffer
	repo := newMockTaskRepo()
	repo.claimDueFunc = func(ctx context.Context, limit int) ([]*model.NotificationTask, error) {
		return tasks("a", "b", "c", "d", "e", "f"), nil
	}

	var current, peak atomic.Int32
	sender := &mockSender{sendFunc: func(ctx context.Context, task *model.NotificationTask) error {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		current.Add(-1)
		return nil
	}}

	r := NewRunner(repo, sender, nil, newTestLogger(&buf), 2, 3)
	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}
	if peak.Load() > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak.Load())
	}
	if len(repo.completed) != 6 {
		t.Errorf("completed = %d, want 6", len(repo.completed))
	}
}

func TestRunner_RunOnce_ReleasesStaleTasks(t *testing.T) {
	var buf bytes.Buffer
	repo := newMockTaskRepo()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var cutoff time.Time
	repo.releaseStaleFunc = func(ctx context.Context, before time.Time) (int64, error) {
		cutoff = before
		return 1, nil
	}

	r := NewRunner(repo, &mockSender{}, nil, newTestLogger(&buf), 1, 1)
	r.now = func() time.Time { return now }
	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}
	if want := now.Add(-10 * time.Minute); !cutoff.Equal(want) {
		t.Errorf("stale cutoff = %v, want %v", cutoff, want)
	}
	if !bytes.Contains(buf.Bytes(), []byte("実行中のまま残っていたタスクを戻しました")) {
		t.Error("戻したタスクがログに記録されていない")
	}
}

func TestRunner_RunOnce_ClaimError(t *testing.T) {
	var buf bytes.Buffer
	repo := newMockTaskRepo()
	repo.claimDueFunc = func(ctx context.Context, limit int) ([]*model.NotificationTask, error) {
		return nil, errors.New("connection refused")
	}
	r := NewRunner(repo, &mockSender{}, nil, newTestLogger(&buf), 1, 1)
	if err := r.RunOnce(context.Background()); err == nil {
		t.Fatal("ClaimDueのエラーを返すべき")
	}
}

func TestRunner_Start_StopsOnCancel(t *testing.T) {
	var buf bytes.Buffer
	repo := newMockTaskRepo()
	r := NewRunner(repo, &mockSender{}, nil, newTestLogger(&buf), 1, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Start(ctx, 10*time.Millisecond)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Startがキャンセル後に終了しない")
	}
}
