// Package lock はキーリングなどの共有リソースを複数プロセス間で排他するロックを提供する。
//
// 2つの実装がある。FileLockerはflockによる同一ホスト内のプロセス間排他で、
// 複数ホストからNFS等で同じキーリングを共有する構成では正しく動作しない。
// 複数ホスト構成ではPostgreSQLのアドバイザリロックを使うPostgresLockerを選択する。
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/xmppaccount/internal/model"
)

// ErrTimeout はタイムアウトまでにロックを取得できなかったことを示す。
// 呼び出し側にはmodel.TemporaryErrorでラップして返される。
var ErrTimeout = errors.New("lock acquisition timed out")

// defaultPollInterval はロック取得を再試行する間隔。
const defaultPollInterval = 100 * time.Millisecond

// Locker は名前付きリソースの排他ロックを取得する。
type Locker interface {
	// Acquire はresourceのロックを取得する。timeout以内に取得できない場合は
	// *model.TemporaryErrorを返す。
	Acquire(ctx context.Context, resource string, timeout time.Duration) (Guard, error)
}

// Guard は取得済みのロック。Releaseで解放する。
type Guard interface {
	Release() error
}

// With はロックを保持した状態でfnを実行し、fnの成否に関わらず解放する。
func With(ctx context.Context, l Locker, resource string, timeout time.Duration, fn func(ctx context.Context) error) (err error) {
	guard, err := l.Acquire(ctx, resource, timeout)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := guard.Release(); rerr != nil && err == nil {
			err = fmt.Errorf("failed to release lock %s: %w", resource, rerr)
		}
	}()
	return fn(ctx)
}

// timeoutError はタイムアウトを一時的なエラーとして表す。
func timeoutError(resource string, timeout time.Duration) error {
	return &model.TemporaryError{
		Op:         "lock " + resource,
		Err:        fmt.Errorf("%w after %s", ErrTimeout, timeout),
		RetryAfter: timeout,
	}
}

// poll はtryがtrueを返すまでinterval間隔で再試行する。
// deadlineを過ぎた場合はfalse、コンテキストがキャンセルされた場合はそのエラーを返す。
func poll(ctx context.Context, timeout, interval time.Duration, try func() (bool, error)) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := try()
		if err != nil || ok {
			return ok, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		wait := interval
		if remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}
	}
}
