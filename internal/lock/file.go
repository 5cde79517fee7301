package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// fileSuffix はロックファイルの拡張子。リソースのパスに付加される。
const fileSuffix = ".xmppaccount.lock"

// FileLocker はflock(2)によるロック。同一ホスト上のプロセス間でのみ有効。
type FileLocker struct {
	pollInterval time.Duration
}

// NewFileLocker はFileLockerを生成する。
func NewFileLocker() *FileLocker {
	return &FileLocker{pollInterval: defaultPollInterval}
}

// Acquire は<resource>.xmppaccount.lockにflockで排他ロックを掛ける。
func (l *FileLocker) Acquire(ctx context.Context, resource string, timeout time.Duration) (Guard, error) {
	path := resource + fileSuffix
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}

	ok, err := poll(ctx, timeout, l.pollInterval, func() (bool, error) {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return true, nil
		}
		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
			return false, nil
		}
		return false, fmt.Errorf("flock %s: %w", path, err)
	})
	if err != nil {
		f.Close()
		return nil, err
	}
	if !ok {
		f.Close()
		return nil, timeoutError(resource, timeout)
	}
	return &fileGuard{f: f}, nil
}

type fileGuard struct {
	f *os.File
}

// Release はflockを解除してファイルを閉じる。
func (g *fileGuard) Release() error {
	if g.f == nil {
		return nil
	}
	uerr := unix.Flock(int(g.f.Fd()), unix.LOCK_UN)
	cerr := g.f.Close()
	g.f = nil
	if uerr != nil {
		return uerr
	}
	return cerr
}

var _ Locker = (*FileLocker)(nil)
