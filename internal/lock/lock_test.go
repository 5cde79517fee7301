package lock

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/xmppaccount/internal/model"
)

func newTestFileLocker() *FileLocker {
	return &FileLocker{pollInterval: 5 * time.Millisecond}
}

func TestFileLocker_SecondAcquireTimesOut(t *testing.T) {
	resource := filepath.Join(t.TempDir(), "secring.gpg")
	l := newTestFileLocker()

	g, err := l.Acquire(context.Background(), resource, time.Second)
	require.NoError(t, err)

	_, err = l.Acquire(context.Background(), resource, 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, model.IsTemporary(err), "timeout must be a TemporaryError, got %v", err)
	assert.True(t, errors.Is(err, ErrTimeout))

	require.NoError(t, g.Release())

	g2, err := l.Acquire(context.Background(), resource, 50*time.Millisecond)
	require.NoError(t, err)
	assert.NoError(t, g2.Release())
}

func TestFileLocker_ReleaseIsIdempotent(t *testing.T) {
	resource := filepath.Join(t.TempDir(), "secring.gpg")
	g, err := newTestFileLocker().Acquire(context.Background(), resource, time.Second)
	require.NoError(t, err)
	require.NoError(t, g.Release())
	assert.NoError(t, g.Release())
}

func TestFileLocker_SerializesCriticalSections(t *testing.T) {
	resource := filepath.Join(t.TempDir(), "secring.gpg")
	l := newTestFileLocker()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := With(context.Background(), l, resource, 5*time.Second, func(context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside, "critical sections overlapped")
}

func TestWith_ReleasesOnError(t *testing.T) {
	resource := filepath.Join(t.TempDir(), "secring.gpg")
	l := newTestFileLocker()
	boom := errors.New("boom")

	err := With(context.Background(), l, resource, time.Second, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	g, err := l.Acquire(context.Background(), resource, 50*time.Millisecond)
	require.NoError(t, err, "lock must be released after fn failed")
	assert.NoError(t, g.Release())
}

func TestFileLocker_ContextCanceled(t *testing.T) {
	resource := filepath.Join(t.TempDir(), "secring.gpg")
	l := newTestFileLocker()

	g, err := l.Acquire(context.Background(), resource, time.Second)
	require.NoError(t, err)
	defer g.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Acquire(ctx, resource, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPostgresLocker_AcquireAfterRetry(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	key := lockKey("/var/lib/gnupg/secring.gpg")
	mock.ExpectQuery(`SELECT pg_try_advisory_lock\(\$1\)`).WithArgs(key).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))
	mock.ExpectQuery(`SELECT pg_try_advisory_lock\(\$1\)`).WithArgs(key).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectQuery(`SELECT pg_advisory_unlock\(\$1\)`).WithArgs(key).
		WillReturnRows(sqlmock.NewRows([]string{"pg_advisory_unlock"}).AddRow(true))

	l := &PostgresLocker{db: db, pollInterval: time.Millisecond}
	g, err := l.Acquire(context.Background(), "/var/lib/gnupg/secring.gpg", time.Second)
	require.NoError(t, err)
	require.NoError(t, g.Release())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLocker_Timeout(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.MatchExpectationsInOrder(false)
	for i := 0; i < 50; i++ {
		mock.ExpectQuery(`SELECT pg_try_advisory_lock`).
			WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))
	}

	l := &PostgresLocker{db: db, pollInterval: 5 * time.Millisecond}
	_, err = l.Acquire(context.Background(), "keyring", 20*time.Millisecond)
	require.Error(t, err)
	assert.True(t, model.IsTemporary(err))
}

func TestLockKey_StablePerResource(t *testing.T) {
	assert.Equal(t, lockKey("a"), lockKey("a"))
	assert.NotEqual(t, lockKey("a"), lockKey("b"))
}
