package lock

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"hash/fnv"
	"time"
)

// PostgresLocker はPostgreSQLのセッションレベルアドバイザリロックによるロック。
// 同じデータベースに接続する全ホスト間で排他できる。
// ロックはコネクションに紐づくため、取得から解放まで専用のコネクションを占有する。
type PostgresLocker struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewPostgresLocker はPostgresLockerを生成する。
func NewPostgresLocker(db *sql.DB) *PostgresLocker {
	return &PostgresLocker{db: db, pollInterval: defaultPollInterval}
}

// lockKey はリソース名をアドバイザリロックの64bitキーに変換する。
func lockKey(resource string) int64 {
	h := fnv.New64a()
	h.Write([]byte("xmppaccount:" + resource))
	return int64(h.Sum64())
}

// Acquire はpg_try_advisory_lockを取得できるまで再試行する。
func (l *PostgresLocker) Acquire(ctx context.Context, resource string, timeout time.Duration) (Guard, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve connection for lock: %w", err)
	}

	key := lockKey(resource)
	ok, err := poll(ctx, timeout, l.pollInterval, func() (bool, error) {
		var locked bool
		if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&locked); err != nil {
			return false, fmt.Errorf("pg_try_advisory_lock: %w", err)
		}
		return locked, nil
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if !ok {
		conn.Close()
		return nil, timeoutError(resource, timeout)
	}
	return &pgGuard{conn: conn, key: key}, nil
}

type pgGuard struct {
	conn *sql.Conn
	key  int64
}

// Release はアドバイザリロックを解放してコネクションをプールに返す。
func (g *pgGuard) Release() error {
	if g.conn == nil {
		return nil
	}
	// 呼び出し元のコンテキストがキャンセル済みでも確実に解放する
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var released bool
	err := g.conn.QueryRowContext(ctx, `SELECT pg_advisory_unlock($1)`, g.key).Scan(&released)
	if err != nil {
		// ロックを保持したままプールに戻さないよう、コネクションを破棄する
		_ = g.conn.Raw(func(any) error { return driver.ErrBadConn })
	}
	cerr := g.conn.Close()
	g.conn = nil
	if err != nil {
		return fmt.Errorf("pg_advisory_unlock: %w", err)
	}
	if !released {
		return fmt.Errorf("advisory lock %d was not held", g.key)
	}
	return cerr
}

var _ Locker = (*PostgresLocker)(nil)
