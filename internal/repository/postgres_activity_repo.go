package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/xmppaccount/internal/model"
)

// PostgresActivityRepo はPostgreSQLを使用したIPアクティビティリポジトリ。
type PostgresActivityRepo struct {
	db *sql.DB
}

// NewPostgresActivityRepo はPostgresActivityRepoを生成する。
func NewPostgresActivityRepo(db *sql.DB) *PostgresActivityRepo {
	return &PostgresActivityRepo{db: db}
}

// Create はアクティビティを記録する。
func (r *PostgresActivityRepo) Create(ctx context.Context, a *model.IPActivity) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO ip_activities (id, address, account_id, purpose, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.Address, a.AccountID, string(a.Purpose), a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("IPアクティビティの記録に失敗しました: %w", err)
	}
	return nil
}

// DeleteCreatedBefore は指定日時より前のアクティビティを削除する。
func (r *PostgresActivityRepo) DeleteCreatedBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM ip_activities WHERE created_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("IPアクティビティの削除に失敗しました: %w", err)
	}
	return result.RowsAffected()
}

// compile-time interface check
var _ ActivityRepository = (*PostgresActivityRepo)(nil)
