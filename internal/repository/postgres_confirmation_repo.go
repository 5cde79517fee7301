package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/xmppaccount/internal/model"
)

// PostgresConfirmationRepo はPostgreSQLを使用した確認トークンリポジトリ。
type PostgresConfirmationRepo struct {
	db *sql.DB
}

// NewPostgresConfirmationRepo はPostgresConfirmationRepoを生成する。
func NewPostgresConfirmationRepo(db *sql.DB) *PostgresConfirmationRepo {
	return &PostgresConfirmationRepo{db: db}
}

const confirmationColumns = `id, key, account_id, purpose, payload, created_at`

// Create はトークンを保存する。
func (r *PostgresConfirmationRepo) Create(ctx context.Context, c *model.Confirmation) error {
	payload, err := c.Payload.Marshal()
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO confirmations (id, key, account_id, purpose, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.Key, c.AccountID, string(c.Purpose), payload, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("確認トークンの作成に失敗しました: %w", err)
	}
	return nil
}

// FindByID は指定IDのトークンを取得する。見つからない場合はnilを返す。
func (r *PostgresConfirmationRepo) FindByID(ctx context.Context, id string) (*model.Confirmation, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+confirmationColumns+` FROM confirmations WHERE id = $1`,
		id,
	)
	c, err := scanConfirmation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("確認トークンの取得に失敗しました: %w", err)
	}
	return c, nil
}

// FindValid はキーとpurposeが一致する有効なトークンを返す。見つからない場合はnilを返す。
func (r *PostgresConfirmationRepo) FindValid(ctx context.Context, key string, purpose model.Purpose, createdAfter time.Time) (*model.Confirmation, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+confirmationColumns+`
		 FROM confirmations
		 WHERE key = $1 AND purpose = $2 AND created_at > $3`,
		key, string(purpose), createdAfter,
	)
	c, err := scanConfirmation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("確認トークンの検索に失敗しました: %w", err)
	}
	return c, nil
}

// Redeem は同じアカウント・purposeのトークン行をすべてid順にFOR UPDATEでロックしてからfnを実行し、
// 成功時にそれらを削除する。兄弟トークンの同時引き換えは同じ順序でロックを待つためデッドロックせず、
// 後続は削除済みの行を見つけられずにmodel.ErrConfirmationNotFoundとなる。
func (r *PostgresConfirmationRepo) Redeem(ctx context.Context, key string, purpose model.Purpose, createdAfter time.Time, fn func(c *model.Confirmation) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	c, err := findValidTx(ctx, tx, key, purpose, createdAfter)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`SELECT id FROM confirmations
		 WHERE account_id = $1 AND purpose = $2
		 ORDER BY id
		 FOR UPDATE`,
		c.AccountID, string(c.Purpose),
	); err != nil {
		return fmt.Errorf("確認トークンのロックに失敗しました: %w", err)
	}

	// ロック待ちの間に引き換えられていれば行は消えている
	c, err = findValidTx(ctx, tx, key, purpose, createdAfter)
	if err != nil {
		return err
	}

	if err := fn(c); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM confirmations WHERE account_id = $1 AND purpose = $2`,
		c.AccountID, string(c.Purpose),
	); err != nil {
		return fmt.Errorf("確認トークンの削除に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

func findValidTx(ctx context.Context, tx *sql.Tx, key string, purpose model.Purpose, createdAfter time.Time) (*model.Confirmation, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+confirmationColumns+`
		 FROM confirmations
		 WHERE key = $1 AND purpose = $2 AND created_at > $3`,
		key, string(purpose), createdAfter,
	)
	c, err := scanConfirmation(row)
	if err == sql.ErrNoRows {
		return nil, model.ErrConfirmationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("確認トークンの検索に失敗しました: %w", err)
	}
	return c, nil
}

// DeleteByAccountAndPurpose は指定アカウント・purposeのトークンをすべて削除する。
func (r *PostgresConfirmationRepo) DeleteByAccountAndPurpose(ctx context.Context, accountID string, purpose model.Purpose) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM confirmations WHERE account_id = $1 AND purpose = $2`,
		accountID, string(purpose),
	)
	if err != nil {
		return 0, fmt.Errorf("確認トークンの削除に失敗しました: %w", err)
	}
	return result.RowsAffected()
}

// DeleteCreatedBefore は指定日時より前に作成されたトークンを削除する。
func (r *PostgresConfirmationRepo) DeleteCreatedBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM confirmations WHERE created_at <= $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("期限切れ確認トークンの削除に失敗しました: %w", err)
	}
	return result.RowsAffected()
}

func scanConfirmation(s rowScanner) (*model.Confirmation, error) {
	c := &model.Confirmation{}
	var purpose string
	var payload []byte

	if err := s.Scan(&c.ID, &c.Key, &c.AccountID, &purpose, &payload, &c.CreatedAt); err != nil {
		return nil, err
	}

	c.Purpose = model.Purpose(purpose)
	p, err := model.UnmarshalPayload(payload)
	if err != nil {
		return nil, err
	}
	c.Payload = p
	return c, nil
}

// compile-time interface check
var _ ConfirmationRepository = (*PostgresConfirmationRepo)(nil)
